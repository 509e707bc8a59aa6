// Package executorclient adapts a JSON-RPC-over-WebSocket connection into
// the worker package's ExecutorClient port.
package executorclient

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/runfleet/fleetcore/internal/worker"
)

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// Client is an ExecutorClient backed by a single long-lived WebSocket
// connection speaking JSON-RPC 2.0, with each in-flight request tracked by
// its id in pending.
type Client struct {
	conn *websocket.Conn

	nextID  int64
	pendingMu sync.Mutex
	pending map[int64]chan rpcResponse

	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects to a url serving the executor's workspace RPC surface.
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial executor %s: %w", url, err)
	}
	c := &Client{
		conn:    conn,
		pending: make(map[int64]chan rpcResponse),
		done:    make(chan struct{}),
	}
	go c.listen()
	return c, nil
}

func (c *Client) listen() {
	ctx := context.Background()
	for {
		var resp rpcResponse
		if err := wsjson.Read(ctx, c.conn, &resp); err != nil {
			c.failAllPending()
			return
		}
		c.pendingMu.Lock()
		ch, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.pendingMu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

func (c *Client) failAllPending() {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

func (c *Client) call(ctx context.Context, method string, params any) (rpcResponse, error) {
	id := atomic.AddInt64(&c.nextID, 1)
	ch := make(chan rpcResponse, 1)

	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	if err := wsjson.Write(ctx, c.conn, req); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return rpcResponse{}, fmt.Errorf("write %s: %w", method, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return rpcResponse{}, fmt.Errorf("connection closed awaiting %s", method)
		}
		return resp, nil
	case <-ctx.Done():
		return rpcResponse{}, ctx.Err()
	}
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close(websocket.StatusNormalClosure, "client closing")
	})
	return err
}

type restoreParams struct {
	SessionID   string            `json:"sessionId"`
	ContainerID string            `json:"containerId"`
	Plan        restorePlanParams `json:"plan"`
}

type restorePlanParams struct {
	Name  string           `json:"name"`
	Steps []restoreStepWire `json:"steps"`
}

type restoreStepWire struct {
	Kind string            `json:"kind"`
	Args map[string]string `json:"args,omitempty"`
}

func (c *Client) RestoreWorkspace(ctx context.Context, sessionID, containerID string, plan worker.RestorePlan) error {
	steps := make([]restoreStepWire, 0, len(plan.Steps))
	for _, s := range plan.Steps {
		steps = append(steps, restoreStepWire{Kind: s.Kind, Args: s.Args})
	}
	resp, err := c.call(ctx, "workspace.restore", restoreParams{
		SessionID:   sessionID,
		ContainerID: containerID,
		Plan:        restorePlanParams{Name: plan.Name, Steps: steps},
	})
	if err != nil {
		return worker.ErrRestoreFailed("rpc call failed", err)
	}
	if resp.Error != nil {
		return worker.ErrRestoreFailed(resp.Error.Message, nil)
	}
	return nil
}

type linkParams struct {
	SessionID   string `json:"sessionId"`
	ContainerID string `json:"containerId"`
}

func (c *Client) LinkAgentData(ctx context.Context, sessionID, containerID string) error {
	resp, err := c.call(ctx, "workspace.linkAgentData", linkParams{SessionID: sessionID, ContainerID: containerID})
	if err != nil {
		return worker.ErrRestoreFailed("rpc call failed", err)
	}
	if resp.Error != nil {
		return worker.ErrRestoreFailed(resp.Error.Message, nil)
	}
	return nil
}

type validateParams struct {
	SessionID     string   `json:"sessionId"`
	ContainerID   string   `json:"containerId"`
	RequiredPaths []string `json:"requiredPaths"`
}

type validateResult struct {
	OK            bool     `json:"ok"`
	MissingPaths  []string `json:"missingRequiredPaths"`
}

func (c *Client) ValidateWorkspace(ctx context.Context, sessionID, containerID string, requiredPaths []string) (bool, []string, error) {
	resp, err := c.call(ctx, "workspace.validate", validateParams{
		SessionID: sessionID, ContainerID: containerID, RequiredPaths: requiredPaths,
	})
	if err != nil {
		return false, nil, worker.ErrRestoreFailed("rpc call failed", err)
	}
	if resp.Error != nil {
		return false, nil, worker.ErrRestoreFailed(resp.Error.Message, nil)
	}

	var result validateResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return false, nil, worker.ErrRestoreFailed("malformed validate response", err)
	}
	return result.OK, result.MissingPaths, nil
}
