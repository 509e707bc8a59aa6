package worker

import (
	"context"
	"log/slog"
)

// ExecutorClient is the capability port for restoring and validating a
// session's workspace inside its container.
type ExecutorClient interface {
	// RestoreWorkspace applies plan inside containerID. Any failure must be
	// treated by the caller as fatal for the current attempt: the container
	// is discarded, not patched up.
	RestoreWorkspace(ctx context.Context, sessionID, containerID string, plan RestorePlan) error

	// LinkAgentData is idempotent.
	LinkAgentData(ctx context.Context, sessionID, containerID string) error

	// ValidateWorkspace reports ok=true iff missingPaths is empty.
	ValidateWorkspace(ctx context.Context, sessionID, containerID string, requiredPaths []string) (ok bool, missingPaths []string, err error)
}

// NoopExecutorClient is an ExecutorClient that always succeeds. Restoring
// is a no-op; validation always reports ok=true. Per the "empty
// requiredPaths" design decision, an empty requiredPaths list is treated as
// trivially valid rather than a misconfiguration, and logged as such so the
// ambiguity is visible rather than silently assumed.
type NoopExecutorClient struct {
	Logger *slog.Logger
}

// NewNoopExecutorClient creates a NoopExecutorClient with the given logger
// (or slog.Default() if nil).
func NewNoopExecutorClient(logger *slog.Logger) *NoopExecutorClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &NoopExecutorClient{Logger: logger}
}

func (c *NoopExecutorClient) RestoreWorkspace(_ context.Context, sessionID, containerID string, plan RestorePlan) error {
	c.Logger.Debug("noop restore workspace", "session_id", sessionID, "container_id", containerID, "plan", plan.Name)
	return nil
}

func (c *NoopExecutorClient) LinkAgentData(_ context.Context, sessionID, containerID string) error {
	c.Logger.Debug("noop link agent data", "session_id", sessionID, "container_id", containerID)
	return nil
}

func (c *NoopExecutorClient) ValidateWorkspace(_ context.Context, sessionID, containerID string, requiredPaths []string) (bool, []string, error) {
	if len(requiredPaths) == 0 {
		c.Logger.Warn("validate_workspace called with empty requiredPaths; treating as trivially valid",
			"session_id", sessionID, "container_id", containerID)
	}
	return true, nil, nil
}
