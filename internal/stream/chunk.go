package stream

import (
	"context"
	"fmt"
	"log/slog"
)

// ChunkKind tags the variant of a ProviderStreamChunk.
type ChunkKind string

const (
	ChunkMessageDelta ChunkKind = "message.delta"
	ChunkTodoUpdate   ChunkKind = "todo.update"
	ChunkRunFinished  ChunkKind = "run.finished"
)

// TodoStatus is the status of a todo.update chunk.
type TodoStatus string

const (
	TodoPending   TodoStatus = "todo"
	TodoDoing     TodoStatus = "doing"
	TodoDone      TodoStatus = "done"
	TodoCanceled  TodoStatus = "canceled"
)

// RunStatus is the terminal status carried by a run.finished chunk.
type RunStatus string

const (
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCanceled  RunStatus = "canceled"
)

// Usage is optional token accounting attached to run.finished.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// ProviderStreamChunk is the tagged union of events a run driver
// republishes from a provider adapter onto the bus. Exactly one of the
// payload fields is meaningful, selected by Kind.
type ProviderStreamChunk struct {
	Kind ChunkKind

	// message.delta
	Text string

	// todo.update
	TodoID      string
	TodoContent string
	TodoStatus  TodoStatus
	TodoOrder   int

	// run.finished
	RunStatus RunStatus
	Reason    string
	Usage     *Usage
}

// MessageDelta builds a message.delta chunk.
func MessageDelta(text string) ProviderStreamChunk {
	return ProviderStreamChunk{Kind: ChunkMessageDelta, Text: text}
}

// TodoUpdate builds a todo.update chunk.
func TodoUpdate(id, content string, status TodoStatus, order int) ProviderStreamChunk {
	return ProviderStreamChunk{
		Kind:        ChunkTodoUpdate,
		TodoID:      id,
		TodoContent: content,
		TodoStatus:  status,
		TodoOrder:   order,
	}
}

// RunFinished builds a run.finished chunk. It must be the last chunk a
// RunHandle produces; Republish enforces this.
func RunFinished(status RunStatus, reason string, usage *Usage) ProviderStreamChunk {
	return ProviderStreamChunk{Kind: ChunkRunFinished, RunStatus: status, Reason: reason, Usage: usage}
}

// RunHandle is the contract a run driver consumes to obtain provider
// output. It is not implemented by this package; provider adapters
// live outside the core. Next blocks until a chunk is available, the
// handle is exhausted (ok=false), or ctx is done. Stop signals
// cancellation; the handle is expected to surface a run.finished chunk
// with status=canceled within a bounded grace period afterwards.
type RunHandle interface {
	Next(ctx context.Context) (chunk ProviderStreamChunk, ok bool, err error)
	Stop()
}

// normalizeProviderKind aliases display/routing names to their canonical
// form. This is a boundary concern only: it must never leak into
// repository keys or stream ids.
func normalizeProviderKind(kind string) string {
	if kind == "codex-app-server" {
		return "codex-cli"
	}
	return kind
}

// NormalizeProviderKind exposes normalizeProviderKind for callers
// constructing RunHandles from a raw provider kind string.
func NormalizeProviderKind(kind string) string {
	return normalizeProviderKind(kind)
}

// Republish drains a RunHandle, publishing each chunk onto bus under
// streamID (conventionally the run id), and closes the stream once a
// run.finished chunk is observed. If the handle ends without producing
// one, that is logged as a contract violation and the stream is still
// closed so observers are not left hanging.
func Republish(ctx context.Context, bus *Bus[ProviderStreamChunk], streamID string, handle RunHandle, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	sawFinished := false
	defer func() {
		if !sawFinished {
			logger.Warn("run_stream_ended_without_finished_chunk", "stream_id", streamID)
		}
		bus.Close(streamID)
	}()

	for {
		chunk, ok, err := handle.Next(ctx)
		if err != nil {
			return fmt.Errorf("run handle %s: %w", streamID, err)
		}
		if !ok {
			return nil
		}

		if sawFinished {
			// Contract violation: publishing after run.finished. Surface it
			// in logs but do not forward further events onto a closed stream.
			logger.Error("run_stream_published_after_finished", "stream_id", streamID, "kind", chunk.Kind)
			continue
		}

		if _, err := bus.Publish(streamID, chunk); err != nil {
			return fmt.Errorf("publish %s: %w", streamID, err)
		}
		if chunk.Kind == ChunkRunFinished {
			sawFinished = true
			return nil
		}
	}
}
