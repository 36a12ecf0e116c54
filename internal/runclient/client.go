// Package runclient talks to a LangGraph-compatible agent run service.
//
// Client is the port the session engine depends on; HTTPClient implements it
// over the service's REST API, decoding run streams from server-sent events.
package runclient

import (
	"context"

	"github.com/opencode-ai/runchat/pkg/types"
)

// StreamModes requested for every run.
var StreamModes = []string{"messages", "updates"}

// Client is the run service port.
type Client interface {
	CreateAssistant(ctx context.Context, graphID string, config map[string]any) (string, error)
	CreateThread(ctx context.Context) (string, error)
	StartRun(ctx context.Context, threadID, assistantID string, req RunRequest) (EventStream, error)
	InterruptRun(ctx context.Context, threadID, runID string) error
	GetThreadState(ctx context.Context, threadID string) (types.ThreadState, error)
	DeleteAssistant(ctx context.Context, assistantID string) error
	DeleteThread(ctx context.Context, threadID string) error
}

// RunRequest describes one run.
type RunRequest struct {
	// Input messages for the run. May be empty when resuming from a checkpoint.
	Input []types.Message
	// Config is passed through as the run's config.
	Config map[string]any
	// Checkpoint resumes a paused run when set.
	Checkpoint types.Checkpoint
	// HistoryReset replaces the thread's message history before the run starts.
	HistoryReset []types.Message
}

// EventStream yields the decoded events of one run.
type EventStream interface {
	// Next blocks for the next event. It returns io.EOF once the run has ended.
	Next(ctx context.Context) (types.StreamEvent, error)
	Close() error
}
