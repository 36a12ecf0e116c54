package types

import "time"

// SessionRecord is the persisted metadata of a session. Transcripts are never persisted.
type SessionRecord struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	CreatedAt   int64  `json:"createdAt"`
	ThreadID    string `json:"threadId,omitempty"`
	AssistantID string `json:"assistantId,omitempty"`
}

// Handle returns the record's run handle, or nil when no remote resources exist yet.
func (r SessionRecord) Handle() *RunHandle {
	if r.ThreadID == "" || r.AssistantID == "" {
		return nil
	}
	return &RunHandle{ThreadID: r.ThreadID, AssistantID: r.AssistantID}
}

// SessionSnapshot is a read-only copy of a session's observable state.
type SessionSnapshot struct {
	ID               string
	Title            string
	Transcript       []Message
	Handle           *RunHandle
	Metadata         RunMetadata
	ActiveRunID      string
	PausedCheckpoint Checkpoint
	RunState         RunState
	IsLoading        bool
	LastError        error
	CreatedAt        time.Time

	// Run bookkeeping, exposed for diagnostics and tests.
	ToolCallSlot     int
	StreamingSlot    int
	ToolsCompleted   bool
	PendingToolCalls []string
}

// Paused reports whether the session holds a checkpoint to resume from.
func (s SessionSnapshot) Paused() bool {
	return len(s.PausedCheckpoint) > 0
}
