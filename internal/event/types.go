package event

import "github.com/opencode-ai/runchat/pkg/types"

// EventType represents the type of event.
type EventType string

const (
	SessionCreated  EventType = "session.created"
	SessionUpdated  EventType = "session.updated"
	SessionSwitched EventType = "session.switched"
	SessionDeleted  EventType = "session.deleted"

	RunStarted  EventType = "run.started"
	RunFinished EventType = "run.finished"
	RunError    EventType = "run.error"

	TranscriptUpdated EventType = "transcript.updated"
)

// Event is a single notification. Fields that do not apply to a type are empty.
type Event struct {
	Type      EventType      `json:"type"`
	SessionID string         `json:"sessionId"`
	RunID     string         `json:"runId,omitempty"`
	ThreadID  string         `json:"threadId,omitempty"`
	State     types.RunState `json:"state,omitempty"`
	Title     string         `json:"title,omitempty"`
	Error     string         `json:"error,omitempty"`
}
