package types

import "encoding/json"

// StreamEvent is one item of a run's event stream.
type StreamEvent interface {
	streamEvent()
}

// MetadataEvent carries run identifiers. It never touches the transcript.
type MetadataEvent struct {
	RunID    string
	ThreadID string
}

func (MetadataEvent) streamEvent() {}

// MessageDeltaEvent carries partial (cumulative) messages.
type MessageDeltaEvent struct {
	Messages []Message
}

func (MessageDeltaEvent) streamEvent() {}

// MessageCompleteEvent carries finished messages.
type MessageCompleteEvent struct {
	Messages []Message
}

func (MessageCompleteEvent) streamEvent() {}

// UpdatesRawEvent is an informational graph update. Reconciliation ignores it.
type UpdatesRawEvent struct {
	Payload json.RawMessage
}

func (UpdatesRawEvent) streamEvent() {}

// RunMetadata correlates a session with its remote thread and current run.
type RunMetadata struct {
	ThreadID string `json:"threadId"`
	RunID    string `json:"runId,omitempty"`
}

// RunHandle identifies the remote resources backing a session.
type RunHandle struct {
	ThreadID    string `json:"threadId"`
	AssistantID string `json:"assistantId"`
}

// Checkpoint is an opaque server-issued pointer into a thread's execution.
type Checkpoint = json.RawMessage

// ThreadState is the latest state of a remote thread.
type ThreadState struct {
	Values     map[string]json.RawMessage `json:"values"`
	Checkpoint Checkpoint                 `json:"checkpoint,omitempty"`
}

// Messages decodes the "messages" channel of the thread values, if present.
// Elements that are not chat messages, such as system messages, are skipped.
func (s ThreadState) Messages() ([]Message, error) {
	raw, ok := s.Values["messages"]
	if !ok || len(raw) == 0 {
		return nil, nil
	}
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil, err
	}
	msgs := make([]Message, 0, len(elems))
	for _, elem := range elems {
		var m Message
		if err := json.Unmarshal(elem, &m); err != nil {
			continue
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// RunState is the lifecycle state of a single run.
type RunState string

const (
	RunIdle      RunState = "idle"
	RunStarting  RunState = "starting"
	RunStreaming RunState = "streaming"
	RunCompleted RunState = "completed"
	RunErrored   RunState = "errored"
	RunAborted   RunState = "aborted"
	RunPaused    RunState = "paused"
)

// Terminal reports whether the run can make no further progress.
func (s RunState) Terminal() bool {
	switch s {
	case RunCompleted, RunErrored, RunAborted, RunPaused:
		return true
	}
	return false
}
