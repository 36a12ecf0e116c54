// Package types provides the core data types shared by the runchat engine,
// its run client and the mock run service.
package types

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Role identifies who authored a transcript message.
type Role string

const (
	RoleHuman     Role = "human"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// wire names used by the run service ("ai" for assistant).
const (
	wireHuman     = "human"
	wireAssistant = "ai"
	wireTool      = "tool"
)

// ParseRole maps a wire role name onto a Role.
// Both LangGraph ("human", "ai") and chat-style ("user", "assistant") names are accepted.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case wireHuman, "user":
		return RoleHuman, nil
	case wireAssistant, "assistant", "aimessagechunk":
		return RoleAssistant, nil
	case wireTool:
		return RoleTool, nil
	default:
		return "", fmt.Errorf("unknown message role %q", s)
	}
}

// Wire returns the role name the run service expects.
func (r Role) Wire() string {
	switch r {
	case RoleAssistant:
		return wireAssistant
	case RoleTool:
		return wireTool
	default:
		return wireHuman
	}
}

// ToolCall is a single tool invocation announced by the assistant.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

// Message is one transcript entry. It is encoded in the run service's wire
// format (see MarshalJSON).
type Message struct {
	Role       Role
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
	Name       string
	ID         string
}

// HumanMessage builds a human message with the given text.
func HumanMessage(content string) Message {
	return Message{Role: RoleHuman, Content: content}
}

// HasToolCalls reports whether the message announces at least one tool call.
func (m Message) HasToolCalls() bool {
	return len(m.ToolCalls) > 0
}

// IsToolCallSlot reports whether the message is an assistant tool-call card.
func (m Message) IsToolCallSlot() bool {
	return m.Role == RoleAssistant && m.HasToolCalls()
}

// IsFinalText reports whether the message is a tool-call-free assistant reply.
func (m Message) IsFinalText() bool {
	return m.Role == RoleAssistant && !m.HasToolCalls()
}

// ToolResultKey is the dedup key for tool results.
func (m Message) ToolResultKey() string {
	return m.ToolCallID + "_" + m.Name
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	out := m
	if m.ToolCalls != nil {
		out.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			out.ToolCalls[i] = tc
			if tc.Args != nil {
				args := make(map[string]any, len(tc.Args))
				for k, v := range tc.Args {
					args[k] = v
				}
				out.ToolCalls[i].Args = args
			}
		}
	}
	return out
}

// CloneMessages deep-copies a transcript.
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}

type wireToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
	Type string         `json:"type,omitempty"`
}

type wireMessage struct {
	Type       string          `json:"type"`
	Role       string          `json:"role,omitempty"`
	Content    json.RawMessage `json:"content"`
	ToolCalls  []wireToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Name       string          `json:"name,omitempty"`
	ID         string          `json:"id,omitempty"`
}

// MarshalJSON encodes the message in the run service's wire format.
func (m Message) MarshalJSON() ([]byte, error) {
	content, err := json.Marshal(m.Content)
	if err != nil {
		return nil, err
	}
	w := wireMessage{
		Type:       m.Role.Wire(),
		Content:    content,
		ToolCallID: m.ToolCallID,
		Name:       m.Name,
		ID:         m.ID,
	}
	for _, tc := range m.ToolCalls {
		args := tc.Args
		if args == nil {
			args = map[string]any{}
		}
		w.ToolCalls = append(w.ToolCalls, wireToolCall{ID: tc.ID, Name: tc.Name, Args: args, Type: "tool_call"})
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes a message from the run service's wire format.
// Content may be a plain string or a list of content blocks; text blocks are concatenated.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	roleName := w.Type
	if roleName == "" {
		roleName = w.Role
	}
	role, err := ParseRole(roleName)
	if err != nil {
		return err
	}
	content, err := decodeContent(w.Content)
	if err != nil {
		return fmt.Errorf("message %q content: %w", w.ID, err)
	}

	*m = Message{
		Role:       role,
		Content:    content,
		ToolCallID: w.ToolCallID,
		Name:       w.Name,
		ID:         w.ID,
	}
	for _, tc := range w.ToolCalls {
		m.ToolCalls = append(m.ToolCalls, ToolCall{ID: tc.ID, Name: tc.Name, Args: tc.Args})
	}
	return nil
}

func decodeContent(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var blocks []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, b := range blocks {
		if b.Type == "text" || b.Type == "" {
			sb.WriteString(b.Text)
		}
	}
	return sb.String(), nil
}
