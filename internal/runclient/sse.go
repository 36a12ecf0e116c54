package runclient

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/opencode-ai/runchat/pkg/types"
)

// sseStream decodes a text/event-stream body into run events.
type sseStream struct {
	body   io.ReadCloser
	reader *bufio.Reader
	log    zerolog.Logger

	mu     sync.Mutex
	done   bool
	closed bool
}

func newSSEStream(body io.ReadCloser, log zerolog.Logger) *sseStream {
	return &sseStream{
		body:   body,
		reader: bufio.NewReaderSize(body, 64*1024),
		log:    log,
	}
}

// frame is one raw server-sent event.
type frame struct {
	event string
	data  strings.Builder
}

func (f *frame) reset() {
	f.event = ""
	f.data.Reset()
}

// Next returns the next run event, skipping kinds the engine does not consume.
func (s *sseStream) Next(ctx context.Context) (types.StreamEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done {
		return nil, io.EOF
	}

	// A blocked read only returns once the body is closed.
	stop := context.AfterFunc(ctx, func() { s.body.Close() })
	defer stop()

	var f frame
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil && line == "" {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if err == io.EOF && f.data.Len() > 0 {
				ev, skip, derr := s.decode(f.event, f.data.String())
				s.finish()
				if derr != nil || !skip {
					return ev, derr
				}
			}
			s.finish()
			if err == io.EOF {
				return nil, io.EOF
			}
			return nil, err
		}

		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if f.data.Len() == 0 && f.event == "" {
				continue
			}
			ev, skip, derr := s.decode(f.event, f.data.String())
			f.reset()
			if derr != nil {
				s.finish()
				return nil, derr
			}
			if !skip {
				return ev, nil
			}
		case strings.HasPrefix(line, ":"):
			// heartbeat
		case strings.HasPrefix(line, "event:"):
			f.event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if f.data.Len() > 0 {
				f.data.WriteByte('\n')
			}
			f.data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
}

// decode maps one frame onto a StreamEvent. skip is set for ignored kinds.
func (s *sseStream) decode(event, data string) (ev types.StreamEvent, skip bool, err error) {
	// Subgraph events arrive as "kind|namespace".
	kind, _, _ := strings.Cut(event, "|")

	switch kind {
	case "metadata":
		return types.MetadataEvent{
			RunID:    gjson.Get(data, "run_id").String(),
			ThreadID: gjson.Get(data, "thread_id").String(),
		}, false, nil

	case "messages", "messages/partial":
		msgs := s.decodeMessages(data)
		if len(msgs) == 0 {
			return nil, true, nil
		}
		return types.MessageDeltaEvent{Messages: msgs}, false, nil

	case "messages/complete":
		msgs := s.decodeMessages(data)
		if len(msgs) == 0 {
			return nil, true, nil
		}
		return types.MessageCompleteEvent{Messages: msgs}, false, nil

	case "updates":
		return types.UpdatesRawEvent{Payload: json.RawMessage(data)}, false, nil

	case "error":
		msg := gjson.Get(data, "message")
		if !msg.Exists() {
			msg = gjson.Get(data, "error")
		}
		text := msg.String()
		if text == "" {
			text = data
		}
		return nil, false, &StreamError{Kind: gjson.Get(data, "error").String(), Message: text}

	case "end":
		return nil, false, io.EOF

	default:
		s.log.Trace().Str("event", event).Msg("ignoring stream event")
		return nil, true, nil
	}
}

// decodeMessages reads a message array. Elements that are not messages (the
// metadata half of a message tuple) are dropped.
func (s *sseStream) decodeMessages(data string) []types.Message {
	arr := gjson.Parse(data)
	if !arr.IsArray() {
		arr = gjson.Parse("[" + data + "]")
	}
	var msgs []types.Message
	arr.ForEach(func(_, value gjson.Result) bool {
		if !value.IsObject() || !(value.Get("type").Exists() || value.Get("role").Exists()) {
			return true
		}
		var m types.Message
		if err := json.Unmarshal([]byte(value.Raw), &m); err != nil {
			s.log.Debug().Err(err).Msg("skipping undecodable message")
			return true
		}
		msgs = append(msgs, m)
		return true
	})
	return msgs
}

func (s *sseStream) finish() {
	s.mu.Lock()
	s.done = true
	s.mu.Unlock()
}

// Close releases the response body.
func (s *sseStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = true
	if s.closed {
		return nil
	}
	s.closed = true
	return s.body.Close()
}
