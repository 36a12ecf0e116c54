package session_test

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/opencode-ai/runchat/internal/runclient"
	"github.com/opencode-ai/runchat/pkg/types"
)

type streamItem struct {
	ev  types.StreamEvent
	err error
}

// fakeStream is a run stream fed by the test.
type fakeStream struct {
	items   chan streamItem
	endOnce sync.Once
	closed  atomic.Bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{items: make(chan streamItem, 128)}
}

func (s *fakeStream) send(evs ...types.StreamEvent) {
	for _, ev := range evs {
		s.items <- streamItem{ev: ev}
	}
}

func (s *fakeStream) fail(err error) {
	s.items <- streamItem{err: err}
}

func (s *fakeStream) end() {
	s.endOnce.Do(func() { close(s.items) })
}

func (s *fakeStream) Next(ctx context.Context) (types.StreamEvent, error) {
	select {
	case it, ok := <-s.items:
		if !ok {
			return nil, io.EOF
		}
		return it.ev, it.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeStream) Close() error {
	s.closed.Store(true)
	return nil
}

type runCall struct {
	ThreadID    string
	AssistantID string
	Req         runclient.RunRequest
}

// fakeClient is an in-memory run service. Every StartRun hands a fresh
// stream to the test through streams.
type fakeClient struct {
	mu sync.Mutex

	seq            int
	assistantCalls int
	runs           []runCall
	interrupts     []string
	deletedAsst    []string
	deletedThreads []string
	current        map[string]*fakeStream

	createThreadErr error
	startErr        error
	deleteErr       error
	stateErr        error
	threadState     types.ThreadState

	// holdAssistant, when set, makes CreateAssistant wait until it is
	// closed or the call's context ends.
	holdAssistant chan struct{}

	streams chan *fakeStream
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		current: make(map[string]*fakeStream),
		streams: make(chan *fakeStream, 16),
	}
}

var _ runclient.Client = (*fakeClient)(nil)

func (c *fakeClient) id(prefix string) string {
	c.seq++
	return fmt.Sprintf("%s-%d", prefix, c.seq)
}

func (c *fakeClient) CreateAssistant(ctx context.Context, graphID string, config map[string]any) (string, error) {
	c.mu.Lock()
	c.assistantCalls++
	hold := c.holdAssistant
	c.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id("asst"), nil
}

func (c *fakeClient) CreateThread(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.createThreadErr != nil {
		return "", c.createThreadErr
	}
	return c.id("thread"), nil
}

func (c *fakeClient) StartRun(ctx context.Context, threadID, assistantID string, req runclient.RunRequest) (runclient.EventStream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startErr != nil {
		return nil, c.startErr
	}
	req.Input = types.CloneMessages(req.Input)
	req.HistoryReset = types.CloneMessages(req.HistoryReset)
	c.runs = append(c.runs, runCall{ThreadID: threadID, AssistantID: assistantID, Req: req})
	s := newFakeStream()
	c.current[threadID] = s
	c.streams <- s
	return s, nil
}

// InterruptRun ends the thread's current stream, as the service does.
func (c *fakeClient) InterruptRun(ctx context.Context, threadID, runID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interrupts = append(c.interrupts, runID)
	if s, ok := c.current[threadID]; ok {
		s.end()
	}
	return nil
}

func (c *fakeClient) GetThreadState(ctx context.Context, threadID string) (types.ThreadState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stateErr != nil {
		return types.ThreadState{}, c.stateErr
	}
	return c.threadState, nil
}

func (c *fakeClient) DeleteAssistant(ctx context.Context, assistantID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deletedAsst = append(c.deletedAsst, assistantID)
	return c.deleteErr
}

func (c *fakeClient) DeleteThread(ctx context.Context, threadID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deletedThreads = append(c.deletedThreads, threadID)
	return c.deleteErr
}

func (c *fakeClient) set(fn func(c *fakeClient)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c)
}

func (c *fakeClient) Runs() []runCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]runCall(nil), c.runs...)
}

func (c *fakeClient) Interrupts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.interrupts...)
}

func (c *fakeClient) AssistantCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.assistantCalls
}

func (c *fakeClient) Deleted() (assistants, threads []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.deletedAsst...), append([]string(nil), c.deletedThreads...)
}

// Scripted messages of the "what time is it" exchange.
var (
	clockCall = types.Message{
		Role:      types.RoleAssistant,
		ID:        "call-1",
		ToolCalls: []types.ToolCall{{ID: "t1", Name: "clock", Args: map[string]any{}}},
	}
	clockResult = types.Message{Role: types.RoleTool, ID: "res-1", ToolCallID: "t1", Name: "clock", Content: "14:02"}
	clockReply  = types.Message{Role: types.RoleAssistant, ID: "reply-1", Content: "It's 14:02."}
)

func clockEvents(runID string) []types.StreamEvent {
	partial := clockReply
	partial.Content = "It's"
	return []types.StreamEvent{
		types.MetadataEvent{RunID: runID},
		types.MessageDeltaEvent{Messages: []types.Message{clockCall}},
		types.MessageCompleteEvent{Messages: []types.Message{clockCall}},
		types.MessageCompleteEvent{Messages: []types.Message{clockResult}},
		types.MessageCompleteEvent{Messages: []types.Message{clockResult}},
		types.MessageDeltaEvent{Messages: []types.Message{partial}},
		types.MessageCompleteEvent{Messages: []types.Message{clockReply}},
	}
}
