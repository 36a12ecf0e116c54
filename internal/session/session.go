package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opencode-ai/runchat/internal/reconcile"
	"github.com/opencode-ai/runchat/pkg/types"
)

// session is the registry's mutable record. All fields are guarded by Registry.mu.
type session struct {
	id        string
	title     string
	createdAt time.Time

	state       reconcile.State
	handle      *types.RunHandle
	metadata    types.RunMetadata
	activeRunID string
	checkpoint  types.Checkpoint

	runState types.RunState
	loading  bool
	lastErr  error

	run  *runToken
	ctrl *Controller
}

func newSession(id string, r *Registry) *session {
	s := &session{
		id:        id,
		title:     DefaultTitle,
		createdAt: time.Now(),
		state:     reconcile.Reset(nil),
		runState:  types.RunIdle,
	}
	s.ctrl = &Controller{reg: r, sessionID: id}
	return s
}

func (s *session) record() types.SessionRecord {
	rec := types.SessionRecord{
		ID:        s.id,
		Title:     s.title,
		CreatedAt: s.createdAt.UnixMilli(),
	}
	if s.handle != nil {
		rec.ThreadID = s.handle.ThreadID
		rec.AssistantID = s.handle.AssistantID
	}
	return rec
}

func (s *session) snapshot() types.SessionSnapshot {
	book := s.state.Book
	snap := types.SessionSnapshot{
		ID:               s.id,
		Title:            s.title,
		Transcript:       types.CloneMessages(s.state.Transcript),
		Metadata:         s.metadata,
		ActiveRunID:      s.activeRunID,
		PausedCheckpoint: cloneCheckpoint(s.checkpoint),
		RunState:         s.runState,
		IsLoading:        s.loading,
		LastError:        s.lastErr,
		CreatedAt:        s.createdAt,
		ToolCallSlot:     book.ToolCallSlot,
		StreamingSlot:    book.StreamingSlot,
		ToolsCompleted:   book.ToolsCompleted,
		PendingToolCalls: book.Pending(),
	}
	if s.handle != nil {
		h := *s.handle
		snap.Handle = &h
	}
	return snap
}

// stopRun cancels the in-flight run, if any.
func (s *session) stopRun(reason types.RunState) {
	if s.run != nil {
		s.run.stop(reason)
	}
}

func hasHuman(msgs []types.Message) bool {
	for _, m := range msgs {
		if m.Role == types.RoleHuman {
			return true
		}
	}
	return false
}

func cloneCheckpoint(cp types.Checkpoint) types.Checkpoint {
	if len(cp) == 0 {
		return nil
	}
	out := make(types.Checkpoint, len(cp))
	copy(out, cp)
	return out
}

// runToken is the cancellation handle of one run.
type runToken struct {
	ctx    context.Context
	cancel context.CancelFunc

	stopOnce  sync.Once
	cancelled atomic.Bool
	reason    types.RunState

	pausing     atomic.Bool
	settleOnce  sync.Once
	pauseSettle chan struct{}

	done chan struct{}
}

func newRunToken(parent context.Context) *runToken {
	ctx, cancel := context.WithCancel(parent)
	return &runToken{
		ctx:         ctx,
		cancel:      cancel,
		pauseSettle: make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// stop cancels the run. The first reason wins.
func (t *runToken) stop(reason types.RunState) {
	t.stopOnce.Do(func() {
		t.reason = reason
		t.cancelled.Store(true)
		t.cancel()
	})
}

func (t *runToken) stopped() bool {
	return t.cancelled.Load()
}

// stopReason is only meaningful once stopped reports true.
func (t *runToken) stopReason() types.RunState {
	if !t.stopped() {
		return types.RunAborted
	}
	return t.reason
}

// beginPause marks a pause in progress. It fails if one already is.
func (t *runToken) beginPause() bool {
	return t.pausing.CompareAndSwap(false, true)
}

func (t *runToken) settlePause() {
	t.settleOnce.Do(func() { close(t.pauseSettle) })
}

// awaitPause blocks while a pause round trip is still deciding how the run ends.
func (t *runToken) awaitPause() {
	if !t.pausing.Load() {
		return
	}
	select {
	case <-t.pauseSettle:
	case <-t.ctx.Done():
	}
}
