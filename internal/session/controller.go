package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/opencode-ai/runchat/internal/event"
	"github.com/opencode-ai/runchat/internal/reconcile"
	"github.com/opencode-ai/runchat/internal/runclient"
	"github.com/opencode-ai/runchat/pkg/types"
)

// handleTimeout bounds the shared assistant/thread creation, which outlives
// the run that triggered it.
const handleTimeout = time.Minute

// StartOptions tune a single run.
type StartOptions struct {
	// HistoryReset, when non-nil, replaces the thread's history on the
	// server before the run starts.
	HistoryReset []types.Message
}

// Controller drives the runs of one session.
type Controller struct {
	reg       *Registry
	sessionID string

	// handles collapses concurrent assistant/thread creation for the session.
	handles singleflight.Group
}

// Start runs the agent with input and blocks until the run ends.
// A run already in flight for the session is stopped first. The returned
// error is non-nil only when the run failed; it is also recorded on the session.
func (c *Controller) Start(ctx context.Context, input []types.Message, opts StartOptions) error {
	r := c.reg

	r.mu.Lock()
	s, ok := r.sessions[c.sessionID]
	if !ok {
		r.mu.Unlock()
		return ErrSessionNotFound
	}
	s.stopRun(types.RunAborted)
	tok := newRunToken(ctx)
	s.run = tok
	checkpoint := s.checkpoint
	s.checkpoint = nil
	s.loading = true
	s.runState = types.RunStarting
	s.lastErr = nil
	s.activeRunID = ""
	s.state = reconcile.Reset(s.state.Transcript)
	r.mu.Unlock()

	defer close(tok.done)
	defer tok.cancel()

	log := r.log.With().Str("session", c.sessionID).Logger()

	handle, err := c.ensureHandle(tok.ctx)
	if err != nil {
		if tok.stopped() {
			c.finish(tok, tok.stopReason(), nil)
			return nil
		}
		if tok.ctx.Err() != nil {
			c.restoreCheckpoint(tok, checkpoint)
			c.finish(tok, types.RunAborted, nil)
			return nil
		}
		runErr := &RunError{Kind: KindInit, SessionID: c.sessionID, Err: err}
		log.Error().Err(err).Msg("run initialization failed")
		c.restoreCheckpoint(tok, checkpoint)
		c.finish(tok, types.RunErrored, runErr)
		return runErr
	}

	stream, err := r.client.StartRun(tok.ctx, handle.ThreadID, handle.AssistantID, runclient.RunRequest{
		Input:        input,
		Config:       r.opts.AssistantConfig,
		Checkpoint:   checkpoint,
		HistoryReset: opts.HistoryReset,
	})
	if err != nil {
		if tok.stopped() {
			c.finish(tok, tok.stopReason(), nil)
			return nil
		}
		runErr := &RunError{Kind: KindStream, SessionID: c.sessionID, Err: fmt.Errorf("start run: %w", err)}
		log.Error().Err(err).Msg("failed to start run")
		c.restoreCheckpoint(tok, checkpoint)
		c.finish(tok, types.RunErrored, runErr)
		return runErr
	}
	defer stream.Close()

	c.setRunState(tok, types.RunStreaming)

	final, runErr := c.consume(tok, stream)
	if runErr != nil {
		log.Error().Err(runErr).Msg("run stream failed")
	} else {
		log.Debug().Str("state", string(final)).Msg("run finished")
	}
	c.finish(tok, final, runErr)
	return runErr
}

// consume applies stream events until the run ends and reports its terminal state.
func (c *Controller) consume(tok *runToken, stream runclient.EventStream) (types.RunState, error) {
	for {
		if tok.stopped() {
			return tok.stopReason(), nil
		}
		ev, err := stream.Next(tok.ctx)
		if err != nil {
			switch {
			case tok.stopped():
				return tok.stopReason(), nil
			case errors.Is(err, io.EOF):
				// An interrupt ends the stream before Pause has stored its checkpoint.
				tok.awaitPause()
				if tok.stopped() {
					return tok.stopReason(), nil
				}
				return types.RunCompleted, nil
			case tok.ctx.Err() != nil:
				return types.RunAborted, nil
			default:
				return types.RunErrored, &RunError{Kind: KindStream, SessionID: c.sessionID, Err: err}
			}
		}
		c.apply(tok, ev)
	}
}

// apply folds one event into the session if tok is still its current run.
func (c *Controller) apply(tok *runToken, ev types.StreamEvent) {
	r := c.reg

	r.mu.Lock()
	s, ok := r.sessions[c.sessionID]
	if !ok || s.run != tok || tok.stopped() {
		r.mu.Unlock()
		return
	}
	next, eff := r.opts.Reconcile.Apply(s.state, ev)
	s.state = next

	var events []event.Event
	if md := eff.Metadata; md != nil {
		s.activeRunID = md.RunID
		s.metadata.RunID = md.RunID
		if md.ThreadID != "" {
			s.metadata.ThreadID = md.ThreadID
		}
		events = append(events, event.Event{
			Type:      event.RunStarted,
			SessionID: s.id,
			RunID:     md.RunID,
			ThreadID:  s.metadata.ThreadID,
			State:     s.runState,
		})
	}
	if eff.Changed {
		events = append(events, event.Event{Type: event.TranscriptUpdated, SessionID: s.id, RunID: s.activeRunID})
	}
	r.mu.Unlock()

	r.publish(events...)
}

func (c *Controller) setRunState(tok *runToken, state types.RunState) {
	r := c.reg
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[c.sessionID]; ok && s.run == tok && !tok.stopped() {
		s.runState = state
	}
}

// restoreCheckpoint hands a consumed checkpoint back after a failed start so
// the run can be resumed later.
func (c *Controller) restoreCheckpoint(tok *runToken, cp types.Checkpoint) {
	if len(cp) == 0 {
		return
	}
	r := c.reg
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[c.sessionID]; ok && s.run == tok && len(s.checkpoint) == 0 {
		s.checkpoint = cp
	}
}

// finish records the terminal state of tok's run. A superseded run leaves
// the session alone.
func (c *Controller) finish(tok *runToken, state types.RunState, runErr error) {
	r := c.reg

	r.mu.Lock()
	s, ok := r.sessions[c.sessionID]
	if !ok || s.run != tok {
		r.mu.Unlock()
		return
	}
	runID := s.activeRunID
	s.loading = false
	s.activeRunID = ""
	s.runState = state
	s.lastErr = runErr
	threadID := s.metadata.ThreadID
	r.mu.Unlock()

	finished := event.Event{
		Type:      event.RunFinished,
		SessionID: c.sessionID,
		RunID:     runID,
		ThreadID:  threadID,
		State:     state,
	}
	if runErr != nil {
		finished.Error = runErr.Error()
		r.publish(event.Event{
			Type:      event.RunError,
			SessionID: c.sessionID,
			RunID:     runID,
			ThreadID:  threadID,
			State:     state,
			Error:     runErr.Error(),
		}, finished)
		return
	}
	r.publish(finished)
}

// ensureHandle returns the session's run handle, creating the remote
// assistant and thread on first use. Creation is shared by concurrent
// callers and runs detached from any one of them, so a caller that gives
// up does not fail the creation for the others.
func (c *Controller) ensureHandle(ctx context.Context) (*types.RunHandle, error) {
	r := c.reg
	if h, err := r.handleOf(c.sessionID); err != nil || h != nil {
		return h, err
	}

	ch := c.handles.DoChan("handle", func() (any, error) {
		if h, err := r.handleOf(c.sessionID); err != nil || h != nil {
			return h, err
		}

		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), handleTimeout)
		defer cancel()

		assistantID, err := r.client.CreateAssistant(cctx, r.opts.GraphID, r.opts.AssistantConfig)
		if err != nil {
			return nil, fmt.Errorf("create assistant: %w", err)
		}
		threadID, err := r.client.CreateThread(cctx)
		if err != nil {
			r.cleanupRemote(context.WithoutCancel(ctx), c.sessionID, &types.RunHandle{AssistantID: assistantID})
			return nil, fmt.Errorf("create thread: %w", err)
		}

		h := &types.RunHandle{ThreadID: threadID, AssistantID: assistantID}
		if err := r.setHandle(c.sessionID, h); err != nil {
			// Deleted while the handle was being created.
			r.cleanupRemote(context.WithoutCancel(ctx), c.sessionID, h)
			return nil, err
		}
		return h, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*types.RunHandle), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop cancels the session's in-flight run. Events that arrive afterwards are discarded.
func (c *Controller) Stop() {
	r := c.reg
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[c.sessionID]; ok {
		s.stopRun(types.RunAborted)
	}
}

// Pause interrupts the run on the server, stores the thread's checkpoint
// for a later resume and stops the local loop. It refuses while tool calls
// are waiting for results.
func (c *Controller) Pause(ctx context.Context) error {
	r := c.reg
	log := r.log.With().Str("session", c.sessionID).Logger()

	r.mu.Lock()
	s, ok := r.sessions[c.sessionID]
	if !ok {
		r.mu.Unlock()
		return ErrSessionNotFound
	}
	tok := s.run
	if tok == nil || tok.stopped() || s.activeRunID == "" || s.handle == nil {
		r.mu.Unlock()
		return ErrNotRunning
	}
	if pending := s.state.Book.Pending(); len(pending) > 0 {
		r.mu.Unlock()
		log.Warn().Strs("pending", pending).Msg("pause refused while tool calls are pending")
		return ErrPauseBlocked
	}
	if !tok.beginPause() {
		r.mu.Unlock()
		return ErrNotRunning
	}
	threadID, runID := s.handle.ThreadID, s.activeRunID
	r.mu.Unlock()

	defer tok.settlePause()

	if err := r.client.InterruptRun(ctx, threadID, runID); err != nil {
		return fmt.Errorf("interrupt run %s: %w", runID, err)
	}
	state, err := r.client.GetThreadState(ctx, threadID)
	if err != nil {
		return fmt.Errorf("fetch thread state: %w", err)
	}

	r.mu.Lock()
	if s, ok := r.sessions[c.sessionID]; ok && s.run == tok {
		s.checkpoint = cloneCheckpoint(state.Checkpoint)
	}
	r.mu.Unlock()

	tok.stop(types.RunPaused)
	log.Info().Str("run", runID).Msg("run paused")

	select {
	case <-tok.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
