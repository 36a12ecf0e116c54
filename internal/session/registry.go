package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/opencode-ai/runchat/internal/event"
	"github.com/opencode-ai/runchat/internal/logging"
	"github.com/opencode-ai/runchat/internal/reconcile"
	"github.com/opencode-ai/runchat/internal/runclient"
	"github.com/opencode-ai/runchat/internal/storage"
	"github.com/opencode-ai/runchat/pkg/types"
)

// StoreKey is the storage key holding the persisted session records.
const StoreKey = "sessions"

// Options configure a Registry.
type Options struct {
	// GraphID names the graph every assistant is created from.
	GraphID string
	// AssistantConfig is sent on assistant creation and with every run.
	AssistantConfig map[string]any
	// SwitchPolicy decides the fate of the previous session's run on a switch.
	SwitchPolicy types.SwitchPolicy
	Reconcile    reconcile.Options

	// Bus receives lifecycle events. A private bus is created when nil.
	Bus *event.Bus
	// Store persists session records. Nothing is persisted when nil.
	Store storage.KV
}

// Registry owns all sessions and the currently active one.
type Registry struct {
	client runclient.Client
	opts   Options
	log    zerolog.Logger

	ownsBus bool

	mu       sync.Mutex
	sessions map[string]*session
	order    []string // newest first
	activeID string

	persistMu sync.Mutex
}

// NewRegistry creates an empty registry talking to client.
func NewRegistry(client runclient.Client, opts Options) *Registry {
	r := &Registry{
		client:   client,
		opts:     opts,
		log:      logging.Component("session"),
		sessions: make(map[string]*session),
	}
	if r.opts.SwitchPolicy == "" {
		r.opts.SwitchPolicy = types.SwitchCancel
	}
	if r.opts.Bus == nil {
		r.opts.Bus = event.NewBus()
		r.ownsBus = true
	}
	return r
}

// NewRegistryFromConfig wires a registry to the HTTP run client described by cfg.
func NewRegistryFromConfig(cfg *types.Config, bus *event.Bus, store storage.KV) *Registry {
	gate := reconcile.GateAllResults
	if !cfg.StrictGate() {
		gate = reconcile.GateFirstResult
	}
	return NewRegistry(runclient.NewFromConfig(cfg), Options{
		GraphID:         cfg.GraphID,
		AssistantConfig: cfg.AssistantConfig,
		SwitchPolicy:    cfg.SwitchPolicy,
		Reconcile:       reconcile.Options{Gate: gate},
		Bus:             bus,
		Store:           store,
	})
}

// Bus returns the registry's event bus.
func (r *Registry) Bus() *event.Bus {
	return r.opts.Bus
}

// CreateSession adds an empty session, makes it active and returns its id.
func (r *Registry) CreateSession() string {
	id := "chat_" + ulid.Make().String()

	r.mu.Lock()
	s := newSession(id, r)
	r.sessions[id] = s
	r.order = append([]string{id}, r.order...)
	r.activateLocked(id)
	r.mu.Unlock()

	r.log.Info().Str("session", id).Msg("created session")
	r.persist(context.Background())
	r.publish(
		event.Event{Type: event.SessionCreated, SessionID: id, Title: DefaultTitle},
		event.Event{Type: event.SessionSwitched, SessionID: id},
	)
	return id
}

// Switch makes id the active session.
func (r *Registry) Switch(id string) error {
	r.mu.Lock()
	if _, ok := r.sessions[id]; !ok {
		r.mu.Unlock()
		return ErrSessionNotFound
	}
	if r.activeID == id {
		r.mu.Unlock()
		return nil
	}
	r.activateLocked(id)
	r.mu.Unlock()

	r.log.Debug().Str("session", id).Msg("switched session")
	r.publish(event.Event{Type: event.SessionSwitched, SessionID: id})
	return nil
}

// activateLocked makes id active and applies the switch policy to the
// previously active session.
func (r *Registry) activateLocked(id string) {
	prev, ok := r.sessions[r.activeID]
	r.activeID = id
	if !ok || prev.id == id {
		return
	}
	if r.opts.SwitchPolicy == types.SwitchCancel {
		prev.stopRun(types.RunAborted)
	}
}

// Delete stops the session's run, removes its remote resources on a best
// effort basis and forgets it. When the active session is deleted the newest
// remaining session becomes active, or a fresh one is created.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return ErrSessionNotFound
	}
	s.stopRun(types.RunAborted)
	var handle *types.RunHandle
	if s.handle != nil {
		h := *s.handle
		handle = &h
	}
	r.mu.Unlock()

	if handle != nil {
		r.cleanupRemote(ctx, id, handle)
	}

	r.mu.Lock()
	delete(r.sessions, id)
	for i, sid := range r.order {
		if sid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	switched, needNew := "", false
	if r.activeID == id {
		r.activeID = ""
		if len(r.order) > 0 {
			r.activeID = r.order[0]
			switched = r.activeID
		} else {
			needNew = true
		}
	}
	r.mu.Unlock()

	r.log.Info().Str("session", id).Msg("deleted session")
	r.persist(ctx)
	r.publish(event.Event{Type: event.SessionDeleted, SessionID: id})
	if switched != "" {
		r.publish(event.Event{Type: event.SessionSwitched, SessionID: switched})
	}
	if needNew {
		r.CreateSession()
	}
	return nil
}

// cleanupRemote deletes the assistant and thread behind handle. Failures are logged only.
func (r *Registry) cleanupRemote(ctx context.Context, id string, handle *types.RunHandle) {
	if handle.AssistantID != "" {
		if err := r.client.DeleteAssistant(ctx, handle.AssistantID); err != nil {
			r.log.Warn().Str("session", id).
				Err(&RemoteCleanupError{Resource: "assistant", ID: handle.AssistantID, Err: err}).
				Msg("remote cleanup failed")
		}
	}
	if handle.ThreadID != "" {
		if err := r.client.DeleteThread(ctx, handle.ThreadID); err != nil {
			r.log.Warn().Str("session", id).
				Err(&RemoteCleanupError{Resource: "thread", ID: handle.ThreadID, Err: err}).
				Msg("remote cleanup failed")
		}
	}
}

// SendMessage appends a human message to the session and runs the agent on
// it, blocking until the run ends.
func (r *Registry) SendMessage(ctx context.Context, id, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	msg := types.HumanMessage(text)

	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return ErrSessionNotFound
	}
	// The previous run must not write after the new input.
	s.stopRun(types.RunAborted)
	titled := false
	if !hasHuman(s.state.Transcript) {
		s.title = DeriveTitle(text)
		titled = true
	}
	s.state.Transcript = append(s.state.Transcript, msg)
	title, ctrl := s.title, s.ctrl
	r.mu.Unlock()

	r.publish(event.Event{Type: event.TranscriptUpdated, SessionID: id})
	if titled {
		r.persist(ctx)
		r.publish(event.Event{Type: event.SessionUpdated, SessionID: id, Title: title})
	}
	return ctrl.Start(ctx, []types.Message{msg}, StartOptions{})
}

// EditAndFork replaces the message at index with a new human message and
// reruns the agent from there. Messages from index on are discarded, as are
// tool results before it; the server's history is reset to the kept prefix.
func (r *Registry) EditAndFork(ctx context.Context, id string, index int, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyMessage
	}
	msg := types.HumanMessage(text)

	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return ErrSessionNotFound
	}
	if index < 0 || index >= len(s.state.Transcript) {
		n := len(s.state.Transcript)
		r.mu.Unlock()
		return fmt.Errorf("%w: %d not in [0, %d)", ErrInvalidIndex, index, n)
	}
	s.stopRun(types.RunAborted)

	prefix := make([]types.Message, 0, index)
	for _, m := range s.state.Transcript[:index] {
		if m.Role != types.RoleTool {
			prefix = append(prefix, m.Clone())
		}
	}
	transcript := append(types.CloneMessages(prefix), msg)
	s.state = reconcile.Reset(transcript)
	s.checkpoint = nil
	titled := index == 0
	if titled {
		s.title = DeriveTitle(text)
	}
	title, ctrl := s.title, s.ctrl
	r.mu.Unlock()

	r.log.Info().Str("session", id).Int("index", index).Msg("forking session")
	r.publish(event.Event{Type: event.TranscriptUpdated, SessionID: id})
	if titled {
		r.persist(ctx)
		r.publish(event.Event{Type: event.SessionUpdated, SessionID: id, Title: title})
	}
	return ctrl.Start(ctx, []types.Message{msg}, StartOptions{HistoryReset: prefix})
}

// Stop cancels the session's in-flight run, if any.
func (r *Registry) Stop(id string) error {
	ctrl, err := r.controller(id)
	if err != nil {
		return err
	}
	ctrl.Stop()
	return nil
}

// Pause pauses the session's run at a resumable checkpoint.
func (r *Registry) Pause(ctx context.Context, id string) error {
	ctrl, err := r.controller(id)
	if err != nil {
		return err
	}
	return ctrl.Pause(ctx)
}

// Resume continues a paused session from its checkpoint, blocking until the run ends.
func (r *Registry) Resume(ctx context.Context, id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return ErrSessionNotFound
	}
	if len(s.checkpoint) == 0 {
		r.mu.Unlock()
		return ErrNotPaused
	}
	ctrl := s.ctrl
	r.mu.Unlock()

	return ctrl.Start(ctx, nil, StartOptions{})
}

// Controller returns the run controller of a session.
func (r *Registry) Controller(id string) (*Controller, error) {
	return r.controller(id)
}

func (r *Registry) controller(id string) (*Controller, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s.ctrl, nil
}

// Snapshot returns a copy of a session's state.
func (r *Registry) Snapshot(id string) (types.SessionSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return types.SessionSnapshot{}, ErrSessionNotFound
	}
	return s.snapshot(), nil
}

// Active returns a copy of the active session's state.
func (r *Registry) Active() (types.SessionSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[r.activeID]
	if !ok {
		return types.SessionSnapshot{}, ErrSessionNotFound
	}
	return s.snapshot(), nil
}

// ActiveID returns the active session id, or "" when there is none.
func (r *Registry) ActiveID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeID
}

// List returns copies of all sessions, newest first.
func (r *Registry) List() []types.SessionSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.SessionSnapshot, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.sessions[id].snapshot())
	}
	return out
}

// Subscribe streams lifecycle events until ctx is cancelled.
func (r *Registry) Subscribe(ctx context.Context) (<-chan event.Event, error) {
	return r.opts.Bus.Subscribe(ctx)
}

// Restore loads persisted sessions. Restored sessions keep their remote
// handles; their transcripts are empty until hydrated.
func (r *Registry) Restore(ctx context.Context) error {
	if r.opts.Store == nil {
		return nil
	}
	var records []types.SessionRecord
	if err := r.opts.Store.Get(ctx, StoreKey, &records); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load sessions: %w", err)
	}

	r.mu.Lock()
	var restored []string
	for _, rec := range records {
		if rec.ID == "" {
			continue
		}
		if _, ok := r.sessions[rec.ID]; ok {
			continue
		}
		s := newSession(rec.ID, r)
		if rec.Title != "" {
			s.title = rec.Title
		}
		if rec.CreatedAt > 0 {
			s.createdAt = time.UnixMilli(rec.CreatedAt)
		}
		s.handle = rec.Handle()
		if s.handle != nil {
			s.metadata.ThreadID = s.handle.ThreadID
		}
		r.sessions[rec.ID] = s
		restored = append(restored, rec.ID)
	}
	r.order = append(r.order, restored...)
	if r.activeID == "" && len(r.order) > 0 {
		r.activeID = r.order[0]
	}
	r.mu.Unlock()

	r.log.Info().Int("count", len(restored)).Msg("restored sessions")
	return nil
}

// Hydrate rebuilds an empty transcript from the session's remote thread.
func (r *Registry) Hydrate(ctx context.Context, id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return ErrSessionNotFound
	}
	if s.handle == nil || len(s.state.Transcript) > 0 {
		r.mu.Unlock()
		return nil
	}
	threadID := s.handle.ThreadID
	r.mu.Unlock()

	state, err := r.client.GetThreadState(ctx, threadID)
	if err != nil {
		return fmt.Errorf("fetch thread %s: %w", threadID, err)
	}
	msgs, err := state.Messages()
	if err != nil {
		return fmt.Errorf("decode thread %s messages: %w", threadID, err)
	}

	r.mu.Lock()
	s, ok = r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return ErrSessionNotFound
	}
	if len(s.state.Transcript) > 0 {
		r.mu.Unlock()
		return nil
	}
	s.state = reconcile.Reset(msgs)
	r.mu.Unlock()

	r.publish(event.Event{Type: event.TranscriptUpdated, SessionID: id, ThreadID: threadID})
	return nil
}

// Close stops every run and releases the registry's bus if it owns it.
func (r *Registry) Close() error {
	r.mu.Lock()
	for _, s := range r.sessions {
		s.stopRun(types.RunAborted)
	}
	r.mu.Unlock()

	if r.ownsBus {
		return r.opts.Bus.Close()
	}
	return nil
}

func (r *Registry) handleOf(id string) (*types.RunHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if s.handle == nil {
		return nil, nil
	}
	h := *s.handle
	return &h, nil
}

func (r *Registry) setHandle(id string, h *types.RunHandle) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return ErrSessionNotFound
	}
	s.handle = h
	s.metadata.ThreadID = h.ThreadID
	r.mu.Unlock()

	r.log.Debug().Str("session", id).Str("thread", h.ThreadID).Str("assistant", h.AssistantID).Msg("run handle acquired")
	r.persist(context.Background())
	r.publish(event.Event{Type: event.SessionUpdated, SessionID: id, ThreadID: h.ThreadID})
	return nil
}

// persist writes all session records. Failures are logged and swallowed.
func (r *Registry) persist(ctx context.Context) {
	if r.opts.Store == nil {
		return
	}
	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	r.mu.Lock()
	records := make([]types.SessionRecord, 0, len(r.order))
	for _, id := range r.order {
		records = append(records, r.sessions[id].record())
	}
	r.mu.Unlock()

	if err := r.opts.Store.Set(context.WithoutCancel(ctx), StoreKey, records); err != nil {
		r.log.Warn().Err(err).Msg("failed to persist sessions")
	}
}

func (r *Registry) publish(events ...event.Event) {
	for _, e := range events {
		if err := r.opts.Bus.Publish(e); err != nil && !errors.Is(err, event.ErrClosed) {
			r.log.Debug().Err(err).Str("type", string(e.Type)).Msg("publish failed")
		}
	}
}
