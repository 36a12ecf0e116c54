package mockrun

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opencode-ai/runchat/pkg/types"
)

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) createAssistant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GraphID  string         `json:"graph_id"`
		Config   map[string]any `json:"config"`
		IfExists string         `json:"if_exists"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid request body: "+err.Error())
		return
	}
	if req.GraphID == "" {
		writeError(w, http.StatusUnprocessableEntity, "graph_id is required")
		return
	}

	a := &assistant{ID: newID(), GraphID: req.GraphID, Config: req.Config}
	s.mu.Lock()
	s.assistants[a.ID] = a
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"assistant_id": a.ID,
		"graph_id":     a.GraphID,
		"config":       a.Config,
		"created_at":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) deleteAssistant(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "assistantID")
	s.mu.Lock()
	_, ok := s.assistants[id]
	if ok {
		delete(s.assistants, id)
		s.deletes = append(s.deletes, id)
	}
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "assistant not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) createThread(w http.ResponseWriter, r *http.Request) {
	t := &thread{ID: newID(), Status: "idle"}
	s.mu.Lock()
	s.threads[t.ID] = t
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"thread_id":  t.ID,
		"status":     t.Status,
		"created_at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) deleteThread(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "threadID")
	s.mu.Lock()
	_, ok := s.threads[id]
	if ok {
		delete(s.threads, id)
		s.deletes = append(s.deletes, id)
		for _, run := range s.runs {
			if run.threadID == id {
				run.stop()
			}
		}
	}
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "thread not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func checkpointOf(t *thread) map[string]any {
	return map[string]any{
		"thread_id":     t.ID,
		"checkpoint_ns": "",
		"checkpoint_id": t.Checkpoint,
	}
}

func (s *Server) getThreadState(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "threadID")
	s.mu.Lock()
	t, ok := s.threads[id]
	var body map[string]any
	if ok {
		body = map[string]any{
			"values":     map[string]any{"messages": types.CloneMessages(t.Messages)},
			"checkpoint": checkpointOf(t),
			"next":       []string{},
		}
	}
	s.mu.Unlock()

	if !ok {
		writeError(w, http.StatusNotFound, "thread not found")
		return
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")
	runID := chi.URLParam(r, "runID")

	s.mu.Lock()
	run, ok := s.runs[runID]
	if ok && run.threadID == threadID {
		s.interrupts = append(s.interrupts, runID)
		if t := s.threads[threadID]; t != nil && r.URL.Query().Get("action") == "interrupt" {
			t.Status = "interrupted"
		}
	}
	s.mu.Unlock()

	if !ok || run.threadID != threadID {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	run.stop()
	w.WriteHeader(http.StatusAccepted)
}

type runRequest struct {
	AssistantID string `json:"assistant_id"`
	Input       *struct {
		Messages []types.Message `json:"messages"`
	} `json:"input"`
	StreamMode []string        `json:"stream_mode"`
	Config     map[string]any  `json:"config"`
	Checkpoint json.RawMessage `json:"checkpoint"`
	Command    *struct {
		Update struct {
			Messages []types.Message `json:"messages"`
		} `json:"update"`
	} `json:"command"`
}

func (s *Server) streamRun(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "threadID")

	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid request body: "+err.Error())
		return
	}

	run := &activeRun{threadID: threadID, interrupt: make(chan struct{})}
	runID := newID()
	rec := RunRecord{
		RunID:       runID,
		ThreadID:    threadID,
		AssistantID: req.AssistantID,
		Config:      req.Config,
		Checkpoint:  req.Checkpoint,
		StreamMode:  req.StreamMode,
	}
	if len(rec.Checkpoint) > 0 && string(rec.Checkpoint) == "null" {
		rec.Checkpoint = nil
	}
	if req.Input != nil {
		rec.HasInput = true
		rec.Input = req.Input.Messages
	}
	if req.Command != nil {
		rec.HistoryReset = req.Command.Update.Messages
		if rec.HistoryReset == nil {
			rec.HistoryReset = []types.Message{}
		}
	}

	s.mu.Lock()
	t, threadOK := s.threads[threadID]
	_, assistantOK := s.assistants[req.AssistantID]
	if threadOK && assistantOK {
		s.requests = append(s.requests, rec)
		if rec.HistoryReset != nil {
			t.Messages = types.CloneMessages(rec.HistoryReset)
		}
		t.Messages = append(t.Messages, types.CloneMessages(rec.Input)...)
		t.Status = "busy"
		s.runs[runID] = run
	}
	prompt := lastHuman(t)
	s.mu.Unlock()

	switch {
	case !threadOK:
		writeError(w, http.StatusNotFound, "thread not found")
		return
	case !assistantOK:
		writeError(w, http.StatusNotFound, "assistant not found")
		return
	}

	defer func() {
		s.mu.Lock()
		delete(s.runs, runID)
		if t.Status == "busy" {
			t.Status = "idle"
		}
		s.mu.Unlock()
	}()

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Location", "/threads/"+threadID+"/runs/"+runID)
	sse.start(http.StatusOK)

	if err := sse.writeEvent("metadata", map[string]string{"run_id": runID, "thread_id": threadID}); err != nil {
		return
	}

	scenario, start := s.scenarioFor(t, rec, prompt)
	if scenario == nil {
		s.log.Warn().Str("prompt", prompt).Msg("no scenario matched")
		return
	}
	s.log.Debug().Str("scenario", scenario.Name).Str("run", runID).Int("from", start).Msg("streaming scenario")

	for i := start; i < len(scenario.Events); i++ {
		ev := scenario.Events[i]
		delay := s.config.EventDelay
		if ev.DelayMS > 0 {
			delay = time.Duration(ev.DelayMS) * time.Millisecond
		}
		switch s.wait(r, run, sse, delay, ev.Hold) {
		case waitInterrupted:
			next := i
			if ev.Hold {
				next = i + 1
			}
			s.mu.Lock()
			t.resume = &resumePoint{scenario: scenario, index: next}
			s.mu.Unlock()
			return
		case waitGone:
			return
		}
		if ev.Hold {
			continue
		}

		data := substitute(ev.Data, prompt)
		if err := sse.writeEvent(ev.Event, data); err != nil {
			return
		}
		s.record(t, ev.Event, data)
	}
}

// scenarioFor picks the script for a run. A checkpoint resume without new
// input continues the interrupted script where it stopped.
func (s *Server) scenarioFor(t *thread, rec RunRecord, prompt string) (*Scenario, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rp := t.resume; rp != nil {
		t.resume = nil
		if len(rec.Checkpoint) > 0 && len(rec.Input) == 0 {
			return rp.scenario, rp.index
		}
	}
	return selectScenario(s.config.Scenarios, prompt), 0
}

type waitResult int

const (
	waitDone waitResult = iota
	waitInterrupted
	waitGone
)

// wait sleeps for delay, or until interrupt when hold is set.
func (s *Server) wait(r *http.Request, run *activeRun, sse *sseWriter, delay time.Duration, hold bool) waitResult {
	var timer <-chan time.Time
	if !hold {
		if delay <= 0 {
			select {
			case <-run.interrupt:
				return waitInterrupted
			case <-r.Context().Done():
				return waitGone
			default:
				return waitDone
			}
		}
		t := time.NewTimer(delay)
		defer t.Stop()
		timer = t.C
	}

	heartbeat := time.NewTicker(HeartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case <-run.interrupt:
			return waitInterrupted
		case <-r.Context().Done():
			return waitGone
		case <-timer:
			return waitDone
		case <-heartbeat.C:
			sse.writeHeartbeat()
		}
	}
}

// record folds completed messages into the thread history and advances its checkpoint.
func (s *Server) record(t *thread, event string, data any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.Checkpoint = newID()
	if event != "messages/complete" {
		return
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return
	}
	var msgs []types.Message
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return
	}
	for _, m := range msgs {
		replaced := false
		if m.ID != "" {
			for i := range t.Messages {
				if t.Messages[i].ID == m.ID && t.Messages[i].Role == m.Role {
					t.Messages[i] = m
					replaced = true
					break
				}
			}
		}
		if !replaced {
			t.Messages = append(t.Messages, m)
		}
	}
}

func lastHuman(t *thread) string {
	if t == nil {
		return ""
	}
	for i := len(t.Messages) - 1; i >= 0; i-- {
		if t.Messages[i].Role == types.RoleHuman {
			return t.Messages[i].Content
		}
	}
	return ""
}
