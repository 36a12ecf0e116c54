// Package mockrun is a scripted stand-in for a LangGraph-compatible agent run
// service. It serves the assistant, thread and streaming-run endpoints the
// run client uses, replays YAML scenarios as server-sent events and records
// what it was asked to do so tests can assert on it.
package mockrun

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/opencode-ai/runchat/internal/logging"
	"github.com/opencode-ai/runchat/pkg/types"
)

// HeartbeatInterval is how often held streams emit a heartbeat comment.
const HeartbeatInterval = 15 * time.Second

// Config holds server configuration.
type Config struct {
	Port       int
	Scenarios  []Scenario
	EventDelay time.Duration
	EnableCORS bool
	// APIKey, when set, is required in the x-api-key header.
	APIKey string
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Port:       2024,
		Scenarios:  DefaultScenarios(),
		EnableCORS: true,
	}
}

// RunRecord is a run request as received by the server.
type RunRecord struct {
	RunID        string
	ThreadID     string
	AssistantID  string
	Input        []types.Message
	HasInput     bool
	Config       map[string]any
	Checkpoint   json.RawMessage
	HistoryReset []types.Message
	StreamMode   []string
}

type assistant struct {
	ID      string
	GraphID string
	Config  map[string]any
}

type thread struct {
	ID         string
	Messages   []types.Message
	Checkpoint string
	Status     string
	resume     *resumePoint
}

// resumePoint is where an interrupted script continues.
type resumePoint struct {
	scenario *Scenario
	index    int
}

type activeRun struct {
	threadID  string
	interrupt chan struct{}
	once      sync.Once
}

func (r *activeRun) stop() {
	r.once.Do(func() { close(r.interrupt) })
}

type failure struct {
	status    int
	remaining int
}

// Server is the mock run service.
type Server struct {
	config  *Config
	router  *chi.Mux
	httpSrv *http.Server
	log     zerolog.Logger

	mu         sync.Mutex
	assistants map[string]*assistant
	threads    map[string]*thread
	runs       map[string]*activeRun
	requests   []RunRecord
	interrupts []string
	deletes    []string
	failures   map[string]*failure
}

// New creates a new Server instance.
func New(cfg *Config) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if len(cfg.Scenarios) == 0 {
		cfg.Scenarios = DefaultScenarios()
	}
	s := &Server{
		config:     cfg,
		router:     chi.NewRouter(),
		log:        logging.Component("mockrun"),
		assistants: make(map[string]*assistant),
		threads:    make(map[string]*thread),
		runs:       make(map[string]*activeRun),
		failures:   make(map[string]*failure),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// Handler returns the HTTP handler, for use with httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(s.requestLogger)

	if s.config.EnableCORS {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins:   []string{"*"},
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", "X-Api-Key", "X-Request-ID"},
			ExposedHeaders:   []string{"Content-Location", "X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	s.router.Use(s.authenticate)
	s.router.Use(s.injectFailures)
}

// requestLogger logs each request through zerolog.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Str("requestID", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.config.APIKey != "" && r.Header.Get("x-api-key") != s.config.APIKey {
			writeError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// injectFailures answers with a configured status for the next N requests of a method.
func (s *Server) injectFailures(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		f := s.failures[r.Method]
		status := 0
		if f != nil && f.remaining != 0 {
			status = f.status
			if f.remaining > 0 {
				f.remaining--
			}
		}
		s.mu.Unlock()

		if status != 0 {
			writeError(w, status, "injected failure")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// FailRequests makes the next n requests with method fail with status.
// A negative n fails every request until cleared with n = 0.
func (s *Server) FailRequests(method string, status, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n == 0 {
		delete(s.failures, method)
		return
	}
	s.failures[method] = &failure{status: status, remaining: n}
}

// Requests returns the run requests received so far.
func (s *Server) Requests() []RunRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]RunRecord, len(s.requests))
	copy(out, s.requests)
	return out
}

// Interrupts returns the run ids interrupted so far.
func (s *Server) Interrupts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.interrupts...)
}

// Deleted returns the assistant and thread ids deleted so far.
func (s *Server) Deleted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.deletes...)
}

// HasThread reports whether a thread exists.
func (s *Server) HasThread(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.threads[id]
	return ok
}

// HasAssistant reports whether an assistant exists.
func (s *Server) HasAssistant(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.assistants[id]
	return ok
}

// Start serves on the configured port until Shutdown.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:        fmt.Sprintf(":%d", s.config.Port),
		Handler:     s.router,
		ReadTimeout: 30 * time.Second,
	}
	return s.httpSrv.ListenAndServe()
}

// Serve serves on an existing listener until Shutdown.
func (s *Server) Serve(l net.Listener) error {
	s.httpSrv = &http.Server{Handler: s.router, ReadTimeout: 30 * time.Second}
	return s.httpSrv.Serve(l)
}

// Shutdown interrupts active runs and gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, r := range s.runs {
		r.stop()
	}
	s.mu.Unlock()
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func newID() string {
	return uuid.NewString()
}
