package mockrun

import (
	"github.com/go-chi/chi/v5"
)

// setupRoutes configures the service endpoints.
func (s *Server) setupRoutes() {
	r := s.router

	r.Get("/ok", s.health)

	r.Route("/assistants", func(r chi.Router) {
		r.Post("/", s.createAssistant)
		r.Delete("/{assistantID}", s.deleteAssistant)
	})

	r.Route("/threads", func(r chi.Router) {
		r.Post("/", s.createThread)
		r.Route("/{threadID}", func(r chi.Router) {
			r.Delete("/", s.deleteThread)
			r.Get("/state", s.getThreadState)
			r.Post("/runs/stream", s.streamRun)
			r.Post("/runs/{runID}/cancel", s.cancelRun)
		})
	})
}
