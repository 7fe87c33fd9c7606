package httpapi

import (
	"github.com/go-chi/chi/v5"
)

func registerRoutes(r chi.Router, s *Server) {
	r.Get("/", handleUI(s))
	r.Get("/healthz", handleHealthz())
	r.Get("/status", handleStatus(s))
	r.Route("/kv", func(r chi.Router) {
		r.Get("/{key}", handleGet(s))
		r.Put("/{key}", handlePut(s))
	})
}
