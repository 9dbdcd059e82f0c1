package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/savegress/chartsync/internal/config"
	"github.com/savegress/chartsync/internal/engine"
)

// Server represents the API server
type Server struct {
	config   *config.Config
	router   chi.Router
	handlers *Handlers
}

// NewServer creates a new API server
func NewServer(cfg *config.Config, eng *engine.Engine) *Server {
	s := &Server{
		config:   cfg,
		router:   chi.NewRouter(),
		handlers: NewHandlers(eng),
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Compress(5))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS", "PATCH"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-User-ID", "X-Emergency-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handlers.HealthCheck)

	s.router.Route("/api/v1/chartsync", func(r chi.Router) {
		// Clinical resources
		r.Route("/resources/{type}", func(r chi.Router) {
			r.Get("/", s.handlers.QueryResources)
			r.Post("/", s.handlers.PutResource)
			r.Get("/{id}", s.handlers.GetResource)
			r.Put("/{id}", s.handlers.PutResource)
			r.Delete("/{id}", s.handlers.DeleteResource)
			r.Get("/{id}/history", s.handlers.GetHistory)
		})

		// Sync control
		r.Route("/sync", func(r chi.Router) {
			r.Get("/status", s.handlers.SyncStatus)
			r.Post("/now", s.handlers.SyncNow)
			r.Post("/pause", s.handlers.PauseSync)
			r.Post("/resume", s.handlers.ResumeSync)
			r.Post("/online", s.handlers.SetOnline)
			r.Get("/failed", s.handlers.ListFailed)
			r.Post("/failed/{id}/requeue", s.handlers.RequeueFailed)
			r.Get("/export", s.handlers.ExportSyncData)
			r.Post("/import", s.handlers.ImportSyncData)
		})

		// Conflicts
		r.Route("/conflicts", func(r chi.Router) {
			r.Get("/", s.handlers.ListConflicts)
			r.Get("/{id}", s.handlers.GetConflict)
			r.Post("/{id}/resolve", s.handlers.ResolveConflict)
		})

		// Cache and retention
		r.Route("/cache", func(r chi.Router) {
			r.Post("/cleanup", s.handlers.Cleanup)
			r.Post("/prefetch", s.handlers.Prefetch)
			r.Post("/episodes", s.handlers.SetEpisodeRoot)
		})

		// Audit
		r.Route("/audit", func(r chi.Router) {
			r.Get("/events", s.handlers.ListAuditEvents)
			r.Get("/stats", s.handlers.GetAuditStats)
		})

		// Security
		r.Route("/security", func(r chi.Router) {
			r.Post("/emergency", s.handlers.IssueEmergencyToken)
			r.Post("/rotate-keys", s.handlers.RotateKeys)
			r.Get("/rotation", s.handlers.GetRotationSchedule)
		})

		// Event feed
		r.Get("/events", s.handlers.StreamEvents)
	})
}

// Router returns the chi router
func (s *Server) Router() http.Handler {
	return s.router
}
