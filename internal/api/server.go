package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/foxzi/mailpace/internal/campaign"
	"github.com/foxzi/mailpace/internal/config"
	"github.com/foxzi/mailpace/internal/engine"
	"github.com/foxzi/mailpace/internal/metrics"
	"github.com/foxzi/mailpace/internal/store"
)

// Defaulter fills unset campaign settings from configuration
type Defaulter interface {
	ApplyDefaults(c *campaign.Campaign, maxRetriesSet bool)
}

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	manager    *engine.Manager
	store      store.Store
	defaults   Defaulter
	config     *config.APIConfig
	version    string
	logger     *slog.Logger
	startTime  time.Time
}

// NewServer creates a new API server
func NewServer(mgr *engine.Manager, cfg *config.APIConfig, defaults Defaulter, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		router:    chi.NewRouter(),
		manager:   mgr,
		store:     mgr.Store(),
		defaults:  defaults,
		config:    cfg,
		version:   version,
		logger:    logger.With("component", "api"),
		startTime: time.Now(),
	}

	s.setupRoutes()
	return s
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(metrics.HTTPMiddleware)
	s.router.Use(middleware.Recoverer)

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)
		if s.config.MaxBodyBytes > 0 {
			r.Use(middleware.RequestSize(s.config.MaxBodyBytes))
		}

		r.Route("/campaigns", func(r chi.Router) {
			r.Post("/", s.handleCreateCampaign)
			r.Get("/", s.handleListCampaigns)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetCampaign)
				r.Put("/", s.handleUpdateCampaign)
				r.Delete("/", s.handleDeleteCampaign)

				r.Get("/recipients", s.handleListRecipients)
				r.Get("/recipients/{rid}/attempts", s.handleListAttempts)
				r.Get("/failed.csv", s.handleExportFailures)
				r.Post("/preview", s.handlePreview)

				r.Post("/start", s.handleStart)
				r.Post("/pause", s.handlePause)
				r.Post("/resume", s.handleResume)
				r.Post("/cancel", s.handleCancel)
			})
		})
	})
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:           s.config.ListenAddr,
		Handler:        s.router,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
