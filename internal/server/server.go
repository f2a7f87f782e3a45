// Package server assembles the chi router and runs the HTTP listener.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/festpay/webhook-gateway/internal/config"
	"github.com/festpay/webhook-gateway/internal/handlers"
	"github.com/festpay/webhook-gateway/internal/metrics"
	customMiddleware "github.com/festpay/webhook-gateway/internal/middleware"
)

// Server wraps the HTTP server
type Server struct {
	router  *chi.Mux
	handler *handlers.Handler
	metrics *metrics.Metrics
	config  *config.Config
	logger  *zap.Logger
	http    *http.Server
}

// NewServer creates a new HTTP server
func NewServer(cfg *config.Config, h *handlers.Handler, m *metrics.Metrics, logger *zap.Logger) *Server {
	s := &Server{
		router:  chi.NewRouter(),
		handler: h,
		metrics: m,
		config:  cfg,
		logger:  logger,
	}

	s.setupRoutes()
	return s
}

// Router exposes the configured routes
func (s *Server) Router() http.Handler {
	return s.router
}

// setupRoutes configures all routes and middleware
func (s *Server) setupRoutes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.config.HandlerTimeout))

	r.Get("/health", s.handler.HealthCheck)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	// Provider webhooks (IP filtered + size limited)
	r.Group(func(r chi.Router) {
		r.Use(customMiddleware.IPFilter(s.config.ProviderIPs, s.logger))
		r.Use(customMiddleware.RequestSizeLimit(s.config.MaxRequestSize))
		r.Post("/webhooks/{provider}", s.handler.ProviderWebhook)
	})

	// Internal admin API (requires internal authentication)
	r.Route("/internal", func(r chi.Router) {
		r.Use(customMiddleware.EnsureInternalAuth(s.config.InternalSecret, s.logger))
		r.Use(customMiddleware.RequestSizeLimit(s.config.MaxRequestSize))
		r.Post("/integrations", s.handler.CreateIntegration)
		r.Post("/integrations/{id}/deactivate", s.handler.DeactivateIntegration)
		r.Post("/subscribers", s.handler.CreateSubscriber)
		r.Get("/transactions/{id}", s.handler.GetTransaction)
	})

	s.logger.Info("Routes configured")
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	addr := ":" + s.config.ServerPort
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("Starting HTTP server", zap.String("addr", addr))

	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
