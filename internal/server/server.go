// Package server provides the HTTP server for the placement API.
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/devrev/stamps/internal/config"
	"github.com/devrev/stamps/internal/handler"
	"github.com/devrev/stamps/internal/health"
	"github.com/devrev/stamps/internal/metrics"
	"github.com/devrev/stamps/internal/middleware"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Server represents the HTTP server.
type Server struct {
	router      *mux.Router
	httpServer  *http.Server
	handlers    *handler.Handlers
	healthCheck *health.HealthChecker
	errorWriter *handler.ErrorWriter
	metrics     *metrics.Metrics
	logger      *zap.Logger
	cfg         config.ServerConfig
}

// NewServer creates a new HTTP server and registers its routes.
func NewServer(
	cfg config.ServerConfig,
	svc handler.Services,
	healthCheck *health.HealthChecker,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Server {
	router := mux.NewRouter()
	errorWriter := handler.NewErrorWriter(logger)

	s := &Server{
		router:      router,
		handlers:    handler.NewHandlers(svc, errorWriter, logger, cfg.WriteTimeout),
		healthCheck: healthCheck,
		errorWriter: errorWriter,
		metrics:     m,
		logger:      logger,
		cfg:         cfg,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	chain := []func(http.Handler) http.Handler{
		middleware.Recovery(s.logger),
		middleware.RequestID,
		middleware.Logging(s.logger, s.metrics),
		middleware.CORS(s.cfg.AllowedOrigins),
	}
	if s.cfg.RateLimitRPS > 0 {
		burst := s.cfg.RateLimitBurst
		if burst <= 0 {
			burst = 1
		}
		chain = append(chain, middleware.NewRateLimiter(s.cfg.RateLimitRPS, burst, s.logger).Limit)
	}
	s.router.Use(middleware.Chain(chain...))

	s.router.HandleFunc("/health/live", s.healthCheck.LivenessHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/health/ready", s.healthCheck.ReadinessHandler).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/v1").Subrouter()

	v1.HandleFunc("/tenants", s.handlers.CreateTenant).Methods(http.MethodPost)
	v1.HandleFunc("/tenants/{tenant_id}", s.handlers.GetTenant).Methods(http.MethodGet)
	v1.HandleFunc("/tenants/{tenant_id}/migrations", s.handlers.MigrateTenant).Methods(http.MethodPost)

	v1.HandleFunc("/migrations/recover", s.handlers.RecoverMigrations).Methods(http.MethodPost)
	v1.HandleFunc("/migrations/{migration_id}", s.handlers.GetMigration).Methods(http.MethodGet)

	v1.HandleFunc("/placements", s.handlers.AssignCell).Methods(http.MethodPost)

	v1.HandleFunc("/capacity", s.handlers.GetCapacity).Methods(http.MethodGet)
	v1.HandleFunc("/capacity/passes", s.handlers.RunCapacityPass).Methods(http.MethodPost)
	v1.HandleFunc("/capacity/reconcile", s.handlers.ReconcileCounters).Methods(http.MethodPost)

	v1.HandleFunc("/cells/{cell_id}/provisioning-result", s.handlers.ConfirmProvisioned).Methods(http.MethodPost)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.errorWriter.WriteErrorResponse(w, http.StatusNotFound, "NOT_FOUND", "endpoint not found", r.Header.Get("X-Request-ID"))
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.errorWriter.WriteErrorResponse(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed", r.Header.Get("X-Request-ID"))
	})
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", zap.String("address", s.httpServer.Addr))

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the routed http.Handler.
func (s *Server) Handler() http.Handler {
	return s.router
}
