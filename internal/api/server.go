package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/opensource-finance/kestrel/internal/detector"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// Dependencies are the components the API serves. Repo and Bus may be nil;
// the endpoints that need them then answer 503.
type Dependencies struct {
	Detector *detector.Detector
	Engine   *rules.Engine
	Store    domain.HistoryStore
	Repo     domain.Repository
	Bus      domain.EventBus
	Version  string
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, deps Dependencies) *Server {
	handler := NewHandler(deps)
	router := chi.NewRouter()

	requestTimeout := time.Duration(cfg.WriteTimeout) * time.Second
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}

	// Global middleware stack
	router.Use(CORSMiddleware)                     // CORS for browser clients
	router.Use(RecoverMiddleware)                  // Recover from panics
	router.Use(TracingMiddleware)                  // OpenTelemetry tracing and request id
	router.Use(LoggingMiddleware)                  // Request logging and HTTP metrics
	router.Use(middleware.RealIP)                  // Extract real IP
	router.Use(middleware.Timeout(requestTimeout)) // Bound handler time
	router.Use(middleware.Compress(5))             // Gzip compression

	// Probes and metrics
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	router.Method(http.MethodGet, "/metrics", metrics.Handler())

	// Transaction scoring
	router.Route("/transactions", func(r chi.Router) {
		r.Post("/", handler.SubmitTransaction)
		r.Post("/evaluate", handler.Evaluate)
		r.Post("/score", handler.Score)
	})

	// Account activity
	router.Route("/accounts/{accountID}", func(r chi.Router) {
		r.Get("/history", handler.AccountHistory)
		r.Get("/velocity", handler.AccountVelocity)
	})

	// Alert investigation
	router.Route("/alerts", func(r chi.Router) {
		r.Get("/", handler.ListAlerts)
		r.Get("/{alertID}", handler.GetAlert)
		r.Patch("/{alertID}", handler.UpdateAlert)
	})

	// Rule management
	router.Route("/rules", func(r chi.Router) {
		r.Get("/", handler.ListRules)
		r.Post("/", handler.CreateRule)
		r.Post("/reload", handler.ReloadRules)
		r.Delete("/{ruleID}", handler.DeleteRule)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
