// Package api serves the gateway's read surface and operator actions over
// HTTP: plugin status, the handler table, metrics, a server-sent event
// stream, and disable/enable/stop/reload.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/meshgate/internal/auth"
	"github.com/mattjoyce/meshgate/internal/events"
	"github.com/mattjoyce/meshgate/internal/lifecycle"
	"github.com/mattjoyce/meshgate/internal/registry"
)

// Plugins is the lifecycle surface the API reads and drives.
type Plugins interface {
	List() []lifecycle.Status
	Status(name string) (lifecycle.Status, error)
	Disable(ctx context.Context, name, reason string) error
	Enable(ctx context.Context, name string) error
	Stop(ctx context.Context, name string) error
	ReloadByName(ctx context.Context, name string) error
}

// Handlers lists the installed handler table.
type Handlers interface {
	List() []registry.Info
}

// MetricsSource assembles the counters served on /metrics.
type MetricsSource interface {
	Metrics() Metrics
}

// EventSource is the event hub as seen by the SSE endpoint.
type EventSource interface {
	SnapshotSince(lastID int64) []events.Event
	Subscribe(prefixes ...string) (<-chan events.Event, func())
}

var (
	_ Plugins     = (*lifecycle.Manager)(nil)
	_ Handlers    = (*registry.Registry)(nil)
	_ EventSource = (*events.Hub)(nil)
)

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is a single bearer token with every scope.
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens []auth.TokenConfig
	// KeepAlive is the SSE comment interval.
	KeepAlive time.Duration
}

// Deps are the gateway components the API exposes.
type Deps struct {
	Plugins  Plugins
	Handlers Handlers
	Metrics  MetricsSource
	Events   EventSource
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	deps      Deps
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance
func New(config Config, deps Deps, logger *slog.Logger) *Server {
	if config.KeepAlive <= 0 {
		config.KeepAlive = 15 * time.Second
	}
	return &Server{
		config:    config,
		deps:      deps,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start serves until ctx is cancelled (blocking).
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("api listen %s: %w", s.config.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.server = &http.Server{
		Handler:           s.setupRoutes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// No write timeout: /events streams for the life of the client.
		IdleTimeout: 60 * time.Second,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	s.logger.Info("API server starting", "listen", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoint.
	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Group(func(r chi.Router) {
			r.Use(s.requireScopes(auth.ScopePluginsRead))
			r.Get("/plugins", s.handleListPlugins)
			r.Get("/plugins/{name}", s.handleGetPlugin)
			r.Get("/handlers", s.handleListHandlers)
		})

		r.Group(func(r chi.Router) {
			r.Use(s.requireScopes(auth.ScopePluginsWrite))
			r.Post("/plugins/{name}/disable", s.handleDisable)
			r.Post("/plugins/{name}/enable", s.handleEnable)
			r.Post("/plugins/{name}/stop", s.handleStop)
			r.Post("/plugins/{name}/reload", s.handleReload)
		})

		r.With(s.requireScopes(auth.ScopeMetricsRead)).Get("/metrics", s.handleMetrics)
		r.With(s.requireScopes(auth.ScopeEventsRead)).Get("/events", s.handleEvents)
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
