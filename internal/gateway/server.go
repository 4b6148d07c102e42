// Package gateway assembles the daemon's HTTP surface: the middleware
// chain, the versioned API, the WebSocket hub fed from the event bus,
// and the config file watcher.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	v1 "loom/api/v1"
	"loom/internal/bus"
	"loom/internal/config"
	"loom/internal/gateway/handlers"
	"loom/internal/gateway/middleware"
	"loom/internal/gateway/websocket"
	"loom/internal/provider"
	"loom/internal/session"
	"loom/internal/storage"
	"loom/internal/token"
	"loom/pkg/logger"
)

// Deps carries the server's collaborators.
type Deps struct {
	DB           *storage.DB
	Orchestrator *session.Orchestrator
	Registry     *provider.Registry
	Estimator    *token.Estimator
	Bus          *bus.Bus
	Version      string // daemon version for health and status
}

// Server is the HTTP/WebSocket gateway.
type Server struct {
	config      *config.Config
	version     string
	router      *mux.Router
	httpServer  *http.Server
	hub         *websocket.Hub
	bridge      *Bridge
	watcher     *Watcher
	rateLimiter *middleware.RateLimiter
	api         *v1.Router
	log         zerolog.Logger
}

// NewServer wires the gateway together. Start begins serving.
func NewServer(cfg *config.Config, deps Deps) *Server {
	router := mux.NewRouter()
	router.NotFoundHandler = http.HandlerFunc(handlers.NotFound)
	router.MethodNotAllowedHandler = http.HandlerFunc(handlers.MethodNotAllowed)

	rlConfig := middleware.DefaultRateLimiterConfig()
	rlConfig.Enabled = cfg.Gateway.RateLimit.Enabled
	if cfg.Gateway.RateLimit.RequestsPerMinute > 0 {
		rlConfig.RequestsPerMinute = cfg.Gateway.RateLimit.RequestsPerMinute
	}
	if cfg.Gateway.RateLimit.Burst > 0 {
		rlConfig.Burst = cfg.Gateway.RateLimit.Burst
	}

	hub := websocket.NewHub()

	s := &Server{
		config:      cfg,
		version:     deps.Version,
		router:      router,
		hub:         hub,
		bridge:      NewBridge(deps.Bus, hub),
		rateLimiter: middleware.NewRateLimiter(rlConfig),
		log:         logger.Component("gateway"),
	}

	s.api = v1.NewRouter(&v1.RouterDeps{
		Config:       cfg,
		DB:           deps.DB,
		Orchestrator: deps.Orchestrator,
		Registry:     deps.Registry,
		Estimator:    deps.Estimator,
		Bus:          deps.Bus,
		Hub:          hub,
		Version:      deps.Version,
	})

	s.setupRoutes()

	// Recovery outermost so panics anywhere in the chain still produce
	// a response; the version gate sits innermost, after throttling.
	handler := middleware.Recovery(
		middleware.Logging(
			middleware.CORS(
				s.rateLimiter.RateLimit(
					middleware.ClientVersion(cfg.Gateway.MinClientVersion)(router),
				),
			),
		),
	)

	s.httpServer = &http.Server{
		Handler:     handler,
		ReadTimeout: 60 * time.Second,
		// Write timeout disabled: SSE and WebSocket connections outlive
		// any fixed deadline and are bounded by request contexts instead.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	return s
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", handlers.HealthHandler(s.version)).Methods(http.MethodGet)

	s.api.RegisterRoutes(s.router)

	s.router.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		websocket.ServeWs(s.hub, w, r)
	})
}

// Start runs the server until it is shut down or fails.
func (s *Server) Start() error {
	handlers.InitStartTime()

	addr := fmt.Sprintf("%s:%d", s.config.Gateway.Host, s.config.Gateway.Port)
	s.httpServer.Addr = addr

	go s.hub.Run()
	s.bridge.Start()

	if path := config.Path(); path != "" {
		watcher, err := NewWatcher(s.bridge.bus, path)
		if err != nil {
			s.log.Warn().Err(err).Msg("config watcher unavailable")
		} else if err := watcher.Start(); err != nil {
			s.log.Warn().Err(err).Str("path", path).Msg("config watcher failed to start")
			watcher.Stop()
		} else {
			s.watcher = watcher
		}
	}

	s.log.Info().Str("addr", addr).Msg("starting gateway")

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown stops the server gracefully. Publishers stop before the hub
// so nothing blocks on a dead broadcast loop.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down gateway")

	if s.watcher != nil {
		s.watcher.Stop()
	}
	s.bridge.Stop()
	s.hub.Stop()
	s.rateLimiter.Stop()

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	return nil
}

// Router exposes the route table for tests.
func (s *Server) Router() *mux.Router {
	return s.router
}

// Hub returns the WebSocket hub.
func (s *Server) Hub() *websocket.Hub {
	return s.hub
}
