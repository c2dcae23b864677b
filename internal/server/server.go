package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/gosuda/parley/internal/api/stream"
	v1 "github.com/gosuda/parley/internal/api/v1"
	"github.com/gosuda/parley/internal/config"
	"github.com/gosuda/parley/internal/server/middleware"
	"github.com/gosuda/parley/internal/session"
)

// Server is the HTTP server that wires all application routes and middleware.
type Server struct {
	router     chi.Router
	httpServer *http.Server
	store      v1.DataStore
	coord      *session.Coordinator
	gateway    *stream.Gateway
	cfg        *config.Config
}

// New creates a Server with all routes wired.
func New(ctx context.Context, cfg *config.Config, store v1.DataStore, coord *session.Coordinator, gateway *stream.Gateway) *Server {
	router := chi.NewRouter()

	// Global middleware stack.
	router.Use(chimw.RequestID)
	router.Use(chimw.RealIP)
	router.Use(chimw.Logger)
	router.Use(chimw.Recoverer)
	router.Use(cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Last-Event-ID", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}).Handler)

	s := &Server{
		router:  router,
		store:   store,
		coord:   coord,
		gateway: gateway,
		cfg:     cfg,
		httpServer: &http.Server{
			Addr:        cfg.Server.Addr,
			Handler:     router,
			ReadTimeout: cfg.Server.ReadTimeout,
			// WriteTimeout stays 0 by default; SSE responses have no deadline.
			WriteTimeout: cfg.Server.WriteTimeout,
		},
	}

	// Public session/message API.
	router.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RateLimitByIP(ctx, cfg.RateRPS, cfg.RateBurst))

		apiConfig := huma.DefaultConfig("Parley API", "1.0.0")
		apiConfig.Servers = []*huma.Server{
			{URL: "/api/v1"},
		}
		api := humachi.New(r, apiConfig)
		registerAPIRoutes(api, store, coord)
	})

	// Worker callback API. Not rate limited; the worker is a trusted peer.
	router.Route("/internal", func(r chi.Router) {
		workerConfig := huma.DefaultConfig("Parley Worker API", "1.0.0")
		workerConfig.Servers = []*huma.Server{
			{URL: "/internal"},
		}
		workerAPI := humachi.New(r, workerConfig)
		registerWorkerRoutes(workerAPI, coord)
	})

	// Streaming routes.
	router.Get("/stream", gateway.ServeSSE)
	router.Route("/ws", func(r chi.Router) {
		registerWSRoutes(r, gateway)
	})

	// Health check (unauthenticated).
	router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	return s
}

// Handler returns the root router, exposed for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins listening for HTTP requests.
func (s *Server) Start(_ context.Context) error {
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server.Start: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	return nil
}
