// Package ingress hosts the HTTP surface of the collector: the pi-station
// bulk push endpoint and the read-only API that serves the cached region
// sets. The ingress never blends or enriches; a push only lands in its
// station buffer and the next scheduler tick picks it up through the normal
// read path.
package ingress

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jeffstrout/flightTrackerCollector/internal/cache"
	"github.com/jeffstrout/flightTrackerCollector/pkg/config"
)

// Server is the HTTP server for the push ingress and read API.
type Server struct {
	router *chi.Mux
	cache  *cache.Client
	auth   *AuthService
	cfg    *config.Config
	log    *slog.Logger

	maxRecords int
	started    time.Time
}

// NewServer wires the handlers against the shared cache client.
func NewServer(cfg *config.Config, cacheClient *cache.Client, log *slog.Logger) *Server {
	maxRecords := cfg.Push.MaxRecords
	if maxRecords <= 0 {
		maxRecords = 10000
	}

	s := &Server{
		router:     chi.NewRouter(),
		cache:      cacheClient,
		auth:       NewAuthService(cfg.Push.SharedSecrets),
		cfg:        cfg,
		log:        log,
		maxRecords: maxRecords,
		started:    time.Now(),
	}
	s.setupRoutes()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-API-Key"},
		MaxAge:         3600,
	}))

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/aircraft/bulk", s.handleBulkUpload)
		r.Get("/aircraft/{hex}", s.handleAircraftLookup)

		r.Get("/status", s.handleStatus)
		r.Get("/regions", s.handleRegions)

		r.Get("/{region}/flights", s.handleRegionData("flights"))
		r.Get("/{region}/flights/tabular", s.handleRegionTabular("flights"))
		r.Get("/{region}/choppers", s.handleRegionData("choppers"))
		r.Get("/{region}/choppers/tabular", s.handleRegionTabular("choppers"))
		r.Get("/{region}/stats", s.handleRegionStats)
	})
}

// Run serves until ctx is cancelled, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:         s.cfg.Server.Addr(),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
