// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package api exposes nemorosa's HTTP surface: a webhook that scans a
// single torrent on demand, a health probe, and Prometheus metrics.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/nemorosa/internal/buildinfo"
	"github.com/autobrr/nemorosa/internal/engine"
	"github.com/autobrr/nemorosa/internal/metrics"
)

// Runner scans a single torrent on demand. *engine.Engine satisfies it.
type Runner interface {
	Single(ctx context.Context, infohash string) (*engine.SingleResult, error)
}

// Options configures the HTTP server.
type Options struct {
	Addr    string
	APIKey  string
	Engine  Runner
	Metrics *metrics.Manager
}

// Server hosts the webhook and observability endpoints.
type Server struct {
	server *http.Server
	engine Runner
	apiKey string
}

// NewServer assembles the router and binds it to opts.Addr. Nothing
// listens until ListenAndServe.
func NewServer(opts Options) *Server {
	s := &Server{
		engine: opts.Engine,
		apiKey: opts.APIKey,
	}

	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(requestLogger)
	router.Use(cors.New(cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}).Handler)

	router.Get("/", s.handleRoot)
	router.Get("/health", s.handleHealth)

	if opts.Metrics != nil {
		handler := promhttp.HandlerFor(
			opts.Metrics.GetRegistry(),
			promhttp.HandlerOpts{
				EnableOpenMetrics: true,
			},
		)
		router.Get("/metrics", handler.ServeHTTP)
	}

	router.Post("/api/webhook", s.handleWebhook)

	s.server = &http.Server{
		Addr:              opts.Addr,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
	}

	return s
}

// Handler returns the assembled router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// ListenAndServe blocks until the listener closes.
func (s *Server) ListenAndServe() error {
	log.Info().Str("address", s.server.Addr).Msg("Starting webhook server")
	return s.server.ListenAndServe()
}

// Stop closes the listener without draining.
func (s *Server) Stop() error {
	return s.server.Close()
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("Handled request")
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"message": "nemorosa",
		"version": buildinfo.Version,
		"endpoints": map[string]string{
			"webhook": "/api/webhook",
			"health":  "/health",
			"metrics": "/metrics",
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "nemorosa",
	})
}
