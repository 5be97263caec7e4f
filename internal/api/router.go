// Recurate - Personalized Financial Content Recommendation
// Copyright 2026 Finlab
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/finlab/recurate

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/finlab/recurate/internal/config"
	"github.com/finlab/recurate/internal/middleware"
)

// Router assembles the HTTP routes.
type Router struct {
	cfg     config.ServerConfig
	handler *Handler
}

// NewRouter creates the router around the handler.
func NewRouter(cfg config.ServerConfig, handler *Handler) *Router {
	return &Router{cfg: cfg, handler: handler}
}

// Setup builds the chi handler with the full middleware stack.
func (router *Router) Setup() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: router.cfg.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	r.Route("/api/v1/health", func(r chi.Router) {
		r.Get("/live", router.handler.HealthLive)
		r.Get("/ready", router.handler.HealthReady)
	})

	r.Route("/api/v1/recommendations", func(r chi.Router) {
		if router.cfg.RateLimit > 0 {
			r.Use(httprate.LimitByIP(router.cfg.RateLimit, router.cfg.RateLimitWindow))
		}
		r.Use(middleware.Prometheus)
		r.Get("/user/{custNo}", router.handler.UserRecommendations)
		r.Get("/anonymous", router.handler.AnonymousRecommendations)
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}
