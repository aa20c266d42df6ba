// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/scansentry/internal/middleware"
	"github.com/tomtom215/scansentry/internal/models"
)

// Router binds the handler to HTTP routes.
type Router struct {
	handler       *Handler
	chiMiddleware *ChiMiddleware
}

// NewRouter creates a router. A nil config uses DefaultChiMiddlewareConfig.
func NewRouter(handler *Handler, config *ChiMiddlewareConfig) *Router {
	return &Router{
		handler:       handler,
		chiMiddleware: NewChiMiddleware(config),
	}
}

// SetupChi configures all HTTP routes.
func (router *Router) SetupChi() http.Handler {
	h := router.handler
	r := chi.NewRouter()

	// Global middleware, applied in order.
	r.Use(stampStart)
	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.AccessLog)
	r.Use(chimiddleware.Recoverer)
	r.Use(router.chiMiddleware.CORS())

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, r, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	r.Route("/healthz", func(r chi.Router) {
		r.Get("/live", h.HealthLive)
		r.Get("/ready", h.HealthReady)
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(APISecurityHeaders())
		r.Use(middleware.PrometheusMetrics)

		// Ingestion
		r.Group(func(r chi.Router) {
			r.Use(router.chiMiddleware.RateLimitIngest())
			r.Post("/scans", h.IngestScan)
			r.Post("/reviews", h.IngestReview)
		})

		// Management
		r.Group(func(r chi.Router) {
			r.Use(router.chiMiddleware.RateLimit())

			r.Route("/orgs/{orgID}", func(r chi.Router) {
				r.Route("/alerts", func(r chi.Router) {
					r.Get("/", h.ListAlerts)
					r.Get("/stats", h.AlertStats)
					r.Route("/{id}", func(r chi.Router) {
						r.Get("/", h.GetAlert)
						r.Get("/deliveries", h.AlertDeliveries)
						r.Get("/history", h.AlertHistory)
						r.Post("/acknowledge", h.AlertAction(models.AlertAcknowledged))
						r.Post("/investigate", h.AlertAction(models.AlertInvestigating))
						r.Post("/resolve", h.AlertAction(models.AlertResolved))
						r.Post("/dismiss", h.AlertAction(models.AlertDismissed))
					})
				})

				r.Route("/anomalies", func(r chi.Router) {
					r.Get("/", h.ListAnomalies)
					r.Get("/{id}", h.GetAnomaly)
					r.Get("/{id}/history", h.AnomalyHistory)
					r.Post("/{id}/transition", h.TransitionAnomaly)
				})

				r.Get("/statistics", h.Statistics)

				r.Get("/regions", h.ListRegions)
				r.Put("/regions/{code}", h.PutRegion)
				r.Delete("/regions/{code}", h.DeleteRegion)

				r.Route("/rules", func(r chi.Router) {
					r.Get("/", h.ListRules)
					r.Post("/", h.CreateRule)
					r.Get("/{id}", h.GetRule)
					r.Put("/{id}", h.UpdateRule)
					r.Delete("/{id}", h.DeleteRule)
				})

				r.Get("/preferences", h.GetPreferences)
				r.Put("/preferences", h.PutPreferences)

				r.Get("/notifications", h.ListNotifications)
				r.Post("/notifications/{id}/read", h.MarkNotificationRead)
			})

			r.Get("/dead-letters", h.ListDeadLetters)
			r.Post("/dead-letters/reprocess", h.ReprocessDeadLetters)
		})
	})

	return r
}
