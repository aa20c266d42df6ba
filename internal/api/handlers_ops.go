// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

package api

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/tomtom215/scansentry/internal/eventprocessor"
	"github.com/tomtom215/scansentry/internal/logging"
)

// readinessTimeout bounds all readiness checks of one probe.
const readinessTimeout = 2 * time.Second

// componentStatus is one entry of the readiness report.
type componentStatus struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// readiness is the data of GET /healthz/ready.
type readiness struct {
	Status     string            `json:"status"`
	Version    string            `json:"version,omitempty"`
	Uptime     float64           `json:"uptime_seconds"`
	Components []componentStatus `json:"components"`
}

// HealthLive handles GET /healthz/live. It only proves the process serves HTTP.
func (h *Handler) HealthLive(w http.ResponseWriter, r *http.Request) {
	respondData(w, r, http.StatusOK, map[string]interface{}{
		"status":         "alive",
		"uptime_seconds": time.Since(h.startTime).Seconds(),
	})
}

// HealthReady handles GET /healthz/ready, returning 503 when any component
// check fails.
func (h *Handler) HealthReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	names := make([]string, 0, len(h.deps.Readiness))
	for name := range h.deps.Readiness {
		names = append(names, name)
	}
	sort.Strings(names)

	report := readiness{
		Status:     "ready",
		Version:    h.deps.Version,
		Uptime:     time.Since(h.startTime).Seconds(),
		Components: make([]componentStatus, 0, len(names)),
	}
	status := http.StatusOK
	for _, name := range names {
		c := componentStatus{Name: name, Healthy: true}
		if err := h.deps.Readiness[name](ctx); err != nil {
			c.Healthy = false
			c.Error = err.Error()
			report.Status = "not_ready"
			status = http.StatusServiceUnavailable
		}
		report.Components = append(report.Components, c)
	}
	respondData(w, r, status, report)
}

// ListDeadLetters handles GET /api/v1/dead-letters?status=pending&limit=.
func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	switch status {
	case "":
		status = eventprocessor.DLQPending
	case eventprocessor.DLQPending, eventprocessor.DLQReprocessed, eventprocessor.DLQAbandoned:
	default:
		respondError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "status must be one of: pending reprocessed abandoned", nil)
		return
	}
	entries, err := h.deps.DeadLetters.List(r.Context(), status, getIntParam(r, "limit", defaultPageSize))
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondData(w, r, http.StatusOK, entries)
}

// ReprocessDeadLetters handles POST /api/v1/dead-letters/reprocess. Pending
// entries are replayed through the pipeline synchronously, oldest first.
func (h *Handler) ReprocessDeadLetters(w http.ResponseWriter, r *http.Request) {
	if h.deps.Reprocess == nil {
		respondError(w, r, http.StatusServiceUnavailable, "UNAVAILABLE", "Reprocessing is not configured", nil)
		return
	}
	res, err := h.deps.DeadLetters.Reprocess(r.Context(), h.deps.Reprocess)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	logging.Ctx(r.Context()).Info().
		Int("attempted", res.Attempted).
		Int("succeeded", res.Succeeded).
		Int("abandoned", res.Abandoned).
		Msg("Dead letters reprocessed")
	respondData(w, r, http.StatusOK, res)
}
