// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tomtom215/scansentry/internal/lifecycle"
	"github.com/tomtom215/scansentry/internal/models"
)

// anomalyTransitionRequest is the body of POST .../anomalies/{id}/transition.
type anomalyTransitionRequest struct {
	Status  string `json:"status" validate:"required,oneof=under_review confirmed false_positive resolved"`
	ActorID string `json:"actor_id" validate:"required,max=128"`
	Notes   string `json:"notes" validate:"max=4000"`
}

// ListAnomalies handles GET /api/v1/orgs/{orgID}/anomalies.
func (h *Handler) ListAnomalies(w http.ResponseWriter, r *http.Request) {
	page, ok := readPage(w, r)
	if !ok {
		return
	}
	from, to, ok := timeRange(w, r)
	if !ok {
		return
	}

	f := lifecycle.AnomalyFilter{
		OrganizationID: chi.URLParam(r, "orgID"),
		From:           from,
		To:             to,
		Limit:          page.Limit,
		Offset:         page.Offset,
	}
	for _, s := range getListParam(r, "status") {
		f.Statuses = append(f.Statuses, models.AnomalyStatus(s))
	}
	for _, s := range getListParam(r, "severity") {
		severity := models.AnomalySeverity(s)
		if !severity.Valid() {
			respondError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "unknown anomaly severity "+s, nil)
			return
		}
		f.Severities = append(f.Severities, severity)
	}

	anomalies, total, err := h.deps.Lifecycle.ListAnomalies(r.Context(), f)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondPage(w, r, anomalies, models.Pagination{Total: total, Limit: page.Limit, Offset: page.Offset})
}

// GetAnomaly handles GET /api/v1/orgs/{orgID}/anomalies/{id}.
func (h *Handler) GetAnomaly(w http.ResponseWriter, r *http.Request) {
	anomaly, err := h.deps.Lifecycle.GetAnomaly(r.Context(), chi.URLParam(r, "orgID"), chi.URLParam(r, "id"))
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondData(w, r, http.StatusOK, anomaly)
}

// AnomalyHistory handles GET /api/v1/orgs/{orgID}/anomalies/{id}/history.
func (h *Handler) AnomalyHistory(w http.ResponseWriter, r *http.Request) {
	orgID, id := chi.URLParam(r, "orgID"), chi.URLParam(r, "id")
	if _, err := h.deps.Lifecycle.GetAnomaly(r.Context(), orgID, id); err != nil {
		respondStoreError(w, r, err)
		return
	}
	history, err := h.deps.Lifecycle.ListTransitions(r.Context(), lifecycle.RecordAnomaly, id)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondData(w, r, http.StatusOK, history)
}

// TransitionAnomaly handles POST /api/v1/orgs/{orgID}/anomalies/{id}/transition.
func (h *Handler) TransitionAnomaly(w http.ResponseWriter, r *http.Request) {
	var req anomalyTransitionRequest
	if !decodeJSON(w, r, &req) || !validateRequest(w, r, &req) {
		return
	}
	anomaly, err := h.deps.Lifecycle.TransitionAnomaly(r.Context(),
		chi.URLParam(r, "orgID"), chi.URLParam(r, "id"),
		models.AnomalyStatus(req.Status), req.ActorID, req.Notes)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondData(w, r, http.StatusOK, anomaly)
}
