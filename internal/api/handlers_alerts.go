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

const defaultPageSize = 50

// pageRequest bounds list endpoints.
type pageRequest struct {
	Limit  int `json:"limit" validate:"gte=1,lte=500"`
	Offset int `json:"offset" validate:"gte=0"`
}

func readPage(w http.ResponseWriter, r *http.Request) (pageRequest, bool) {
	p := pageRequest{
		Limit:  getIntParam(r, "limit", defaultPageSize),
		Offset: getIntParam(r, "offset", 0),
	}
	return p, validateRequest(w, r, &p)
}

// actionRequest is the body of alert and anomaly moderation actions.
type actionRequest struct {
	ActorID string `json:"actor_id" validate:"required,max=128"`
	Notes   string `json:"notes" validate:"max=4000"`
}

// ListAlerts handles GET /api/v1/orgs/{orgID}/alerts.
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	page, ok := readPage(w, r)
	if !ok {
		return
	}
	from, to, ok := timeRange(w, r)
	if !ok {
		return
	}

	f := lifecycle.AlertFilter{
		OrganizationID: chi.URLParam(r, "orgID"),
		AlertType:      r.URL.Query().Get("alert_type"),
		From:           from,
		To:             to,
		Limit:          page.Limit,
		Offset:         page.Offset,
	}
	for _, s := range getListParam(r, "status") {
		status := models.AlertStatus(s)
		if !validAlertStatus(status) {
			respondError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "unknown alert status "+s, nil)
			return
		}
		f.Statuses = append(f.Statuses, status)
	}
	for _, s := range getListParam(r, "severity") {
		severity := models.AlertSeverity(s)
		if !severity.Valid() {
			respondError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "unknown alert severity "+s, nil)
			return
		}
		f.Severities = append(f.Severities, severity)
	}

	alerts, total, err := h.deps.Lifecycle.ListAlerts(r.Context(), f)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondPage(w, r, alerts, models.Pagination{Total: total, Limit: page.Limit, Offset: page.Offset})
}

func validAlertStatus(s models.AlertStatus) bool {
	switch s {
	case models.AlertNew, models.AlertAcknowledged, models.AlertInvestigating, models.AlertResolved, models.AlertDismissed:
		return true
	}
	return false
}

// AlertStats handles GET /api/v1/orgs/{orgID}/alerts/stats.
func (h *Handler) AlertStats(w http.ResponseWriter, r *http.Request) {
	from, to, ok := timeRange(w, r)
	if !ok {
		return
	}
	st, err := h.deps.Lifecycle.Stats(r.Context(), chi.URLParam(r, "orgID"), from, to)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondData(w, r, http.StatusOK, st)
}

// GetAlert handles GET /api/v1/orgs/{orgID}/alerts/{id}.
func (h *Handler) GetAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := h.deps.Lifecycle.GetAlert(r.Context(), chi.URLParam(r, "orgID"), chi.URLParam(r, "id"))
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondData(w, r, http.StatusOK, alert)
}

// AlertDeliveries handles GET /api/v1/orgs/{orgID}/alerts/{id}/deliveries.
func (h *Handler) AlertDeliveries(w http.ResponseWriter, r *http.Request) {
	orgID, id := chi.URLParam(r, "orgID"), chi.URLParam(r, "id")
	if _, err := h.deps.Lifecycle.GetAlert(r.Context(), orgID, id); err != nil {
		respondStoreError(w, r, err)
		return
	}
	deliveries, err := h.deps.Notifications.Deliveries(r.Context(), orgID, id)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondData(w, r, http.StatusOK, deliveries)
}

// AlertHistory handles GET /api/v1/orgs/{orgID}/alerts/{id}/history.
func (h *Handler) AlertHistory(w http.ResponseWriter, r *http.Request) {
	orgID, id := chi.URLParam(r, "orgID"), chi.URLParam(r, "id")
	if _, err := h.deps.Lifecycle.GetAlert(r.Context(), orgID, id); err != nil {
		respondStoreError(w, r, err)
		return
	}
	history, err := h.deps.Lifecycle.ListTransitions(r.Context(), lifecycle.RecordAlert, id)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondData(w, r, http.StatusOK, history)
}

// AlertAction returns the handler for one moderation action
// (POST /api/v1/orgs/{orgID}/alerts/{id}/{action}).
func (h *Handler) AlertAction(to models.AlertStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req actionRequest
		if !decodeJSON(w, r, &req) || !validateRequest(w, r, &req) {
			return
		}
		alert, err := h.deps.Lifecycle.TransitionAlert(r.Context(),
			chi.URLParam(r, "orgID"), chi.URLParam(r, "id"), to, req.ActorID, req.Notes)
		if err != nil {
			respondStoreError(w, r, err)
			return
		}
		respondData(w, r, http.StatusOK, alert)
	}
}
