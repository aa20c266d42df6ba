// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tomtom215/scansentry/internal/models"
	"github.com/tomtom215/scansentry/internal/notify"
	"github.com/tomtom215/scansentry/internal/stats"
)

// Statistics handles GET /api/v1/orgs/{orgID}/statistics.
//
// Query parameters: bucket (hour, day, week; default hour), product_id or
// batch_id to narrow the scope, from and to as RFC3339.
func (h *Handler) Statistics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	bucket := models.BucketType(q.Get("bucket"))
	if bucket == "" {
		bucket = models.BucketHour
	}
	if !bucket.Valid() {
		respondError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "bucket must be one of: hour day week", nil)
		return
	}
	productID, batchID := q.Get("product_id"), q.Get("batch_id")
	if productID != "" && batchID != "" {
		respondError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", "product_id and batch_id are mutually exclusive", nil)
		return
	}
	from, to, ok := timeRange(w, r)
	if !ok {
		return
	}

	query := stats.Query{
		OrganizationID: chi.URLParam(r, "orgID"),
		Scope:          stats.OrgScope,
		BucketType:     bucket,
	}
	switch {
	case productID != "":
		query.Scope = stats.ProductScope(productID)
	case batchID != "":
		query.Scope = stats.BatchScope(batchID)
	}
	if from != nil {
		query.From = *from
	}
	if to != nil {
		query.To = *to
	}

	buckets, err := h.deps.Statistics.GetStatistics(r.Context(), query)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondData(w, r, http.StatusOK, buckets)
}

// ListNotifications handles GET /api/v1/orgs/{orgID}/notifications.
// recipient defaults to the organization inbox ("org:<orgID>").
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")
	recipient := r.URL.Query().Get("recipient")
	if recipient == "" {
		recipient = notify.OrgRecipient(orgID)
	}
	if _, _, err := notify.ParseRecipient(recipient); err != nil {
		respondError(w, r, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), map[string]interface{}{"field": "recipient"})
		return
	}

	unread := r.URL.Query().Get("unread") == "true"
	list, err := h.deps.Notifications.ListNotifications(r.Context(), orgID, recipient, unread,
		getIntParam(r, "limit", defaultPageSize))
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondData(w, r, http.StatusOK, list)
}

// MarkNotificationRead handles POST /api/v1/orgs/{orgID}/notifications/{id}/read.
func (h *Handler) MarkNotificationRead(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.deps.Notifications.MarkRead(r.Context(), chi.URLParam(r, "orgID"), id); err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondData(w, r, http.StatusOK, map[string]interface{}{"id": id, "read": true})
}
