// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

package api

import (
	"net/http"
	"time"

	"github.com/tomtom215/scansentry/internal/logging"
	"github.com/tomtom215/scansentry/internal/models"
)

// scanRequest is the ingestion body of POST /api/v1/scans.
type scanRequest struct {
	ID             string    `json:"id" validate:"required,max=128"`
	OrganizationID string    `json:"organization_id" validate:"required,max=128"`
	ProductID      *string   `json:"product_id" validate:"omitempty,max=128"`
	BatchID        *string   `json:"batch_id" validate:"omitempty,max=128"`
	VisitorID      *string   `json:"visitor_id" validate:"omitempty,max=256"`
	Latitude       *float64  `json:"latitude" validate:"omitempty,latitude"`
	Longitude      *float64  `json:"longitude" validate:"omitempty,longitude"`
	Country        *string   `json:"country" validate:"omitempty,max=64"`
	City           *string   `json:"city" validate:"omitempty,max=128"`
	OccurredAt     time.Time `json:"occurred_at" validate:"required"`
	IsSuspicious   bool      `json:"is_suspicious"`
}

func (s *scanRequest) event() *models.ScanEvent {
	return &models.ScanEvent{
		ID:             s.ID,
		OrganizationID: s.OrganizationID,
		ProductID:      s.ProductID,
		BatchID:        s.BatchID,
		VisitorID:      s.VisitorID,
		Latitude:       s.Latitude,
		Longitude:      s.Longitude,
		Country:        s.Country,
		City:           s.City,
		OccurredAt:     s.OccurredAt.UTC(),
		IsSuspicious:   s.IsSuspicious,
	}
}

// reviewRequest is the ingestion body of POST /api/v1/reviews.
type reviewRequest struct {
	ID             string    `json:"id" validate:"required,max=128"`
	OrganizationID string    `json:"organization_id" validate:"required,max=128"`
	ProductID      *string   `json:"product_id" validate:"omitempty,max=128"`
	BatchID        *string   `json:"batch_id" validate:"omitempty,max=128"`
	Rating         int       `json:"rating" validate:"gte=1,lte=5"`
	HasText        bool      `json:"has_text"`
	OccurredAt     time.Time `json:"occurred_at" validate:"required"`
}

// acceptedEvent is returned with 202 Accepted.
type acceptedEvent struct {
	EventID string `json:"event_id"`
	Status  string `json:"status"`
}

// IngestScan validates a scan and publishes it to the scan topic.
func (h *Handler) IngestScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if !decodeJSON(w, r, &req) || !validateRequest(w, r, &req) {
		return
	}
	if (req.Latitude == nil) != (req.Longitude == nil) {
		respondError(w, r, http.StatusBadRequest, "VALIDATION_ERROR",
			"latitude and longitude must be sent together", nil)
		return
	}

	e := req.event()
	ctx := logging.ContextWithEvent(r.Context(), e.ID, e.OrganizationID)
	if err := h.deps.Publisher.PublishScan(ctx, e); err != nil {
		logging.Ctx(ctx).Error().Err(err).Msg("Failed to publish scan")
		respondError(w, r, http.StatusServiceUnavailable, "PUBLISH_FAILED", "Event could not be queued, retry later", nil)
		return
	}
	respondData(w, r, http.StatusAccepted, acceptedEvent{EventID: e.ID, Status: "accepted"})
}

// IngestReview validates a review and publishes it to the review topic.
func (h *Handler) IngestReview(w http.ResponseWriter, r *http.Request) {
	var req reviewRequest
	if !decodeJSON(w, r, &req) || !validateRequest(w, r, &req) {
		return
	}

	review := &models.ReviewEvent{
		ID:             req.ID,
		OrganizationID: req.OrganizationID,
		ProductID:      req.ProductID,
		BatchID:        req.BatchID,
		Rating:         req.Rating,
		HasText:        req.HasText,
		OccurredAt:     req.OccurredAt.UTC(),
	}
	ctx := logging.ContextWithEvent(r.Context(), review.ID, review.OrganizationID)
	if err := h.deps.Publisher.PublishReview(ctx, review); err != nil {
		logging.Ctx(ctx).Error().Err(err).Msg("Failed to publish review")
		respondError(w, r, http.StatusServiceUnavailable, "PUBLISH_FAILED", "Event could not be queued, retry later", nil)
		return
	}
	respondData(w, r, http.StatusAccepted, acceptedEvent{EventID: review.ID, Status: "accepted"})
}
