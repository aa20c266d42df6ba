// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

// Package models defines the records exchanged between ScanSentry components:
// inbound scan and review events, organization configuration, and the
// anomaly/alert records the engine produces.
package models

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// ScanEvent is a single consumer scan of a product QR code.
//
// Events are supplied by the ingestion collaborator and never mutated here.
// Coordinates are optional; a scan without them is treated as an unknown
// location and can never produce a geographic anomaly.
//
// IsSuspicious is pre-computed by an external fraud heuristic and only
// feeds the suspicious_count statistic.
type ScanEvent struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	ProductID      *string   `json:"product_id,omitempty"`
	BatchID        *string   `json:"batch_id,omitempty"`
	VisitorID      *string   `json:"visitor_id,omitempty"`
	Latitude       *float64  `json:"latitude,omitempty"`
	Longitude      *float64  `json:"longitude,omitempty"`
	Country        *string   `json:"country,omitempty"`
	City           *string   `json:"city,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
	IsSuspicious   bool      `json:"is_suspicious"`
}

// coordinateEpsilon treats (0,0) as "no fix" the way device SDKs report it.
const coordinateEpsilon = 1e-7

// HasLocation reports whether the event carries usable coordinates.
func (e *ScanEvent) HasLocation() bool {
	if e.Latitude == nil || e.Longitude == nil {
		return false
	}
	lat, lon := *e.Latitude, *e.Longitude
	if math.IsNaN(lat) || math.IsNaN(lon) {
		return false
	}
	if math.Abs(lat) < coordinateEpsilon && math.Abs(lon) < coordinateEpsilon {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}

// LocationKey identifies the scan location for unique-location counting.
// Country/city wins over coordinates; coordinates are rounded to ~11km cells.
// Returns "" when nothing is known.
func (e *ScanEvent) LocationKey() string {
	country := strings.ToUpper(deref(e.Country))
	city := strings.ToLower(deref(e.City))
	if country != "" || city != "" {
		return country + "|" + city
	}
	if e.HasLocation() {
		return fmt.Sprintf("%.1f,%.1f", *e.Latitude, *e.Longitude)
	}
	return ""
}

// ReviewEvent is a product review, consumed only by the negative_review rule.
type ReviewEvent struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	ProductID      *string   `json:"product_id,omitempty"`
	BatchID        *string   `json:"batch_id,omitempty"`
	Rating         int       `json:"rating"`
	HasText        bool      `json:"has_text"`
	OccurredAt     time.Time `json:"occurred_at"`
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// StringValue returns *s or "" for nil.
func StringValue(s *string) string {
	return deref(s)
}

// StringPtr returns a pointer to s, or nil when s is empty.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
