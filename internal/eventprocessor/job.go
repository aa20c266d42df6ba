// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

package eventprocessor

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/tomtom215/scansentry/internal/models"
)

// Event kinds.
const (
	KindScan   = "scan"
	KindReview = "review"
)

// Job is one event queued for the pipeline. Exactly one of Scan and Review
// is set, matching Kind.
type Job struct {
	Kind   string              `json:"kind"`
	Scan   *models.ScanEvent   `json:"scan,omitempty"`
	Review *models.ReviewEvent `json:"review,omitempty"`
}

// ScanJob wraps a scan event.
func ScanJob(e *models.ScanEvent) Job { return Job{Kind: KindScan, Scan: e} }

// ReviewJob wraps a review event.
func ReviewJob(r *models.ReviewEvent) Job { return Job{Kind: KindReview, Review: r} }

// EventID returns the wrapped event's ID.
func (j Job) EventID() string {
	switch {
	case j.Scan != nil:
		return j.Scan.ID
	case j.Review != nil:
		return j.Review.ID
	}
	return ""
}

// OrganizationID returns the wrapped event's organization.
func (j Job) OrganizationID() string {
	switch {
	case j.Scan != nil:
		return j.Scan.OrganizationID
	case j.Review != nil:
		return j.Review.OrganizationID
	}
	return ""
}

// Validate checks that the job carries the event its kind names.
func (j Job) Validate() error {
	switch j.Kind {
	case KindScan:
		if j.Scan == nil {
			return fmt.Errorf("%w: scan job without scan", ErrInvalidEvent)
		}
	case KindReview:
		if j.Review == nil {
			return fmt.Errorf("%w: review job without review", ErrInvalidEvent)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, j.Kind)
	}
	return nil
}

// MarshalJob encodes a job for the dead letter table.
func MarshalJob(j Job) ([]byte, error) {
	return json.Marshal(j)
}

// UnmarshalJob decodes a stored job.
func UnmarshalJob(data []byte) (Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return Job{}, fmt.Errorf("decode job: %w", err)
	}
	return j, j.Validate()
}
