// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

package eventprocessor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tomtom215/scansentry/internal/database"
	"github.com/tomtom215/scansentry/internal/detection"
	"github.com/tomtom215/scansentry/internal/notify"
)

// ErrQueueFull is returned by Pool.Submit when no queue slot is free.
var ErrQueueFull = errors.New("pipeline queue is full")

// ErrInvalidEvent is returned for events missing required fields.
var ErrInvalidEvent = errors.New("invalid event")

// ConfigurationError reports a malformed rule or region that was skipped.
type ConfigurationError struct {
	// Subject is "rule" or "region".
	Subject string
	ID      string
	Err     error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("malformed %s %s: %v", e.Subject, e.ID, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// TransientStoreError wraps a database failure or timeout that may succeed
// on retry.
type TransientStoreError struct {
	Op  string
	Err error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientStoreError) Unwrap() error { return e.Err }

// DeliveryFailure lists channel hand-offs that failed for one alert. The
// alert itself was persisted.
type DeliveryFailure struct {
	AlertID  string
	Failures []*notify.Delivery
}

func (e *DeliveryFailure) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, d := range e.Failures {
		parts = append(parts, d.Channel+"→"+d.Recipient)
	}
	return fmt.Sprintf("alert %s: %d deliveries failed (%s)", e.AlertID, len(e.Failures), strings.Join(parts, ", "))
}

// newDeliveryFailure returns nil when nothing failed.
func newDeliveryFailure(alertID string, report *notify.Report) *DeliveryFailure {
	if report == nil {
		return nil
	}
	failed := report.Failed()
	if len(failed) == 0 {
		return nil
	}
	return &DeliveryFailure{AlertID: alertID, Failures: failed}
}

// configurationErrors converts skipped rules and regions into
// ConfigurationErrors. Rules skipped for timeouts or read failures are not
// configuration problems and are left out.
func configurationErrors(skippedRules []*detection.RuleError, skippedRegions []error) []*ConfigurationError {
	var out []*ConfigurationError
	for _, r := range skippedRules {
		if r.IsConfigError() {
			out = append(out, &ConfigurationError{Subject: "rule", ID: r.RuleID, Err: r.Err})
		}
	}
	for _, err := range skippedRegions {
		out = append(out, &ConfigurationError{Subject: "region", Err: err})
	}
	return out
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var ts *TransientStoreError
	if errors.As(err, &ts) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || database.IsConflict(err) {
		return true
	}
	return false
}
