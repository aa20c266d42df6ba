// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{errors.New("TransactionContext Error: Transaction conflict"), "conflict"},
		{errors.New("Constraint Error: Duplicate key \"id: 1\""), "constraint"},
		{errors.New("context deadline exceeded"), "timeout"},
		{errors.New("context canceled"), "canceled"},
		{errors.New("disk full"), "other"},
	}
	for _, tt := range tests {
		if got := classifyError(tt.err); got != tt.want {
			t.Errorf("classifyError(%q) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestRecordDBQuery(t *testing.T) {
	before := testutil.ToFloat64(DBQueryErrors.WithLabelValues("upsert", "scan_totals", "conflict"))
	RecordDBQuery("upsert", "scan_totals", 3*time.Millisecond, errors.New("write-write conflict"))
	RecordDBQuery("upsert", "scan_totals", 3*time.Millisecond, nil)
	after := testutil.ToFloat64(DBQueryErrors.WithLabelValues("upsert", "scan_totals", "conflict"))
	if after-before != 1 {
		t.Errorf("conflict errors increased by %v, want 1", after-before)
	}
}

func TestRecordNotification(t *testing.T) {
	sent := NotificationsSent.WithLabelValues("push", "sent")
	failed := NotificationsSent.WithLabelValues("push", "failed")
	s0, f0 := testutil.ToFloat64(sent), testutil.ToFloat64(failed)

	RecordNotification("push", nil)
	RecordNotification("push", errors.New("gateway down"))
	RecordNotification("push", nil)

	if got := testutil.ToFloat64(sent) - s0; got != 2 {
		t.Errorf("sent delta = %v, want 2", got)
	}
	if got := testutil.ToFloat64(failed) - f0; got != 1 {
		t.Errorf("failed delta = %v, want 1", got)
	}
}

func TestRecordEvent(t *testing.T) {
	c := EventsProcessed.WithLabelValues("scan", "ok")
	before := testutil.ToFloat64(c)
	RecordEvent("scan", "ok", 12*time.Millisecond)
	if got := testutil.ToFloat64(c) - before; got != 1 {
		t.Errorf("events delta = %v, want 1", got)
	}
}

func TestRecordBreakerTransition(t *testing.T) {
	RecordBreakerTransition("push", "closed", "open")
	if got := testutil.ToFloat64(CircuitBreakerState.WithLabelValues("push")); got != 2 {
		t.Errorf("state = %v, want 2 (open)", got)
	}
	RecordBreakerTransition("push", "open", "half-open")
	if got := testutil.ToFloat64(CircuitBreakerState.WithLabelValues("push")); got != 1 {
		t.Errorf("state = %v, want 1 (half-open)", got)
	}
}

func TestTrackActiveRequest(t *testing.T) {
	before := testutil.ToFloat64(APIActiveRequests)
	TrackActiveRequest(true)
	TrackActiveRequest(true)
	TrackActiveRequest(false)
	if got := testutil.ToFloat64(APIActiveRequests) - before; got != 1 {
		t.Errorf("active delta = %v, want 1", got)
	}
}
