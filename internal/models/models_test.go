// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

package models

import (
	"math"
	"testing"
	"time"
)

func fptr(f float64) *float64 { return &f }

func TestScanEventHasLocation(t *testing.T) {
	tests := []struct {
		name     string
		lat, lon *float64
		want     bool
	}{
		{"missing", nil, nil, false},
		{"only latitude", fptr(10), nil, false},
		{"null island", fptr(0), fptr(0), false},
		{"nan", fptr(math.NaN()), fptr(1), false},
		{"out of range", fptr(91), fptr(1), false},
		{"moscow", fptr(55.75), fptr(37.62), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := ScanEvent{Latitude: tt.lat, Longitude: tt.lon}
			if got := e.HasLocation(); got != tt.want {
				t.Errorf("HasLocation() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestScanEventLocationKey(t *testing.T) {
	e := ScanEvent{Country: StringPtr("ru"), City: StringPtr("Moscow")}
	if got := e.LocationKey(); got != "RU|moscow" {
		t.Errorf("LocationKey() = %q", got)
	}

	e = ScanEvent{Latitude: fptr(59.934), Longitude: fptr(30.335)}
	if got := e.LocationKey(); got != "59.9,30.3" {
		t.Errorf("LocationKey() = %q", got)
	}

	if got := (&ScanEvent{}).LocationKey(); got != "" {
		t.Errorf("LocationKey() on empty event = %q", got)
	}
}

func TestAlertSeverityRaise(t *testing.T) {
	if got := SeverityInfo.Raise(1); got != SeverityWarning {
		t.Errorf("info+1 = %s", got)
	}
	if got := SeverityWarning.Raise(5); got != SeverityCritical {
		t.Errorf("warning+5 = %s", got)
	}
	if got := SeverityCritical.Raise(0); got != SeverityCritical {
		t.Errorf("critical+0 = %s", got)
	}
}

func TestAnomalySeverityRank(t *testing.T) {
	if AnomalyHigh.Rank() <= AnomalyMedium.Rank() {
		t.Error("high must outrank medium")
	}
	if AnomalySeverity("extreme").Valid() {
		t.Error("unknown severity reported valid")
	}
}

func TestAlertStatusTerminal(t *testing.T) {
	for _, s := range []AlertStatus{AlertResolved, AlertDismissed} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []AlertStatus{AlertNew, AlertAcknowledged, AlertInvestigating} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestPreferencesLocation(t *testing.T) {
	p := DefaultPreferences("org")
	if p.Location().String() != "UTC" {
		t.Errorf("default location = %s", p.Location())
	}
	tz := "Europe/Moscow"
	p.QuietHoursTimezone = &tz
	if p.Location().String() != tz {
		t.Errorf("location = %s", p.Location())
	}
	bad := "Mars/Olympus"
	p.QuietHoursTimezone = &bad
	if p.Location().String() != "UTC" {
		t.Errorf("invalid tz should fall back to UTC, got %s", p.Location())
	}
}

func TestBucketStart(t *testing.T) {
	// Wednesday 2026-03-18 14:37 UTC
	ts := time.Date(2026, 3, 18, 14, 37, 12, 0, time.UTC)
	if got := BucketHour.Start(ts); !got.Equal(time.Date(2026, 3, 18, 14, 0, 0, 0, time.UTC)) {
		t.Errorf("hour start = %v", got)
	}
	if got := BucketDay.Start(ts); !got.Equal(time.Date(2026, 3, 18, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("day start = %v", got)
	}
	if got := BucketWeek.Start(ts); !got.Equal(time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("week start = %v (want Monday 16th)", got)
	}
	sunday := time.Date(2026, 3, 22, 23, 0, 0, 0, time.UTC)
	if got := BucketWeek.Start(sunday); !got.Equal(time.Date(2026, 3, 16, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("sunday week start = %v", got)
	}
}
