// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

package logging

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

func captureGlobal(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := Logger()
	prevLevel := zerolog.GlobalLevel()
	SetLogger(NewTestLogger(&buf))
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	t.Cleanup(func() {
		SetLogger(prev)
		zerolog.SetGlobalLevel(prevLevel)
	})
	return &buf
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	line := strings.TrimSpace(buf.String())
	if line == "" {
		t.Fatal("expected a log line, got none")
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(line), &m); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, line)
	}
	return m
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"INFO", zerolog.InfoLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"disabled", zerolog.Disabled},
		{"nonsense", zerolog.InfoLevel},
	}
	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if ValidLevel("nonsense") {
		t.Error("ValidLevel(nonsense) = true")
	}
	if !ValidLevel("warn") {
		t.Error("ValidLevel(warn) = false")
	}
}

func TestCtxAddsEventFields(t *testing.T) {
	buf := captureGlobal(t)

	ctx := ContextWithCorrelationID(context.Background(), "abc12345")
	ctx = ContextWithEvent(ctx, "scan-1", "org-1")
	Ctx(ctx).Info().Msg("processed")

	m := decodeLine(t, buf)
	if m["correlation_id"] != "abc12345" {
		t.Errorf("correlation_id = %v", m["correlation_id"])
	}
	if m["event_id"] != "scan-1" || m["organization_id"] != "org-1" {
		t.Errorf("event fields missing: %v", m)
	}
}

func TestWithComponent(t *testing.T) {
	buf := captureGlobal(t)

	l := WithComponent("dispatcher")
	l.Warn().Msg("quiet hours")

	m := decodeLine(t, buf)
	if m["component"] != "dispatcher" {
		t.Errorf("component = %v", m["component"])
	}
	if m["level"] != "warn" {
		t.Errorf("level = %v", m["level"])
	}
}

func TestSlogAdapter(t *testing.T) {
	buf := captureGlobal(t)

	NewSlogLogger().WithGroup("supervisor").Info("service restarted", "service", "pipeline", "attempt", 2)

	m := decodeLine(t, buf)
	if m["message"] != "service restarted" {
		t.Errorf("message = %v", m["message"])
	}
	if m["supervisor.service"] != "pipeline" {
		t.Errorf("grouped key missing: %v", m)
	}
	if m["supervisor.attempt"] != float64(2) {
		t.Errorf("attempt = %v", m["supervisor.attempt"])
	}
}

func TestWatermillAdapter(t *testing.T) {
	buf := captureGlobal(t)

	wl := NewWatermillLogger().With(watermill.LogFields{"topic": "scans.ingested"})
	wl.Error("handler failed", errors.New("boom"), watermill.LogFields{"attempt": 3})

	m := decodeLine(t, buf)
	if m["topic"] != "scans.ingested" || m["error"] != "boom" {
		t.Errorf("unexpected fields: %v", m)
	}
	if m["component"] != "watermill" {
		t.Errorf("component = %v", m["component"])
	}
}
