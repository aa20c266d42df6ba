// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/scansentry/internal/models"
)

func TestPushChannel_Deliver(t *testing.T) {
	var got pushMessage
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	ch, err := NewPushChannel(PushConfig{URL: srv.URL, Token: "secret"})
	if err != nil {
		t.Fatal(err)
	}
	p, _ := NewRenderer("https://app.example.com").RenderAlert(testAlert(models.SeverityWarning), 0)
	if err := ch.Deliver(context.Background(), OrgRecipient("org-1"), p); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if auth != "Bearer secret" {
		t.Errorf("Authorization = %q", auth)
	}
	if got.Recipient != "org:org-1" || got.Severity != "warning" || got.DeepLink == "" || got.Data["alert_id"] != "alert-1" {
		t.Errorf("push body = %+v", got)
	}
}

func TestPushChannel_BreakerOpens(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ch, err := NewPushChannel(PushConfig{URL: srv.URL, FailureThreshold: 2, OpenTimeout: time.Minute})
	if err != nil {
		t.Fatal(err)
	}
	p, _ := NewRenderer("").RenderAlert(testAlert(models.SeverityWarning), 0)
	for i := 0; i < 4; i++ {
		if err := ch.Deliver(context.Background(), OrgRecipient("org-1"), p); err == nil {
			t.Fatalf("attempt %d succeeded against a failing gateway", i)
		}
	}
	if hits.Load() != 2 {
		t.Errorf("gateway hits = %d, want 2 before the breaker opened", hits.Load())
	}
	if ch.State() != "open" {
		t.Errorf("breaker state = %s, want open", ch.State())
	}
}

func TestNewPushChannel_RequiresURL(t *testing.T) {
	for _, u := range []string{"", "ftp://gw", "http://"} {
		if _, err := NewPushChannel(PushConfig{URL: u}); err == nil {
			t.Errorf("URL %q accepted", u)
		}
	}
}
