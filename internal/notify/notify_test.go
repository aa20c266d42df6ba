// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

package notify

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/scansentry/internal/database"
	"github.com/tomtom215/scansentry/internal/models"
)

// fakeChannel records deliveries and optionally fails.
type fakeChannel struct {
	mu    sync.Mutex
	name  string
	fail  error
	calls []fakeCall
}

type fakeCall struct {
	recipient string
	payload   *Payload
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Deliver(_ context.Context, recipient string, p *Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fakeCall{recipient: recipient, payload: p})
	return f.fail
}

func (f *fakeChannel) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestNotifyStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	s := NewStore(db)
	if err := s.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}
	return s
}

func strPtr(s string) *string { return &s }

func TestParseClock(t *testing.T) {
	tests := []struct {
		in   string
		want int
		ok   bool
	}{
		{"00:00", 0, true},
		{"07:30", 450, true},
		{"23:59", 1439, true},
		{"24:00", 0, false},
		{"7:30", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		got, err := ParseClock(tt.in)
		if (err == nil) != tt.ok || got != tt.want {
			t.Errorf("ParseClock(%q) = %d, %v", tt.in, got, err)
		}
	}
}

func TestQuietHours_Contains(t *testing.T) {
	prefs := func(start, end, tz string) *models.OrganizationAlertPreferences {
		p := models.DefaultPreferences("org-1")
		p.QuietHoursStart, p.QuietHoursEnd, p.QuietHoursTimezone = strPtr(start), strPtr(end), strPtr(tz)
		return p
	}
	at := func(h, m int) time.Time { return time.Date(2026, 3, 10, h, m, 0, 0, time.UTC) }

	overnight, err := QuietHoursFor(prefs("22:00", "07:00", "UTC"))
	if err != nil {
		t.Fatal(err)
	}
	daytime, _ := QuietHoursFor(prefs("12:00", "14:00", "UTC"))
	// 22:00-07:00 in Tokyo is 13:00-22:00 UTC.
	tokyo, _ := QuietHoursFor(prefs("22:00", "07:00", "Asia/Tokyo"))

	tests := []struct {
		name string
		q    *QuietHours
		t    time.Time
		want bool
	}{
		{"overnight late", overnight, at(23, 0), true},
		{"overnight early", overnight, at(6, 59), true},
		{"overnight end excluded", overnight, at(7, 0), false},
		{"overnight start included", overnight, at(22, 0), true},
		{"overnight midday", overnight, at(12, 0), false},
		{"daytime inside", daytime, at(13, 0), true},
		{"daytime outside", daytime, at(15, 0), false},
		{"tokyo inside", tokyo, at(14, 0), true},
		{"tokyo outside", tokyo, at(23, 0), false},
		{"nil window", nil, at(23, 0), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.q.Contains(tt.t); got != tt.want {
				t.Errorf("Contains(%s) = %v, want %v", tt.t.Format("15:04"), got, tt.want)
			}
		})
	}

	if q, err := QuietHoursFor(prefs("08:00", "08:00", "UTC")); q != nil || err != nil {
		t.Errorf("equal start and end = %v, %v, want no window", q, err)
	}
	if q, _ := QuietHoursFor(models.DefaultPreferences("org-1")); q != nil {
		t.Error("unset quiet hours should yield no window")
	}
}

func TestLatestDigestInstant(t *testing.T) {
	loc, _ := time.LoadLocation("America/New_York")
	// 2026-03-10 12:30 UTC is 08:30 EDT.
	now := time.Date(2026, 3, 10, 12, 30, 0, 0, time.UTC)
	if got := latestDigestInstant(8*60, loc, now); !got.Equal(time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("same-day instant = %v", got)
	}
	if got := latestDigestInstant(9*60, loc, now); !got.Equal(time.Date(2026, 3, 9, 13, 0, 0, 0, time.UTC)) {
		t.Errorf("previous-day instant = %v", got)
	}
}

func TestParseRecipient(t *testing.T) {
	if kind, id, err := ParseRecipient(OrgRecipient("org-1")); err != nil || kind != "org" || id != "org-1" {
		t.Errorf("org recipient = %s %s %v", kind, id, err)
	}
	if kind, id, err := ParseRecipient(UserRecipient("u7")); err != nil || kind != "user" || id != "u7" {
		t.Errorf("user recipient = %s %s %v", kind, id, err)
	}
	for _, bad := range []string{"", "org:", "team:x", "u7"} {
		if _, _, err := ParseRecipient(bad); err == nil {
			t.Errorf("ParseRecipient(%q) accepted", bad)
		}
	}
}

func testAlert(severity models.AlertSeverity) *models.ScanAlert {
	return &models.ScanAlert{
		ID:             "alert-1",
		OrganizationID: "org-1",
		AlertType:      "scan_spike",
		Severity:       severity,
		BatchID:        strPtr("b1"),
		Title:          "Scan spike on batch b1",
		Body:           "61 scans in the last 60 minutes.",
		Metadata:       map[string]interface{}{"window_count": 61},
		Status:         models.AlertNew,
		CreatedAt:      time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}
}

func TestRenderAlert(t *testing.T) {
	r := NewRenderer("https://app.example.com/")
	p, err := r.RenderAlert(testAlert(models.SeverityWarning), 0)
	if err != nil {
		t.Fatal(err)
	}
	if p.DeepLink != "https://app.example.com/orgs/org-1/alerts/alert-1" {
		t.Errorf("deep link = %q", p.DeepLink)
	}
	if !strings.Contains(p.Text, "window_count: 61") || !strings.Contains(p.Text, "Severity: warning") {
		t.Errorf("text = %q", p.Text)
	}
	if p.Metadata["batch_id"] != "b1" || p.Metadata["alert_id"] != "alert-1" {
		t.Errorf("metadata = %v", p.Metadata)
	}

	esc, err := r.RenderAlert(testAlert(models.SeverityWarning), 1)
	if err != nil {
		t.Fatal(err)
	}
	if esc.Severity != "critical" || !strings.HasPrefix(esc.Title, "[Escalated L1]") {
		t.Errorf("escalated payload = %s %q", esc.Severity, esc.Title)
	}

	hostile := testAlert(models.SeverityInfo)
	hostile.Title = "<script>alert(1)</script>"
	h, _ := r.RenderAlert(hostile, 0)
	if strings.Contains(h.HTML, "<script>") {
		t.Error("html payload not escaped")
	}
}

func TestInbox(t *testing.T) {
	s := newTestNotifyStore(t)
	ctx := context.Background()
	ch := NewInAppChannel(s)

	p, _ := NewRenderer("").RenderAlert(testAlert(models.SeverityWarning), 0)
	if err := ch.Deliver(ctx, OrgRecipient("org-1"), p); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if err := ch.Deliver(ctx, "nobody", p); err == nil {
		t.Error("Deliver accepted an invalid recipient")
	}

	list, err := s.ListNotifications(ctx, "org-1", OrgRecipient("org-1"), true, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].AlertID == nil || *list[0].AlertID != "alert-1" || list[0].Link != nil {
		t.Fatalf("inbox = %+v", list)
	}
	if err := s.MarkRead(ctx, "org-1", list[0].ID); err != nil {
		t.Fatal(err)
	}
	unread, _ := s.ListNotifications(ctx, "org-1", OrgRecipient("org-1"), true, 0)
	if len(unread) != 0 {
		t.Errorf("unread after MarkRead = %d", len(unread))
	}
	if err := s.MarkRead(ctx, "org-2", list[0].ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkRead from another org = %v", err)
	}
}

func TestEmailConfigAndMessage(t *testing.T) {
	cfg := EmailConfig{
		Host:      "smtp.example.com",
		Port:      587,
		From:      "alerts@example.com",
		Addresses: map[string][]string{"org:org-1": {"ops@example.com"}},
	}
	ch, err := NewEmailChannel(cfg)
	if err != nil {
		t.Fatalf("NewEmailChannel: %v", err)
	}
	p, _ := NewRenderer("").RenderAlert(testAlert(models.SeverityCritical), 0)
	msg := ch.buildMessage("ops@example.com", p)
	for _, want := range []string{"Subject: Scan spike on batch b1", "X-Alert-ID: alert-1", "text/plain", "text/html"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q", want)
		}
	}
	if err := ch.Deliver(context.Background(), UserRecipient("u1"), p); err == nil {
		t.Error("Deliver without a mapped address should fail")
	}

	bad := cfg
	bad.From = "nobody"
	if _, err := NewEmailChannel(bad); err == nil {
		t.Error("invalid from address accepted")
	}
	bad = cfg
	bad.Addresses = map[string][]string{"team:x": {"a@example.com"}}
	if _, err := NewEmailChannel(bad); err == nil {
		t.Error("invalid recipient reference accepted")
	}
}

func TestBotChannel_RejectsUnknownService(t *testing.T) {
	if _, err := NewBotChannel(BotConfig{URLs: []string{"carrierpigeon://coop"}}); err == nil {
		t.Error("unknown service URL accepted")
	}
	if _, err := NewBotChannel(BotConfig{}); err == nil {
		t.Error("empty URL list accepted")
	}
}
