// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

package escalation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/scansentry/internal/database"
	"github.com/tomtom215/scansentry/internal/lifecycle"
	"github.com/tomtom215/scansentry/internal/models"
	"github.com/tomtom215/scansentry/internal/notify"
	"github.com/tomtom215/scansentry/internal/orgconfig"
)

type fakeConfig struct {
	rules map[string]*models.ScanAlertRule
	prefs *models.OrganizationAlertPreferences
}

func (f *fakeConfig) Rule(_ context.Context, _, id string) (*models.ScanAlertRule, error) {
	if r, ok := f.rules[id]; ok {
		return r, nil
	}
	return nil, orgconfig.ErrNotFound
}

func (f *fakeConfig) Preferences(_ context.Context, orgID string) (*models.OrganizationAlertPreferences, error) {
	if f.prefs != nil {
		return f.prefs, nil
	}
	return models.DefaultPreferences(orgID), nil
}

type escalationCall struct {
	alertID  string
	level    int
	channels []string
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls []escalationCall
}

func (f *fakeNotifier) DispatchEscalation(_ context.Context, alert *models.ScanAlert, _ *models.ScanAlertRule, _ *models.OrganizationAlertPreferences, level int, channels []string) (*notify.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, escalationCall{alertID: alert.ID, level: level, channels: channels})
	return &notify.Report{Outcome: notify.OutcomeDispatched}, nil
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func intPtr(v int) *int { return &v }

type fixture struct {
	store    *lifecycle.Store
	config   *fakeConfig
	notifier *fakeNotifier
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	store := lifecycle.NewStore(db)
	if err := store.InitSchema(context.Background()); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}
	return &fixture{
		store: store,
		config: &fakeConfig{rules: map[string]*models.ScanAlertRule{
			"rule-30": {ID: "rule-30", OrganizationID: "org-1", RuleType: models.RuleScanSpike,
				Channels: []string{notify.ChannelInApp}, EscalateAfterMinutes: intPtr(30)},
			"rule-none": {ID: "rule-none", OrganizationID: "org-1", RuleType: models.RuleScanSpike},
		}},
		notifier: &fakeNotifier{},
		now:      time.Now().UTC(),
	}
}

func (f *fixture) scheduler(cfg Config) *Scheduler {
	s := NewScheduler(cfg, f.store, f.config, f.notifier)
	s.now = func() time.Time { return f.now }
	return s
}

func (f *fixture) createAlert(t *testing.T, ruleID string, severity models.AlertSeverity, target string) *models.ScanAlert {
	t.Helper()
	rule := f.config.rules[ruleID]
	res, err := f.store.CreateAlert(context.Background(), &models.AlertCandidate{
		OrganizationID: "org-1",
		Rule:           rule,
		RuleKey:        ruleID,
		TargetKey:      target,
		SourceEventID:  target + "-event",
		AlertType:      string(models.RuleScanSpike),
		Severity:       severity,
		Title:          "Scan spike",
		Body:           "Scans exceeded the baseline",
	})
	if err != nil {
		t.Fatalf("CreateAlert: %v", err)
	}
	if res.Outcome != lifecycle.OutcomeCreated {
		t.Fatalf("alert for %s not created", target)
	}
	return res.Alert
}

func TestSweep_EscalatesOnceAfterDelay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alert := f.createAlert(t, "rule-30", models.SeverityWarning, "batch:b1")
	s := f.scheduler(DefaultConfig())

	f.now = alert.CreatedAt.Add(29 * time.Minute)
	if n, err := s.Sweep(ctx); err != nil || n != 0 {
		t.Fatalf("early sweep = %d, %v; want 0", n, err)
	}

	f.now = alert.CreatedAt.Add(31 * time.Minute)
	n, err := s.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("escalated = %d, want 1", n)
	}
	// A second sweep at the same instant must not repeat the escalation.
	if n, _ := s.Sweep(ctx); n != 0 {
		t.Errorf("repeat sweep escalated %d", n)
	}

	got, err := f.store.GetAlert(ctx, "org-1", alert.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.IsEscalated || got.EscalationLevel != 1 || got.EscalatedAt == nil {
		t.Fatalf("alert = escalated %v level %d at %v", got.IsEscalated, got.EscalationLevel, got.EscalatedAt)
	}
	if d := got.EscalatedAt.Sub(f.now); d < -time.Millisecond || d > time.Millisecond {
		t.Errorf("escalated_at = %v, want the sweep instant %v", got.EscalatedAt, f.now)
	}

	// Later sweeps inside the next delay still see nothing due.
	f.now = f.now.Add(29 * time.Minute)
	if n, _ := s.Sweep(ctx); n != 0 {
		t.Errorf("sweep before the next delay escalated %d", n)
	}
	if f.notifier.count() != 1 {
		t.Fatalf("dispatches = %d, want 1", f.notifier.count())
	}
	call := f.notifier.calls[0]
	if call.level != 1 {
		t.Errorf("level = %d, want 1", call.level)
	}
	want := []string{notify.ChannelInApp, notify.ChannelPush}
	if len(call.channels) != len(want) || call.channels[0] != want[0] || call.channels[1] != want[1] {
		t.Errorf("channels = %v, want %v", call.channels, want)
	}
}

func TestSweep_NextLevelMeasuredFromLastEscalation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alert := f.createAlert(t, "rule-30", models.SeverityWarning, "batch:b1")
	s := f.scheduler(Config{MaxLevel: 2, LevelChannels: [][]string{{notify.ChannelPush}, {notify.ChannelEmail}}})

	f.now = alert.CreatedAt.Add(31 * time.Minute)
	if n, _ := s.Sweep(ctx); n != 1 {
		t.Fatalf("first sweep = %d, want 1", n)
	}
	got, _ := f.store.GetAlert(ctx, "org-1", alert.ID)

	f.now = got.EscalatedAt.Add(10 * time.Minute)
	if n, _ := s.Sweep(ctx); n != 0 {
		t.Fatalf("sweep before second delay escalated %d", n)
	}
	f.now = got.EscalatedAt.Add(31 * time.Minute)
	if n, _ := s.Sweep(ctx); n != 1 {
		t.Fatalf("second sweep = %d, want 1", n)
	}
	f.now = f.now.Add(24 * time.Hour)
	if n, _ := s.Sweep(ctx); n != 0 {
		t.Errorf("sweep past max level escalated %d", n)
	}

	calls := f.notifier.calls
	if len(calls) != 2 || calls[1].level != 2 {
		t.Fatalf("calls = %+v", calls)
	}
	last := calls[1].channels
	if last[len(last)-1] != notify.ChannelEmail {
		t.Errorf("level 2 channels = %v, want email added", last)
	}
}

func TestSweep_AcknowledgedAlerts(t *testing.T) {
	for _, tc := range []struct {
		name    string
		include bool
		want    int
	}{
		{"excluded by default", false, 0},
		{"included when configured", true, 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()
			alert := f.createAlert(t, "rule-30", models.SeverityWarning, "batch:b1")
			if _, err := f.store.Acknowledge(ctx, "org-1", alert.ID, "mod-1", ""); err != nil {
				t.Fatal(err)
			}
			cfg := DefaultConfig()
			cfg.IncludeAcknowledged = tc.include
			s := f.scheduler(cfg)
			f.now = alert.CreatedAt.Add(45 * time.Minute)

			n, err := s.Sweep(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if n != tc.want {
				t.Errorf("escalated = %d, want %d", n, tc.want)
			}
		})
	}
}

func TestSweep_ClosedAlertsNeverEscalate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alert := f.createAlert(t, "rule-30", models.SeverityWarning, "batch:b1")
	if _, err := f.store.Dismiss(ctx, "org-1", alert.ID, "mod-1", "noise"); err != nil {
		t.Fatal(err)
	}
	cfg := DefaultConfig()
	cfg.IncludeAcknowledged = true
	s := f.scheduler(cfg)
	f.now = alert.CreatedAt.Add(2 * time.Hour)
	if n, _ := s.Sweep(ctx); n != 0 {
		t.Errorf("dismissed alert escalated")
	}
}

func TestSweep_CriticalAutoEscalation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	critical := f.createAlert(t, "rule-none", models.SeverityCritical, "batch:crit")
	f.createAlert(t, "rule-none", models.SeverityWarning, "batch:warn")
	s := f.scheduler(DefaultConfig())

	// Default preferences escalate critical alerts after 60 minutes.
	f.now = critical.CreatedAt.Add(61 * time.Minute)
	n, err := s.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 || f.notifier.calls[0].alertID != critical.ID {
		t.Fatalf("escalated = %d (%+v), want only the critical alert", n, f.notifier.calls)
	}

	prefs := models.DefaultPreferences("org-1")
	prefs.AutoEscalateCritical = false
	f.config.prefs = prefs
	f.now = f.now.Add(24 * time.Hour)
	if n, _ := s.Sweep(ctx); n != 0 {
		t.Errorf("escalated %d with auto-escalation disabled", n)
	}
}

func TestDelay(t *testing.T) {
	prefs := models.DefaultPreferences("org-1")
	warning := &models.ScanAlert{Severity: models.SeverityWarning}
	critical := &models.ScanAlert{Severity: models.SeverityCritical}
	rule := &models.ScanAlertRule{EscalateAfterMinutes: intPtr(15)}

	if d, ok := Delay(warning, rule, prefs); !ok || d != 15*time.Minute {
		t.Errorf("rule delay = %v, %v", d, ok)
	}
	if _, ok := Delay(warning, nil, prefs); ok {
		t.Error("warning without rule delay should not escalate")
	}
	if d, ok := Delay(critical, nil, prefs); !ok || d != 60*time.Minute {
		t.Errorf("critical delay = %v, %v", d, ok)
	}
	if _, ok := Delay(critical, &models.ScanAlertRule{EscalateAfterMinutes: intPtr(0)}, &models.OrganizationAlertPreferences{}); ok {
		t.Error("zero delay without auto-escalation should not escalate")
	}
}

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
	if err := (Config{Interval: time.Minute}).Validate(); err == nil {
		t.Error("max_level 0 accepted")
	}
}
