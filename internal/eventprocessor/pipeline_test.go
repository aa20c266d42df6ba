// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

package eventprocessor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/scansentry/internal/database"
	"github.com/tomtom215/scansentry/internal/detection"
	"github.com/tomtom215/scansentry/internal/geo"
	"github.com/tomtom215/scansentry/internal/lifecycle"
	"github.com/tomtom215/scansentry/internal/models"
	"github.com/tomtom215/scansentry/internal/notify"
	"github.com/tomtom215/scansentry/internal/stats"
)

type fakeConfig struct {
	mu      sync.Mutex
	regions []models.AuthorizedRegion
	rules   []*models.ScanAlertRule
	prefs   *models.OrganizationAlertPreferences
	err     error
}

func (f *fakeConfig) Regions(context.Context, string) ([]models.AuthorizedRegion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.regions, f.err
}

func (f *fakeConfig) EnabledRules(context.Context, string) ([]*models.ScanAlertRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rules, f.err
}

func (f *fakeConfig) Preferences(_ context.Context, org string) (*models.OrganizationAlertPreferences, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.prefs != nil {
		return f.prefs, f.err
	}
	return models.DefaultPreferences(org), f.err
}

type fakeNotifier struct {
	mu     sync.Mutex
	alerts []*models.ScanAlert
	report *notify.Report
}

func (f *fakeNotifier) Dispatch(_ context.Context, alert *models.ScanAlert, _ *models.ScanAlertRule, _ *models.OrganizationAlertPreferences) (*notify.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.alerts = append(f.alerts, alert)
	if f.report != nil {
		return f.report, nil
	}
	return &notify.Report{Outcome: notify.OutcomeDispatched}, nil
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.alerts)
}

type failingStats struct{ err error }

func (f failingStats) Record(context.Context, *models.ScanEvent) (*stats.Snapshot, error) {
	return nil, f.err
}

type pipelineFixture struct {
	pipeline *Pipeline
	config   *fakeConfig
	notifier *fakeNotifier
	records  *lifecycle.Store
	stats    *stats.Store
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	db, err := database.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	ctx := context.Background()

	st := stats.NewStore(db, stats.DefaultConfig())
	if err := st.InitSchema(ctx); err != nil {
		t.Fatalf("stats schema: %v", err)
	}
	records := lifecycle.NewStore(db)
	if err := records.InitSchema(ctx); err != nil {
		t.Fatalf("lifecycle schema: %v", err)
	}

	f := &pipelineFixture{
		config: &fakeConfig{regions: []models.AuthorizedRegion{{
			OrganizationID: "org-1",
			RegionCode:     "MOW",
			Kind:           models.RegionCircle,
			Center:         &models.LatLng{Lat: 55.75, Lng: 37.62},
			RadiusKm:       50,
		}}},
		notifier: &fakeNotifier{},
		records:  records,
		stats:    st,
	}
	f.pipeline = NewPipeline(f.config, st, geo.NewMatcher(geo.DefaultSeverityTiers(), models.AnomalyMedium),
		detection.NewEvaluator(st, detection.DefaultConfig()), records, f.notifier, DefaultPipelineConfig())
	return f
}

func ptr[T any](v T) *T { return &v }

func scanAt(id string, lat, lng float64) *models.ScanEvent {
	return &models.ScanEvent{
		ID:             id,
		OrganizationID: "org-1",
		ProductID:      ptr("p1"),
		BatchID:        ptr("b1"),
		Latitude:       ptr(lat),
		Longitude:      ptr(lng),
		Country:        ptr("RU"),
		OccurredAt:     time.Now().UTC(),
	}
}

func TestProcessScan_OutsideRegionCreatesAnomalyAndAlert(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()

	// St. Petersburg is about 633 km from the center of the 50 km Moscow circle.
	res, err := f.pipeline.ProcessScan(ctx, scanAt("s1", 59.93, 30.34))
	if err != nil {
		t.Fatalf("ProcessScan: %v", err)
	}
	if res.Anomaly == nil || !res.AnomalyCreated {
		t.Fatalf("expected a new anomaly, got %+v", res)
	}
	d := res.Anomaly.DistanceKm
	if d == nil || *d < 580 || *d > 586 {
		t.Fatalf("distance_km = %v, want about 583", d)
	}
	if res.Anomaly.Severity != models.AnomalyHigh {
		t.Errorf("severity = %s, want high", res.Anomaly.Severity)
	}

	if len(res.Alerts) != 1 {
		t.Fatalf("alerts = %d, want the promoted anomaly alert", len(res.Alerts))
	}
	alert := res.Alerts[0]
	if alert.AlertType != AlertTypeGeographicAnomaly || alert.Severity != models.SeverityWarning {
		t.Errorf("alert = %s/%s", alert.AlertType, alert.Severity)
	}
	if alert.RuleID != nil {
		t.Errorf("promoted alert has rule %v", *alert.RuleID)
	}
	if f.notifier.count() != 1 {
		t.Errorf("dispatches = %d, want 1", f.notifier.count())
	}

	// A second anomaly for the same batch inside the cooldown is suppressed.
	res, err = f.pipeline.ProcessScan(ctx, scanAt("s2", 59.93, 30.34))
	if err != nil {
		t.Fatal(err)
	}
	if !res.AnomalyCreated || len(res.Alerts) != 0 || res.Suppressed != 1 {
		t.Errorf("second scan: created=%v alerts=%d suppressed=%d", res.AnomalyCreated, len(res.Alerts), res.Suppressed)
	}
}

func TestProcessScan_InsideRegionNoAnomaly(t *testing.T) {
	f := newPipelineFixture(t)
	res, err := f.pipeline.ProcessScan(context.Background(), scanAt("s1", 55.76, 37.60))
	if err != nil {
		t.Fatal(err)
	}
	if res.Anomaly != nil || len(res.Alerts) != 0 {
		t.Errorf("scan inside region produced anomaly=%v alerts=%d", res.Anomaly, len(res.Alerts))
	}
	if res.Assessment == nil || !res.Assessment.Verdict.Matched {
		t.Errorf("assessment = %+v, want matched", res.Assessment)
	}
}

func TestProcessScan_ReplayIsIdempotent(t *testing.T) {
	f := newPipelineFixture(t)
	ctx := context.Background()
	f.config.rules = []*models.ScanAlertRule{{
		ID: "first", OrganizationID: "org-1", RuleType: models.RuleFirstScan, Name: "First scan",
		IsEnabled: true, Config: json.RawMessage(`{"notify_for_each_batch": true}`),
	}}

	e := scanAt("s1", 59.93, 30.34)
	first, err := f.pipeline.ProcessScan(ctx, e)
	if err != nil {
		t.Fatal(err)
	}
	if len(first.Alerts) != 2 {
		t.Fatalf("first pass alerts = %d, want first_scan plus anomaly", len(first.Alerts))
	}

	again, err := f.pipeline.ProcessScan(ctx, e)
	if err != nil {
		t.Fatal(err)
	}
	if !again.Replay || again.AnomalyCreated || len(again.Alerts) != 0 || again.Duplicates != 2 {
		t.Errorf("replay = replay %v created %v alerts %d duplicates %d",
			again.Replay, again.AnomalyCreated, len(again.Alerts), again.Duplicates)
	}
	if f.notifier.count() != 2 {
		t.Errorf("dispatches = %d, want 2", f.notifier.count())
	}

	_, total, err := f.records.ListAlerts(ctx, lifecycle.AlertFilter{OrganizationID: "org-1"})
	if err != nil {
		t.Fatal(err)
	}
	if total != 2 {
		t.Errorf("persisted alerts = %d, want 2", total)
	}
}

func TestProcessScan_MalformedRuleIsSkipped(t *testing.T) {
	f := newPipelineFixture(t)
	f.config.regions = nil
	f.config.rules = []*models.ScanAlertRule{
		{ID: "broken", OrganizationID: "org-1", RuleType: models.RuleScanSpike, Name: "Broken",
			IsEnabled: true, Priority: 10, Config: json.RawMessage(`{"threshold_multiplier": "lots"}`)},
		{ID: "first", OrganizationID: "org-1", RuleType: models.RuleFirstScan, Name: "First scan",
			IsEnabled: true, Config: json.RawMessage(`{}`)},
	}

	res, err := f.pipeline.ProcessScan(context.Background(), scanAt("s1", 10, 10))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.ConfigErrors) != 1 || res.ConfigErrors[0].ID != "broken" {
		t.Fatalf("config errors = %+v", res.ConfigErrors)
	}
	if len(res.Alerts) != 1 || res.Alerts[0].AlertType != string(models.RuleFirstScan) {
		t.Errorf("alerts = %+v, want the first_scan alert", res.Alerts)
	}
}

func TestProcessScan_DeliveryFailureKeepsAlert(t *testing.T) {
	f := newPipelineFixture(t)
	failed := "gateway down"
	f.notifier.report = &notify.Report{Outcome: notify.OutcomeDispatched, Deliveries: []*notify.Delivery{
		{Channel: notify.ChannelPush, Recipient: "org:org-1", Status: notify.StatusFailed, Error: &failed},
		{Channel: notify.ChannelInApp, Recipient: "org:org-1", Status: notify.StatusSent},
	}}

	res, err := f.pipeline.ProcessScan(context.Background(), scanAt("s1", 59.93, 30.34))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Alerts) != 1 {
		t.Fatalf("alerts = %d, want 1", len(res.Alerts))
	}
	if len(res.DeliveryFailures) != 1 || len(res.DeliveryFailures[0].Failures) != 1 {
		t.Fatalf("delivery failures = %+v", res.DeliveryFailures)
	}
	if _, err := f.records.GetAlert(context.Background(), "org-1", res.Alerts[0].ID); err != nil {
		t.Errorf("alert not persisted: %v", err)
	}
}

func TestProcessScan_StoreFailureIsTransient(t *testing.T) {
	f := newPipelineFixture(t)
	f.pipeline.stats = failingStats{err: errors.New("database is locked")}

	_, err := f.pipeline.ProcessScan(context.Background(), scanAt("s1", 55.75, 37.62))
	var ts *TransientStoreError
	if !errors.As(err, &ts) || ts.Op != "record statistics" {
		t.Fatalf("err = %v, want TransientStoreError", err)
	}
	if !IsTransient(err) {
		t.Error("IsTransient = false")
	}
}

func TestProcessScan_InvalidEvent(t *testing.T) {
	f := newPipelineFixture(t)
	_, err := f.pipeline.ProcessScan(context.Background(), &models.ScanEvent{ID: "s1"})
	if !errors.Is(err, ErrInvalidEvent) || IsTransient(err) {
		t.Fatalf("err = %v, want permanent ErrInvalidEvent", err)
	}
}

func TestProcessReview_NegativeReview(t *testing.T) {
	f := newPipelineFixture(t)
	f.config.rules = []*models.ScanAlertRule{{
		ID: "neg", OrganizationID: "org-1", RuleType: models.RuleNegativeReview, Name: "Bad reviews",
		IsEnabled: true, Config: json.RawMessage(`{"min_rating_threshold": 2}`),
	}}
	ctx := context.Background()

	res, err := f.pipeline.ProcessReview(ctx, &models.ReviewEvent{
		ID: "r1", OrganizationID: "org-1", ProductID: ptr("p1"), Rating: 1, HasText: true, OccurredAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Alerts) != 1 || res.Alerts[0].AlertType != string(models.RuleNegativeReview) {
		t.Fatalf("alerts = %+v", res.Alerts)
	}

	res, err = f.pipeline.ProcessReview(ctx, &models.ReviewEvent{
		ID: "r2", OrganizationID: "org-1", ProductID: ptr("p1"), Rating: 5, HasText: true, OccurredAt: time.Now(),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Alerts) != 0 {
		t.Errorf("five-star review raised %d alerts", len(res.Alerts))
	}
}
