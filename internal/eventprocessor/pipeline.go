// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

package eventprocessor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tomtom215/scansentry/internal/detection"
	"github.com/tomtom215/scansentry/internal/geo"
	"github.com/tomtom215/scansentry/internal/lifecycle"
	"github.com/tomtom215/scansentry/internal/logging"
	"github.com/tomtom215/scansentry/internal/metrics"
	"github.com/tomtom215/scansentry/internal/models"
	"github.com/tomtom215/scansentry/internal/notify"
	"github.com/tomtom215/scansentry/internal/stats"
)

// AlertTypeGeographicAnomaly is the alert type of promoted anomalies.
const AlertTypeGeographicAnomaly = "geographic_anomaly"

// ConfigReader supplies an organization's regions, rules and preferences.
type ConfigReader interface {
	Regions(ctx context.Context, orgID string) ([]models.AuthorizedRegion, error)
	EnabledRules(ctx context.Context, orgID string) ([]*models.ScanAlertRule, error)
	Preferences(ctx context.Context, orgID string) (*models.OrganizationAlertPreferences, error)
}

// StatsRecorder applies a scan to the statistics buckets.
type StatsRecorder interface {
	Record(ctx context.Context, e *models.ScanEvent) (*stats.Snapshot, error)
}

// RecordStore persists anomalies and alerts.
type RecordStore interface {
	CreateAnomaly(ctx context.Context, a *models.GeographicAnomaly) (*models.GeographicAnomaly, bool, error)
	CreateAlert(ctx context.Context, c *models.AlertCandidate) (*lifecycle.CreateResult, error)
}

// Notifier dispatches newly created alerts.
type Notifier interface {
	Dispatch(ctx context.Context, alert *models.ScanAlert, rule *models.ScanAlertRule, prefs *models.OrganizationAlertPreferences) (*notify.Report, error)
}

// PromotionConfig controls when anomalies also raise alerts.
type PromotionConfig struct {
	// MinSeverity is the lowest anomaly severity promoted to an alert.
	// Empty disables promotion.
	MinSeverity models.AnomalySeverity `koanf:"promote_min_severity"`
	// Cooldown between promoted alerts for the same target.
	Cooldown time.Duration `koanf:"anomaly_alert_cooldown"`
}

// PipelineConfig bounds one event's processing.
type PipelineConfig struct {
	// GeoTimeout bounds region reads plus matching. On timeout the scan is
	// treated as geographically indeterminate.
	GeoTimeout time.Duration   `koanf:"geo_timeout"`
	Promotion  PromotionConfig `koanf:"promotion"`
}

// DefaultPipelineConfig returns production defaults.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		GeoTimeout: 2 * time.Second,
		Promotion: PromotionConfig{
			MinSeverity: models.AnomalyHigh,
			Cooldown:    time.Hour,
		},
	}
}

// ScanResult summarizes what one scan produced.
type ScanResult struct {
	EventID string
	// Replay is true when the statistics already held this event.
	Replay     bool
	Assessment *geo.Assessment
	Anomaly    *models.GeographicAnomaly
	// AnomalyCreated is false when the anomaly already existed.
	AnomalyCreated bool
	Alerts         []*models.ScanAlert
	Suppressed     int
	Duplicates     int
	// Indeterminate lists rules skipped for timeouts or failed reads.
	Indeterminate    []*detection.RuleError
	ConfigErrors     []*ConfigurationError
	DeliveryFailures []*DeliveryFailure
}

// Pipeline runs one event through matching, statistics, rules, the
// lifecycle store and the dispatcher.
type Pipeline struct {
	config    ConfigReader
	stats     StatsRecorder
	matcher   *geo.Matcher
	evaluator *detection.Evaluator
	records   RecordStore
	notifier  Notifier
	cfg       PipelineConfig
}

// NewPipeline wires the pipeline stages.
func NewPipeline(config ConfigReader, st StatsRecorder, matcher *geo.Matcher, evaluator *detection.Evaluator,
	records RecordStore, notifier Notifier, cfg PipelineConfig) *Pipeline {
	if cfg.GeoTimeout <= 0 {
		cfg.GeoTimeout = DefaultPipelineConfig().GeoTimeout
	}
	return &Pipeline{
		config:    config,
		stats:     st,
		matcher:   matcher,
		evaluator: evaluator,
		records:   records,
		notifier:  notifier,
		cfg:       cfg,
	}
}

// ProcessScan handles one scan event. The returned error is a
// TransientStoreError when something the caller must retry failed, or
// wraps ErrInvalidEvent for events that can never succeed. Rule,
// region and delivery failures are reported in the result instead.
func (p *Pipeline) ProcessScan(ctx context.Context, e *models.ScanEvent) (*ScanResult, error) {
	if e == nil || e.ID == "" || e.OrganizationID == "" {
		return nil, fmt.Errorf("%w: scan requires id and organization_id", ErrInvalidEvent)
	}
	ctx = logging.ContextWithEvent(ctx, e.ID, e.OrganizationID)
	log := logging.Ctx(ctx)
	res := &ScanResult{EventID: e.ID}

	prefs, err := p.config.Preferences(ctx, e.OrganizationID)
	if err != nil {
		return nil, &TransientStoreError{Op: "load preferences", Err: err}
	}

	// Matching and the statistics update touch disjoint state.
	var (
		assessment *geo.Assessment
		snapshot   *stats.Snapshot
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a, err := p.assess(gctx, e, prefs)
		if err != nil {
			return err
		}
		assessment = a
		return nil
	})
	g.Go(func() error {
		snap, err := p.stats.Record(gctx, e)
		if err != nil {
			return &TransientStoreError{Op: "record statistics", Err: err}
		}
		snapshot = snap
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	res.Replay = snapshot.Duplicate
	res.Assessment = assessment
	if assessment != nil {
		res.ConfigErrors = append(res.ConfigErrors, configurationErrors(nil, assessment.Skipped)...)
	}

	var candidates []*models.AlertCandidate
	if assessment != nil && assessment.Anomalous {
		anomaly, created, err := p.records.CreateAnomaly(ctx, newAnomaly(e, assessment))
		if err != nil {
			return nil, &TransientStoreError{Op: "create anomaly", Err: err}
		}
		res.Anomaly, res.AnomalyCreated = anomaly, created
		if c := p.promote(e, anomaly); c != nil {
			candidates = append(candidates, c)
		}
	}

	rules, err := p.config.EnabledRules(ctx, e.OrganizationID)
	if err != nil {
		return nil, &TransientStoreError{Op: "load rules", Err: err}
	}
	eval, err := p.evaluator.EvaluateScan(ctx, &detection.ScanInput{
		Event:      e,
		Snapshot:   snapshot,
		Prefs:      prefs,
		Assessment: assessment,
	}, rules)
	if err != nil {
		return nil, &TransientStoreError{Op: "evaluate rules", Err: err}
	}
	res.ConfigErrors = append(res.ConfigErrors, configurationErrors(eval.Skipped, nil)...)
	for _, s := range eval.Skipped {
		if !s.IsConfigError() {
			res.Indeterminate = append(res.Indeterminate, s)
		}
	}
	candidates = append(candidates, eval.Candidates...)

	if err := p.persistAndDispatch(ctx, candidates, prefs, res); err != nil {
		return res, err
	}

	log.Debug().
		Bool("replay", res.Replay).
		Bool("anomaly", res.Anomaly != nil).
		Int("alerts", len(res.Alerts)).
		Int("suppressed", res.Suppressed).
		Int("config_errors", len(res.ConfigErrors)).
		Msg("scan processed")
	return res, nil
}

// assess runs the matcher under GeoTimeout. A timeout yields a nil
// assessment; a failed region read is transient.
func (p *Pipeline) assess(ctx context.Context, e *models.ScanEvent, prefs *models.OrganizationAlertPreferences) (*geo.Assessment, error) {
	geoCtx, cancel := context.WithTimeout(ctx, p.cfg.GeoTimeout)
	defer cancel()

	regions, err := p.config.Regions(geoCtx, e.OrganizationID)
	if err == nil {
		var a geo.Assessment
		a, err = p.matcher.Assess(geoCtx, e, regions, prefs.RequireAuthorizedRegions)
		if err == nil {
			metrics.GeoMatches.WithLabelValues(geoResult(&a)).Inc()
			return &a, nil
		}
	}
	if errors.Is(geoCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		metrics.GeoMatches.WithLabelValues("indeterminate").Inc()
		logging.Ctx(ctx).Warn().Dur("timeout", p.cfg.GeoTimeout).Msg("geospatial match timed out; skipping")
		return nil, nil
	}
	return nil, &TransientStoreError{Op: "match regions", Err: err}
}

func geoResult(a *geo.Assessment) string {
	switch {
	case a.UnknownLocation:
		return "unknown_location"
	case a.NoRegions && !a.Anomalous:
		return "no_regions"
	case a.Anomalous:
		return "outside"
	}
	return "inside"
}

func newAnomaly(e *models.ScanEvent, a *geo.Assessment) *models.GeographicAnomaly {
	return &models.GeographicAnomaly{
		OrganizationID: e.OrganizationID,
		ScanEventID:    e.ID,
		DistanceKm:     a.Verdict.NearestDistanceKm,
		Severity:       a.Severity,
		Latitude:       e.Latitude,
		Longitude:      e.Longitude,
		Country:        e.Country,
	}
}

// promote builds the alert candidate for an anomaly at or above the
// promotion threshold.
func (p *Pipeline) promote(e *models.ScanEvent, a *models.GeographicAnomaly) *models.AlertCandidate {
	threshold := p.cfg.Promotion.MinSeverity
	if !threshold.Valid() || a.Severity.Rank() < threshold.Rank() {
		return nil
	}
	severity := models.SeverityWarning
	if a.Severity == models.AnomalyCritical {
		severity = models.SeverityCritical
	}

	target := "organization"
	switch {
	case e.BatchID != nil && *e.BatchID != "":
		target = "batch:" + *e.BatchID
	case e.ProductID != nil && *e.ProductID != "":
		target = "product:" + *e.ProductID
	}

	where := "an unknown location"
	if e.Latitude != nil && e.Longitude != nil {
		where = fmt.Sprintf("%.4f, %.4f", *e.Latitude, *e.Longitude)
	}
	body := fmt.Sprintf("Scan at %s is outside every authorized region", where)
	if a.DistanceKm != nil {
		body = fmt.Sprintf("Scan at %s is %.1f km outside the nearest authorized region", where, *a.DistanceKm)
	}

	metadata := map[string]interface{}{
		"anomaly_id":       a.ID,
		"anomaly_severity": string(a.Severity),
		"scan_event":       e.ID,
		"target":           target,
		"country":          models.StringValue(e.Country),
	}
	if a.DistanceKm != nil {
		metadata["distance_km"] = *a.DistanceKm
	}

	return &models.AlertCandidate{
		OrganizationID:  e.OrganizationID,
		RuleKey:         AlertTypeGeographicAnomaly,
		TargetKey:       target,
		SourceEventID:   e.ID,
		AlertType:       AlertTypeGeographicAnomaly,
		Severity:        severity,
		BatchID:         e.BatchID,
		ProductID:       e.ProductID,
		ScanEventID:     models.StringPtr(e.ID),
		Title:           fmt.Sprintf("Scan outside authorized regions (%s)", a.Severity),
		Body:            body,
		Metadata:        metadata,
		CooldownMinutes: int(p.cfg.Promotion.Cooldown / time.Minute),
	}
}

// persistAndDispatch offers every candidate to the store independently.
// A store failure for one candidate does not stop the others; the first
// such failure is returned once all were tried so the event is retried,
// and the dedup key keeps already persisted alerts from duplicating.
func (p *Pipeline) persistAndDispatch(ctx context.Context, candidates []*models.AlertCandidate, prefs *models.OrganizationAlertPreferences, res *ScanResult) error {
	log := logging.Ctx(ctx)
	var firstErr error
	for _, c := range candidates {
		out, err := p.records.CreateAlert(ctx, c)
		if err != nil {
			log.Error().Err(err).Str("alert_type", c.AlertType).Str("target", c.TargetKey).Msg("failed to persist alert")
			if firstErr == nil {
				firstErr = &TransientStoreError{Op: "create alert", Err: err}
			}
			continue
		}
		switch out.Outcome {
		case lifecycle.OutcomeSuppressed:
			res.Suppressed++
			continue
		case lifecycle.OutcomeDuplicate:
			res.Duplicates++
			continue
		}

		res.Alerts = append(res.Alerts, out.Alert)
		report, err := p.notifier.Dispatch(ctx, out.Alert, c.Rule, prefs)
		if err != nil {
			// The alert stands; notification shows as pending in the ledger.
			log.Error().Err(err).Str("alert_id", out.Alert.ID).Msg("dispatch failed")
			continue
		}
		if df := newDeliveryFailure(out.Alert.ID, report); df != nil {
			log.Warn().Err(df).Msg("some deliveries failed")
			res.DeliveryFailures = append(res.DeliveryFailures, df)
		}
	}
	return firstErr
}

// ReviewResult summarizes what one review produced.
type ReviewResult struct {
	EventID          string
	Alerts           []*models.ScanAlert
	Suppressed       int
	Duplicates       int
	ConfigErrors     []*ConfigurationError
	DeliveryFailures []*DeliveryFailure
}

// ProcessReview evaluates negative_review rules against a review.
func (p *Pipeline) ProcessReview(ctx context.Context, r *models.ReviewEvent) (*ReviewResult, error) {
	if r == nil || r.ID == "" || r.OrganizationID == "" {
		return nil, fmt.Errorf("%w: review requires id and organization_id", ErrInvalidEvent)
	}
	ctx = logging.ContextWithEvent(ctx, r.ID, r.OrganizationID)

	prefs, err := p.config.Preferences(ctx, r.OrganizationID)
	if err != nil {
		return nil, &TransientStoreError{Op: "load preferences", Err: err}
	}
	rules, err := p.config.EnabledRules(ctx, r.OrganizationID)
	if err != nil {
		return nil, &TransientStoreError{Op: "load rules", Err: err}
	}
	eval := p.evaluator.EvaluateReview(ctx, r, rules)

	sr := &ScanResult{EventID: r.ID}
	err = p.persistAndDispatch(ctx, eval.Candidates, prefs, sr)
	return &ReviewResult{
		EventID:          r.ID,
		Alerts:           sr.Alerts,
		Suppressed:       sr.Suppressed,
		Duplicates:       sr.Duplicates,
		ConfigErrors:     configurationErrors(eval.Skipped, nil),
		DeliveryFailures: sr.DeliveryFailures,
	}, err
}
