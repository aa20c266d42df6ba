// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

// Package detection is the rule evaluator. Each rule_type has a detector
// that turns one event plus its statistics context into zero or more alert
// candidates; the Evaluator runs every enabled rule of an organization
// independently so one failing rule never hides another's result.
package detection

import (
	"context"
	"fmt"
	"time"

	"github.com/tomtom215/scansentry/internal/geo"
	"github.com/tomtom215/scansentry/internal/models"
	"github.com/tomtom215/scansentry/internal/stats"
)

// StatsReader is the statistics surface detectors read.
type StatsReader interface {
	WindowCount(ctx context.Context, orgID string, scope stats.Scope, to time.Time, window time.Duration) (int64, error)
	BaselinePerHour(ctx context.Context, orgID string, scope stats.Scope, before time.Time) (float64, error)
	BatchHourActivity(ctx context.Context, orgID, batchID string, at time.Time) (stats.HourActivity, error)
}

// ScanInput is everything known about one scan when rules run.
type ScanInput struct {
	Event    *models.ScanEvent
	Snapshot *stats.Snapshot
	Prefs    *models.OrganizationAlertPreferences
	// Assessment is the geospatial verdict; nil if matching was skipped.
	Assessment *geo.Assessment
}

// ScanDetector evaluates one rule variant against a scan.
type ScanDetector interface {
	Type() models.RuleType
	Check(ctx context.Context, in *ScanInput, rule *models.ScanAlertRule, cfg RuleConfig) ([]*models.AlertCandidate, error)
}

// target is a resolved rule scope.
type target struct {
	kind string
	id   string
}

func (t target) key() string {
	if t.kind == ScopeOrganization {
		return ScopeOrganization
	}
	return t.kind + ":" + t.id
}

func (t target) label() string {
	if t.kind == ScopeOrganization {
		return "organization"
	}
	return fmt.Sprintf("%s %s", t.kind, t.id)
}

func (t target) statsScope() stats.Scope {
	switch t.kind {
	case ScopeProduct:
		return stats.ProductScope(t.id)
	case ScopeBatch:
		return stats.BatchScope(t.id)
	}
	return stats.OrgScope
}

// resolveTarget picks the configured scope when the event carries it,
// otherwise the first available of prefer, falling back to the organization.
// ok is false when a configured scope is absent from the event.
func resolveTarget(e *models.ScanEvent, configured string, prefer ...string) (target, bool) {
	batch := models.StringValue(e.BatchID)
	product := models.StringValue(e.ProductID)
	pick := func(kind string) (target, bool) {
		switch kind {
		case ScopeBatch:
			return target{ScopeBatch, batch}, batch != ""
		case ScopeProduct:
			return target{ScopeProduct, product}, product != ""
		}
		return target{kind: ScopeOrganization}, true
	}

	if configured != "" {
		return pick(configured)
	}
	for _, kind := range prefer {
		if t, ok := pick(kind); ok {
			return t, true
		}
	}
	return target{kind: ScopeOrganization}, true
}

// newCandidate fills the fields every scan-triggered candidate shares.
func newCandidate(in *ScanInput, rule *models.ScanAlertRule, t target) *models.AlertCandidate {
	e := in.Event
	severity := DefaultSeverity(rule.RuleType)
	if rule.Severity != nil {
		severity = *rule.Severity
	}
	return &models.AlertCandidate{
		OrganizationID:  e.OrganizationID,
		Rule:            rule,
		RuleKey:         rule.ID,
		TargetKey:       t.key(),
		SourceEventID:   e.ID,
		AlertType:       string(rule.RuleType),
		Severity:        severity,
		BatchID:         e.BatchID,
		ProductID:       e.ProductID,
		ScanEventID:     models.StringPtr(e.ID),
		CooldownMinutes: rule.CooldownMinutes,
		Metadata: map[string]interface{}{
			"rule_id":       rule.ID,
			"rule_name":     rule.Name,
			"target":        t.key(),
			"scan_event":    e.ID,
			"occurred_at":   e.OccurredAt.UTC(),
			"country":       models.StringValue(e.Country),
			"city":          models.StringValue(e.City),
			"is_suspicious": e.IsSuspicious,
		},
	}
}

func totalsFor(snap *stats.Snapshot, kind string) *stats.Totals {
	if snap == nil {
		return nil
	}
	switch kind {
	case ScopeBatch:
		return snap.Batch
	case ScopeProduct:
		return snap.Product
	}
	return &snap.Org
}
