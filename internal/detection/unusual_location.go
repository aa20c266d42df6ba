// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

package detection

import (
	"context"
	"fmt"
	"strings"

	"github.com/tomtom215/scansentry/internal/models"
)

// UnusualLocationDetector fires when a scan's country is outside the
// expected list. Scans without a country are skipped.
type UnusualLocationDetector struct{}

// Type returns the rule type.
func (UnusualLocationDetector) Type() models.RuleType { return models.RuleUnusualLocation }

// Check evaluates the scan country. Each unexpected country is its own
// cooldown target.
func (UnusualLocationDetector) Check(_ context.Context, in *ScanInput, rule *models.ScanAlertRule, cfg RuleConfig) ([]*models.AlertCandidate, error) {
	c := cfg.(*UnusualLocationConfig)
	if !c.AlertOnNewCountry {
		return nil, nil
	}
	country := strings.ToUpper(strings.TrimSpace(models.StringValue(in.Event.Country)))
	if country == "" || c.expects(country) {
		return nil, nil
	}
	t, ok := resolveTarget(in.Event, c.Scope, ScopeProduct, ScopeBatch)
	if !ok {
		return nil, nil
	}

	cand := newCandidate(in, rule, t)
	cand.TargetKey = t.key() + ":" + country
	cand.Title = fmt.Sprintf("Scan from unexpected country %s", country)
	where := country
	if city := models.StringValue(in.Event.City); city != "" {
		where = city + ", " + country
	}
	cand.Body = fmt.Sprintf("%s was scanned in %s, outside the expected countries.", t.label(), where)
	cand.Metadata["expected_countries"] = c.ExpectedCountries
	return []*models.AlertCandidate{cand}, nil
}
