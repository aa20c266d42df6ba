// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

package detection

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/tomtom215/scansentry/internal/models"
	"github.com/tomtom215/scansentry/internal/validation"
)

// ErrInvalidConfig is wrapped by every rule config parse or validation failure.
var ErrInvalidConfig = errors.New("invalid rule config")

// RuleConfig is the typed payload of one rule variant.
type RuleConfig interface {
	RuleType() models.RuleType
}

// Scope names which cumulative counter or target a rule applies to.
const (
	ScopeOrganization = "organization"
	ScopeProduct      = "product"
	ScopeBatch        = "batch"
)

// FirstScanConfig configures first_scan.
type FirstScanConfig struct {
	// NotifyForEachBatch fires on the first scan of every batch. When false,
	// only the first scan of the product (or organization) fires.
	NotifyForEachBatch bool `json:"notify_for_each_batch"`
}

func (FirstScanConfig) RuleType() models.RuleType { return models.RuleFirstScan }

// ScanSpikeConfig configures scan_spike. Zero multiplier or window fall back
// to the organization's spike preferences.
type ScanSpikeConfig struct {
	ThresholdMultiplier float64 `json:"threshold_multiplier" validate:"gte=0"`
	MinScans            int64   `json:"min_scans" validate:"gte=0"`
	WindowMinutes       int     `json:"window_minutes" validate:"gte=0,lte=10080"`
	Scope               string  `json:"scope,omitempty" validate:"omitempty,oneof=organization product batch"`
}

func (ScanSpikeConfig) RuleType() models.RuleType { return models.RuleScanSpike }

// UnusualLocationConfig configures unusual_location.
type UnusualLocationConfig struct {
	ExpectedCountries []string `json:"expected_countries" validate:"dive,required"`
	AlertOnNewCountry bool     `json:"alert_on_new_country"`
	Scope             string   `json:"scope,omitempty" validate:"omitempty,oneof=organization product batch"`
}

func (UnusualLocationConfig) RuleType() models.RuleType { return models.RuleUnusualLocation }

// expects reports whether country is in the expected list, ignoring case.
func (c UnusualLocationConfig) expects(country string) bool {
	for _, e := range c.ExpectedCountries {
		if strings.EqualFold(e, country) {
			return true
		}
	}
	return false
}

// TimeAnomalyConfig configures time_anomaly. The expected window is
// inclusive and wraps midnight when start > end.
type TimeAnomalyConfig struct {
	ExpectedHoursStart int    `json:"expected_hours_start" validate:"gte=0,lte=23"`
	ExpectedHoursEnd   int    `json:"expected_hours_end" validate:"gte=0,lte=23"`
	Timezone           string `json:"timezone,omitempty" validate:"omitempty,timezone"`
	Scope              string `json:"scope,omitempty" validate:"omitempty,oneof=organization product batch"`
}

func (TimeAnomalyConfig) RuleType() models.RuleType { return models.RuleTimeAnomaly }

// expected reports whether hour falls inside the expected window.
func (c TimeAnomalyConfig) expected(hour int) bool {
	if c.ExpectedHoursStart <= c.ExpectedHoursEnd {
		return hour >= c.ExpectedHoursStart && hour <= c.ExpectedHoursEnd
	}
	return hour >= c.ExpectedHoursStart || hour <= c.ExpectedHoursEnd
}

// CounterfeitPatternConfig configures counterfeit_pattern.
type CounterfeitPatternConfig struct {
	MaxScansPerHour           int64 `json:"max_scans_per_hour" validate:"gt=0"`
	GeographicSpreadThreshold int64 `json:"geographic_spread_threshold" validate:"gt=0"`
}

func (CounterfeitPatternConfig) RuleType() models.RuleType { return models.RuleCounterfeitPattern }

// MilestoneConfig configures milestone.
type MilestoneConfig struct {
	Milestones []int64 `json:"milestones" validate:"min=1,dive,gt=0"`
	Scope      string  `json:"scope,omitempty" validate:"omitempty,oneof=organization product batch"`
}

func (MilestoneConfig) RuleType() models.RuleType { return models.RuleMilestone }

// NegativeReviewConfig configures negative_review.
type NegativeReviewConfig struct {
	MinRatingThreshold int  `json:"min_rating_threshold" validate:"gte=1,lte=5"`
	IncludeNoText      bool `json:"include_no_text"`
}

func (NegativeReviewConfig) RuleType() models.RuleType { return models.RuleNegativeReview }

// defaultConfig returns the variant for ruleType with its defaults applied,
// ready to be overlaid by the stored JSON.
func defaultConfig(ruleType models.RuleType) (RuleConfig, error) {
	switch ruleType {
	case models.RuleFirstScan:
		return &FirstScanConfig{NotifyForEachBatch: true}, nil
	case models.RuleScanSpike:
		return &ScanSpikeConfig{MinScans: 10}, nil
	case models.RuleUnusualLocation:
		return &UnusualLocationConfig{AlertOnNewCountry: true}, nil
	case models.RuleTimeAnomaly:
		return &TimeAnomalyConfig{ExpectedHoursStart: 6, ExpectedHoursEnd: 22}, nil
	case models.RuleCounterfeitPattern:
		return &CounterfeitPatternConfig{MaxScansPerHour: 100, GeographicSpreadThreshold: 5}, nil
	case models.RuleMilestone:
		return &MilestoneConfig{}, nil
	case models.RuleNegativeReview:
		return &NegativeReviewConfig{MinRatingThreshold: 2}, nil
	}
	return nil, fmt.Errorf("%w: unknown rule type %q", ErrInvalidConfig, ruleType)
}

// ParseRuleConfig decodes and validates the config payload for ruleType.
// An empty payload yields the variant defaults. Unknown fields are rejected
// so typos surface when the rule is written.
func ParseRuleConfig(ruleType models.RuleType, raw json.RawMessage) (RuleConfig, error) {
	cfg, err := defaultConfig(ruleType)
	if err != nil {
		return nil, err
	}

	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, ruleType, err)
		}
	}

	if err := validation.Validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidConfig, ruleType, err)
	}
	return cfg, nil
}

// DefaultSeverity is the alert severity of ruleType when the rule does not
// override it.
func DefaultSeverity(ruleType models.RuleType) models.AlertSeverity {
	switch ruleType {
	case models.RuleFirstScan, models.RuleMilestone:
		return models.SeverityInfo
	case models.RuleCounterfeitPattern:
		return models.SeverityCritical
	}
	return models.SeverityWarning
}

// ValidateRule checks a rule before it is stored.
func ValidateRule(rule *models.ScanAlertRule) error {
	if !rule.RuleType.Valid() {
		return fmt.Errorf("%w: unknown rule type %q", ErrInvalidConfig, rule.RuleType)
	}
	if rule.Severity != nil && !rule.Severity.Valid() {
		return fmt.Errorf("%w: unknown severity %q", ErrInvalidConfig, *rule.Severity)
	}
	if rule.CooldownMinutes < 0 {
		return fmt.Errorf("%w: cooldown_minutes must not be negative", ErrInvalidConfig)
	}
	if rule.EscalateAfterMinutes != nil && *rule.EscalateAfterMinutes <= 0 {
		return fmt.Errorf("%w: escalate_after_minutes must be positive", ErrInvalidConfig)
	}
	for _, ch := range rule.Channels {
		if !validation.IsChannel(ch) {
			return fmt.Errorf("%w: unknown channel %q", ErrInvalidConfig, ch)
		}
	}
	_, err := ParseRuleConfig(rule.RuleType, rule.Config)
	return err
}
