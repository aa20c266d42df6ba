// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

package detection

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/tomtom215/scansentry/internal/logging"
	"github.com/tomtom215/scansentry/internal/metrics"
	"github.com/tomtom215/scansentry/internal/models"
)

// Config holds evaluator settings.
type Config struct {
	// RuleTimeout bounds each rule's statistics reads. A rule that times out
	// is indeterminate and skipped for the event.
	RuleTimeout time.Duration `koanf:"rule_timeout"`
}

// DefaultConfig returns a two second rule timeout.
func DefaultConfig() Config {
	return Config{RuleTimeout: 2 * time.Second}
}

// RuleError records a rule skipped for one event.
type RuleError struct {
	RuleID   string
	RuleType models.RuleType
	Err      error
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("rule %s (%s): %v", e.RuleID, e.RuleType, e.Err)
}

func (e *RuleError) Unwrap() error { return e.Err }

// IsConfigError reports whether the rule was skipped for a malformed config.
func (e *RuleError) IsConfigError() bool { return errors.Is(e.Err, ErrInvalidConfig) }

// Result is the outcome of evaluating one event.
type Result struct {
	Candidates []*models.AlertCandidate
	// Skipped lists rules that could not be evaluated.
	Skipped []*RuleError
	// Evaluated counts rules that ran to completion.
	Evaluated int
}

// Evaluator runs an organization's rules against events.
type Evaluator struct {
	detectors map[models.RuleType]ScanDetector
	cfg       Config
}

// NewEvaluator creates an evaluator with every built-in scan detector.
func NewEvaluator(st StatsReader, cfg Config) *Evaluator {
	if cfg.RuleTimeout <= 0 {
		cfg.RuleTimeout = DefaultConfig().RuleTimeout
	}
	e := &Evaluator{
		detectors: make(map[models.RuleType]ScanDetector),
		cfg:       cfg,
	}
	e.Register(FirstScanDetector{})
	e.Register(NewScanSpikeDetector(st))
	e.Register(UnusualLocationDetector{})
	e.Register(TimeAnomalyDetector{})
	e.Register(NewCounterfeitPatternDetector(st))
	e.Register(MilestoneDetector{})
	return e
}

// Register installs or replaces the detector for its rule type. Not safe to
// call concurrently with evaluation.
func (e *Evaluator) Register(d ScanDetector) {
	e.detectors[d.Type()] = d
}

// SortRules orders rules by priority descending, then by ID.
func SortRules(rules []*models.ScanAlertRule) []*models.ScanAlertRule {
	out := append([]*models.ScanAlertRule(nil), rules...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// EvaluateScan runs every enabled scan rule independently. A rule with a
// bad config, a failing read or a timeout is skipped and recorded in
// Result.Skipped. The returned error is non-nil only when ctx itself ends.
func (e *Evaluator) EvaluateScan(ctx context.Context, in *ScanInput, rules []*models.ScanAlertRule) (*Result, error) {
	if in.Prefs == nil {
		in.Prefs = models.DefaultPreferences(in.Event.OrganizationID)
	}
	log := logging.Ctx(ctx)
	res := &Result{}

	for _, rule := range SortRules(rules) {
		if !rule.IsEnabled || rule.RuleType == models.RuleNegativeReview {
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}

		candidates, err := e.evaluateRule(ctx, in, rule)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			rerr := &RuleError{RuleID: rule.ID, RuleType: rule.RuleType, Err: err}
			res.Skipped = append(res.Skipped, rerr)
			metrics.RuleEvaluations.WithLabelValues(string(rule.RuleType), "skipped").Inc()
			log.Warn().Err(err).
				Str("rule_id", rule.ID).
				Str("rule_type", string(rule.RuleType)).
				Bool("config_error", rerr.IsConfigError()).
				Msg("rule skipped for event")
			continue
		}

		res.Evaluated++
		outcome := "not_fired"
		if len(candidates) > 0 {
			outcome = "fired"
			res.Candidates = append(res.Candidates, candidates...)
		}
		metrics.RuleEvaluations.WithLabelValues(string(rule.RuleType), outcome).Inc()
	}
	return res, nil
}

func (e *Evaluator) evaluateRule(ctx context.Context, in *ScanInput, rule *models.ScanAlertRule) ([]*models.AlertCandidate, error) {
	d, ok := e.detectors[rule.RuleType]
	if !ok {
		return nil, fmt.Errorf("%w: no detector for rule type %q", ErrInvalidConfig, rule.RuleType)
	}
	cfg, err := ParseRuleConfig(rule.RuleType, rule.Config)
	if err != nil {
		return nil, err
	}

	ruleCtx, cancel := context.WithTimeout(ctx, e.cfg.RuleTimeout)
	defer cancel()
	candidates, err := d.Check(ruleCtx, in, rule, cfg)
	if err != nil {
		if errors.Is(ruleCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("indeterminate after %s: %w", e.cfg.RuleTimeout, err)
		}
		return nil, err
	}
	return candidates, nil
}

// EvaluateReview runs every enabled negative_review rule against a review.
func (e *Evaluator) EvaluateReview(ctx context.Context, r *models.ReviewEvent, rules []*models.ScanAlertRule) *Result {
	log := logging.Ctx(ctx)
	res := &Result{}
	for _, rule := range SortRules(rules) {
		if !rule.IsEnabled || rule.RuleType != models.RuleNegativeReview {
			continue
		}
		cfg, err := ParseRuleConfig(rule.RuleType, rule.Config)
		if err != nil {
			res.Skipped = append(res.Skipped, &RuleError{RuleID: rule.ID, RuleType: rule.RuleType, Err: err})
			metrics.RuleEvaluations.WithLabelValues(string(rule.RuleType), "skipped").Inc()
			log.Warn().Err(err).Str("rule_id", rule.ID).Msg("review rule skipped")
			continue
		}
		res.Evaluated++
		if cand := CheckNegativeReview(r, rule, cfg.(*NegativeReviewConfig)); cand != nil {
			res.Candidates = append(res.Candidates, cand)
			metrics.RuleEvaluations.WithLabelValues(string(rule.RuleType), "fired").Inc()
			continue
		}
		metrics.RuleEvaluations.WithLabelValues(string(rule.RuleType), "not_fired").Inc()
	}
	return res
}
