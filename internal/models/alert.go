// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

package models

import (
	"time"

	"github.com/goccy/go-json"
)

// AnomalySeverity grades a geographic anomaly by distance from the nearest
// authorized region.
type AnomalySeverity string

const (
	AnomalyLow      AnomalySeverity = "low"
	AnomalyMedium   AnomalySeverity = "medium"
	AnomalyHigh     AnomalySeverity = "high"
	AnomalyCritical AnomalySeverity = "critical"
)

// Rank orders anomaly severities from 1 (low) to 4 (critical); 0 if unknown.
func (s AnomalySeverity) Rank() int {
	switch s {
	case AnomalyLow:
		return 1
	case AnomalyMedium:
		return 2
	case AnomalyHigh:
		return 3
	case AnomalyCritical:
		return 4
	}
	return 0
}

// Valid reports whether s is a known anomaly severity.
func (s AnomalySeverity) Valid() bool { return s.Rank() > 0 }

// AnomalyStatus is the moderation state of a GeographicAnomaly.
type AnomalyStatus string

const (
	AnomalyNew           AnomalyStatus = "new"
	AnomalyUnderReview   AnomalyStatus = "under_review"
	AnomalyConfirmed     AnomalyStatus = "confirmed"
	AnomalyFalsePositive AnomalyStatus = "false_positive"
	AnomalyResolved      AnomalyStatus = "resolved"
)

// GeographicAnomaly records a scan that fell outside every authorized region.
// DistanceKm is nil when the organization has no regions configured.
// Anomalies are never deleted.
type GeographicAnomaly struct {
	ID             string          `json:"id"`
	OrganizationID string          `json:"organization_id"`
	ScanEventID    string          `json:"scan_event_id"`
	DistanceKm     *float64        `json:"distance_km"`
	Severity       AnomalySeverity `json:"severity"`
	Status         AnomalyStatus   `json:"status"`
	InvestigatedBy *string         `json:"investigated_by,omitempty"`
	InvestigatedAt *time.Time      `json:"investigated_at,omitempty"`
	Notes          *string         `json:"notes,omitempty"`
	Latitude       *float64        `json:"latitude,omitempty"`
	Longitude      *float64        `json:"longitude,omitempty"`
	Country        *string         `json:"country,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// AlertSeverity is the urgency of a ScanAlert.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// Valid reports whether s is a known alert severity.
func (s AlertSeverity) Valid() bool {
	return s == SeverityInfo || s == SeverityWarning || s == SeverityCritical
}

// Raise returns the next severity tier, capped at critical.
func (s AlertSeverity) Raise(steps int) AlertSeverity {
	order := []AlertSeverity{SeverityInfo, SeverityWarning, SeverityCritical}
	idx := 0
	for i, v := range order {
		if v == s {
			idx = i
		}
	}
	idx += steps
	if idx >= len(order) {
		idx = len(order) - 1
	}
	if idx < 0 {
		idx = 0
	}
	return order[idx]
}

// AlertStatus is the lifecycle state of a ScanAlert.
type AlertStatus string

const (
	AlertNew           AlertStatus = "new"
	AlertAcknowledged  AlertStatus = "acknowledged"
	AlertInvestigating AlertStatus = "investigating"
	AlertResolved      AlertStatus = "resolved"
	AlertDismissed     AlertStatus = "dismissed"
)

// Terminal reports whether no further transition is allowed out of s.
func (s AlertStatus) Terminal() bool {
	return s == AlertResolved || s == AlertDismissed
}

// AlertTypeGeographicAnomaly is the alert_type of alerts promoted from anomalies.
const AlertTypeGeographicAnomaly = "geographic_anomaly"

// ScanAlert is a persisted rule firing.
//
// Dismissed alerts reuse the Resolved* fields for the closing actor, time and
// notes; Status tells the two outcomes apart. RepeatCount counts candidates
// suppressed by this alert's cooldown slot.
type ScanAlert struct {
	ID              string                 `json:"id"`
	OrganizationID  string                 `json:"organization_id"`
	RuleID          *string                `json:"rule_id,omitempty"`
	AlertType       string                 `json:"alert_type"`
	Severity        AlertSeverity          `json:"severity"`
	BatchID         *string                `json:"batch_id,omitempty"`
	ProductID       *string                `json:"product_id,omitempty"`
	ScanEventID     *string                `json:"scan_event_id,omitempty"`
	Title           string                 `json:"title"`
	Body            string                 `json:"body"`
	Metadata        map[string]interface{} `json:"metadata,omitempty"`
	Status          AlertStatus            `json:"status"`
	AcknowledgedAt  *time.Time             `json:"acknowledged_at,omitempty"`
	AcknowledgedBy  *string                `json:"acknowledged_by,omitempty"`
	ResolvedAt      *time.Time             `json:"resolved_at,omitempty"`
	ResolvedBy      *string                `json:"resolved_by,omitempty"`
	ResolutionNotes *string                `json:"resolution_notes,omitempty"`
	IsEscalated     bool                   `json:"is_escalated"`
	EscalatedAt     *time.Time             `json:"escalated_at,omitempty"`
	EscalationLevel int                    `json:"escalation_level"`
	RepeatCount     int                    `json:"repeat_count"`
	LastSeenAt      *time.Time             `json:"last_seen_at,omitempty"`
	CreatedAt       time.Time              `json:"created_at"`
}

// RuleType names a ScanAlertRule variant.
type RuleType string

const (
	RuleFirstScan          RuleType = "first_scan"
	RuleScanSpike          RuleType = "scan_spike"
	RuleUnusualLocation    RuleType = "unusual_location"
	RuleTimeAnomaly        RuleType = "time_anomaly"
	RuleCounterfeitPattern RuleType = "counterfeit_pattern"
	RuleMilestone          RuleType = "milestone"
	RuleNegativeReview     RuleType = "negative_review"
)

// AllRuleTypes lists every supported rule type.
var AllRuleTypes = []RuleType{
	RuleFirstScan,
	RuleScanSpike,
	RuleUnusualLocation,
	RuleTimeAnomaly,
	RuleCounterfeitPattern,
	RuleMilestone,
	RuleNegativeReview,
}

// Valid reports whether t is a known rule type.
func (t RuleType) Valid() bool {
	for _, rt := range AllRuleTypes {
		if rt == t {
			return true
		}
	}
	return false
}

// ScanAlertRule is an organization-defined alerting rule. Config is the
// variant payload for RuleType, validated when the rule is written.
type ScanAlertRule struct {
	ID                   string          `json:"id"`
	OrganizationID       string          `json:"organization_id"`
	RuleType             RuleType        `json:"rule_type"`
	Name                 string          `json:"name"`
	IsEnabled            bool            `json:"is_enabled"`
	Priority             int             `json:"priority"`
	Config               json.RawMessage `json:"config"`
	Channels             []string        `json:"channels"`
	CooldownMinutes      int             `json:"cooldown_minutes"`
	EscalateAfterMinutes *int            `json:"escalate_after_minutes,omitempty"`
	EscalateToUserIDs    []string        `json:"escalate_to_user_ids,omitempty"`
	Severity             *AlertSeverity  `json:"severity,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// OrganizationAlertPreferences holds per-organization delivery policy.
// QuietHoursStart/End and DigestTime are "HH:MM" in QuietHoursTimezone.
type OrganizationAlertPreferences struct {
	OrganizationID           string    `json:"organization_id"`
	AlertsEnabled            bool      `json:"alerts_enabled"`
	QuietHoursStart          *string   `json:"quiet_hours_start,omitempty"`
	QuietHoursEnd            *string   `json:"quiet_hours_end,omitempty"`
	QuietHoursTimezone       *string   `json:"quiet_hours_timezone,omitempty"`
	DefaultChannels          []string  `json:"default_channels"`
	AutoEscalateCritical     bool      `json:"auto_escalate_critical"`
	EscalationDelayMinutes   int       `json:"escalation_delay_minutes"`
	SendDailyDigest          bool      `json:"send_daily_digest"`
	DigestTime               *string   `json:"digest_time,omitempty"`
	ScanSpikeThreshold       float64   `json:"scan_spike_threshold"`
	ScanSpikeWindowMinutes   int       `json:"scan_spike_window_minutes"`
	RequireAuthorizedRegions bool      `json:"require_authorized_regions"`
	UpdatedAt                time.Time `json:"updated_at"`
}

// DefaultPreferences is used for organizations that never saved preferences.
func DefaultPreferences(orgID string) *OrganizationAlertPreferences {
	return &OrganizationAlertPreferences{
		OrganizationID:         orgID,
		AlertsEnabled:          true,
		DefaultChannels:        []string{"in_app"},
		AutoEscalateCritical:   true,
		EscalationDelayMinutes: 60,
		ScanSpikeThreshold:     3.0,
		ScanSpikeWindowMinutes: 60,
	}
}

// Location returns the preference timezone, falling back to UTC.
func (p *OrganizationAlertPreferences) Location() *time.Location {
	if p == nil || p.QuietHoursTimezone == nil || *p.QuietHoursTimezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(*p.QuietHoursTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ScanAlertStats aggregates alerts for dashboards.
type ScanAlertStats struct {
	Total                    int                   `json:"total"`
	ByStatus                 map[AlertStatus]int   `json:"by_status"`
	BySeverity               map[AlertSeverity]int `json:"by_severity"`
	Unacknowledged           int                   `json:"unacknowledged"`
	Escalated                int                   `json:"escalated"`
	AvgResolutionTimeSeconds *float64              `json:"avg_resolution_time_seconds"`
}
