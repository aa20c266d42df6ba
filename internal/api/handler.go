// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

package api

import (
	"context"
	"time"

	"github.com/tomtom215/scansentry/internal/eventprocessor"
	"github.com/tomtom215/scansentry/internal/lifecycle"
	"github.com/tomtom215/scansentry/internal/models"
	"github.com/tomtom215/scansentry/internal/notify"
	"github.com/tomtom215/scansentry/internal/stats"
)

// EventPublisher accepts ingested events for asynchronous processing.
type EventPublisher interface {
	PublishScan(ctx context.Context, e *models.ScanEvent) error
	PublishReview(ctx context.Context, r *models.ReviewEvent) error
}

// LifecycleStore reads and moderates alerts and anomalies.
type LifecycleStore interface {
	GetAlert(ctx context.Context, orgID, id string) (*models.ScanAlert, error)
	ListAlerts(ctx context.Context, f lifecycle.AlertFilter) ([]*models.ScanAlert, int, error)
	Stats(ctx context.Context, orgID string, from, to *time.Time) (*models.ScanAlertStats, error)
	TransitionAlert(ctx context.Context, orgID, id string, to models.AlertStatus, actor, notes string) (*models.ScanAlert, error)
	GetAnomaly(ctx context.Context, orgID, id string) (*models.GeographicAnomaly, error)
	ListAnomalies(ctx context.Context, f lifecycle.AnomalyFilter) ([]*models.GeographicAnomaly, int, error)
	TransitionAnomaly(ctx context.Context, orgID, id string, to models.AnomalyStatus, actor, notes string) (*models.GeographicAnomaly, error)
	ListTransitions(ctx context.Context, recordType, recordID string) ([]*lifecycle.Transition, error)
}

// ConfigStore manages per-organization regions, rules and preferences.
type ConfigStore interface {
	Regions(ctx context.Context, orgID string) ([]models.AuthorizedRegion, error)
	PutRegion(ctx context.Context, r *models.AuthorizedRegion) (*models.AuthorizedRegion, error)
	DeleteRegion(ctx context.Context, orgID, code string) error
	Rules(ctx context.Context, orgID string) ([]*models.ScanAlertRule, error)
	Rule(ctx context.Context, orgID, id string) (*models.ScanAlertRule, error)
	CreateRule(ctx context.Context, r *models.ScanAlertRule) (*models.ScanAlertRule, error)
	UpdateRule(ctx context.Context, r *models.ScanAlertRule) (*models.ScanAlertRule, error)
	DeleteRule(ctx context.Context, orgID, id string) error
	Preferences(ctx context.Context, orgID string) (*models.OrganizationAlertPreferences, error)
	PutPreferences(ctx context.Context, p *models.OrganizationAlertPreferences) (*models.OrganizationAlertPreferences, error)
}

// StatisticsReader serves aggregated scan statistics.
type StatisticsReader interface {
	GetStatistics(ctx context.Context, q stats.Query) ([]*models.ScanStatistics, error)
}

// NotificationStore serves delivery logs and in-app inboxes.
type NotificationStore interface {
	Deliveries(ctx context.Context, orgID, alertID string) ([]*notify.Delivery, error)
	ListNotifications(ctx context.Context, orgID, recipient string, unreadOnly bool, limit int) ([]*notify.InAppNotification, error)
	MarkRead(ctx context.Context, orgID, id string) error
}

// DeadLetterStore lists and replays events that exhausted their retries.
type DeadLetterStore interface {
	List(ctx context.Context, status string, limit int) ([]*eventprocessor.DLQEntry, error)
	Reprocess(ctx context.Context, fn func(ctx context.Context, job eventprocessor.Job) error) (eventprocessor.ReprocessResult, error)
}

// ReadinessCheck reports whether one dependency can serve traffic.
type ReadinessCheck func(ctx context.Context) error

// Dependencies wires the handler to the rest of the engine.
type Dependencies struct {
	Publisher     EventPublisher
	Lifecycle     LifecycleStore
	Config        ConfigStore
	Statistics    StatisticsReader
	Notifications NotificationStore
	DeadLetters   DeadLetterStore
	// Reprocess runs one dead-lettered job through the pipeline.
	Reprocess func(ctx context.Context, job eventprocessor.Job) error
	// Readiness is keyed by component name.
	Readiness map[string]ReadinessCheck
	Version   string
}

// Handler serves the HTTP API.
type Handler struct {
	deps      Dependencies
	startTime time.Time
}

// NewHandler creates a handler over deps.
func NewHandler(deps Dependencies) *Handler {
	return &Handler{deps: deps, startTime: time.Now()}
}
