// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

// Package metrics registers the Prometheus instruments shared across the
// engine. Collectors are package globals registered with promauto on the
// default registry; the API serves them on /metrics.
package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Database Metrics
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "duckdb_query_duration_seconds",
			Help:    "Duration of DuckDB operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "table"},
	)

	DBQueryErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "duckdb_query_errors_total",
			Help: "Total number of failed DuckDB operations",
		},
		[]string{"operation", "table", "error_type"},
	)

	// Pipeline Metrics
	EventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scansentry_events_processed_total",
			Help: "Total number of ingested events by kind and outcome",
		},
		[]string{"kind", "outcome"}, // kind: scan, review; outcome: ok, duplicate, retried, dead_lettered, rejected
	)

	EventProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scansentry_event_processing_duration_seconds",
			Help:    "End-to-end processing time of one event",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"kind"},
	)

	PipelineQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scansentry_pipeline_queue_depth",
			Help: "Events waiting for a pipeline worker",
		},
	)

	PipelineQueueRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scansentry_pipeline_queue_rejections_total",
			Help: "Events rejected because the pipeline queue was full",
		},
	)

	// Detection Metrics
	RuleEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scansentry_rule_evaluations_total",
			Help: "Rule evaluations by rule type and outcome",
		},
		[]string{"rule_type", "outcome"}, // outcome: fired, not_fired, skipped
	)

	GeoMatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scansentry_geo_matches_total",
			Help: "Geospatial assessments by result",
		},
		[]string{"result"}, // inside, outside, unknown_location, no_regions, indeterminate
	)

	// Lifecycle Metrics
	AnomaliesCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scansentry_anomalies_created_total",
			Help: "Geographic anomalies created by severity",
		},
		[]string{"severity"},
	)

	AlertsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scansentry_alerts_created_total",
			Help: "Alerts created by type and severity",
		},
		[]string{"alert_type", "severity"},
	)

	AlertsSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scansentry_alerts_suppressed_total",
			Help: "Alert candidates suppressed by cooldown or replay",
		},
		[]string{"alert_type", "reason"}, // reason: cooldown, duplicate
	)

	AlertTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scansentry_record_transitions_total",
			Help: "Moderator and scheduler state transitions",
		},
		[]string{"record", "to_status"},
	)

	// Notification Metrics
	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scansentry_notifications_total",
			Help: "Channel hand-offs by channel and status",
		},
		[]string{"channel", "status"}, // status: sent, failed
	)

	NotificationsDeferred = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scansentry_notifications_deferred_total",
			Help: "Alerts deferred to a digest by quiet hours",
		},
	)

	DigestsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "scansentry_digests_sent_total",
			Help: "Digest notifications sent",
		},
	)

	// Escalation Metrics
	Escalations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scansentry_escalations_total",
			Help: "Alert escalations by level",
		},
		[]string{"level"},
	)

	EscalationSweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scansentry_escalation_sweep_duration_seconds",
			Help:    "Duration of one escalation sweep",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Circuit Breaker Metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_state_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from_state", "to_state"},
	)

	// Dead Letter Metrics
	DLQMessagesAdded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dlq_messages_added_total",
			Help: "Total number of events added to the dead letter table",
		},
	)

	DLQRetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlq_retry_attempts_total",
			Help: "Dead letter reprocess attempts by result",
		},
		[]string{"result"},
	)

	// API Metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint"},
	)

	APIActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "api_active_requests",
			Help: "Current number of active API requests",
		},
	)

	// Maintenance Metrics
	RetentionRowsDeleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scansentry_retention_rows_deleted_total",
			Help: "Rows removed by the retention job",
		},
		[]string{"table"},
	)

	AppInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "scansentry_info",
			Help: "Build information",
		},
		[]string{"version"},
	)
)

// RecordDBQuery records one database operation and its outcome.
func RecordDBQuery(operation, table string, duration time.Duration, err error) {
	DBQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
	if err != nil {
		DBQueryErrors.WithLabelValues(operation, table, classifyError(err)).Inc()
	}
}

// classifyError buckets an error into a low-cardinality label.
func classifyError(err error) string {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "conflict"):
		return "conflict"
	case strings.Contains(msg, "constraint"), strings.Contains(msg, "duplicate key"):
		return "constraint"
	case strings.Contains(msg, "context deadline"), strings.Contains(msg, "timeout"):
		return "timeout"
	case strings.Contains(msg, "context canceled"):
		return "canceled"
	}
	return "other"
}

// RecordEvent records one processed event.
func RecordEvent(kind, outcome string, duration time.Duration) {
	EventsProcessed.WithLabelValues(kind, outcome).Inc()
	EventProcessingDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordNotification records one channel hand-off.
func RecordNotification(channel string, err error) {
	status := "sent"
	if err != nil {
		status = "failed"
	}
	NotificationsSent.WithLabelValues(channel, status).Inc()
}

// RecordAPIRequest records an API request.
func RecordAPIRequest(method, endpoint, statusCode string, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// TrackActiveRequest increments or decrements the active request gauge.
func TrackActiveRequest(inc bool) {
	if inc {
		APIActiveRequests.Inc()
	} else {
		APIActiveRequests.Dec()
	}
}

// RecordBreakerTransition records a circuit breaker state change. States
// map to 0 closed, 1 half-open, 2 open.
func RecordBreakerTransition(name, from, to string) {
	CircuitBreakerTransitions.WithLabelValues(name, from, to).Inc()
	state := 0.0
	switch to {
	case "half-open":
		state = 1
	case "open":
		state = 2
	}
	CircuitBreakerState.WithLabelValues(name).Set(state)
}
