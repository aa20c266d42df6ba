// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

// Package eventprocessor turns ingested scan and review events into
// anomalies, alerts and notifications.
//
// # Flow
//
//	POST /api/v1/scans ─► Publisher ─► topic scans.ingested
//	                                        │  (gochannel or NATS JetStream)
//	                                        ▼
//	                                Router handler ─► Pool.Submit
//	                                                      │
//	                              ┌───────────────────────┴───────┐
//	                              ▼                               ▼
//	                       geo.Matcher.Assess              stats.Store.Record
//	                              └───────────┬───────────────────┘
//	                                          ▼
//	                          detection.Evaluator (rules, in priority order)
//	                                          ▼
//	                     lifecycle.Store (anomaly, alerts, cooldown claim)
//	                                          ▼
//	                                 notify.Dispatcher
//
// Geospatial matching and the statistics update run concurrently; rules see
// the statistics snapshot produced by this event.
//
// # Failure Handling
//
// Failures are classified as:
//   - ConfigurationError: one rule or region is malformed; it is skipped
//   - TransientStoreError: the database failed or timed out; the event is
//     retried with exponential backoff and dead-lettered when retries run out
//   - DeliveryFailure: a channel adapter failed; the alert stays persisted
//     and the failure is visible in the delivery ledger
//
// Cooldown suppression is an outcome, not an error.
//
// # Transport
//
// The in-process gochannel pub/sub is the default. With nats.enabled the
// router consumes a JetStream stream, optionally served by an embedded
// NATS server.
package eventprocessor
