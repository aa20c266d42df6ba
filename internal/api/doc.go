// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

/*
Package api exposes ScanSentry over HTTP using the chi router.

Endpoint groups:

  - /healthz/live, /healthz/ready: liveness and readiness probes
  - /metrics: Prometheus exposition
  - /api/v1/scans, /api/v1/reviews: event ingestion (202 Accepted, processed
    asynchronously through the event pipeline)
  - /api/v1/orgs/{orgID}/...: alerts, anomalies, statistics, regions, rules,
    preferences and in-app notifications of one organization
  - /api/v1/dead-letters: inspection and reprocessing of failed events

Every response uses the models.APIResponse envelope. Store errors map to
status codes in one place (respondStoreError): not found is 404, invalid
configuration and validation failures are 400, rejected lifecycle
transitions are 409, and a full pipeline queue is 503.
*/
package api
