// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

/*
Package services adapts ScanSentry components to suture.Service.

  - HTTPServerService: *http.Server with graceful Shutdown
  - RunnerService: anything with RunWithContext(ctx) error, such as the
    pipeline pool, the ingestion router, the escalation scheduler, the
    digest sweeper and the retention job
  - EmbeddedNATSService: keeps the embedded NATS server alive for the
    lifetime of the tree and shuts it down last

Every wrapper implements fmt.Stringer so suture events name the service.
*/
package services
