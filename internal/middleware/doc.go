// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

/*
Package middleware provides chi-compatible HTTP middleware shared by the
ScanSentry API.

Key Components:

  - RequestID: X-Request-ID propagation plus request/correlation IDs in the
    logging context
  - PrometheusMetrics: request count, latency and in-flight gauges keyed by
    the chi route pattern, so path parameters do not explode label
    cardinality
  - AccessLog: one structured zerolog line per request

Middleware Stack:

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.AccessLog)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.PrometheusMetrics)
*/
package middleware
