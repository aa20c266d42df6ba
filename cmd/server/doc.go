// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

/*
Package main is the entry point for the ScanSentry server.

ScanSentry ingests QR scan and review events, keeps rolling scan
statistics, matches scan locations against authorized regions, evaluates
per-organization alert rules, and dispatches and escalates the resulting
alerts.

# Application Architecture

	RootSupervisor ("scansentry")
	├── DataSupervisor ("data-layer")
	│   ├── nats-server (embedded JetStream, optional)
	│   └── retention (cron)
	├── ProcessingSupervisor ("processing-layer")
	│   ├── pipeline-pool
	│   ├── ingestion-router
	│   ├── escalation-scheduler
	│   └── digest-sweeper
	└── APISupervisor ("api-layer")
	    └── http-server

Initialization order:

 1. Configuration: koanf v2 (defaults, config.yaml, environment)
 2. Logging: zerolog, JSON or console
 3. Database: DuckDB file with every store's schema
 4. Stores: statistics, organization config, lifecycle, notifications, dead letters
 5. Matching and rules: geo matcher and rule evaluator
 6. Dispatcher: in-app inbox plus the enabled push, email and bot channels
 7. Pipeline pool and ingestion transport (in-process, or NATS JetStream)
 8. HTTP API (chi)
 9. Supervisor tree

# Ingestion Transport

By default events travel over an in-process Watermill channel. With
NATS_ENABLED=true they are published to a JetStream stream; with
NATS_EMBEDDED=true (the default when enabled) the server starts its own
NATS server.

# Signal Handling

SIGINT and SIGTERM cancel the root context. The HTTP server drains
in-flight requests, the router stops consuming, the pool finishes running
events, and the database is checkpointed and closed.

# Example Usage

	export DUCKDB_PATH=/var/lib/scansentry/scansentry.duckdb
	export SMTP_ENABLED=true SMTP_HOST=smtp.example.com SMTP_FROM=alerts@example.com
	export BOT_ENABLED=true BOT_URLS=slack://token-a/token-b/token-c
	./scansentry
*/
package main
