// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

/*
Package config loads the ScanSentry configuration.

Configuration is layered with koanf v2. Each layer overrides the previous:

 1. Built-in defaults (defaultConfig)
 2. An optional YAML file: $CONFIG_PATH, ./config.yaml, ./config.yml,
    /etc/scansentry/config.yaml or /etc/scansentry/config.yml
 3. Environment variables

Most sections embed the configuration struct of the package that consumes
it (database.Config, eventprocessor.PoolConfig, notify.ChannelsConfig, and
so on), so YAML keys follow each package's koanf tags:

	server:
	  port: 8080
	pool:
	  workers: 16
	geo:
	  tiers:
	    low_km: 5
	channels:
	  email:
	    enabled: true
	    host: smtp.example.com
	escalation:
	  include_acknowledged: true

# Environment Variables

Only a fixed set of environment variables is recognised (see
envTransformFunc). Unknown variables are ignored. Examples:

  - HTTP_HOST, HTTP_PORT, ENVIRONMENT
  - LOG_LEVEL, LOG_FORMAT, LOG_CALLER
  - DUCKDB_PATH, DUCKDB_MAX_MEMORY, DUCKDB_THREADS
  - NATS_ENABLED, NATS_URL, NATS_EMBEDDED, NATS_STORE_DIR
  - WORKER_COUNT, WORKER_QUEUE_SIZE
  - CORS_ORIGINS, RATE_LIMIT_REQUESTS, INGEST_RATE_LIMIT_REQUESTS
  - PUSH_ENABLED, PUSH_URL, PUSH_TOKEN
  - SMTP_ENABLED, SMTP_HOST, SMTP_PORT, SMTP_USERNAME, SMTP_PASSWORD, SMTP_FROM
  - BOT_ENABLED, BOT_URLS
  - ESCALATION_INTERVAL, ESCALATION_INCLUDE_ACKNOWLEDGED, ESCALATION_MAX_LEVEL
  - RETENTION_SCHEDULE, STATS_RETENTION

Comma-separated values are accepted for list settings such as
CORS_ORIGINS and BOT_URLS.

# Usage

	cfg, err := config.LoadWithKoanf()
	if err != nil {
		log.Fatal(err)
	}
*/
package config
