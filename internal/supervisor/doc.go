// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

/*
Package supervisor runs the long-lived ScanSentry services under a suture v4
supervisor tree.

The tree has three layers so that a crash in one area restarts only that
area:

	RootSupervisor ("scansentry")
	├── DataSupervisor ("data-layer")
	│   ├── EmbeddedNATSService (if nats.enabled and nats.embedded_server)
	│   └── retention (cron-scheduled cleanup)
	├── ProcessingSupervisor ("processing-layer")
	│   ├── pipeline-pool
	│   ├── ingestion-router
	│   ├── escalation-scheduler
	│   └── digest-sweeper
	└── APISupervisor ("api-layer")
	    └── HTTPServerService

Restarts use suture's failure threshold and decay: more than
FailureThreshold failures inside the decay window puts the supervisor into
FailureBackoff before it tries again. Supervisor events are logged through
sutureslog with the slog adapter from the logging package.

Services live in the services subpackage. Anything with a
RunWithContext(ctx) error method can be supervised through
services.NewRunnerService.
*/
package supervisor
