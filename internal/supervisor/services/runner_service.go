// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

package services

import (
	"context"
)

// Runner is a component that runs until its context is canceled.
//
// Satisfied by *eventprocessor.Pool, *eventprocessor.Router,
// *escalation.Scheduler, *notify.DigestSweeper and *maintenance.Retention.
type Runner interface {
	RunWithContext(ctx context.Context) error
}

// RunnerService wraps a Runner as a supervised service. An error return
// makes suture restart the runner with backoff.
type RunnerService struct {
	runner Runner
	name   string
}

// NewRunnerService creates a service named name around runner.
func NewRunnerService(name string, runner Runner) *RunnerService {
	return &RunnerService{runner: runner, name: name}
}

// Serve implements suture.Service.
func (r *RunnerService) Serve(ctx context.Context) error {
	return r.runner.RunWithContext(ctx)
}

// String implements fmt.Stringer for suture event logging.
func (r *RunnerService) String() string {
	return r.name
}
