// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

package services

import (
	"context"
	"fmt"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/tomtom215/scansentry/internal/logging"
)

// EmbeddedServer matches *eventprocessor.EmbeddedServer.
type EmbeddedServer interface {
	Shutdown(ctx context.Context) error
	IsRunning() bool
}

// EmbeddedNATSService owns the embedded NATS server once it has been
// started. It blocks until the tree stops and then shuts the server down.
//
// The server is started before the tree because the transport needs a
// live server to connect to; a server that is already down cannot be
// restarted here, so Serve reports suture.ErrDoNotRestart.
type EmbeddedNATSService struct {
	server          EmbeddedServer
	shutdownTimeout time.Duration
	name            string
}

// NewEmbeddedNATSService creates the wrapper.
func NewEmbeddedNATSService(server EmbeddedServer, shutdownTimeout time.Duration) *EmbeddedNATSService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &EmbeddedNATSService{
		server:          server,
		shutdownTimeout: shutdownTimeout,
		name:            "nats-server",
	}
}

// Serve implements suture.Service.
func (s *EmbeddedNATSService) Serve(ctx context.Context) error {
	if !s.server.IsRunning() {
		logging.Error().Str("service", s.name).Msg("Embedded NATS server is not running")
		return suture.ErrDoNotRestart
	}

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("embedded NATS server shutdown: %w", err)
	}
	return ctx.Err()
}

// String implements fmt.Stringer for suture event logging.
func (s *EmbeddedNATSService) String() string {
	return s.name
}
