// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

package eventprocessor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/goccy/go-json"

	"github.com/tomtom215/scansentry/internal/logging"
	"github.com/tomtom215/scansentry/internal/metrics"
	"github.com/tomtom215/scansentry/internal/models"
)

// RouterConfig configures the ingestion router.
type RouterConfig struct {
	// CloseTimeout is how long handlers get to finish on shutdown.
	CloseTimeout time.Duration `koanf:"close_timeout"`
	// Retry applies when the pool queue is full.
	RetryMaxRetries      int           `koanf:"retry_max_retries"`
	RetryInitialInterval time.Duration `koanf:"retry_initial_interval"`
	RetryMaxInterval     time.Duration `koanf:"retry_max_interval"`
	// ThrottlePerSecond caps consumed messages per second; 0 disables.
	ThrottlePerSecond int64 `koanf:"throttle_per_second"`
}

// DefaultRouterConfig returns production defaults.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		CloseTimeout:         30 * time.Second,
		RetryMaxRetries:      5,
		RetryInitialInterval: 100 * time.Millisecond,
		RetryMaxInterval:     2 * time.Second,
	}
}

// Router consumes the ingestion topics and feeds the pool. A message is
// acknowledged once its event was processed, rejected or dead-lettered;
// undecodable messages are acknowledged and dropped.
type Router struct {
	cfg       RouterConfig
	transport *Transport
	pool      *Pool
	logger    watermill.LoggerAdapter
	running   chan struct{}
}

// NewRouter creates a router. A fresh Watermill router is built on every
// run, so the supervisor can restart it.
func NewRouter(cfg RouterConfig, transport *Transport, pool *Pool, logger watermill.LoggerAdapter) *Router {
	def := DefaultRouterConfig()
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = def.CloseTimeout
	}
	if cfg.RetryMaxRetries <= 0 {
		cfg.RetryMaxRetries = def.RetryMaxRetries
	}
	if cfg.RetryInitialInterval <= 0 {
		cfg.RetryInitialInterval = def.RetryInitialInterval
	}
	if cfg.RetryMaxInterval <= 0 {
		cfg.RetryMaxInterval = def.RetryMaxInterval
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Router{cfg: cfg, transport: transport, pool: pool, logger: logger, running: make(chan struct{})}
}

func (r *Router) build() (*message.Router, error) {
	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: r.cfg.CloseTimeout}, r.logger)
	if err != nil {
		return nil, fmt.Errorf("create watermill router: %w", err)
	}

	router.AddMiddleware(middleware.Recoverer)
	retry := middleware.Retry{
		MaxRetries:      r.cfg.RetryMaxRetries,
		InitialInterval: r.cfg.RetryInitialInterval,
		MaxInterval:     r.cfg.RetryMaxInterval,
		Multiplier:      2.0,
		Logger:          r.logger,
	}
	router.AddMiddleware(retry.Middleware)
	if r.cfg.ThrottlePerSecond > 0 {
		router.AddMiddleware(middleware.NewThrottle(r.cfg.ThrottlePerSecond, time.Second).Middleware)
	}

	router.AddConsumerHandler("scan_pipeline", TopicScans, r.transport.Subscriber(TopicScans), r.handleScan)
	router.AddConsumerHandler("review_pipeline", TopicReviews, r.transport.Subscriber(TopicReviews), r.handleReview)
	return router, nil
}

// RunWithContext runs the router until ctx is canceled.
func (r *Router) RunWithContext(ctx context.Context) error {
	router, err := r.build()
	if err != nil {
		return err
	}
	go func() {
		select {
		case <-router.Running():
			select {
			case <-r.running:
			default:
				close(r.running)
			}
		case <-ctx.Done():
		}
	}()

	logging.Info().Strs("topics", []string{TopicScans, TopicReviews}).Msg("Starting ingestion router")
	if err := router.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("ingestion router: %w", err)
	}
	return ctx.Err()
}

// Running is closed once the router first started consuming.
func (r *Router) Running() <-chan struct{} {
	return r.running
}

func (r *Router) handleScan(msg *message.Message) error {
	var e models.ScanEvent
	if err := json.Unmarshal(msg.Payload, &e); err != nil {
		return r.drop(msg, KindScan, err)
	}
	return r.pool.Do(msg.Context(), ScanJob(&e))
}

func (r *Router) handleReview(msg *message.Message) error {
	var rv models.ReviewEvent
	if err := json.Unmarshal(msg.Payload, &rv); err != nil {
		return r.drop(msg, KindReview, err)
	}
	return r.pool.Do(msg.Context(), ReviewJob(&rv))
}

func (r *Router) drop(msg *message.Message, kind string, err error) error {
	metrics.EventsProcessed.WithLabelValues(kind, "rejected").Inc()
	logging.Warn().Err(err).Str("message_uuid", msg.UUID).Str("kind", kind).Msg("Dropping undecodable message")
	return nil
}
