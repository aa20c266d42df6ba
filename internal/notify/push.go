// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/tomtom215/scansentry/internal/logging"
	"github.com/tomtom215/scansentry/internal/metrics"
)

// PushConfig configures the push gateway adapter.
type PushConfig struct {
	Enabled    bool          `koanf:"enabled"`
	URL        string        `koanf:"url"`
	Token      string        `koanf:"token"`
	Timeout    time.Duration `koanf:"timeout"`
	RatePerSec float64       `koanf:"rate_per_sec"`
	Burst      int           `koanf:"burst"`
	// Breaker trips after FailureThreshold consecutive failures and stays
	// open for OpenTimeout.
	FailureThreshold uint32        `koanf:"failure_threshold"`
	OpenTimeout      time.Duration `koanf:"open_timeout"`
}

// DefaultPushConfig returns the push defaults.
func DefaultPushConfig() PushConfig {
	return PushConfig{
		Timeout:          10 * time.Second,
		RatePerSec:       20,
		Burst:            20,
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
	}
}

// pushMessage is the gateway request body.
type pushMessage struct {
	Recipient string                 `json:"recipient"`
	Title     string                 `json:"title"`
	Body      string                 `json:"body"`
	Severity  string                 `json:"severity"`
	DeepLink  string                 `json:"deep_link,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// PushChannel posts payloads to a push gateway.
type PushChannel struct {
	cfg     PushConfig
	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[int]
}

// NewPushChannel creates the push adapter.
func NewPushChannel(cfg PushConfig) (*PushChannel, error) {
	if err := validateHTTPURL(cfg.URL); err != nil {
		return nil, fmt.Errorf("push gateway: %w", err)
	}
	def := DefaultPushConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = def.RatePerSec
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}

	threshold := cfg.FailureThreshold
	breaker := gobreaker.NewCircuitBreaker[int](gobreaker.Settings{
		Name:        "push_gateway",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.RecordBreakerTransition(name, from.String(), to.String())
			logging.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	})

	return &PushChannel{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		breaker: breaker,
	}, nil
}

func (c *PushChannel) Name() string { return ChannelPush }

// Deliver posts one message. An open breaker fails fast without a request.
func (c *PushChannel) Deliver(ctx context.Context, recipient string, p *Payload) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("push rate limit: %w", err)
	}
	body, err := json.Marshal(pushMessage{
		Recipient: recipient,
		Title:     p.Title,
		Body:      TruncateContent(p.Text, 2048),
		Severity:  p.Severity,
		DeepLink:  p.DeepLink,
		Data:      p.Metadata,
	})
	if err != nil {
		return fmt.Errorf("failed to encode push message: %w", err)
	}

	_, err = c.breaker.Execute(func() (int, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
		if err != nil {
			return 0, err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.cfg.Token != "" {
			req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck // drain for reuse
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return resp.StatusCode, fmt.Errorf("push gateway returned %d", resp.StatusCode)
		}
		return resp.StatusCode, nil
	})
	if err != nil {
		return fmt.Errorf("push delivery failed: %w", err)
	}
	return nil
}

// State reports the breaker state for health output.
func (c *PushChannel) State() string { return c.breaker.State().String() }
