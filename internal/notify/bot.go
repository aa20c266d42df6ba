// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/url"
	"time"

	shoutrrr "github.com/nicholas-fedor/shoutrrr"
	router "github.com/nicholas-fedor/shoutrrr/pkg/router"
	stypes "github.com/nicholas-fedor/shoutrrr/pkg/types"
	"golang.org/x/time/rate"
)

// BotConfig configures the chat bot adapter. URLs are shoutrrr service
// URLs (slack://, telegram://, discord://, matrix://, ...).
type BotConfig struct {
	Enabled       bool          `koanf:"enabled"`
	URLs          []string      `koanf:"urls"`
	Timeout       time.Duration `koanf:"timeout"`
	RatePerMinute int           `koanf:"rate_per_minute"`
}

// BotChannel posts alerts to chat services through shoutrrr. Every
// configured service receives every message; the recipient is named in
// the text.
type BotChannel struct {
	sender  *router.ServiceRouter
	limiter *rate.Limiter
}

// NewBotChannel builds the sender, rejecting malformed service URLs.
func NewBotChannel(cfg BotConfig) (*BotChannel, error) {
	if len(cfg.URLs) == 0 {
		return nil, fmt.Errorf("bot channel requires at least one service URL")
	}
	sender, err := shoutrrr.CreateSender(cfg.URLs...)
	if err != nil {
		return nil, fmt.Errorf("invalid bot service URL: %w", redactURLError(err))
	}
	if cfg.Timeout > 0 {
		sender.Timeout = cfg.Timeout
	}
	sender.SetLogger(log.New(io.Discard, "", 0))

	perMinute := cfg.RatePerMinute
	if perMinute <= 0 {
		perMinute = 30
	}
	return &BotChannel{
		sender:  sender,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute),
	}, nil
}

func (c *BotChannel) Name() string { return ChannelBot }

// Deliver sends the plain-text payload to every configured service.
func (c *BotChannel) Deliver(ctx context.Context, recipient string, p *Payload) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("bot rate limit: %w", err)
	}
	_, id, err := ParseRecipient(recipient)
	if err != nil {
		return err
	}
	params := stypes.Params{}
	params.SetTitle(p.Title)

	text := TruncateContent(p.Text, 3500)
	if p.EscalationLevel > 0 {
		text = fmt.Sprintf("@%s %s", id, text)
	}
	for _, err := range c.sender.Send(text, &params) {
		if err != nil {
			return fmt.Errorf("bot delivery failed: %w", redactURLError(err))
		}
	}
	return nil
}

// redactURLError drops URL details that may carry tokens.
func redactURLError(err error) error {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return fmt.Errorf("%s request failed: %w", uerr.Op, uerr.Err)
	}
	return err
}
