// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomtom215/scansentry/internal/logging"
	"github.com/tomtom215/scansentry/internal/metrics"
	"github.com/tomtom215/scansentry/internal/models"
)

// Config configures the dispatcher.
type Config struct {
	// BaseURL roots the deep links placed in payloads.
	BaseURL         string        `koanf:"base_url"`
	DeliveryTimeout time.Duration `koanf:"delivery_timeout"`
}

// DefaultConfig returns the dispatcher defaults.
func DefaultConfig() Config {
	return Config{DeliveryTimeout: 15 * time.Second}
}

// ChannelsConfig configures the optional adapters. in_app is always on.
type ChannelsConfig struct {
	Push  PushConfig  `koanf:"push"`
	Email EmailConfig `koanf:"email"`
	Bot   BotConfig   `koanf:"bot"`
}

// BuildRegistry creates the in-app channel plus every enabled adapter.
func BuildRegistry(cfg ChannelsConfig, inbox InAppStore) (*Registry, error) {
	reg := NewRegistry(NewInAppChannel(inbox))
	if cfg.Push.Enabled {
		ch, err := NewPushChannel(cfg.Push)
		if err != nil {
			return nil, err
		}
		reg.Register(ch)
	}
	if cfg.Email.Enabled {
		ch, err := NewEmailChannel(cfg.Email)
		if err != nil {
			return nil, fmt.Errorf("email channel: %w", err)
		}
		reg.Register(ch)
	}
	if cfg.Bot.Enabled {
		ch, err := NewBotChannel(cfg.Bot)
		if err != nil {
			return nil, err
		}
		reg.Register(ch)
	}
	return reg, nil
}

// Outcome is what the dispatcher did with an alert.
type Outcome string

const (
	OutcomeDispatched Outcome = "dispatched"
	OutcomeDeferred   Outcome = "deferred"
	OutcomeDisabled   Outcome = "disabled"
)

// Report lists the ledger rows written for one dispatch.
type Report struct {
	Outcome    Outcome
	Deliveries []*Delivery
}

// Failed returns the deliveries that did not reach their channel.
func (r *Report) Failed() []*Delivery {
	var out []*Delivery
	for _, d := range r.Deliveries {
		if d.Status == StatusFailed {
			out = append(out, d)
		}
	}
	return out
}

// Dispatcher routes alerts to channels.
type Dispatcher struct {
	registry *Registry
	store    *Store
	renderer *Renderer
	timeout  time.Duration
	logger   zerolog.Logger
	now      func() time.Time
}

// NewDispatcher creates a dispatcher writing its ledger to store.
func NewDispatcher(registry *Registry, store *Store, cfg Config) *Dispatcher {
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = DefaultConfig().DeliveryTimeout
	}
	return &Dispatcher{
		registry: registry,
		store:    store,
		renderer: NewRenderer(cfg.BaseURL),
		timeout:  cfg.DeliveryTimeout,
		logger:   logging.WithComponent("dispatcher"),
		now:      time.Now,
	}
}

// Renderer exposes the payload renderer.
func (d *Dispatcher) Renderer() *Renderer { return d.renderer }

// ResolveChannels returns the rule's channels, else the organization
// defaults, else in_app. Duplicates are dropped.
func ResolveChannels(rule *models.ScanAlertRule, prefs *models.OrganizationAlertPreferences) []string {
	var src []string
	switch {
	case rule != nil && len(rule.Channels) > 0:
		src = rule.Channels
	case prefs != nil && len(prefs.DefaultChannels) > 0:
		src = prefs.DefaultChannels
	default:
		src = []string{ChannelInApp}
	}
	return unionChannels(src)
}

func unionChannels(lists ...[]string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, list := range lists {
		for _, ch := range list {
			if ch != "" && !seen[ch] {
				seen[ch] = true
				out = append(out, ch)
			}
		}
	}
	return out
}

// Dispatch hands a new alert to its channels, or defers it into the digest
// queue during quiet hours. rule is nil for alerts without a rule.
//
// Only a failure to defer is returned as an error; channel failures are
// recorded in the ledger and reported in Report.
func (d *Dispatcher) Dispatch(ctx context.Context, alert *models.ScanAlert, rule *models.ScanAlertRule, prefs *models.OrganizationAlertPreferences) (*Report, error) {
	if prefs == nil {
		prefs = models.DefaultPreferences(alert.OrganizationID)
	}
	if !prefs.AlertsEnabled {
		return &Report{Outcome: OutcomeDisabled}, nil
	}

	quiet, err := QuietHoursFor(prefs)
	if err != nil {
		d.logger.Warn().Err(err).Str("organization_id", alert.OrganizationID).Msg("Ignoring invalid quiet hours")
	}
	urgent := alert.Severity == models.SeverityCritical && prefs.AutoEscalateCritical
	if quiet.Contains(d.now()) && !urgent {
		return d.deferToDigest(ctx, alert)
	}

	payload, err := d.renderer.RenderAlert(alert, 0)
	if err != nil {
		return nil, err
	}
	channels := ResolveChannels(rule, prefs)
	deliveries := d.deliver(ctx, payload, channels, []string{OrgRecipient(alert.OrganizationID)})
	return &Report{Outcome: OutcomeDispatched, Deliveries: deliveries}, nil
}

// DispatchEscalation sends an escalation immediately, ignoring quiet hours.
// Recipients are the rule's escalation users, or the organization when the
// rule names none.
func (d *Dispatcher) DispatchEscalation(ctx context.Context, alert *models.ScanAlert, rule *models.ScanAlertRule, prefs *models.OrganizationAlertPreferences, level int, channels []string) (*Report, error) {
	if prefs == nil {
		prefs = models.DefaultPreferences(alert.OrganizationID)
	}
	if !prefs.AlertsEnabled {
		return &Report{Outcome: OutcomeDisabled}, nil
	}

	var recipients []string
	if rule != nil {
		for _, u := range rule.EscalateToUserIDs {
			recipients = append(recipients, UserRecipient(u))
		}
	}
	if len(recipients) == 0 {
		recipients = []string{OrgRecipient(alert.OrganizationID)}
	}
	if len(channels) == 0 {
		channels = ResolveChannels(rule, prefs)
	}

	payload, err := d.renderer.RenderAlert(alert, level)
	if err != nil {
		return nil, err
	}
	deliveries := d.deliver(ctx, payload, unionChannels(channels), recipients)
	return &Report{Outcome: OutcomeDispatched, Deliveries: deliveries}, nil
}

func (d *Dispatcher) deferToDigest(ctx context.Context, alert *models.ScanAlert) (*Report, error) {
	queued, err := d.store.Enqueue(ctx, &DigestEntry{
		OrganizationID: alert.OrganizationID,
		AlertID:        alert.ID,
		AlertType:      alert.AlertType,
		Severity:       alert.Severity,
		Title:          alert.Title,
		QueuedAt:       d.now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	report := &Report{Outcome: OutcomeDeferred}
	if !queued {
		return report, nil
	}
	metrics.NotificationsDeferred.Inc()

	alertID := alert.ID
	row := &Delivery{
		OrganizationID: alert.OrganizationID,
		AlertID:        &alertID,
		Channel:        "digest",
		Recipient:      OrgRecipient(alert.OrganizationID),
		Status:         StatusDeferred,
	}
	if err := d.store.RecordDelivery(ctx, row); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("alert_id", alert.ID).Msg("Failed to record deferral")
	}
	report.Deliveries = append(report.Deliveries, row)
	return report, nil
}

// deliver hands payload to every (channel, recipient) pair. A failure on
// one pair never stops the rest.
func (d *Dispatcher) deliver(ctx context.Context, p *Payload, channels, recipients []string) []*Delivery {
	var out []*Delivery
	for _, name := range channels {
		for _, recipient := range recipients {
			row := &Delivery{
				OrganizationID:  p.OrganizationID,
				Channel:         name,
				Recipient:       recipient,
				Status:          StatusSent,
				EscalationLevel: p.EscalationLevel,
			}
			if p.AlertID != "" {
				id := p.AlertID
				row.AlertID = &id
			}
			if p.Digest {
				if id, ok := p.Metadata["digest_id"].(string); ok {
					row.DigestID = &id
				}
			}

			err := d.handOff(ctx, name, recipient, p)
			metrics.RecordNotification(name, err)
			if err != nil {
				msg := err.Error()
				row.Status, row.Error = StatusFailed, &msg
				logging.Ctx(ctx).Warn().Err(err).
					Str("channel", name).
					Str("recipient", recipient).
					Str("alert_id", p.AlertID).
					Msg("Notification delivery failed")
			}
			if err := d.store.RecordDelivery(ctx, row); err != nil {
				logging.Ctx(ctx).Warn().Err(err).Str("alert_id", p.AlertID).Msg("Failed to record delivery")
			}
			out = append(out, row)
		}
	}
	return out
}

func (d *Dispatcher) handOff(ctx context.Context, name, recipient string, p *Payload) (err error) {
	ch, ok := d.registry.Get(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrChannelUnavailable, name)
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("channel %s panicked: %v", name, r)
		}
	}()
	return ch.Deliver(ctx, recipient, p)
}
