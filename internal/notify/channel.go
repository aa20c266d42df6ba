// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

// Package notify selects channels for alerts, renders channel payloads and
// hands them to channel adapters.
//
// The dispatcher's contract ends at hand-off: an adapter failure is recorded
// in the delivery ledger and counted, never propagated as a failure of the
// alert itself. Quiet hours defer non-urgent alerts into a digest queue that
// a separate sweeper drains on schedule.
//
// Channels:
//   - in_app: persisted inbox rows, listable per recipient
//   - push: JSON POST to a push gateway behind a circuit breaker
//   - email: SMTP with text and HTML parts
//   - bot: chat bots via shoutrrr service URLs
package notify

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
)

// Channel names.
const (
	ChannelInApp = "in_app"
	ChannelPush  = "push"
	ChannelEmail = "email"
	ChannelBot   = "bot"
)

// ErrChannelUnavailable is recorded when an alert asks for a channel that
// is not configured in this deployment.
var ErrChannelUnavailable = errors.New("channel not configured")

// Channel is a delivery adapter.
type Channel interface {
	// Name returns the channel identifier used in rules and preferences.
	Name() string
	// Deliver hands one rendered payload to the transport for recipient.
	Deliver(ctx context.Context, recipient string, p *Payload) error
}

// Payload is a rendered notification.
type Payload struct {
	OrganizationID string
	// AlertID is empty for digests.
	AlertID   string
	AlertType string
	Severity  string
	Title     string
	Text      string
	HTML      string
	// DeepLink points at the alert (or alert list for digests) in the UI.
	DeepLink        string
	Metadata        map[string]interface{}
	EscalationLevel int
	Digest          bool
}

// Recipient references. Adapters resolve them to transport addresses.
const (
	recipientOrg  = "org:"
	recipientUser = "user:"
)

// OrgRecipient addresses everyone subscribed to the organization.
func OrgRecipient(orgID string) string { return recipientOrg + orgID }

// UserRecipient addresses a single user.
func UserRecipient(userID string) string { return recipientUser + userID }

// ParseRecipient splits a recipient reference into kind ("org" or "user")
// and id.
func ParseRecipient(ref string) (kind, id string, err error) {
	switch {
	case strings.HasPrefix(ref, recipientOrg) && len(ref) > len(recipientOrg):
		return "org", ref[len(recipientOrg):], nil
	case strings.HasPrefix(ref, recipientUser) && len(ref) > len(recipientUser):
		return "user", ref[len(recipientUser):], nil
	default:
		return "", "", fmt.Errorf("invalid recipient reference %q", ref)
	}
}

// Registry holds the configured channels.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]Channel
}

// NewRegistry creates a registry holding chans.
func NewRegistry(chans ...Channel) *Registry {
	r := &Registry{channels: make(map[string]Channel)}
	for _, ch := range chans {
		r.Register(ch)
	}
	return r
}

// Register adds or replaces a channel.
func (r *Registry) Register(ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[ch.Name()] = ch
}

// Get returns the channel registered under name.
func (r *Registry) Get(name string) (Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[name]
	return ch, ok
}

// Names lists the registered channels, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TruncateContent truncates content to maxLen bytes with an ellipsis.
func TruncateContent(content string, maxLen int) string {
	if maxLen <= 0 || len(content) <= maxLen {
		return content
	}
	if maxLen <= 3 {
		return content[:maxLen]
	}
	return content[:maxLen-3] + "..."
}

func validateHTTPURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("URL is required")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return fmt.Errorf("URL must use http or https scheme")
	}
	if parsed.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}
