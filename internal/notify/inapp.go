// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

package notify

import (
	"context"

	"github.com/tomtom215/scansentry/internal/models"
)

// maxInAppMessage bounds the stored message body.
const maxInAppMessage = 1000

// InAppStore is the inbox the in-app channel writes to.
type InAppStore interface {
	CreateNotification(ctx context.Context, n *InAppNotification) error
}

// InAppChannel stores notifications for retrieval through the API.
type InAppChannel struct {
	store InAppStore
}

// NewInAppChannel creates the in-app channel.
func NewInAppChannel(store InAppStore) *InAppChannel {
	return &InAppChannel{store: store}
}

func (c *InAppChannel) Name() string { return ChannelInApp }

// Deliver writes an inbox row for recipient.
func (c *InAppChannel) Deliver(ctx context.Context, recipient string, p *Payload) error {
	if _, _, err := ParseRecipient(recipient); err != nil {
		return err
	}
	n := &InAppNotification{
		OrganizationID: p.OrganizationID,
		Recipient:      recipient,
		AlertID:        models.StringPtr(p.AlertID),
		Severity:       p.Severity,
		Title:          p.Title,
		Message:        TruncateContent(p.Text, maxInAppMessage),
		Link:           models.StringPtr(p.DeepLink),
		Data:           p.Metadata,
	}
	return c.store.CreateNotification(ctx, n)
}
