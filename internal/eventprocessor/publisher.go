// ScanSentry - QR Scan Anomaly Detection and Alerting
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/scansentry

package eventprocessor

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	natsgo "github.com/nats-io/nats.go"

	"github.com/tomtom215/scansentry/internal/logging"
	"github.com/tomtom215/scansentry/internal/models"
)

// Publisher puts ingested events on their topics.
type Publisher struct {
	pub message.Publisher
}

// NewPublisher wraps a Watermill publisher.
func NewPublisher(pub message.Publisher) (*Publisher, error) {
	if pub == nil {
		return nil, fmt.Errorf("publisher cannot be nil")
	}
	return &Publisher{pub: pub}, nil
}

// PublishScan publishes a scan event.
func (p *Publisher) PublishScan(ctx context.Context, e *models.ScanEvent) error {
	return p.publish(ctx, TopicScans, e.ID, e)
}

// PublishReview publishes a review event.
func (p *Publisher) PublishReview(ctx context.Context, r *models.ReviewEvent) error {
	return p.publish(ctx, TopicReviews, r.ID, r)
}

// publish uses the event ID as message UUID and JetStream message ID, so
// a resubmitted event inside the duplicate window is dropped by the stream.
func (p *Publisher) publish(ctx context.Context, topic, id string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("serialize event: %w", err)
	}
	msg := message.NewMessage(id, data)
	msg.Metadata.Set(natsgo.MsgIdHdr, id)
	if cid := logging.CorrelationIDFromContext(ctx); cid != "" {
		msg.Metadata.Set("correlation_id", cid)
	}
	if err := p.pub.Publish(topic, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}
