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
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Ingestion topics.
const (
	TopicScans   = "scans.ingested"
	TopicReviews = "reviews.ingested"
)

// NATSConfig configures the JetStream transport.
type NATSConfig struct {
	Enabled bool   `koanf:"enabled"`
	URL     string `koanf:"url"`
	// EmbeddedServer starts a NATS server inside the process.
	EmbeddedServer bool   `koanf:"embedded_server"`
	Host           string `koanf:"host"`
	Port           int    `koanf:"port"`
	StoreDir       string `koanf:"store_dir"`
	MaxMemory      int64  `koanf:"max_memory"`
	MaxStore       int64  `koanf:"max_store"`

	StreamName      string        `koanf:"stream_name"`
	StreamMaxAge    time.Duration `koanf:"stream_max_age"`
	DuplicateWindow time.Duration `koanf:"duplicate_window"`

	DurablePrefix    string        `koanf:"durable_prefix"`
	QueueGroup       string        `koanf:"queue_group"`
	SubscribersCount int           `koanf:"subscribers_count"`
	AckWaitTimeout   time.Duration `koanf:"ack_wait_timeout"`
	MaxDeliver       int           `koanf:"max_deliver"`
	MaxAckPending    int           `koanf:"max_ack_pending"`
	MaxReconnects    int           `koanf:"max_reconnects"`
	ReconnectWait    time.Duration `koanf:"reconnect_wait"`
	CloseTimeout     time.Duration `koanf:"close_timeout"`
}

// DefaultNATSConfig returns defaults for a single-node embedded deployment.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		Enabled:          false,
		URL:              "nats://127.0.0.1:4222",
		EmbeddedServer:   true,
		Host:             "127.0.0.1",
		Port:             4222,
		StoreDir:         "/data/nats/jetstream",
		MaxMemory:        256 * 1024 * 1024,
		MaxStore:         4 * 1024 * 1024 * 1024,
		StreamName:       "SCANSENTRY_EVENTS",
		StreamMaxAge:     7 * 24 * time.Hour,
		DuplicateWindow:  2 * time.Minute,
		DurablePrefix:    "scansentry",
		QueueGroup:       "scansentry",
		SubscribersCount: 4,
		AckWaitTimeout:   30 * time.Second,
		MaxDeliver:       10,
		MaxAckPending:    1000,
		MaxReconnects:    -1,
		ReconnectWait:    2 * time.Second,
		CloseTimeout:     30 * time.Second,
	}
}

// Validate checks the NATS configuration when enabled.
func (c NATSConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.URL == "" {
		return fmt.Errorf("nats url is required when nats is enabled")
	}
	if c.StreamName == "" {
		return fmt.Errorf("nats stream_name is required when nats is enabled")
	}
	if c.EmbeddedServer && c.StoreDir == "" {
		return fmt.Errorf("nats store_dir is required for the embedded server")
	}
	return nil
}

// Transport is the pub/sub pair ingestion runs over.
type Transport struct {
	Publisher   message.Publisher
	subscribers map[string]message.Subscriber
	closers     []func() error
}

// Subscriber returns the subscriber for topic.
func (t *Transport) Subscriber(topic string) message.Subscriber {
	return t.subscribers[topic]
}

// Close closes the publisher and every subscriber.
func (t *Transport) Close() error {
	var errs []error
	for _, c := range t.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NewInProcessTransport returns a gochannel pub/sub shared by publisher and
// subscribers. Messages do not survive a restart.
func NewInProcessTransport(logger watermill.LoggerAdapter) *Transport {
	ps := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, logger)
	return &Transport{
		Publisher: ps,
		subscribers: map[string]message.Subscriber{
			TopicScans:   ps,
			TopicReviews: ps,
		},
		closers: []func() error{ps.Close},
	}
}

func natsOptions(cfg NATSConfig, logger watermill.LoggerAdapter) []natsgo.Option {
	return []natsgo.Option{
		natsgo.Name("scansentry"),
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(cfg.MaxReconnects),
		natsgo.ReconnectWait(cfg.ReconnectWait),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				logger.Error("NATS disconnected", err, nil)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("NATS reconnected", watermill.LogFields{"url": nc.ConnectedUrl()})
		}),
	}
}

// EnsureStream creates or updates the ingestion stream.
func EnsureStream(ctx context.Context, cfg NATSConfig) error {
	nc, err := natsgo.Connect(cfg.URL, natsgo.Name("scansentry-init"))
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	defer nc.Close()

	js, err := jetstream.New(nc)
	if err != nil {
		return fmt.Errorf("create JetStream context: %w", err)
	}
	streamCfg := jetstream.StreamConfig{
		Name:       cfg.StreamName,
		Subjects:   []string{TopicScans, TopicReviews},
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     cfg.StreamMaxAge,
		Duplicates: cfg.DuplicateWindow,
		Storage:    jetstream.FileStorage,
		Discard:    jetstream.DiscardOld,
	}
	_, err = js.Stream(ctx, cfg.StreamName)
	switch {
	case err == nil:
		_, err = js.UpdateStream(ctx, streamCfg)
	case errors.Is(err, jetstream.ErrStreamNotFound):
		_, err = js.CreateStream(ctx, streamCfg)
	}
	if err != nil {
		return fmt.Errorf("ensure stream %s: %w", cfg.StreamName, err)
	}
	return nil
}

// NewNATSTransport connects a JetStream publisher and one durable
// subscriber per topic, bound to the stream EnsureStream created.
func NewNATSTransport(ctx context.Context, cfg NATSConfig, logger watermill.LoggerAdapter) (*Transport, error) {
	if err := EnsureStream(ctx, cfg); err != nil {
		return nil, err
	}

	pub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         cfg.URL,
		NatsOptions: natsOptions(cfg, logger),
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			AutoProvision: false,
			TrackMsgId:    true,
			PublishOptions: []natsgo.PubOpt{
				natsgo.RetryAttempts(3),
				natsgo.RetryWait(100 * time.Millisecond),
			},
		},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create NATS publisher: %w", err)
	}

	t := &Transport{
		Publisher:   pub,
		subscribers: make(map[string]message.Subscriber),
		closers:     []func() error{pub.Close},
	}
	for topic, durable := range map[string]string{TopicScans: "scans", TopicReviews: "reviews"} {
		sub, err := wmNats.NewSubscriber(wmNats.SubscriberConfig{
			URL:              cfg.URL,
			QueueGroupPrefix: cfg.QueueGroup + "-" + durable,
			SubscribersCount: cfg.SubscribersCount,
			AckWaitTimeout:   cfg.AckWaitTimeout,
			CloseTimeout:     cfg.CloseTimeout,
			NatsOptions:      natsOptions(cfg, logger),
			Unmarshaler:      &wmNats.NATSMarshaler{},
			JetStream: wmNats.JetStreamConfig{
				AutoProvision: false,
				AckAsync:      false,
				DurablePrefix: cfg.DurablePrefix + "-" + durable,
				SubscribeOptions: []natsgo.SubOpt{
					natsgo.BindStream(cfg.StreamName),
					natsgo.MaxDeliver(cfg.MaxDeliver),
					natsgo.MaxAckPending(cfg.MaxAckPending),
					natsgo.AckWait(cfg.AckWaitTimeout),
					natsgo.DeliverAll(),
				},
			},
		}, logger)
		if err != nil {
			_ = t.Close()
			return nil, fmt.Errorf("create NATS subscriber for %s: %w", topic, err)
		}
		t.subscribers[topic] = sub
		t.closers = append(t.closers, sub.Close)
	}
	return t, nil
}
