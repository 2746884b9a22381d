// AuditForge - Tamper-Evident Audit Ingestion and Anomaly Detection
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/auditforge

package pipeline

import (
	"fmt"
	"time"

	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	natsserver "github.com/nats-io/nats-server/v2/server"
	natsgo "github.com/nats-io/nats.go"

	"github.com/tomtom215/auditforge/internal/config"
	"github.com/tomtom215/auditforge/internal/logging"
)

const (
	natsStartTimeout = 10 * time.Second
	natsMaxReconnect = -1 // retry forever
	natsAckWait      = 30 * time.Second
)

// NATSBus is a Bus over NATS JetStream, optionally backed by an
// embedded server for single-binary deployments.
type NATSBus struct {
	*Bus
	server *natsserver.Server
}

// NewNATSBus connects a JetStream-backed Bus. When cfg.EmbeddedServer
// is set, an in-process NATS server is started first and the bus
// connects to it over its client URL.
func NewNATSBus(cfg config.NATSConfig) (*NATSBus, error) {
	url := cfg.URL
	var srv *natsserver.Server

	if cfg.EmbeddedServer {
		opts := &natsserver.Options{
			ServerName: "auditforge-embedded",
			Host:       "127.0.0.1",
			Port:       natsserver.RANDOM_PORT,
			JetStream:  true,
			StoreDir:   cfg.StoreDir,
			NoSigs:     true,
		}
		s, err := natsserver.NewServer(opts)
		if err != nil {
			return nil, fmt.Errorf("create embedded nats server: %w", err)
		}
		s.Start()
		if !s.ReadyForConnections(natsStartTimeout) {
			s.Shutdown()
			return nil, fmt.Errorf("embedded nats server not ready after %s", natsStartTimeout)
		}
		url = s.ClientURL()
		srv = s
		logging.Info().Str("url", url).Msg("Embedded NATS server started")
	}

	wmLogger := NewLoggerAdapter()

	natsOpts := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(natsMaxReconnect),
		natsgo.ReconnectWait(2 * time.Second),
		natsgo.DisconnectErrHandler(func(nc *natsgo.Conn, err error) {
			if err != nil {
				logging.Err(err).Msg("NATS disconnected")
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logging.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	pub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         url,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			AutoProvision: true,
			TrackMsgId:    true,
			PublishOptions: []natsgo.PubOpt{
				natsgo.RetryAttempts(3),
				natsgo.RetryWait(100 * time.Millisecond),
			},
		},
	}, wmLogger)
	if err != nil {
		shutdown(srv)
		return nil, fmt.Errorf("create nats publisher: %w", err)
	}

	sub, err := wmNats.NewSubscriber(wmNats.SubscriberConfig{
		URL:              url,
		QueueGroupPrefix: cfg.QueueGroup,
		AckWaitTimeout:   natsAckWait,
		NatsOptions:      natsOpts,
		Unmarshaler:      &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			AutoProvision: true,
			DurablePrefix: cfg.DurableName,
			SubscribeOptions: []natsgo.SubOpt{
				natsgo.AckWait(natsAckWait),
				natsgo.DeliverNew(),
			},
		},
	}, wmLogger)
	if err != nil {
		_ = pub.Close()
		shutdown(srv)
		return nil, fmt.Errorf("create nats subscriber: %w", err)
	}

	return &NATSBus{Bus: newBus(pub, sub), server: srv}, nil
}

// Close shuts down the transport and, last, the embedded server.
func (b *NATSBus) Close() error {
	err := b.Bus.Close()
	shutdown(b.server)
	return err
}

func shutdown(srv *natsserver.Server) {
	if srv != nil {
		srv.Shutdown()
		srv.WaitForShutdown()
	}
}
