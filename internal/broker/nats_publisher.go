// Floragate - Multi-Tenant Greenhouse Telemetry Gateway
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/floragate/floragate

package broker

import (
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"

	"github.com/floragate/floragate/internal/models"
)

// NATSPublisherFactory builds Watermill NATS publishers, one per user,
// each authenticated with that user's broker credential. Commands use
// core NATS publish semantics, so JetStream is disabled.
type NATSPublisherFactory struct {
	url    string
	logger watermill.LoggerAdapter
}

// NewNATSPublisherFactory creates a factory targeting the given broker URL.
func NewNATSPublisherFactory(url string, logger watermill.LoggerAdapter) *NATSPublisherFactory {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &NATSPublisherFactory{url: url, logger: logger}
}

// NewPublisher opens an outbound connection as the credential's user.
func (f *NATSPublisherFactory) NewPublisher(cred models.Credential) (message.Publisher, error) {
	logger := f.logger
	natsOpts := []natsgo.Option{
		natsgo.Name("floragate-cmd-" + cred.Username),
		natsgo.UserInfo(cred.Username, cred.Secret),
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(10),
		natsgo.ReconnectWait(time.Second),
		natsgo.DisconnectErrHandler(func(nc *natsgo.Conn, err error) {
			if err != nil {
				logger.Error("command connection lost", err, nil)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("command connection restored", watermill.LogFields{
				"url": nc.ConnectedUrl(),
			})
		}),
	}

	pub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         f.url,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			Disabled: true,
		},
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create command publisher for %s: %w", cred.Username, err)
	}
	return pub, nil
}
