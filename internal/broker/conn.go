// Floragate - Multi-Tenant Greenhouse Telemetry Gateway
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/floragate/floragate

// Package broker manages the gateway's pub/sub broker surface: one
// credentialed inbound connection per active user (Registry), lazily
// created per-user outbound publishers (Dispatcher), and an optional
// embedded broker for standalone deployments.
package broker

import (
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/floragate/floragate/internal/logging"
	"github.com/floragate/floragate/internal/models"
)

// MessageHandler receives one inbound broker message.
type MessageHandler func(topic string, payload []byte)

// Subscription is a live per-topic subscription handle.
type Subscription interface {
	Unsubscribe() error
}

// Conn is one user's inbound broker connection.
type Conn interface {
	Subscribe(topic string, h MessageHandler) (Subscription, error)
	Close()
}

// Dialer opens broker connections with a user's credential.
type Dialer interface {
	Dial(cred models.Credential) (Conn, error)
}

// NATSDialer dials the configured broker URL, authenticating each
// connection with the user's own credential pair.
type NATSDialer struct {
	url           string
	maxReconnects int
	reconnectWait time.Duration
}

// NewNATSDialer creates a dialer for the given broker URL.
func NewNATSDialer(url string) *NATSDialer {
	return &NATSDialer{
		url:           url,
		maxReconnects: 10,
		reconnectWait: time.Second,
	}
}

// Dial opens a connection identified by the user's broker credential.
func (d *NATSDialer) Dial(cred models.Credential) (Conn, error) {
	nc, err := nats.Connect(d.url,
		nats.Name("floragate-"+cred.Username),
		nats.UserInfo(cred.Username, cred.Secret),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(d.maxReconnects),
		nats.ReconnectWait(d.reconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logging.Error().Err(err).Str("user", cred.Username).Msg("broker disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Info().Str("user", cred.Username).Str("url", nc.ConnectedUrl()).Msg("broker reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logging.Error().Err(err).Str("user", cred.Username).Str("subject", subject).Msg("broker error")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect broker for %s: %w", cred.Username, err)
	}
	return &natsConn{nc: nc}, nil
}

// natsConn adapts *nats.Conn to the Conn interface.
type natsConn struct {
	nc *nats.Conn
}

func (c *natsConn) Subscribe(topic string, h MessageHandler) (Subscription, error) {
	sub, err := c.nc.Subscribe(topic, func(m *nats.Msg) {
		h(m.Subject, m.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return sub, nil
}

func (c *natsConn) Close() {
	c.nc.Close()
}
