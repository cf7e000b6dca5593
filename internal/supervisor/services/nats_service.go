// Floragate - Multi-Tenant Greenhouse Telemetry Gateway
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/floragate/floragate

package services

import (
	"context"
	"errors"
	"time"
)

// BrokerServer matches broker.EmbeddedServer's running surface. The
// server is started eagerly in main so its client URL is known before
// anything dials it; this wrapper only ties its lifetime to the tree.
type BrokerServer interface {
	IsRunning() bool
	Shutdown(ctx context.Context) error
}

// NATSService supervises an already-started embedded broker.
type NATSService struct {
	server          BrokerServer
	shutdownTimeout time.Duration
	poll            time.Duration
}

func NewNATSService(server BrokerServer, shutdownTimeout time.Duration) *NATSService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	return &NATSService{
		server:          server,
		shutdownTimeout: shutdownTimeout,
		poll:            time.Second,
	}
}

// Serve implements suture.Service. If the broker dies out from under
// us the error return makes suture restart the layer.
func (s *NATSService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
			defer cancel()
			if err := s.server.Shutdown(shutdownCtx); err != nil {
				return err
			}
			return ctx.Err()
		case <-ticker.C:
			if !s.server.IsRunning() {
				return errBrokerStopped
			}
		}
	}
}

func (s *NATSService) String() string { return "embedded-broker" }

var errBrokerStopped = errors.New("embedded broker stopped unexpectedly")
