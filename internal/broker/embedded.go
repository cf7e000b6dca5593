// Floragate - Multi-Tenant Greenhouse Telemetry Gateway
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/floragate/floragate

package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"

	"github.com/floragate/floragate/internal/models"
)

// EmbeddedServerConfig configures the in-process broker used by
// standalone deployments and tests.
type EmbeddedServerConfig struct {
	Host string
	Port int
	// Users are provisioned as broker accounts so per-user credentialed
	// connections work without an external broker.
	Users []models.User
}

// EmbeddedServer wraps an in-process NATS server with lifecycle
// management. It gives standalone deployments a broker without external
// dependencies; production points at a remote broker instead.
type EmbeddedServer struct {
	server    *server.Server
	clientURL string
}

// NewEmbeddedServer creates and starts an embedded broker. Returns an
// error if the server is not ready within 30 seconds.
func NewEmbeddedServer(cfg EmbeddedServerConfig) (*EmbeddedServer, error) {
	users := make([]*server.User, 0, len(cfg.Users))
	for _, u := range cfg.Users {
		users = append(users, &server.User{
			Username: u.Credential.Username,
			Password: u.Credential.Secret,
		})
	}

	opts := &server.Options{
		ServerName: "floragate-broker",
		Host:       cfg.Host,
		Port:       cfg.Port,
		Users:      users,
		NoLog:      true,
		MaxPayload: 1024 * 1024,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create embedded broker: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(30 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded broker not ready within timeout")
	}

	return &EmbeddedServer{
		server:    ns,
		clientURL: ns.ClientURL(),
	}, nil
}

// ClientURL returns the connection URL for clients.
func (s *EmbeddedServer) ClientURL() string {
	return s.clientURL
}

// IsRunning reports broker health.
func (s *EmbeddedServer) IsRunning() bool {
	return s.server.Running()
}

// Shutdown stops the broker, waiting for in-flight messages or context
// cancellation.
func (s *EmbeddedServer) Shutdown(ctx context.Context) error {
	s.server.Shutdown()

	done := make(chan struct{})
	go func() {
		s.server.WaitForShutdown()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
