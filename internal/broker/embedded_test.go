// Floragate - Multi-Tenant Greenhouse Telemetry Gateway
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/floragate/floragate

package broker

import (
	"context"
	"testing"
	"time"

	"github.com/floragate/floragate/internal/models"
)

func startEmbedded(t *testing.T) *EmbeddedServer {
	t.Helper()
	srv, err := NewEmbeddedServer(EmbeddedServerConfig{
		Host: "127.0.0.1",
		Port: -1, // random free port
		Users: []models.User{{
			ID:         "u1",
			Credential: models.Credential{Username: "alice", Secret: "s3cret"},
		}},
	})
	if err != nil {
		t.Fatalf("NewEmbeddedServer: %v", err)
	}
	return srv
}

func TestEmbeddedServerLifecycle(t *testing.T) {
	srv := startEmbedded(t)

	if !srv.IsRunning() {
		t.Fatal("server not running after start")
	}
	if srv.ClientURL() == "" {
		t.Fatal("empty client URL")
	}

	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if srv.IsRunning() {
		t.Fatal("server still running after shutdown")
	}
}

func TestEmbeddedServerShutdownReturnsUnderDeadline(t *testing.T) {
	srv := startEmbedded(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- srv.Shutdown(ctx) }()

	// Shutdown must return by the context deadline at the latest, never
	// block unbounded on the broker's internal wait.
	select {
	case err := <-done:
		if err != nil && ctx.Err() == nil {
			t.Fatalf("Shutdown: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Shutdown did not return")
	}
}
