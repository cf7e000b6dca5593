// Floragate - Multi-Tenant Greenhouse Telemetry Gateway
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/floragate/floragate

// Package main is the entry point for the Floragate gateway.
//
// The gateway bridges a pub/sub telemetry broker to persistent storage,
// live WebSocket fan-out and a debounced threshold rule engine. Boot
// order:
//
//  1. Configuration: defaults, optional YAML file, FLORAGATE_* env vars
//  2. Storage: DuckDB for telemetry, BadgerDB for feed rules
//  3. Broker: embedded NATS server (optional) or an external URL
//  4. Pipeline: telemetry router, rule engine, command dispatcher
//  5. Subscriptions: one broker connection per configured user
//  6. HTTP server: health, metrics, WebSocket stream, command endpoint
//
// Everything long-running sits under a suture supervisor tree and the
// process shuts down gracefully on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/floragate/floragate/internal/api"
	"github.com/floragate/floragate/internal/broker"
	"github.com/floragate/floragate/internal/config"
	"github.com/floragate/floragate/internal/fanout"
	"github.com/floragate/floragate/internal/logging"
	"github.com/floragate/floragate/internal/mail"
	"github.com/floragate/floragate/internal/models"
	"github.com/floragate/floragate/internal/router"
	"github.com/floragate/floragate/internal/rules"
	"github.com/floragate/floragate/internal/store"
	"github.com/floragate/floragate/internal/supervisor"
	"github.com/floragate/floragate/internal/supervisor/services"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	logging.Info().Msg("starting floragate")

	users, err := cfg.ResolveUsers()
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to resolve users")
	}
	logging.Info().
		Int("users", len(users)).
		Str("telemetry_db", cfg.Database.TelemetryPath).
		Str("rules_db", cfg.Database.RulesPath).
		Msg("configuration loaded")

	ruleStore, err := store.NewBadgerRuleStore(cfg.Database.RulesPath)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to open rule store")
	}
	defer closeQuietly("rule store", ruleStore.Close)

	telemetryStore, err := store.NewDuckDBTelemetryStore(cfg.Database.TelemetryPath)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to open telemetry store")
	}
	defer closeQuietly("telemetry store", telemetryStore.Close)

	// The embedded broker starts before anything dials it so its client
	// URL is known.
	var embedded *broker.EmbeddedServer
	brokerURL := cfg.Broker.URL
	if cfg.Broker.Embedded {
		embedded, err = broker.NewEmbeddedServer(broker.EmbeddedServerConfig{
			Host:  cfg.Broker.Host,
			Port:  cfg.Broker.Port,
			Users: users,
		})
		if err != nil {
			logging.Fatal().Err(err).Msg("failed to start embedded broker")
		}
		brokerURL = embedded.ClientURL()
		logging.Info().Str("url", brokerURL).Msg("embedded broker running")
	}

	var mailer mail.Mailer = mail.NopMailer{}
	if cfg.SMTP.Host != "" {
		mailer = mail.NewSMTPMailer(cfg.SMTP)
		logging.Info().Str("relay", cfg.SMTP.Host).Msg("alert mail enabled")
	}

	wmLogger := logging.NewWatermillAdapter()
	fan := fanout.NewBroker()

	dispatcher := broker.NewDispatcher(
		broker.NewStaticDirectory(users),
		broker.NewNATSPublisherFactory(brokerURL, wmLogger),
		broker.DispatcherConfig{
			RateLimit:          rate.Limit(cfg.Dispatch.RateLimit),
			Burst:              cfg.Dispatch.Burst,
			BreakerMaxFailures: cfg.Dispatch.BreakerMaxFailures,
			BreakerTimeout:     cfg.Dispatch.BreakerTimeout,
		},
	)
	defer closeQuietly("dispatcher", dispatcher.Close)

	engine := rules.NewEngine(ruleStore, mailer, dispatcher)

	telemetryRouter, err := router.NewTelemetryRouter(engine, ruleStore, telemetryStore, fan, wmLogger)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to create telemetry router")
	}

	registry := broker.NewRegistry(broker.NewNATSDialer(brokerURL), telemetryRouter, telemetryRouter)

	jwtManager, err := api.NewJWTManager(cfg.Security.JWTSecret, cfg.Security.TokenTTL)
	if err != nil {
		logging.Fatal().Err(err).Msg("failed to initialize JWT manager")
	}

	ready := func() bool {
		if embedded != nil && !embedded.IsRunning() {
			return false
		}
		select {
		case <-telemetryRouter.Running():
			return true
		default:
			return false
		}
	}
	apiServer := api.NewServer(cfg.Server, jwtManager, fan, dispatcher, ready)

	tree := supervisor.NewTree(supervisor.DefaultTreeConfig())
	if embedded != nil {
		tree.AddBrokerService(services.NewNATSService(embedded, cfg.Server.ShutdownTimeout))
	}
	tree.AddPipelineService(services.NewRouterService(telemetryRouter))
	tree.AddAPIService(services.NewHTTPService(apiServer, cfg.Server.ShutdownTimeout))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	treeDone := tree.ServeBackground(ctx)

	// Broker subscriptions wait for the router loop so the first inbound
	// message finds a live pipeline.
	select {
	case <-telemetryRouter.Running():
	case <-ctx.Done():
		logging.Info().Msg("shutdown before startup completed")
		return
	}
	subscribeConfiguredUsers(ctx, registry, cfg, users)

	logging.Info().
		Str("addr", cfg.Server.Host).
		Int("port", cfg.Server.Port).
		Msg("floragate ready")

	<-ctx.Done()
	logging.Info().Msg("shutting down")

	for _, u := range users {
		registry.Teardown(u.ID)
	}

	select {
	case err := <-treeDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("supervisor tree exited with error")
		}
	case <-time.After(cfg.Server.ShutdownTimeout + 5*time.Second):
		if report, rerr := tree.UnstoppedServiceReport(); rerr == nil && len(report) > 0 {
			for _, svc := range report {
				logging.Warn().Str("service", svc.Name).Msg("service did not stop in time")
			}
		}
	}

	closeQuietly("telemetry router", telemetryRouter.Close)
	logging.Info().Msg("floragate stopped")
}

// subscribeConfiguredUsers opens one broker connection per user that
// has startup topics. Failures are logged, not fatal; a user with a bad
// credential should not block the rest of the fleet.
func subscribeConfiguredUsers(ctx context.Context, registry *broker.Registry, cfg *config.Config, users []models.User) {
	topicsByID := make(map[string][]string, len(cfg.Users))
	for _, entry := range cfg.Users {
		topicsByID[entry.ID] = entry.Topics
	}

	for _, user := range users {
		topics := topicsByID[user.ID]
		if len(topics) == 0 {
			continue
		}
		if err := registry.Subscribe(ctx, user, topics); err != nil {
			logging.Error().Err(err).Str("user", user.ID).Msg("startup subscription failed")
		}
	}
}

func closeQuietly(name string, closeFn func() error) {
	if err := closeFn(); err != nil {
		logging.Error().Err(err).Str("component", name).Msg("close failed")
	}
}
