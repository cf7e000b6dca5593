// Floragate - Multi-Tenant Greenhouse Telemetry Gateway
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/floragate/floragate

// Package router runs the inbound telemetry pipeline. Each active user
// gets one handler on a dedicated in-process topic, so messages for one
// user process in arrival order while different users run in parallel.
package router

import (
	"context"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"

	"github.com/floragate/floragate/internal/fanout"
	"github.com/floragate/floragate/internal/models"
	"github.com/floragate/floragate/internal/rules"
	"github.com/floragate/floragate/internal/store"
)

const brokerTopicMetadataKey = "broker_topic"

// inboundTopic is the in-process routing topic for one user's messages.
func inboundTopic(userID string) string {
	return "telemetry.inbound." + userID
}

// TelemetryRouter bridges inbound broker messages through parsing,
// rule evaluation, persistence and live fan-out. It implements the
// broker registry's sink and lifecycle hook interfaces.
type TelemetryRouter struct {
	pubsub    *gochannel.GoChannel
	router    *message.Router
	engine    *rules.Engine
	ruleStore store.RuleStore
	telemetry store.TelemetryStore
	fanout    *fanout.Broker
	logger    watermill.LoggerAdapter

	mu       sync.Mutex
	handlers map[string]*message.Handler
}

// NewTelemetryRouter wires the pipeline. Call Run before subscribing
// any users; handlers added afterwards start dynamically.
func NewTelemetryRouter(
	engine *rules.Engine,
	ruleStore store.RuleStore,
	telemetry store.TelemetryStore,
	fan *fanout.Broker,
	logger watermill.LoggerAdapter,
) (*TelemetryRouter, error) {
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	wmRouter, err := message.NewRouter(message.RouterConfig{}, logger)
	if err != nil {
		return nil, fmt.Errorf("create router: %w", err)
	}
	wmRouter.AddMiddleware(middleware.Recoverer)

	pubsub := gochannel.NewGoChannel(gochannel.Config{}, logger)

	// The router closes itself once every handler has stopped. A
	// permanent idle handler keeps it alive while the user population
	// churns down to zero.
	wmRouter.AddNoPublisherHandler(
		"telemetry-keepalive",
		"telemetry.keepalive",
		pubsub,
		func(*message.Message) error { return nil },
	)

	return &TelemetryRouter{
		pubsub:    pubsub,
		router:    wmRouter,
		engine:    engine,
		ruleStore: ruleStore,
		telemetry: telemetry,
		fanout:    fan,
		logger:    logger,
		handlers:  make(map[string]*message.Handler),
	}, nil
}

// Run starts the router loop and blocks until ctx is cancelled.
func (t *TelemetryRouter) Run(ctx context.Context) error {
	return t.router.Run(ctx)
}

// Running returns a channel closed once the router loop is up.
func (t *TelemetryRouter) Running() chan struct{} {
	return t.router.Running()
}

// Close stops the router and the in-process pub/sub.
func (t *TelemetryRouter) Close() error {
	if err := t.router.Close(); err != nil {
		return err
	}
	return t.pubsub.Close()
}

// UserActivated registers the user's fan-out channel and pipeline
// handler. Idempotent.
func (t *TelemetryRouter) UserActivated(user models.User) {
	t.fanout.Register(user.ID)
	if err := t.ensureHandler(user); err != nil {
		t.logger.Error("start pipeline handler", err, watermill.LogFields{"user": user.ID})
	}
}

// UserDeactivated stops the user's handler and closes the fan-out
// channel, releasing any live readers. It blocks until the handler has
// fully stopped so an immediate re-activation starts from a clean slate.
func (t *TelemetryRouter) UserDeactivated(userID string) {
	t.mu.Lock()
	h, ok := t.handlers[userID]
	if ok {
		delete(t.handlers, userID)
	}
	t.mu.Unlock()

	if ok {
		h.Stop()
		<-h.Stopped()
	}
	t.fanout.Unregister(userID)
}

// Dispatch enqueues one inbound broker message onto the user's
// pipeline topic. Called from broker callback goroutines; the actual
// processing happens on the user's single handler.
func (t *TelemetryRouter) Dispatch(user models.User, topic string, payload []byte) error {
	if err := t.ensureHandler(user); err != nil {
		return err
	}

	msg := message.NewMessage(uuid.NewString(), payload)
	msg.Metadata.Set(brokerTopicMetadataKey, topic)
	if err := t.pubsub.Publish(inboundTopic(user.ID), msg); err != nil {
		return fmt.Errorf("enqueue inbound for %s: %w", user.ID, err)
	}
	return nil
}

// ensureHandler adds and starts the user's pipeline handler once.
func (t *TelemetryRouter) ensureHandler(user models.User) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.handlers[user.ID]; ok {
		return nil
	}

	// Handler names carry a per-activation nonce: the previous
	// activation's name stays registered in the router until its
	// goroutine exits, and reusing it would panic.
	h := t.router.AddNoPublisherHandler(
		"telemetry-"+user.ID+"-"+watermill.NewShortUUID(),
		inboundTopic(user.ID),
		t.pubsub,
		t.handlerFunc(user),
	)
	t.handlers[user.ID] = h

	if err := t.router.RunHandlers(context.Background()); err != nil {
		delete(t.handlers, user.ID)
		return fmt.Errorf("run handler for %s: %w", user.ID, err)
	}

	// Block until the handler's subscription is live so the first
	// message cannot slip past an unsubscribed topic.
	<-h.Started()
	return nil
}

// handlerFunc binds the processing pipeline to one user. Errors never
// propagate to the router: a bad message is logged, counted and
// dropped so it cannot wedge the user's queue.
func (t *TelemetryRouter) handlerFunc(user models.User) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		t.process(msg.Context(), user, msg.Metadata.Get(brokerTopicMetadataKey), msg.Payload)
		return nil
	}
}
