// Floragate - Multi-Tenant Greenhouse Telemetry Gateway
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/floragate/floragate

package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/floragate/floragate/internal/logging"
	"github.com/floragate/floragate/internal/metrics"
	"github.com/floragate/floragate/internal/models"
)

// InboundSink receives every message arriving on a user's connection.
// The telemetry router implements it.
type InboundSink interface {
	Dispatch(user models.User, topic string, payload []byte) error
}

// PipelineHooks lets the registry announce user activation/teardown so
// downstream consumers (router handlers, fan-out channel) can follow the
// subscription lifecycle. Both calls are idempotent.
type PipelineHooks interface {
	UserActivated(user models.User)
	UserDeactivated(userID string)
}

// Registry owns the inbound connection lifecycle: exactly one live
// connection per user with at least one topic, and none otherwise.
//
// All mutating operations for a single user are mutually exclusive;
// operations for different users proceed in parallel. No lock is shared
// across users while broker I/O is in flight.
type Registry struct {
	dialer Dialer
	sink   InboundSink
	hooks  PipelineHooks

	mu    sync.Mutex
	users map[string]*subscription
}

// subscription is one user's entry. conn is nil in the Absent state.
// Entries persist across login cycles; only the connection is released.
type subscription struct {
	mu     sync.Mutex
	user   models.User
	conn   Conn
	topics map[string]Subscription
}

// NewRegistry creates a registry. hooks may be nil.
func NewRegistry(dialer Dialer, sink InboundSink, hooks PipelineHooks) *Registry {
	return &Registry{
		dialer: dialer,
		sink:   sink,
		hooks:  hooks,
		users:  make(map[string]*subscription),
	}
}

// entry returns the per-user entry, creating a placeholder if absent.
// Only the map access is under the registry lock; per-user work happens
// under the entry's own lock.
func (r *Registry) entry(userID string) *subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.users[userID]
	if !ok {
		e = &subscription{topics: make(map[string]Subscription)}
		r.users[userID] = e
	}
	return e
}

// Subscribe opens the user's connection if absent and subscribes the
// given topics. With an already-active connection the call is
// idempotent: new topics are unioned in, topics already present produce
// no duplicate subscription. An empty topic list is a no-op.
func (r *Registry) Subscribe(ctx context.Context, user models.User, topics []string) error {
	if len(topics) == 0 {
		logging.Warn().Str("user", user.ID).Msg("no topics to subscribe")
		return nil
	}

	e := r.entry(user.ID)
	e.mu.Lock()
	defer e.mu.Unlock()

	return r.subscribeLocked(ctx, e, user, topics)
}

// subscribeLocked performs the connect-and-subscribe work with e.mu held.
func (r *Registry) subscribeLocked(ctx context.Context, e *subscription, user models.User, topics []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	created := false
	if e.conn == nil {
		conn, err := r.dialer.Dial(user.Credential)
		if err != nil {
			// The user stays Absent so the caller can retry.
			return fmt.Errorf("subscribe %s: %w", user.ID, err)
		}
		e.conn = conn
		e.user = user
		e.topics = make(map[string]Subscription)
		created = true
		metrics.ActiveSubscriptions.Inc()
	}

	for _, topic := range topics {
		if _, ok := e.topics[topic]; ok {
			logging.Debug().Str("user", user.ID).Str("topic", topic).Msg("topic already subscribed")
			continue
		}
		sub, err := e.conn.Subscribe(topic, r.handlerFor(e))
		if err != nil {
			if created {
				// A fresh connection that cannot subscribe is torn back
				// down; the user is left Absent for a clean retry.
				r.releaseLocked(e)
			}
			return fmt.Errorf("subscribe %s topic %s: %w", user.ID, topic, err)
		}
		e.topics[topic] = sub
		metrics.SubscribedTopics.Inc()
	}

	if created && r.hooks != nil {
		r.hooks.UserActivated(user)
	}
	logging.Info().Str("user", user.ID).Int("topics", len(e.topics)).Msg("subscription active")
	return nil
}

// handlerFor builds the message handler for a user's connection. The
// user value is captured at subscribe time; teardown closes the
// connection so no further messages arrive.
func (r *Registry) handlerFor(e *subscription) MessageHandler {
	user := e.user
	return func(topic string, payload []byte) {
		if len(payload) == 0 {
			logging.Warn().Str("user", user.ID).Str("topic", topic).Msg("empty payload, dropping")
			return
		}
		if err := r.sink.Dispatch(user, topic, payload); err != nil {
			logging.Error().Err(err).Str("user", user.ID).Str("topic", topic).Msg("inbound dispatch failed")
		}
	}
}

// AddTopic adds one topic to the user's live connection. If the user is
// Absent it behaves like Subscribe with a singleton list; if the topic
// is already present it logs and no-ops.
func (r *Registry) AddTopic(ctx context.Context, user models.User, topic string) error {
	e := r.entry(user.ID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn == nil {
		logging.Info().Str("user", user.ID).Msg("no active subscription, subscribing instead")
		return r.subscribeLocked(ctx, e, user, []string{topic})
	}
	if _, ok := e.topics[topic]; ok {
		logging.Info().Str("user", user.ID).Str("topic", topic).Msg("topic already subscribed")
		return nil
	}

	sub, err := e.conn.Subscribe(topic, r.handlerFor(e))
	if err != nil {
		return fmt.Errorf("add topic %s for %s: %w", topic, user.ID, err)
	}
	e.topics[topic] = sub
	metrics.SubscribedTopics.Inc()
	logging.Info().Str("user", user.ID).Str("topic", topic).Msg("topic added")
	return nil
}

// RemoveTopic unsubscribes one topic. Removing the last topic tears the
// connection down entirely so no idle connection is leaked.
func (r *Registry) RemoveTopic(userID, topic string) error {
	e := r.entry(userID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn == nil {
		logging.Warn().Str("user", userID).Str("topic", topic).Msg("remove topic for absent user")
		return nil
	}

	sub, ok := e.topics[topic]
	if !ok {
		logging.Warn().Str("user", userID).Str("topic", topic).Msg("remove unknown topic")
		return nil
	}
	if err := sub.Unsubscribe(); err != nil {
		logging.Error().Err(err).Str("user", userID).Str("topic", topic).Msg("unsubscribe failed")
	}
	delete(e.topics, topic)
	metrics.SubscribedTopics.Dec()

	if len(e.topics) == 0 {
		r.releaseLocked(e)
		if r.hooks != nil {
			r.hooks.UserDeactivated(userID)
		}
		logging.Info().Str("user", userID).Msg("last topic removed, connection closed")
	}
	return nil
}

// Teardown force-closes the user's connection regardless of remaining
// topics. Used on logout.
func (r *Registry) Teardown(userID string) {
	e := r.entry(userID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.conn == nil {
		return
	}
	r.releaseLocked(e)
	if r.hooks != nil {
		r.hooks.UserDeactivated(userID)
	}
	logging.Info().Str("user", userID).Msg("subscription torn down")
}

// releaseLocked closes the connection and resets the entry to Absent.
// Must be called with e.mu held.
func (r *Registry) releaseLocked(e *subscription) {
	metrics.SubscribedTopics.Sub(float64(len(e.topics)))
	e.conn.Close()
	e.conn = nil
	e.topics = make(map[string]Subscription)
	metrics.ActiveSubscriptions.Dec()
}

// IsActive reports whether the user currently has a live connection.
func (r *Registry) IsActive(userID string) bool {
	e := r.entry(userID)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn != nil
}

// Topics returns the user's currently subscribed topics.
func (r *Registry) Topics(userID string) []string {
	e := r.entry(userID)
	e.mu.Lock()
	defer e.mu.Unlock()

	topics := make([]string, 0, len(e.topics))
	for t := range e.topics {
		topics = append(topics, t)
	}
	return topics
}
