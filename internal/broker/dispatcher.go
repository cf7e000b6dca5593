// Floragate - Multi-Tenant Greenhouse Telemetry Gateway
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/floragate/floragate

package broker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/floragate/floragate/internal/feed"
	"github.com/floragate/floragate/internal/logging"
	"github.com/floragate/floragate/internal/metrics"
	"github.com/floragate/floragate/internal/models"
)

// ErrRateLimited is returned when a user's outbound command budget is
// exhausted. Callers treat it as a dispatch failure, not a retryable
// transport error.
var ErrRateLimited = errors.New("command rate limit exceeded")

// ErrUnknownUser is returned when a command targets a user the
// directory cannot resolve.
var ErrUnknownUser = errors.New("unknown user")

// Directory resolves a user ID to its broker credential. The config
// package's static user list implements it.
type Directory interface {
	Lookup(userID string) (models.User, bool)
}

// PublisherFactory builds an outbound publisher authenticated as one
// user. Tests substitute an in-memory factory.
type PublisherFactory interface {
	NewPublisher(cred models.Credential) (message.Publisher, error)
}

// DispatcherConfig bounds per-user outbound behaviour.
type DispatcherConfig struct {
	// RateLimit is commands per second per user; Burst is the bucket size.
	RateLimit rate.Limit
	Burst     int
	// BreakerMaxFailures consecutive publish failures open the breaker.
	BreakerMaxFailures uint32
	// BreakerTimeout is how long the breaker stays open before probing.
	BreakerTimeout time.Duration
}

// DefaultDispatcherConfig matches the actuation cadence of a small
// greenhouse fleet.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		RateLimit:          rate.Limit(5),
		Burst:              10,
		BreakerMaxFailures: 5,
		BreakerTimeout:     30 * time.Second,
	}
}

// Dispatcher publishes actuation commands on per-user authenticated
// connections. Publishers are created lazily on first use and cached;
// each is wrapped in a circuit breaker and a token-bucket limiter.
type Dispatcher struct {
	dir     Directory
	factory PublisherFactory
	cfg     DispatcherConfig

	mu      sync.Mutex
	handles map[string]*handle
}

// handle is one user's cached outbound state. createMu serializes lazy
// creation without caching a failure forever.
type handle struct {
	createMu sync.Mutex
	pub      message.Publisher
	breaker  *gobreaker.CircuitBreaker[interface{}]
	limiter  *rate.Limiter
}

// NewDispatcher creates a dispatcher over the given user directory and
// publisher factory.
func NewDispatcher(dir Directory, factory PublisherFactory, cfg DispatcherConfig) *Dispatcher {
	return &Dispatcher{
		dir:     dir,
		factory: factory,
		cfg:     cfg,
		handles: make(map[string]*handle),
	}
}

func (d *Dispatcher) handleFor(userID string) *handle {
	d.mu.Lock()
	defer d.mu.Unlock()

	h, ok := d.handles[userID]
	if !ok {
		h = &handle{
			limiter: rate.NewLimiter(d.cfg.RateLimit, d.cfg.Burst),
		}
		d.handles[userID] = h
	}
	return h
}

// ensurePublisher lazily creates the user's publisher and breaker. A
// creation failure is returned to the caller and retried on the next
// dispatch rather than poisoning the handle.
func (d *Dispatcher) ensurePublisher(user models.User, h *handle) error {
	h.createMu.Lock()
	defer h.createMu.Unlock()

	if h.pub != nil {
		return nil
	}

	pub, err := d.factory.NewPublisher(user.Credential)
	if err != nil {
		return fmt.Errorf("create publisher for %s: %w", user.ID, err)
	}

	maxFailures := d.cfg.BreakerMaxFailures
	h.breaker = gobreaker.NewCircuitBreaker[interface{}](gobreaker.Settings{
		Name:    "dispatch-" + user.ID,
		Timeout: d.cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("dispatch breaker state change")
		},
	})
	h.pub = pub
	return nil
}

// Dispatch publishes value to the user's command topic for feedKey. The
// publish is fire-and-forget at the application level: a failed send is
// logged and returned but never retried here.
func (d *Dispatcher) Dispatch(userID, feedKey, value string) error {
	h := d.handleFor(userID)

	if !h.limiter.Allow() {
		metrics.CommandPublishes.WithLabelValues("rate_limited").Inc()
		logging.Warn().Str("user", userID).Str("feed", feedKey).Msg("command rate limited")
		return fmt.Errorf("dispatch %s/%s: %w", userID, feedKey, ErrRateLimited)
	}

	user, ok := d.dir.Lookup(userID)
	if !ok {
		metrics.CommandPublishes.WithLabelValues("error").Inc()
		return fmt.Errorf("dispatch %s/%s: %w", userID, feedKey, ErrUnknownUser)
	}

	if err := d.ensurePublisher(user, h); err != nil {
		metrics.CommandPublishes.WithLabelValues("error").Inc()
		return err
	}

	topic := feed.CommandTopic(user.Username(), feedKey)
	msg := message.NewMessage(uuid.NewString(), []byte(value))

	_, err := h.breaker.Execute(func() (interface{}, error) {
		return nil, h.pub.Publish(topic, msg)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.CommandPublishes.WithLabelValues("breaker_open").Inc()
		} else {
			metrics.CommandPublishes.WithLabelValues("error").Inc()
		}
		logging.Error().Err(err).Str("user", userID).Str("topic", topic).Msg("command publish failed")
		return fmt.Errorf("dispatch %s/%s: %w", userID, feedKey, err)
	}

	metrics.CommandPublishes.WithLabelValues("ok").Inc()
	logging.Info().Str("user", userID).Str("topic", topic).Str("value", value).Msg("command dispatched")
	return nil
}

// Close releases all cached publishers.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var firstErr error
	for id, h := range d.handles {
		h.createMu.Lock()
		if h.pub != nil {
			if err := h.pub.Close(); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("close publisher %s: %w", id, err)
			}
			h.pub = nil
		}
		h.createMu.Unlock()
	}
	d.handles = make(map[string]*handle)
	return firstErr
}
