// Floragate - Multi-Tenant Greenhouse Telemetry Gateway
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/floragate/floragate

// Package fanout implements the per-user live multicast channel. The
// telemetry router writes accepted readings in; live-client sessions
// read them out. Delivery is live-only: a message published while a user
// has no attached readers is dropped, never buffered for later readers.
package fanout

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/floragate/floragate/internal/logging"
	"github.com/floragate/floragate/internal/metrics"
)

// readerBuffer is the per-reader channel capacity. A reader that falls
// this far behind loses messages rather than blocking the producer.
const readerBuffer = 256

// readerIDCounter assigns stable ids so multicast iterates readers in a
// deterministic order.
var readerIDCounter atomic.Uint64

// reader is one attached live-client receive handle.
type reader struct {
	id uint64
	ch chan string
}

// Channel is one user's multicast sink.
type Channel struct {
	userID  string
	mu      sync.Mutex
	readers map[uint64]*reader
	closed  bool
}

// Broker owns the per-user channel map. Channel creation and removal use
// atomic presence checks so concurrent callers never race two channels
// into existence for the same user.
type Broker struct {
	mu       sync.RWMutex
	channels map[string]*Channel
}

// NewBroker creates an empty fan-out broker.
func NewBroker() *Broker {
	return &Broker{channels: make(map[string]*Channel)}
}

// Register creates the user's channel if absent. It is idempotent: a
// second call for the same user returns the existing channel.
func (b *Broker) Register(userID string) *Channel {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.channels[userID]; ok {
		return ch
	}
	ch := &Channel{userID: userID, readers: make(map[uint64]*reader)}
	b.channels[userID] = ch
	logging.Debug().Str("user", userID).Msg("fanout channel registered")
	return ch
}

// Unregister completes and removes the user's channel. Any live readers
// observe channel closure on their receive channels.
func (b *Broker) Unregister(userID string) {
	b.mu.Lock()
	ch, ok := b.channels[userID]
	if ok {
		delete(b.channels, userID)
	}
	b.mu.Unlock()

	if ok {
		ch.close()
		logging.Debug().Str("user", userID).Msg("fanout channel unregistered")
	}
}

// Publish multicasts a message to every current reader of the user's
// channel. With no channel or zero readers the message is dropped with a
// warning; the producer never blocks on reader count.
func (b *Broker) Publish(userID, message string) {
	b.mu.RLock()
	ch, ok := b.channels[userID]
	b.mu.RUnlock()

	if !ok {
		metrics.FanoutDropped.WithLabelValues("no_channel").Inc()
		logging.Warn().Str("user", userID).Msg("no fanout channel, dropping message")
		return
	}
	ch.publish(message)
}

// Subscribe attaches a new reader to the user's channel, creating the
// channel if absent. Every attached reader receives every published
// message in publish order. The returned cancel function detaches the
// reader and closes its receive channel.
func (b *Broker) Subscribe(userID string) (<-chan string, func()) {
	ch := b.Register(userID)
	return ch.subscribe()
}

// ReaderCount returns the number of attached readers for a user.
func (b *Broker) ReaderCount(userID string) int {
	b.mu.RLock()
	ch, ok := b.channels[userID]
	b.mu.RUnlock()
	if !ok {
		return 0
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.readers)
}

func (c *Channel) publish(message string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		metrics.FanoutDropped.WithLabelValues("no_channel").Inc()
		return
	}
	if len(c.readers) == 0 {
		metrics.FanoutDropped.WithLabelValues("no_readers").Inc()
		logging.Warn().Str("user", c.userID).Msg("no fanout readers, dropping message")
		return
	}

	// Iterate readers in id order so every reader sees the same delivery
	// order across publishes.
	ids := make([]uint64, 0, len(c.readers))
	for id := range c.readers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		r := c.readers[id]
		select {
		case r.ch <- message:
		default:
			// Reader buffer full: drop this message for this reader only.
			metrics.FanoutDropped.WithLabelValues("reader_full").Inc()
			logging.Warn().Str("user", c.userID).Uint64("reader", id).Msg("fanout reader full, dropping message")
		}
	}
	metrics.FanoutDelivered.Inc()
}

func (c *Channel) subscribe() (<-chan string, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := &reader{id: readerIDCounter.Add(1), ch: make(chan string, readerBuffer)}
	if c.closed {
		// Subscribing to a closed channel yields an already-closed stream.
		close(r.ch)
		return r.ch, func() {}
	}

	c.readers[r.id] = r
	metrics.FanoutReaders.Inc()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if _, ok := c.readers[r.id]; ok {
				delete(c.readers, r.id)
				close(r.ch)
				metrics.FanoutReaders.Dec()
			}
		})
	}
	return r.ch, cancel
}

func (c *Channel) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	for id, r := range c.readers {
		close(r.ch)
		delete(c.readers, id)
		metrics.FanoutReaders.Dec()
	}
}
