// Floragate - Multi-Tenant Greenhouse Telemetry Gateway
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/floragate/floragate

package fanout

import (
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/floragate/floragate/internal/logging"
)

//nolint:gochecknoinits // init ensures quiet logging for tests
func init() {
	logging.Init(logging.Config{Level: "disabled", Output: io.Discard})
}

func recvOrTimeout(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case msg, ok := <-ch:
		if !ok {
			t.Fatal("channel closed unexpectedly")
		}
		return msg
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for fanout message")
	}
	return ""
}

func TestRegisterIdempotent(t *testing.T) {
	b := NewBroker()

	first := b.Register("alice")
	second := b.Register("alice")
	if first != second {
		t.Error("Register created a second channel for the same user")
	}
}

func TestPublishNoChannelDrops(t *testing.T) {
	b := NewBroker()

	// Must not panic or block.
	b.Publish("nobody", `{"data":{"value":"1"}}`)
}

func TestPublishNoReadersDrops(t *testing.T) {
	b := NewBroker()
	b.Register("alice")

	b.Publish("alice", "msg")

	if got := b.ReaderCount("alice"); got != 0 {
		t.Errorf("ReaderCount = %d, want 0", got)
	}
}

func TestMulticastAllReadersInOrder(t *testing.T) {
	b := NewBroker()

	const readers = 3
	const messages = 10

	chans := make([]<-chan string, readers)
	cancels := make([]func(), readers)
	for i := range chans {
		chans[i], cancels[i] = b.Subscribe("alice")
	}
	defer func() {
		for _, cancel := range cancels {
			cancel()
		}
	}()

	for i := 0; i < messages; i++ {
		b.Publish("alice", fmt.Sprintf("msg-%d", i))
	}

	for r, ch := range chans {
		for i := 0; i < messages; i++ {
			want := fmt.Sprintf("msg-%d", i)
			if got := recvOrTimeout(t, ch); got != want {
				t.Fatalf("reader %d message %d = %q, want %q", r, i, got, want)
			}
		}
	}
}

func TestSubscribeCancelDetaches(t *testing.T) {
	b := NewBroker()

	ch, cancel := b.Subscribe("alice")
	if got := b.ReaderCount("alice"); got != 1 {
		t.Fatalf("ReaderCount = %d, want 1", got)
	}

	cancel()
	if got := b.ReaderCount("alice"); got != 0 {
		t.Errorf("ReaderCount after cancel = %d, want 0", got)
	}

	if _, ok := <-ch; ok {
		t.Error("reader channel not closed after cancel")
	}

	// Cancel is safe to call twice.
	cancel()
}

func TestUnregisterClosesReaders(t *testing.T) {
	b := NewBroker()

	ch, cancel := b.Subscribe("alice")
	defer cancel()

	b.Unregister("alice")

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected closed channel, got message")
		}
	case <-time.After(time.Second):
		t.Fatal("reader channel not closed by Unregister")
	}

	// Publishing after unregister is a silent drop.
	b.Publish("alice", "late")
}

func TestSubscribeIsolatedPerUser(t *testing.T) {
	b := NewBroker()

	aliceCh, cancelA := b.Subscribe("alice")
	_, cancelB := b.Subscribe("bob")
	defer cancelA()
	defer cancelB()

	b.Publish("alice", "for-alice")

	if got := recvOrTimeout(t, aliceCh); got != "for-alice" {
		t.Errorf("alice got %q", got)
	}
	if got := b.ReaderCount("bob"); got != 1 {
		t.Errorf("bob ReaderCount = %d, want 1", got)
	}
}
