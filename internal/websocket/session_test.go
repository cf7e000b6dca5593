// Floragate - Multi-Tenant Greenhouse Telemetry Gateway
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/floragate/floragate

package websocket

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/floragate/floragate/internal/fanout"
	"github.com/floragate/floragate/internal/logging"
)

//nolint:gochecknoinits // init ensures quiet logging for tests
func init() {
	logging.Init(logging.Config{Level: "disabled", Output: io.Discard})
}

type fakeSender struct {
	mu   sync.Mutex
	sent [][3]string
}

func (s *fakeSender) Dispatch(userID, feedKey, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, [3]string{userID, feedKey, value})
	return nil
}

func (s *fakeSender) last() ([3]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) == 0 {
		return [3]string{}, false
	}
	return s.sent[len(s.sent)-1], true
}

// dialSession spins up a server that runs one Session per connection
// and returns a connected client.
func dialSession(t *testing.T, fan *fanout.Broker, sender CommandSender, filterKey string) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		NewSession("alice", conn, fan, sender, filterKey).Run()
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

// waitForReaders blocks until the user's fan-out channel has n readers.
func waitForReaders(t *testing.T, fan *fanout.Broker, n int) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for fan.ReaderCount("alice") != n {
		select {
		case <-deadline:
			t.Fatalf("reader count never reached %d", n)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSessionStreamsFanout(t *testing.T) {
	fan := fanout.NewBroker()
	fan.Register("alice")
	client := dialSession(t, fan, &fakeSender{}, "")
	waitForReaders(t, fan, 1)

	payload := `{"key":"zone1.temp","data":{"value":"21.5"}}`
	fan.Publish("alice", payload)

	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if string(msg) != payload {
		t.Errorf("got %q, want %q", msg, payload)
	}
}

func TestSessionFilterKey(t *testing.T) {
	fan := fanout.NewBroker()
	fan.Register("alice")
	client := dialSession(t, fan, &fakeSender{}, "zone1.temp")
	waitForReaders(t, fan, 1)

	fan.Publish("alice", `{"key":"zone1.hum","data":{"value":"55"}}`)
	fan.Publish("alice", `{"key":"zone1.temp","data":{"value":"21.5"}}`)

	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if !strings.Contains(string(msg), "zone1.temp") {
		t.Errorf("filter leaked foreign message: %q", msg)
	}
}

func TestSessionInboundCommandFrame(t *testing.T) {
	fan := fanout.NewBroker()
	fan.Register("alice")
	sender := &fakeSender{}
	client := dialSession(t, fan, sender, "")
	waitForReaders(t, fan, 1)

	if err := client.WriteJSON(map[string]string{"feed": "zone1.fan", "value": "1"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		if cmd, ok := sender.last(); ok {
			if cmd != [3]string{"alice", "zone1.fan", "1"} {
				t.Errorf("dispatched %v", cmd)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("command never dispatched")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSessionClosesWhenChannelUnregistered(t *testing.T) {
	fan := fanout.NewBroker()
	fan.Register("alice")
	client := dialSession(t, fan, &fakeSender{}, "")
	waitForReaders(t, fan, 1)

	fan.Unregister("alice")

	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := client.ReadMessage()
	if err == nil {
		t.Fatal("expected close after unregister")
	}
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Logf("close error = %v", err)
	}
}
