// Floragate - Multi-Tenant Greenhouse Telemetry Gateway
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/floragate/floragate

// Package websocket frames the live telemetry stream for connected
// clients and accepts inbound command frames from them.
package websocket

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/floragate/floragate/internal/fanout"
	"github.com/floragate/floragate/internal/logging"
	"github.com/floragate/floragate/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// CommandSender dispatches a command frame received from the client.
type CommandSender interface {
	Dispatch(userID, feedKey, value string) error
}

// commandFrame is the inbound client message shape.
type commandFrame struct {
	Feed  string `json:"feed"`
	Value string `json:"value"`
}

// Session is one client's live connection: a fan-out reader pumped out
// over the socket, and inbound frames forwarded to the dispatcher.
type Session struct {
	userID    string
	conn      *websocket.Conn
	fanout    *fanout.Broker
	sender    CommandSender
	filterKey string
}

// NewSession wraps an upgraded connection. filterKey, when non-empty,
// restricts the outbound stream to messages whose JSON "key" field
// matches it.
func NewSession(userID string, conn *websocket.Conn, fan *fanout.Broker, sender CommandSender, filterKey string) *Session {
	return &Session{
		userID:    userID,
		conn:      conn,
		fanout:    fan,
		sender:    sender,
		filterKey: filterKey,
	}
}

// Run pumps the session until the client disconnects or the user's
// fan-out channel closes. Blocks; callers run it per connection.
func (s *Session) Run() {
	metrics.WebSocketConnections.Inc()
	defer metrics.WebSocketConnections.Dec()

	stream, cancel := s.fanout.Subscribe(s.userID)
	defer cancel()

	done := make(chan struct{})
	go s.readPump(done)
	s.writePump(stream, done)
}

// matchesFilter applies the client's optional key filter. Messages
// without a parseable "key" field pass only when no filter is set.
func (s *Session) matchesFilter(raw string) bool {
	if s.filterKey == "" {
		return true
	}
	var probe struct {
		Key string `json:"key"`
	}
	if err := json.Unmarshal([]byte(raw), &probe); err != nil {
		return false
	}
	return probe.Key == s.filterKey
}

// readPump consumes inbound command frames until the client goes away.
func (s *Session) readPump(done chan<- struct{}) {
	defer close(done)

	s.conn.SetReadLimit(maxMessageSize)
	if err := s.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logging.Error().Err(err).Str("user", s.userID).Msg("set read deadline failed")
		return
	}
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var frame commandFrame
		if err := s.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logging.Warn().Err(err).Str("user", s.userID).Msg("websocket read error")
			}
			return
		}
		if frame.Feed == "" {
			logging.Warn().Str("user", s.userID).Msg("command frame without feed, ignoring")
			continue
		}
		if err := s.sender.Dispatch(s.userID, frame.Feed, frame.Value); err != nil {
			logging.Error().Err(err).Str("user", s.userID).Str("feed", frame.Feed).Msg("client command dispatch failed")
		}
	}
}

// writePump streams fanned-out telemetry to the client with keepalive
// pings. Returns when the stream closes, the reader exits, or a write
// fails.
func (s *Session) writePump(stream <-chan string, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-stream:
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				logging.Error().Err(err).Str("user", s.userID).Msg("set write deadline failed")
				return
			}
			if !ok {
				// The user's fan-out channel closed (logout/teardown).
				_ = s.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream closed"))
				return
			}
			if !s.matchesFilter(msg) {
				continue
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				logging.Warn().Err(err).Str("user", s.userID).Msg("websocket write failed")
				return
			}
		case <-done:
			return
		case <-ticker.C:
			if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
