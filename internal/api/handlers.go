// Floragate - Multi-Tenant Greenhouse Telemetry Gateway
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/floragate/floragate

package api

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	gorillaws "github.com/gorilla/websocket"

	"github.com/floragate/floragate/internal/broker"
	"github.com/floragate/floragate/internal/logging"
	"github.com/floragate/floragate/internal/websocket"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// CORS middleware already gates browser origins; the upgrade
	// itself is authenticated via JWT.
	CheckOrigin: func(*http.Request) bool { return true },
}

func (s *Server) handleHealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHealthReady(w http.ResponseWriter, _ *http.Request) {
	if s.ready != nil && !s.ready() {
		writeError(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing credentials")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote an HTTP error to the client.
		logging.Warn().Err(err).Str("user_id", claims.UserID).Msg("websocket upgrade failed")
		return
	}

	filterKey := r.URL.Query().Get("key")
	session := websocket.NewSession(claims.UserID, conn, s.fanout, s.sender, filterKey)
	session.Run()
}

// commandRequest is the manual actuation payload.
type commandRequest struct {
	Feed  string `json:"feed"  validate:"required"`
	Value string `json:"value" validate:"required"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing credentials")
		return
	}

	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, "feed and value are required")
		return
	}

	if err := s.sender.Dispatch(claims.UserID, req.Feed, req.Value); err != nil {
		switch {
		case errors.Is(err, broker.ErrRateLimited):
			writeError(w, http.StatusTooManyRequests, "command rate limit exceeded")
		case errors.Is(err, broker.ErrUnknownUser):
			writeError(w, http.StatusForbidden, "unknown user")
		default:
			logging.Error().Err(err).
				Str("user_id", claims.UserID).
				Str("feed", req.Feed).
				Msg("command dispatch failed")
			writeError(w, http.StatusBadGateway, "command dispatch failed")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "feed": req.Feed})
}
