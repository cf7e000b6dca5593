// Floragate - Multi-Tenant Greenhouse Telemetry Gateway
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/floragate/floragate

// Package api exposes the gateway's HTTP surface: health probes,
// Prometheus metrics, the live WebSocket stream and the manual
// command endpoint.
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/floragate/floragate/internal/config"
	"github.com/floragate/floragate/internal/fanout"
	"github.com/floragate/floragate/internal/logging"
)

// CommandSender dispatches one manual command.
type CommandSender interface {
	Dispatch(userID, feedKey, value string) error
}

// ReadyChecker reports whether the gateway's dependencies are up.
type ReadyChecker func() bool

// Server is the HTTP/WebSocket front end.
type Server struct {
	cfg    config.ServerConfig
	jwt    *JWTManager
	fanout *fanout.Broker
	sender CommandSender
	ready  ReadyChecker

	httpServer *http.Server
}

// NewServer wires the routes. ready may be nil, in which case the
// readiness probe always passes.
func NewServer(cfg config.ServerConfig, jwtManager *JWTManager, fan *fanout.Broker, sender CommandSender, ready ReadyChecker) *Server {
	s := &Server{
		cfg:    cfg,
		jwt:    jwtManager,
		fanout: fan,
		sender: sender,
		ready:  ready,
	}
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.routes(),
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	}
	return s
}

// routes builds the chi router with the global middleware stack.
func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(requestMetrics)

	r.Route("/api/v1/health", func(r chi.Router) {
		r.Use(httprate.LimitByIP(1000, s.cfg.RateLimitWindow))
		r.Get("/live", s.handleHealthLive)
		r.Get("/ready", s.handleHealthReady)
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httprate.LimitByIP(s.cfg.RateLimitReqs, s.cfg.RateLimitWindow))
		r.Use(s.authenticate)
		r.Get("/ws", s.handleWebSocket)
		r.Post("/commands", s.handleCommand)
	})

	return r
}

// ListenAndServe runs the server until Shutdown.
func (s *Server) ListenAndServe() error {
	logging.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error().Err(err).Msg("write response failed")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
