// Floragate - Multi-Tenant Greenhouse Telemetry Gateway
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/floragate/floragate

package services

import (
	"context"
	"errors"
	"fmt"
)

// Runner matches router.TelemetryRouter's serve loop.
type Runner interface {
	Run(ctx context.Context) error
}

// RouterService keeps the telemetry pipeline's message loop supervised.
type RouterService struct {
	runner Runner
}

func NewRouterService(runner Runner) *RouterService {
	return &RouterService{runner: runner}
}

// Serve implements suture.Service. A context-driven exit is a normal
// shutdown, not a restartable failure.
func (s *RouterService) Serve(ctx context.Context) error {
	err := s.runner.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("telemetry router failed: %w", err)
	}
	return ctx.Err()
}

func (s *RouterService) String() string { return "telemetry-router" }
