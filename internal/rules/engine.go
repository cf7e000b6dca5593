// Floragate - Multi-Tenant Greenhouse Telemetry Gateway
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/floragate/floragate

// Package rules evaluates threshold rules against sensor readings. A
// first violation raises an email alert immediately; corrective
// actuation is debounced behind a continuous 60-second breach so noisy
// readings never chatter commands at the devices.
package rules

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/floragate/floragate/internal/logging"
	"github.com/floragate/floragate/internal/mail"
	"github.com/floragate/floragate/internal/metrics"
	"github.com/floragate/floragate/internal/models"
	"github.com/floragate/floragate/internal/store"
)

// DebounceWindow is the continuous violation duration required before a
// corrective command is dispatched.
const DebounceWindow = 60 * time.Second

// CommandSender dispatches one actuation command. The broker package's
// Dispatcher implements it.
type CommandSender interface {
	Dispatch(userID, feedKey, value string) error
}

// Engine is the per-rule threshold state machine. Evaluations of the
// same rule are serialized; different rules evaluate independently.
type Engine struct {
	store  store.RuleStore
	mailer mail.Mailer
	sender CommandSender

	// now is swapped out by tests to drive the dwell timer.
	now    func() time.Time
	window time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewEngine creates an engine over the given collaborators.
func NewEngine(ruleStore store.RuleStore, mailer mail.Mailer, sender CommandSender) *Engine {
	return &Engine{
		store:  ruleStore,
		mailer: mailer,
		sender: sender,
		now:    time.Now,
		window: DebounceWindow,
		locks:  make(map[string]*sync.Mutex),
	}
}

// SetDebounceWindow overrides the default dwell duration. Call before
// the first Evaluate.
func (e *Engine) SetDebounceWindow(d time.Duration) {
	if d > 0 {
		e.window = d
	}
}

// ruleLock returns the mutex serializing one rule's evaluations. Locks
// are never reclaimed; the rule population is small and bounded.
func (e *Engine) ruleLock(ruleID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()

	l, ok := e.locks[ruleID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[ruleID] = l
	}
	return l
}

// direction of a bound breach.
type direction string

const (
	aboveCeiling direction = "above"
	belowFloor   direction = "below"
)

// breach returns which bound the value crosses, if any.
func breach(rule *models.FeedRule, value float64) (direction, bool) {
	if rule.Ceiling != nil && value > *rule.Ceiling {
		return aboveCeiling, true
	}
	if rule.Floor != nil && value < *rule.Floor {
		return belowFloor, true
	}
	return "", false
}

// Evaluate runs one reading through the rule's state machine and
// persists any runtime-state change. The passed rule is mutated in
// place so the caller observes the updated episode fields.
func (e *Engine) Evaluate(ctx context.Context, user models.User, rule *models.FeedRule, value float64) error {
	lock := e.ruleLock(rule.ID)
	lock.Lock()
	defer lock.Unlock()

	metrics.RuleEvaluations.Inc()

	// Callers load the rule before taking the lock, so a concurrent
	// evaluation may have advanced the episode since. Refresh the
	// runtime fields from the store under the lock.
	if stored, err := e.store.Get(ctx, rule.Owner, rule.InputFeed); err == nil {
		rule.LastViolationStart = stored.LastViolationStart
		rule.ContinuousViolation = stored.ContinuousViolation
	} else if !errors.Is(err, store.ErrRuleNotFound) {
		return fmt.Errorf("load rule state %s: %w", rule.ID, err)
	}

	dir, isViolating := breach(rule, value)
	isFirstViolation := !rule.InEpisode()
	changed := false

	switch {
	case isFirstViolation && isViolating:
		e.alert(user, rule, dir, value)
		now := e.now()
		rule.LastViolationStart = &now
		cv := true
		rule.ContinuousViolation = &cv
		changed = true
	case !isViolating:
		if rule.InEpisode() {
			rule.ResetEpisode()
			changed = true
			logging.Debug().Str("rule", rule.ID).Msg("violation episode ended")
		}
	}
	// Still violating past the first alert: continuousViolation stays true.

	if rule.InEpisode() {
		dwell := e.now().Sub(*rule.LastViolationStart)
		if dwell >= e.window && rule.ContinuousViolation != nil && *rule.ContinuousViolation {
			e.actuate(user, rule, dir, value)
			// Reset regardless of dispatch outcome; actuation is
			// fire-and-forget and a failure never re-arms the timer.
			rule.ResetEpisode()
			changed = true
		}
	}

	if changed {
		if err := e.store.UpdateRuntime(ctx, rule); err != nil {
			return fmt.Errorf("persist rule state %s: %w", rule.ID, err)
		}
	}
	return nil
}

// alert emails the rule owner describing the crossed bound and margin.
// Delivery failure is logged; the episode proceeds regardless.
func (e *Engine) alert(user models.User, rule *models.FeedRule, dir direction, value float64) {
	metrics.RuleAlerts.WithLabelValues(string(dir)).Inc()

	var subject, body string
	switch dir {
	case aboveCeiling:
		subject = fmt.Sprintf("Alert: %s above ceiling", rule.InputFeed)
		body = fmt.Sprintf("Feed %s reported %.2f, exceeding the ceiling of %.2f by %.2f.",
			rule.InputFeed, value, *rule.Ceiling, value-*rule.Ceiling)
	case belowFloor:
		subject = fmt.Sprintf("Alert: %s below floor", rule.InputFeed)
		body = fmt.Sprintf("Feed %s reported %.2f, below the floor of %.2f by %.2f.",
			rule.InputFeed, value, *rule.Floor, *rule.Floor-value)
	}

	if err := e.mailer.Send(user.Email, subject, body); err != nil {
		logging.Error().Err(err).Str("rule", rule.ID).Str("user", user.ID).Msg("alert mail failed")
		return
	}
	logging.Info().Str("rule", rule.ID).Str("feed", rule.InputFeed).Float64("value", value).Msg("alert sent")
}

// actuate dispatches the corrective command for the breach direction.
func (e *Engine) actuate(user models.User, rule *models.FeedRule, dir direction, value float64) {
	var feedKey, cmdValue string
	switch dir {
	case aboveCeiling:
		feedKey, cmdValue = rule.OutputFeedAbove, rule.AboveValue
	case belowFloor:
		feedKey, cmdValue = rule.OutputFeedBelow, rule.BelowValue
	}
	if feedKey == "" {
		logging.Warn().Str("rule", rule.ID).Str("direction", string(dir)).Msg("no output feed configured, skipping command")
		return
	}

	metrics.RuleCommands.WithLabelValues(string(dir)).Inc()
	if err := e.sender.Dispatch(user.ID, feedKey, cmdValue); err != nil {
		logging.Error().Err(err).Str("rule", rule.ID).Str("feed", feedKey).Msg("corrective command failed")
		return
	}
	logging.Info().
		Str("rule", rule.ID).
		Str("feed", feedKey).
		Str("value", cmdValue).
		Float64("reading", value).
		Msg("corrective command dispatched")
}
