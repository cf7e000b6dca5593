// Floragate - Multi-Tenant Greenhouse Telemetry Gateway
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/floragate/floragate

// Package store persists telemetry records and feed rules. Telemetry
// goes to DuckDB for analytical queries; rules live in BadgerDB where
// the engine reads and updates their runtime state.
package store

import (
	"context"
	"errors"

	"github.com/floragate/floragate/internal/models"
)

// ErrRuleNotFound is returned when no rule exists for the given key.
var ErrRuleNotFound = errors.New("rule not found")

// TelemetryStore persists inbound telemetry records.
type TelemetryStore interface {
	// Insert writes one record. The router treats a failure as fatal
	// for the message: nothing downstream of persistence runs.
	Insert(ctx context.Context, rec *models.TelemetryRecord) error

	// Recent returns the newest records for one user feed, most recent
	// first, at most limit rows.
	Recent(ctx context.Context, userID, feedKey string, limit int) ([]models.TelemetryRecord, error)

	Close() error
}

// RuleStore persists feed rules keyed by (owner, input feed).
type RuleStore interface {
	// Get returns the rule for the owner's input feed, or ErrRuleNotFound.
	Get(ctx context.Context, owner, inputFeed string) (*models.FeedRule, error)

	// Put creates or replaces a rule.
	Put(ctx context.Context, rule *models.FeedRule) error

	// UpdateRuntime persists only the rule's violation-tracking fields.
	UpdateRuntime(ctx context.Context, rule *models.FeedRule) error

	// ListByOwner returns all rules belonging to one owner.
	ListByOwner(ctx context.Context, owner string) ([]models.FeedRule, error)

	// Delete removes a rule; deleting a missing rule is a no-op.
	Delete(ctx context.Context, owner, inputFeed string) error

	Close() error
}
