// Floragate - Multi-Tenant Greenhouse Telemetry Gateway
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/floragate/floragate

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/floragate/floragate/internal/models"
)

const ruleKeyPrefix = "rule:"

// BadgerRuleStore implements RuleStore on BadgerDB. Rules are stored as
// JSON under "rule:<owner>:<inputFeed>" so a prefix scan lists one
// owner's rules.
type BadgerRuleStore struct {
	db *badger.DB
}

// NewBadgerRuleStore opens a rule store at dir. An empty dir opens an
// in-memory database, used by tests and ephemeral deployments.
func NewBadgerRuleStore(dir string) (*BadgerRuleStore, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open rule store: %w", err)
	}
	return &BadgerRuleStore{db: db}, nil
}

func ruleKey(owner, inputFeed string) []byte {
	return []byte(ruleKeyPrefix + owner + ":" + inputFeed)
}

// Get returns the rule for the owner's input feed.
func (s *BadgerRuleStore) Get(ctx context.Context, owner, inputFeed string) (*models.FeedRule, error) {
	var rule models.FeedRule
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(ruleKey(owner, inputFeed))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrRuleNotFound
		}
		if err != nil {
			return fmt.Errorf("get rule: %w", err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rule)
		})
	})
	if err != nil {
		return nil, err
	}
	return &rule, nil
}

// Put creates or replaces a rule.
func (s *BadgerRuleStore) Put(ctx context.Context, rule *models.FeedRule) error {
	data, err := json.Marshal(rule)
	if err != nil {
		return fmt.Errorf("marshal rule: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(ruleKey(rule.Owner, rule.InputFeed), data)
	})
}

// UpdateRuntime persists the rule's violation-tracking state. Threshold
// fields are read back from the stored copy so a concurrent
// configuration change is not clobbered by runtime bookkeeping.
func (s *BadgerRuleStore) UpdateRuntime(ctx context.Context, rule *models.FeedRule) error {
	return s.db.Update(func(txn *badger.Txn) error {
		key := ruleKey(rule.Owner, rule.InputFeed)
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrRuleNotFound
		}
		if err != nil {
			return fmt.Errorf("get rule for runtime update: %w", err)
		}

		var stored models.FeedRule
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &stored)
		}); err != nil {
			return err
		}

		stored.LastViolationStart = rule.LastViolationStart
		stored.ContinuousViolation = rule.ContinuousViolation

		data, err := json.Marshal(&stored)
		if err != nil {
			return fmt.Errorf("marshal rule: %w", err)
		}
		return txn.Set(key, data)
	})
}

// ListByOwner returns all of one owner's rules.
func (s *BadgerRuleStore) ListByOwner(ctx context.Context, owner string) ([]models.FeedRule, error) {
	var rules []models.FeedRule
	prefix := []byte(ruleKeyPrefix + owner + ":")

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var rule models.FeedRule
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rule)
			}); err != nil {
				return err
			}
			rules = append(rules, rule)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rules, nil
}

// Delete removes a rule. Missing rules are ignored.
func (s *BadgerRuleStore) Delete(ctx context.Context, owner, inputFeed string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(ruleKey(owner, inputFeed))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

// Close closes the underlying database.
func (s *BadgerRuleStore) Close() error {
	return s.db.Close()
}
