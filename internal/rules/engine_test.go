// Floragate - Multi-Tenant Greenhouse Telemetry Gateway
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/floragate/floragate

package rules

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/floragate/floragate/internal/logging"
	"github.com/floragate/floragate/internal/models"
	"github.com/floragate/floragate/internal/store"
)

//nolint:gochecknoinits // init ensures quiet logging for tests
func init() {
	logging.Init(logging.Config{Level: "disabled", Output: io.Discard})
}

type sentMail struct {
	to      string
	subject string
	body    string
}

type fakeMailer struct {
	mu   sync.Mutex
	sent []sentMail
	err  error
}

func (m *fakeMailer) Send(to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, sentMail{to, subject, body})
	return nil
}

func (m *fakeMailer) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

type sentCommand struct {
	userID  string
	feedKey string
	value   string
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentCommand
	err  error
}

func (s *fakeSender) Dispatch(userID, feedKey, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, sentCommand{userID, feedKey, value})
	return nil
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

func floatPtr(v float64) *float64 { return &v }

type testFixture struct {
	engine *Engine
	store  *store.BadgerRuleStore
	mailer *fakeMailer
	sender *fakeSender
	clock  time.Time
	user   models.User
	rule   *models.FeedRule
}

// setClock drives the engine's notion of now in seconds from t=0.
func (f *testFixture) setClock(seconds int) {
	at := f.clock.Add(time.Duration(seconds) * time.Second)
	f.engine.now = func() time.Time { return at }
}

func newFixture(t *testing.T) *testFixture {
	t.Helper()
	s, err := store.NewBadgerRuleStore("")
	if err != nil {
		t.Fatalf("NewBadgerRuleStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	mailer := &fakeMailer{}
	sender := &fakeSender{}
	f := &testFixture{
		engine: NewEngine(s, mailer, sender),
		store:  s,
		mailer: mailer,
		sender: sender,
		clock:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		user:   models.User{ID: "alice", Email: "alice@example.com"},
		rule: &models.FeedRule{
			ID:              "r1",
			Owner:           "alice",
			GroupKey:        "zone1",
			InputFeed:       "zone1.temp",
			Ceiling:         floatPtr(30),
			Floor:           floatPtr(10),
			OutputFeedAbove: "fan",
			AboveValue:      "1.0",
			OutputFeedBelow: "heater",
			BelowValue:      "1",
		},
	}
	if err := s.Put(context.Background(), f.rule); err != nil {
		t.Fatalf("seed rule: %v", err)
	}
	f.setClock(0)
	return f
}

func (f *testFixture) evaluate(t *testing.T, value float64) {
	t.Helper()
	if err := f.engine.Evaluate(context.Background(), f.user, f.rule, value); err != nil {
		t.Fatalf("Evaluate(%v): %v", value, err)
	}
}

func TestEngineDebounceSequence(t *testing.T) {
	f := newFixture(t)

	// t=0: first violation alerts immediately, no command yet.
	f.evaluate(t, 35)
	if f.mailer.count() != 1 {
		t.Fatalf("alerts after first violation = %d, want 1", f.mailer.count())
	}
	if f.sender.count() != 0 {
		t.Fatalf("commands after first violation = %d, want 0", f.sender.count())
	}
	if !f.rule.InEpisode() {
		t.Fatal("episode must be open after first violation")
	}

	// t=30: still violating, dwell below the window.
	f.setClock(30)
	f.evaluate(t, 32)
	if f.mailer.count() != 1 {
		t.Errorf("alerts at t=30 = %d, want still 1", f.mailer.count())
	}
	if f.sender.count() != 0 {
		t.Errorf("commands at t=30 = %d, want 0", f.sender.count())
	}

	// t=61: dwell exceeds the window, exactly one command fires.
	f.setClock(61)
	f.evaluate(t, 33)
	if f.sender.count() != 1 {
		t.Fatalf("commands at t=61 = %d, want 1", f.sender.count())
	}
	cmd := f.sender.sent[0]
	if cmd.feedKey != "fan" || cmd.value != "1.0" {
		t.Errorf("command = %+v, want fan/1.0", cmd)
	}
	if f.rule.InEpisode() {
		t.Error("episode must reset after actuation")
	}
	if f.mailer.count() != 1 {
		t.Errorf("alerts after actuation = %d, want 1", f.mailer.count())
	}
}

func TestEngineEpisodeResetOnReturnToBounds(t *testing.T) {
	f := newFixture(t)

	f.evaluate(t, 35)
	f.setClock(40)
	f.evaluate(t, 20)

	if f.rule.InEpisode() {
		t.Fatal("return to bounds must end the episode")
	}
	if f.rule.ContinuousViolation != nil {
		t.Error("continuousViolation must reset with the episode")
	}
	if f.sender.count() != 0 {
		t.Errorf("commands = %d, want 0", f.sender.count())
	}

	// A later breach starts a fresh episode with a fresh alert and no
	// credit from the earlier partial dwell.
	f.setClock(50)
	f.evaluate(t, 36)
	if f.mailer.count() != 2 {
		t.Errorf("alerts = %d, want 2", f.mailer.count())
	}
	f.setClock(100) // 50s into the new episode, under the window
	f.evaluate(t, 36)
	if f.sender.count() != 0 {
		t.Errorf("commands = %d, want 0 before new dwell completes", f.sender.count())
	}
}

func TestEngineFloorBreachUsesBelowOutputs(t *testing.T) {
	f := newFixture(t)

	f.evaluate(t, 5)
	if f.mailer.count() != 1 {
		t.Fatalf("alerts = %d, want 1", f.mailer.count())
	}
	f.setClock(65)
	f.evaluate(t, 4)
	if f.sender.count() != 1 {
		t.Fatalf("commands = %d, want 1", f.sender.count())
	}
	cmd := f.sender.sent[0]
	if cmd.feedKey != "heater" || cmd.value != "1" {
		t.Errorf("command = %+v, want heater/1", cmd)
	}
}

func TestEngineDispatchFailureStillResets(t *testing.T) {
	f := newFixture(t)
	f.sender.err = errors.New("broker down")

	f.evaluate(t, 35)
	f.setClock(61)
	f.evaluate(t, 35)

	if f.rule.InEpisode() {
		t.Error("failed dispatch must not re-arm the dwell timer")
	}

	// Persisted state matches the in-memory reset.
	stored, err := f.store.Get(context.Background(), "alice", "zone1.temp")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if stored.InEpisode() {
		t.Error("persisted rule must show the episode reset")
	}
}

func TestEngineMailFailureStillOpensEpisode(t *testing.T) {
	f := newFixture(t)
	f.mailer.err = errors.New("relay down")

	f.evaluate(t, 35)

	if !f.rule.InEpisode() {
		t.Error("alert failure must not block the episode from opening")
	}
}

func TestEngineInBoundsNoState(t *testing.T) {
	f := newFixture(t)

	f.evaluate(t, 20)
	if f.mailer.count() != 0 || f.sender.count() != 0 {
		t.Error("in-bounds reading must produce no alert or command")
	}
	if f.rule.InEpisode() {
		t.Error("in-bounds reading must not open an episode")
	}
}

func TestEngineCeilingOnlyRule(t *testing.T) {
	f := newFixture(t)
	f.rule.Floor = nil

	// A very low value is not a violation without a floor.
	f.evaluate(t, -100)
	if f.mailer.count() != 0 {
		t.Error("no floor configured, low value must not alert")
	}
}

func TestEnginePersistsRuntimeState(t *testing.T) {
	f := newFixture(t)

	f.evaluate(t, 35)

	stored, err := f.store.Get(context.Background(), "alice", "zone1.temp")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !stored.InEpisode() {
		t.Error("episode start must be persisted")
	}
	if stored.ContinuousViolation == nil || !*stored.ContinuousViolation {
		t.Error("continuousViolation must be persisted")
	}
}

func TestEngineSerializesSameRule(t *testing.T) {
	f := newFixture(t)

	// Concurrent evaluations of one rule must not race the episode
	// state: exactly one of them observes the first violation.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.engine.Evaluate(context.Background(), f.user, f.rule, 35)
		}()
	}
	wg.Wait()

	if f.mailer.count() != 1 {
		t.Errorf("alerts = %d, want exactly 1 across concurrent evaluations", f.mailer.count())
	}
}

func TestEngineSerializesIndependentRuleCopies(t *testing.T) {
	f := newFixture(t)

	// Each caller loads its own copy before evaluating, the way the
	// router does. The engine must still detect one episode, not one
	// per stale copy.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			loaded, err := f.store.Get(context.Background(), "alice", "zone1.temp")
			if err != nil {
				t.Errorf("Get: %v", err)
				return
			}
			_ = f.engine.Evaluate(context.Background(), f.user, loaded, 35)
		}()
	}
	wg.Wait()

	if f.mailer.count() != 1 {
		t.Errorf("alerts = %d, want exactly 1 across independently loaded copies", f.mailer.count())
	}
}
