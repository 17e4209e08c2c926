package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"idle-arena/config"
	"idle-arena/store"
	"idle-arena/workers"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	clock    *fakeClock
	store    *store.MemoryStore
	writer   *workers.PersistenceWriter
	tokens   *TokenIssuer
	registry *SessionRegistry
	guard    *AntiCheatGuard
	hub      *Hub
	board    *LeaderboardAggregator
	orch     *SessionOrchestrator
}

func newTestEnv(t *testing.T, combat config.CombatConfig) *testEnv {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	clock := newFakeClock()
	st := store.NewMemoryStore()
	writer := workers.NewPersistenceWriter(st, 256, time.Second)
	writer.Start(ctx)

	tokens, err := NewTokenIssuer("test-secret", config.Defaults[config.SessionConfig]().TTL)
	if err != nil {
		t.Fatalf("token issuer: %v", err)
	}
	tokens.Now = clock.Now

	registry := NewSessionRegistry(config.Defaults[config.SessionConfig](), tokens, writer)
	registry.Now = clock.Now

	guard := NewAntiCheatGuard(config.Defaults[config.AntiCheatConfig](), writer)
	guard.Now = clock.Now

	hub := NewHub(64)
	board := NewLeaderboardAggregator(st, hub, config.Defaults[config.LeaderboardConfig]())
	board.Now = clock.Now

	orch := NewSessionOrchestrator(OrchestratorDeps{
		Registry:    registry,
		Guard:       guard,
		Leaderboard: board,
		Hub:         hub,
		Store:       st,
		Writer:      writer,
		Combat:      combat,
		Rand:        func() float64 { return 0.99 },
	})

	return &testEnv{
		clock:    clock,
		store:    st,
		writer:   writer,
		tokens:   tokens,
		registry: registry,
		guard:    guard,
		hub:      hub,
		board:    board,
		orch:     orch,
	}
}

func (e *testEnv) flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.writer.Flush(ctx); err != nil {
		t.Fatalf("flush writer: %v", err)
	}
}

// weakEnemies makes every non-boss enemy die to one default hit.
func weakEnemies() config.CombatConfig {
	cfg := config.Defaults[config.CombatConfig]()
	cfg.EnemyBaseHealth = 150
	return cfg
}

func waitForEvent(t *testing.T, sub *Subscription, eventType string) Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-sub.C():
			if ev.Type == eventType {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", eventType)
			return Event{}
		}
	}
}
