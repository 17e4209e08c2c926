package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"idle-arena/config"
	"idle-arena/models"
	"idle-arena/services"
	"idle-arena/store"
	"idle-arena/workers"
)

type testServer struct {
	app    *fiber.App
	store  *store.MemoryStore
	board  *services.LeaderboardAggregator
	orch   *services.SessionOrchestrator
	writer *workers.PersistenceWriter
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	return newTestServerWithStore(t, nil)
}

// newTestServerWithStore lets wrap replace the store seen by the game core.
func newTestServerWithStore(t *testing.T, wrap func(store.Store) store.Store) *testServer {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	mem := store.NewMemoryStore()
	var st store.Store = mem
	if wrap != nil {
		st = wrap(mem)
	}
	writer := workers.NewPersistenceWriter(st, 64, time.Second)
	writer.Start(ctx)

	tokens, err := services.NewTokenIssuer("handler-secret", config.Defaults[config.SessionConfig]().TTL)
	if err != nil {
		t.Fatalf("token issuer: %v", err)
	}
	registry := services.NewSessionRegistry(config.Defaults[config.SessionConfig](), tokens, writer)
	guard := services.NewAntiCheatGuard(config.Defaults[config.AntiCheatConfig](), writer)
	hub := services.NewHub(16)
	board := services.NewLeaderboardAggregator(st, hub, config.Defaults[config.LeaderboardConfig]())
	orch := services.NewSessionOrchestrator(services.OrchestratorDeps{
		Registry:    registry,
		Guard:       guard,
		Leaderboard: board,
		Hub:         hub,
		Store:       st,
		Writer:      writer,
		Combat:      config.Defaults[config.CombatConfig](),
		Rand:        func() float64 { return 0.99 },
	})

	app := fiber.New()
	SetupGameRoutes(app, orch)
	SetupLeaderboardRoutes(app, board, orch, hub, nil)
	SetupAdminRoutes(app, orch, board, hub, writer)
	return &testServer{app: app, store: mem, board: board, orch: orch, writer: writer}
}

func (s *testServer) call(t *testing.T, method, path, userID string, body any, headers ...string) (int, map[string]any, http.Header) {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := s.app.Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out, resp.Header
}

func (s *testServer) openSession(t *testing.T, userID string) services.Session {
	t.Helper()
	status, body, _ := s.call(t, http.MethodPost, "/s/game/session", userID, nil)
	if status != http.StatusOK {
		t.Fatalf("open session: %d %v", status, body)
	}
	raw, _ := json.Marshal(body["session"])
	var sess services.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	return sess
}

func TestGameRoutesRequireUser(t *testing.T) {
	s := newTestServer(t)
	if status, _, _ := s.call(t, http.MethodPost, "/s/game/session", "", nil); status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", status)
	}
}

func TestSessionRestoredOverHTTP(t *testing.T) {
	s := newTestServer(t)
	first := s.openSession(t, "u1")

	status, body, _ := s.call(t, http.MethodPost, "/s/game/session", "u1", nil)
	if status != http.StatusOK || body["restored"] != true {
		t.Fatalf("expected restored session: %d %v", status, body)
	}
	if len(s.orch.OnlinePlayers()) != 0 {
		t.Fatal("plain HTTP session calls must not mark the player online")
	}

	status, body, _ = s.call(t, http.MethodPost, "/s/game/session/new", "u1", nil)
	if status != http.StatusCreated {
		t.Fatalf("new run: %d %v", status, body)
	}
	status, body, _ = s.call(t, http.MethodPost, "/s/game/action", "u1", services.ActionRequest{
		Action: "start_fight", SessionID: first.ID, SecurityToken: first.SecurityToken,
	})
	if status != http.StatusConflict || body["code"] != string(services.CodeSessionInactive) {
		t.Fatalf("old session: %d %v", status, body)
	}
}

func TestActionStatuses(t *testing.T) {
	s := newTestServer(t)
	sess := s.openSession(t, "u1")

	cases := []struct {
		name   string
		req    services.ActionRequest
		status int
		code   services.Code
	}{
		{"unknown action", services.ActionRequest{Action: "dance", SessionID: sess.ID, SecurityToken: sess.SecurityToken}, http.StatusBadRequest, services.CodeUnknownAction},
		{"bad token", services.ActionRequest{Action: "start_fight", SessionID: sess.ID, SecurityToken: "forged"}, http.StatusUnauthorized, services.CodeInvalidToken},
		{"no session", services.ActionRequest{Action: "start_fight", SessionID: "missing", SecurityToken: sess.SecurityToken}, http.StatusNotFound, services.CodeSessionNotFound},
		{"attack while idle", services.ActionRequest{Action: "attack", SessionID: sess.ID, SecurityToken: sess.SecurityToken}, http.StatusConflict, services.CodeIllegalTransition},
		{"start fight", services.ActionRequest{Action: "start_fight", SessionID: sess.ID, SecurityToken: sess.SecurityToken}, http.StatusOK, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, body, _ := s.call(t, http.MethodPost, "/s/game/action", "u1", tc.req)
			if status != tc.status {
				t.Fatalf("status %d, want %d (%v)", status, tc.status, body)
			}
			if tc.code != "" && body["code"] != string(tc.code) {
				t.Fatalf("code %v, want %s", body["code"], tc.code)
			}
		})
	}

	status, body, _ := s.call(t, http.MethodGet, "/s/game/state", "u1", nil)
	if status != http.StatusOK || body["phase"] != string(services.PhaseFighting) {
		t.Fatalf("state: %d %v", status, body)
	}
}

func TestScoreStatuses(t *testing.T) {
	s := newTestServer(t)
	sess := s.openSession(t, "u1")

	report := func(level int) (int, map[string]any, http.Header) {
		return s.call(t, http.MethodPost, "/s/game/score", "u1", services.ProgressReport{
			SessionID: sess.ID, SecurityToken: sess.SecurityToken, Level: level,
		})
	}

	if status, body, _ := report(2); status != http.StatusUnprocessableEntity || body["code"] != string(services.CodeProgressionTooFast) {
		t.Fatalf("too fast: %d %v", status, body)
	}
	// The rejected report above used one of five submissions in the window.
	for i := 0; i < 4; i++ {
		if status, body, _ := report(0); status != http.StatusOK {
			t.Fatalf("submission %d: %d %v", i, status, body)
		}
	}
	status, body, header := report(0)
	if status != http.StatusTooManyRequests || body["code"] != string(services.CodeRateLimited) {
		t.Fatalf("rate limit: %d %v", status, body)
	}
	if header.Get(fiber.HeaderRetryAfter) == "" {
		t.Fatal("rate limited responses carry Retry-After")
	}
}

func TestLeaderboardRoutes(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()
	now := time.Now()
	for _, sc := range []models.Score{
		{UserID: "u1", SessionID: "s1", Level: 12, Score: 12, Gold: 60, RecordedAt: now},
		{UserID: "u2", SessionID: "s2", Level: 30, Score: 30, Gold: 150, RecordedAt: now},
	} {
		sc := sc
		if err := s.store.SubmitScore(ctx, &sc); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}

	if status, _, _ := s.call(t, http.MethodPost, "/s/admin/leaderboard/rebuild", "boss", nil, "X-User-Roles", "gamer"); status != http.StatusForbidden {
		t.Fatalf("rebuild without admin role: %d", status)
	}
	status, body, _ := s.call(t, http.MethodPost, "/s/admin/leaderboard/rebuild", "boss", nil, "X-User-Roles", "admin")
	if status != http.StatusOK || body["entries"] != float64(2) {
		t.Fatalf("rebuild: %d %v", status, body)
	}

	status, body, _ = s.call(t, http.MethodGet, "/leaderboard?limit=10", "", nil)
	rows, _ := body["leaderboard"].([]any)
	if status != http.StatusOK || len(rows) != 2 {
		t.Fatalf("leaderboard: %d %v", status, body)
	}
	if top := rows[0].(map[string]any); top["user_id"] != "u2" || top["tier"] != "gold" {
		t.Fatalf("unexpected leader: %v", top)
	}

	status, body, _ = s.call(t, http.MethodGet, "/leaderboard/user/u1", "", nil)
	if status != http.StatusOK || body["rank_position"] != float64(2) || body["tier"] != "silver" || body["next_tier"] != "gold" {
		t.Fatalf("user entry: %d %v", status, body)
	}
	if status, _, _ := s.call(t, http.MethodGet, "/leaderboard/user/nobody", "", nil); status != http.StatusNotFound {
		t.Fatalf("unknown user: %d", status)
	}
}

func TestAdminSecurityStatus(t *testing.T) {
	s := newTestServer(t)
	status, body, _ := s.call(t, http.MethodGet, "/s/admin/security/u1", "boss", nil, "X-User-Roles", "admin")
	if status != http.StatusOK || body["banned"] != false {
		t.Fatalf("security: %d %v", status, body)
	}
}

// brokenStore fails every leaderboard aggregation and session insert.
type brokenStore struct {
	store.Store
}

func (brokenStore) AggregateScores(context.Context) ([]store.Aggregate, error) {
	return nil, errors.New("connection refused")
}

func (brokenStore) CreateSession(context.Context, *models.GameSession) error {
	return errors.New("connection refused")
}

func TestStoreOutageSurfacesAsUnavailable(t *testing.T) {
	s := newTestServerWithStore(t, func(st store.Store) store.Store { return brokenStore{st} })

	status, body, _ := s.call(t, http.MethodPost, "/s/admin/leaderboard/rebuild", "boss", nil, "X-User-Roles", "admin")
	if status != http.StatusServiceUnavailable || body["code"] != string(services.CodePersistenceFailed) {
		t.Fatalf("rebuild during outage: %d %v", status, body)
	}

	// the game keeps running from memory while writes fail
	s.openSession(t, "u1")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.writer.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	status, body, _ = s.call(t, http.MethodGet, "/s/admin/stats", "boss", nil, "X-User-Roles", "admin")
	if status != http.StatusOK {
		t.Fatalf("stats: %d %v", status, body)
	}
	if failures, _ := body["persistence_failures"].(float64); failures < 1 {
		t.Fatalf("expected failed session writes in stats, got %v", body)
	}
}

func TestStreamRejectsAnonymousWithoutValidator(t *testing.T) {
	s := newTestServer(t)
	if status, _, _ := s.call(t, http.MethodGet, "/leaderboard/stream?token=x&device_id=d", "", nil); status != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", status)
	}
}
