package services

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

func connect(t *testing.T, env *testEnv, userID string) Session {
	t.Helper()
	sess, _, err := env.orch.Connect(context.Background(), PlayerIdentity{UserID: userID, DisplayName: "Player " + userID})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	return sess
}

func act(env *testEnv, sess Session, action string, payload string) ActionResponse {
	req := ActionRequest{Action: action, SessionID: sess.ID, SecurityToken: sess.SecurityToken}
	if payload != "" {
		req.Payload = json.RawMessage(payload)
	}
	return env.orch.Dispatch(context.Background(), sess.UserID, req)
}

func TestConnectRestoresActiveSession(t *testing.T) {
	env := newTestEnv(t, weakEnemies())
	ctx := context.Background()

	first, restored, err := env.orch.Connect(ctx, PlayerIdentity{UserID: "u1"})
	if err != nil || restored {
		t.Fatalf("first connect: restored=%v err=%v", restored, err)
	}
	again, restored, err := env.orch.Connect(ctx, PlayerIdentity{UserID: "u1"})
	if err != nil || !restored || again.ID != first.ID {
		t.Fatalf("reconnect should restore %s, got %s (restored=%v, err=%v)", first.ID, again.ID, restored, err)
	}

	fresh, err := env.orch.StartNewRun(ctx, PlayerIdentity{UserID: "u1"})
	if err != nil || fresh.ID == first.ID {
		t.Fatalf("new run should open a new session: %v", err)
	}
	if resp := act(env, first, "start_fight", ""); resp.Success || resp.Code != CodeSessionInactive {
		t.Fatalf("old session must be terminal, got %+v", resp)
	}
	if resp := act(env, fresh, "start_fight", ""); !resp.Success {
		t.Fatalf("new session should accept actions: %+v", resp)
	}

	if _, _, err := env.orch.Connect(ctx, PlayerIdentity{}); err == nil {
		t.Fatal("connect without a user id should fail")
	}
}

func TestDispatchVictoryPersistsScore(t *testing.T) {
	env := newTestEnv(t, weakEnemies())
	sess := connect(t, env, "u1")
	sub := env.hub.Subscribe(UserTopic("u1"))
	defer env.hub.Unsubscribe(sub)

	if resp := act(env, sess, "start_fight", ""); !resp.Success {
		t.Fatalf("start fight: %+v", resp)
	}
	resp := act(env, sess, "attack", "")
	if !resp.Success || resp.Result.Outcome != OutcomeVictory {
		t.Fatalf("expected victory: %+v", resp)
	}
	if resp.Session.CurrentLevel != 1 || resp.Session.TotalGold != 5 || resp.Session.EnemiesKilled != 1 {
		t.Fatalf("session not synced: %+v", resp.Session)
	}

	ev := waitForEvent(t, sub, EventNewRecord)
	if rec := ev.Payload.(NewRecord); rec.Level != 1 || rec.PreviousRecord != 0 {
		t.Fatalf("unexpected record: %+v", rec)
	}

	env.flush(t)
	scores := env.store.Scores()
	if len(scores) != 1 || scores[0].Level != 1 || scores[0].Score != 1 || scores[0].SessionID != sess.ID {
		t.Fatalf("unexpected scores: %+v", scores)
	}

	if _, err := env.board.Rebuild(context.Background()); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	entry, _ := env.board.GetByUser(context.Background(), "u1")
	if entry == nil || entry.BestLevel != 1 || entry.DisplayName != "Player u1" {
		t.Fatalf("unexpected leaderboard entry: %+v", entry)
	}
}

func TestSubmitScoreAnnouncesRecordOnce(t *testing.T) {
	env := newTestEnv(t, weakEnemies())
	ctx := context.Background()
	sess := connect(t, env, "u1")
	sub := env.hub.Subscribe(UserTopic("u1"))
	defer env.hub.Unsubscribe(sub)

	report := func(level int) ScoreResult {
		return env.orch.SubmitScore(ctx, "u1", ProgressReport{
			SessionID: sess.ID, SecurityToken: sess.SecurityToken, Level: level, Gold: level * 5, EnemiesKilled: level,
		})
	}

	env.clock.Advance(15 * time.Second)
	res := report(3)
	if !res.Success || !res.IsNewRecord || res.PreviousRecord != 0 {
		t.Fatalf("first submission: %+v", res)
	}
	waitForEvent(t, sub, EventNewRecord)

	env.clock.Advance(10 * time.Second)
	res = report(3)
	if !res.Success || res.IsNewRecord || res.PreviousRecord != 3 {
		t.Fatalf("repeat submission: %+v", res)
	}
	select {
	case ev := <-sub.C():
		t.Fatalf("record announced twice: %+v", ev)
	default:
	}

	env.clock.Advance(15 * time.Second)
	res = report(4)
	if !res.Success || !res.IsNewRecord || res.PreviousRecord != 3 {
		t.Fatalf("next level: %+v", res)
	}
}

func TestSubmitScoreRejectsFastProgression(t *testing.T) {
	env := newTestEnv(t, weakEnemies())
	sess := connect(t, env, "u1")

	env.clock.Advance(2 * time.Second)
	res := env.orch.SubmitScore(context.Background(), "u1", ProgressReport{
		SessionID: sess.ID, SecurityToken: sess.SecurityToken, Level: 2,
	})
	if res.Success || res.Code != CodeProgressionTooFast {
		t.Fatalf("expected progression_too_fast, got %+v", res)
	}
	if got, _ := env.registry.Get(sess.ID); got.CurrentLevel != 0 {
		t.Fatalf("rejected score must not move the session, level %d", got.CurrentLevel)
	}

	env.flush(t)
	if len(env.store.CheatLogs()) != 1 || len(env.store.Scores()) != 0 {
		t.Fatalf("expected one cheat log and no score, got %d / %d", len(env.store.CheatLogs()), len(env.store.Scores()))
	}
}

func TestDispatchRejections(t *testing.T) {
	env := newTestEnv(t, weakEnemies())
	sess := connect(t, env, "u1")
	other := connect(t, env, "u2")

	if resp := act(env, sess, "dance", ""); resp.Code != CodeUnknownAction {
		t.Fatalf("unknown action: %+v", resp)
	}
	if resp := act(env, sess, "attack", ""); resp.Code != CodeIllegalTransition {
		t.Fatalf("attack while idle: %+v", resp)
	}

	bad := sess
	bad.SecurityToken = other.SecurityToken
	if resp := act(env, bad, "start_fight", ""); resp.Code != CodeInvalidToken {
		t.Fatalf("wrong token: %+v", resp)
	}

	resp := env.orch.Dispatch(context.Background(), "u2", ActionRequest{
		Action: "start_fight", SessionID: sess.ID, SecurityToken: sess.SecurityToken,
	})
	if resp.Code != CodeUserMismatch {
		t.Fatalf("foreign session: %+v", resp)
	}
}

func TestBannedUserIsRejected(t *testing.T) {
	env := newTestEnv(t, weakEnemies())
	sess := connect(t, env, "u1")

	for i := 0; i < 6; i++ {
		env.guard.FlagSuspiciousActivity("u1", sess.ID, "game_action", "test", nil)
	}

	resp := act(env, sess, "start_fight", "")
	if resp.Success || resp.Code != CodeUserBanned || resp.RetryAfterMs <= 0 {
		t.Fatalf("expected ban rejection, got %+v", resp)
	}
	if _, _, err := env.orch.Connect(context.Background(), PlayerIdentity{UserID: "u1"}); KindOf(err) != KindBanned {
		t.Fatalf("banned users cannot connect, got %v", err)
	}
}

func TestActionsOnOneSessionAreSerialized(t *testing.T) {
	env := newTestEnv(t, weakEnemies())
	sess := connect(t, env, "u1")

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if resp := act(env, sess, "start_fight", ""); resp.Success {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("exactly one start_fight should win, got %d", successes)
	}
}

func TestPassiveSavedOnSession(t *testing.T) {
	env := newTestEnv(t, weakEnemies())
	sess := connect(t, env, "u1")

	act(env, sess, "start_fight", "")
	act(env, sess, "attack", "")

	resp := act(env, sess, "save_passive", `{"kind":"damage","value":12}`)
	if !resp.Success || resp.Result.Player.Damage != 212 {
		t.Fatalf("save passive: %+v", resp)
	}
	view, err := env.orch.Passives("u1")
	if err != nil || len(view.PassiveUpgrades) != 1 || view.PassiveUpgrades[0].Value != 12 {
		t.Fatalf("unexpected passives: %+v %v", view, err)
	}
	if resp := act(env, sess, "save_boss_passive", `{"kind":"damage"}`); resp.Code != CodeIllegalTransition {
		t.Fatalf("no boss pick yet: %+v", resp)
	}
}

func TestUpdateLevelRestart(t *testing.T) {
	env := newTestEnv(t, weakEnemies())
	ctx := context.Background()
	sess := connect(t, env, "u1")

	update := func(level, gold int) LevelResult {
		return env.orch.UpdateLevel(ctx, "u1", ProgressReport{
			SessionID: sess.ID, SecurityToken: sess.SecurityToken, Level: level, Gold: gold, EnemiesKilled: level,
		})
	}

	if res := update(3, 15); !res.Success || !res.IsNewRecord {
		t.Fatalf("level 3: %+v", res)
	}
	res := update(1, 0)
	if !res.Success || !res.Restarted || res.IsNewRecord {
		t.Fatalf("restart: %+v", res)
	}
	state, err := env.orch.GameState("u1")
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if state.Player.Level != 1 || state.Session.CurrentLevel != 1 || state.Session.MaxLevelReached != 3 {
		t.Fatalf("unexpected state after restart: %+v", state)
	}

	if res := update(9, 0); res.Success || res.Code != CodeLevelJumpTooLarge {
		t.Fatalf("jump of 8: %+v", res)
	}
	if got := len(env.guard.SecurityStatus("u1").SuspiciousEvents); got != 1 {
		t.Fatalf("integrity failures are flagged, got %d events", got)
	}
}

func TestPresenceBroadcasts(t *testing.T) {
	env := newTestEnv(t, weakEnemies())
	sub := env.hub.Subscribe(TopicPresence)
	defer env.hub.Unsubscribe(sub)

	connect(t, env, "u1")
	ev := waitForEvent(t, sub, EventOnlinePlayers)
	if update := ev.Payload.(OnlinePlayersUpdate); update.Count != 1 || update.Players[0].UserID != "u1" {
		t.Fatalf("unexpected presence: %+v", update)
	}

	env.orch.Disconnect("u1")
	ev = waitForEvent(t, sub, EventOnlinePlayers)
	if update := ev.Payload.(OnlinePlayersUpdate); update.Count != 0 {
		t.Fatalf("expected nobody online, got %+v", update)
	}
	if len(env.orch.OnlinePlayers()) != 0 {
		t.Fatal("online list should be empty")
	}
}

func TestSweepSessionsEndsIdleRuns(t *testing.T) {
	env := newTestEnv(t, weakEnemies())
	connect(t, env, "u1")

	env.clock.Advance(6 * time.Minute)
	if n := env.orch.SweepSessions(); n != 1 {
		t.Fatalf("expected one swept session, got %d", n)
	}
	if _, err := env.orch.GameState("u1"); CodeOf(err) != CodeSessionNotFound {
		t.Fatalf("expected no active session, got %v", err)
	}
	if stats := env.orch.Stats(); stats.Active != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
