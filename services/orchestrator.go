package services

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"idle-arena/config"
	"idle-arena/models"
	"idle-arena/store"
	"idle-arena/workers"
)

// PlayerIdentity is the caller as asserted by the gateway.
type PlayerIdentity struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

type ActionRequest struct {
	Action        string          `json:"action"`
	SessionID     string          `json:"session_id"`
	SecurityToken string          `json:"security_token"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// Failure carries a rejected request's error in wire form.
type Failure struct {
	Error        string `json:"error,omitempty"`
	Code         Code   `json:"code,omitempty"`
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"`

	err error
}

// Err returns the underlying error, nil on success.
func (f Failure) Err() error { return f.err }

func failure(err error) Failure {
	f := Failure{Error: err.Error(), Code: CodeOf(err), err: err}
	var e *Error
	if errors.As(err, &e) && e.RetryAfter > 0 {
		f.RetryAfterMs = e.RetryAfter.Milliseconds()
	}
	return f
}

type ActionResponse struct {
	Success bool          `json:"success"`
	Action  string        `json:"action"`
	Result  *ActionResult `json:"result,omitempty"`
	Session *Session      `json:"session,omitempty"`
	Failure
}

// ProgressReport is a client-side progression claim: a score submission or a
// level update.
type ProgressReport struct {
	SessionID     string `json:"session_id"`
	SecurityToken string `json:"security_token"`
	Level         int    `json:"level"`
	Gold          int    `json:"gold"`
	EnemiesKilled int    `json:"enemies_killed"`
	BossDefeated  bool   `json:"boss_defeated"`
}

type ScoreResult struct {
	Success        bool `json:"success"`
	Level          int  `json:"level"`
	IsNewRecord    bool `json:"is_new_record"`
	PreviousRecord int  `json:"previous_record"`
	Failure
}

type LevelResult struct {
	Success     bool     `json:"success"`
	Level       int      `json:"level"`
	Restarted   bool     `json:"restarted,omitempty"`
	IsNewRecord bool     `json:"is_new_record,omitempty"`
	Session     *Session `json:"session,omitempty"`
	Failure
}

type NewRecord struct {
	SessionID      string `json:"session_id"`
	Level          int    `json:"level"`
	PreviousRecord int    `json:"previous_record"`
}

type OnlinePlayer struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name,omitempty"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
}

type OnlinePlayersUpdate struct {
	Players   []OnlinePlayer `json:"players"`
	Count     int            `json:"count"`
	Timestamp time.Time      `json:"timestamp"`
}

// GameState is the full picture of a player's current run.
type GameState struct {
	Session      Session       `json:"session"`
	Phase        Phase         `json:"phase"`
	Player       PlayerState   `json:"player"`
	Enemy        *Enemy        `json:"enemy,omitempty"`
	BossPassives []BossPassive `json:"boss_passives"`
}

type runtime struct {
	mu        sync.Mutex
	sessionID string
	engine    *CombatEngine
}

type presence struct {
	player      OnlinePlayer
	connections int
}

type OrchestratorDeps struct {
	Registry      *SessionRegistry
	Guard         *AntiCheatGuard
	Leaderboard   *LeaderboardAggregator
	Hub           *Hub
	Store         store.Store
	Writer        Writer
	Combat        config.CombatConfig
	PresenceDelay time.Duration
	// Rand feeds crit rolls; nil uses math/rand.
	Rand func() float64
}

// SessionOrchestrator ties sessions, anti-cheat, combat and the leaderboard
// together. Actions on one session run one at a time; different sessions
// proceed in parallel.
type SessionOrchestrator struct {
	registry *SessionRegistry
	guard    *AntiCheatGuard
	board    *LeaderboardAggregator
	hub      *Hub
	store    store.Store
	writer   Writer
	combat   config.CombatConfig
	delay    time.Duration
	rand     func() float64

	mu              sync.Mutex
	runtimes        map[string]*runtime // user id → runtime of the active session
	bests           map[string]int
	online          map[string]*presence
	presencePending bool
}

func NewSessionOrchestrator(d OrchestratorDeps) *SessionOrchestrator {
	return &SessionOrchestrator{
		registry: d.Registry,
		guard:    d.Guard,
		board:    d.Leaderboard,
		hub:      d.Hub,
		store:    d.Store,
		writer:   d.Writer,
		combat:   d.Combat,
		delay:    d.PresenceDelay,
		rand:     d.Rand,
		runtimes: make(map[string]*runtime),
		bests:    make(map[string]int),
		online:   make(map[string]*presence),
	}
}

func (o *SessionOrchestrator) checkBan(userID string) error {
	if banned, remaining := o.guard.IsUserBanned(userID); banned {
		return withRetry(ErrUserBanned, remaining, "banned for another %s", remaining.Round(time.Second))
	}
	return nil
}

// Connect restores the player's active session or opens a new one, and marks
// the player online until Disconnect.
func (o *SessionOrchestrator) Connect(ctx context.Context, player PlayerIdentity) (Session, bool, error) {
	sess, restored, err := o.EnsureSession(ctx, player)
	if err != nil {
		return Session{}, false, err
	}
	o.markOnline(player)
	return sess, restored, nil
}

// EnsureSession is Connect for stateless callers: it restores or opens a
// session without touching presence.
func (o *SessionOrchestrator) EnsureSession(ctx context.Context, player PlayerIdentity) (Session, bool, error) {
	if player.UserID == "" {
		return Session{}, false, withMessage(ErrInvalidPayload, "user id is required")
	}
	if err := o.checkBan(player.UserID); err != nil {
		return Session{}, false, err
	}

	sess, restored := o.registry.Resume(player.UserID)
	if !restored {
		var err error
		if sess, err = o.registry.CreateSession(player.UserID); err != nil {
			return Session{}, false, err
		}
	}
	o.runtimeFor(sess)
	o.touchPlayer(player)

	if restored {
		log.Printf("🔌 [ORCH] Restored session %s for %s", sess.ID, player.UserID)
	}
	return sess, restored, nil
}

// ValidateSession checks that token is the live token of the user's session.
// An expired session is ended by the check.
func (o *SessionOrchestrator) ValidateSession(sessionID, userID, token string) (Session, error) {
	return o.registry.ValidateSession(sessionID, userID, token)
}

// StartNewRun always opens a fresh session; the previous one becomes terminal.
func (o *SessionOrchestrator) StartNewRun(ctx context.Context, player PlayerIdentity) (Session, error) {
	if player.UserID == "" {
		return Session{}, withMessage(ErrInvalidPayload, "user id is required")
	}
	if err := o.checkBan(player.UserID); err != nil {
		return Session{}, err
	}
	sess, err := o.registry.CreateSession(player.UserID)
	if err != nil {
		return Session{}, err
	}
	o.runtimeFor(sess)
	o.touchPlayer(player)
	return sess, nil
}

// Dispatch validates and applies one combat action.
func (o *SessionOrchestrator) Dispatch(ctx context.Context, userID string, req ActionRequest) ActionResponse {
	resp := ActionResponse{Action: req.Action}
	reject := func(err error) ActionResponse {
		resp.Failure = failure(err)
		return resp
	}

	kind, ok := ParseActionKind(req.Action)
	if !ok {
		return reject(withMessage(ErrUnknownAction, "unknown action %q", req.Action))
	}
	if err := o.checkBan(userID); err != nil {
		return reject(err)
	}
	sess, err := o.registry.ValidateSession(req.SessionID, userID, req.SecurityToken)
	if err != nil {
		return reject(err)
	}
	if _, err := o.guard.CheckRateLimit(userID, RateGameAction); err != nil {
		return reject(err)
	}

	rt := o.runtimeFor(sess)
	rt.mu.Lock()
	defer rt.mu.Unlock()

	var res ActionResult
	switch kind {
	case ActionSavePassive:
		var p PassiveUpgrade
		if err = decodePayload(req.Payload, &p); err == nil {
			if res, err = rt.engine.SavePassiveUpgrade(p); err == nil {
				err = o.registry.AddPassiveUpgrade(sess.ID, p)
			}
		}
	case ActionSaveBossPassive:
		var b BossPassive
		if err = decodePayload(req.Payload, &b); err == nil {
			if res, err = rt.engine.SaveBossPassive(b); err == nil {
				err = o.registry.AddBossPassive(sess.ID, b)
			}
		}
	default:
		res, err = rt.engine.Apply(kind, req.Payload)
	}
	if err != nil {
		return reject(err)
	}

	if res.Outcome != OutcomeNone {
		p := res.Player
		updated, err := o.registry.UpdateProgression(sess.ID, p.Level, p.GoldEarned, p.EnemiesKilled, res.BossKilled)
		if err != nil {
			o.flagIntegrity(userID, sess.ID, RateGameAction, err, p.Level, sess.CurrentLevel)
			return reject(err)
		}
		sess = updated
		o.recordScore(ctx, sess, p.Level, p.GoldEarned)
		if res.Outcome == OutcomeDefeat {
			log.Printf("💀 [ORCH] %s fell at level %d (session %s)", userID, p.Level, sess.ID)
		}
	}

	if latest, ok := o.registry.Get(sess.ID); ok {
		sess = latest
	}
	resp.Success = true
	resp.Result = &res
	resp.Session = &sess
	return resp
}

// SubmitScore validates a reported score against the session and the
// progression rules, then persists it.
func (o *SessionOrchestrator) SubmitScore(ctx context.Context, userID string, rep ProgressReport) ScoreResult {
	res := ScoreResult{Level: rep.Level}
	reject := func(err error) ScoreResult {
		res.Failure = failure(err)
		return res
	}

	if err := o.checkBan(userID); err != nil {
		return reject(err)
	}
	sess, err := o.registry.ValidateSession(rep.SessionID, userID, rep.SecurityToken)
	if err != nil {
		return reject(err)
	}
	if _, err := o.guard.CheckRateLimit(userID, RateScoreSubmission); err != nil {
		return reject(err)
	}
	elapsed := o.registry.Now().Sub(sess.LastLevelAt)
	if err := o.guard.ValidateScoreProgression(userID, sess.ID, rep.Level, sess.CurrentLevel, elapsed); err != nil {
		return reject(err)
	}

	rt := o.runtimeFor(sess)
	rt.mu.Lock()
	defer rt.mu.Unlock()

	updated, err := o.registry.UpdateProgression(sess.ID, rep.Level, rep.Gold, rep.EnemiesKilled, rep.BossDefeated)
	if err != nil {
		o.flagIntegrity(userID, sess.ID, RateScoreSubmission, err, rep.Level, sess.CurrentLevel)
		return reject(err)
	}
	rt.engine.SyncProgress(rep.Level, rep.Gold, rep.EnemiesKilled)

	res.IsNewRecord, res.PreviousRecord = o.recordScore(ctx, updated, rep.Level, rep.Gold)
	res.Success = true
	return res
}

// UpdateLevel applies a realtime level report. Lower levels are restarts; a
// higher level is also recorded as a score.
func (o *SessionOrchestrator) UpdateLevel(ctx context.Context, userID string, rep ProgressReport) LevelResult {
	res := LevelResult{Level: rep.Level}
	reject := func(err error) LevelResult {
		res.Failure = failure(err)
		return res
	}

	if err := o.checkBan(userID); err != nil {
		return reject(err)
	}
	sess, err := o.registry.ValidateSession(rep.SessionID, userID, rep.SecurityToken)
	if err != nil {
		return reject(err)
	}
	if _, err := o.guard.CheckRateLimit(userID, RateLevelUpdate); err != nil {
		return reject(err)
	}

	rt := o.runtimeFor(sess)
	rt.mu.Lock()
	defer rt.mu.Unlock()

	prev := sess.CurrentLevel
	updated, err := o.registry.UpdateProgression(sess.ID, rep.Level, rep.Gold, rep.EnemiesKilled, rep.BossDefeated)
	if err != nil {
		o.flagIntegrity(userID, sess.ID, RateLevelUpdate, err, rep.Level, prev)
		return reject(err)
	}
	rt.engine.SyncProgress(rep.Level, rep.Gold, rep.EnemiesKilled)

	res.Restarted = rep.Level < prev
	if rep.Level > prev {
		res.IsNewRecord, _ = o.recordScore(ctx, updated, rep.Level, rep.Gold)
	}
	res.Success = true
	res.Session = &updated
	return res
}

func (o *SessionOrchestrator) GameState(userID string) (GameState, error) {
	sess, ok := o.registry.Resume(userID)
	if !ok {
		return GameState{}, withMessage(ErrSessionNotFound, "no active session")
	}
	rt := o.runtimeFor(sess)
	rt.mu.Lock()
	defer rt.mu.Unlock()

	return GameState{
		Session:      sess,
		Phase:        rt.engine.Phase(),
		Player:       rt.engine.State(),
		Enemy:        rt.engine.Enemy(),
		BossPassives: rt.engine.BossPassives(),
	}, nil
}

type PassivesView struct {
	PassiveUpgrades []PassiveUpgrade `json:"passive_upgrades"`
	BossPassives    []BossPassive    `json:"boss_passives"`
}

func (o *SessionOrchestrator) Passives(userID string) (PassivesView, error) {
	sess, ok := o.registry.Resume(userID)
	if !ok {
		return PassivesView{}, withMessage(ErrSessionNotFound, "no active session")
	}
	return PassivesView{PassiveUpgrades: sess.PassiveUpgrades, BossPassives: sess.BossPassives}, nil
}

// recordScore persists a score and announces a new personal best once per
// session and level. It returns whether level beat the previous best.
func (o *SessionOrchestrator) recordScore(ctx context.Context, sess Session, level, gold int) (bool, int) {
	prev := o.bestFor(ctx, sess.UserID)

	o.mu.Lock()
	if cur := o.bests[sess.UserID]; cur > prev {
		prev = cur
	}
	isNew := level > prev
	if isNew {
		o.bests[sess.UserID] = level
	}
	o.mu.Unlock()

	score := models.Score{
		UserID:     sess.UserID,
		SessionID:  sess.ID,
		Level:      level,
		Score:      level,
		Gold:       gold,
		RecordedAt: o.registry.Now(),
	}
	job := workers.Job{
		Name: "submit_score",
		Run: func(ctx context.Context, st store.Store) error {
			return st.SubmitScore(ctx, &score)
		},
	}
	if o.board != nil {
		job.OnCommit = o.board.RequestRebuild
	}
	if o.writer != nil {
		o.writer.Enqueue(job)
	}

	if isNew && o.registry.MarkRecordDisplayed(sess.ID, level) && o.hub != nil {
		o.hub.Publish(UserTopic(sess.UserID), Event{
			Type:    EventNewRecord,
			Payload: NewRecord{SessionID: sess.ID, Level: level, PreviousRecord: prev},
		})
	}
	return isNew, prev
}

// bestFor returns the cached personal best, loading it from the store once.
func (o *SessionOrchestrator) bestFor(ctx context.Context, userID string) int {
	o.mu.Lock()
	best, ok := o.bests[userID]
	o.mu.Unlock()
	if ok {
		return best
	}

	loaded, err := o.store.GetUserBestScore(ctx, userID)
	if err != nil {
		log.Printf("[ORCH] ⚠️ Could not load best score for %s: %v", userID, err)
		return 0
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if cur, ok := o.bests[userID]; !ok || loaded > cur {
		o.bests[userID] = loaded
	}
	return o.bests[userID]
}

func (o *SessionOrchestrator) flagIntegrity(userID, sessionID string, action RateAction, err error, level, prev int) {
	if KindOf(err) != KindIntegrity {
		return
	}
	o.guard.FlagSuspiciousActivity(userID, sessionID, string(action), string(CodeOf(err)), map[string]any{
		"new_level":      level,
		"previous_level": prev,
		"error":          err.Error(),
	})
}

// runtimeFor returns the combat runtime of sess, replacing one that belongs
// to an older session of the same user.
func (o *SessionOrchestrator) runtimeFor(sess Session) *runtime {
	o.mu.Lock()
	defer o.mu.Unlock()

	rt, ok := o.runtimes[sess.UserID]
	if ok && rt.sessionID == sess.ID {
		return rt
	}
	engine := NewCombatEngine(o.combat, o.rand)
	if sess.CurrentLevel > 0 || len(sess.PassiveUpgrades) > 0 || len(sess.BossPassives) > 0 {
		engine.Restore(sess)
	}
	rt = &runtime{sessionID: sess.ID, engine: engine}
	o.runtimes[sess.UserID] = rt
	return rt
}

func (o *SessionOrchestrator) touchPlayer(player PlayerIdentity) {
	if o.writer == nil {
		return
	}
	now := o.registry.Now()
	row := models.Player{
		ExternalUserID: player.UserID,
		DisplayName:    player.DisplayName,
		LastSeen:       &now,
	}
	if player.AvatarURL != "" {
		avatar := player.AvatarURL
		row.AvatarURL = &avatar
	}
	o.writer.Enqueue(workers.Job{
		Name: "upsert_player",
		Run: func(ctx context.Context, st store.Store) error {
			return st.UpsertPlayer(ctx, &row)
		},
	})
}

func (o *SessionOrchestrator) markOnline(player PlayerIdentity) {
	o.mu.Lock()
	p, ok := o.online[player.UserID]
	if !ok {
		p = &presence{player: OnlinePlayer{
			UserID:      player.UserID,
			DisplayName: player.DisplayName,
			AvatarURL:   player.AvatarURL,
			ConnectedAt: o.registry.Now(),
		}}
		o.online[player.UserID] = p
	}
	p.connections++
	o.mu.Unlock()

	if !ok {
		o.schedulePresence()
	}
}

// Disconnect drops one connection of the user. The session stays active so a
// reconnect within the idle window restores it.
func (o *SessionOrchestrator) Disconnect(userID string) {
	o.mu.Lock()
	p, ok := o.online[userID]
	gone := false
	if ok {
		p.connections--
		if p.connections <= 0 {
			delete(o.online, userID)
			gone = true
		}
	}
	o.mu.Unlock()

	if gone {
		o.schedulePresence()
	}
}

func (o *SessionOrchestrator) OnlinePlayers() []OnlinePlayer {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.onlineLocked()
}

func (o *SessionOrchestrator) onlineLocked() []OnlinePlayer {
	out := make([]OnlinePlayer, 0, len(o.online))
	for _, p := range o.online {
		out = append(out, p.player)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ConnectedAt.Before(out[j].ConnectedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out
}

// schedulePresence coalesces presence changes into one broadcast per delay.
func (o *SessionOrchestrator) schedulePresence() {
	if o.hub == nil {
		return
	}
	o.mu.Lock()
	if o.presencePending {
		o.mu.Unlock()
		return
	}
	o.presencePending = true
	o.mu.Unlock()

	time.AfterFunc(o.delay, func() {
		o.mu.Lock()
		o.presencePending = false
		players := o.onlineLocked()
		o.mu.Unlock()

		o.hub.Publish(TopicPresence, Event{
			Type:    EventOnlinePlayers,
			Payload: OnlinePlayersUpdate{Players: players, Count: len(players), Timestamp: time.Now()},
		})
	})
}

// SweepSessions ends expired sessions and frees their combat runtimes.
func (o *SessionOrchestrator) SweepSessions() int {
	ended := o.registry.Sweep()
	if len(ended) == 0 {
		return 0
	}

	o.mu.Lock()
	for _, s := range ended {
		if rt, ok := o.runtimes[s.UserID]; ok && rt.sessionID == s.ID {
			delete(o.runtimes, s.UserID)
		}
	}
	o.mu.Unlock()

	log.Printf("🧹 [ORCH] Swept %d expired session(s)", len(ended))
	return len(ended)
}

// SweepAbuse clears stale anti-cheat state.
func (o *SessionOrchestrator) SweepAbuse() int {
	return o.guard.Sweep()
}

// SecurityStatus exposes the anti-cheat view for admins.
func (o *SessionOrchestrator) SecurityStatus(userID string) SecurityStatus {
	return o.guard.SecurityStatus(userID)
}

// Leaderboard returns the aggregator the orchestrator feeds, possibly nil.
func (o *SessionOrchestrator) Leaderboard() *LeaderboardAggregator {
	return o.board
}

func (o *SessionOrchestrator) Stats() RegistryStats {
	return o.registry.Stats()
}
