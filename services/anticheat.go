package services

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"idle-arena/config"
	"idle-arena/models"
	"idle-arena/store"
	"idle-arena/workers"
)

type RateAction string

const (
	RateScoreSubmission RateAction = "score_submission"
	RateLevelUpdate     RateAction = "level_update"
	RateGameAction      RateAction = "game_action"
)

type Escalation string

const (
	EscalationNone         Escalation = ""
	EscalationWarning      Escalation = "warning"
	EscalationFinalWarning Escalation = "final_warning"
	EscalationBan          Escalation = "ban"
)

// RateDecision is the outcome of one rate limit check.
type RateDecision struct {
	Allowed    bool          `json:"allowed"`
	Escalation Escalation    `json:"escalation,omitempty"`
	Warnings   int           `json:"warnings"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

type SuspiciousEvent struct {
	At      time.Time      `json:"at"`
	Reason  string         `json:"reason"`
	Details map[string]any `json:"details,omitempty"`
}

type abuseState struct {
	windows        map[RateAction][]time.Time
	warnings       int
	lastViolation  time.Time
	banUntil       time.Time
	banReason      string
	suspicious     []SuspiciousEvent
	lastActivityAt time.Time
}

// AntiCheatGuard throttles per-user actions, escalates repeat offenders to
// temporary bans and keeps a trail of suspicious activity.
type AntiCheatGuard struct {
	mu     sync.Mutex
	cfg    config.AntiCheatConfig
	writer Writer
	states map[string]*abuseState

	Now func() time.Time
}

func NewAntiCheatGuard(cfg config.AntiCheatConfig, writer Writer) *AntiCheatGuard {
	return &AntiCheatGuard{
		cfg:    cfg,
		writer: writer,
		states: make(map[string]*abuseState),
		Now:    time.Now,
	}
}

func (g *AntiCheatGuard) limitFor(action RateAction) int {
	switch action {
	case RateScoreSubmission:
		return g.cfg.ScoreSubmissionLimit
	case RateLevelUpdate:
		return g.cfg.LevelUpdateLimit
	default:
		return g.cfg.GameActionLimit
	}
}

func (g *AntiCheatGuard) stateLocked(userID string) *abuseState {
	st, ok := g.states[userID]
	if !ok {
		st = &abuseState{windows: make(map[RateAction][]time.Time)}
		g.states[userID] = st
	}
	return st
}

// CheckRateLimit records one action against the user's sliding window. A
// violation returns ErrRateLimited, or ErrUserBanned once it escalates to a ban.
func (g *AntiCheatGuard) CheckRateLimit(userID string, action RateAction) (RateDecision, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.Now()
	st := g.stateLocked(userID)
	st.lastActivityAt = now

	if remaining := g.banRemainingLocked(st, now); remaining > 0 {
		return RateDecision{RetryAfter: remaining}, withRetry(ErrUserBanned, remaining, "%s", st.banReason)
	}

	window := pruneWindow(st.windows[action], now.Add(-g.cfg.Window))
	st.windows[action] = window

	limit := g.limitFor(action)
	if len(window) < limit {
		st.windows[action] = append(window, now)
		return RateDecision{Allowed: true, Warnings: st.warnings}, nil
	}

	retry := window[0].Add(g.cfg.Window).Sub(now)
	decision := g.escalateLocked(userID, st, now, "rate limit exceeded for "+string(action))
	decision.RetryAfter = retry

	if decision.Escalation == EscalationBan {
		decision.RetryAfter = g.cfg.BanDuration
		return decision, withRetry(ErrUserBanned, g.cfg.BanDuration, "%s", st.banReason)
	}
	return decision, withRetry(ErrRateLimited, retry, "%s limit of %d per %s reached (%s)", action, limit, g.cfg.Window, decision.Escalation)
}

func (g *AntiCheatGuard) escalateLocked(userID string, st *abuseState, now time.Time, reason string) RateDecision {
	if st.warnings > 0 && now.Sub(st.lastViolation) > g.cfg.WarningReset {
		st.warnings = 0
	}
	st.warnings++
	st.lastViolation = now

	switch {
	case st.warnings == 1:
		log.Printf("⚠️ [ANTICHEAT] Warning for %s: %s", userID, reason)
		return RateDecision{Escalation: EscalationWarning, Warnings: 1}
	case st.warnings == 2:
		log.Printf("⚠️ [ANTICHEAT] Final warning for %s: %s", userID, reason)
		return RateDecision{Escalation: EscalationFinalWarning, Warnings: 2}
	default:
		g.banLocked(userID, st, now, "repeated violations: "+reason)
		return RateDecision{Escalation: EscalationBan}
	}
}

func (g *AntiCheatGuard) banLocked(userID string, st *abuseState, now time.Time, reason string) {
	st.banUntil = now.Add(g.cfg.BanDuration)
	st.banReason = reason
	st.warnings = 0
	st.suspicious = nil
	log.Printf("🚫 [ANTICHEAT] Banned %s until %s: %s", userID, st.banUntil.Format(time.RFC3339), reason)
}

// banRemainingLocked clears expired bans as a side effect.
func (g *AntiCheatGuard) banRemainingLocked(st *abuseState, now time.Time) time.Duration {
	if st.banUntil.IsZero() {
		return 0
	}
	if !now.Before(st.banUntil) {
		st.banUntil = time.Time{}
		st.banReason = ""
		return 0
	}
	return st.banUntil.Sub(now)
}

// IsUserBanned returns the remaining ban duration, if any.
func (g *AntiCheatGuard) IsUserBanned(userID string) (bool, time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()

	st, ok := g.states[userID]
	if !ok {
		return false, 0
	}
	remaining := g.banRemainingLocked(st, g.Now())
	return remaining > 0, remaining
}

// ValidateScoreProgression checks a reported level against the previous one
// and the time it took. Every failure is also flagged as suspicious.
func (g *AntiCheatGuard) ValidateScoreProgression(userID, sessionID string, newLevel, prevLevel int, elapsed time.Duration) error {
	details := map[string]any{
		"new_level":      newLevel,
		"previous_level": prevLevel,
		"elapsed_ms":     elapsed.Milliseconds(),
	}

	gained := newLevel - prevLevel
	var err *Error
	switch {
	case gained < 0:
		err = withMessage(ErrNegativeProgression, "level went from %d to %d", prevLevel, newLevel)
	case gained > g.cfg.MaxScoreJump:
		err = withMessage(ErrLevelJumpTooLarge, "gained %d levels at once, max %d", gained, g.cfg.MaxScoreJump)
	case gained > 0 && elapsed < time.Duration(gained)*g.cfg.MinTimePerLevel:
		err = withMessage(ErrProgressionTooFast, "gained %d levels in %s", gained, elapsed.Round(time.Millisecond))
	}
	if err == nil {
		return nil
	}

	g.FlagSuspiciousActivity(userID, sessionID, string(RateScoreSubmission), string(err.Code), details)
	return err
}

// FlagSuspiciousActivity records an event and bans the user once the count
// passes the threshold. It reports whether a ban was issued.
func (g *AntiCheatGuard) FlagSuspiciousActivity(userID, sessionID, actionType, reason string, details map[string]any) bool {
	g.mu.Lock()
	now := g.Now()
	st := g.stateLocked(userID)
	st.lastActivityAt = now
	st.suspicious = append(st.suspicious, SuspiciousEvent{At: now, Reason: reason, Details: details})
	log.Printf("🕵️ [ANTICHEAT] Suspicious activity by %s (%s): %s", userID, actionType, reason)

	banned := false
	if len(st.suspicious) > g.cfg.SuspiciousThreshold {
		g.banLocked(userID, st, now, "too many suspicious events")
		banned = true
	}
	g.mu.Unlock()

	g.logCheat(userID, sessionID, actionType, reason, details)
	return banned
}

func (g *AntiCheatGuard) logCheat(userID, sessionID, actionType, reason string, details map[string]any) {
	if g.writer == nil {
		return
	}
	raw := "{}"
	if len(details) > 0 {
		if b, err := json.Marshal(details); err == nil {
			raw = string(b)
		}
	}
	entry := models.CheatLog{
		UserID:     userID,
		SessionID:  sessionID,
		ActionType: actionType,
		Reason:     reason,
		Details:    raw,
	}
	g.writer.Enqueue(workers.Job{
		Name: "cheat_log",
		Run: func(ctx context.Context, st store.Store) error {
			return st.LogSuspiciousActivity(ctx, &entry)
		},
	})
}

// SecurityStatus is the admin view of a user's abuse state.
type SecurityStatus struct {
	UserID           string             `json:"user_id"`
	Banned           bool               `json:"banned"`
	BanUntil         *time.Time         `json:"ban_until,omitempty"`
	BanReason        string             `json:"ban_reason,omitempty"`
	Warnings         int                `json:"warnings"`
	SuspiciousEvents []SuspiciousEvent  `json:"suspicious_events"`
	WindowCounts     map[RateAction]int `json:"window_counts"`
}

func (g *AntiCheatGuard) SecurityStatus(userID string) SecurityStatus {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := SecurityStatus{
		UserID:           userID,
		SuspiciousEvents: []SuspiciousEvent{},
		WindowCounts:     map[RateAction]int{},
	}
	st, ok := g.states[userID]
	if !ok {
		return out
	}

	now := g.Now()
	if g.banRemainingLocked(st, now) > 0 {
		until := st.banUntil
		out.Banned = true
		out.BanUntil = &until
		out.BanReason = st.banReason
	}
	out.Warnings = st.warnings
	out.SuspiciousEvents = append(out.SuspiciousEvents, st.suspicious...)
	for action, w := range st.windows {
		out.WindowCounts[action] = len(pruneWindow(w, now.Add(-g.cfg.Window)))
	}
	return out
}

// Sweep drops stale window entries, expired bans, idle warning counters and
// states that no longer carry anything. It returns the number of users removed.
func (g *AntiCheatGuard) Sweep() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.Now()
	removed := 0
	for userID, st := range g.states {
		for action, w := range st.windows {
			if w = pruneWindow(w, now.Add(-g.cfg.Window)); len(w) == 0 {
				delete(st.windows, action)
			} else {
				st.windows[action] = w
			}
		}
		g.banRemainingLocked(st, now)
		if st.warnings > 0 && now.Sub(st.lastViolation) > g.cfg.WarningReset {
			st.warnings = 0
		}
		idle := now.Sub(st.lastActivityAt) > g.cfg.StateRetention
		if idle && st.banUntil.IsZero() && st.warnings == 0 && len(st.windows) == 0 {
			delete(g.states, userID)
			removed++
		}
	}
	return removed
}

// pruneWindow drops timestamps at or before cutoff. Timestamps are ascending.
func pruneWindow(w []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(w) && !w[i].After(cutoff) {
		i++
	}
	return w[i:]
}
