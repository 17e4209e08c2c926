package services

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"idle-arena/config"
	"idle-arena/models"
	"idle-arena/store"
	"idle-arena/workers"

	"github.com/google/uuid"
	"github.com/gosimple/slug"
)

// Writer queues store writes behind the game core; see workers.PersistenceWriter.
// Enqueue must not block: the registry calls it while holding its lock.
type Writer interface {
	Enqueue(job workers.Job) bool
}

const (
	EndReasonReplaced = "replaced"
	EndReasonExpired  = "expired"
	EndReasonIdle     = "idle"
	EndReasonEnded    = "ended"
)

// Session is a copy of a live run as held by the registry.
type Session struct {
	ID              string           `json:"session_id"`
	UserID          string           `json:"user_id"`
	RunID           string           `json:"run_id"`
	SecurityToken   string           `json:"security_token"`
	CreatedAt       time.Time        `json:"created_at"`
	LastActivityAt  time.Time        `json:"last_activity_at"`
	LastLevelAt     time.Time        `json:"-"`
	EndedAt         *time.Time       `json:"ended_at,omitempty"`
	CurrentLevel    int              `json:"current_level"`
	MaxLevelReached int              `json:"max_level_reached"`
	TotalGold       int              `json:"total_gold"`
	EnemiesKilled   int              `json:"enemies_killed"`
	BossesDefeated  int              `json:"bosses_defeated"`
	Active          bool             `json:"is_active"`
	EndReason       string           `json:"end_reason,omitempty"`
	PassiveUpgrades []PassiveUpgrade `json:"passive_upgrades"`
	BossPassives    []BossPassive    `json:"boss_passives"`
}

type sessionEntry struct {
	Session
	displayed map[int]struct{} // levels already announced as a new record
}

func (e *sessionEntry) snapshot() Session {
	s := e.Session
	s.PassiveUpgrades = append([]PassiveUpgrade{}, e.PassiveUpgrades...)
	s.BossPassives = append([]BossPassive{}, e.BossPassives...)
	if e.EndedAt != nil {
		t := *e.EndedAt
		s.EndedAt = &t
	}
	return s
}

// SessionRegistry owns every live session and enforces at most one active
// session per user.
type SessionRegistry struct {
	mu       sync.Mutex
	cfg      config.SessionConfig
	tokens   *TokenIssuer
	writer   Writer
	sessions map[string]*sessionEntry
	active   map[string]string // user id → session id

	Now func() time.Time
}

func NewSessionRegistry(cfg config.SessionConfig, tokens *TokenIssuer, writer Writer) *SessionRegistry {
	return &SessionRegistry{
		cfg:      cfg,
		tokens:   tokens,
		writer:   writer,
		sessions: make(map[string]*sessionEntry),
		active:   make(map[string]string),
		Now:      time.Now,
	}
}

// CreateSession ends the user's current session, if any, and opens a new one.
func (r *SessionRegistry) CreateSession(userID string) (Session, error) {
	if userID == "" {
		return Session{}, withMessage(ErrInvalidPayload, "user id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.Now()
	if prevID, ok := r.active[userID]; ok {
		if prev := r.sessions[prevID]; prev != nil {
			r.endLocked(prev, EndReasonReplaced, now)
		}
	}

	sessionID := uuid.NewString()
	token, err := r.tokens.Issue(userID, sessionID)
	if err != nil {
		return Session{}, fmt.Errorf("create session for %s: %w", userID, err)
	}

	entry := &sessionEntry{
		Session: Session{
			ID:             sessionID,
			UserID:         userID,
			RunID:          newRunID(userID, now),
			SecurityToken:  token,
			CreatedAt:      now,
			LastActivityAt: now,
			LastLevelAt:    now,
			Active:         true,
		},
		displayed: make(map[int]struct{}),
	}
	r.sessions[sessionID] = entry
	r.active[userID] = sessionID

	row := models.GameSession{
		ID:        sessionID,
		UserID:    userID,
		RunID:     entry.RunID,
		StartedAt: now,
		IsActive:  true,
	}
	r.enqueue(workers.Job{
		Name: "create_session",
		Run: func(ctx context.Context, st store.Store) error {
			return st.CreateSession(ctx, &row)
		},
	})

	log.Printf("🎮 [SESSION] Created %s for user %s (run %s)", sessionID, userID, entry.RunID)
	return entry.snapshot(), nil
}

// ValidateSession checks ownership, token and expiry, in that order, and
// touches the session on success.
func (r *SessionRegistry) ValidateSession(sessionID, userID, token string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.sessions[sessionID]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	if !entry.Active {
		return Session{}, ErrSessionInactive
	}
	if entry.UserID != userID {
		return Session{}, ErrUserMismatch
	}
	if !tokensEqual(entry.SecurityToken, token) {
		return Session{}, ErrInvalidToken
	}

	now := r.Now()
	if reason := r.expiryLocked(entry, now); reason != "" {
		r.endLocked(entry, reason, now)
		return Session{}, withMessage(ErrSessionExpired, "session %s", reason)
	}

	entry.LastActivityAt = now
	return entry.snapshot(), nil
}

// Resume returns the user's active session when it is still valid, touching it.
func (r *SessionRegistry) Resume(userID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessionID, ok := r.active[userID]
	if !ok {
		return Session{}, false
	}
	entry := r.sessions[sessionID]
	now := r.Now()
	if reason := r.expiryLocked(entry, now); reason != "" {
		r.endLocked(entry, reason, now)
		return Session{}, false
	}
	entry.LastActivityAt = now
	return entry.snapshot(), true
}

// UpdateProgression applies a reported level/gold/kill state to a session.
// A lower level than the current one is a restart and resets the counters.
func (r *SessionRegistry) UpdateProgression(sessionID string, level, gold, enemiesKilled int, bossDefeated bool) (Session, error) {
	if level < 0 || gold < 0 || enemiesKilled < 0 {
		return Session{}, withMessage(ErrInvalidPayload, "progression values must not be negative")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.sessions[sessionID]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	if !entry.Active {
		return Session{}, ErrSessionInactive
	}

	now := r.Now()
	prev := entry.CurrentLevel

	switch {
	case level < prev:
		entry.CurrentLevel = level
		entry.TotalGold = gold
		entry.EnemiesKilled = enemiesKilled
		entry.BossesDefeated = 0
		if bossDefeated {
			entry.BossesDefeated = 1
		}
		entry.LastLevelAt = now
		log.Printf("🔄 [SESSION] Restart detected for %s: level %d → %d", sessionID, prev, level)

	case level-prev > r.cfg.MaxLevelJump:
		return Session{}, withMessage(ErrLevelJumpTooLarge, "level %d → %d exceeds the allowed jump of %d", prev, level, r.cfg.MaxLevelJump)

	case gold < entry.TotalGold-r.cfg.GoldTolerance:
		return Session{}, withMessage(ErrRegressionTooLarge, "gold dropped from %d to %d", entry.TotalGold, gold)

	case enemiesKilled < entry.EnemiesKilled-r.cfg.KillTolerance:
		return Session{}, withMessage(ErrRegressionTooLarge, "kills dropped from %d to %d", entry.EnemiesKilled, enemiesKilled)

	default:
		if level > prev {
			entry.LastLevelAt = now
			if bossDefeated {
				entry.BossesDefeated++
			}
		}
		entry.CurrentLevel = level
		entry.TotalGold = gold
		entry.EnemiesKilled = enemiesKilled
	}

	if entry.CurrentLevel > entry.MaxLevelReached {
		entry.MaxLevelReached = entry.CurrentLevel
	}
	entry.LastActivityAt = now

	r.persistProgressLocked(entry, nil)
	return entry.snapshot(), nil
}

// EndSession makes a session terminal.
func (r *SessionRegistry) EndSession(sessionID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if !entry.Active {
		return nil
	}
	r.endLocked(entry, reason, r.Now())
	return nil
}

// MarkRecordDisplayed reports whether this is the first time a new record at
// level is announced for the session.
func (r *SessionRegistry) MarkRecordDisplayed(sessionID string, level int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.sessions[sessionID]
	if !ok {
		return false
	}
	if _, seen := entry.displayed[level]; seen {
		return false
	}
	entry.displayed[level] = struct{}{}
	return true
}

func (r *SessionRegistry) AddPassiveUpgrade(sessionID string, p PassiveUpgrade) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	entry.PassiveUpgrades = append(entry.PassiveUpgrades, p)
	return nil
}

func (r *SessionRegistry) AddBossPassive(sessionID string, b BossPassive) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	entry.BossPassives = append(entry.BossPassives, b)
	return nil
}

func (r *SessionRegistry) Get(sessionID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return entry.snapshot(), true
}

// Sweep ends expired sessions and forgets ended ones older than the retention
// window. It returns the sessions it ended.
func (r *SessionRegistry) Sweep() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.Now()
	var ended []Session
	for id, entry := range r.sessions {
		if entry.Active {
			if reason := r.expiryLocked(entry, now); reason != "" {
				r.endLocked(entry, reason, now)
				ended = append(ended, entry.snapshot())
			}
			continue
		}
		if entry.EndedAt != nil && now.Sub(*entry.EndedAt) > r.cfg.Retention {
			delete(r.sessions, id)
		}
	}
	return ended
}

type RegistryStats struct {
	Active int `json:"active"`
	Total  int `json:"total"`
}

func (r *SessionRegistry) Stats() RegistryStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RegistryStats{Active: len(r.active), Total: len(r.sessions)}
}

func (r *SessionRegistry) expiryLocked(entry *sessionEntry, now time.Time) string {
	if now.Sub(entry.CreatedAt) > r.cfg.TTL {
		return EndReasonExpired
	}
	if now.Sub(entry.LastActivityAt) > r.cfg.IdleTimeout {
		return EndReasonIdle
	}
	return ""
}

func (r *SessionRegistry) endLocked(entry *sessionEntry, reason string, now time.Time) {
	entry.Active = false
	entry.EndReason = reason
	ended := now
	entry.EndedAt = &ended
	if r.active[entry.UserID] == entry.ID {
		delete(r.active, entry.UserID)
	}

	r.persistProgressLocked(entry, &store.SessionUpdate{
		IsActive:  boolPtr(false),
		EndedAt:   &ended,
		EndReason: &reason,
	})
	log.Printf("⏹️ [SESSION] Ended %s for user %s (%s, level %d)", entry.ID, entry.UserID, reason, entry.CurrentLevel)
}

// persistProgressLocked mirrors the session counters to the store, merged with
// any extra fields in base.
func (r *SessionRegistry) persistProgressLocked(entry *sessionEntry, base *store.SessionUpdate) {
	var u store.SessionUpdate
	if base != nil {
		u = *base
	}
	level, gold, kills := entry.CurrentLevel, entry.TotalGold, entry.EnemiesKilled
	boss := entry.BossesDefeated > 0
	u.LevelReached, u.GoldEarned, u.EnemiesKilled, u.BossDefeated = &level, &gold, &kills, &boss

	sessionID := entry.ID
	r.enqueue(workers.Job{
		Name: "update_session",
		Run: func(ctx context.Context, st store.Store) error {
			return st.UpdateGameSession(ctx, sessionID, u)
		},
	})
}

func (r *SessionRegistry) enqueue(job workers.Job) {
	if r.writer == nil {
		return
	}
	r.writer.Enqueue(job)
}

func newRunID(userID string, now time.Time) string {
	return fmt.Sprintf("run-%s-%d-%s", slug.Make(userID), now.UnixMilli(), uuid.NewString()[:8])
}

func boolPtr(b bool) *bool { return &b }
