package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"idle-arena/models"

	"github.com/google/uuid"
)

// MemoryStore keeps everything in process. It backs tests and
// STORE_DRIVER=memory deployments.
type MemoryStore struct {
	mu          sync.RWMutex
	players     map[string]models.Player // external user id → player
	sessions    map[string]models.GameSession
	scores      []models.Score
	leaderboard []models.LeaderboardEntry
	cheatLogs   []models.CheatLog
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		players:  make(map[string]models.Player),
		sessions: make(map[string]models.GameSession),
	}
}

func (m *MemoryStore) UpsertPlayer(_ context.Context, p *models.Player) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	existing, ok := m.players[p.ExternalUserID]
	if !ok {
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		p.CreatedAt, p.UpdatedAt = now, now
		m.players[p.ExternalUserID] = *p
		return nil
	}
	if p.DisplayName != "" {
		existing.DisplayName = p.DisplayName
	}
	if p.AvatarURL != nil {
		existing.AvatarURL = p.AvatarURL
	}
	existing.LastSeen = p.LastSeen
	existing.UpdatedAt = now
	m.players[p.ExternalUserID] = existing
	*p = existing
	return nil
}

func (m *MemoryStore) UpsertPlayerProfiles(_ context.Context, players []models.Player) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for _, p := range players {
		existing, ok := m.players[p.ExternalUserID]
		if !ok {
			if p.ID == "" {
				p.ID = uuid.NewString()
			}
			p.CreatedAt, p.UpdatedAt = now, now
			m.players[p.ExternalUserID] = p
			continue
		}
		existing.DisplayName = p.DisplayName
		existing.AvatarURL = p.AvatarURL
		existing.ProfileSyncedAt = p.ProfileSyncedAt
		existing.UpdatedAt = now
		m.players[p.ExternalUserID] = existing
	}
	return len(players), nil
}

func (m *MemoryStore) LastProfileSync(_ context.Context) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var last time.Time
	for _, p := range m.players {
		if p.ProfileSyncedAt != nil && p.ProfileSyncedAt.After(last) {
			last = *p.ProfileSyncedAt
		}
	}
	return last, nil
}

// Player returns the mirrored profile for a user.
func (m *MemoryStore) Player(userID string) (models.Player, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.players[userID]
	return p, ok
}

func (m *MemoryStore) CreateSession(_ context.Context, s *models.GameSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sessions[s.ID]; exists {
		return fmt.Errorf("create session %s: duplicate id", s.ID)
	}
	m.sessions[s.ID] = *s
	return nil
}

func (m *MemoryStore) UpdateGameSession(_ context.Context, sessionID string, u SessionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("update session %s: %w", sessionID, ErrNotFound)
	}
	if u.LevelReached != nil {
		s.LevelReached = *u.LevelReached
	}
	if u.GoldEarned != nil {
		s.GoldEarned = *u.GoldEarned
	}
	if u.EnemiesKilled != nil {
		s.EnemiesKilled = *u.EnemiesKilled
	}
	if u.BossDefeated != nil {
		s.BossDefeated = *u.BossDefeated
	}
	if u.IsActive != nil {
		s.IsActive = *u.IsActive
	}
	if u.EndedAt != nil {
		t := *u.EndedAt
		s.EndedAt = &t
	}
	if u.EndReason != nil {
		s.EndReason = *u.EndReason
	}
	m.sessions[sessionID] = s
	return nil
}

// Session returns the persisted row for a session id.
func (m *MemoryStore) Session(sessionID string) (models.GameSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

func (m *MemoryStore) SubmitScore(_ context.Context, s *models.Score) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	s.CreatedAt = time.Now()
	m.scores = append(m.scores, *s)
	return nil
}

// Scores returns a copy of every score record, in insertion order.
func (m *MemoryStore) Scores() []models.Score {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.Score(nil), m.scores...)
}

func (m *MemoryStore) GetUserBestScore(_ context.Context, userID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	best := 0
	for _, s := range m.scores {
		if s.UserID == userID && s.Level > best {
			best = s.Level
		}
	}
	return best, nil
}

func (m *MemoryStore) AggregateScores(_ context.Context) ([]Aggregate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byUser := make(map[string]*Aggregate)
	sessions := make(map[string]map[string]struct{})
	var order []string
	for _, s := range m.scores {
		agg, ok := byUser[s.UserID]
		if !ok {
			agg = &Aggregate{UserID: s.UserID, BestLevel: s.Level}
			if p, found := m.players[s.UserID]; found {
				agg.DisplayName = p.DisplayName
				agg.AvatarURL = p.AvatarURL
			}
			byUser[s.UserID] = agg
			sessions[s.UserID] = make(map[string]struct{})
			order = append(order, s.UserID)
		}
		if s.Level > agg.BestLevel {
			agg.BestLevel = s.Level
		}
		agg.TotalGold += int64(s.Gold)
		sessions[s.UserID][s.SessionID] = struct{}{}
		if agg.LastActivity == nil || s.RecordedAt.After(*agg.LastActivity) {
			t := s.RecordedAt
			agg.LastActivity = &t
		}
	}

	out := make([]Aggregate, 0, len(order))
	for _, id := range order {
		agg := byUser[id]
		agg.GamesPlayed = int64(len(sessions[id]))
		out = append(out, *agg)
	}
	return out, nil
}

func (m *MemoryStore) ReplaceLeaderboard(_ context.Context, entries []models.LeaderboardEntry) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.leaderboard = append([]models.LeaderboardEntry(nil), entries...)
	return int64(len(entries)), nil
}

func (m *MemoryStore) GetLeaderboard(_ context.Context, limit, offset int) ([]models.LeaderboardEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if offset >= len(m.leaderboard) {
		return []models.LeaderboardEntry{}, nil
	}
	end := len(m.leaderboard)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return append([]models.LeaderboardEntry(nil), m.leaderboard[offset:end]...), nil
}

func (m *MemoryStore) GetLeaderboardEntry(_ context.Context, userID string) (*models.LeaderboardEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, e := range m.leaderboard {
		if e.UserID == userID {
			entry := e
			return &entry, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) LogSuspiciousActivity(_ context.Context, l *models.CheatLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.Details == "" {
		l.Details = "{}"
	}
	if !json.Valid([]byte(l.Details)) {
		return fmt.Errorf("log suspicious activity for %s: details are not valid JSON", l.UserID)
	}
	l.CreatedAt = time.Now()
	m.cheatLogs = append(m.cheatLogs, *l)
	return nil
}

// CheatLogs returns a copy of every logged flag.
func (m *MemoryStore) CheatLogs() []models.CheatLog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.CheatLog(nil), m.cheatLogs...)
}
