package store

import (
	"context"
	"errors"
	"time"

	"idle-arena/models"
)

// ErrNotFound is returned by lookups that match no row.
var ErrNotFound = errors.New("record not found")

// SessionUpdate carries the fields of a game session row that changed.
// Nil fields are left untouched.
type SessionUpdate struct {
	LevelReached  *int
	GoldEarned    *int
	EnemiesKilled *int
	BossDefeated  *bool
	IsActive      *bool
	EndedAt       *time.Time
	EndReason     *string
}

// Aggregate is the per-user roll-up of all score records, joined with the
// player mirror for display fields.
type Aggregate struct {
	UserID       string
	DisplayName  string
	AvatarURL    *string
	BestLevel    int
	TotalGold    int64
	GamesPlayed  int64
	LastActivity *time.Time
}

// Store is the persistence contract used by the game core. Nothing outside
// this package issues queries.
type Store interface {
	UpsertPlayer(ctx context.Context, p *models.Player) error
	UpsertPlayerProfiles(ctx context.Context, players []models.Player) (int, error)
	LastProfileSync(ctx context.Context) (time.Time, error)

	CreateSession(ctx context.Context, s *models.GameSession) error
	UpdateGameSession(ctx context.Context, sessionID string, u SessionUpdate) error

	SubmitScore(ctx context.Context, s *models.Score) error
	GetUserBestScore(ctx context.Context, userID string) (int, error)

	AggregateScores(ctx context.Context) ([]Aggregate, error)
	ReplaceLeaderboard(ctx context.Context, entries []models.LeaderboardEntry) (int64, error)
	GetLeaderboard(ctx context.Context, limit, offset int) ([]models.LeaderboardEntry, error)
	GetLeaderboardEntry(ctx context.Context, userID string) (*models.LeaderboardEntry, error)

	LogSuspiciousActivity(ctx context.Context, l *models.CheatLog) error
}
