package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"idle-arena/models"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore implements Store on Postgres.
type GormStore struct {
	DB *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{DB: db}
}

// OpenPostgres connects and migrates the schema.
func OpenPostgres(dsn string) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := db.AutoMigrate(
		&models.Player{},
		&models.GameSession{},
		&models.Score{},
		&models.LeaderboardEntry{},
		&models.CheatLog{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return NewGormStore(db), nil
}

func (s *GormStore) UpsertPlayer(ctx context.Context, p *models.Player) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	columns := []string{"last_seen", "updated_at"}
	if p.DisplayName != "" {
		columns = append(columns, "display_name")
	}
	if p.AvatarURL != nil {
		columns = append(columns, "avatar_url")
	}

	err := s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "external_user_id"}},
		DoUpdates: clause.AssignmentColumns(columns),
	}).Create(p).Error
	if err != nil {
		return fmt.Errorf("upsert player %s: %w", p.ExternalUserID, err)
	}
	return nil
}

// UpsertPlayerProfiles writes profiles coming from the profile service. Rows
// that fail are skipped; the number written is returned.
func (s *GormStore) UpsertPlayerProfiles(ctx context.Context, players []models.Player) (int, error) {
	var upserted int
	var firstErr error
	for i := range players {
		p := players[i]
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		err := s.DB.WithContext(ctx).Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "external_user_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"display_name", "avatar_url", "profile_synced_at", "updated_at",
			}),
		}).Create(&p).Error
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("upsert profile %s: %w", p.ExternalUserID, err)
			}
			continue
		}
		upserted++
	}
	return upserted, firstErr
}

func (s *GormStore) LastProfileSync(ctx context.Context) (time.Time, error) {
	var last *time.Time
	err := s.DB.WithContext(ctx).
		Raw("SELECT MAX(profile_synced_at) FROM players WHERE deleted_at IS NULL").
		Scan(&last).Error
	if err != nil {
		return time.Time{}, fmt.Errorf("last profile sync: %w", err)
	}
	if last == nil {
		return time.Time{}, nil
	}
	return *last, nil
}

func (s *GormStore) CreateSession(ctx context.Context, gs *models.GameSession) error {
	if err := s.DB.WithContext(ctx).Create(gs).Error; err != nil {
		return fmt.Errorf("create session %s: %w", gs.ID, err)
	}
	return nil
}

func (s *GormStore) UpdateGameSession(ctx context.Context, sessionID string, u SessionUpdate) error {
	updates := map[string]interface{}{}
	if u.LevelReached != nil {
		updates["level_reached"] = *u.LevelReached
	}
	if u.GoldEarned != nil {
		updates["gold_earned"] = *u.GoldEarned
	}
	if u.EnemiesKilled != nil {
		updates["enemies_killed"] = *u.EnemiesKilled
	}
	if u.BossDefeated != nil {
		updates["boss_defeated"] = *u.BossDefeated
	}
	if u.IsActive != nil {
		updates["is_active"] = *u.IsActive
	}
	if u.EndedAt != nil {
		updates["ended_at"] = *u.EndedAt
	}
	if u.EndReason != nil {
		updates["end_reason"] = *u.EndReason
	}
	if len(updates) == 0 {
		return nil
	}

	res := s.DB.WithContext(ctx).Model(&models.GameSession{}).Where("id = ?", sessionID).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update session %s: %w", sessionID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("update session %s: %w", sessionID, ErrNotFound)
	}
	return nil
}

func (s *GormStore) SubmitScore(ctx context.Context, sc *models.Score) error {
	if sc.ID == "" {
		sc.ID = uuid.NewString()
	}
	if err := s.DB.WithContext(ctx).Create(sc).Error; err != nil {
		return fmt.Errorf("submit score for %s: %w", sc.UserID, err)
	}
	return nil
}

func (s *GormStore) GetUserBestScore(ctx context.Context, userID string) (int, error) {
	var best int
	err := s.DB.WithContext(ctx).
		Raw("SELECT COALESCE(MAX(level), 0) FROM scores WHERE user_id = ?", userID).
		Scan(&best).Error
	if err != nil {
		return 0, fmt.Errorf("best score for %s: %w", userID, err)
	}
	return best, nil
}

func (s *GormStore) AggregateScores(ctx context.Context) ([]Aggregate, error) {
	var rows []Aggregate
	err := s.DB.WithContext(ctx).Raw(`
		SELECT
			s.user_id,
			COALESCE(p.display_name, '') AS display_name,
			p.avatar_url,
			MAX(s.level) AS best_level,
			COALESCE(SUM(s.gold), 0) AS total_gold,
			COUNT(DISTINCT s.session_id) AS games_played,
			MAX(s.recorded_at) AS last_activity
		FROM scores s
		LEFT JOIN players p ON p.external_user_id = s.user_id AND p.deleted_at IS NULL
		GROUP BY s.user_id, p.display_name, p.avatar_url
	`).Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("aggregate scores: %w", err)
	}
	return rows, nil
}

// ReplaceLeaderboard swaps the materialized view in one transaction.
func (s *GormStore) ReplaceLeaderboard(ctx context.Context, entries []models.LeaderboardEntry) (int64, error) {
	var affected int64
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).
			Delete(&models.LeaderboardEntry{}).Error; err != nil {
			return err
		}
		if len(entries) == 0 {
			return nil
		}
		res := tx.CreateInBatches(entries, 200)
		if res.Error != nil {
			return res.Error
		}
		affected = res.RowsAffected
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("replace leaderboard: %w", err)
	}
	return affected, nil
}

func (s *GormStore) GetLeaderboard(ctx context.Context, limit, offset int) ([]models.LeaderboardEntry, error) {
	var entries []models.LeaderboardEntry
	err := s.DB.WithContext(ctx).
		Order("rank_position ASC").
		Limit(limit).
		Offset(offset).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("get leaderboard: %w", err)
	}
	return entries, nil
}

func (s *GormStore) GetLeaderboardEntry(ctx context.Context, userID string) (*models.LeaderboardEntry, error) {
	var entry models.LeaderboardEntry
	err := s.DB.WithContext(ctx).Where("user_id = ?", userID).First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get leaderboard entry %s: %w", userID, err)
	}
	return &entry, nil
}

func (s *GormStore) LogSuspiciousActivity(ctx context.Context, l *models.CheatLog) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.Details == "" {
		l.Details = "{}"
	}
	if err := s.DB.WithContext(ctx).Create(l).Error; err != nil {
		return fmt.Errorf("log suspicious activity for %s: %w", l.UserID, err)
	}
	return nil
}
