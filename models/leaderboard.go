package models

import "time"

// LeaderboardEntry is one row of the materialized leaderboard. The table is
// rebuilt wholesale from scores, so it carries no soft delete.
type LeaderboardEntry struct {
	UserID       string     `gorm:"primaryKey" json:"user_id"`
	DisplayName  string     `json:"display_name"`
	AvatarURL    *string    `json:"avatar_url,omitempty"`
	BestLevel    int        `json:"best_level"`
	BestScore    int        `json:"best_score"`
	TotalGold    int64      `json:"total_gold"`
	GamesPlayed  int64      `json:"games_played"`
	LastActivity *time.Time `json:"last_activity,omitempty"`
	RankPosition int        `gorm:"index" json:"rank_position"`
	Tier         string     `json:"tier"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// CheatLog records every suspicious activity flag raised by the anti-cheat guard.
type CheatLog struct {
	ID         string    `gorm:"primaryKey;type:uuid" json:"id"`
	UserID     string    `gorm:"index;not null" json:"user_id"`
	SessionID  string    `gorm:"index" json:"session_id,omitempty"`
	ActionType string    `json:"action_type"`
	Reason     string    `json:"reason"`
	Details    string    `gorm:"type:jsonb" json:"details"` // e.g., {"new_level": 12, "previous_level": 4}
	CreatedAt  time.Time `json:"created_at" gorm:"autoCreateTime"`
}
