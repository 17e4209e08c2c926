package models

import "time"

// GameSession is the persisted record of one run. The live copy is held in
// memory by the session registry; this row is its write-behind mirror.
type GameSession struct {
	ID            string     `gorm:"primaryKey;type:uuid" json:"id"`
	UserID        string     `gorm:"index;not null" json:"user_id"`
	RunID         string     `gorm:"index" json:"run_id"`
	StartedAt     time.Time  `json:"started_at"`
	EndedAt       *time.Time `json:"ended_at,omitempty"`
	LevelReached  int        `json:"level_reached" gorm:"default:0"`
	GoldEarned    int        `json:"gold_earned" gorm:"default:0"`
	EnemiesKilled int        `json:"enemies_killed" gorm:"default:0"`
	BossDefeated  bool       `json:"boss_defeated" gorm:"default:false"`
	IsActive      bool       `json:"is_active" gorm:"index"`
	EndReason     string     `json:"end_reason,omitempty"`

	Timestamps
}

// Score is an append-only record of a reached level. Score always equals Level.
type Score struct {
	ID         string    `gorm:"primaryKey;type:uuid" json:"id"`
	UserID     string    `gorm:"index;not null" json:"user_id"`
	SessionID  string    `gorm:"index;not null" json:"session_id"`
	Level      int       `gorm:"index" json:"level"`
	Score      int       `json:"score"`
	Gold       int       `json:"gold"`
	RecordedAt time.Time `gorm:"index" json:"timestamp"`
	CreatedAt  time.Time `json:"created_at" gorm:"autoCreateTime"`
}
