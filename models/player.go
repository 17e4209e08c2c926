package models

import (
	"time"

	"gorm.io/gorm"
)

// Player is a local snapshot of the profile data shown on the leaderboard.
// Filled from gateway headers on connect and by the profile sync worker.
type Player struct {
	ID             string  `gorm:"primaryKey;type:uuid" json:"id"`
	ExternalUserID string  `gorm:"uniqueIndex;not null" json:"external_user_id"` // gateway / profile service user id
	DisplayName    string  `gorm:"index" json:"display_name"`
	AvatarURL      *string `json:"avatar_url,omitempty"`

	LastSeen        *time.Time `json:"last_seen,omitempty"`
	ProfileSyncedAt *time.Time `json:"profile_synced_at,omitempty" gorm:"index"` // remote updated_at of the last synced profile

	Timestamps
}

// Timestamps adds GORM auto-times
type Timestamps struct {
	CreatedAt time.Time      `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time      `json:"updated_at" gorm:"autoUpdateTime"`
	DeletedAt gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}
