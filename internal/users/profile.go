package users

import (
	"strings"
	"time"
)

// Profile records the last known identity details of an editor.
type Profile struct {
	UserID      string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	Email       string    `gorm:"column:user_email;size:320"`
	DisplayName string    `gorm:"column:user_display_name;size:320"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing editor profiles.
func (Profile) TableName() string {
	return "editor_profiles"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
