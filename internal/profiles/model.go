package profiles

import (
	"strings"
	"time"
)

// CategoryPacks is the preference category consulted when a pack opens.
const CategoryPacks = "packs"

// Profile carries the contact settings owned by the profile service.
type Profile struct {
	ID           string    `gorm:"column:id;primaryKey;size:190;not null"`
	Phone        string    `gorm:"column:phone;size:32;not null;default:'';index"`
	GlobalOptOut bool      `gorm:"column:global_opt_out;not null;default:false"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing profiles.
func (Profile) TableName() string {
	return "profiles"
}

// NotificationPreference scopes a profile's opt-in to a league and/or a team.
type NotificationPreference struct {
	ID        uint    `gorm:"column:id;primaryKey;autoIncrement"`
	ProfileID string  `gorm:"column:profile_id;size:190;not null;index"`
	Category  string  `gorm:"column:category;size:64;not null;index:idx_preferences_scope,priority:1"`
	League    *string `gorm:"column:league;size:64;index:idx_preferences_scope,priority:2"`
	TeamID    *string `gorm:"column:team_id;size:190;index:idx_preferences_scope,priority:3"`
	OptedIn   bool    `gorm:"column:opted_in;not null"`
}

// TableName exposes the table backing notification preferences.
func (NotificationPreference) TableName() string {
	return "notification_preferences"
}

// Recipient is a reachable profile resolved for a notification batch.
type Recipient struct {
	ProfileID string
	Phone     string
}

// Models lists the tables owned by this package.
func Models() []any {
	return []any{&Profile{}, &NotificationPreference{}}
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
