package profiles

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

var errMissingDatabase = errors.New("profiles: database connection required")

// Resolver answers read-only targeting questions against the profile tables.
type Resolver struct {
	db *gorm.DB
}

// NewResolver constructs a Resolver.
func NewResolver(db *gorm.DB) (*Resolver, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &Resolver{db: db}, nil
}

// PackRecipients returns profiles opted into pack drops for the league or any of the teams,
// excluding globally opted-out profiles and profiles without a phone number.
// Each phone appears once, attributed to the lowest profile id that carries it.
func (r *Resolver) PackRecipients(ctx context.Context, league string, teamIDs []string) ([]Recipient, error) {
	league = normalize(league)
	if league == "" && len(teamIDs) == 0 {
		return nil, nil
	}

	scope := r.db.Where("1 = 0")
	if league != "" {
		scope = scope.Or("notification_preferences.league = ?", league)
	}
	if len(teamIDs) > 0 {
		scope = scope.Or("notification_preferences.team_id IN ?", teamIDs)
	}

	var rows []Recipient
	err := r.db.WithContext(ctx).
		Table("profiles").
		Select("DISTINCT profiles.id AS profile_id, profiles.phone AS phone").
		Joins("JOIN notification_preferences ON notification_preferences.profile_id = profiles.id").
		Where("notification_preferences.category = ?", CategoryPacks).
		Where("notification_preferences.opted_in = ?", true).
		Where("profiles.global_opt_out = ?", false).
		Where("profiles.phone <> ''").
		Where(scope).
		Order("profiles.id ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	recipients := make([]Recipient, 0, len(rows))
	seen := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		phone := normalize(row.Phone)
		if phone == "" {
			continue
		}
		if _, ok := seen[phone]; ok {
			continue
		}
		seen[phone] = struct{}{}
		recipients = append(recipients, Recipient{ProfileID: row.ProfileID, Phone: phone})
	}
	return recipients, nil
}
