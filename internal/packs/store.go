package packs

import (
	"context"
	"errors"
	"sort"
	"strings"

	"gorm.io/gorm"
)

const (
	queryPackID       = "pack_id = ?"
	orderPropSequence = "order_index ASC, id ASC"
)

// FindPack loads a pack by identifier.
func FindPack(ctx context.Context, db *gorm.DB, packID string) (Pack, error) {
	var pack Pack
	err := db.WithContext(ctx).Where("id = ?", packID).Take(&pack).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Pack{}, ErrPackNotFound
	}
	if err != nil {
		return Pack{}, err
	}
	return pack, nil
}

// FindProp loads a prop by identifier.
func FindProp(ctx context.Context, db *gorm.DB, propID string) (Prop, error) {
	var prop Prop
	err := db.WithContext(ctx).Where("id = ?", propID).Take(&prop).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Prop{}, ErrPropNotFound
	}
	if err != nil {
		return Prop{}, err
	}
	return prop, nil
}

// OrderedProps returns the props of a pack in presentation order.
func OrderedProps(ctx context.Context, db *gorm.DB, packID string) ([]Prop, error) {
	var props []Prop
	if err := db.WithContext(ctx).
		Where(queryPackID, packID).
		Order(orderPropSequence).
		Find(&props).Error; err != nil {
		return nil, err
	}
	return props, nil
}

// LinkedTeamIDs returns the distinct teams referenced by a pack's events and props, sorted.
func LinkedTeamIDs(ctx context.Context, db *gorm.DB, packID string) ([]string, error) {
	session := db.WithContext(ctx)

	var events []Event
	if err := session.
		Where("id IN (?) OR id IN (?)",
			session.Model(&PackEvent{}).Select("event_id").Where(queryPackID, packID),
			session.Model(&Prop{}).Select("event_id").Where("pack_id = ? AND event_id IS NOT NULL", packID)).
		Find(&events).Error; err != nil {
		return nil, err
	}

	var propTeams []string
	if err := session.Model(&Prop{}).
		Where("pack_id = ? AND team_id IS NOT NULL", packID).
		Distinct().
		Pluck("team_id", &propTeams).Error; err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	add := func(teamID string) {
		trimmed := strings.TrimSpace(teamID)
		if trimmed == "" {
			return
		}
		seen[trimmed] = struct{}{}
	}
	for _, event := range events {
		add(event.HomeTeamID)
		add(event.AwayTeamID)
	}
	for _, teamID := range propTeams {
		add(teamID)
	}

	teamIDs := make([]string, 0, len(seen))
	for teamID := range seen {
		teamIDs = append(teamIDs, teamID)
	}
	sort.Strings(teamIDs)
	return teamIDs, nil
}
