package packs

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// PropStatus enumerates the lifecycle of a prop. Values are shared with the UI and admin tools.
type PropStatus string

const (
	// PropStatusOpen marks a prop that accepts takes and has no outcome yet.
	PropStatusOpen PropStatus = "open"
	// PropStatusGradedA marks a prop whose side A won.
	PropStatusGradedA PropStatus = "gradedA"
	// PropStatusGradedB marks a prop whose side B won.
	PropStatusGradedB PropStatus = "gradedB"
	// PropStatusPush marks a prop that resolved with no winner.
	PropStatusPush PropStatus = "push"
)

// PackStatus enumerates the forward-only lifecycle of a pack.
type PackStatus string

const (
	PackStatusDraft      PackStatus = "draft"
	PackStatusComingSoon PackStatus = "coming-soon"
	PackStatusActive     PackStatus = "active"
	// PackStatusLive means closed to new takes and awaiting grading.
	PackStatusLive     PackStatus = "live"
	PackStatusGraded   PackStatus = "graded"
	PackStatusArchived PackStatus = "archived"
)

// DropStrategy selects how a pack is announced when it opens.
type DropStrategy string

const (
	// DropStrategyLink sends one message containing the pack link.
	DropStrategyLink DropStrategy = "link"
	// DropStrategySMSConversation walks each recipient through the props over SMS.
	DropStrategySMSConversation DropStrategy = "sms_conversation"
)

var (
	// ErrPackNotFound indicates that no pack exists for the identifier.
	ErrPackNotFound = errors.New("packs: pack not found")
	// ErrPropNotFound indicates that no prop exists for the identifier.
	ErrPropNotFound = errors.New("packs: prop not found")
	// ErrInvalidPropStatus indicates an unknown or non-terminal grading status.
	ErrInvalidPropStatus = errors.New("packs: invalid prop status")
)

// ParseGradedStatus validates raw input as a terminal prop status.
func ParseGradedStatus(rawInput string) (PropStatus, error) {
	switch PropStatus(strings.TrimSpace(rawInput)) {
	case PropStatusGradedA:
		return PropStatusGradedA, nil
	case PropStatusGradedB:
		return PropStatusGradedB, nil
	case PropStatusPush:
		return PropStatusPush, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPropStatus, rawInput)
	}
}

// IsGraded reports whether the status is terminal.
func (status PropStatus) IsGraded() bool {
	return status == PropStatusGradedA || status == PropStatusGradedB || status == PropStatusPush
}

// Pack models an ordered bundle of props released on a schedule.
type Pack struct {
	ID           string       `gorm:"column:id;primaryKey;size:190;not null"`
	URL          string       `gorm:"column:url;size:512;not null;default:''"`
	Title        string       `gorm:"column:title;size:320;not null;default:''"`
	League       string       `gorm:"column:league;size:64;not null;default:'';index"`
	Status       PackStatus   `gorm:"column:status;size:32;not null;default:'draft';index"`
	OpenTime     *time.Time   `gorm:"column:open_time;index"`
	CloseTime    *time.Time   `gorm:"column:close_time;index"`
	DropStrategy DropStrategy `gorm:"column:drop_strategy;size:32;not null;default:'link'"`
	SMSTemplate  string       `gorm:"column:sms_template;type:text;not null;default:''"`
	GradedAt     *time.Time   `gorm:"column:graded_at"`
	CreatedAt    time.Time    `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time    `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Pack) TableName() string {
	return "packs"
}

// Link returns the absolute pack URL. Relative pack URLs are joined to baseURL.
func (pack Pack) Link(baseURL string) string {
	url := strings.TrimSpace(pack.URL)
	if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
		return url
	}
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		return url
	}
	return base + "/" + strings.TrimLeft(url, "/")
}

// Prop models a binary prediction question inside a pack.
type Prop struct {
	ID            string     `gorm:"column:id;primaryKey;size:190;not null"`
	PackID        string     `gorm:"column:pack_id;size:190;not null;index:idx_props_pack_order,priority:1"`
	Text          string     `gorm:"column:text;type:text;not null;default:''"`
	SideALabel    string     `gorm:"column:side_a_label;size:190;not null;default:''"`
	SideBLabel    string     `gorm:"column:side_b_label;size:190;not null;default:''"`
	SideAValue    float64    `gorm:"column:side_a_value;not null;default:0"`
	SideBValue    float64    `gorm:"column:side_b_value;not null;default:0"`
	Status        PropStatus `gorm:"column:status;size:32;not null;default:'open';index"`
	OpenTime      *time.Time `gorm:"column:open_time"`
	CloseTime     *time.Time `gorm:"column:close_time"`
	OrderIndex    int        `gorm:"column:order_index;not null;default:0;index:idx_props_pack_order,priority:2"`
	EventID       *string    `gorm:"column:event_id;size:190"`
	TeamID        *string    `gorm:"column:team_id;size:190"`
	FormulaKind   string     `gorm:"column:formula_kind;size:64;not null;default:''"`
	FormulaParams string     `gorm:"column:formula_params;type:text;not null;default:''"`
	ResultValue   *float64   `gorm:"column:result_value"`
	GradedAt      *time.Time `gorm:"column:graded_at"`
	CreatedAt     time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Prop) TableName() string {
	return "props"
}

// Event is a scheduled game between two teams. Owned by the admin tools.
type Event struct {
	ID         string    `gorm:"column:id;primaryKey;size:190;not null"`
	League     string    `gorm:"column:league;size:64;not null;default:''"`
	Title      string    `gorm:"column:title;size:320;not null;default:''"`
	HomeTeamID string    `gorm:"column:home_team_id;size:190;not null;default:''"`
	AwayTeamID string    `gorm:"column:away_team_id;size:190;not null;default:''"`
	StartsAt   time.Time `gorm:"column:starts_at"`
}

// TableName provides the explicit table binding for GORM.
func (Event) TableName() string {
	return "events"
}

// PackEvent links a pack to an event for recipient targeting.
type PackEvent struct {
	PackID  string `gorm:"column:pack_id;primaryKey;size:190;not null"`
	EventID string `gorm:"column:event_id;primaryKey;size:190;not null"`
}

// TableName provides the explicit table binding for GORM.
func (PackEvent) TableName() string {
	return "pack_events"
}

// Models lists the tables owned by this package in migration order.
func Models() []any {
	return []any{&Pack{}, &Prop{}, &Event{}, &PackEvent{}}
}
