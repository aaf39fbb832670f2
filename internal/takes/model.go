package takes

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
)

// Side identifies which answer of a prop a take backs.
type Side string

const (
	SideA Side = "A"
	SideB Side = "B"
)

// Status distinguishes the current take of an identity from superseded ones.
type Status string

const (
	StatusLatest      Status = "latest"
	StatusOverwritten Status = "overwritten"
)

// Result is the settlement outcome of a take.
type Result string

const (
	ResultPending Result = "pending"
	ResultWon     Result = "won"
	ResultLost    Result = "lost"
	ResultPush    Result = "push"
)

// Source records the channel a take arrived through.
type Source string

const (
	SourceWeb Source = "web"
	SourceSMS Source = "sms"
)

const maxIdentityLength = 190

var (
	// ErrInvalidSide indicates that the side is neither A nor B.
	ErrInvalidSide = errors.New("takes: invalid side")
	// ErrInvalidIdentity indicates that the identity is empty or exceeds storage bounds.
	ErrInvalidIdentity = errors.New("takes: invalid identity")
	// ErrInvalidSource indicates an unknown ingestion channel.
	ErrInvalidSource = errors.New("takes: invalid source")
)

// ParseSide validates raw input as a side, ignoring case and surrounding space.
func ParseSide(rawInput string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(rawInput)) {
	case string(SideA):
		return SideA, nil
	case string(SideB):
		return SideB, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidSide, rawInput)
	}
}

// NormalizeIdentity validates a take identity (a phone number for both channels).
func NormalizeIdentity(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidIdentity)
	}
	if len(trimmed) > maxIdentityLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidIdentity, maxIdentityLength)
	}
	return trimmed, nil
}

// Take is one identity's recorded choice on a prop.
type Take struct {
	ID        string    `gorm:"column:id;primaryKey;size:190;not null"`
	PropID    string    `gorm:"column:prop_id;size:190;not null;index:idx_takes_prop_identity,priority:1"`
	Identity  string    `gorm:"column:identity;size:190;not null;index:idx_takes_prop_identity,priority:2"`
	Side      Side      `gorm:"column:side;size:1;not null"`
	Status    Status    `gorm:"column:status;size:16;not null;default:'latest';index"`
	Result    Result    `gorm:"column:result;size:16;not null;default:'pending'"`
	Points    float64   `gorm:"column:points;not null;default:0"`
	Tokens    float64   `gorm:"column:tokens;not null;default:0"`
	Source    Source    `gorm:"column:source;size:8;not null"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Take) TableName() string {
	return "takes"
}

// singleLatestIndexSQL enforces at most one latest take per (prop, identity).
const singleLatestIndexSQL = "CREATE UNIQUE INDEX IF NOT EXISTS idx_takes_single_latest ON takes (prop_id, identity) WHERE status = 'latest'"

// EnsureSchema migrates the takes table and its partial unique index.
func EnsureSchema(db *gorm.DB) error {
	if err := db.AutoMigrate(&Take{}); err != nil {
		return err
	}
	return db.Exec(singleLatestIndexSQL).Error
}
