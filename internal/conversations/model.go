package conversations

import "time"

// SessionStatus is the lifecycle of an SMS conversation.
type SessionStatus string

const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusCompleted SessionStatus = "completed"
)

// Session is a per-phone, per-pack cursor over the pack's props.
type Session struct {
	ID                   uint          `gorm:"column:id;primaryKey;autoIncrement"`
	Phone                string        `gorm:"column:phone;size:32;not null;uniqueIndex:idx_sms_sessions_phone_pack,priority:1;index:idx_sms_sessions_phone_status,priority:1"`
	PackID               string        `gorm:"column:pack_id;size:190;not null;uniqueIndex:idx_sms_sessions_phone_pack,priority:2"`
	CurrentPropIndex     int           `gorm:"column:current_prop_index;not null;default:0"`
	Status               SessionStatus `gorm:"column:status;size:16;not null;default:'active';index:idx_sms_sessions_phone_status,priority:2"`
	LastInboundMessageID string        `gorm:"column:last_inbound_message_id;size:64;not null;default:''"`
	CreatedAt            time.Time     `gorm:"column:created_at;not null"`
	UpdatedAt            time.Time     `gorm:"column:updated_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Session) TableName() string {
	return "sms_sessions"
}

// InboundMessage is an SMS received from the transport webhook.
type InboundMessage struct {
	From      string
	To        string
	Body      string
	MessageID string
}

// Outcome classifies how an inbound message was handled.
type Outcome string

const (
	OutcomeInvalid    Outcome = "invalid"
	OutcomeNoSession  Outcome = "no_session"
	OutcomeDuplicate  Outcome = "duplicate"
	OutcomeReprompted Outcome = "reprompted"
	OutcomeAdvanced   Outcome = "advanced"
	OutcomeCompleted  Outcome = "completed"
	// OutcomeClosed means the pack stopped taking answers; the session is completed without a take.
	OutcomeClosed Outcome = "closed"
	OutcomeFailed Outcome = "failed"
)

// InboundResult reports how an inbound message was handled and, when a take was
// recorded, the prop it was recorded on.
type InboundResult struct {
	Outcome Outcome
	PropID  string
}
