package conversations

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode"

	"github.com/MarcoPoloResearchLab/takes/backend/internal/notify"
	"github.com/MarcoPoloResearchLab/takes/backend/internal/packs"
	"github.com/MarcoPoloResearchLab/takes/backend/internal/takes"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	messageKindPrompt     = "sms_prompt"
	messageKindCompletion = "sms_completion"
	messageKindClosed     = "sms_closed"
	fieldPhone            = "phone"
	fieldPackID           = "pack_id"
	fieldMessageID        = "message_id"
)

var (
	// ErrPackHasNoProps indicates a conversation cannot start because the pack is empty.
	ErrPackHasNoProps = errors.New("conversations: pack has no props")

	errMissingDatabase = errors.New("conversations: database handle is required")
	errMissingTakes    = errors.New("conversations: take recorder is required")
	errMissingSender   = errors.New("conversations: sender is required")
	errSessionClaimed  = errors.New("conversations: session already advanced")
)

// TakeRecorder persists a take inside the engine's transaction.
type TakeRecorder interface {
	SubmitWithin(tx *gorm.DB, request takes.SubmitRequest) (takes.SubmitResult, error)
}

// Sender delivers one outbound SMS.
type Sender interface {
	Send(ctx context.Context, message notify.Message) error
}

// EngineConfig describes the dependencies of the conversation engine.
type EngineConfig struct {
	Database *gorm.DB
	Takes    TakeRecorder
	Sender   Sender
	BaseURL  string
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Engine advances phone numbers through a pack's props one inbound message at a time.
type Engine struct {
	db      *gorm.DB
	takes   TakeRecorder
	sender  Sender
	baseURL string
	clock   func() time.Time
	logger  *zap.Logger
}

// NewEngine constructs the conversation engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Takes == nil {
		return nil, errMissingTakes
	}
	if cfg.Sender == nil {
		return nil, errMissingSender
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:      cfg.Database,
		takes:   cfg.Takes,
		sender:  cfg.Sender,
		baseURL: cfg.BaseURL,
		clock:   clock,
		logger:  logger,
	}, nil
}

// SeedResult reports what Seed did for one phone.
type SeedResult struct {
	Created    bool
	PromptSent bool
}

// Seed starts a conversation for the phone at the pack's first prop. A phone that already
// has a session for the pack is left alone and receives nothing.
func (e *Engine) Seed(ctx context.Context, pack packs.Pack, phone string) (SeedResult, error) {
	phone = strings.TrimSpace(phone)
	props, err := packs.OrderedProps(ctx, e.db, pack.ID)
	if err != nil {
		return SeedResult{}, err
	}
	if len(props) == 0 {
		return SeedResult{}, ErrPackHasNoProps
	}

	now := e.clock().UTC()
	session := Session{
		Phone:            phone,
		PackID:           pack.ID,
		CurrentPropIndex: 0,
		Status:           SessionStatusActive,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	created := e.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&session)
	if created.Error != nil {
		return SeedResult{}, created.Error
	}
	if created.RowsAffected == 0 {
		return SeedResult{}, nil
	}

	err = e.sender.Send(ctx, notify.Message{
		To:   phone,
		Body: packs.RenderPrompt(0, len(props), props[0]),
		Kind: messageKindPrompt,
	})
	if err != nil {
		e.logger.Warn("conversation seed prompt failed",
			zap.String(fieldPhone, phone),
			zap.String(fieldPackID, pack.ID),
			zap.Error(err))
		return SeedResult{Created: true}, nil
	}
	return SeedResult{Created: true, PromptSent: true}, nil
}

// HandleInbound applies one inbound SMS to the sender's active session. It never returns an
// error: every failure is logged and classified so the webhook can acknowledge immediately.
func (e *Engine) HandleInbound(ctx context.Context, message InboundMessage) InboundResult {
	phone := strings.TrimSpace(message.From)
	messageID := strings.TrimSpace(message.MessageID)
	if phone == "" || messageID == "" {
		e.logger.Warn("inbound sms missing sender or message id",
			zap.String(fieldPhone, phone),
			zap.String(fieldMessageID, messageID))
		return InboundResult{Outcome: OutcomeInvalid}
	}
	fields := []zap.Field{zap.String(fieldPhone, phone), zap.String(fieldMessageID, messageID)}

	var session Session
	err := e.db.WithContext(ctx).
		Where("phone = ? AND status = ?", phone, SessionStatusActive).
		Order("created_at DESC, id DESC").
		Take(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		e.logger.Info("inbound sms without active conversation", fields...)
		return InboundResult{Outcome: OutcomeNoSession}
	}
	if err != nil {
		e.logger.Error("conversation lookup failed", append(fields, zap.Error(err))...)
		return InboundResult{Outcome: OutcomeFailed}
	}
	fields = append(fields, zap.String(fieldPackID, session.PackID))

	if session.LastInboundMessageID == messageID {
		e.logger.Info("duplicate inbound sms ignored", fields...)
		return InboundResult{Outcome: OutcomeDuplicate}
	}

	pack, err := packs.FindPack(ctx, e.db, session.PackID)
	if err != nil {
		e.logger.Error("conversation pack lookup failed", append(fields, zap.Error(err))...)
		return InboundResult{Outcome: OutcomeFailed}
	}
	props, err := packs.OrderedProps(ctx, e.db, session.PackID)
	if err != nil {
		e.logger.Error("conversation props lookup failed", append(fields, zap.Error(err))...)
		return InboundResult{Outcome: OutcomeFailed}
	}
	if session.CurrentPropIndex < 0 || session.CurrentPropIndex >= len(props) {
		e.logger.Error("conversation cursor out of range",
			append(fields, zap.Int("index", session.CurrentPropIndex), zap.Int("props", len(props)))...)
		return InboundResult{Outcome: OutcomeFailed}
	}

	currentIndex := session.CurrentPropIndex
	side, ok := ParseAnswer(message.Body)
	if !ok {
		e.send(ctx, phone, packs.RenderPrompt(currentIndex, len(props), props[currentIndex]), messageKindPrompt, fields)
		return InboundResult{Outcome: OutcomeReprompted}
	}

	nextIndex := currentIndex + 1
	nextStatus := SessionStatusActive
	if nextIndex >= len(props) {
		nextStatus = SessionStatusCompleted
	}

	txErr := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		claimed := tx.Model(&Session{}).
			Where("id = ? AND status = ? AND current_prop_index = ? AND last_inbound_message_id <> ?",
				session.ID, SessionStatusActive, currentIndex, messageID).
			Updates(map[string]any{
				"current_prop_index":      nextIndex,
				"status":                  nextStatus,
				"last_inbound_message_id": messageID,
				"updated_at":              e.clock().UTC(),
			})
		if claimed.Error != nil {
			return claimed.Error
		}
		if claimed.RowsAffected == 0 {
			return errSessionClaimed
		}
		_, submitErr := e.takes.SubmitWithin(tx, takes.SubmitRequest{
			PropID:   props[currentIndex].ID,
			Side:     side,
			Identity: phone,
			Source:   takes.SourceSMS,
		})
		return submitErr
	})
	if errors.Is(txErr, errSessionClaimed) {
		e.logger.Info("inbound sms lost race for session", fields...)
		return InboundResult{Outcome: OutcomeDuplicate}
	}
	if errors.Is(txErr, takes.ErrPropNotOpen) {
		e.closeSession(ctx, session.ID, fields)
		e.send(ctx, phone, packs.RenderClosed(pack, e.baseURL), messageKindClosed, fields)
		return InboundResult{Outcome: OutcomeClosed}
	}
	if txErr != nil {
		e.logger.Error("conversation take write failed",
			append(fields, zap.String("prop_id", props[currentIndex].ID), zap.Error(txErr))...)
		return InboundResult{Outcome: OutcomeFailed}
	}

	if nextStatus == SessionStatusCompleted {
		e.send(ctx, phone, packs.RenderCompletion(pack, e.baseURL), messageKindCompletion, fields)
		return InboundResult{Outcome: OutcomeCompleted, PropID: props[currentIndex].ID}
	}
	e.send(ctx, phone, packs.RenderPrompt(nextIndex, len(props), props[nextIndex]), messageKindPrompt, fields)
	return InboundResult{Outcome: OutcomeAdvanced, PropID: props[currentIndex].ID}
}

// closeSession completes a session whose pack no longer accepts takes.
func (e *Engine) closeSession(ctx context.Context, sessionID uint, fields []zap.Field) {
	err := e.db.WithContext(ctx).Model(&Session{}).
		Where("id = ? AND status = ?", sessionID, SessionStatusActive).
		Updates(map[string]any{"status": SessionStatusCompleted, "updated_at": e.clock().UTC()}).Error
	if err != nil {
		e.logger.Warn("closed conversation not completed", append(fields, zap.Error(err))...)
		return
	}
	e.logger.Info("inbound sms after pack closed", fields...)
}

func (e *Engine) send(ctx context.Context, phone, body, kind string, fields []zap.Field) {
	if err := e.sender.Send(ctx, notify.Message{To: phone, Body: body, Kind: kind}); err != nil {
		e.logger.Warn("conversation reply failed", append(fields, zap.String("kind", kind), zap.Error(err))...)
	}
}

// ParseAnswer returns the side named by the first standalone "A" or "B" token, ignoring case.
func ParseAnswer(body string) (takes.Side, bool) {
	tokens := strings.FieldsFunc(body, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, token := range tokens {
		switch {
		case strings.EqualFold(token, string(takes.SideA)):
			return takes.SideA, true
		case strings.EqualFold(token, string(takes.SideB)):
			return takes.SideB, true
		}
	}
	return "", false
}
