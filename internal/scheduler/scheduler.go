package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/takes/backend/internal/conversations"
	"github.com/MarcoPoloResearchLab/takes/backend/internal/notify"
	"github.com/MarcoPoloResearchLab/takes/backend/internal/packs"
	"github.com/MarcoPoloResearchLab/takes/backend/internal/profiles"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const (
	opSchedulerNew     = "scheduler.new"
	opOpen             = "scheduler.open"
	opClose            = "scheduler.close"
	opAnnounce         = "scheduler.announce"
	messageKindDrop    = "pack_open"
	fieldPackID        = "pack_id"
	defaultConcurrency = 4
)

// openPredicate selects packs whose window has started and not ended and that have not opened yet.
const openPredicate = "open_time IS NOT NULL AND open_time <= ? AND (close_time IS NULL OR close_time > ?) AND status NOT IN ?"

// closePredicate selects packs whose window has ended and that are not yet closed.
const closePredicate = "close_time IS NOT NULL AND close_time <= ? AND status NOT IN ?"

var (
	openedStatuses = []packs.PackStatus{packs.PackStatusActive, packs.PackStatusLive, packs.PackStatusGraded, packs.PackStatusArchived}
	closedStatuses = []packs.PackStatus{packs.PackStatusLive, packs.PackStatusGraded, packs.PackStatusArchived}

	errMissingDatabase   = errors.New("database handle is required")
	errMissingRecipients = errors.New("recipient resolver is required")
	errMissingDispatcher = errors.New("dispatcher is required")
	errMissingSeeder     = errors.New("conversation seeder is required")
)

// ServiceError carries a dotted failure code alongside the underlying cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// RecipientResolver finds the phones to notify when a pack opens.
type RecipientResolver interface {
	PackRecipients(ctx context.Context, league string, teamIDs []string) ([]profiles.Recipient, error)
}

// BatchDispatcher fans link drops out to the gateway.
type BatchDispatcher interface {
	Dispatch(ctx context.Context, messages []notify.Message) notify.Report
}

// ConversationSeeder starts SMS conversations for conversation drops.
type ConversationSeeder interface {
	Seed(ctx context.Context, pack packs.Pack, phone string) (conversations.SeedResult, error)
}

// Config describes the dependencies of the scheduler.
type Config struct {
	Database   *gorm.DB
	Recipients RecipientResolver
	Dispatcher BatchDispatcher
	Seeder     ConversationSeeder
	BaseURL    string
	// Concurrency bounds the conversation seeds in flight for one pack.
	Concurrency int
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Scheduler moves packs through their open and close transitions. It holds no state between ticks.
type Scheduler struct {
	db          *gorm.DB
	recipients  RecipientResolver
	dispatcher  BatchDispatcher
	seeder      ConversationSeeder
	baseURL     string
	concurrency int
	clock       func() time.Time
	logger      *zap.Logger
}

// New constructs a Scheduler.
func New(cfg Config) (*Scheduler, error) {
	switch {
	case cfg.Database == nil:
		return nil, newServiceError(opSchedulerNew, "missing_database", errMissingDatabase)
	case cfg.Recipients == nil:
		return nil, newServiceError(opSchedulerNew, "missing_recipients", errMissingRecipients)
	case cfg.Dispatcher == nil:
		return nil, newServiceError(opSchedulerNew, "missing_dispatcher", errMissingDispatcher)
	case cfg.Seeder == nil:
		return nil, newServiceError(opSchedulerNew, "missing_seeder", errMissingSeeder)
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		db:          cfg.Database,
		recipients:  cfg.Recipients,
		dispatcher:  cfg.Dispatcher,
		seeder:      cfg.Seeder,
		baseURL:     cfg.BaseURL,
		concurrency: concurrency,
		clock:       clock,
		logger:      logger,
	}, nil
}

// PackDrop reports the announcement of one newly opened pack.
type PackDrop struct {
	PackID     string
	Strategy   packs.DropStrategy
	Recipients int
	// Sent counts delivered link messages or conversations whose first prompt went out.
	Sent   int
	Failed int
	Err    error
}

// TickResult reports the packs a tick actually transitioned.
type TickResult struct {
	OpenedCount int
	LiveCount   int
	Opened      []PackDrop
	Closed      []string
}

// Tick opens packs whose window has started and closes packs whose window has ended.
// Packs already transitioned by an earlier or concurrent tick are left alone.
func (s *Scheduler) Tick(ctx context.Context) (TickResult, error) {
	now := s.clock().UTC()
	var result TickResult

	opened, err := s.openDue(ctx, now)
	if err != nil {
		return result, err
	}
	for _, pack := range opened {
		drop := s.announce(ctx, pack, now)
		result.Opened = append(result.Opened, drop)
	}
	result.OpenedCount = len(opened)

	closed, err := s.closeDue(ctx, now)
	if err != nil {
		return result, err
	}
	result.Closed = closed
	result.LiveCount = len(closed)

	if result.OpenedCount > 0 || result.LiveCount > 0 {
		s.logger.Info("scheduler tick",
			zap.Int("opened", result.OpenedCount),
			zap.Int("live", result.LiveCount))
	}
	return result, nil
}

func (s *Scheduler) openDue(ctx context.Context, now time.Time) ([]packs.Pack, error) {
	db := s.db.WithContext(ctx)
	var candidates []packs.Pack
	if err := db.Where(openPredicate, now, now, openedStatuses).Order("id ASC").Find(&candidates).Error; err != nil {
		return nil, newServiceError(opOpen, "query_failed", err)
	}

	opened := make([]packs.Pack, 0, len(candidates))
	for _, candidate := range candidates {
		update := db.Model(&packs.Pack{}).
			Where("id = ?", candidate.ID).
			Where(openPredicate, now, now, openedStatuses).
			Updates(map[string]any{"status": packs.PackStatusActive, "updated_at": now})
		if update.Error != nil {
			return opened, newServiceError(opOpen, "update_failed", update.Error)
		}
		if update.RowsAffected == 0 {
			continue
		}
		candidate.Status = packs.PackStatusActive
		opened = append(opened, candidate)
	}
	return opened, nil
}

func (s *Scheduler) closeDue(ctx context.Context, now time.Time) ([]string, error) {
	db := s.db.WithContext(ctx)
	var candidates []string
	if err := db.Model(&packs.Pack{}).Where(closePredicate, now, closedStatuses).Order("id ASC").Pluck("id", &candidates).Error; err != nil {
		return nil, newServiceError(opClose, "query_failed", err)
	}

	closed := make([]string, 0, len(candidates))
	for _, packID := range candidates {
		update := db.Model(&packs.Pack{}).
			Where("id = ?", packID).
			Where(closePredicate, now, closedStatuses).
			Updates(map[string]any{"status": packs.PackStatusLive, "updated_at": now})
		if update.Error != nil {
			return closed, newServiceError(opClose, "update_failed", update.Error)
		}
		if update.RowsAffected == 1 {
			closed = append(closed, packID)
		}
	}
	return closed, nil
}

func (s *Scheduler) announce(ctx context.Context, pack packs.Pack, now time.Time) PackDrop {
	drop := PackDrop{PackID: pack.ID, Strategy: pack.DropStrategy}
	teamIDs, err := packs.LinkedTeamIDs(ctx, s.db, pack.ID)
	if err != nil {
		drop.Err = newServiceError(opAnnounce, "teams_failed", err)
		s.logError(opAnnounce, "teams_failed", err, zap.String(fieldPackID, pack.ID))
		return drop
	}
	recipients, err := s.recipients.PackRecipients(ctx, pack.League, teamIDs)
	if err != nil {
		drop.Err = newServiceError(opAnnounce, "recipients_failed", err)
		s.logError(opAnnounce, "recipients_failed", err, zap.String(fieldPackID, pack.ID))
		return drop
	}
	drop.Recipients = len(recipients)
	if len(recipients) == 0 {
		return drop
	}

	if pack.DropStrategy == packs.DropStrategySMSConversation {
		drop.Sent, drop.Failed = s.seedConversations(ctx, pack, recipients)
	} else {
		drop.Sent, drop.Failed = s.sendLinks(ctx, pack, recipients, now)
	}
	s.logger.Info("pack opened",
		zap.String(fieldPackID, pack.ID),
		zap.String("strategy", string(pack.DropStrategy)),
		zap.Int("recipients", drop.Recipients),
		zap.Int("sent", drop.Sent),
		zap.Int("failed", drop.Failed))
	return drop
}

func (s *Scheduler) sendLinks(ctx context.Context, pack packs.Pack, recipients []profiles.Recipient, now time.Time) (int, int) {
	body := notify.RenderDrop(pack.SMSTemplate, notify.DropVariables{
		Title:         pack.Title,
		URL:           pack.Link(s.baseURL),
		League:        pack.League,
		TimeRemaining: notify.TimeRemaining(now, pack.CloseTime),
	})
	messages := make([]notify.Message, 0, len(recipients))
	for _, recipient := range recipients {
		messages = append(messages, notify.Message{To: recipient.Phone, Body: body, Kind: messageKindDrop})
	}
	report := s.dispatcher.Dispatch(ctx, messages)
	return report.Sent, report.Failed
}

// seedConversations starts one conversation per recipient. Phones that already hold a
// session for the pack count as neither sent nor failed.
func (s *Scheduler) seedConversations(ctx context.Context, pack packs.Pack, recipients []profiles.Recipient) (int, int) {
	var (
		mu     sync.Mutex
		sent   int
		failed int
		group  errgroup.Group
	)
	group.SetLimit(s.concurrency)
	for _, recipient := range recipients {
		group.Go(func() error {
			result, err := s.seeder.Seed(ctx, pack, recipient.Phone)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				failed++
				s.logError(opAnnounce, "seed_failed", err,
					zap.String(fieldPackID, pack.ID),
					zap.String("phone", recipient.Phone))
			case result.PromptSent:
				sent++
			case result.Created:
				failed++
			}
			return nil
		})
	}
	_ = group.Wait()
	return sent, failed
}

func (s *Scheduler) logError(operation, reason string, err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	s.logger.Error("scheduler failure", allFields...)
}
