package takes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/takes/backend/internal/packs"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrPropNotFound indicates that the prop does not exist.
	ErrPropNotFound = packs.ErrPropNotFound
	// ErrPropNotOpen indicates that the prop no longer accepts takes.
	ErrPropNotOpen = errors.New("takes: prop not open")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()

	closedPackStatuses = []packs.PackStatus{packs.PackStatusLive, packs.PackStatusGraded, packs.PackStatusArchived}
)

const (
	opServiceNew    = "takes.service.new"
	opSubmit        = "takes.submit"
	opTally         = "takes.tally"
	opListForPack   = "takes.list_for_pack"
	fieldPropID     = "prop_id"
	fieldIdentity   = "identity"
	queryPropLatest = "prop_id = ? AND identity = ? AND status = ?"
	// queryPackClosed matches a pack that has left the accepting phase, by status or by close time.
	queryPackClosed  = "id = ? AND (status IN ? OR (close_time IS NOT NULL AND close_time <= ?))"
	defaultAttempts  = 3
	reasonDatabase   = "missing_database"
	reasonNotFound   = "prop_not_found"
	reasonNotOpen    = "prop_not_open"
	reasonInvalid    = "invalid_request"
	reasonQuery      = "query_failed"
	reasonIDFailed   = "id_generation_failed"
	reasonOverwrite  = "overwrite_failed"
	reasonInsert     = "insert_failed"
	reasonContention = "contention_exhausted"
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
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig describes the dependencies of the ingestion service.
type ServiceConfig struct {
	Database    *gorm.DB
	Clock       func() time.Time
	IDProvider  IDProvider
	Logger      *zap.Logger
	MaxAttempts int
}

// Service validates and persists takes from every channel.
type Service struct {
	db          *gorm.DB
	clock       func() time.Time
	idProvider  IDProvider
	logger      *zap.Logger
	maxAttempts int
}

// NewService constructs the ingestion service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonDatabase, errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = defaultAttempts
	}
	return &Service{
		db:          cfg.Database,
		clock:       clock,
		idProvider:  cfg.IDProvider,
		logger:      logger,
		maxAttempts: attempts,
	}, nil
}

// SubmitRequest is a take submission from either channel.
type SubmitRequest struct {
	PropID   string
	Side     Side
	Identity string
	Source   Source
}

// Tally holds the live side counts of a prop.
type Tally struct {
	SideACount int64
	SideBCount int64
}

// SubmitResult reports the stored take and the prop's tally after the write.
type SubmitResult struct {
	TakeID string
	Tally
}

// Submit records a take, superseding the identity's previous take on the prop.
func (s *Service) Submit(ctx context.Context, request SubmitRequest) (SubmitResult, error) {
	if s.db == nil {
		s.logError(opSubmit, reasonDatabase, errMissingDatabase)
		return SubmitResult{}, newServiceError(opSubmit, reasonDatabase, errMissingDatabase)
	}
	normalized, err := normalizeRequest(request)
	if err != nil {
		return SubmitResult{}, newServiceError(opSubmit, reasonInvalid, err)
	}

	var lastErr error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		var result SubmitResult
		lastErr = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			submitted, submitErr := s.submit(tx, normalized)
			if submitErr != nil {
				return submitErr
			}
			result = submitted
			return nil
		})
		if lastErr == nil {
			return result, nil
		}
		if !isUniqueViolation(lastErr) {
			return SubmitResult{}, lastErr
		}
		s.logger.Debug("take submission raced, retrying",
			zap.String(fieldPropID, normalized.PropID),
			zap.String(fieldIdentity, normalized.Identity),
			zap.Int("attempt", attempt))
	}
	s.logError(opSubmit, reasonContention, lastErr,
		zap.String(fieldPropID, normalized.PropID),
		zap.String(fieldIdentity, normalized.Identity))
	return SubmitResult{}, newServiceError(opSubmit, reasonContention, lastErr)
}

// SubmitWithin records a take inside a transaction owned by the caller.
// A unique-index violation surfaces as an error and rolls back the caller's transaction.
func (s *Service) SubmitWithin(tx *gorm.DB, request SubmitRequest) (SubmitResult, error) {
	normalized, err := normalizeRequest(request)
	if err != nil {
		return SubmitResult{}, newServiceError(opSubmit, reasonInvalid, err)
	}
	return s.submit(tx, normalized)
}

func (s *Service) submit(tx *gorm.DB, request SubmitRequest) (SubmitResult, error) {
	prop, err := packs.FindProp(tx.Statement.Context, tx, request.PropID)
	if errors.Is(err, packs.ErrPropNotFound) {
		return SubmitResult{}, newServiceError(opSubmit, reasonNotFound, ErrPropNotFound)
	}
	if err != nil {
		s.logError(opSubmit, reasonQuery, err, zap.String(fieldPropID, request.PropID))
		return SubmitResult{}, newServiceError(opSubmit, reasonQuery, err)
	}
	if prop.Status != packs.PropStatusOpen {
		return SubmitResult{}, newServiceError(opSubmit, reasonNotOpen, ErrPropNotOpen)
	}

	now := s.clock().UTC()
	if prop.CloseTime != nil && !now.Before(prop.CloseTime.UTC()) {
		return SubmitResult{}, newServiceError(opSubmit, reasonNotOpen, ErrPropNotOpen)
	}
	var closedPacks int64
	if err := tx.Model(&packs.Pack{}).
		Where(queryPackClosed, prop.PackID, closedPackStatuses, now).
		Count(&closedPacks).Error; err != nil {
		s.logError(opSubmit, reasonQuery, err, zap.String(fieldPropID, request.PropID))
		return SubmitResult{}, newServiceError(opSubmit, reasonQuery, err)
	}
	if closedPacks > 0 {
		return SubmitResult{}, newServiceError(opSubmit, reasonNotOpen, ErrPropNotOpen)
	}

	if err := tx.Model(&Take{}).
		Where(queryPropLatest, request.PropID, request.Identity, StatusLatest).
		Updates(map[string]any{"status": StatusOverwritten, "updated_at": now}).Error; err != nil {
		return SubmitResult{}, newServiceError(opSubmit, reasonOverwrite, err)
	}

	takeID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opSubmit, reasonIDFailed, err, zap.String(fieldPropID, request.PropID))
		return SubmitResult{}, newServiceError(opSubmit, reasonIDFailed, err)
	}
	take := Take{
		ID:        takeID,
		PropID:    request.PropID,
		Identity:  request.Identity,
		Side:      request.Side,
		Status:    StatusLatest,
		Result:    ResultPending,
		Source:    request.Source,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := tx.Create(&take).Error; err != nil {
		return SubmitResult{}, newServiceError(opSubmit, reasonInsert, err)
	}

	tally, err := countSides(tx, request.PropID)
	if err != nil {
		return SubmitResult{}, newServiceError(opSubmit, reasonQuery, err)
	}
	return SubmitResult{TakeID: take.ID, Tally: tally}, nil
}

// Tally counts the non-overwritten takes of a prop by side.
func (s *Service) Tally(ctx context.Context, propID string) (Tally, error) {
	if s.db == nil {
		return Tally{}, newServiceError(opTally, reasonDatabase, errMissingDatabase)
	}
	session := s.db.WithContext(ctx)
	if _, err := packs.FindProp(ctx, session, propID); err != nil {
		if errors.Is(err, packs.ErrPropNotFound) {
			return Tally{}, newServiceError(opTally, reasonNotFound, ErrPropNotFound)
		}
		s.logError(opTally, reasonQuery, err, zap.String(fieldPropID, propID))
		return Tally{}, newServiceError(opTally, reasonQuery, err)
	}
	tally, err := countSides(session, propID)
	if err != nil {
		s.logError(opTally, reasonQuery, err, zap.String(fieldPropID, propID))
		return Tally{}, newServiceError(opTally, reasonQuery, err)
	}
	return tally, nil
}

// LatestForPack returns the identity's latest takes on the props of a pack.
func (s *Service) LatestForPack(ctx context.Context, identity, packID string) ([]Take, error) {
	if s.db == nil {
		return nil, newServiceError(opListForPack, reasonDatabase, errMissingDatabase)
	}
	var takes []Take
	if err := s.db.WithContext(ctx).
		Joins("JOIN props ON props.id = takes.prop_id").
		Where("props.pack_id = ? AND takes.identity = ? AND takes.status = ?", packID, strings.TrimSpace(identity), StatusLatest).
		Order("props.order_index ASC").
		Find(&takes).Error; err != nil {
		s.logError(opListForPack, reasonQuery, err, zap.String(fieldIdentity, identity))
		return nil, newServiceError(opListForPack, reasonQuery, err)
	}
	return takes, nil
}

type sideCount struct {
	Side  Side
	Count int64
}

func countSides(db *gorm.DB, propID string) (Tally, error) {
	var rows []sideCount
	if err := db.Model(&Take{}).
		Select("side, COUNT(*) AS count").
		Where("prop_id = ? AND status <> ?", propID, StatusOverwritten).
		Group("side").
		Scan(&rows).Error; err != nil {
		return Tally{}, err
	}
	var tally Tally
	for _, row := range rows {
		switch row.Side {
		case SideA:
			tally.SideACount = row.Count
		case SideB:
			tally.SideBCount = row.Count
		}
	}
	return tally, nil
}

func normalizeRequest(request SubmitRequest) (SubmitRequest, error) {
	propID := strings.TrimSpace(request.PropID)
	if propID == "" {
		return SubmitRequest{}, fmt.Errorf("%w: empty prop id", ErrPropNotFound)
	}
	side, err := ParseSide(string(request.Side))
	if err != nil {
		return SubmitRequest{}, err
	}
	identity, err := NormalizeIdentity(request.Identity)
	if err != nil {
		return SubmitRequest{}, err
	}
	switch request.Source {
	case SourceWeb, SourceSMS:
	default:
		return SubmitRequest{}, fmt.Errorf("%w: %q", ErrInvalidSource, request.Source)
	}
	return SubmitRequest{PropID: propID, Side: side, Identity: identity, Source: request.Source}, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "unique constraint") || strings.Contains(message, "duplicate key")
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("takes service error", attrs...)
}
