package grading

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/takes/backend/internal/notify"
	"github.com/MarcoPoloResearchLab/takes/backend/internal/packs"
	"github.com/MarcoPoloResearchLab/takes/backend/internal/takes"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opEngineNew      = "grading.engine.new"
	opGradeProp      = "grading.grade_prop"
	opRollupPack     = "grading.rollup_pack"
	messageKindGrade = "pack_graded"
	fieldPropID      = "prop_id"
	fieldPackID      = "pack_id"
	reasonDatabase   = "missing_database"
	reasonDispatcher = "missing_dispatcher"
	reasonNotFound   = "prop_not_found"
	reasonPackLookup = "pack_not_found"
	reasonStatus     = "invalid_status"
	reasonFormula    = "formula_failed"
	reasonUpdate     = "update_failed"
	reasonSettle     = "settle_failed"
	reasonQuery      = "query_failed"
	reasonTransition = "transition_failed"
)

// GradedMessageTemplate is sent once to every participant when a pack finishes grading.
const GradedMessageTemplate = "Results are in for %s! See how your takes did: %s"

var (
	// ErrNoFormula indicates an observation was supplied for a prop without a grading formula.
	ErrNoFormula = errors.New("grading: prop has no formula")
	// ErrMissingOutcome indicates an update with neither a status nor an observation.
	ErrMissingOutcome = errors.New("grading: status or observation required")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingDispatcher = errors.New("dispatcher is required")
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

// BatchDispatcher fans a batch of notifications out to a gateway.
type BatchDispatcher interface {
	Dispatch(ctx context.Context, messages []notify.Message) notify.Report
}

// EngineConfig describes the dependencies of the grading engine.
type EngineConfig struct {
	Database   *gorm.DB
	Dispatcher BatchDispatcher
	Registry   *Registry
	// PushPoints is awarded to every latest take on a prop that resolves as a push.
	PushPoints float64
	// TokenRate converts points to tokens.
	TokenRate float64
	BaseURL   string
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Engine propagates prop outcomes to takes and rolls completed packs up to graded.
type Engine struct {
	db         *gorm.DB
	dispatcher BatchDispatcher
	registry   *Registry
	pushPoints float64
	tokenRate  float64
	baseURL    string
	clock      func() time.Time
	logger     *zap.Logger
}

// NewEngine constructs the grading engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opEngineNew, reasonDatabase, errMissingDatabase)
	}
	if cfg.Dispatcher == nil {
		return nil, newServiceError(opEngineNew, reasonDispatcher, errMissingDispatcher)
	}
	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry()
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
		db:         cfg.Database,
		dispatcher: cfg.Dispatcher,
		registry:   registry,
		pushPoints: cfg.PushPoints,
		tokenRate:  cfg.TokenRate,
		baseURL:    cfg.BaseURL,
		clock:      clock,
		logger:     logger,
	}, nil
}

// GradeUpdate assigns an outcome to one prop. Status wins over Observation when both are set.
type GradeUpdate struct {
	PropID      string
	Status      packs.PropStatus
	ResultValue *float64
	Observation *Observation
}

// PropOutcome reports how one update was applied.
type PropOutcome struct {
	PropID       string
	PackID       string
	Status       packs.PropStatus
	TakesSettled int64
	Err          error
}

// PackSummary reports the rollup of one pack touched by a grading call.
type PackSummary struct {
	PackID        string
	TotalProps    int64
	UngradedProps int64
	// Transitioned is true only for the call whose conditional update moved the pack to graded.
	Transitioned bool
	Notified     int
	NotifyFailed int
	Err          error
}

// Report aggregates a grading call.
type Report struct {
	NotifiedCount int
	Packs         []PackSummary
	Props         []PropOutcome
}

// GradeProps applies each update in its own transaction, then rolls up every pack that
// contains a successfully graded prop. Failures are reported per prop and per pack.
func (e *Engine) GradeProps(ctx context.Context, updates []GradeUpdate) Report {
	report := Report{Props: make([]PropOutcome, 0, len(updates))}
	var packOrder []string
	seenPacks := make(map[string]struct{})
	for _, update := range updates {
		outcome := e.gradeProp(ctx, update)
		report.Props = append(report.Props, outcome)
		if outcome.Err != nil || outcome.PackID == "" {
			continue
		}
		if _, seen := seenPacks[outcome.PackID]; seen {
			continue
		}
		seenPacks[outcome.PackID] = struct{}{}
		packOrder = append(packOrder, outcome.PackID)
	}

	for _, packID := range packOrder {
		summary := e.rollupPack(ctx, packID)
		report.NotifiedCount += summary.Notified
		report.Packs = append(report.Packs, summary)
	}
	return report
}

func (e *Engine) gradeProp(ctx context.Context, update GradeUpdate) PropOutcome {
	outcome := PropOutcome{PropID: strings.TrimSpace(update.PropID)}
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		prop, err := packs.FindProp(ctx, tx, outcome.PropID)
		if errors.Is(err, packs.ErrPropNotFound) {
			return newServiceError(opGradeProp, reasonNotFound, err)
		}
		if err != nil {
			return newServiceError(opGradeProp, reasonQuery, err)
		}
		outcome.PackID = prop.PackID

		verdict, err := e.resolveVerdict(prop, update)
		if err != nil {
			return err
		}
		outcome.Status = verdict.Status

		columns := map[string]any{
			"status":     verdict.Status,
			"graded_at":  e.clock().UTC(),
			"updated_at": e.clock().UTC(),
		}
		if verdict.ResultValue != nil {
			columns["result_value"] = *verdict.ResultValue
		}
		if err := tx.Model(&packs.Prop{}).Where("id = ?", prop.ID).Updates(columns).Error; err != nil {
			return newServiceError(opGradeProp, reasonUpdate, err)
		}

		settled, err := e.settleTakes(tx, prop, verdict.Status)
		if err != nil {
			return newServiceError(opGradeProp, reasonSettle, err)
		}
		outcome.TakesSettled = settled
		return nil
	})
	if err != nil {
		outcome.Err = err
		e.logError(opGradeProp, "transaction_failed", err, zap.String(fieldPropID, outcome.PropID))
	}
	return outcome
}

func (e *Engine) resolveVerdict(prop packs.Prop, update GradeUpdate) (Verdict, error) {
	var verdict Verdict
	switch {
	case update.Status != "":
		status, err := packs.ParseGradedStatus(string(update.Status))
		if err != nil {
			return Verdict{}, newServiceError(opGradeProp, reasonStatus, err)
		}
		verdict.Status = status
	case update.Observation != nil:
		if strings.TrimSpace(prop.FormulaKind) == "" {
			return Verdict{}, newServiceError(opGradeProp, reasonFormula, ErrNoFormula)
		}
		formula, err := e.registry.Decode(FormulaKind(prop.FormulaKind), prop.FormulaParams)
		if err != nil {
			return Verdict{}, newServiceError(opGradeProp, reasonFormula, err)
		}
		verdict, err = formula.Grade(*update.Observation)
		if err != nil {
			return Verdict{}, newServiceError(opGradeProp, reasonFormula, err)
		}
	default:
		return Verdict{}, newServiceError(opGradeProp, reasonStatus, ErrMissingOutcome)
	}
	if update.ResultValue != nil {
		verdict.ResultValue = update.ResultValue
	}
	return verdict, nil
}

// settleTakes recomputes result, points and tokens for every latest take on the prop.
// Overwritten takes keep whatever they held.
func (e *Engine) settleTakes(tx *gorm.DB, prop packs.Prop, status packs.PropStatus) (int64, error) {
	latest := tx.Model(&takes.Take{}).Where("prop_id = ? AND status = ?", prop.ID, takes.StatusLatest)
	now := e.clock().UTC()
	if status == packs.PropStatusPush {
		result := latest.Updates(e.settlement(takes.ResultPush, e.pushPoints, now))
		return result.RowsAffected, result.Error
	}

	winner, winnerPoints := takes.SideA, prop.SideAValue
	loser := takes.SideB
	if status == packs.PropStatusGradedB {
		winner, winnerPoints = takes.SideB, prop.SideBValue
		loser = takes.SideA
	}

	won := tx.Model(&takes.Take{}).
		Where("prop_id = ? AND status = ? AND side = ?", prop.ID, takes.StatusLatest, winner).
		Updates(e.settlement(takes.ResultWon, winnerPoints, now))
	if won.Error != nil {
		return 0, won.Error
	}
	lost := tx.Model(&takes.Take{}).
		Where("prop_id = ? AND status = ? AND side = ?", prop.ID, takes.StatusLatest, loser).
		Updates(e.settlement(takes.ResultLost, 0, now))
	if lost.Error != nil {
		return 0, lost.Error
	}
	return won.RowsAffected + lost.RowsAffected, nil
}

func (e *Engine) settlement(result takes.Result, points float64, now time.Time) map[string]any {
	return map[string]any{
		"result":     result,
		"points":     points,
		"tokens":     points * e.tokenRate,
		"updated_at": now,
	}
}

func (e *Engine) rollupPack(ctx context.Context, packID string) PackSummary {
	summary := PackSummary{PackID: packID}
	db := e.db.WithContext(ctx)

	pack, err := packs.FindPack(ctx, db, packID)
	if err != nil {
		summary.Err = newServiceError(opRollupPack, reasonPackLookup, err)
		e.logError(opRollupPack, reasonPackLookup, err, zap.String(fieldPackID, packID))
		return summary
	}
	if err := db.Model(&packs.Prop{}).Where("pack_id = ?", packID).Count(&summary.TotalProps).Error; err != nil {
		summary.Err = newServiceError(opRollupPack, reasonQuery, err)
		e.logError(opRollupPack, reasonQuery, err, zap.String(fieldPackID, packID))
		return summary
	}
	if err := db.Model(&packs.Prop{}).
		Where("pack_id = ? AND status = ?", packID, packs.PropStatusOpen).
		Count(&summary.UngradedProps).Error; err != nil {
		summary.Err = newServiceError(opRollupPack, reasonQuery, err)
		e.logError(opRollupPack, reasonQuery, err, zap.String(fieldPackID, packID))
		return summary
	}
	if summary.TotalProps == 0 || summary.UngradedProps > 0 {
		return summary
	}

	now := e.clock().UTC()
	transition := db.Model(&packs.Pack{}).
		Where("id = ? AND status NOT IN ?", packID, []packs.PackStatus{packs.PackStatusGraded, packs.PackStatusArchived}).
		Updates(map[string]any{"status": packs.PackStatusGraded, "graded_at": now, "updated_at": now})
	if transition.Error != nil {
		summary.Err = newServiceError(opRollupPack, reasonTransition, transition.Error)
		e.logError(opRollupPack, reasonTransition, transition.Error, zap.String(fieldPackID, packID))
		return summary
	}
	if transition.RowsAffected == 0 {
		return summary
	}
	summary.Transitioned = true

	var identities []string
	err = db.Model(&takes.Take{}).
		Joins("JOIN props ON props.id = takes.prop_id").
		Where("props.pack_id = ? AND takes.status = ?", packID, takes.StatusLatest).
		Distinct().
		Order("takes.identity").
		Pluck("takes.identity", &identities).Error
	if err != nil {
		summary.Err = newServiceError(opRollupPack, reasonQuery, err)
		e.logError(opRollupPack, "participants_failed", err, zap.String(fieldPackID, packID))
		return summary
	}

	body := fmt.Sprintf(GradedMessageTemplate, pack.Title, pack.Link(e.baseURL))
	messages := make([]notify.Message, 0, len(identities))
	for _, identity := range identities {
		messages = append(messages, notify.Message{To: identity, Body: body, Kind: messageKindGrade})
	}
	delivery := e.dispatcher.Dispatch(ctx, messages)
	summary.Notified = delivery.Sent
	summary.NotifyFailed = delivery.Failed
	e.logger.Info("pack graded",
		zap.String(fieldPackID, packID),
		zap.Int("participants", len(identities)),
		zap.Int("notified", delivery.Sent),
		zap.Int("failed", delivery.Failed))
	return summary
}

func (e *Engine) logError(operation, reason string, err error, fields ...zap.Field) {
	if err == nil {
		return
	}
	allFields := append([]zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}, fields...)
	e.logger.Error("grading engine failure", allFields...)
}
