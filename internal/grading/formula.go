package grading

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/takes/backend/internal/packs"
)

// FormulaKind names a grading formula stored on a prop.
type FormulaKind string

const (
	FormulaWhoWins            FormulaKind = "who_wins"
	FormulaStatThreshold      FormulaKind = "stat_threshold"
	FormulaTeamHeadToHead     FormulaKind = "team_head_to_head"
	FormulaPlayerHeadToHead   FormulaKind = "player_head_to_head"
	FormulaMultiStatThreshold FormulaKind = "multi_stat_threshold"
)

var (
	// ErrUnknownFormula indicates a formula kind with no registered decoder.
	ErrUnknownFormula = errors.New("grading: unknown formula kind")
	// ErrInvalidFormulaParams indicates malformed or incomplete formula parameters.
	ErrInvalidFormulaParams = errors.New("grading: invalid formula parameters")
	// ErrMissingObservation indicates the observation lacks a value the formula needs.
	ErrMissingObservation = errors.New("grading: observation missing value")
)

// Observation is the final data an administrator supplies for formula grading.
// Stats are keyed by subject (team or player id) and then by metric name.
type Observation struct {
	WinnerTeamID string                        `json:"winnerTeamId"`
	Stats        map[string]map[string]float64 `json:"stats"`
}

func (o Observation) stat(subject, metric string) (float64, error) {
	value, ok := o.Stats[subject][metric]
	if !ok {
		return 0, fmt.Errorf("%w: %s.%s", ErrMissingObservation, subject, metric)
	}
	return value, nil
}

// Verdict is the outcome a formula derives from an observation.
type Verdict struct {
	Status      packs.PropStatus
	ResultValue *float64
}

// Formula derives a prop outcome from an observation.
type Formula interface {
	Kind() FormulaKind
	Grade(observation Observation) (Verdict, error)
}

// WhoWinsParams grades side A when its team wins, side B when the other does, push on a tie.
type WhoWinsParams struct {
	SideATeamID string `json:"sideATeamId"`
	SideBTeamID string `json:"sideBTeamId"`
}

func (WhoWinsParams) Kind() FormulaKind { return FormulaWhoWins }

func (p WhoWinsParams) Grade(observation Observation) (Verdict, error) {
	switch strings.TrimSpace(observation.WinnerTeamID) {
	case "":
		return Verdict{Status: packs.PropStatusPush}, nil
	case p.SideATeamID:
		return Verdict{Status: packs.PropStatusGradedA}, nil
	case p.SideBTeamID:
		return Verdict{Status: packs.PropStatusGradedB}, nil
	default:
		return Verdict{}, fmt.Errorf("%w: winner %q is neither side", ErrMissingObservation, observation.WinnerTeamID)
	}
}

// StatThresholdParams grades side A (over) when the subject's metric exceeds the threshold.
type StatThresholdParams struct {
	SubjectID string  `json:"subjectId"`
	Metric    string  `json:"metric"`
	Threshold float64 `json:"threshold"`
}

func (StatThresholdParams) Kind() FormulaKind { return FormulaStatThreshold }

func (p StatThresholdParams) Grade(observation Observation) (Verdict, error) {
	value, err := observation.stat(p.SubjectID, p.Metric)
	if err != nil {
		return Verdict{}, err
	}
	return Verdict{Status: compare(value, p.Threshold), ResultValue: &value}, nil
}

// TeamHeadToHeadParams grades the side whose team posts the higher metric.
type TeamHeadToHeadParams struct {
	SideATeamID string `json:"sideATeamId"`
	SideBTeamID string `json:"sideBTeamId"`
	Metric      string `json:"metric"`
}

func (TeamHeadToHeadParams) Kind() FormulaKind { return FormulaTeamHeadToHead }

func (p TeamHeadToHeadParams) Grade(observation Observation) (Verdict, error) {
	return headToHead(observation, p.SideATeamID, p.SideBTeamID, p.Metric)
}

// PlayerHeadToHeadParams grades the side whose player posts the higher metric.
type PlayerHeadToHeadParams struct {
	SideAPlayerID string `json:"sideAPlayerId"`
	SideBPlayerID string `json:"sideBPlayerId"`
	Metric        string `json:"metric"`
}

func (PlayerHeadToHeadParams) Kind() FormulaKind { return FormulaPlayerHeadToHead }

func (p PlayerHeadToHeadParams) Grade(observation Observation) (Verdict, error) {
	return headToHead(observation, p.SideAPlayerID, p.SideBPlayerID, p.Metric)
}

// MultiStatThresholdParams sums several metrics of one subject against a threshold.
type MultiStatThresholdParams struct {
	SubjectID string   `json:"subjectId"`
	Metrics   []string `json:"metrics"`
	Threshold float64  `json:"threshold"`
}

func (MultiStatThresholdParams) Kind() FormulaKind { return FormulaMultiStatThreshold }

func (p MultiStatThresholdParams) Grade(observation Observation) (Verdict, error) {
	total := 0.0
	for _, metric := range p.Metrics {
		value, err := observation.stat(p.SubjectID, metric)
		if err != nil {
			return Verdict{}, err
		}
		total += value
	}
	return Verdict{Status: compare(total, p.Threshold), ResultValue: &total}, nil
}

func headToHead(observation Observation, sideA, sideB, metric string) (Verdict, error) {
	valueA, err := observation.stat(sideA, metric)
	if err != nil {
		return Verdict{}, err
	}
	valueB, err := observation.stat(sideB, metric)
	if err != nil {
		return Verdict{}, err
	}
	margin := valueA - valueB
	return Verdict{Status: compare(valueA, valueB), ResultValue: &margin}, nil
}

func compare(sideA, sideB float64) packs.PropStatus {
	switch {
	case sideA > sideB:
		return packs.PropStatusGradedA
	case sideA < sideB:
		return packs.PropStatusGradedB
	default:
		return packs.PropStatusPush
	}
}

// Decoder builds a Formula from its stored JSON parameters.
type Decoder func(raw json.RawMessage) (Formula, error)

// Registry maps formula kinds to decoders.
type Registry struct {
	mu       sync.RWMutex
	decoders map[FormulaKind]Decoder
}

// NewRegistry returns a registry holding the built-in formulas.
func NewRegistry() *Registry {
	registry := &Registry{decoders: make(map[FormulaKind]Decoder)}
	registry.Register(FormulaWhoWins, decodeInto(func(p WhoWinsParams) error {
		return requireFields(p.SideATeamID, p.SideBTeamID)
	}))
	registry.Register(FormulaStatThreshold, decodeInto(func(p StatThresholdParams) error {
		return requireFields(p.SubjectID, p.Metric)
	}))
	registry.Register(FormulaTeamHeadToHead, decodeInto(func(p TeamHeadToHeadParams) error {
		return requireFields(p.SideATeamID, p.SideBTeamID, p.Metric)
	}))
	registry.Register(FormulaPlayerHeadToHead, decodeInto(func(p PlayerHeadToHeadParams) error {
		return requireFields(p.SideAPlayerID, p.SideBPlayerID, p.Metric)
	}))
	registry.Register(FormulaMultiStatThreshold, decodeInto(func(p MultiStatThresholdParams) error {
		if len(p.Metrics) == 0 {
			return fmt.Errorf("%w: metrics required", ErrInvalidFormulaParams)
		}
		return requireFields(append([]string{p.SubjectID}, p.Metrics...)...)
	}))
	return registry
}

// Register installs or replaces the decoder for a kind.
func (r *Registry) Register(kind FormulaKind, decoder Decoder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoders[kind] = decoder
}

// Decode builds the formula stored on a prop.
func (r *Registry) Decode(kind FormulaKind, params string) (Formula, error) {
	r.mu.RLock()
	decoder, ok := r.decoders[FormulaKind(strings.TrimSpace(string(kind)))]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormula, kind)
	}
	if strings.TrimSpace(params) == "" {
		params = "{}"
	}
	return decoder(json.RawMessage(params))
}

func decodeInto[P Formula](validate func(P) error) Decoder {
	return func(raw json.RawMessage) (Formula, error) {
		var params P
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidFormulaParams, err)
		}
		if err := validate(params); err != nil {
			return nil, err
		}
		return params, nil
	}
}

func requireFields(values ...string) error {
	for _, value := range values {
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("%w: empty field", ErrInvalidFormulaParams)
		}
	}
	return nil
}
