package models

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// RuleType identifies the evaluation strategy of a rule
type RuleType string

const (
	RuleThreshold RuleType = "THRESHOLD"
	RuleRate      RuleType = "RATE"
	RuleAnomaly   RuleType = "ANOMALY"
)

// Severity of the alerts a rule raises
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// IsValid checks if the severity is one of the known values
func (s Severity) IsValid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	default:
		return false
	}
}

// Operator is a comparison operator used by threshold and rate conditions
type Operator string

const (
	OpGreater      Operator = ">"
	OpGreaterEqual Operator = ">="
	OpLess         Operator = "<"
	OpLessEqual    Operator = "<="
	OpEqual        Operator = "=="
)

// equalityEpsilon bounds float comparison for the == operator
const equalityEpsilon = 1e-9

// Compare applies the operator to a sampled value and a rule threshold
func (op Operator) Compare(sample, threshold float64) bool {
	switch op {
	case OpGreater:
		return sample > threshold
	case OpGreaterEqual:
		return sample >= threshold
	case OpLess:
		return sample < threshold
	case OpLessEqual:
		return sample <= threshold
	case OpEqual:
		return math.Abs(sample-threshold) < equalityEpsilon
	default:
		return false
	}
}

// IsValid checks if the operator is one of the known values
func (op Operator) IsValid() bool {
	switch op {
	case OpGreater, OpGreaterEqual, OpLess, OpLessEqual, OpEqual:
		return true
	default:
		return false
	}
}

// Condition is the per-variant rule condition. Exactly one concrete type
// exists per RuleType; evaluators dispatch on the concrete type instead of
// probing optional fields at evaluation time.
type Condition interface {
	Type() RuleType
}

// ThresholdCondition fires when a metric crosses a fixed value, optionally
// only after N consecutive qualifying events
type ThresholdCondition struct {
	Metric            string
	Operator          Operator
	Value             float64
	ConsecutiveEvents int
}

func (ThresholdCondition) Type() RuleType { return RuleThreshold }

// RateCondition fires when the ratio (or count) of qualifying events within
// a trailing time window crosses a value
type RateCondition struct {
	Metric            string
	Operator          Operator
	Value             float64
	TimeWindowSeconds int
}

func (RateCondition) Type() RuleType { return RuleRate }

// Ratio reports whether Value is interpreted as a fraction of the window
// rather than a raw qualifying-event count
func (c RateCondition) Ratio() bool { return c.Value <= 1 }

// Window returns the condition window as a duration
func (c RateCondition) Window() time.Duration {
	return time.Duration(c.TimeWindowSeconds) * time.Second
}

// AnomalyCondition fires when a metric deviates from its rolling mean by
// more than ThresholdStdDev standard deviations
type AnomalyCondition struct {
	Metric          string
	ThresholdStdDev float64
	LookbackMinutes int
}

func (AnomalyCondition) Type() RuleType { return RuleAnomaly }

// Rule is a user-defined alerting rule scoped to a single service
type Rule struct {
	ID          string
	Service     string
	Name        string
	Type        RuleType
	Condition   Condition
	Severity    Severity
	Enabled     bool
	Description string
	CreatedAt   int64
	UpdatedAt   int64
}

// RawCondition is the flat condition shape stored by the rule store. Only
// the fields relevant to the rule type are read; CompileCondition turns it
// into the matching typed Condition.
type RawCondition struct {
	Metric            string   `json:"metric"`
	Operator          Operator `json:"operator"`
	Value             float64  `json:"value"`
	ConsecutiveEvents int      `json:"consecutive_events,omitempty"`
	TimeWindowSeconds int      `json:"time_window_seconds,omitempty"`
	ThresholdStdDev   float64  `json:"threshold_std_dev,omitempty"`
	LookbackMinutes   int      `json:"lookback_minutes,omitempty"`
}

// Condition compile errors
var (
	ErrUnknownRuleType      = errors.New("unknown rule type")
	ErrInvalidOperator      = errors.New("invalid condition operator")
	ErrInvalidWindow        = errors.New("time_window_seconds must be positive")
	ErrInvalidLookback      = errors.New("lookback_minutes must be positive")
	ErrInvalidStdDev        = errors.New("threshold_std_dev must be positive")
	ErrInvalidConsecutive   = errors.New("consecutive_events must be >= 1")
	ErrInvalidSeverity      = errors.New("invalid rule severity")
	ErrEmptyRuleService     = errors.New("rule service cannot be empty")
	ErrEmptyRuleName        = errors.New("rule name cannot be empty")
	ErrConditionValueNotNum = errors.New("condition value is not a finite number")
)

// CompileCondition validates a raw condition against the rule type and
// returns the typed variant
func CompileCondition(t RuleType, raw RawCondition) (Condition, error) {
	switch t {
	case RuleThreshold:
		if !raw.Operator.IsValid() {
			return nil, fmt.Errorf("%w: %q", ErrInvalidOperator, raw.Operator)
		}
		if math.IsNaN(raw.Value) || math.IsInf(raw.Value, 0) {
			return nil, ErrConditionValueNotNum
		}
		consecutive := raw.ConsecutiveEvents
		if consecutive == 0 {
			consecutive = 1 // unset collapses to fire-on-first
		}
		if consecutive < 1 {
			return nil, ErrInvalidConsecutive
		}
		return ThresholdCondition{
			Metric:            raw.Metric,
			Operator:          raw.Operator,
			Value:             raw.Value,
			ConsecutiveEvents: consecutive,
		}, nil

	case RuleRate:
		if !raw.Operator.IsValid() {
			return nil, fmt.Errorf("%w: %q", ErrInvalidOperator, raw.Operator)
		}
		if raw.TimeWindowSeconds <= 0 {
			return nil, ErrInvalidWindow
		}
		if math.IsNaN(raw.Value) || math.IsInf(raw.Value, 0) || raw.Value < 0 {
			return nil, ErrConditionValueNotNum
		}
		return RateCondition{
			Metric:            raw.Metric,
			Operator:          raw.Operator,
			Value:             raw.Value,
			TimeWindowSeconds: raw.TimeWindowSeconds,
		}, nil

	case RuleAnomaly:
		if raw.ThresholdStdDev <= 0 {
			return nil, ErrInvalidStdDev
		}
		if raw.LookbackMinutes <= 0 {
			return nil, ErrInvalidLookback
		}
		return AnomalyCondition{
			Metric:          raw.Metric,
			ThresholdStdDev: raw.ThresholdStdDev,
			LookbackMinutes: raw.LookbackMinutes,
		}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownRuleType, t)
	}
}

// Normalize canonicalizes the service key the same way Event.Normalize
// does, so a rule stored with a differently cased service still matches its
// events
func (r *Rule) Normalize() {
	r.Service = strings.ToLower(strings.TrimSpace(r.Service))
	r.Name = strings.TrimSpace(r.Name)
}

// Validate checks rule fields that are independent of the condition variant
func (r *Rule) Validate() error {
	if strings.TrimSpace(r.Service) == "" {
		return ErrEmptyRuleService
	}
	if strings.TrimSpace(r.Name) == "" {
		return ErrEmptyRuleName
	}
	if !r.Severity.IsValid() {
		return ErrInvalidSeverity
	}
	if r.Condition == nil {
		return fmt.Errorf("%w: %q", ErrUnknownRuleType, r.Type)
	}
	if r.Condition.Type() != r.Type {
		return fmt.Errorf("condition variant %s does not match rule type %s", r.Condition.Type(), r.Type)
	}
	return nil
}
