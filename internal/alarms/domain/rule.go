package alarms

import (
	"context"
	"fmt"
	"time"
)

// Comparator compares a reading value against a rule threshold.
type Comparator string

const (
	ComparatorGreater        Comparator = ">"
	ComparatorGreaterOrEqual Comparator = ">="
	ComparatorLess           Comparator = "<"
	ComparatorLessOrEqual    Comparator = "<="
	ComparatorEqual          Comparator = "="
	ComparatorNotEqual       Comparator = "!="
)

// Severity is copied onto alerts at trigger time.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Scope levels, narrowest first.
const (
	ScopeUnit     = "unit"
	ScopeProvider = "provider"
	ScopeGlobal   = "global"
)

// AlertRule is a threshold rule scoped to all units, one provider, or one unit.
type AlertRule struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Field      string     `json:"field"`
	Comparator Comparator `json:"comparator"`
	Threshold  float64    `json:"threshold"`
	Severity   Severity   `json:"severity"`
	ProviderID string     `json:"provider_id,omitempty"`
	UnitSerial string     `json:"unit_serial,omitempty"`
	Active     bool       `json:"active"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// RuleRepository persists alert rules.
type RuleRepository interface {
	Create(ctx context.Context, rule *AlertRule) error
	Update(ctx context.Context, rule *AlertRule) error
	// GetByID returns nil, nil when the rule does not exist.
	GetByID(ctx context.Context, id string) (*AlertRule, error)
	List(ctx context.Context, includeInactive bool) ([]AlertRule, error)
	// ListActiveForUnit returns active rules scoped to the unit, its provider, or globally.
	ListActiveForUnit(ctx context.Context, unitSerial, providerID string) ([]AlertRule, error)
}

// Validate checks the structural invariants of a rule. Field names are
// checked against the telemetry catalog by the rule service.
func (r AlertRule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidRule)
	}
	if r.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidRule)
	}
	if r.Field == "" {
		return fmt.Errorf("%w: empty field", ErrInvalidRule)
	}
	if !r.Comparator.Valid() {
		return fmt.Errorf("%w: invalid comparator %q", ErrInvalidRule, r.Comparator)
	}
	if !r.Severity.Valid() {
		return fmt.Errorf("%w: invalid severity %q", ErrInvalidRule, r.Severity)
	}
	if r.ProviderID != "" && r.UnitSerial != "" {
		return fmt.Errorf("%w: rule may be scoped to a provider or a unit, not both", ErrInvalidRule)
	}
	return nil
}

// Scope returns the rule's scope level.
func (r AlertRule) Scope() string {
	switch {
	case r.UnitSerial != "":
		return ScopeUnit
	case r.ProviderID != "":
		return ScopeProvider
	default:
		return ScopeGlobal
	}
}

// AppliesTo reports whether the rule's scope covers the unit.
func (r AlertRule) AppliesTo(unitSerial, providerID string) bool {
	switch r.Scope() {
	case ScopeUnit:
		return r.UnitSerial == unitSerial
	case ScopeProvider:
		return r.ProviderID == providerID
	default:
		return true
	}
}

// Valid returns true when comparator is supported.
func (c Comparator) Valid() bool {
	switch c {
	case ComparatorGreater, ComparatorGreaterOrEqual, ComparatorLess, ComparatorLessOrEqual,
		ComparatorEqual, ComparatorNotEqual:
		return true
	default:
		return false
	}
}

// Compare evaluates value <c> threshold.
func (c Comparator) Compare(value, threshold float64) (bool, error) {
	switch c {
	case ComparatorGreater:
		return value > threshold, nil
	case ComparatorGreaterOrEqual:
		return value >= threshold, nil
	case ComparatorLess:
		return value < threshold, nil
	case ComparatorLessOrEqual:
		return value <= threshold, nil
	case ComparatorEqual:
		return value == threshold, nil
	case ComparatorNotEqual:
		return value != threshold, nil
	default:
		return false, fmt.Errorf("%w: unsupported comparator %q", ErrRuleEvaluation, c)
	}
}

// Valid returns true when severity is supported.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return true
	default:
		return false
	}
}

// Rank orders severities, higher is more severe.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityWarning:
		return 2
	case SeverityInfo:
		return 1
	default:
		return 0
	}
}
