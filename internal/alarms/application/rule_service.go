package application

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	alarms "hvac-telemetry/internal/alarms/domain"
	telemetry "hvac-telemetry/internal/telemetry/domain"
)

// RuleInput carries the editable fields of a rule.
type RuleInput struct {
	Name       string            `json:"name"`
	Field      string            `json:"field"`
	Comparator alarms.Comparator `json:"comparator"`
	Threshold  float64           `json:"threshold"`
	Severity   alarms.Severity   `json:"severity"`
	ProviderID string            `json:"provider_id,omitempty"`
	UnitSerial string            `json:"unit_serial,omitempty"`
}

// RuleService manages alert rules. Changes apply to readings evaluated after
// the change; existing alerts are never rewritten.
type RuleService struct {
	rules alarms.RuleRepository
	units UnitReader
	clock Clock
}

// NewRuleService constructs a rule service. units may be nil, in which case
// unit-scoped rules are not checked against the registry.
func NewRuleService(rules alarms.RuleRepository, units UnitReader, opts ...RuleServiceOption) (*RuleService, error) {
	if rules == nil {
		return nil, errors.New("alarms: nil rule repository")
	}
	service := &RuleService{rules: rules, units: units, clock: systemClock{}}
	for _, opt := range opts {
		opt(service)
	}
	return service, nil
}

// RuleServiceOption customizes the rule service.
type RuleServiceOption func(*RuleService)

// WithRuleClock assigns a clock.
func WithRuleClock(clock Clock) RuleServiceOption {
	return func(s *RuleService) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// Create validates and stores a new active rule.
func (s *RuleService) Create(ctx context.Context, input RuleInput) (*alarms.AlertRule, error) {
	if s == nil {
		return nil, errors.New("alarms: nil rule service")
	}
	now := s.clock.Now().UTC()
	rule := &alarms.AlertRule{
		ID:        uuid.NewString(),
		Active:    true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	applyInput(rule, input)
	if err := s.validate(ctx, rule); err != nil {
		return nil, err
	}
	if err := s.rules.Create(ctx, rule); err != nil {
		return nil, err
	}
	return rule, nil
}

// Update replaces a rule's editable fields.
func (s *RuleService) Update(ctx context.Context, id string, input RuleInput) (*alarms.AlertRule, error) {
	rule, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	applyInput(rule, input)
	if err := s.validate(ctx, rule); err != nil {
		return nil, err
	}
	if err := s.rules.Update(ctx, rule); err != nil {
		return nil, err
	}
	return rule, nil
}

// Deactivate stops a rule from matching new readings.
func (s *RuleService) Deactivate(ctx context.Context, id string) (*alarms.AlertRule, error) {
	rule, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !rule.Active {
		return rule, nil
	}
	rule.Active = false
	if err := s.rules.Update(ctx, rule); err != nil {
		return nil, err
	}
	return rule, nil
}

// List returns rules, optionally including inactive ones.
func (s *RuleService) List(ctx context.Context, includeInactive bool) ([]alarms.AlertRule, error) {
	if s == nil {
		return nil, errors.New("alarms: nil rule service")
	}
	return s.rules.List(ctx, includeInactive)
}

func (s *RuleService) get(ctx context.Context, id string) (*alarms.AlertRule, error) {
	if s == nil {
		return nil, errors.New("alarms: nil rule service")
	}
	if id == "" {
		return nil, errors.New("alarms: rule id required")
	}
	rule, err := s.rules.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if rule == nil {
		return nil, alarms.ErrNotFound
	}
	return rule, nil
}

func (s *RuleService) validate(ctx context.Context, rule *alarms.AlertRule) error {
	if _, ok := telemetry.LookupField(rule.Field); !ok {
		return fmt.Errorf("%w: unknown field %q", alarms.ErrInvalidRule, rule.Field)
	}
	if err := rule.Validate(); err != nil {
		return err
	}
	if rule.UnitSerial != "" && s.units != nil {
		if _, err := s.units.Get(ctx, rule.UnitSerial); err != nil {
			return fmt.Errorf("%w: %v", alarms.ErrInvalidRule, err)
		}
	}
	return nil
}

func applyInput(rule *alarms.AlertRule, input RuleInput) {
	rule.Name = strings.TrimSpace(input.Name)
	rule.Field = strings.TrimSpace(input.Field)
	rule.Comparator = alarms.Comparator(strings.TrimSpace(string(input.Comparator)))
	rule.Threshold = input.Threshold
	rule.Severity = alarms.Severity(strings.ToLower(strings.TrimSpace(string(input.Severity))))
	rule.ProviderID = strings.TrimSpace(input.ProviderID)
	rule.UnitSerial = strings.TrimSpace(input.UnitSerial)
}
