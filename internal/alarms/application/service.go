package application

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	alarms "hvac-telemetry/internal/alarms/domain"
	"hvac-telemetry/internal/auth"
	"hvac-telemetry/internal/observability/metrics"
	telemetry "hvac-telemetry/internal/telemetry/domain"
	units "hvac-telemetry/internal/units/domain"
)

// Alert lifecycle event types.
const (
	EventCreated      = "created"
	EventAcknowledged = "acknowledged"
)

// AlertNotifier publishes alert lifecycle events.
type AlertNotifier interface {
	Notify(ctx context.Context, event AlertEvent)
}

// AlertEvent represents a lifecycle update.
type AlertEvent struct {
	Type  string       `json:"type"`
	Alert alarms.Alert `json:"alert"`
}

// UnitReader resolves units for provider scoping.
type UnitReader interface {
	Get(ctx context.Context, serial string) (*units.Unit, error)
}

// Clock provides time.
type Clock interface {
	Now() time.Time
}

// EvaluationResult summarizes one reading's evaluation.
type EvaluationResult struct {
	Evaluated  int            `json:"evaluated"`
	Matched    int            `json:"matched"`
	Created    int            `json:"created"`
	Suppressed int            `json:"suppressed"`
	Skipped    int            `json:"skipped"`
	Alerts     []alarms.Alert `json:"alerts,omitempty"`
}

// Service evaluates readings against alert rules and manages alert acknowledgement.
type Service struct {
	rules    alarms.RuleRepository
	alerts   alarms.AlertRepository
	units    UnitReader
	notifier AlertNotifier
	clock    Clock
	logger   *log.Logger
}

// ServiceOption customizes the alert service.
type ServiceOption func(*Service)

// WithNotifier assigns a notifier.
func WithNotifier(notifier AlertNotifier) ServiceOption {
	return func(s *Service) {
		s.notifier = notifier
	}
}

// WithClock assigns a clock.
func WithClock(clock Clock) ServiceOption {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger *log.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithUnitReader enables provider scoping of alert reads and acknowledgements.
func WithUnitReader(reader UnitReader) ServiceOption {
	return func(s *Service) {
		s.units = reader
	}
}

// NewService constructs an alert service.
func NewService(rules alarms.RuleRepository, alertsRepo alarms.AlertRepository, opts ...ServiceOption) (*Service, error) {
	if rules == nil || alertsRepo == nil {
		return nil, errors.New("alarms: nil repository")
	}
	service := &Service{
		rules:  rules,
		alerts: alertsRepo,
		clock:  systemClock{},
		logger: log.Default(),
	}
	for _, opt := range opts {
		opt(service)
	}
	return service, nil
}

// Evaluate checks every active rule covering the unit against the reading.
// Rules that cannot be evaluated are logged and skipped; storage failures are
// returned so the caller can schedule a repair.
func (s *Service) Evaluate(ctx context.Context, unit units.Unit, reading telemetry.Reading) (EvaluationResult, error) {
	var result EvaluationResult
	if s == nil {
		return result, errors.New("alarms: nil service")
	}
	if reading.UnitSerial == "" || reading.UnitSerial != unit.Serial {
		return result, errors.New("alarms: reading does not belong to unit")
	}
	rules, err := s.rules.ListActiveForUnit(ctx, unit.Serial, unit.ProviderID)
	if err != nil {
		return result, err
	}
	for _, rule := range rules {
		if !rule.AppliesTo(unit.Serial, unit.ProviderID) {
			continue
		}
		// A rule on a field outside the catalog can never match; report it
		// even though no reading will carry that field.
		if err := checkRuleField(rule); err != nil {
			s.skipRule(&result, rule, unit.Serial, err)
			continue
		}
		value, ok := reading.Value(rule.Field)
		if !ok {
			continue
		}
		result.Evaluated++
		matched, err := rule.Comparator.Compare(value, rule.Threshold)
		if err != nil {
			s.skipRule(&result, rule, unit.Serial, err)
			continue
		}
		if !matched {
			continue
		}
		result.Matched++
		alert := buildAlert(rule, reading, value, s.clock.Now().UTC())
		created, err := s.alerts.Insert(ctx, &alert)
		if err != nil {
			return result, fmt.Errorf("alarms: insert alert for rule %s: %w", rule.ID, err)
		}
		if !created {
			result.Suppressed++
			metrics.IncAlertEvent("suppressed")
			continue
		}
		result.Created++
		result.Alerts = append(result.Alerts, alert)
		s.notify(ctx, EventCreated, alert)
	}
	return result, nil
}

// AckAlert acknowledges an alert. Acknowledging twice is a no-op.
func (s *Service) AckAlert(ctx context.Context, id, by string) (*alarms.Alert, error) {
	if s == nil {
		return nil, errors.New("alarms: nil service")
	}
	if id == "" {
		return nil, errors.New("alarms: alert id required")
	}
	alert, err := s.alerts.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if alert == nil {
		return nil, alarms.ErrNotFound
	}
	if err := s.authorizeUnit(ctx, alert.UnitSerial); err != nil {
		return nil, err
	}
	if alert.Acknowledged {
		return alert, nil
	}
	ackedAt := s.clock.Now().UTC()
	if err := s.alerts.Acknowledge(ctx, alert.ID, by, ackedAt); err != nil {
		return nil, err
	}
	alert.Acknowledged = true
	alert.AcknowledgedAt = ackedAt
	alert.AcknowledgedBy = by
	s.notify(ctx, EventAcknowledged, *alert)
	return alert, nil
}

// GetAlert returns one alert.
func (s *Service) GetAlert(ctx context.Context, id string) (*alarms.Alert, error) {
	if s == nil {
		return nil, errors.New("alarms: nil service")
	}
	alert, err := s.alerts.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if alert == nil {
		return nil, alarms.ErrNotFound
	}
	if err := s.authorizeUnit(ctx, alert.UnitSerial); err != nil {
		return nil, err
	}
	return alert, nil
}

// ListAlerts returns alerts by unit, acknowledgement state and time range.
func (s *Service) ListAlerts(ctx context.Context, filter alarms.AlertFilter) ([]alarms.Alert, error) {
	if s == nil {
		return nil, errors.New("alarms: nil service")
	}
	if filter.UnitSerial != "" {
		if err := s.authorizeUnit(ctx, filter.UnitSerial); err != nil {
			return nil, err
		}
	}
	list, err := s.alerts.List(ctx, filter)
	if err != nil {
		return nil, err
	}
	providerID := auth.ProviderIDFromContext(ctx)
	if providerID == "" || s.units == nil || filter.UnitSerial != "" {
		return list, nil
	}
	owned := make(map[string]bool)
	out := list[:0]
	for _, alert := range list {
		allowed, ok := owned[alert.UnitSerial]
		if !ok {
			allowed = s.authorizeUnit(ctx, alert.UnitSerial) == nil
			owned[alert.UnitSerial] = allowed
		}
		if allowed {
			out = append(out, alert)
		}
	}
	return out, nil
}

func (s *Service) authorizeUnit(ctx context.Context, serial string) error {
	providerID := auth.ProviderIDFromContext(ctx)
	if providerID == "" || s.units == nil {
		return nil
	}
	unit, err := s.units.Get(ctx, serial)
	if err != nil {
		return err
	}
	if unit == nil || unit.ProviderID != providerID {
		return auth.ErrProviderMismatch
	}
	return nil
}

func (s *Service) notify(ctx context.Context, eventType string, alert alarms.Alert) {
	if s == nil {
		return
	}
	metrics.IncAlertEvent(eventType)
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, AlertEvent{Type: eventType, Alert: alert})
}

func (s *Service) skipRule(result *EvaluationResult, rule alarms.AlertRule, serial string, err error) {
	result.Skipped++
	metrics.IncRuleEvaluationError(skipReason(err))
	s.logger.Printf("alarms: skip rule %s for unit %s: %v", rule.ID, serial, err)
}

func checkRuleField(rule alarms.AlertRule) error {
	if _, ok := telemetry.LookupField(rule.Field); !ok {
		return fmt.Errorf("%w: unknown field %q", alarms.ErrRuleEvaluation, rule.Field)
	}
	return nil
}

func buildAlert(rule alarms.AlertRule, reading telemetry.Reading, value float64, now time.Time) alarms.Alert {
	triggeredAt := reading.TS.UTC()
	return alarms.Alert{
		ID:          alarms.AlertID(rule.ID, reading.UnitSerial, triggeredAt),
		RuleID:      rule.ID,
		UnitSerial:  reading.UnitSerial,
		TriggeredAt: triggeredAt,
		Field:       rule.Field,
		Value:       value,
		Comparator:  rule.Comparator,
		Threshold:   rule.Threshold,
		Severity:    rule.Severity,
		Message:     alertMessage(rule, reading.UnitSerial, value),
		CreatedAt:   now,
	}
}

func alertMessage(rule alarms.AlertRule, serial string, value float64) string {
	return fmt.Sprintf("%s: unit %s %s=%s (%s %s)",
		rule.Name,
		serial,
		rule.Field,
		strconv.FormatFloat(value, 'f', -1, 64),
		string(rule.Comparator),
		strconv.FormatFloat(rule.Threshold, 'f', -1, 64),
	)
}

func skipReason(err error) string {
	if errors.Is(err, alarms.ErrRuleEvaluation) {
		return "invalid_rule"
	}
	return "unknown"
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
