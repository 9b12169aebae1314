package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	alarms "hvac-telemetry/internal/alarms/domain"
)

// RuleRepository keeps alert rules in memory.
type RuleRepository struct {
	mu    sync.RWMutex
	rules map[string]alarms.AlertRule
	order []string
}

// NewRuleRepository constructs an empty rule repository.
func NewRuleRepository() *RuleRepository {
	return &RuleRepository{rules: make(map[string]alarms.AlertRule)}
}

// Create stores a new rule.
func (r *RuleRepository) Create(ctx context.Context, rule *alarms.AlertRule) error {
	if rule == nil {
		return errors.New("alert rule repo: nil rule")
	}
	if err := rule.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rules[rule.ID]; ok {
		return errors.New("alert rule repo: duplicate id")
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now().UTC()
	}
	if rule.UpdatedAt.IsZero() {
		rule.UpdatedAt = rule.CreatedAt
	}
	r.rules[rule.ID] = *rule
	r.order = append(r.order, rule.ID)
	return nil
}

// Update replaces an existing rule.
func (r *RuleRepository) Update(ctx context.Context, rule *alarms.AlertRule) error {
	if rule == nil {
		return errors.New("alert rule repo: nil rule")
	}
	if err := rule.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.rules[rule.ID]
	if !ok {
		return alarms.ErrNotFound
	}
	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = time.Now().UTC()
	r.rules[rule.ID] = *rule
	return nil
}

// GetByID returns nil, nil for unknown ids.
func (r *RuleRepository) GetByID(ctx context.Context, id string) (*alarms.AlertRule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.rules[id]
	if !ok {
		return nil, nil
	}
	return &rule, nil
}

// List returns rules in creation order.
func (r *RuleRepository) List(ctx context.Context, includeInactive bool) ([]alarms.AlertRule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []alarms.AlertRule
	for _, id := range r.order {
		rule := r.rules[id]
		if !includeInactive && !rule.Active {
			continue
		}
		out = append(out, rule)
	}
	return out, nil
}

// ListActiveForUnit returns active rules covering the unit.
func (r *RuleRepository) ListActiveForUnit(ctx context.Context, unitSerial, providerID string) ([]alarms.AlertRule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []alarms.AlertRule
	for _, id := range r.order {
		rule := r.rules[id]
		if rule.Active && rule.AppliesTo(unitSerial, providerID) {
			out = append(out, rule)
		}
	}
	return out, nil
}

type alertKey struct {
	ruleID string
	unit   string
	at     int64
}

// AlertRepository keeps alerts in memory, enforcing the (rule, unit, timestamp) key.
type AlertRepository struct {
	mu     sync.RWMutex
	alerts map[string]alarms.Alert
	keys   map[alertKey]string
}

// NewAlertRepository constructs an empty alert repository.
func NewAlertRepository() *AlertRepository {
	return &AlertRepository{
		alerts: make(map[string]alarms.Alert),
		keys:   make(map[alertKey]string),
	}
}

// Insert stores the alert unless its key already exists.
func (r *AlertRepository) Insert(ctx context.Context, alert *alarms.Alert) (bool, error) {
	if alert == nil {
		return false, errors.New("alert repo: nil alert")
	}
	if alert.ID == "" || alert.RuleID == "" || alert.UnitSerial == "" || alert.TriggeredAt.IsZero() {
		return false, errors.New("alert repo: missing fields")
	}
	key := alertKey{ruleID: alert.RuleID, unit: alert.UnitSerial, at: alert.TriggeredAt.UTC().UnixNano()}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.keys[key]; ok {
		return false, nil
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}
	r.keys[key] = alert.ID
	r.alerts[alert.ID] = *alert
	return true, nil
}

// GetByID returns nil, nil for unknown ids.
func (r *AlertRepository) GetByID(ctx context.Context, id string) (*alarms.Alert, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	alert, ok := r.alerts[id]
	if !ok {
		return nil, nil
	}
	return &alert, nil
}

// List returns alerts matching the filter, newest first.
func (r *AlertRepository) List(ctx context.Context, filter alarms.AlertFilter) ([]alarms.Alert, error) {
	r.mu.RLock()
	var out []alarms.Alert
	for _, alert := range r.alerts {
		if filter.UnitSerial != "" && alert.UnitSerial != filter.UnitSerial {
			continue
		}
		if filter.Acknowledged != nil && alert.Acknowledged != *filter.Acknowledged {
			continue
		}
		if !filter.From.IsZero() && alert.TriggeredAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && !alert.TriggeredAt.Before(filter.To) {
			continue
		}
		out = append(out, alert)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].TriggeredAt.Equal(out[j].TriggeredAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].TriggeredAt.After(out[j].TriggeredAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Acknowledge marks the alert acknowledged once.
func (r *AlertRepository) Acknowledge(ctx context.Context, id, by string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	alert, ok := r.alerts[id]
	if !ok {
		return alarms.ErrNotFound
	}
	if alert.Acknowledged {
		return nil
	}
	alert.Acknowledged = true
	alert.AcknowledgedAt = at.UTC()
	alert.AcknowledgedBy = by
	r.alerts[id] = alert
	return nil
}

// Count returns the number of stored alerts.
func (r *AlertRepository) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.alerts)
}
