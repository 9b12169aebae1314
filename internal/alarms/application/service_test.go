package application

import (
	"bytes"
	"context"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	alarms "hvac-telemetry/internal/alarms/domain"
	alarmmemory "hvac-telemetry/internal/alarms/infrastructure/memory"
	"hvac-telemetry/internal/auth"
	telemetry "hvac-telemetry/internal/telemetry/domain"
	units "hvac-telemetry/internal/units/domain"
	unitmemory "hvac-telemetry/internal/units/infrastructure/memory"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type recordingNotifier struct {
	mu     sync.Mutex
	events []AlertEvent
}

func (r *recordingNotifier) Notify(_ context.Context, event AlertEvent) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

var testUnit = units.Unit{Serial: "HV-1001", LocationID: "loc-1", ProviderID: "prov-1", Active: true}

func reading(t *testing.T, serial string, ts time.Time, fields map[string]any) telemetry.Reading {
	t.Helper()
	r, err := telemetry.NewReading(serial, ts, fields)
	require.NoError(t, err)
	return r
}

func newTestService(t *testing.T, opts ...ServiceOption) (*Service, *alarmmemory.RuleRepository, *alarmmemory.AlertRepository) {
	t.Helper()
	rules := alarmmemory.NewRuleRepository()
	alertsRepo := alarmmemory.NewAlertRepository()
	opts = append([]ServiceOption{WithClock(fixedClock{now: time.Date(2026, 7, 14, 16, 0, 0, 0, time.UTC)})}, opts...)
	service, err := NewService(rules, alertsRepo, opts...)
	require.NoError(t, err)
	return service, rules, alertsRepo
}

func addRule(t *testing.T, repo *alarmmemory.RuleRepository, rule alarms.AlertRule) {
	t.Helper()
	if rule.Name == "" {
		rule.Name = rule.ID
	}
	rule.Active = true
	require.NoError(t, repo.Create(context.Background(), &rule))
}

func TestEvaluateDedupesOnRuleUnitTimestamp(t *testing.T) {
	notifier := &recordingNotifier{}
	service, rules, alertsRepo := newTestService(t, WithNotifier(notifier))
	addRule(t, rules, alarms.AlertRule{
		ID: "rule-hot", Field: "ambient_temp", Comparator: alarms.ComparatorGreater,
		Threshold: 120, Severity: alarms.SeverityCritical, UnitSerial: testUnit.Serial,
	})
	ctx := context.Background()
	ts := time.Date(2026, 7, 14, 15, 0, 0, 0, time.UTC)

	first, err := service.Evaluate(ctx, testUnit, reading(t, testUnit.Serial, ts, map[string]any{"ambient_temp": 125.0}))
	require.NoError(t, err)
	assert.Equal(t, 1, first.Created)

	second, err := service.Evaluate(ctx, testUnit, reading(t, testUnit.Serial, ts, map[string]any{"ambient_temp": 130.0}))
	require.NoError(t, err)
	assert.Equal(t, 0, second.Created)
	assert.Equal(t, 1, second.Suppressed)

	third, err := service.Evaluate(ctx, testUnit, reading(t, testUnit.Serial, ts.Add(time.Second), map[string]any{"ambient_temp": 130.0}))
	require.NoError(t, err)
	assert.Equal(t, 1, third.Created)

	assert.Equal(t, 2, alertsRepo.Count())
	assert.Equal(t, 2, notifier.count())

	list, err := service.ListAlerts(ctx, alarms.AlertFilter{UnitSerial: testUnit.Serial})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, ts.Add(time.Second), list[0].TriggeredAt)
	assert.Equal(t, 125.0, list[1].Value)
	assert.Equal(t, alarms.SeverityCritical, list[1].Severity)
}

func TestEvaluateScopes(t *testing.T) {
	service, rules, _ := newTestService(t)
	addRule(t, rules, alarms.AlertRule{ID: "global", Field: "suction_pressure", Comparator: alarms.ComparatorLess, Threshold: 50, Severity: alarms.SeverityWarning})
	addRule(t, rules, alarms.AlertRule{ID: "provider", Field: "suction_pressure", Comparator: alarms.ComparatorLess, Threshold: 60, Severity: alarms.SeverityWarning, ProviderID: "prov-1"})
	addRule(t, rules, alarms.AlertRule{ID: "other-provider", Field: "suction_pressure", Comparator: alarms.ComparatorLess, Threshold: 60, Severity: alarms.SeverityWarning, ProviderID: "prov-2"})
	addRule(t, rules, alarms.AlertRule{ID: "other-unit", Field: "suction_pressure", Comparator: alarms.ComparatorLess, Threshold: 60, Severity: alarms.SeverityWarning, UnitSerial: "HV-9999"})

	result, err := service.Evaluate(context.Background(), testUnit, reading(t, testUnit.Serial, time.Date(2026, 7, 14, 15, 0, 0, 0, time.UTC), map[string]any{"suction_pressure": 40.0}))
	require.NoError(t, err)
	assert.Equal(t, 2, result.Created)
	ids := []string{result.Alerts[0].RuleID, result.Alerts[1].RuleID}
	assert.ElementsMatch(t, []string{"global", "provider"}, ids)
}

func TestEvaluateSkipsAbsentFieldsAndInvalidRules(t *testing.T) {
	var buf bytes.Buffer
	service, rules, _ := newTestService(t, WithLogger(log.New(&buf, "", 0)))
	addRule(t, rules, alarms.AlertRule{ID: "absent", Field: "discharge_temp", Comparator: alarms.ComparatorGreater, Threshold: 1, Severity: alarms.SeverityInfo})
	addRule(t, rules, alarms.AlertRule{ID: "unknown-field", Field: "tank_level", Comparator: alarms.ComparatorGreater, Threshold: 1, Severity: alarms.SeverityInfo})
	addRule(t, rules, alarms.AlertRule{ID: "fault", Field: "fault_active", Comparator: alarms.ComparatorEqual, Threshold: 1, Severity: alarms.SeverityCritical})

	// Readings only ever carry catalog fields, so the unknown rule is reported
	// even though its field is absent.
	r := reading(t, testUnit.Serial, time.Date(2026, 7, 14, 15, 0, 0, 0, time.UTC), map[string]any{
		"ambient_temp": 80.0,
		"fault_active": true,
	})
	result, err := service.Evaluate(context.Background(), testUnit, r)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 1, result.Evaluated)
	assert.Equal(t, 1, result.Created)
	assert.Equal(t, "fault", result.Alerts[0].RuleID)
	assert.Equal(t, 1.0, result.Alerts[0].Value)
	assert.True(t, strings.Contains(buf.String(), "unknown-field"))
	assert.False(t, strings.Contains(buf.String(), "rule absent"))
}

func TestEvaluateRejectsForeignReading(t *testing.T) {
	service, _, _ := newTestService(t)
	_, err := service.Evaluate(context.Background(), testUnit, telemetry.Reading{UnitSerial: "HV-2", TS: time.Now()})
	require.Error(t, err)
}

func TestAckAlert(t *testing.T) {
	notifier := &recordingNotifier{}
	service, rules, _ := newTestService(t, WithNotifier(notifier))
	addRule(t, rules, alarms.AlertRule{ID: "rule-hot", Field: "ambient_temp", Comparator: alarms.ComparatorGreaterOrEqual, Threshold: 120, Severity: alarms.SeverityCritical})
	ctx := context.Background()
	result, err := service.Evaluate(ctx, testUnit, reading(t, testUnit.Serial, time.Date(2026, 7, 14, 15, 0, 0, 0, time.UTC), map[string]any{"ambient_temp": 120.0}))
	require.NoError(t, err)
	require.Len(t, result.Alerts, 1)
	id := result.Alerts[0].ID

	acked, err := service.AckAlert(ctx, id, "tech-7")
	require.NoError(t, err)
	assert.True(t, acked.Acknowledged)
	assert.Equal(t, "tech-7", acked.AcknowledgedBy)

	again, err := service.AckAlert(ctx, id, "someone-else")
	require.NoError(t, err)
	assert.Equal(t, "tech-7", again.AcknowledgedBy)
	assert.Equal(t, 2, notifier.count())

	unacked := false
	list, err := service.ListAlerts(ctx, alarms.AlertFilter{Acknowledged: &unacked})
	require.NoError(t, err)
	assert.Empty(t, list)

	_, err = service.AckAlert(ctx, "missing", "tech-7")
	assert.ErrorIs(t, err, alarms.ErrNotFound)
}

func TestProviderScopedAlertAccess(t *testing.T) {
	unitRepo := unitmemory.NewUnitRepository()
	ctx := context.Background()
	require.NoError(t, unitRepo.Save(ctx, &units.Unit{Serial: "HV-1001", LocationID: "l", ProviderID: "prov-1", Active: true}))
	require.NoError(t, unitRepo.Save(ctx, &units.Unit{Serial: "HV-2002", LocationID: "l", ProviderID: "prov-2", Active: true}))

	service, rules, _ := newTestService(t, WithUnitReader(unitRepo))
	addRule(t, rules, alarms.AlertRule{ID: "rule-hot", Field: "ambient_temp", Comparator: alarms.ComparatorGreater, Threshold: 100, Severity: alarms.SeverityWarning})
	ts := time.Date(2026, 7, 14, 15, 0, 0, 0, time.UTC)
	other := units.Unit{Serial: "HV-2002", ProviderID: "prov-2"}
	_, err := service.Evaluate(ctx, testUnit, reading(t, "HV-1001", ts, map[string]any{"ambient_temp": 110.0}))
	require.NoError(t, err)
	res, err := service.Evaluate(ctx, other, reading(t, "HV-2002", ts, map[string]any{"ambient_temp": 110.0}))
	require.NoError(t, err)

	scoped := auth.WithIdentity(ctx, "prov-1", auth.RoleOperator, "tech-1")
	list, err := service.ListAlerts(scoped, alarms.AlertFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "HV-1001", list[0].UnitSerial)

	_, err = service.AckAlert(scoped, res.Alerts[0].ID, "tech-1")
	assert.ErrorIs(t, err, auth.ErrProviderMismatch)
}

func TestRuleServiceValidatesCatalogFields(t *testing.T) {
	rules := alarmmemory.NewRuleRepository()
	service, err := NewRuleService(rules, nil)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = service.Create(ctx, RuleInput{Name: "bad", Field: "tank_level", Comparator: ">", Threshold: 1, Severity: "info"})
	assert.ErrorIs(t, err, alarms.ErrInvalidRule)

	_, err = service.Create(ctx, RuleInput{Name: "both", Field: "superheat", Comparator: ">", Threshold: 1, Severity: "info", ProviderID: "p", UnitSerial: "u"})
	assert.ErrorIs(t, err, alarms.ErrInvalidRule)

	_, err = service.Create(ctx, RuleInput{Name: "cmp", Field: "superheat", Comparator: "=>", Threshold: 1, Severity: "info"})
	assert.ErrorIs(t, err, alarms.ErrInvalidRule)

	rule, err := service.Create(ctx, RuleInput{Name: "Low superheat", Field: "superheat", Comparator: "<", Threshold: 5, Severity: "Warning"})
	require.NoError(t, err)
	assert.True(t, rule.Active)
	assert.Equal(t, alarms.SeverityWarning, rule.Severity)
	assert.Len(t, rule.ID, 36)

	updated, err := service.Update(ctx, rule.ID, RuleInput{Name: "Low superheat", Field: "superheat", Comparator: "<=", Threshold: 4, Severity: "critical"})
	require.NoError(t, err)
	assert.Equal(t, alarms.ComparatorLessOrEqual, updated.Comparator)

	deactivated, err := service.Deactivate(ctx, rule.ID)
	require.NoError(t, err)
	assert.False(t, deactivated.Active)

	active, err := service.List(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, active)
	all, err := service.List(ctx, true)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	_, err = service.Update(ctx, "missing", RuleInput{Name: "x", Field: "superheat", Comparator: "<", Severity: "info"})
	assert.ErrorIs(t, err, alarms.ErrNotFound)
}

func TestRuleServiceChecksUnitScope(t *testing.T) {
	unitRepo := unitmemory.NewUnitRepository()
	service, err := NewRuleService(alarmmemory.NewRuleRepository(), registryReader{repo: unitRepo})
	require.NoError(t, err)
	_, err = service.Create(context.Background(), RuleInput{Name: "x", Field: "superheat", Comparator: "<", Severity: "info", UnitSerial: "nope"})
	assert.ErrorIs(t, err, alarms.ErrInvalidRule)
}

type registryReader struct {
	repo *unitmemory.UnitRepository
}

func (r registryReader) Get(ctx context.Context, serial string) (*units.Unit, error) {
	unit, err := r.repo.Get(ctx, serial)
	if err != nil {
		return nil, err
	}
	if unit == nil {
		return nil, units.ErrUnknownUnit
	}
	return unit, nil
}
