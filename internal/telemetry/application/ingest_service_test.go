package application

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	alarmapp "hvac-telemetry/internal/alarms/application"
	alarms "hvac-telemetry/internal/alarms/domain"
	alarmmemory "hvac-telemetry/internal/alarms/infrastructure/memory"
	alarmnotify "hvac-telemetry/internal/alarms/notify"
	"hvac-telemetry/internal/repair"
	repairmemory "hvac-telemetry/internal/repair/infrastructure/memory"
	telemetry "hvac-telemetry/internal/telemetry/domain"
	telemetrymemory "hvac-telemetry/internal/telemetry/infrastructure/memory"
	unitapp "hvac-telemetry/internal/units/application"
	units "hvac-telemetry/internal/units/domain"
	unitmemory "hvac-telemetry/internal/units/infrastructure/memory"
)

type pipeline struct {
	service  *IngestService
	store    *telemetrymemory.ReadingStore
	units    *unitmemory.UnitRepository
	rules    *alarmmemory.RuleRepository
	alerts   *alarmmemory.AlertRepository
	repairs  *repairmemory.Queue
	registry *unitapp.Registry
}

type flakyMaterializer struct {
	inner StateMaterializer
	mu    sync.Mutex
	fail  int
}

func (f *flakyMaterializer) Apply(ctx context.Context, reading telemetry.Reading) (bool, error) {
	f.mu.Lock()
	if f.fail > 0 {
		f.fail--
		f.mu.Unlock()
		return false, errors.New("state store unavailable")
	}
	f.mu.Unlock()
	return f.inner.Apply(ctx, reading)
}

func newPipeline(t *testing.T, serials ...string) *pipeline {
	t.Helper()
	p := &pipeline{
		store:   telemetrymemory.NewReadingStore(),
		units:   unitmemory.NewUnitRepository(),
		rules:   alarmmemory.NewRuleRepository(),
		alerts:  alarmmemory.NewAlertRepository(),
		repairs: repairmemory.NewQueue(),
	}
	registry, err := unitapp.NewRegistry(p.units)
	require.NoError(t, err)
	p.registry = registry
	for _, serial := range serials {
		require.NoError(t, registry.Register(context.Background(), &units.Unit{
			Serial:      serial,
			LocationID:  "loc-1",
			ProviderID:  "prov-1",
			Refrigerant: units.RefrigerantR410A,
		}))
	}
	materializer, err := unitapp.NewMaterializer(p.units)
	require.NoError(t, err)
	evaluator, err := alarmapp.NewService(p.rules, p.alerts)
	require.NoError(t, err)
	p.service, err = NewIngestService(registry, p.store, materializer, evaluator,
		WithRepairQueue(p.repairs),
		WithBackoff(Backoff{Attempts: 3, Initial: time.Millisecond, Max: 2 * time.Millisecond}),
	)
	require.NoError(t, err)
	return p
}

func reading(t *testing.T, serial string, ts time.Time, fields map[string]any) telemetry.Reading {
	t.Helper()
	r, err := telemetry.NewReading(serial, ts, fields)
	require.NoError(t, err)
	return r
}

func (p *pipeline) unit(t *testing.T, serial string) *units.Unit {
	t.Helper()
	unit, err := p.units.Get(context.Background(), serial)
	require.NoError(t, err)
	require.NotNil(t, unit)
	return unit
}

func TestLaterTimestampWinsCurrentState(t *testing.T) {
	p := newPipeline(t, "HV-1001")
	ctx := context.Background()
	t1 := time.Date(2026, 7, 14, 15, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)

	res, err := p.service.Ingest(ctx, reading(t, "HV-1001", t2, map[string]any{"ambient_temp": 95.0, "uptime": 12.7}))
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, res.Status)
	assert.True(t, res.StateApplied)

	res, err = p.service.Ingest(ctx, reading(t, "HV-1001", t1, map[string]any{"ambient_temp": 80.0}))
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, res.Status)
	assert.False(t, res.StateApplied)

	unit := p.unit(t, "HV-1001")
	assert.Equal(t, t2, unit.LastTelemetryAt)
	assert.Equal(t, 95.0, unit.CurrentState["ambient_temp"])
	assert.Equal(t, 12, unit.UptimeDays)
	assert.Equal(t, 2, p.store.Count())
}

func TestLaterTimestampWinsUnderConcurrency(t *testing.T) {
	p := newPipeline(t, "HV-1001")
	ctx := context.Background()
	base := time.Date(2026, 7, 14, 15, 0, 0, 0, time.UTC)

	readings := make([]telemetry.Reading, 40)
	for i := range readings {
		readings[i] = reading(t, "HV-1001", base.Add(time.Duration(i)*time.Second), map[string]any{"superheat": float64(i)})
	}
	var wg sync.WaitGroup
	for i := len(readings) - 1; i >= 0; i-- {
		wg.Add(1)
		go func(r telemetry.Reading) {
			defer wg.Done()
			_, err := p.service.Ingest(ctx, r)
			assert.NoError(t, err)
		}(readings[i])
	}
	wg.Wait()

	unit := p.unit(t, "HV-1001")
	assert.Equal(t, base.Add(39*time.Second), unit.LastTelemetryAt)
	assert.Equal(t, 39.0, unit.CurrentState["superheat"])
}

func TestDuplicateReadingIsBenign(t *testing.T) {
	p := newPipeline(t, "HV-1001")
	ctx := context.Background()
	ts := time.Date(2026, 7, 14, 15, 0, 0, 0, time.UTC)

	first, err := p.service.Ingest(ctx, reading(t, "HV-1001", ts, map[string]any{"ambient_temp": 90.0}))
	require.NoError(t, err)
	require.Equal(t, StatusAccepted, first.Status)
	before := p.unit(t, "HV-1001").UpdatedAt

	second, err := p.service.Ingest(ctx, reading(t, "HV-1001", ts, map[string]any{"ambient_temp": 99.0}))
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, second.Status)
	assert.False(t, second.StateApplied)

	assert.Equal(t, 1, p.store.Count())
	unit := p.unit(t, "HV-1001")
	assert.Equal(t, 90.0, unit.CurrentState["ambient_temp"])
	assert.Equal(t, before, unit.UpdatedAt)
}

func TestUnknownUnitLeavesNoTrace(t *testing.T) {
	p := newPipeline(t, "HV-1001")
	ctx := context.Background()
	require.NoError(t, p.rules.Create(ctx, &alarms.AlertRule{
		ID: "r-global", Name: "Hot", Field: "ambient_temp", Comparator: alarms.ComparatorGreater,
		Threshold: 100, Severity: alarms.SeverityWarning, Active: true,
	}))

	res, err := p.service.Ingest(ctx, reading(t, "HV-9999", time.Date(2026, 7, 14, 15, 0, 0, 0, time.UTC), map[string]any{"ambient_temp": 150.0}))
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, res.Status)
	assert.Contains(t, res.Reason, telemetry.ErrUnknownUnit.Error())
	assert.Equal(t, 0, p.store.Count())
	assert.Equal(t, 0, p.alerts.Count())

	require.NoError(t, p.registry.Deactivate(ctx, "HV-1001"))
	res, err = p.service.Ingest(ctx, reading(t, "HV-1001", time.Date(2026, 7, 14, 15, 0, 0, 0, time.UTC), map[string]any{"ambient_temp": 150.0}))
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, res.Status)
	assert.Equal(t, 0, p.store.Count())
	assert.True(t, p.unit(t, "HV-1001").LastTelemetryAt.IsZero())
}

func TestInvalidReadingRejected(t *testing.T) {
	p := newPipeline(t, "HV-1001")
	res, err := p.service.Ingest(context.Background(), telemetry.Reading{UnitSerial: "HV-1001", TS: time.Now()})
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, res.Status)
	assert.Equal(t, 0, p.store.Count())
}

func TestConcurrentIngestAcrossUnits(t *testing.T) {
	const unitCount, perUnit = 50, 20
	serials := make([]string, unitCount)
	for i := range serials {
		serials[i] = fmt.Sprintf("HV-%04d", i)
	}
	p := newPipeline(t, serials...)
	base := time.Date(2026, 7, 14, 0, 0, 0, 0, time.UTC)

	readings := make([]telemetry.Reading, 0, unitCount*perUnit)
	for j := perUnit - 1; j >= 0; j-- {
		for _, serial := range serials {
			readings = append(readings, reading(t, serial, base.Add(time.Duration(j)*time.Minute), map[string]any{
				"compressor_amps": float64(j),
				"compressor_on":   j%2 == 0,
			}))
		}
	}

	results, err := p.service.IngestBatch(context.Background(), readings)
	require.NoError(t, err)
	require.Len(t, results, unitCount*perUnit)
	for _, res := range results {
		require.Equal(t, StatusAccepted, res.Status)
	}
	assert.Equal(t, unitCount*perUnit, p.store.Count())

	for _, serial := range serials {
		unit := p.unit(t, serial)
		assert.Equal(t, base.Add(time.Duration(perUnit-1)*time.Minute), unit.LastTelemetryAt, serial)
		assert.Equal(t, float64(perUnit-1), unit.CurrentState["compressor_amps"], serial)
		assert.Equal(t, false, unit.CurrentState["compressor_on"], serial)
	}
}

func TestSideEffectFailureQueuesRepair(t *testing.T) {
	p := newPipeline(t, "HV-1001")
	ctx := context.Background()
	materializer, err := unitapp.NewMaterializer(p.units)
	require.NoError(t, err)
	flaky := &flakyMaterializer{inner: materializer, fail: 1}
	evaluator, err := alarmapp.NewService(p.rules, p.alerts)
	require.NoError(t, err)
	service, err := NewIngestService(p.registry, p.store, flaky, evaluator, WithRepairQueue(p.repairs))
	require.NoError(t, err)

	ts := time.Date(2026, 7, 14, 15, 0, 0, 0, time.UTC)
	res, err := service.Ingest(ctx, reading(t, "HV-1001", ts, map[string]any{"ambient_temp": 88.0}))
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, res.Status)
	assert.True(t, res.Repair)
	assert.Equal(t, 1, p.store.Count())
	assert.True(t, p.unit(t, "HV-1001").LastTelemetryAt.IsZero())

	pending, err := p.repairs.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, []string{repair.StepMaterialize}, pending[0].Steps)

	worker, err := repair.NewWorker(p.repairs, service)
	require.NoError(t, err)
	result, err := worker.Run(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Repaired)
	assert.Equal(t, ts, p.unit(t, "HV-1001").LastTelemetryAt)
}

func TestPartitionUnavailableAfterRetries(t *testing.T) {
	p := newPipeline(t, "HV-1001")
	p.store.FailPartitionCreation(errors.New("disk full"))
	ts := time.Date(2026, 7, 14, 15, 0, 0, 0, time.UTC)

	_, err := p.service.Ingest(context.Background(), reading(t, "HV-1001", ts, map[string]any{"ambient_temp": 70.0}))
	require.ErrorIs(t, err, telemetry.ErrPartitionUnavailable)
	assert.Equal(t, 0, p.store.Count())

	p.store.FailPartitionCreation(nil)
	res, err := p.service.Ingest(context.Background(), reading(t, "HV-1001", ts, map[string]any{"ambient_temp": 70.0}))
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, res.Status)
}

func TestIngestEvaluatesAlerts(t *testing.T) {
	p := newPipeline(t, "HV-1001")
	ctx := context.Background()
	require.NoError(t, p.rules.Create(ctx, &alarms.AlertRule{
		ID: "r1", Name: "Hot", Field: "ambient_temp", Comparator: alarms.ComparatorGreater,
		Threshold: 120, Severity: alarms.SeverityCritical, UnitSerial: "HV-1001", Active: true,
	}))
	ts := time.Date(2026, 7, 14, 15, 0, 0, 0, time.UTC)

	res, err := p.service.Ingest(ctx, reading(t, "HV-1001", ts, map[string]any{"ambient_temp": 125.0}))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Alerts)

	res, err = p.service.Ingest(ctx, reading(t, "HV-1001", ts, map[string]any{"ambient_temp": 130.0}))
	require.NoError(t, err)
	assert.Equal(t, StatusDuplicate, res.Status)
	assert.Equal(t, 1, p.alerts.Count())
}

func TestRetiredMonthRejectsLateReading(t *testing.T) {
	p := newPipeline(t, "HV-1001")
	ctx := context.Background()
	may := time.Date(2026, 5, 31, 0, 0, 0, 0, time.UTC)

	res, err := p.service.Ingest(ctx, reading(t, "HV-1001", may, map[string]any{"ambient_temp": 72.0}))
	require.NoError(t, err)
	require.Equal(t, StatusAccepted, res.Status)
	require.NoError(t, p.store.DropPartition(ctx, may))

	res, err = p.service.Ingest(ctx, reading(t, "HV-1001", may.Add(90*time.Second), map[string]any{"ambient_temp": 500.0}))
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, res.Status)
	assert.Contains(t, res.Reason, telemetry.ErrPartitionRetired.Error())
	assert.Equal(t, 0, p.store.Count())
	assert.Equal(t, may, p.unit(t, "HV-1001").LastTelemetryAt)

	covered, err := p.store.Covers(ctx, may, may.Add(24*time.Hour))
	require.NoError(t, err)
	assert.False(t, covered)
}

func TestBatchStorageFailureIsNotRejection(t *testing.T) {
	p := newPipeline(t, "HV-1001")
	p.store.FailPartitionCreation(errors.New("disk full"))
	ts := time.Date(2026, 7, 14, 15, 0, 0, 0, time.UTC)

	results, err := p.service.IngestBatch(context.Background(), []telemetry.Reading{
		reading(t, "HV-1001", ts, map[string]any{"ambient_temp": 70.0}),
		reading(t, "HV-9999", ts, map[string]any{"ambient_temp": 70.0}),
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, StatusFailed, results[0].Status)
	assert.Contains(t, results[0].Reason, telemetry.ErrPartitionUnavailable.Error())
	assert.Equal(t, StatusRejected, results[1].Status)
}

type stalledNotifier struct {
	release chan struct{}
	events  chan alarmapp.AlertEvent
}

func (n *stalledNotifier) Notify(_ context.Context, event alarmapp.AlertEvent) {
	<-n.release
	n.events <- event
}

func TestSlowAlertDeliveryDoesNotStallSharedStripe(t *testing.T) {
	p := newPipeline(t, "HV-A", "HV-B")
	ctx := context.Background()
	require.NoError(t, p.rules.Create(ctx, &alarms.AlertRule{
		ID: "r-hot", Name: "Hot", Field: "ambient_temp", Comparator: alarms.ComparatorGreater,
		Threshold: 100, Severity: alarms.SeverityCritical, Active: true,
	}))
	stalled := &stalledNotifier{release: make(chan struct{}), events: make(chan alarmapp.AlertEvent, 4)}
	multi := alarmnotify.NewMultiNotifier([]alarmapp.AlertNotifier{stalled})
	evaluator, err := alarmapp.NewService(p.rules, p.alerts, alarmapp.WithNotifier(multi))
	require.NoError(t, err)
	materializer, err := unitapp.NewMaterializer(p.units)
	require.NoError(t, err)
	// One stripe puts both units behind the same lock.
	service, err := NewIngestService(p.registry, p.store, materializer, evaluator, WithLockStripes(1))
	require.NoError(t, err)

	ts := time.Date(2026, 7, 14, 15, 0, 0, 0, time.UTC)
	res, err := service.Ingest(ctx, reading(t, "HV-A", ts, map[string]any{"ambient_temp": 130.0}))
	require.NoError(t, err)
	require.Equal(t, 1, res.Alerts)

	done := make(chan IngestResult, 1)
	go func() {
		res, err := service.Ingest(ctx, reading(t, "HV-B", ts, map[string]any{"ambient_temp": 70.0}))
		assert.NoError(t, err)
		done <- res
	}()
	select {
	case res := <-done:
		assert.Equal(t, StatusAccepted, res.Status)
	case <-time.After(time.Second):
		t.Fatal("ingest for HV-B waited on alert delivery for HV-A")
	}

	close(stalled.release)
	select {
	case event := <-stalled.events:
		assert.Equal(t, alarmapp.EventCreated, event.Type)
		assert.Equal(t, "HV-A", event.Alert.UnitSerial)
	case <-time.After(2 * time.Second):
		t.Fatal("alert was never delivered")
	}
	require.NoError(t, multi.Close(ctx))
}

func TestIngestReportsRuleOnUnknownField(t *testing.T) {
	p := newPipeline(t, "HV-1001")
	ctx := context.Background()
	require.NoError(t, p.rules.Create(ctx, &alarms.AlertRule{
		ID: "r-tank", Name: "Tank", Field: "tank_level", Comparator: alarms.ComparatorLess,
		Threshold: 10, Severity: alarms.SeverityWarning, Active: true,
	}))
	var buf bytes.Buffer
	evaluator, err := alarmapp.NewService(p.rules, p.alerts, alarmapp.WithLogger(log.New(&buf, "", 0)))
	require.NoError(t, err)
	materializer, err := unitapp.NewMaterializer(p.units)
	require.NoError(t, err)
	service, err := NewIngestService(p.registry, p.store, materializer, evaluator)
	require.NoError(t, err)

	res, err := service.Ingest(ctx, reading(t, "HV-1001", time.Date(2026, 7, 14, 15, 0, 0, 0, time.UTC), map[string]any{"ambient_temp": 70.0}))
	require.NoError(t, err)
	assert.Equal(t, StatusAccepted, res.Status)
	assert.Equal(t, 0, res.Alerts)
	assert.False(t, res.Repair)
	assert.True(t, strings.Contains(buf.String(), "r-tank"), buf.String())
	assert.True(t, strings.Contains(buf.String(), "tank_level"), buf.String())
}
