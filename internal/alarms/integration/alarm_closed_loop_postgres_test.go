package integration_test

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	alarmapp "hvac-telemetry/internal/alarms/application"
	alarms "hvac-telemetry/internal/alarms/domain"
	alarmrepo "hvac-telemetry/internal/alarms/infrastructure/postgres"
	"hvac-telemetry/internal/migrations"
	"hvac-telemetry/internal/repair"
	repairrepo "hvac-telemetry/internal/repair/infrastructure/postgres"
	telemetry "hvac-telemetry/internal/telemetry/domain"
	unitapp "hvac-telemetry/internal/units/application"
	units "hvac-telemetry/internal/units/domain"
	unitrepo "hvac-telemetry/internal/units/infrastructure/postgres"
)

func TestAlertClosedLoop_Postgres(t *testing.T) {
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	if _, err := migrations.Apply(ctx, db, nil); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	suffix := uuid.NewString()[:8]
	serial := "HV-ALERT-" + suffix
	unitRepo := unitrepo.NewUnitRepository(db)
	registry, err := unitapp.NewRegistry(unitRepo)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	unit := &units.Unit{Serial: serial, LocationID: "loc-it", ProviderID: "prov-" + suffix}
	if err := registry.Register(ctx, unit); err != nil {
		t.Fatalf("register: %v", err)
	}

	ruleRepo := alarmrepo.NewAlertRuleRepository(db)
	alertRepo := alarmrepo.NewAlertRepository(db)
	rules, err := alarmapp.NewRuleService(ruleRepo, registry)
	if err != nil {
		t.Fatalf("rule service: %v", err)
	}
	rule, err := rules.Create(ctx, alarmapp.RuleInput{
		Name:       "high ambient",
		Field:      "ambient_temp",
		Comparator: alarms.ComparatorGreater,
		Threshold:  120,
		Severity:   alarms.SeverityCritical,
		UnitSerial: serial,
	})
	if err != nil {
		t.Fatalf("create rule: %v", err)
	}

	service, err := alarmapp.NewService(ruleRepo, alertRepo)
	if err != nil {
		t.Fatalf("alarm service: %v", err)
	}
	stored, err := registry.Get(ctx, serial)
	if err != nil {
		t.Fatalf("get unit: %v", err)
	}

	ts := time.Now().UTC().Truncate(time.Second)
	evaluate := func(at time.Time, value float64) alarmapp.EvaluationResult {
		t.Helper()
		result, err := service.Evaluate(ctx, *stored, telemetry.Reading{
			UnitSerial: serial,
			TS:         at,
			Numeric:    map[string]float64{"ambient_temp": value},
		})
		if err != nil {
			t.Fatalf("evaluate: %v", err)
		}
		return result
	}

	if got := evaluate(ts, 125); got.Created != 1 {
		t.Fatalf("expected 1 alert at T, got %+v", got)
	}
	if got := evaluate(ts, 130); got.Created != 0 || got.Suppressed != 1 {
		t.Fatalf("expected dedup at T, got %+v", got)
	}
	if got := evaluate(ts.Add(time.Second), 130); got.Created != 1 {
		t.Fatalf("expected 1 alert at T+1s, got %+v", got)
	}

	list, err := service.ListAlerts(ctx, alarms.AlertFilter{UnitSerial: serial, Limit: 10})
	if err != nil {
		t.Fatalf("list alerts: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 alerts, got %d", len(list))
	}
	for _, alert := range list {
		if alert.RuleID != rule.ID || alert.Severity != alarms.SeverityCritical || alert.Threshold != 120 {
			t.Fatalf("unexpected alert %+v", alert)
		}
	}

	acked, err := service.AckAlert(ctx, list[0].ID, "operator-1")
	if err != nil {
		t.Fatalf("ack: %v", err)
	}
	if !acked.Acknowledged || acked.AcknowledgedBy != "operator-1" {
		t.Fatalf("unexpected ack %+v", acked)
	}
	open := false
	remaining, err := service.ListAlerts(ctx, alarms.AlertFilter{UnitSerial: serial, Acknowledged: &open, Limit: 10})
	if err != nil {
		t.Fatalf("list open: %v", err)
	}
	if len(remaining) != 1 {
		t.Fatalf("expected 1 open alert, got %d", len(remaining))
	}
}

func TestRepairQueue_Postgres(t *testing.T) {
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	if _, err := migrations.Apply(ctx, db, nil); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	queue := repairrepo.NewQueue(db)
	reading := telemetry.Reading{
		UnitSerial: "HV-REPAIR-" + uuid.NewString()[:8],
		TS:         time.Now().UTC().Truncate(time.Microsecond),
		Numeric:    map[string]float64{"ambient_temp": 99},
	}
	first, err := repair.NewTask(reading, nil, repair.StepEvaluate)
	if err != nil {
		t.Fatalf("new task: %v", err)
	}
	if err := queue.Enqueue(ctx, first); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	second, err := repair.NewTask(reading, nil, repair.StepMaterialize)
	if err != nil {
		t.Fatalf("new task: %v", err)
	}
	if err := queue.Enqueue(ctx, second); err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}

	task := findTask(t, queue, first.ID)
	if !task.Has(repair.StepMaterialize) || !task.Has(repair.StepEvaluate) {
		t.Fatalf("expected merged steps, got %v", task.Steps)
	}

	dead, err := queue.MarkFailed(ctx, first.ID, sql.ErrConnDone, 2)
	if err != nil || dead {
		t.Fatalf("first failure: dead=%v err=%v", dead, err)
	}
	dead, err = queue.MarkFailed(ctx, first.ID, sql.ErrConnDone, 2)
	if err != nil || !dead {
		t.Fatalf("second failure: dead=%v err=%v", dead, err)
	}
	if task := findTaskOrNil(t, queue, first.ID); task != nil {
		t.Fatalf("dead task still pending: %+v", task)
	}
}

func findTask(t *testing.T, queue *repairrepo.Queue, id string) repair.Task {
	t.Helper()
	task := findTaskOrNil(t, queue, id)
	if task == nil {
		t.Fatalf("task %s not pending", id)
	}
	return *task
}

func findTaskOrNil(t *testing.T, queue *repairrepo.Queue, id string) *repair.Task {
	t.Helper()
	pending, err := queue.ListPending(context.Background(), 10000)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	for i := range pending {
		if pending[i].ID == id {
			return &pending[i]
		}
	}
	return nil
}
