package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	alarms "hvac-telemetry/internal/alarms/domain"
	alarmmemory "hvac-telemetry/internal/alarms/infrastructure/memory"
	alarmrepo "hvac-telemetry/internal/alarms/infrastructure/postgres"
	"hvac-telemetry/internal/analytics/domain/rollup"
	analyticsmemory "hvac-telemetry/internal/analytics/infrastructure/memory"
	analyticsrepo "hvac-telemetry/internal/analytics/infrastructure/postgres"
	"hvac-telemetry/internal/audit"
	"hvac-telemetry/internal/config"
	"hvac-telemetry/internal/migrations"
	"hvac-telemetry/internal/repair"
	repairbadger "hvac-telemetry/internal/repair/infrastructure/badger"
	repairmemory "hvac-telemetry/internal/repair/infrastructure/memory"
	repairrepo "hvac-telemetry/internal/repair/infrastructure/postgres"
	telemetry "hvac-telemetry/internal/telemetry/domain"
	telemetrymemory "hvac-telemetry/internal/telemetry/infrastructure/memory"
	telemetryrepo "hvac-telemetry/internal/telemetry/infrastructure/postgres"
	units "hvac-telemetry/internal/units/domain"
	unitmemory "hvac-telemetry/internal/units/infrastructure/memory"
	unitrepo "hvac-telemetry/internal/units/infrastructure/postgres"
)

// backends groups the storage implementations selected by configuration.
type backends struct {
	db         *sql.DB
	units      units.Repository
	readings   telemetry.ReadingStore
	partitions telemetry.PartitionManager
	rollups    rollup.Repository
	progress   rollup.ProgressStore
	rules      alarms.RuleRepository
	alerts     alarms.AlertRepository
	audit      audit.Logger
	repair     repair.Queue
	closers    []func() error
}

func openBackends(ctx context.Context, cfg config.Config, logger *log.Logger) (*backends, error) {
	b := &backends{}
	switch cfg.Storage {
	case config.BackendPostgres:
		db, err := sql.Open("pgx", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("db open: %w", err)
		}
		b.closers = append(b.closers, db.Close)
		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			b.close()
			return nil, fmt.Errorf("db ping: %w", err)
		}
		if _, err := migrations.Apply(ctx, db, logger); err != nil {
			b.close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		partitions := telemetryrepo.NewPartitionManager(db)
		b.db = db
		b.units = unitrepo.NewUnitRepository(db)
		b.partitions = partitions
		b.readings = telemetryrepo.NewReadingStore(db, partitions)
		b.rollups = analyticsrepo.NewRollupRepository(db)
		b.progress = analyticsrepo.NewProgressStore(db)
		b.rules = alarmrepo.NewAlertRuleRepository(db)
		b.alerts = alarmrepo.NewAlertRepository(db)
		b.audit = audit.NewRepository(db)
	case config.BackendMemory:
		store := telemetrymemory.NewReadingStore()
		b.units = unitmemory.NewUnitRepository()
		b.readings = store
		b.partitions = store
		b.rollups = analyticsmemory.NewRollupRepository()
		b.progress = analyticsmemory.NewProgressStore()
		b.rules = alarmmemory.NewRuleRepository()
		b.alerts = alarmmemory.NewAlertRepository()
		b.audit = audit.NewMemoryLogger()
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", cfg.Storage)
	}

	switch cfg.Repair.Backend {
	case config.BackendPostgres:
		if b.db == nil {
			b.close()
			return nil, fmt.Errorf("postgres repair queue requires postgres storage")
		}
		b.repair = repairrepo.NewQueue(b.db)
	case config.BackendBadger:
		queue, err := repairbadger.Open(repairbadger.Config{Path: cfg.Repair.BadgerPath})
		if err != nil {
			b.close()
			return nil, fmt.Errorf("open repair spool: %w", err)
		}
		b.closers = append(b.closers, queue.Close)
		b.repair = queue
	case config.BackendMemory:
		b.repair = repairmemory.NewQueue()
	default:
		b.close()
		return nil, fmt.Errorf("unsupported repair backend %q", cfg.Repair.Backend)
	}
	return b, nil
}

// close releases resources in reverse order of acquisition.
func (b *backends) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		_ = b.closers[i]()
	}
	b.closers = nil
}
