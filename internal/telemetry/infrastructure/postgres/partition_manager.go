package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	telemetry "hvac-telemetry/internal/telemetry/domain"
)

const (
	pgDuplicateTable  = "42P07"
	pgUniqueViolation = "23505"
	pgNoPartition     = "23514"

	partitionBoundLayout = "2006-01-02 15:04:05-07"

	defaultRetirementTable = "telemetry_partition_retirements"
)

// PartitionManager maintains the monthly partitions of the raw readings table.
type PartitionManager struct {
	db      *sql.DB
	parent  string
	retired string

	mu    sync.Mutex
	known map[string]struct{}
}

// NewPartitionManager constructs a manager for the default parent table.
func NewPartitionManager(db *sql.DB, opts ...PartitionOption) *PartitionManager {
	m := &PartitionManager{
		db:      db,
		parent:  defaultReadingsTable,
		retired: defaultRetirementTable,
		known:   make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// PartitionOption configures the manager.
type PartitionOption func(*PartitionManager)

// WithParentTable overrides the partitioned parent table.
func WithParentTable(table string) PartitionOption {
	return func(m *PartitionManager) {
		if table != "" {
			m.parent = table
		}
	}
}

// WithRetirementTable overrides the table recording dropped partitions.
func WithRetirementTable(table string) PartitionOption {
	return func(m *PartitionManager) {
		if table != "" {
			m.retired = table
		}
	}
}

// EnsurePartition creates the partition for month if it does not exist.
// Concurrent creation by another process counts as success. A month retired
// by DropPartition yields ErrPartitionRetired.
func (m *PartitionManager) EnsurePartition(ctx context.Context, month time.Time) error {
	if m == nil || m.db == nil {
		return errors.New("partition manager: nil db")
	}
	partition := telemetry.PartitionFor(m.parent, month)

	m.mu.Lock()
	_, ok := m.known[partition.Name]
	m.mu.Unlock()
	if ok {
		return nil
	}

	retired, err := m.isRetired(ctx, partition.Name)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", telemetry.ErrPartitionUnavailable, partition.Name, err)
	}
	if retired {
		return fmt.Errorf("%w: %s", telemetry.ErrPartitionRetired, partition.Name)
	}

	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s
PARTITION OF %s
FOR VALUES FROM ('%s') TO ('%s')`,
		pgx.Identifier{partition.Name}.Sanitize(),
		pgx.Identifier{m.parent}.Sanitize(),
		partition.From.Format(partitionBoundLayout),
		partition.To.Format(partitionBoundLayout),
	)
	if _, err := m.db.ExecContext(ctx, query); err != nil && !isPgCode(err, pgDuplicateTable, pgUniqueViolation) {
		return fmt.Errorf("%w: %s: %v", telemetry.ErrPartitionUnavailable, partition.Name, err)
	}

	m.mu.Lock()
	m.known[partition.Name] = struct{}{}
	m.mu.Unlock()
	return nil
}

// ListPartitions returns attached partitions ordered by month.
func (m *PartitionManager) ListPartitions(ctx context.Context) ([]telemetry.Partition, error) {
	if m == nil || m.db == nil {
		return nil, errors.New("partition manager: nil db")
	}
	rows, err := m.db.QueryContext(ctx, `
SELECT child.relname
FROM pg_inherits
JOIN pg_class parent ON parent.oid = pg_inherits.inhparent
JOIN pg_class child ON child.oid = pg_inherits.inhrelid
WHERE parent.relname = $1`, m.parent)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []telemetry.Partition
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		if partition, ok := telemetry.ParsePartitionName(m.parent, name); ok {
			result = append(result, partition)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(result, func(i, j int) bool { return result[i].From.Before(result[j].From) })
	return result, nil
}

// DropPartition drops the partition for month and every reading in it, and
// retires the month in the same transaction.
func (m *PartitionManager) DropPartition(ctx context.Context, month time.Time) error {
	if m == nil || m.db == nil {
		return errors.New("partition manager: nil db")
	}
	partition := telemetry.PartitionFor(m.parent, month)
	name := partition.Name
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	retire := fmt.Sprintf(`
INSERT INTO %s (partition_name, month_start)
VALUES ($1, $2)
ON CONFLICT (partition_name) DO NOTHING`, pgx.Identifier{m.retired}.Sanitize())
	if _, err := tx.ExecContext(ctx, retire, name, partition.From); err != nil {
		return err
	}
	drop := fmt.Sprintf(`DROP TABLE IF EXISTS %s`, pgx.Identifier{name}.Sanitize())
	if _, err := tx.ExecContext(ctx, drop); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.known, name)
	m.mu.Unlock()
	return nil
}

// Covers reports whether every month in [from, to) still has a partition
// and none of them was retired.
func (m *PartitionManager) Covers(ctx context.Context, from, to time.Time) (bool, error) {
	partitions, err := m.ListPartitions(ctx)
	if err != nil {
		return false, err
	}
	attached := make(map[string]struct{}, len(partitions))
	for _, partition := range partitions {
		attached[partition.Name] = struct{}{}
	}
	for _, month := range telemetry.MonthsBetween(from, to) {
		name := telemetry.PartitionName(m.parent, month)
		if _, ok := attached[name]; !ok {
			return false, nil
		}
		retired, err := m.isRetired(ctx, name)
		if err != nil {
			return false, err
		}
		if retired {
			return false, nil
		}
	}
	return true, nil
}

func (m *PartitionManager) isRetired(ctx context.Context, name string) (bool, error) {
	var retired bool
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE partition_name = $1)`, pgx.Identifier{m.retired}.Sanitize())
	if err := m.db.QueryRowContext(ctx, query, name).Scan(&retired); err != nil {
		return false, err
	}
	return retired, nil
}

func (m *PartitionManager) forget(month time.Time) {
	m.mu.Lock()
	delete(m.known, telemetry.PartitionName(m.parent, month))
	m.mu.Unlock()
}

func isPgCode(err error, codes ...string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	for _, code := range codes {
		if pgErr.Code == code {
			return true
		}
	}
	return false
}
