package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"hvac-telemetry/internal/analytics/domain/rollup"
)

const defaultRollupTable = "telemetry_rollups"

// RollupRepository is a Postgres implementation for rollup buckets.
type RollupRepository struct {
	db    *sql.DB
	table string
}

// NewRollupRepository creates a repository using the default table name.
func NewRollupRepository(db *sql.DB, opts ...RepositoryOption) *RollupRepository {
	repo := &RollupRepository{db: db, table: defaultRollupTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// RepositoryOption configures the repository.
type RepositoryOption func(*RollupRepository)

// WithTable overrides the default table name.
func WithTable(table string) RepositoryOption {
	return func(repo *RollupRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// Upsert writes a bucket, replacing any previous computation.
func (r *RollupRepository) Upsert(ctx context.Context, item rollup.Rollup) error {
	if r == nil || r.db == nil {
		return errors.New("rollup repo: nil db")
	}
	if err := item.Validate(); err != nil {
		return err
	}
	timeKey, err := rollup.NewTimeKey(item.Tier, item.BucketStart)
	if err != nil {
		return err
	}
	fields, err := json.Marshal(nonNilFields(item.Fields))
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	unit_serial,
	tier,
	time_key,
	bucket_start,
	fields,
	sample_count,
	source,
	computed_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8
)
ON CONFLICT (unit_serial, tier, time_key)
DO UPDATE SET
	bucket_start = EXCLUDED.bucket_start,
	fields = EXCLUDED.fields,
	sample_count = EXCLUDED.sample_count,
	source = EXCLUDED.source,
	computed_at = EXCLUDED.computed_at,
	updated_at = NOW()`, r.table)

	_, err = r.db.ExecContext(ctx, query,
		item.UnitSerial,
		string(item.Tier),
		timeKey.String(),
		item.BucketStart.UTC(),
		fields,
		item.SampleCount,
		item.Source,
		item.ComputedAt.UTC(),
	)
	return err
}

// Get returns one bucket or nil.
func (r *RollupRepository) Get(ctx context.Context, serial string, tier rollup.Tier, bucketStart time.Time) (*rollup.Rollup, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("rollup repo: nil db")
	}
	timeKey, err := rollup.NewTimeKey(tier, bucketStart)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`
SELECT unit_serial, tier, bucket_start, fields, sample_count, source, computed_at
FROM %s
WHERE unit_serial = $1
	AND tier = $2
	AND time_key = $3
LIMIT 1`, r.table)

	item, err := scanRollup(r.db.QueryRowContext(ctx, query, serial, string(tier), timeKey.String()))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// List returns buckets in [from, to) ordered by start.
func (r *RollupRepository) List(ctx context.Context, serial string, tier rollup.Tier, from, to time.Time) ([]rollup.Rollup, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("rollup repo: nil db")
	}
	if !tier.IsValid() {
		return nil, rollup.ErrInvalidTier
	}
	query := fmt.Sprintf(`
SELECT unit_serial, tier, bucket_start, fields, sample_count, source, computed_at
FROM %s
WHERE unit_serial = $1
	AND tier = $2
	AND bucket_start >= $3
	AND bucket_start < $4
ORDER BY bucket_start ASC`, r.table)

	rows, err := r.db.QueryContext(ctx, query, serial, string(tier), from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []rollup.Rollup
	for rows.Next() {
		item, err := scanRollup(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, item)
	}
	return result, rows.Err()
}

// ListUnits returns serials with buckets in [from, to).
func (r *RollupRepository) ListUnits(ctx context.Context, tier rollup.Tier, from, to time.Time) ([]string, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("rollup repo: nil db")
	}
	query := fmt.Sprintf(`
SELECT DISTINCT unit_serial
FROM %s
WHERE tier = $1
	AND bucket_start >= $2
	AND bucket_start < $3
ORDER BY unit_serial`, r.table)

	rows, err := r.db.QueryContext(ctx, query, string(tier), from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var result []string
	for rows.Next() {
		var serial string
		if err := rows.Scan(&serial); err != nil {
			return nil, err
		}
		result = append(result, serial)
	}
	return result, rows.Err()
}

// DeleteBefore removes buckets of tier starting before the cutoff.
func (r *RollupRepository) DeleteBefore(ctx context.Context, tier rollup.Tier, before time.Time) (int64, error) {
	if r == nil || r.db == nil {
		return 0, errors.New("rollup repo: nil db")
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE tier = $1 AND bucket_start < $2`, r.table)
	res, err := r.db.ExecContext(ctx, query, string(tier), before.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func scanRollup(scanner interface{ Scan(dest ...any) error }) (rollup.Rollup, error) {
	var (
		item   rollup.Rollup
		tier   string
		fields []byte
	)
	if err := scanner.Scan(
		&item.UnitSerial,
		&tier,
		&item.BucketStart,
		&fields,
		&item.SampleCount,
		&item.Source,
		&item.ComputedAt,
	); err != nil {
		return rollup.Rollup{}, err
	}
	item.Tier = rollup.Tier(tier)
	if !item.Tier.IsValid() {
		return rollup.Rollup{}, rollup.ErrInvalidTier
	}
	if err := json.Unmarshal(fields, &item.Fields); err != nil {
		return rollup.Rollup{}, fmt.Errorf("rollup repo: decode fields: %w", err)
	}
	item.BucketStart = item.BucketStart.UTC()
	item.ComputedAt = item.ComputedAt.UTC()
	return item, nil
}

func nonNilFields(fields map[string]rollup.FieldStats) map[string]rollup.FieldStats {
	if fields == nil {
		return map[string]rollup.FieldStats{}
	}
	return fields
}
