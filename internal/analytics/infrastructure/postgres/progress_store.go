package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"hvac-telemetry/internal/analytics/domain/rollup"
)

const defaultProgressTable = "rollup_progress"

// ProgressStore persists rollup watermarks and in-flight windows.
type ProgressStore struct {
	db    *sql.DB
	table string
}

// NewProgressStore constructs a store.
func NewProgressStore(db *sql.DB) *ProgressStore {
	return &ProgressStore{db: db, table: defaultProgressTable}
}

// Get returns the tier progress; zero when never run.
func (s *ProgressStore) Get(ctx context.Context, tier rollup.Tier) (rollup.Progress, error) {
	if s == nil || s.db == nil {
		return rollup.Progress{}, errors.New("rollup progress: nil db")
	}
	query := fmt.Sprintf(`
SELECT watermark, in_flight_from, in_flight_to, updated_at
FROM %s
WHERE tier = $1`, s.table)

	var (
		watermark, from, to sql.NullTime
		updatedAt           time.Time
	)
	err := s.db.QueryRowContext(ctx, query, string(tier)).Scan(&watermark, &from, &to, &updatedAt)
	if err == sql.ErrNoRows {
		return rollup.Progress{Tier: tier}, nil
	}
	if err != nil {
		return rollup.Progress{}, err
	}
	progress := rollup.Progress{Tier: tier, UpdatedAt: updatedAt.UTC()}
	if watermark.Valid {
		progress.Watermark = watermark.Time.UTC()
	}
	if from.Valid {
		progress.InFlightFrom = from.Time.UTC()
	}
	if to.Valid {
		progress.InFlightTo = to.Time.UTC()
	}
	return progress, nil
}

// Begin records an in-flight window.
func (s *ProgressStore) Begin(ctx context.Context, tier rollup.Tier, from, to time.Time) error {
	if s == nil || s.db == nil {
		return errors.New("rollup progress: nil db")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (tier, in_flight_from, in_flight_to, updated_at)
VALUES ($1, $2, $3, NOW())
ON CONFLICT (tier)
DO UPDATE SET
	in_flight_from = EXCLUDED.in_flight_from,
	in_flight_to = EXCLUDED.in_flight_to,
	updated_at = NOW()`, s.table)
	_, err := s.db.ExecContext(ctx, query, string(tier), from.UTC(), to.UTC())
	return err
}

// Complete clears the in-flight window and advances the watermark.
func (s *ProgressStore) Complete(ctx context.Context, tier rollup.Tier, watermark time.Time) error {
	if s == nil || s.db == nil {
		return errors.New("rollup progress: nil db")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (tier, watermark, updated_at)
VALUES ($1, $2, NOW())
ON CONFLICT (tier)
DO UPDATE SET
	watermark = GREATEST(COALESCE(%s.watermark, EXCLUDED.watermark), EXCLUDED.watermark),
	in_flight_from = NULL,
	in_flight_to = NULL,
	updated_at = NOW()`, s.table, s.table)
	_, err := s.db.ExecContext(ctx, query, string(tier), watermark.UTC())
	return err
}
