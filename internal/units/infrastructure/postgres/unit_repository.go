package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	units "hvac-telemetry/internal/units/domain"
)

const defaultUnitsTable = "units"

// DBTX is the subset of *sql.DB and *sql.Tx used by the repository.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// UnitRepository is a Postgres implementation for units.
type UnitRepository struct {
	db    DBTX
	table string
}

// NewUnitRepository constructs a repository.
func NewUnitRepository(db DBTX, opts ...UnitOption) *UnitRepository {
	repo := &UnitRepository{db: db, table: defaultUnitsTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// UnitOption configures the repository.
type UnitOption func(*UnitRepository)

// WithUnitTable overrides the default table name.
func WithUnitTable(table string) UnitOption {
	return func(repo *UnitRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// Get loads a unit by serial.
func (r *UnitRepository) Get(ctx context.Context, serial string) (*units.Unit, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("unit repo: nil db")
	}
	if serial == "" {
		return nil, errors.New("unit repo: empty serial")
	}
	query := fmt.Sprintf(`
SELECT serial, location_id, provider_id, air_handler_id, compressor_id, refrigerant,
	fast_scan_start, fast_scan_until, active, uptime_days, current_state, last_telemetry_at,
	created_at, updated_at
FROM %s
WHERE serial = $1
LIMIT 1`, r.table)
	return scanUnit(r.db.QueryRowContext(ctx, query, serial))
}

// Save upserts registration fields. Materialized state is left untouched.
func (r *UnitRepository) Save(ctx context.Context, unit *units.Unit) error {
	if r == nil || r.db == nil {
		return errors.New("unit repo: nil db")
	}
	if unit == nil {
		return errors.New("unit repo: nil unit")
	}
	if err := unit.Validate(); err != nil {
		return err
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	serial,
	location_id,
	provider_id,
	air_handler_id,
	compressor_id,
	refrigerant,
	fast_scan_start,
	fast_scan_until,
	active
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9
)
ON CONFLICT (serial)
DO UPDATE SET
	location_id = EXCLUDED.location_id,
	provider_id = EXCLUDED.provider_id,
	air_handler_id = EXCLUDED.air_handler_id,
	compressor_id = EXCLUDED.compressor_id,
	refrigerant = EXCLUDED.refrigerant,
	fast_scan_start = EXCLUDED.fast_scan_start,
	fast_scan_until = EXCLUDED.fast_scan_until,
	active = EXCLUDED.active,
	updated_at = NOW()`, r.table)

	_, err := r.db.ExecContext(
		ctx,
		query,
		unit.Serial,
		unit.LocationID,
		unit.ProviderID,
		unit.AirHandlerID,
		unit.CompressorID,
		string(unit.Refrigerant),
		nullableTime(unit.FastScanStart),
		nullableTime(unit.FastScanUntil),
		unit.Active,
	)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if unit.CreatedAt.IsZero() {
		unit.CreatedAt = now
	}
	unit.UpdatedAt = now
	return nil
}

// Deactivate marks a unit inactive. Units are never deleted.
func (r *UnitRepository) Deactivate(ctx context.Context, serial string, at time.Time) error {
	if r == nil || r.db == nil {
		return errors.New("unit repo: nil db")
	}
	query := fmt.Sprintf(`
UPDATE %s
SET active = FALSE, updated_at = $2
WHERE serial = $1`, r.table)
	res, err := r.db.ExecContext(ctx, query, serial, at.UTC())
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return units.ErrUnknownUnit
	}
	return nil
}

// List returns units, optionally filtered by provider.
func (r *UnitRepository) List(ctx context.Context, providerID string) ([]units.Unit, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("unit repo: nil db")
	}
	query := fmt.Sprintf(`
SELECT serial, location_id, provider_id, air_handler_id, compressor_id, refrigerant,
	fast_scan_start, fast_scan_until, active, uptime_days, current_state, last_telemetry_at,
	created_at, updated_at
FROM %s
WHERE ($1 = '' OR provider_id = $1)
ORDER BY serial ASC`, r.table)
	rows, err := r.db.QueryContext(ctx, query, providerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []units.Unit
	for rows.Next() {
		unit, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		if unit != nil {
			result = append(result, *unit)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// ApplySnapshot writes the current state guarded by a timestamp compare-and-set.
func (r *UnitRepository) ApplySnapshot(ctx context.Context, snapshot units.Snapshot) (bool, error) {
	if r == nil || r.db == nil {
		return false, errors.New("unit repo: nil db")
	}
	if snapshot.Serial == "" || snapshot.At.IsZero() {
		return false, errors.New("unit repo: invalid snapshot")
	}
	state, err := json.Marshal(snapshot.State)
	if err != nil {
		return false, err
	}
	query := fmt.Sprintf(`
UPDATE %s
SET current_state = $2,
	last_telemetry_at = $3,
	uptime_days = CASE WHEN $4 THEN $5 ELSE uptime_days END,
	updated_at = NOW()
WHERE serial = $1
	AND (last_telemetry_at IS NULL OR last_telemetry_at < $3)`, r.table)
	res, err := r.db.ExecContext(ctx, query, snapshot.Serial, state, snapshot.At.UTC(), snapshot.HasUptime, snapshot.UptimeDays)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

type unitScanner interface {
	Scan(dest ...any) error
}

func scanUnit(row unitScanner) (*units.Unit, error) {
	var unit units.Unit
	var refrigerant string
	var fastScanStart, fastScanUntil, lastTelemetry sql.NullTime
	var state []byte
	if err := row.Scan(
		&unit.Serial,
		&unit.LocationID,
		&unit.ProviderID,
		&unit.AirHandlerID,
		&unit.CompressorID,
		&refrigerant,
		&fastScanStart,
		&fastScanUntil,
		&unit.Active,
		&unit.UptimeDays,
		&state,
		&lastTelemetry,
		&unit.CreatedAt,
		&unit.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	unit.Refrigerant = units.Refrigerant(refrigerant)
	if fastScanStart.Valid {
		unit.FastScanStart = fastScanStart.Time.UTC()
	}
	if fastScanUntil.Valid {
		unit.FastScanUntil = fastScanUntil.Time.UTC()
	}
	if lastTelemetry.Valid {
		unit.LastTelemetryAt = lastTelemetry.Time.UTC()
	}
	if len(state) > 0 {
		if err := json.Unmarshal(state, &unit.CurrentState); err != nil {
			return nil, err
		}
	}
	unit.CreatedAt = unit.CreatedAt.UTC()
	unit.UpdatedAt = unit.UpdatedAt.UTC()
	return &unit, nil
}

func nullableTime(value time.Time) sql.NullTime {
	if value.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: value.UTC(), Valid: true}
}
