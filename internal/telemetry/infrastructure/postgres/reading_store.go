package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	telemetry "hvac-telemetry/internal/telemetry/domain"
)

const defaultReadingsTable = "telemetry_readings"

// ReadingStore is the Postgres raw telemetry store. The table is range
// partitioned by month on ts.
type ReadingStore struct {
	db         *sql.DB
	table      string
	partitions *PartitionManager
}

// NewReadingStore constructs a store with default table name.
func NewReadingStore(db *sql.DB, partitions *PartitionManager, opts ...RepositoryOption) *ReadingStore {
	store := &ReadingStore{db: db, table: defaultReadingsTable, partitions: partitions}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

// RepositoryOption configures the store.
type RepositoryOption func(*ReadingStore)

// WithTable overrides the default table name.
func WithTable(table string) RepositoryOption {
	return func(store *ReadingStore) {
		if table != "" {
			store.table = table
		}
	}
}

// Append inserts a reading. An existing (unit, ts) row yields ErrDuplicateReading
// and leaves the stored row untouched.
func (s *ReadingStore) Append(ctx context.Context, reading telemetry.Reading) error {
	if s == nil || s.db == nil {
		return errors.New("reading store: nil db")
	}
	reading = reading.Normalize()
	if err := reading.Validate(); err != nil {
		return err
	}
	numeric, err := json.Marshal(nonNilNumeric(reading.Numeric))
	if err != nil {
		return err
	}
	flags, err := json.Marshal(nonNilFlags(reading.Flags))
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	unit_serial,
	ts,
	numeric,
	flags
) VALUES (
	$1, $2, $3, $4
)
ON CONFLICT (unit_serial, ts)
DO NOTHING`, s.table)

	res, err := s.db.ExecContext(ctx, query, reading.UnitSerial, reading.TS, numeric, flags)
	if err != nil && isPgCode(err, pgNoPartition) && s.partitions != nil {
		// The cached partition was dropped or never attached. Retired months stop here.
		s.partitions.forget(reading.TS)
		if ensureErr := s.partitions.EnsurePartition(ctx, reading.TS); ensureErr != nil {
			return ensureErr
		}
		res, err = s.db.ExecContext(ctx, query, reading.UnitSerial, reading.TS, numeric, flags)
	}
	if err != nil {
		if isPgCode(err, pgNoPartition) {
			return fmt.Errorf("%w: %v", telemetry.ErrPartitionUnavailable, err)
		}
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return telemetry.ErrDuplicateReading
	}
	return nil
}

// Query returns one ascending page of readings for a unit in [From, To).
func (s *ReadingStore) Query(ctx context.Context, q telemetry.ReadingQuery) (telemetry.ReadingPage, error) {
	if s == nil || s.db == nil {
		return telemetry.ReadingPage{}, errors.New("reading store: nil db")
	}
	if q.UnitSerial == "" || q.From.IsZero() || q.To.IsZero() {
		return telemetry.ReadingPage{}, errors.New("reading store: invalid query")
	}
	after, err := telemetry.DecodeCursor(q.Cursor)
	if err != nil {
		return telemetry.ReadingPage{}, err
	}
	limit := telemetry.ClampLimit(q.Limit)

	query := fmt.Sprintf(`
SELECT unit_serial, ts, numeric, flags
FROM %s
WHERE unit_serial = $1
	AND ts >= $2
	AND ts < $3`, s.table)
	args := []any{q.UnitSerial, q.From.UTC(), q.To.UTC()}
	if !after.IsZero() {
		query += " AND ts > $4"
		args = append(args, after)
	}
	query += fmt.Sprintf(" ORDER BY ts ASC LIMIT %d", limit+1)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return telemetry.ReadingPage{}, err
	}
	defer rows.Close()

	page := telemetry.ReadingPage{Readings: make([]telemetry.Reading, 0, limit)}
	for rows.Next() {
		reading, err := scanReading(rows)
		if err != nil {
			return telemetry.ReadingPage{}, err
		}
		page.Readings = append(page.Readings, reading)
	}
	if err := rows.Err(); err != nil {
		return telemetry.ReadingPage{}, err
	}
	if len(page.Readings) > limit {
		page.Readings = page.Readings[:limit]
		page.NextCursor = telemetry.EncodeCursor(page.Readings[limit-1].TS)
	}
	return page, nil
}

// ListUnitsWithReadings returns the serials that have readings in [from, to).
func (s *ReadingStore) ListUnitsWithReadings(ctx context.Context, from, to time.Time) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("reading store: nil db")
	}
	query := fmt.Sprintf(`
SELECT DISTINCT unit_serial
FROM %s
WHERE ts >= $1 AND ts < $2
ORDER BY unit_serial ASC`, s.table)
	rows, err := s.db.QueryContext(ctx, query, from.UTC(), to.UTC())
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
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

type readingScanner interface {
	Scan(dest ...any) error
}

func scanReading(row readingScanner) (telemetry.Reading, error) {
	var reading telemetry.Reading
	var numeric, flags []byte
	if err := row.Scan(&reading.UnitSerial, &reading.TS, &numeric, &flags); err != nil {
		return telemetry.Reading{}, err
	}
	reading.TS = reading.TS.UTC()
	if len(numeric) > 0 {
		if err := json.Unmarshal(numeric, &reading.Numeric); err != nil {
			return telemetry.Reading{}, err
		}
	}
	if len(flags) > 0 {
		if err := json.Unmarshal(flags, &reading.Flags); err != nil {
			return telemetry.Reading{}, err
		}
	}
	return reading, nil
}

func nonNilNumeric(values map[string]float64) map[string]float64 {
	if values == nil {
		return map[string]float64{}
	}
	return values
}

func nonNilFlags(values map[string]bool) map[string]bool {
	if values == nil {
		return map[string]bool{}
	}
	return values
}
