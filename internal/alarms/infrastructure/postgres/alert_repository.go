package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	alarms "hvac-telemetry/internal/alarms/domain"
)

const defaultAlertsTable = "alerts"

// AlertRepository is a Postgres repository for alerts.
type AlertRepository struct {
	db    *sql.DB
	table string
}

// NewAlertRepository constructs a repository.
func NewAlertRepository(db *sql.DB, opts ...AlertOption) *AlertRepository {
	repo := &AlertRepository{db: db, table: defaultAlertsTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// AlertOption configures the repository.
type AlertOption func(*AlertRepository)

// WithAlertTable overrides the default table name.
func WithAlertTable(table string) AlertOption {
	return func(repo *AlertRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

const alertColumns = `id, rule_id, unit_serial, triggered_at, field, value, comparator, threshold, severity,
	message, acknowledged, acknowledged_at, acknowledged_by, created_at`

// Insert stores an alert. A second alert for the same (rule, unit, triggered_at)
// is suppressed by the unique key and reported as not created.
func (r *AlertRepository) Insert(ctx context.Context, alert *alarms.Alert) (bool, error) {
	if r == nil || r.db == nil {
		return false, errors.New("alert repo: nil db")
	}
	if alert == nil {
		return false, errors.New("alert repo: nil alert")
	}
	if alert.ID == "" || alert.RuleID == "" || alert.UnitSerial == "" || alert.TriggeredAt.IsZero() {
		return false, errors.New("alert repo: missing fields")
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = time.Now().UTC()
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id, rule_id, unit_serial, triggered_at, field, value, comparator, threshold, severity,
	message, acknowledged, created_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9,
	$10, FALSE, $11
)
ON CONFLICT (rule_id, unit_serial, triggered_at)
DO NOTHING`, r.table)
	res, err := r.db.ExecContext(ctx, query,
		alert.ID,
		alert.RuleID,
		alert.UnitSerial,
		alert.TriggeredAt.UTC(),
		alert.Field,
		alert.Value,
		string(alert.Comparator),
		alert.Threshold,
		string(alert.Severity),
		alert.Message,
		alert.CreatedAt,
	)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// GetByID fetches an alert by id.
func (r *AlertRepository) GetByID(ctx context.Context, id string) (*alarms.Alert, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alert repo: nil db")
	}
	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE id = $1`, alertColumns, r.table)
	return scanAlert(r.db.QueryRowContext(ctx, query, id))
}

// List returns alerts matching the filter, newest first.
func (r *AlertRepository) List(ctx context.Context, filter alarms.AlertFilter) ([]alarms.Alert, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alert repo: nil db")
	}
	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE 1 = 1`, alertColumns, r.table)
	var args []any
	if filter.UnitSerial != "" {
		args = append(args, filter.UnitSerial)
		query += fmt.Sprintf(" AND unit_serial = $%d", len(args))
	}
	if filter.Acknowledged != nil {
		args = append(args, *filter.Acknowledged)
		query += fmt.Sprintf(" AND acknowledged = $%d", len(args))
	}
	if !filter.From.IsZero() {
		args = append(args, filter.From.UTC())
		query += fmt.Sprintf(" AND triggered_at >= $%d", len(args))
	}
	if !filter.To.IsZero() {
		args = append(args, filter.To.UTC())
		query += fmt.Sprintf(" AND triggered_at < $%d", len(args))
	}
	query += " ORDER BY triggered_at DESC, id ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []alarms.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *alert)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Acknowledge marks an alert acknowledged. Re-acknowledging keeps the first ack.
func (r *AlertRepository) Acknowledge(ctx context.Context, id, by string, at time.Time) error {
	if r == nil || r.db == nil {
		return errors.New("alert repo: nil db")
	}
	query := fmt.Sprintf(`
UPDATE %s
SET acknowledged = TRUE, acknowledged_at = $2, acknowledged_by = $3
WHERE id = $1 AND acknowledged = FALSE`, r.table)
	_, err := r.db.ExecContext(ctx, query, id, at.UTC(), by)
	return err
}

type alertScanner interface {
	Scan(dest ...any) error
}

func scanAlert(row alertScanner) (*alarms.Alert, error) {
	var alert alarms.Alert
	var comparator, severity string
	var ackedAt sql.NullTime
	var ackedBy sql.NullString
	if err := row.Scan(
		&alert.ID,
		&alert.RuleID,
		&alert.UnitSerial,
		&alert.TriggeredAt,
		&alert.Field,
		&alert.Value,
		&comparator,
		&alert.Threshold,
		&severity,
		&alert.Message,
		&alert.Acknowledged,
		&ackedAt,
		&ackedBy,
		&alert.CreatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	alert.Comparator = alarms.Comparator(comparator)
	alert.Severity = alarms.Severity(severity)
	alert.TriggeredAt = alert.TriggeredAt.UTC()
	alert.CreatedAt = alert.CreatedAt.UTC()
	if ackedAt.Valid {
		alert.AcknowledgedAt = ackedAt.Time.UTC()
	}
	alert.AcknowledgedBy = ackedBy.String
	return &alert, nil
}
