package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	alarms "hvac-telemetry/internal/alarms/domain"
)

const defaultAlertRulesTable = "alert_rules"

// AlertRuleRepository is a Postgres repository for alert rules.
type AlertRuleRepository struct {
	db    *sql.DB
	table string
}

// NewAlertRuleRepository constructs a repository.
func NewAlertRuleRepository(db *sql.DB, opts ...RuleOption) *AlertRuleRepository {
	repo := &AlertRuleRepository{db: db, table: defaultAlertRulesTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// RuleOption configures the repository.
type RuleOption func(*AlertRuleRepository)

// WithRuleTable overrides the default table name.
func WithRuleTable(table string) RuleOption {
	return func(repo *AlertRuleRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

const ruleColumns = `id, name, field, comparator, threshold, severity, provider_id, unit_serial, active, created_at, updated_at`

// Create inserts an alert rule.
func (r *AlertRuleRepository) Create(ctx context.Context, rule *alarms.AlertRule) error {
	if r == nil || r.db == nil {
		return errors.New("alert rule repo: nil db")
	}
	if rule == nil {
		return errors.New("alert rule repo: nil rule")
	}
	if err := rule.Validate(); err != nil {
		return err
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now().UTC()
	}
	if rule.UpdatedAt.IsZero() {
		rule.UpdatedAt = rule.CreatedAt
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	%s
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
)`, r.table, ruleColumns)
	_, err := r.db.ExecContext(ctx, query,
		rule.ID, rule.Name, rule.Field, string(rule.Comparator), rule.Threshold, string(rule.Severity),
		nullableString(rule.ProviderID), nullableString(rule.UnitSerial), rule.Active,
		rule.CreatedAt, rule.UpdatedAt)
	return err
}

// Update replaces a rule's mutable fields. Existing alerts keep the values
// they were created with.
func (r *AlertRuleRepository) Update(ctx context.Context, rule *alarms.AlertRule) error {
	if r == nil || r.db == nil {
		return errors.New("alert rule repo: nil db")
	}
	if rule == nil {
		return errors.New("alert rule repo: nil rule")
	}
	if err := rule.Validate(); err != nil {
		return err
	}
	rule.UpdatedAt = time.Now().UTC()
	query := fmt.Sprintf(`
UPDATE %s
SET name = $2, field = $3, comparator = $4, threshold = $5, severity = $6,
	provider_id = $7, unit_serial = $8, active = $9, updated_at = $10
WHERE id = $1`, r.table)
	res, err := r.db.ExecContext(ctx, query,
		rule.ID, rule.Name, rule.Field, string(rule.Comparator), rule.Threshold, string(rule.Severity),
		nullableString(rule.ProviderID), nullableString(rule.UnitSerial), rule.Active, rule.UpdatedAt)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return alarms.ErrNotFound
	}
	return nil
}

// GetByID loads a rule by id.
func (r *AlertRuleRepository) GetByID(ctx context.Context, id string) (*alarms.AlertRule, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alert rule repo: nil db")
	}
	if id == "" {
		return nil, errors.New("alert rule repo: invalid query")
	}
	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE id = $1
LIMIT 1`, ruleColumns, r.table)
	return scanRule(r.db.QueryRowContext(ctx, query, id))
}

// List returns rules ordered by creation.
func (r *AlertRuleRepository) List(ctx context.Context, includeInactive bool) ([]alarms.AlertRule, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alert rule repo: nil db")
	}
	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE ($1 OR active = TRUE)
ORDER BY created_at ASC`, ruleColumns, r.table)
	return r.list(ctx, query, includeInactive)
}

// ListActiveForUnit returns active rules whose scope covers the unit.
func (r *AlertRuleRepository) ListActiveForUnit(ctx context.Context, unitSerial, providerID string) ([]alarms.AlertRule, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alert rule repo: nil db")
	}
	if unitSerial == "" {
		return nil, errors.New("alert rule repo: invalid query")
	}
	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE active = TRUE
	AND (
		unit_serial = $1
		OR (unit_serial IS NULL AND provider_id = $2)
		OR (unit_serial IS NULL AND provider_id IS NULL)
	)
ORDER BY created_at ASC`, ruleColumns, r.table)
	return r.list(ctx, query, unitSerial, providerID)
}

func (r *AlertRuleRepository) list(ctx context.Context, query string, args ...any) ([]alarms.AlertRule, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []alarms.AlertRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		if rule != nil {
			result = append(result, *rule)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

type ruleScanner interface {
	Scan(dest ...any) error
}

func scanRule(row ruleScanner) (*alarms.AlertRule, error) {
	var rule alarms.AlertRule
	var comparator, severity string
	var providerID, unitSerial sql.NullString
	if err := row.Scan(
		&rule.ID,
		&rule.Name,
		&rule.Field,
		&comparator,
		&rule.Threshold,
		&severity,
		&providerID,
		&unitSerial,
		&rule.Active,
		&rule.CreatedAt,
		&rule.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	rule.Comparator = alarms.Comparator(comparator)
	rule.Severity = alarms.Severity(severity)
	rule.ProviderID = providerID.String
	rule.UnitSerial = unitSerial.String
	rule.CreatedAt = rule.CreatedAt.UTC()
	rule.UpdatedAt = rule.UpdatedAt.UTC()
	return &rule, nil
}

func nullableString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}
