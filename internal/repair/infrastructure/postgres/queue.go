package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"hvac-telemetry/internal/repair"
)

const defaultRepairTable = "repair_tasks"

// Queue is the Postgres repair task queue.
type Queue struct {
	db    *sql.DB
	table string
}

// QueueOption configures the queue.
type QueueOption func(*Queue)

// WithQueueTable overrides the table name.
func WithQueueTable(table string) QueueOption {
	return func(q *Queue) {
		if table != "" {
			q.table = table
		}
	}
}

// NewQueue constructs a queue.
func NewQueue(db *sql.DB, opts ...QueueOption) *Queue {
	q := &Queue{db: db, table: defaultRepairTable}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue inserts a task or merges its steps into the existing one.
func (q *Queue) Enqueue(ctx context.Context, task repair.Task) error {
	if q == nil || q.db == nil {
		return errors.New("repair queue: nil db")
	}
	if task.ID == "" {
		return repair.ErrInvalidTask
	}
	payload, err := json.Marshal(task.Reading)
	if err != nil {
		return err
	}
	steps, err := json.Marshal(task.Steps)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	unit_serial,
	reading_ts,
	payload,
	steps,
	status,
	attempts,
	last_error,
	created_at,
	updated_at
) VALUES (
	$1, $2, $3, $4, $5, 'pending', 0, $6, $7, $7
)
ON CONFLICT (id)
DO UPDATE SET
	steps = (
		SELECT COALESCE(jsonb_agg(DISTINCT s), '[]'::jsonb)
		FROM jsonb_array_elements_text(%s.steps || EXCLUDED.steps) AS s
	),
	status = 'pending',
	last_error = EXCLUDED.last_error,
	updated_at = EXCLUDED.updated_at`, q.table, q.table)

	_, err = q.db.ExecContext(ctx, query,
		task.ID,
		task.Reading.UnitSerial,
		task.Reading.TS.UTC(),
		payload,
		steps,
		task.LastError,
		now,
	)
	return err
}

// ListPending returns pending tasks, oldest first.
func (q *Queue) ListPending(ctx context.Context, limit int) ([]repair.Task, error) {
	if q == nil || q.db == nil {
		return nil, errors.New("repair queue: nil db")
	}
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`
SELECT id, payload, steps, status, attempts, last_error, created_at, updated_at
FROM %s
WHERE status = 'pending'
ORDER BY created_at ASC, id ASC
LIMIT $1`, q.table)

	rows, err := q.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []repair.Task
	for rows.Next() {
		var (
			task      repair.Task
			payload   []byte
			steps     []byte
			lastError sql.NullString
		)
		if err := rows.Scan(&task.ID, &payload, &steps, &task.Status, &task.Attempts, &lastError, &task.CreatedAt, &task.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &task.Reading); err != nil {
			return nil, fmt.Errorf("repair queue: decode payload %s: %w", task.ID, err)
		}
		var rawSteps []string
		if err := json.Unmarshal(steps, &rawSteps); err != nil {
			return nil, fmt.Errorf("repair queue: decode steps %s: %w", task.ID, err)
		}
		task.Steps = repair.MergeSteps(nil, rawSteps)
		task.LastError = lastError.String
		task.Reading = task.Reading.Normalize()
		task.CreatedAt = task.CreatedAt.UTC()
		task.UpdatedAt = task.UpdatedAt.UTC()
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// MarkDone closes a task.
func (q *Queue) MarkDone(ctx context.Context, id string) error {
	if q == nil || q.db == nil {
		return errors.New("repair queue: nil db")
	}
	query := fmt.Sprintf(`
UPDATE %s
SET status = 'done',
	last_error = NULL,
	updated_at = $2
WHERE id = $1`, q.table)
	_, err := q.db.ExecContext(ctx, query, id, time.Now().UTC())
	return err
}

// MarkFailed increments attempts and dead-letters the task at maxAttempts.
func (q *Queue) MarkFailed(ctx context.Context, id string, cause error, maxAttempts int) (bool, error) {
	if q == nil || q.db == nil {
		return false, errors.New("repair queue: nil db")
	}
	if maxAttempts <= 0 {
		maxAttempts = repair.DefaultMaxAttempts
	}
	message := ""
	if cause != nil {
		message = cause.Error()
	}
	query := fmt.Sprintf(`
UPDATE %s
SET attempts = attempts + 1,
	last_error = $2,
	status = CASE WHEN attempts + 1 >= $3 THEN 'dead' ELSE 'pending' END,
	updated_at = $4
WHERE id = $1
RETURNING status`, q.table)

	var status string
	err := q.db.QueryRowContext(ctx, query, id, message, maxAttempts, time.Now().UTC()).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return status == repair.StatusDead, nil
}
