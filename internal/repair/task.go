package repair

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	telemetry "hvac-telemetry/internal/telemetry/domain"
)

// Side-effect steps that can be replayed after the raw write committed.
const (
	StepMaterialize = "materialize"
	StepEvaluate    = "evaluate"
)

// Task states.
const (
	StatusPending = "pending"
	StatusDone    = "done"
	StatusDead    = "dead"
)

// DefaultMaxAttempts bounds retries before a task is dead-lettered.
const DefaultMaxAttempts = 10

var taskNamespace = uuid.MustParse("0b5c2e7a-3d4f-4c61-8a9e-5f1d2c3b4a60")

// ErrInvalidTask is returned for tasks missing identity or payload.
var ErrInvalidTask = errors.New("repair: invalid task")

// Task records side effects that failed for an accepted reading. The reading
// travels with the task so a replay needs no raw-store read.
type Task struct {
	ID        string            `json:"id"`
	Reading   telemetry.Reading `json:"reading"`
	Steps     []string          `json:"steps"`
	Status    string            `json:"status"`
	Attempts  int               `json:"attempts"`
	LastError string            `json:"last_error,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Queue persists repair tasks. Enqueue of an existing id merges steps and
// returns the task to pending.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
	ListPending(ctx context.Context, limit int) ([]Task, error)
	MarkDone(ctx context.Context, id string) error
	// MarkFailed records a failed attempt; the task becomes dead once
	// attempts reach maxAttempts. It reports whether the task is now dead.
	MarkFailed(ctx context.Context, id string, cause error, maxAttempts int) (bool, error)
}

// NewTask builds a pending task for reading.
func NewTask(reading telemetry.Reading, cause error, steps ...string) (Task, error) {
	if reading.UnitSerial == "" || reading.TS.IsZero() {
		return Task{}, ErrInvalidTask
	}
	if len(steps) == 0 {
		return Task{}, ErrInvalidTask
	}
	now := time.Now().UTC()
	task := Task{
		ID:        TaskID(reading.UnitSerial, reading.TS),
		Reading:   reading,
		Steps:     MergeSteps(nil, steps),
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if cause != nil {
		task.LastError = cause.Error()
	}
	return task, nil
}

// TaskID derives the task id from the reading identity.
func TaskID(unitSerial string, ts time.Time) string {
	key := unitSerial + "|" + ts.UTC().Format(time.RFC3339Nano)
	return "repair-" + uuid.NewSHA1(taskNamespace, []byte(key)).String()
}

// Has reports whether the task includes step.
func (t Task) Has(step string) bool {
	for _, s := range t.Steps {
		if s == step {
			return true
		}
	}
	return false
}

// MergeSteps returns the union of both step lists in canonical order.
func MergeSteps(existing, added []string) []string {
	seen := make(map[string]bool, len(existing)+len(added))
	for _, s := range existing {
		seen[s] = true
	}
	for _, s := range added {
		seen[s] = true
	}
	var out []string
	for _, s := range []string{StepMaterialize, StepEvaluate} {
		if seen[s] {
			out = append(out, s)
		}
	}
	return out
}
