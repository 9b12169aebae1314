package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"hvac-telemetry/internal/repair"
)

// Queue is an in-memory repair queue.
type Queue struct {
	mu    sync.Mutex
	tasks map[string]repair.Task
}

// NewQueue constructs an empty queue.
func NewQueue() *Queue {
	return &Queue{tasks: make(map[string]repair.Task)}
}

// Enqueue inserts a task or merges its steps into the existing one.
func (q *Queue) Enqueue(_ context.Context, task repair.Task) error {
	if task.ID == "" {
		return repair.ErrInvalidTask
	}
	now := time.Now().UTC()
	q.mu.Lock()
	defer q.mu.Unlock()
	if existing, ok := q.tasks[task.ID]; ok {
		existing.Steps = repair.MergeSteps(existing.Steps, task.Steps)
		existing.Status = repair.StatusPending
		existing.LastError = task.LastError
		existing.UpdatedAt = now
		q.tasks[task.ID] = existing
		return nil
	}
	task.Status = repair.StatusPending
	task.Steps = repair.MergeSteps(nil, task.Steps)
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	q.tasks[task.ID] = task
	return nil
}

// ListPending returns pending tasks, oldest first.
func (q *Queue) ListPending(_ context.Context, limit int) ([]repair.Task, error) {
	return q.list(repair.StatusPending, limit), nil
}

// ListDead returns dead-lettered tasks.
func (q *Queue) ListDead(limit int) []repair.Task {
	return q.list(repair.StatusDead, limit)
}

// MarkDone closes a task.
func (q *Queue) MarkDone(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	task, ok := q.tasks[id]
	if !ok {
		return nil
	}
	task.Status = repair.StatusDone
	task.LastError = ""
	task.UpdatedAt = time.Now().UTC()
	q.tasks[id] = task
	return nil
}

// MarkFailed increments attempts and dead-letters the task at maxAttempts.
func (q *Queue) MarkFailed(_ context.Context, id string, cause error, maxAttempts int) (bool, error) {
	if maxAttempts <= 0 {
		maxAttempts = repair.DefaultMaxAttempts
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	task, ok := q.tasks[id]
	if !ok {
		return false, nil
	}
	task.Attempts++
	if cause != nil {
		task.LastError = cause.Error()
	}
	if task.Attempts >= maxAttempts {
		task.Status = repair.StatusDead
	}
	task.UpdatedAt = time.Now().UTC()
	q.tasks[id] = task
	return task.Status == repair.StatusDead, nil
}

// Get returns a task by id.
func (q *Queue) Get(id string) (repair.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	task, ok := q.tasks[id]
	return task, ok
}

func (q *Queue) list(status string, limit int) []repair.Task {
	q.mu.Lock()
	var out []repair.Task
	for _, task := range q.tasks {
		if task.Status == status {
			out = append(out, task)
		}
	}
	q.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
