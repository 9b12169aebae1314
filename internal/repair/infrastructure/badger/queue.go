package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"hvac-telemetry/internal/repair"
)

var taskPrefix = []byte("repair/task/")

// Config holds the spool location.
type Config struct {
	Path string
	// InMemory keeps everything in RAM (tests).
	InMemory bool
}

// Queue is a local durable repair spool. It survives restarts on nodes that
// run without Postgres-backed repair.
type Queue struct {
	db *badger.DB
}

// Open opens or creates the spool.
func Open(cfg Config) (*Queue, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}
	opts = opts.
		WithLogger(nil).
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(8 << 20).
		WithValueLogFileSize(16 << 20).
		WithNumCompactors(2)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("repair spool: open: %w", err)
	}
	return &Queue{db: db}, nil
}

// Close releases the spool.
func (q *Queue) Close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}

// Enqueue inserts a task or merges its steps into the existing one.
func (q *Queue) Enqueue(ctx context.Context, task repair.Task) error {
	if q == nil || q.db == nil {
		return errors.New("repair spool: nil db")
	}
	if task.ID == "" {
		return repair.ErrInvalidTask
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	now := time.Now().UTC()
	return q.db.Update(func(txn *badger.Txn) error {
		existing, found, err := getTask(txn, task.ID)
		if err != nil {
			return err
		}
		if found {
			existing.Steps = repair.MergeSteps(existing.Steps, task.Steps)
			existing.Status = repair.StatusPending
			existing.LastError = task.LastError
			existing.UpdatedAt = now
			return putTask(txn, existing)
		}
		task.Status = repair.StatusPending
		task.Steps = repair.MergeSteps(nil, task.Steps)
		if task.CreatedAt.IsZero() {
			task.CreatedAt = now
		}
		task.UpdatedAt = now
		return putTask(txn, task)
	})
}

// ListPending returns pending tasks, oldest first.
func (q *Queue) ListPending(ctx context.Context, limit int) ([]repair.Task, error) {
	if q == nil || q.db == nil {
		return nil, errors.New("repair spool: nil db")
	}
	var tasks []repair.Task
	err := q.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = taskPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			err := it.Item().Value(func(val []byte) error {
				var task repair.Task
				if err := json.Unmarshal(val, &task); err != nil {
					return err
				}
				if task.Status == repair.StatusPending {
					tasks = append(tasks, task)
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	if limit > 0 && len(tasks) > limit {
		tasks = tasks[:limit]
	}
	return tasks, nil
}

// MarkDone removes the task from the spool.
func (q *Queue) MarkDone(_ context.Context, id string) error {
	if q == nil || q.db == nil {
		return errors.New("repair spool: nil db")
	}
	return q.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(taskKey(id))
	})
}

// MarkFailed increments attempts and dead-letters the task at maxAttempts.
func (q *Queue) MarkFailed(_ context.Context, id string, cause error, maxAttempts int) (bool, error) {
	if q == nil || q.db == nil {
		return false, errors.New("repair spool: nil db")
	}
	if maxAttempts <= 0 {
		maxAttempts = repair.DefaultMaxAttempts
	}
	var dead bool
	err := q.db.Update(func(txn *badger.Txn) error {
		task, found, err := getTask(txn, id)
		if err != nil || !found {
			return err
		}
		task.Attempts++
		if cause != nil {
			task.LastError = cause.Error()
		}
		if task.Attempts >= maxAttempts {
			task.Status = repair.StatusDead
			dead = true
		}
		task.UpdatedAt = time.Now().UTC()
		return putTask(txn, task)
	})
	return dead, err
}

// Get returns a task by id.
func (q *Queue) Get(id string) (repair.Task, bool, error) {
	var (
		task  repair.Task
		found bool
	)
	err := q.db.View(func(txn *badger.Txn) error {
		var err error
		task, found, err = getTask(txn, id)
		return err
	})
	return task, found, err
}

func getTask(txn *badger.Txn, id string) (repair.Task, bool, error) {
	item, err := txn.Get(taskKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return repair.Task{}, false, nil
	}
	if err != nil {
		return repair.Task{}, false, err
	}
	var task repair.Task
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &task)
	})
	if err != nil {
		return repair.Task{}, false, err
	}
	return task, true, nil
}

func putTask(txn *badger.Txn, task repair.Task) error {
	value, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return txn.Set(taskKey(task.ID), value)
}

func taskKey(id string) []byte {
	return append(append([]byte{}, taskPrefix...), id...)
}
