package repair

import (
	"context"
	"errors"
	"log"

	"hvac-telemetry/internal/observability/metrics"
)

// Replayer re-applies the side effects recorded in a task.
type Replayer interface {
	Replay(ctx context.Context, task Task) error
}

// Result summarizes one worker pass.
type Result struct {
	Claimed  int `json:"claimed"`
	Repaired int `json:"repaired"`
	Failed   int `json:"failed"`
	Dead     int `json:"dead"`
}

// Worker drains pending repair tasks.
type Worker struct {
	queue       Queue
	replayer    Replayer
	maxAttempts int
	logger      *log.Logger
}

// WorkerOption configures the worker.
type WorkerOption func(*Worker)

// WithMaxAttempts overrides DefaultMaxAttempts.
func WithMaxAttempts(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.maxAttempts = n
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) WorkerOption {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewWorker constructs a worker.
func NewWorker(queue Queue, replayer Replayer, opts ...WorkerOption) (*Worker, error) {
	if queue == nil {
		return nil, errors.New("repair: nil queue")
	}
	if replayer == nil {
		return nil, errors.New("repair: nil replayer")
	}
	w := &Worker{queue: queue, replayer: replayer, maxAttempts: DefaultMaxAttempts, logger: log.Default()}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Run replays up to limit pending tasks. A failing task never blocks the
// rest of the batch.
func (w *Worker) Run(ctx context.Context, limit int) (Result, error) {
	var result Result
	if w == nil {
		return result, errors.New("repair: nil worker")
	}
	if limit <= 0 {
		limit = 100
	}
	tasks, err := w.queue.ListPending(ctx, limit)
	if err != nil {
		return result, err
	}
	result.Claimed = len(tasks)
	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if err := w.replayer.Replay(ctx, task); err != nil {
			dead, markErr := w.queue.MarkFailed(ctx, task.ID, err, w.maxAttempts)
			if markErr != nil {
				w.logger.Printf("repair: mark failed %s: %v", task.ID, markErr)
			}
			if dead {
				result.Dead++
				metrics.IncRepair("dead")
				w.logger.Printf("repair: task %s dead after %d attempts: %v", task.ID, task.Attempts+1, err)
				continue
			}
			result.Failed++
			metrics.IncRepair("failed")
			continue
		}
		if err := w.queue.MarkDone(ctx, task.ID); err != nil {
			w.logger.Printf("repair: mark done %s: %v", task.ID, err)
			continue
		}
		result.Repaired++
		metrics.IncRepair("repaired")
	}
	return result, nil
}
