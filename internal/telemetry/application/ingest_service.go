package application

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	alarmapp "hvac-telemetry/internal/alarms/application"
	"hvac-telemetry/internal/observability/metrics"
	"hvac-telemetry/internal/repair"
	telemetry "hvac-telemetry/internal/telemetry/domain"
	units "hvac-telemetry/internal/units/domain"
)

// Per-reading ingest outcomes. StatusFailed marks a valid reading that
// storage could not take; the gateway may resend it.
const (
	StatusAccepted  = metrics.ReadingAccepted
	StatusDuplicate = metrics.ReadingDuplicate
	StatusRejected  = metrics.ReadingRejected
	StatusFailed    = metrics.ReadingFailed
)

// UnitLookup resolves active units.
type UnitLookup interface {
	Lookup(ctx context.Context, serial string) (*units.Unit, error)
	Get(ctx context.Context, serial string) (*units.Unit, error)
}

// StateMaterializer applies a reading to the unit's current state.
type StateMaterializer interface {
	Apply(ctx context.Context, reading telemetry.Reading) (bool, error)
}

// AlertEvaluator evaluates alert rules for a reading.
type AlertEvaluator interface {
	Evaluate(ctx context.Context, unit units.Unit, reading telemetry.Reading) (alarmapp.EvaluationResult, error)
}

// IngestResult is the outcome for one reading.
type IngestResult struct {
	UnitSerial string    `json:"unit_serial"`
	TS         time.Time `json:"ts"`
	Status     string    `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	// StateApplied is false when a later reading already owns the snapshot.
	StateApplied bool `json:"state_applied"`
	Alerts       int  `json:"alerts"`
	// Repair is set when a side effect failed and was queued for replay.
	Repair bool `json:"repair,omitempty"`
}

// IngestService runs the per-reading unit of work: validate, append, then
// materialize and evaluate inside the unit's critical section.
type IngestService struct {
	registry     UnitLookup
	store        telemetry.ReadingStore
	materializer StateMaterializer
	evaluator    AlertEvaluator
	repairs      repair.Queue
	locks        *UnitLocks
	backoff      Backoff
	parallelism  int
	logger       *log.Logger
}

// IngestOption configures the service.
type IngestOption func(*IngestService)

// WithRepairQueue routes failed side effects to a repair queue.
func WithRepairQueue(queue repair.Queue) IngestOption {
	return func(s *IngestService) {
		s.repairs = queue
	}
}

// WithLockStripes sets the number of unit lock stripes.
func WithLockStripes(stripes int) IngestOption {
	return func(s *IngestService) {
		s.locks = NewUnitLocks(stripes)
	}
}

// WithBackoff overrides the storage retry policy.
func WithBackoff(backoff Backoff) IngestOption {
	return func(s *IngestService) {
		s.backoff = backoff
	}
}

// WithBatchParallelism bounds concurrent readings in a batch.
func WithBatchParallelism(n int) IngestOption {
	return func(s *IngestService) {
		if n > 0 {
			s.parallelism = n
		}
	}
}

// WithIngestLogger overrides the default logger.
func WithIngestLogger(logger *log.Logger) IngestOption {
	return func(s *IngestService) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewIngestService constructs the ingest pipeline.
func NewIngestService(registry UnitLookup, store telemetry.ReadingStore, materializer StateMaterializer, evaluator AlertEvaluator, opts ...IngestOption) (*IngestService, error) {
	if registry == nil {
		return nil, errors.New("ingest: nil unit registry")
	}
	if store == nil {
		return nil, errors.New("ingest: nil reading store")
	}
	if materializer == nil {
		return nil, errors.New("ingest: nil materializer")
	}
	if evaluator == nil {
		return nil, errors.New("ingest: nil alert evaluator")
	}
	s := &IngestService{
		registry:     registry,
		store:        store,
		materializer: materializer,
		evaluator:    evaluator,
		locks:        NewUnitLocks(DefaultLockStripes),
		backoff:      DefaultBackoff,
		parallelism:  16,
		logger:       log.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Ingest processes one reading. Rejections and duplicates are reported in the
// result; the error is non-nil only when the reading could not be stored.
func (s *IngestService) Ingest(ctx context.Context, reading telemetry.Reading) (IngestResult, error) {
	if s == nil {
		return IngestResult{}, errors.New("ingest: nil service")
	}
	reading = reading.Normalize()
	result := IngestResult{UnitSerial: reading.UnitSerial, TS: reading.TS}
	if err := reading.Validate(); err != nil {
		return s.reject(result, err), nil
	}
	unit, err := s.registry.Lookup(ctx, reading.UnitSerial)
	if err != nil {
		if errors.Is(err, telemetry.ErrUnknownUnit) {
			return s.reject(result, err), nil
		}
		return result, fmt.Errorf("ingest: lookup %s: %w", reading.UnitSerial, err)
	}

	unlock := s.locks.Lock(reading.UnitSerial)
	defer unlock()

	err = s.backoff.Retry(ctx, retryableStorageError, func() error {
		return s.store.Append(ctx, reading)
	})
	switch {
	case err == nil:
	case errors.Is(err, telemetry.ErrDuplicateReading):
		result.Status = StatusDuplicate
		metrics.IncReading(StatusDuplicate)
		return result, nil
	case errors.Is(err, telemetry.ErrInvalidReading), errors.Is(err, telemetry.ErrPartitionRetired):
		return s.reject(result, err), nil
	default:
		metrics.IncIngestError(storageReason(err))
		return result, fmt.Errorf("ingest: append %s: %w", reading.UnitSerial, err)
	}

	result.Status = StatusAccepted
	metrics.IncReading(StatusAccepted)

	// The raw row is committed; side effects below never undo it.
	var failed []string
	var causes []error
	applied, err := s.materializer.Apply(ctx, reading)
	if err != nil {
		failed = append(failed, repair.StepMaterialize)
		causes = append(causes, err)
		s.logger.Printf("ingest: materialize %s at %s: %v", reading.UnitSerial, reading.TS.Format(time.RFC3339Nano), err)
	}
	result.StateApplied = applied

	evaluation, err := s.evaluator.Evaluate(ctx, *unit, reading)
	if err != nil {
		failed = append(failed, repair.StepEvaluate)
		causes = append(causes, err)
		s.logger.Printf("ingest: evaluate %s at %s: %v", reading.UnitSerial, reading.TS.Format(time.RFC3339Nano), err)
	}
	result.Alerts = evaluation.Created

	if len(failed) > 0 {
		result.Repair = true
		s.enqueueRepair(ctx, reading, errors.Join(causes...), failed)
	}
	return result, nil
}

// IngestBatch processes readings concurrently with bounded parallelism.
// Results keep the input order.
func (s *IngestService) IngestBatch(ctx context.Context, readings []telemetry.Reading) ([]IngestResult, error) {
	if s == nil {
		return nil, errors.New("ingest: nil service")
	}
	results := make([]IngestResult, len(readings))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.parallelism)
	for i := range readings {
		i := i
		group.Go(func() error {
			result, err := s.Ingest(groupCtx, readings[i])
			if err != nil {
				result.Status = StatusFailed
				result.Reason = err.Error()
				metrics.IncReading(StatusFailed)
			}
			results[i] = result
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// Replay re-applies the side effects recorded in a repair task. The
// materializer's timestamp guard and alert dedup make it safe to repeat.
func (s *IngestService) Replay(ctx context.Context, task repair.Task) error {
	if s == nil {
		return errors.New("ingest: nil service")
	}
	reading := task.Reading.Normalize()
	unlock := s.locks.Lock(reading.UnitSerial)
	defer unlock()

	if task.Has(repair.StepMaterialize) {
		if _, err := s.materializer.Apply(ctx, reading); err != nil {
			return fmt.Errorf("replay materialize: %w", err)
		}
	}
	if task.Has(repair.StepEvaluate) {
		unit, err := s.registry.Get(ctx, reading.UnitSerial)
		if err != nil {
			return fmt.Errorf("replay evaluate: %w", err)
		}
		if _, err := s.evaluator.Evaluate(ctx, *unit, reading); err != nil {
			return fmt.Errorf("replay evaluate: %w", err)
		}
	}
	return nil
}

func (s *IngestService) reject(result IngestResult, err error) IngestResult {
	result.Status = StatusRejected
	result.Reason = err.Error()
	metrics.IncReading(StatusRejected)
	return result
}

func (s *IngestService) enqueueRepair(ctx context.Context, reading telemetry.Reading, cause error, steps []string) {
	metrics.IncRepair("queued")
	if s.repairs == nil {
		s.logger.Printf("ingest: no repair queue, dropping repair for %s at %s", reading.UnitSerial, reading.TS.Format(time.RFC3339Nano))
		return
	}
	task, err := repair.NewTask(reading, cause, steps...)
	if err != nil {
		s.logger.Printf("ingest: build repair task: %v", err)
		return
	}
	if err := s.repairs.Enqueue(context.WithoutCancel(ctx), task); err != nil {
		s.logger.Printf("ingest: enqueue repair %s: %v", task.ID, err)
	}
}

func retryableStorageError(err error) bool {
	if errors.Is(err, telemetry.ErrDuplicateReading) || errors.Is(err, telemetry.ErrInvalidReading) {
		return false
	}
	if errors.Is(err, telemetry.ErrPartitionRetired) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

func storageReason(err error) string {
	if errors.Is(err, telemetry.ErrPartitionUnavailable) {
		return "partition_unavailable"
	}
	return "storage"
}
