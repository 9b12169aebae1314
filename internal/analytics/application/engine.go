package application

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"hvac-telemetry/internal/analytics/domain/rollup"
	"hvac-telemetry/internal/observability/metrics"
	telemetry "hvac-telemetry/internal/telemetry/domain"
)

// Defaults for the rollup engine.
const (
	DefaultLookback        = 2 * time.Hour
	DefaultBackfill        = 7 * 24 * time.Hour
	DefaultHourlyRetention = 90 * 24 * time.Hour
	DefaultParallelism     = 8
)

// ReadingSource reads raw telemetry.
type ReadingSource interface {
	Query(ctx context.Context, query telemetry.ReadingQuery) (telemetry.ReadingPage, error)
	ListUnitsWithReadings(ctx context.Context, from, to time.Time) ([]string, error)
}

// Coverage reports whether raw partitions still hold a range.
type Coverage interface {
	Covers(ctx context.Context, from, to time.Time) (bool, error)
}

// Clock provides time.
type Clock interface {
	Now() time.Time
}

// RunResult summarizes one scheduled run of a tier.
type RunResult struct {
	Tier      rollup.Tier `json:"tier"`
	From      time.Time   `json:"from"`
	To        time.Time   `json:"to"`
	Buckets   int         `json:"buckets"`
	Recovered bool        `json:"recovered"`
}

// Engine computes hourly and daily rollups.
type Engine struct {
	readings    ReadingSource
	coverage    Coverage
	rollups     rollup.Repository
	progress    rollup.ProgressStore
	clock       Clock
	logger      *log.Logger
	lookback    time.Duration
	backfill    time.Duration
	retention   time.Duration
	parallelism int

	hourMu sync.Mutex
	dayMu  sync.Mutex
}

// EngineOption configures the engine.
type EngineOption func(*Engine)

// WithLookback re-examines this much time behind the watermark for late data.
func WithLookback(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d >= 0 {
			e.lookback = d
		}
	}
}

// WithBackfill sets how far back the first run starts.
func WithBackfill(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.backfill = d
		}
	}
}

// WithHourlyRetention overrides DefaultHourlyRetention.
func WithHourlyRetention(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.retention = d
		}
	}
}

// WithParallelism bounds concurrent unit rollups per bucket.
func WithParallelism(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.parallelism = n
		}
	}
}

// WithEngineClock overrides the default clock.
func WithEngineClock(clock Clock) EngineOption {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithEngineLogger overrides the default logger.
func WithEngineLogger(logger *log.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEngine constructs a rollup engine.
func NewEngine(readings ReadingSource, coverage Coverage, rollups rollup.Repository, progress rollup.ProgressStore, opts ...EngineOption) (*Engine, error) {
	if readings == nil {
		return nil, errors.New("rollup engine: nil reading source")
	}
	if coverage == nil {
		return nil, errors.New("rollup engine: nil coverage")
	}
	if rollups == nil {
		return nil, errors.New("rollup engine: nil rollup repository")
	}
	if progress == nil {
		return nil, errors.New("rollup engine: nil progress store")
	}
	e := &Engine{
		readings:    readings,
		coverage:    coverage,
		rollups:     rollups,
		progress:    progress,
		clock:       systemClock{},
		logger:      log.Default(),
		lookback:    DefaultLookback,
		backfill:    DefaultBackfill,
		retention:   DefaultHourlyRetention,
		parallelism: DefaultParallelism,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// RollupHour recomputes one hourly bucket from raw readings. It returns nil
// without writing when the hour has no readings or raw data is gone.
func (e *Engine) RollupHour(ctx context.Context, serial string, hourStart time.Time) (*rollup.Rollup, error) {
	if _, err := rollup.NewTimeKey(rollup.TierHour, hourStart); err != nil {
		return nil, err
	}
	hourStart = hourStart.UTC()
	hourEnd := hourStart.Add(time.Hour)
	covered, err := e.coverage.Covers(ctx, hourStart, hourEnd)
	if err != nil {
		return nil, err
	}
	if !covered {
		return nil, nil
	}
	acc, err := e.accumulateRaw(ctx, serial, hourStart, hourEnd)
	if err != nil {
		return nil, err
	}
	return e.write(ctx, serial, rollup.TierHour, hourStart, acc, rollup.SourceRaw)
}

// RollupDay recomputes one daily bucket. Raw readings are used while their
// partitions exist; otherwise the day's hourly buckets are merged.
func (e *Engine) RollupDay(ctx context.Context, serial string, dayStart time.Time) (*rollup.Rollup, error) {
	if _, err := rollup.NewTimeKey(rollup.TierDay, dayStart); err != nil {
		return nil, err
	}
	dayStart = dayStart.UTC()
	dayEnd := dayStart.Add(24 * time.Hour)
	covered, err := e.coverage.Covers(ctx, dayStart, dayEnd)
	if err != nil {
		return nil, err
	}
	if covered {
		acc, err := e.accumulateRaw(ctx, serial, dayStart, dayEnd)
		if err != nil {
			return nil, err
		}
		return e.write(ctx, serial, rollup.TierDay, dayStart, acc, rollup.SourceRaw)
	}

	hours, err := e.rollups.List(ctx, serial, rollup.TierHour, dayStart, dayEnd)
	if err != nil {
		return nil, err
	}
	if len(hours) == 0 {
		// Neither raw nor hourly data remains; the stored day bucket stays as is.
		return nil, nil
	}
	acc := rollup.NewAccumulator()
	for _, hour := range hours {
		acc.AddRollup(hour)
	}
	return e.write(ctx, serial, rollup.TierDay, dayStart, acc, rollup.SourceHourly)
}

// RunHourly rolls up every completed hour between the watermark (minus the
// lookback) and now.
func (e *Engine) RunHourly(ctx context.Context, now time.Time) (RunResult, error) {
	if !e.hourMu.TryLock() {
		return RunResult{Tier: rollup.TierHour}, rollup.ErrRunInProgress
	}
	defer e.hourMu.Unlock()

	end := rollup.TierHour.Truncate(now)
	return e.run(ctx, rollup.TierHour, end, e.lookback, func(ctx context.Context, bucket time.Time) (int, error) {
		serials, err := e.readings.ListUnitsWithReadings(ctx, bucket, bucket.Add(time.Hour))
		if err != nil {
			return 0, err
		}
		return e.fanOut(ctx, serials, func(ctx context.Context, serial string) (*rollup.Rollup, error) {
			return e.RollupHour(ctx, serial, bucket)
		})
	})
}

// RunDaily rolls up every completed day that the hourly tier has finished.
func (e *Engine) RunDaily(ctx context.Context, now time.Time) (RunResult, error) {
	if !e.dayMu.TryLock() {
		return RunResult{Tier: rollup.TierDay}, rollup.ErrRunInProgress
	}
	defer e.dayMu.Unlock()

	hourly, err := e.progress.Get(ctx, rollup.TierHour)
	if err != nil {
		return RunResult{Tier: rollup.TierDay}, err
	}
	end := rollup.TierDay.Truncate(now)
	if hourlyEnd := rollup.TierDay.Truncate(hourly.Watermark); hourlyEnd.Before(end) {
		end = hourlyEnd
	}
	lookback := time.Duration(0)
	if e.lookback > 0 {
		lookback = 24 * time.Hour
	}
	return e.run(ctx, rollup.TierDay, end, lookback, func(ctx context.Context, bucket time.Time) (int, error) {
		dayEnd := bucket.Add(24 * time.Hour)
		raw, err := e.readings.ListUnitsWithReadings(ctx, bucket, dayEnd)
		if err != nil {
			return 0, err
		}
		hourlyUnits, err := e.rollups.ListUnits(ctx, rollup.TierHour, bucket, dayEnd)
		if err != nil {
			return 0, err
		}
		return e.fanOut(ctx, mergeSerials(raw, hourlyUnits), func(ctx context.Context, serial string) (*rollup.Rollup, error) {
			return e.RollupDay(ctx, serial, bucket)
		})
	})
}

// EnforceRetention deletes hourly buckets older than the retention window,
// never past the daily watermark. Daily buckets are kept forever.
func (e *Engine) EnforceRetention(ctx context.Context, now time.Time) (int64, error) {
	daily, err := e.progress.Get(ctx, rollup.TierDay)
	if err != nil {
		return 0, err
	}
	cutoff := rollup.TierDay.Truncate(now.Add(-e.retention))
	if daily.Watermark.Before(cutoff) {
		cutoff = daily.Watermark
	}
	if cutoff.IsZero() {
		return 0, nil
	}
	deleted, err := e.rollups.DeleteBefore(ctx, rollup.TierHour, cutoff)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		e.logger.Printf("event=rollup_retention tier=%s before=%s deleted=%d", rollup.TierHour, cutoff.Format(time.RFC3339), deleted)
	}
	return deleted, nil
}

// Watermarks reports the committed end of both tiers.
func (e *Engine) Watermarks(ctx context.Context) (time.Time, time.Time, error) {
	hourly, err := e.progress.Get(ctx, rollup.TierHour)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	daily, err := e.progress.Get(ctx, rollup.TierDay)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return hourly.Watermark, daily.Watermark, nil
}

// Progress returns the stored progress of a tier.
func (e *Engine) Progress(ctx context.Context, tier rollup.Tier) (rollup.Progress, error) {
	return e.progress.Get(ctx, tier)
}

// List returns stored buckets for a unit.
func (e *Engine) List(ctx context.Context, serial string, tier rollup.Tier, from, to time.Time) ([]rollup.Rollup, error) {
	return e.rollups.List(ctx, serial, tier, from, to)
}

type bucketFunc func(ctx context.Context, bucket time.Time) (int, error)

func (e *Engine) run(ctx context.Context, tier rollup.Tier, end time.Time, lookback time.Duration, each bucketFunc) (result RunResult, err error) {
	started := time.Now()
	result.Tier = tier
	defer func() {
		status := metrics.ResultSuccess
		if err != nil {
			status = metrics.ResultError
		}
		metrics.ObserveRollupRun(string(tier), status, time.Since(started))
	}()

	progress, err := e.progress.Get(ctx, tier)
	if err != nil {
		return result, err
	}
	var start time.Time
	if progress.Watermark.IsZero() {
		start = tier.Truncate(end.Add(-e.backfill))
	} else {
		start = tier.Truncate(progress.Watermark.Add(-lookback))
	}
	if progress.InFlight() {
		result.Recovered = true
		e.logger.Printf("rollup engine: %v: tier=%s window=%s..%s, recomputing",
			rollup.ErrRollupInconsistency, tier, progress.InFlightFrom.Format(time.RFC3339), progress.InFlightTo.Format(time.RFC3339))
		if recovered := tier.Truncate(progress.InFlightFrom); recovered.Before(start) {
			start = recovered
		}
	}
	result.From, result.To = start, end
	if !end.After(start) {
		return result, nil
	}

	if err := e.progress.Begin(ctx, tier, start, end); err != nil {
		return result, fmt.Errorf("rollup engine: begin %s: %w", tier, err)
	}
	for bucket := start; bucket.Before(end); bucket = bucket.Add(tier.Duration()) {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		written, err := each(ctx, bucket)
		result.Buckets += written
		if err != nil {
			return result, fmt.Errorf("rollup engine: %s bucket %s: %w", tier, bucket.Format(time.RFC3339), err)
		}
	}
	if err := e.progress.Complete(ctx, tier, end); err != nil {
		return result, fmt.Errorf("rollup engine: complete %s: %w", tier, err)
	}
	e.logger.Printf("event=rollup_run tier=%s from=%s to=%s buckets=%d recovered=%t",
		tier, start.Format(time.RFC3339), end.Format(time.RFC3339), result.Buckets, result.Recovered)
	return result, nil
}

func (e *Engine) fanOut(ctx context.Context, serials []string, fn func(ctx context.Context, serial string) (*rollup.Rollup, error)) (int, error) {
	var (
		mu      sync.Mutex
		written int
	)
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(e.parallelism)
	for _, serial := range serials {
		serial := serial
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}
			item, err := fn(groupCtx, serial)
			if err != nil {
				return fmt.Errorf("unit %s: %w", serial, err)
			}
			if item != nil {
				mu.Lock()
				written++
				mu.Unlock()
			}
			return nil
		})
	}
	err := group.Wait()
	return written, err
}

func (e *Engine) accumulateRaw(ctx context.Context, serial string, from, to time.Time) (*rollup.Accumulator, error) {
	acc := rollup.NewAccumulator()
	cursor := ""
	for {
		page, err := e.readings.Query(ctx, telemetry.ReadingQuery{
			UnitSerial: serial,
			From:       from,
			To:         to,
			Cursor:     cursor,
			Limit:      telemetry.MaxPageSize,
		})
		if err != nil {
			return nil, err
		}
		for _, reading := range page.Readings {
			acc.AddReading(reading)
		}
		if page.NextCursor == "" {
			return acc, nil
		}
		cursor = page.NextCursor
	}
}

func (e *Engine) write(ctx context.Context, serial string, tier rollup.Tier, start time.Time, acc *rollup.Accumulator, source string) (*rollup.Rollup, error) {
	if acc.Samples() == 0 {
		return nil, nil
	}
	item := rollup.Rollup{
		UnitSerial:  serial,
		Tier:        tier,
		BucketStart: start,
		Fields:      acc.Stats(),
		SampleCount: acc.Samples(),
		Source:      source,
		ComputedAt:  e.clock.Now().UTC(),
	}
	if err := e.rollups.Upsert(ctx, item); err != nil {
		metrics.IncRollupBucket(string(tier), metrics.ResultError)
		return nil, err
	}
	metrics.IncRollupBucket(string(tier), metrics.ResultSuccess)
	return &item, nil
}

func mergeSerials(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var out []string
	for _, list := range [][]string{a, b} {
		for _, serial := range list {
			if _, ok := seen[serial]; ok {
				continue
			}
			seen[serial] = struct{}{}
			out = append(out, serial)
		}
	}
	return out
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
