package application

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hvac-telemetry/internal/analytics/domain/rollup"
	analyticsmemory "hvac-telemetry/internal/analytics/infrastructure/memory"
	telemetry "hvac-telemetry/internal/telemetry/domain"
	telemetrymemory "hvac-telemetry/internal/telemetry/infrastructure/memory"
)

type engineEnv struct {
	engine   *Engine
	store    *telemetrymemory.ReadingStore
	rollups  *analyticsmemory.RollupRepository
	progress *analyticsmemory.ProgressStore
}

func newEngineEnv(t *testing.T, opts ...EngineOption) *engineEnv {
	t.Helper()
	env := &engineEnv{
		store:    telemetrymemory.NewReadingStore(),
		rollups:  analyticsmemory.NewRollupRepository(),
		progress: analyticsmemory.NewProgressStore(),
	}
	engine, err := NewEngine(env.store, env.store, env.rollups, env.progress, opts...)
	require.NoError(t, err)
	env.engine = engine
	return env
}

func (e *engineEnv) seed(t *testing.T, serial string, from time.Time, n int, step time.Duration) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, e.store.Append(context.Background(), telemetry.Reading{
			UnitSerial: serial,
			TS:         from.Add(time.Duration(i) * step),
			Numeric: map[string]float64{
				"suction_pressure": 100 + float64(i%17)*0.37,
				"ambient_temp":     60 + float64(i%29)*1.13,
			},
			Flags: map[string]bool{"compressor_on": i%2 == 0},
		}))
	}
}

func TestRollupHourIsIdempotent(t *testing.T) {
	env := newEngineEnv(t)
	ctx := context.Background()
	hour := time.Date(2026, 7, 14, 15, 0, 0, 0, time.UTC)
	env.seed(t, "HV-1", hour, 60, time.Minute)

	first, err := env.engine.RollupHour(ctx, "HV-1", hour)
	require.NoError(t, err)
	require.NotNil(t, first)
	second, err := env.engine.RollupHour(ctx, "HV-1", hour)
	require.NoError(t, err)
	require.NotNil(t, second)

	assert.Equal(t, first.Fields, second.Fields)
	assert.Equal(t, int64(60), second.SampleCount)
	assert.Equal(t, rollup.SourceRaw, second.Source)
	assert.NotContains(t, second.Fields, "compressor_on")
	assert.Equal(t, 1, env.rollups.Count(rollup.TierHour))

	stored, err := env.rollups.Get(ctx, "HV-1", rollup.TierHour, hour)
	require.NoError(t, err)
	assert.Equal(t, first.Fields, stored.Fields)
}

func TestRollupHourWithoutReadingsWritesNothing(t *testing.T) {
	env := newEngineEnv(t)
	hour := time.Date(2026, 7, 14, 15, 0, 0, 0, time.UTC)
	require.NoError(t, env.store.EnsurePartition(context.Background(), hour))
	item, err := env.engine.RollupHour(context.Background(), "HV-1", hour)
	require.NoError(t, err)
	assert.Nil(t, item)
	_, err = env.engine.RollupHour(context.Background(), "HV-1", hour.Add(time.Minute))
	assert.ErrorIs(t, err, rollup.ErrInvalidBucket)
}

func TestDailyFiguresSurvivePartitionDrop(t *testing.T) {
	env := newEngineEnv(t, WithBackfill(48*time.Hour))
	ctx := context.Background()
	day := time.Date(2026, 5, 31, 0, 0, 0, 0, time.UTC)
	env.seed(t, "HV-1", day, 24*12, 5*time.Minute)
	env.seed(t, "HV-2", day.Add(3*time.Hour), 50, 7*time.Minute)
	now := day.Add(26 * time.Hour)

	hourly, err := env.engine.RunHourly(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 24+6, hourly.Buckets)
	daily, err := env.engine.RunDaily(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 2, daily.Buckets)

	before, err := env.rollups.Get(ctx, "HV-1", rollup.TierDay, day)
	require.NoError(t, err)
	require.NotNil(t, before)
	assert.Equal(t, rollup.SourceRaw, before.Source)

	require.NoError(t, env.store.DropPartition(ctx, day))

	after, err := env.engine.RollupDay(ctx, "HV-1", day)
	require.NoError(t, err)
	require.NotNil(t, after)
	assert.Equal(t, rollup.SourceHourly, after.Source)
	assert.Equal(t, before.SampleCount, after.SampleCount)
	require.Equal(t, before.FieldNames(), after.FieldNames())
	for _, name := range before.FieldNames() {
		want, got := before.Fields[name], after.Fields[name]
		assert.Equal(t, want.Min, got.Min, name)
		assert.Equal(t, want.Max, got.Max, name)
		assert.Equal(t, want.Count, got.Count, name)
		assert.InDelta(t, want.Avg, got.Avg, 1e-9, name)
	}

	_, err = env.engine.RunDaily(ctx, now.Add(24*time.Hour))
	require.NoError(t, err)
	rerun, err := env.rollups.Get(ctx, "HV-1", rollup.TierDay, day)
	require.NoError(t, err)
	assert.Equal(t, before.SampleCount, rerun.SampleCount)
	assert.InDelta(t, before.Fields["ambient_temp"].Avg, rerun.Fields["ambient_temp"].Avg, 1e-9)
}

func TestLateReadingCannotReviveDroppedMonth(t *testing.T) {
	env := newEngineEnv(t, WithBackfill(48*time.Hour))
	ctx := context.Background()
	day := time.Date(2026, 5, 31, 0, 0, 0, 0, time.UTC)
	env.seed(t, "HV-1", day, 24*12, 5*time.Minute)
	now := day.Add(26 * time.Hour)
	_, err := env.engine.RunHourly(ctx, now)
	require.NoError(t, err)
	_, err = env.engine.RunDaily(ctx, now)
	require.NoError(t, err)
	beforeDay, err := env.rollups.Get(ctx, "HV-1", rollup.TierDay, day)
	require.NoError(t, err)
	beforeHour, err := env.rollups.Get(ctx, "HV-1", rollup.TierHour, day)
	require.NoError(t, err)

	require.NoError(t, env.store.DropPartition(ctx, day))

	err = env.store.Append(ctx, telemetry.Reading{
		UnitSerial: "HV-1",
		TS:         day.Add(90 * time.Second),
		Numeric:    map[string]float64{"ambient_temp": 500},
	})
	require.ErrorIs(t, err, telemetry.ErrPartitionRetired)
	covered, err := env.store.Covers(ctx, day, day.Add(24*time.Hour))
	require.NoError(t, err)
	assert.False(t, covered)

	hour, err := env.engine.RollupHour(ctx, "HV-1", day)
	require.NoError(t, err)
	assert.Nil(t, hour)
	storedHour, err := env.rollups.Get(ctx, "HV-1", rollup.TierHour, day)
	require.NoError(t, err)
	assert.Equal(t, beforeHour.SampleCount, storedHour.SampleCount)
	assert.Equal(t, beforeHour.Fields["ambient_temp"].Max, storedHour.Fields["ambient_temp"].Max)

	after, err := env.engine.RollupDay(ctx, "HV-1", day)
	require.NoError(t, err)
	require.NotNil(t, after)
	assert.Equal(t, rollup.SourceHourly, after.Source)
	assert.Equal(t, beforeDay.SampleCount, after.SampleCount)
	assert.Equal(t, beforeDay.Fields["ambient_temp"].Max, after.Fields["ambient_temp"].Max)
}

func TestRunHourlyAdvancesWatermark(t *testing.T) {
	env := newEngineEnv(t, WithBackfill(6*time.Hour), WithLookback(time.Hour))
	ctx := context.Background()
	now := time.Date(2026, 7, 14, 15, 20, 0, 0, time.UTC)
	env.seed(t, "HV-1", now.Add(-3*time.Hour), 30, 5*time.Minute)

	result, err := env.engine.RunHourly(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 7, 14, 9, 0, 0, 0, time.UTC), result.From)
	assert.Equal(t, time.Date(2026, 7, 14, 15, 0, 0, 0, time.UTC), result.To)

	hourly, daily, err := env.engine.Watermarks(ctx)
	require.NoError(t, err)
	assert.Equal(t, result.To, hourly)
	assert.True(t, daily.IsZero())

	result, err = env.engine.RunHourly(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 7, 14, 14, 0, 0, 0, time.UTC), result.From)
	assert.Equal(t, time.Date(2026, 7, 14, 16, 0, 0, 0, time.UTC), result.To)
}

func TestRunRecoversInFlightWindow(t *testing.T) {
	env := newEngineEnv(t, WithBackfill(time.Hour), WithLookback(0))
	ctx := context.Background()
	now := time.Date(2026, 7, 14, 15, 20, 0, 0, time.UTC)
	stale := time.Date(2026, 7, 14, 10, 0, 0, 0, time.UTC)
	env.seed(t, "HV-1", stale, 12, 5*time.Minute)

	require.NoError(t, env.progress.Complete(ctx, rollup.TierHour, time.Date(2026, 7, 14, 14, 0, 0, 0, time.UTC)))
	require.NoError(t, env.progress.Begin(ctx, rollup.TierHour, stale, stale.Add(2*time.Hour)))

	result, err := env.engine.RunHourly(ctx, now)
	require.NoError(t, err)
	assert.True(t, result.Recovered)
	assert.Equal(t, stale, result.From)

	item, err := env.rollups.Get(ctx, "HV-1", rollup.TierHour, stale)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, int64(12), item.SampleCount)

	progress, err := env.engine.Progress(ctx, rollup.TierHour)
	require.NoError(t, err)
	assert.False(t, progress.InFlight())
}

type failingSource struct {
	ReadingSource
	err error
}

func (f failingSource) Query(context.Context, telemetry.ReadingQuery) (telemetry.ReadingPage, error) {
	return telemetry.ReadingPage{}, f.err
}

func TestFailedRunKeepsWatermark(t *testing.T) {
	store := telemetrymemory.NewReadingStore()
	progress := analyticsmemory.NewProgressStore()
	engine, err := NewEngine(failingSource{ReadingSource: store, err: errors.New("db down")}, store, analyticsmemory.NewRollupRepository(), progress, WithBackfill(2*time.Hour))
	require.NoError(t, err)
	ctx := context.Background()
	now := time.Date(2026, 7, 14, 15, 20, 0, 0, time.UTC)
	require.NoError(t, store.Append(ctx, telemetry.Reading{UnitSerial: "HV-1", TS: now.Add(-90 * time.Minute), Numeric: map[string]float64{"superheat": 9}}))

	_, err = engine.RunHourly(ctx, now)
	require.Error(t, err)

	state, err := progress.Get(ctx, rollup.TierHour)
	require.NoError(t, err)
	assert.True(t, state.Watermark.IsZero())
	assert.True(t, state.InFlight())
}

func TestEnforceRetentionStopsAtDailyWatermark(t *testing.T) {
	env := newEngineEnv(t)
	ctx := context.Background()
	now := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	old := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	for _, start := range []time.Time{old, old.Add(24 * time.Hour), old.Add(48 * time.Hour)} {
		require.NoError(t, env.rollups.Upsert(ctx, rollup.Rollup{
			UnitSerial: "HV-1", Tier: rollup.TierHour, BucketStart: start, SampleCount: 1,
			Fields: map[string]rollup.FieldStats{"superheat": {Min: 1, Max: 1, Avg: 1, Count: 1}},
		}))
	}

	deleted, err := env.engine.EnforceRetention(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, deleted)

	require.NoError(t, env.progress.Complete(ctx, rollup.TierDay, old.Add(24*time.Hour)))
	deleted, err = env.engine.EnforceRetention(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)
	assert.Equal(t, 2, env.rollups.Count(rollup.TierHour))
}

func TestConcurrentRunIsRejected(t *testing.T) {
	env := newEngineEnv(t)
	env.engine.hourMu.Lock()
	defer env.engine.hourMu.Unlock()
	_, err := env.engine.RunHourly(context.Background(), time.Now())
	assert.ErrorIs(t, err, rollup.ErrRunInProgress)
}
