package rollup

import (
	"context"
	"errors"
	"math"
	"sort"
	"time"

	telemetry "hvac-telemetry/internal/telemetry/domain"
)

// Rollup sources.
const (
	SourceRaw    = "raw"
	SourceHourly = "hourly"
)

// FieldStats summarizes one numeric field over a bucket.
type FieldStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	Count int64   `json:"count"`
}

// Rollup is the aggregate of one unit over one bucket.
type Rollup struct {
	UnitSerial  string                `json:"unit_serial"`
	Tier        Tier                  `json:"tier"`
	BucketStart time.Time             `json:"bucket_start"`
	Fields      map[string]FieldStats `json:"fields"`
	SampleCount int64                 `json:"sample_count"`
	Source      string                `json:"source"`
	ComputedAt  time.Time             `json:"computed_at"`
}

// Validate checks identity invariants.
func (r Rollup) Validate() error {
	if r.UnitSerial == "" {
		return errors.New("rollup: empty unit serial")
	}
	if _, err := NewTimeKey(r.Tier, r.BucketStart); err != nil {
		return err
	}
	if r.SampleCount < 0 {
		return errors.New("rollup: negative sample count")
	}
	return nil
}

// FieldNames returns the rolled-up field names in sorted order.
func (r Rollup) FieldNames() []string {
	names := make([]string, 0, len(r.Fields))
	for name := range r.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Repository persists rollups. Upsert replaces the bucket wholesale.
type Repository interface {
	Upsert(ctx context.Context, rollup Rollup) error
	Get(ctx context.Context, serial string, tier Tier, bucketStart time.Time) (*Rollup, error)
	List(ctx context.Context, serial string, tier Tier, from, to time.Time) ([]Rollup, error)
	ListUnits(ctx context.Context, tier Tier, from, to time.Time) ([]string, error)
	DeleteBefore(ctx context.Context, tier Tier, before time.Time) (int64, error)
}

type fieldAccumulator struct {
	min, max, sum float64
	count         int64
}

// Accumulator builds field statistics either from raw readings or by merging
// finer buckets. Averages merge weighted by count.
type Accumulator struct {
	fields  map[string]*fieldAccumulator
	samples int64
}

// NewAccumulator constructs an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{fields: make(map[string]*fieldAccumulator)}
}

// AddReading folds the numeric fields of one reading.
func (a *Accumulator) AddReading(reading telemetry.Reading) {
	a.samples++
	for name, value := range reading.Numeric {
		a.add(name, value, value, value, 1)
	}
}

// AddRollup folds a finer bucket into the accumulator.
func (a *Accumulator) AddRollup(r Rollup) {
	a.samples += r.SampleCount
	for name, stats := range r.Fields {
		if stats.Count <= 0 {
			continue
		}
		a.add(name, stats.Min, stats.Max, stats.Avg*float64(stats.Count), stats.Count)
	}
}

func (a *Accumulator) add(name string, min, max, sum float64, count int64) {
	acc, ok := a.fields[name]
	if !ok {
		a.fields[name] = &fieldAccumulator{min: min, max: max, sum: sum, count: count}
		return
	}
	acc.min = math.Min(acc.min, min)
	acc.max = math.Max(acc.max, max)
	acc.sum += sum
	acc.count += count
}

// Samples returns the number of readings folded so far.
func (a *Accumulator) Samples() int64 { return a.samples }

// Stats returns the per-field statistics.
func (a *Accumulator) Stats() map[string]FieldStats {
	out := make(map[string]FieldStats, len(a.fields))
	for name, acc := range a.fields {
		out[name] = FieldStats{
			Min:   acc.min,
			Max:   acc.max,
			Avg:   acc.sum / float64(acc.count),
			Count: acc.count,
		}
	}
	return out
}
