package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"hvac-telemetry/internal/analytics/domain/rollup"
)

type rollupKey struct {
	serial string
	tier   rollup.Tier
	start  time.Time
}

// RollupRepository is an in-memory rollup store for local runs and tests.
type RollupRepository struct {
	mu   sync.RWMutex
	data map[rollupKey]rollup.Rollup
}

// NewRollupRepository constructs a repository.
func NewRollupRepository() *RollupRepository {
	return &RollupRepository{data: make(map[rollupKey]rollup.Rollup)}
}

// Upsert replaces the bucket.
func (r *RollupRepository) Upsert(_ context.Context, item rollup.Rollup) error {
	if err := item.Validate(); err != nil {
		return err
	}
	item.BucketStart = item.BucketStart.UTC()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data[rollupKey{item.UnitSerial, item.Tier, item.BucketStart}] = copyRollup(item)
	return nil
}

// Get returns a bucket or nil.
func (r *RollupRepository) Get(_ context.Context, serial string, tier rollup.Tier, bucketStart time.Time) (*rollup.Rollup, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	item, ok := r.data[rollupKey{serial, tier, bucketStart.UTC()}]
	if !ok {
		return nil, nil
	}
	out := copyRollup(item)
	return &out, nil
}

// List returns buckets in [from, to) ordered by start.
func (r *RollupRepository) List(_ context.Context, serial string, tier rollup.Tier, from, to time.Time) ([]rollup.Rollup, error) {
	if !tier.IsValid() {
		return nil, rollup.ErrInvalidTier
	}
	r.mu.RLock()
	var result []rollup.Rollup
	for key, item := range r.data {
		if key.serial != serial || key.tier != tier {
			continue
		}
		if key.start.Before(from) || !key.start.Before(to) {
			continue
		}
		result = append(result, copyRollup(item))
	}
	r.mu.RUnlock()
	sort.Slice(result, func(i, j int) bool { return result[i].BucketStart.Before(result[j].BucketStart) })
	return result, nil
}

// ListUnits returns serials with buckets in [from, to).
func (r *RollupRepository) ListUnits(_ context.Context, tier rollup.Tier, from, to time.Time) ([]string, error) {
	r.mu.RLock()
	seen := make(map[string]struct{})
	for key := range r.data {
		if key.tier == tier && !key.start.Before(from) && key.start.Before(to) {
			seen[key.serial] = struct{}{}
		}
	}
	r.mu.RUnlock()
	result := make([]string, 0, len(seen))
	for serial := range seen {
		result = append(result, serial)
	}
	sort.Strings(result)
	return result, nil
}

// DeleteBefore removes buckets of tier starting before the cutoff.
func (r *RollupRepository) DeleteBefore(_ context.Context, tier rollup.Tier, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var deleted int64
	for key := range r.data {
		if key.tier == tier && key.start.Before(before) {
			delete(r.data, key)
			deleted++
		}
	}
	return deleted, nil
}

// Count returns the number of buckets of tier.
func (r *RollupRepository) Count(tier rollup.Tier) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for key := range r.data {
		if key.tier == tier {
			n++
		}
	}
	return n
}

func copyRollup(item rollup.Rollup) rollup.Rollup {
	fields := make(map[string]rollup.FieldStats, len(item.Fields))
	for k, v := range item.Fields {
		fields[k] = v
	}
	item.Fields = fields
	return item
}

// ProgressStore is an in-memory progress store.
type ProgressStore struct {
	mu   sync.Mutex
	data map[rollup.Tier]rollup.Progress
}

// NewProgressStore constructs a store.
func NewProgressStore() *ProgressStore {
	return &ProgressStore{data: make(map[rollup.Tier]rollup.Progress)}
}

// Get returns the tier progress; zero when never run.
func (s *ProgressStore) Get(_ context.Context, tier rollup.Tier) (rollup.Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	progress, ok := s.data[tier]
	if !ok {
		return rollup.Progress{Tier: tier}, nil
	}
	return progress, nil
}

// Begin records an in-flight window.
func (s *ProgressStore) Begin(_ context.Context, tier rollup.Tier, from, to time.Time) error {
	if !to.After(from) {
		return errors.New("memory progress store: empty window")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	progress := s.data[tier]
	progress.Tier = tier
	progress.InFlightFrom = from.UTC()
	progress.InFlightTo = to.UTC()
	progress.UpdatedAt = time.Now().UTC()
	s.data[tier] = progress
	return nil
}

// Complete clears the in-flight window and advances the watermark.
func (s *ProgressStore) Complete(_ context.Context, tier rollup.Tier, watermark time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	progress := s.data[tier]
	progress.Tier = tier
	if watermark.After(progress.Watermark) {
		progress.Watermark = watermark.UTC()
	}
	progress.InFlightFrom = time.Time{}
	progress.InFlightTo = time.Time{}
	progress.UpdatedAt = time.Now().UTC()
	s.data[tier] = progress
	return nil
}
