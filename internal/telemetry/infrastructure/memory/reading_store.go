package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	telemetry "hvac-telemetry/internal/telemetry/domain"
)

const partitionParent = "telemetry_readings"

// ReadingStore is an in-memory raw store. It also acts as its own partition
// manager so that dropping a month removes its readings. A dropped month is
// retired and never attached again.
type ReadingStore struct {
	mu         sync.RWMutex
	readings   map[string]map[time.Time]telemetry.Reading
	partitions map[time.Time]struct{}
	retired    map[time.Time]struct{}
	ensureErr  error
}

// NewReadingStore constructs a store.
func NewReadingStore() *ReadingStore {
	return &ReadingStore{
		readings:   make(map[string]map[time.Time]telemetry.Reading),
		partitions: make(map[time.Time]struct{}),
		retired:    make(map[time.Time]struct{}),
	}
}

// FailPartitionCreation makes EnsurePartition fail with err until cleared with nil.
func (s *ReadingStore) FailPartitionCreation(err error) {
	s.mu.Lock()
	s.ensureErr = err
	s.mu.Unlock()
}

// Append inserts a reading, creating its month partition when missing.
func (s *ReadingStore) Append(ctx context.Context, reading telemetry.Reading) error {
	reading = reading.Normalize()
	if err := reading.Validate(); err != nil {
		return err
	}
	if err := s.EnsurePartition(ctx, reading.TS); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	byTS, ok := s.readings[reading.UnitSerial]
	if !ok {
		byTS = make(map[time.Time]telemetry.Reading)
		s.readings[reading.UnitSerial] = byTS
	}
	if _, exists := byTS[reading.TS]; exists {
		return telemetry.ErrDuplicateReading
	}
	byTS[reading.TS] = copyReading(reading)
	return nil
}

// Query returns one ascending page of readings for a unit.
func (s *ReadingStore) Query(_ context.Context, q telemetry.ReadingQuery) (telemetry.ReadingPage, error) {
	if q.UnitSerial == "" || q.From.IsZero() || q.To.IsZero() {
		return telemetry.ReadingPage{}, errors.New("memory reading store: invalid query")
	}
	after, err := telemetry.DecodeCursor(q.Cursor)
	if err != nil {
		return telemetry.ReadingPage{}, err
	}
	limit := telemetry.ClampLimit(q.Limit)
	from, to := q.From.UTC(), q.To.UTC()

	s.mu.RLock()
	var matched []telemetry.Reading
	for ts, reading := range s.readings[q.UnitSerial] {
		if ts.Before(from) || !ts.Before(to) {
			continue
		}
		if !after.IsZero() && !ts.After(after) {
			continue
		}
		matched = append(matched, copyReading(reading))
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].TS.Before(matched[j].TS) })
	page := telemetry.ReadingPage{Readings: matched}
	if len(matched) > limit {
		page.Readings = matched[:limit]
		page.NextCursor = telemetry.EncodeCursor(page.Readings[limit-1].TS)
	}
	if page.Readings == nil {
		page.Readings = []telemetry.Reading{}
	}
	return page, nil
}

// ListUnitsWithReadings returns serials with readings in [from, to).
func (s *ReadingStore) ListUnitsWithReadings(_ context.Context, from, to time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []string
	for serial, byTS := range s.readings {
		for ts := range byTS {
			if !ts.Before(from) && ts.Before(to) {
				result = append(result, serial)
				break
			}
		}
	}
	sort.Strings(result)
	return result, nil
}

// Count returns the number of stored readings.
func (s *ReadingStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for _, byTS := range s.readings {
		total += len(byTS)
	}
	return total
}

// EnsurePartition attaches the month partition covering month. Retired
// months yield ErrPartitionRetired.
func (s *ReadingStore) EnsurePartition(_ context.Context, month time.Time) error {
	start := telemetry.MonthStart(month)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.partitions[start]; ok {
		return nil
	}
	if _, ok := s.retired[start]; ok {
		return fmt.Errorf("%w: %s", telemetry.ErrPartitionRetired, telemetry.PartitionName(partitionParent, start))
	}
	if s.ensureErr != nil {
		return fmt.Errorf("%w: %v", telemetry.ErrPartitionUnavailable, s.ensureErr)
	}
	s.partitions[start] = struct{}{}
	return nil
}

// ListPartitions returns attached partitions ordered by month.
func (s *ReadingStore) ListPartitions(_ context.Context) ([]telemetry.Partition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]telemetry.Partition, 0, len(s.partitions))
	for month := range s.partitions {
		result = append(result, telemetry.PartitionFor(partitionParent, month))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].From.Before(result[j].From) })
	return result, nil
}

// DropPartition detaches a month, deletes its readings and retires it.
func (s *ReadingStore) DropPartition(_ context.Context, month time.Time) error {
	partition := telemetry.PartitionFor(partitionParent, month)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.partitions, partition.From)
	s.retired[partition.From] = struct{}{}
	for _, byTS := range s.readings {
		for ts := range byTS {
			if !ts.Before(partition.From) && ts.Before(partition.To) {
				delete(byTS, ts)
			}
		}
	}
	return nil
}

// Covers reports whether every month in [from, to) is attached and not retired.
func (s *ReadingStore) Covers(_ context.Context, from, to time.Time) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, month := range telemetry.MonthsBetween(from, to) {
		if _, gone := s.retired[month]; gone {
			return false, nil
		}
		if _, ok := s.partitions[month]; !ok {
			return false, nil
		}
	}
	return true, nil
}

func copyReading(reading telemetry.Reading) telemetry.Reading {
	out := telemetry.Reading{UnitSerial: reading.UnitSerial, TS: reading.TS}
	if reading.Numeric != nil {
		out.Numeric = make(map[string]float64, len(reading.Numeric))
		for k, v := range reading.Numeric {
			out.Numeric[k] = v
		}
	}
	if reading.Flags != nil {
		out.Flags = make(map[string]bool, len(reading.Flags))
		for k, v := range reading.Flags {
			out.Flags[k] = v
		}
	}
	return out
}
