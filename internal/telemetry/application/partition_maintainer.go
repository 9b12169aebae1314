package application

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"hvac-telemetry/internal/observability/metrics"
	telemetry "hvac-telemetry/internal/telemetry/domain"
)

// DefaultRawRetention is how long raw partitions are kept.
const DefaultRawRetention = 30 * 24 * time.Hour

// RollupWatermarks reports how far each rollup tier has progressed. A
// watermark is the exclusive end of the last fully rolled-up bucket.
type RollupWatermarks interface {
	Watermarks(ctx context.Context) (hourly, daily time.Time, err error)
}

// RetentionResult lists the partitions dropped and kept by one pass.
type RetentionResult struct {
	Dropped []telemetry.Partition `json:"dropped"`
	// Held are partitions past retention that rollups have not yet covered.
	Held []telemetry.Partition `json:"held"`
}

// PartitionMaintainer keeps raw partitions ahead of ingestion and enforces
// raw retention behind the rollup watermarks.
type PartitionMaintainer struct {
	partitions telemetry.PartitionManager
	watermarks RollupWatermarks
	retention  time.Duration
	logger     *log.Logger
}

// MaintainerOption configures the maintainer.
type MaintainerOption func(*PartitionMaintainer)

// WithRawRetention overrides DefaultRawRetention.
func WithRawRetention(d time.Duration) MaintainerOption {
	return func(m *PartitionMaintainer) {
		if d > 0 {
			m.retention = d
		}
	}
}

// WithMaintainerLogger overrides the default logger.
func WithMaintainerLogger(logger *log.Logger) MaintainerOption {
	return func(m *PartitionMaintainer) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewPartitionMaintainer constructs a maintainer.
func NewPartitionMaintainer(partitions telemetry.PartitionManager, watermarks RollupWatermarks, opts ...MaintainerOption) (*PartitionMaintainer, error) {
	if partitions == nil {
		return nil, errors.New("partition maintainer: nil partition manager")
	}
	if watermarks == nil {
		return nil, errors.New("partition maintainer: nil watermarks")
	}
	m := &PartitionMaintainer{
		partitions: partitions,
		watermarks: watermarks,
		retention:  DefaultRawRetention,
		logger:     log.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// EnsureUpcoming creates the partitions for the current and next month.
func (m *PartitionMaintainer) EnsureUpcoming(ctx context.Context, now time.Time) error {
	current := telemetry.MonthStart(now)
	for _, month := range []time.Time{current, current.AddDate(0, 1, 0)} {
		if err := m.partitions.EnsurePartition(ctx, month); err != nil {
			return fmt.Errorf("ensure partition %s: %w", month.Format("2006-01"), err)
		}
		metrics.IncPartition("ensured")
	}
	return nil
}

// EnforceRetention drops raw partitions that are past retention and fully
// covered by both rollup tiers.
func (m *PartitionMaintainer) EnforceRetention(ctx context.Context, now time.Time) (RetentionResult, error) {
	var result RetentionResult
	hourly, daily, err := m.watermarks.Watermarks(ctx)
	if err != nil {
		return result, fmt.Errorf("partition retention: watermarks: %w", err)
	}
	cutoff := now.UTC().Add(-m.retention)
	partitions, err := m.partitions.ListPartitions(ctx)
	if err != nil {
		return result, fmt.Errorf("partition retention: list: %w", err)
	}
	for _, partition := range partitions {
		if partition.To.After(cutoff) {
			continue
		}
		if partition.To.After(hourly) || partition.To.After(daily) {
			result.Held = append(result.Held, partition)
			m.logger.Printf("event=partition_retention_held partition=%s hourly_watermark=%s daily_watermark=%s",
				partition.Name, formatWatermark(hourly), formatWatermark(daily))
			continue
		}
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if err := m.partitions.DropPartition(ctx, partition.From); err != nil {
			return result, fmt.Errorf("partition retention: drop %s: %w", partition.Name, err)
		}
		metrics.IncPartition("dropped")
		m.logger.Printf("event=partition_dropped partition=%s", partition.Name)
		result.Dropped = append(result.Dropped, partition)
	}
	return result, nil
}

func formatWatermark(t time.Time) string {
	if t.IsZero() {
		return "none"
	}
	return t.UTC().Format(time.RFC3339)
}
