package telemetry

import (
	"context"
	"fmt"
	"time"
)

// Partition is one monthly range partition of the raw store, covering [From, To).
type Partition struct {
	Name string    `json:"name"`
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// PartitionManager creates, lists and drops raw partitions.
type PartitionManager interface {
	EnsurePartition(ctx context.Context, month time.Time) error
	ListPartitions(ctx context.Context) ([]Partition, error)
	DropPartition(ctx context.Context, month time.Time) error
	// Covers reports whether every month overlapping [from, to) still has a partition.
	Covers(ctx context.Context, from, to time.Time) (bool, error)
}

// MonthStart truncates t to the first instant of its UTC month.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// PartitionFor returns the partition covering t for the given parent table.
func PartitionFor(parent string, t time.Time) Partition {
	from := MonthStart(t)
	return Partition{
		Name: PartitionName(parent, from),
		From: from,
		To:   from.AddDate(0, 1, 0),
	}
}

// PartitionName formats a partition table name such as telemetry_readings_y2026m03.
func PartitionName(parent string, month time.Time) string {
	month = MonthStart(month)
	return fmt.Sprintf("%s_y%04dm%02d", parent, month.Year(), int(month.Month()))
}

// ParsePartitionName reverses PartitionName.
func ParsePartitionName(parent, name string) (Partition, bool) {
	var year, month int
	if _, err := fmt.Sscanf(name, parent+"_y%04dm%02d", &year, &month); err != nil {
		return Partition{}, false
	}
	if month < 1 || month > 12 {
		return Partition{}, false
	}
	from := time.Date(year, time.Month(month), 1, 0, 0, 0, 0, time.UTC)
	if PartitionName(parent, from) != name {
		return Partition{}, false
	}
	return Partition{Name: name, From: from, To: from.AddDate(0, 1, 0)}, true
}

// MonthsBetween lists the month starts overlapping [from, to).
func MonthsBetween(from, to time.Time) []time.Time {
	if !to.After(from) {
		return nil
	}
	var months []time.Time
	last := to.Add(-time.Nanosecond)
	for month := MonthStart(from); !month.After(last); month = month.AddDate(0, 1, 0) {
		months = append(months, month)
	}
	return months
}
