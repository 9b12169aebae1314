package rollup

import (
	"fmt"
	"time"
)

// Tier is a rollup resolution.
type Tier string

const (
	TierHour Tier = "HOUR"
	TierDay  Tier = "DAY"
)

// ParseTier accepts "hour"/"day" in any case.
func ParseTier(value string) (Tier, error) {
	switch value {
	case "hour", "HOUR", "hourly":
		return TierHour, nil
	case "day", "DAY", "daily":
		return TierDay, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTier, value)
	}
}

// IsValid reports whether the tier is supported.
func (t Tier) IsValid() bool {
	return t == TierHour || t == TierDay
}

// Duration is the bucket width.
func (t Tier) Duration() time.Duration {
	if t == TierDay {
		return 24 * time.Hour
	}
	return time.Hour
}

// Truncate returns the UTC bucket start containing ts.
func (t Tier) Truncate(ts time.Time) time.Time {
	ts = ts.UTC()
	if t == TierDay {
		return time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC)
	}
	return ts.Truncate(time.Hour)
}

// TimeKey is the canonical bucket key within a tier.
type TimeKey string

// NewTimeKey builds the key for an aligned bucket start.
func NewTimeKey(tier Tier, bucketStart time.Time) (TimeKey, error) {
	if !tier.IsValid() {
		return "", ErrInvalidTier
	}
	if bucketStart.IsZero() || !tier.Truncate(bucketStart).Equal(bucketStart.UTC()) {
		return "", ErrInvalidBucket
	}
	layout := "20060102T15"
	if tier == TierDay {
		layout = "20060102"
	}
	return TimeKey(bucketStart.UTC().Format(layout)), nil
}

func (k TimeKey) String() string { return string(k) }
