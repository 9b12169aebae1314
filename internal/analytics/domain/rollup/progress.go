package rollup

import (
	"context"
	"time"
)

// Progress is the persisted state of one tier. Watermark is the exclusive
// end of the last committed window. A non-zero in-flight window means a run
// started and never completed.
type Progress struct {
	Tier         Tier      `json:"tier"`
	Watermark    time.Time `json:"watermark"`
	InFlightFrom time.Time `json:"in_flight_from,omitempty"`
	InFlightTo   time.Time `json:"in_flight_to,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// InFlight reports whether a run left its window open.
func (p Progress) InFlight() bool {
	return !p.InFlightFrom.IsZero()
}

// ProgressStore persists per-tier progress.
type ProgressStore interface {
	Get(ctx context.Context, tier Tier) (Progress, error)
	Begin(ctx context.Context, tier Tier, from, to time.Time) error
	Complete(ctx context.Context, tier Tier, watermark time.Time) error
}
