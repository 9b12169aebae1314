package rollup

import (
	"testing"
	"time"

	telemetry "hvac-telemetry/internal/telemetry/domain"
)

func TestTimeKey(t *testing.T) {
	hour := time.Date(2026, 3, 5, 7, 0, 0, 0, time.UTC)
	key, err := NewTimeKey(TierHour, hour)
	if err != nil || key.String() != "20260305T07" {
		t.Fatalf("unexpected hour key %q (%v)", key, err)
	}
	key, err = NewTimeKey(TierDay, TierDay.Truncate(hour))
	if err != nil || key.String() != "20260305" {
		t.Fatalf("unexpected day key %q (%v)", key, err)
	}
	if _, err := NewTimeKey(TierDay, hour); err != ErrInvalidBucket {
		t.Fatalf("expected unaligned bucket error, got %v", err)
	}
	if _, err := ParseTier("week"); err == nil {
		t.Fatalf("expected invalid tier")
	}
}

func TestAccumulatorMergesByCount(t *testing.T) {
	base := time.Date(2026, 3, 5, 7, 0, 0, 0, time.UTC)
	raw := NewAccumulator()
	first := NewAccumulator()
	second := NewAccumulator()
	values := []float64{10, 20, 30, 40, 50}
	for i, v := range values {
		reading := telemetry.Reading{UnitSerial: "HV-1", TS: base.Add(time.Duration(i) * time.Minute), Numeric: map[string]float64{"superheat": v}}
		raw.AddReading(reading)
		if i < 2 {
			first.AddReading(reading)
		} else {
			second.AddReading(reading)
		}
	}
	merged := NewAccumulator()
	merged.AddRollup(Rollup{SampleCount: first.Samples(), Fields: first.Stats()})
	merged.AddRollup(Rollup{SampleCount: second.Samples(), Fields: second.Stats()})

	want := raw.Stats()["superheat"]
	got := merged.Stats()["superheat"]
	if want.Min != 10 || want.Max != 50 || want.Avg != 30 || want.Count != 5 {
		t.Fatalf("unexpected raw stats: %+v", want)
	}
	if got.Min != want.Min || got.Max != want.Max || got.Count != want.Count || got.Avg != want.Avg {
		t.Fatalf("merged stats %+v differ from raw %+v", got, want)
	}
	if merged.Samples() != 5 {
		t.Fatalf("expected 5 samples, got %d", merged.Samples())
	}
}
