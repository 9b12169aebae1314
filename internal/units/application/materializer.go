package application

import (
	"context"
	"errors"
	"math"

	"hvac-telemetry/internal/observability/metrics"
	telemetry "hvac-telemetry/internal/telemetry/domain"
	units "hvac-telemetry/internal/units/domain"
)

// Materializer keeps each unit's current-state snapshot in line with its
// latest accepted reading.
type Materializer struct {
	repo units.Repository
}

// NewMaterializer constructs a materializer.
func NewMaterializer(repo units.Repository) (*Materializer, error) {
	if repo == nil {
		return nil, errors.New("materializer: nil repository")
	}
	return &Materializer{repo: repo}, nil
}

// Apply replaces the unit's snapshot with the reading's fields. It returns
// false without error when a later reading already owns the snapshot.
func (m *Materializer) Apply(ctx context.Context, reading telemetry.Reading) (bool, error) {
	if m == nil || m.repo == nil {
		return false, errors.New("materializer: nil repository")
	}
	snapshot := units.Snapshot{
		Serial: reading.UnitSerial,
		State:  reading.Fields(),
		At:     reading.TS.UTC(),
	}
	if uptime, ok := reading.Numeric[telemetry.FieldUptime]; ok && uptime >= 0 {
		snapshot.UptimeDays = int(math.Floor(uptime))
		snapshot.HasUptime = true
	}
	applied, err := m.repo.ApplySnapshot(ctx, snapshot)
	if err != nil {
		metrics.IncMaterializer(metrics.ResultError)
		return false, err
	}
	if applied {
		metrics.IncMaterializer("applied")
	} else {
		metrics.IncMaterializer("stale")
	}
	return applied, nil
}
