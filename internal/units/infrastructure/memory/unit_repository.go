package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	units "hvac-telemetry/internal/units/domain"
)

// UnitRepository is an in-memory repository for local runs and tests.
type UnitRepository struct {
	mu   sync.RWMutex
	data map[string]units.Unit
}

// NewUnitRepository constructs a repository.
func NewUnitRepository() *UnitRepository {
	return &UnitRepository{data: make(map[string]units.Unit)}
}

// Get loads a unit by serial.
func (r *UnitRepository) Get(_ context.Context, serial string) (*units.Unit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	unit, ok := r.data[serial]
	if !ok {
		return nil, nil
	}
	unit.CurrentState = copyState(unit.CurrentState)
	return &unit, nil
}

// Save upserts registration fields.
func (r *UnitRepository) Save(_ context.Context, unit *units.Unit) error {
	if unit == nil {
		return errors.New("memory unit repo: nil unit")
	}
	if err := unit.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.data[unit.Serial]
	if !ok {
		stored = units.Unit{Serial: unit.Serial, CreatedAt: now}
	}
	stored.LocationID = unit.LocationID
	stored.ProviderID = unit.ProviderID
	stored.AirHandlerID = unit.AirHandlerID
	stored.CompressorID = unit.CompressorID
	stored.Refrigerant = unit.Refrigerant
	stored.FastScanStart = unit.FastScanStart.UTC()
	stored.FastScanUntil = unit.FastScanUntil.UTC()
	stored.Active = unit.Active
	stored.UpdatedAt = now
	r.data[unit.Serial] = stored
	unit.CreatedAt = stored.CreatedAt
	unit.UpdatedAt = now
	return nil
}

// Deactivate marks a unit inactive.
func (r *UnitRepository) Deactivate(_ context.Context, serial string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	unit, ok := r.data[serial]
	if !ok {
		return units.ErrUnknownUnit
	}
	unit.Active = false
	unit.UpdatedAt = at.UTC()
	r.data[serial] = unit
	return nil
}

// List returns units ordered by serial.
func (r *UnitRepository) List(_ context.Context, providerID string) ([]units.Unit, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]units.Unit, 0, len(r.data))
	for _, unit := range r.data {
		if providerID != "" && unit.ProviderID != providerID {
			continue
		}
		unit.CurrentState = copyState(unit.CurrentState)
		result = append(result, unit)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Serial < result[j].Serial })
	return result, nil
}

// ApplySnapshot replaces the current state when the snapshot is newer.
func (r *UnitRepository) ApplySnapshot(_ context.Context, snapshot units.Snapshot) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	unit, ok := r.data[snapshot.Serial]
	if !ok {
		return false, nil
	}
	if !unit.LastTelemetryAt.IsZero() && !snapshot.At.After(unit.LastTelemetryAt) {
		return false, nil
	}
	unit.CurrentState = copyState(snapshot.State)
	unit.LastTelemetryAt = snapshot.At.UTC()
	if snapshot.HasUptime {
		unit.UptimeDays = snapshot.UptimeDays
	}
	unit.UpdatedAt = time.Now().UTC()
	r.data[snapshot.Serial] = unit
	return true, nil
}

func copyState(state map[string]any) map[string]any {
	if state == nil {
		return nil
	}
	out := make(map[string]any, len(state))
	for k, v := range state {
		out[k] = v
	}
	return out
}
