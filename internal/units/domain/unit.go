package units

import (
	"context"
	"errors"
	"time"
)

// Unit is a field-deployed HVAC unit identified by its serial number.
// CurrentState, LastTelemetryAt and UptimeDays are owned by the materializer.
type Unit struct {
	Serial          string         `json:"serial"`
	LocationID      string         `json:"location_id"`
	ProviderID      string         `json:"provider_id"`
	AirHandlerID    string         `json:"air_handler_id,omitempty"`
	CompressorID    string         `json:"compressor_id,omitempty"`
	Refrigerant     Refrigerant    `json:"refrigerant"`
	FastScanStart   time.Time      `json:"fast_scan_start,omitempty"`
	FastScanUntil   time.Time      `json:"fast_scan_until,omitempty"`
	Active          bool           `json:"active"`
	UptimeDays      int            `json:"uptime_days"`
	CurrentState    map[string]any `json:"current_state,omitempty"`
	LastTelemetryAt time.Time      `json:"last_telemetry_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Snapshot is the state written by the materializer for one accepted reading.
type Snapshot struct {
	Serial     string
	State      map[string]any
	At         time.Time
	UptimeDays int
	HasUptime  bool
}

// Repository persists units.
type Repository interface {
	// Get returns nil, nil when the unit does not exist.
	Get(ctx context.Context, serial string) (*Unit, error)
	Save(ctx context.Context, unit *Unit) error
	Deactivate(ctx context.Context, serial string, at time.Time) error
	List(ctx context.Context, providerID string) ([]Unit, error)
	// ApplySnapshot replaces the current state only when snapshot.At is
	// later than the stored last telemetry timestamp.
	ApplySnapshot(ctx context.Context, snapshot Snapshot) (bool, error)
}

// Validate checks registration invariants.
func (u Unit) Validate() error {
	if u.Serial == "" {
		return errors.New("unit: empty serial")
	}
	if u.LocationID == "" {
		return errors.New("unit: empty location id")
	}
	if u.ProviderID == "" {
		return errors.New("unit: empty provider id")
	}
	if u.Refrigerant != "" && !u.Refrigerant.Valid() {
		return ErrInvalidRefrigerant
	}
	if !u.FastScanStart.IsZero() && !u.FastScanUntil.IsZero() && !u.FastScanUntil.After(u.FastScanStart) {
		return errors.New("unit: fast scan window must end after it starts")
	}
	return nil
}

// FastScanActive reports whether the unit is inside its fast-scan window.
func (u Unit) FastScanActive(now time.Time) bool {
	if u.FastScanUntil.IsZero() {
		return false
	}
	if !u.FastScanStart.IsZero() && now.Before(u.FastScanStart) {
		return false
	}
	return now.Before(u.FastScanUntil)
}
