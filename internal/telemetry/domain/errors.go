package telemetry

import (
	"errors"

	units "hvac-telemetry/internal/units/domain"
)

var (
	// ErrUnknownUnit is returned when the unit is not registered or inactive.
	ErrUnknownUnit = units.ErrUnknownUnit
	// ErrDuplicateReading is returned when (unit, timestamp) already exists.
	ErrDuplicateReading = errors.New("telemetry: duplicate reading")
	// ErrPartitionUnavailable is returned when no partition covers the timestamp
	// and one could not be created.
	ErrPartitionUnavailable = errors.New("telemetry: partition unavailable")
	// ErrPartitionRetired is returned for readings in a month whose partition
	// was dropped by retention. Its rollups are final.
	ErrPartitionRetired = errors.New("telemetry: partition retired")
	// ErrInvalidReading is returned when a reading fails boundary validation.
	ErrInvalidReading = errors.New("telemetry: invalid reading")
	// ErrInvalidCursor is returned for malformed query cursors.
	ErrInvalidCursor = errors.New("telemetry: invalid cursor")
)
