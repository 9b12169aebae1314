package units

import "errors"

var (
	// ErrUnknownUnit is returned when a unit is not registered or is inactive.
	ErrUnknownUnit = errors.New("unit: unknown unit")
	// ErrInvalidRefrigerant is returned for refrigerants outside the supported set.
	ErrInvalidRefrigerant = errors.New("unit: invalid refrigerant")
)
