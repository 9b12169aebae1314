package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Reading is one immutable telemetry sample keyed by (UnitSerial, TS).
type Reading struct {
	UnitSerial string             `json:"unit_serial"`
	TS         time.Time          `json:"ts"`
	Numeric    map[string]float64 `json:"numeric,omitempty"`
	Flags      map[string]bool    `json:"flags,omitempty"`
}

// ReadingQuery selects readings for one unit in [From, To).
type ReadingQuery struct {
	UnitSerial string
	From       time.Time
	To         time.Time
	Cursor     string
	Limit      int
}

// ReadingPage is one page of an ordered query.
type ReadingPage struct {
	Readings   []Reading `json:"readings"`
	NextCursor string    `json:"next_cursor,omitempty"`
}

// ReadingStore is the append-only raw telemetry store.
type ReadingStore interface {
	Append(ctx context.Context, reading Reading) error
	Query(ctx context.Context, query ReadingQuery) (ReadingPage, error)
	ListUnitsWithReadings(ctx context.Context, from, to time.Time) ([]string, error)
}

// DefaultPageSize bounds a query page when the caller passes no limit.
const DefaultPageSize = 500

// MaxPageSize caps the page size a caller may request.
const MaxPageSize = 5000

// NewReading builds a reading from an open field map, validating every field
// against the catalog.
func NewReading(serial string, ts time.Time, fields map[string]any) (Reading, error) {
	reading := Reading{UnitSerial: serial, TS: ts}
	for name, raw := range fields {
		kind, ok := LookupField(name)
		if !ok {
			return Reading{}, fmt.Errorf("%w: unknown field %q", ErrInvalidReading, name)
		}
		switch kind {
		case FieldNumeric:
			value, ok := toFloat(raw)
			if !ok {
				return Reading{}, fmt.Errorf("%w: field %q must be numeric", ErrInvalidReading, name)
			}
			if reading.Numeric == nil {
				reading.Numeric = make(map[string]float64)
			}
			reading.Numeric[name] = value
		case FieldBoolean:
			value, ok := raw.(bool)
			if !ok {
				return Reading{}, fmt.Errorf("%w: field %q must be boolean", ErrInvalidReading, name)
			}
			if reading.Flags == nil {
				reading.Flags = make(map[string]bool)
			}
			reading.Flags[name] = value
		}
	}
	reading = reading.Normalize()
	if err := reading.Validate(); err != nil {
		return Reading{}, err
	}
	return reading, nil
}

// Normalize converts the timestamp to UTC at storage precision.
func (r Reading) Normalize() Reading {
	r.TS = r.TS.UTC().Truncate(time.Microsecond)
	return r
}

// Validate checks identity and field invariants.
func (r Reading) Validate() error {
	if r.UnitSerial == "" {
		return fmt.Errorf("%w: empty unit serial", ErrInvalidReading)
	}
	if r.TS.IsZero() {
		return fmt.Errorf("%w: empty timestamp", ErrInvalidReading)
	}
	if len(r.Numeric) == 0 && len(r.Flags) == 0 {
		return fmt.Errorf("%w: no fields", ErrInvalidReading)
	}
	for name, value := range r.Numeric {
		if kind, ok := LookupField(name); !ok || kind != FieldNumeric {
			return fmt.Errorf("%w: unknown numeric field %q", ErrInvalidReading, name)
		}
		if math.IsNaN(value) || math.IsInf(value, 0) {
			return fmt.Errorf("%w: field %q is not finite", ErrInvalidReading, name)
		}
	}
	for name := range r.Flags {
		if kind, ok := LookupField(name); !ok || kind != FieldBoolean {
			return fmt.Errorf("%w: unknown boolean field %q", ErrInvalidReading, name)
		}
	}
	return nil
}

// Value returns a field as a float. Boolean fields evaluate as 0 or 1.
func (r Reading) Value(field string) (float64, bool) {
	if value, ok := r.Numeric[field]; ok {
		return value, true
	}
	if flag, ok := r.Flags[field]; ok {
		if flag {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// Fields returns every field value as an open map.
func (r Reading) Fields() map[string]any {
	out := make(map[string]any, len(r.Numeric)+len(r.Flags))
	for name, value := range r.Numeric {
		out[name] = value
	}
	for name, value := range r.Flags {
		out[name] = value
	}
	return out
}

func toFloat(raw any) (float64, bool) {
	switch v := raw.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
