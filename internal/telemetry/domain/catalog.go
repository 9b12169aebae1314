package telemetry

import "sort"

// FieldKind is the value type of a telemetry field.
type FieldKind string

const (
	FieldNumeric FieldKind = "numeric"
	FieldBoolean FieldKind = "boolean"
)

// FieldUptime carries the unit's uptime counter in days.
const FieldUptime = "uptime"

// Catalog is the fixed field set a reading may carry.
var Catalog = map[string]FieldKind{
	"suction_pressure":     FieldNumeric,
	"discharge_pressure":   FieldNumeric,
	"liquid_pressure":      FieldNumeric,
	"suction_temp":         FieldNumeric,
	"discharge_temp":       FieldNumeric,
	"liquid_line_temp":     FieldNumeric,
	"supply_air_temp":      FieldNumeric,
	"return_air_temp":      FieldNumeric,
	"ambient_temp":         FieldNumeric,
	"indoor_humidity":      FieldNumeric,
	"superheat":            FieldNumeric,
	"subcooling":           FieldNumeric,
	"compressor_amps":      FieldNumeric,
	"condenser_fan_amps":   FieldNumeric,
	"blower_amps":          FieldNumeric,
	"line_voltage":         FieldNumeric,
	"static_pressure":      FieldNumeric,
	"filter_pressure_drop": FieldNumeric,
	FieldUptime:            FieldNumeric,

	"compressor_on":    FieldBoolean,
	"condenser_fan_on": FieldBoolean,
	"blower_on":        FieldBoolean,
	"cooling_call":     FieldBoolean,
	"heating_call":     FieldBoolean,
	"defrost_active":   FieldBoolean,
	"fault_active":     FieldBoolean,
}

// LookupField returns the kind of a catalog field.
func LookupField(name string) (FieldKind, bool) {
	kind, ok := Catalog[name]
	return kind, ok
}

// NumericFields returns the numeric catalog fields in stable order.
func NumericFields() []string {
	fields := make([]string, 0, len(Catalog))
	for name, kind := range Catalog {
		if kind == FieldNumeric {
			fields = append(fields, name)
		}
	}
	sort.Strings(fields)
	return fields
}
