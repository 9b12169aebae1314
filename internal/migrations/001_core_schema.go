package migrations

// CoreSchema creates the unit registry and the month-partitioned raw
// telemetry table. Partitions themselves are created at runtime.
var CoreSchema = &Migration{
	ID:   "001_core_schema",
	Name: "001_core_schema",
	UpSQL: `
	CREATE TABLE IF NOT EXISTS units (
		serial TEXT PRIMARY KEY,
		location_id TEXT NOT NULL,
		provider_id TEXT NOT NULL,
		air_handler_id TEXT NOT NULL DEFAULT '',
		compressor_id TEXT NOT NULL DEFAULT '',
		refrigerant TEXT NOT NULL DEFAULT '',
		fast_scan_start TIMESTAMPTZ NULL,
		fast_scan_until TIMESTAMPTZ NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		uptime_days INTEGER NOT NULL DEFAULT 0,
		current_state JSONB NOT NULL DEFAULT '{}'::jsonb,
		last_telemetry_at TIMESTAMPTZ NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_units_provider ON units (provider_id);

	CREATE TABLE IF NOT EXISTS telemetry_readings (
		unit_serial TEXT NOT NULL,
		ts TIMESTAMPTZ NOT NULL,
		numeric JSONB NOT NULL DEFAULT '{}'::jsonb,
		flags JSONB NOT NULL DEFAULT '{}'::jsonb,
		received_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (unit_serial, ts)
	) PARTITION BY RANGE (ts);
	`,
	DownSQL: `
	DROP TABLE IF EXISTS telemetry_readings;
	DROP TABLE IF EXISTS units;
	`,
}
