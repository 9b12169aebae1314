package migrations

// RollupSchema creates the rollup buckets and the per-tier watermark table.
var RollupSchema = &Migration{
	ID:   "002_rollup_schema",
	Name: "002_rollup_schema",
	UpSQL: `
	CREATE TABLE IF NOT EXISTS telemetry_rollups (
		unit_serial TEXT NOT NULL,
		tier TEXT NOT NULL CHECK (tier IN ('HOUR', 'DAY')),
		time_key TEXT NOT NULL,
		bucket_start TIMESTAMPTZ NOT NULL,
		fields JSONB NOT NULL DEFAULT '{}'::jsonb,
		sample_count BIGINT NOT NULL DEFAULT 0,
		source TEXT NOT NULL,
		computed_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (unit_serial, tier, time_key)
	);
	CREATE INDEX IF NOT EXISTS idx_rollups_tier_start ON telemetry_rollups (tier, bucket_start);

	CREATE TABLE IF NOT EXISTS rollup_progress (
		tier TEXT PRIMARY KEY,
		watermark TIMESTAMPTZ NULL,
		in_flight_from TIMESTAMPTZ NULL,
		in_flight_to TIMESTAMPTZ NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	`,
	DownSQL: `
	DROP TABLE IF EXISTS rollup_progress;
	DROP TABLE IF EXISTS telemetry_rollups;
	`,
}
