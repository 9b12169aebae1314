package migrations

// PartitionRetirements records raw partitions dropped by retention so a late
// reading cannot attach the month again.
var PartitionRetirements = &Migration{
	ID:   "005_partition_retirements",
	Name: "005_partition_retirements",
	UpSQL: `
	CREATE TABLE IF NOT EXISTS telemetry_partition_retirements (
		partition_name TEXT PRIMARY KEY,
		month_start TIMESTAMPTZ NOT NULL,
		retired_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	`,
	DownSQL: `
	DROP TABLE IF EXISTS telemetry_partition_retirements;
	`,
}
