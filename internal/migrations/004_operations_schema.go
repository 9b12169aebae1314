package migrations

// OperationsSchema creates the repair queue and the audit log.
var OperationsSchema = &Migration{
	ID:   "004_operations_schema",
	Name: "004_operations_schema",
	UpSQL: `
	CREATE TABLE IF NOT EXISTS repair_tasks (
		id TEXT PRIMARY KEY,
		unit_serial TEXT NOT NULL,
		reading_ts TIMESTAMPTZ NOT NULL,
		payload JSONB NOT NULL,
		steps JSONB NOT NULL DEFAULT '[]'::jsonb,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_repair_tasks_pending ON repair_tasks (status, created_at);

	CREATE TABLE IF NOT EXISTS audit_logs (
		id TEXT PRIMARY KEY,
		provider_id TEXT NOT NULL DEFAULT '',
		actor TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL DEFAULT '',
		action TEXT NOT NULL,
		resource_type TEXT NOT NULL,
		resource_id TEXT NOT NULL,
		unit_serial TEXT NOT NULL DEFAULT '',
		metadata JSONB NULL,
		payload_digest TEXT NOT NULL DEFAULT '',
		ip TEXT NOT NULL DEFAULT '',
		user_agent TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_audit_logs_unit ON audit_logs (unit_serial, created_at DESC);
	`,
	DownSQL: `
	DROP TABLE IF EXISTS audit_logs;
	DROP TABLE IF EXISTS repair_tasks;
	`,
}
