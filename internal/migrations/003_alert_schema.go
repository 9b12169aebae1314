package migrations

// AlertSchema creates alert rules and alerts. The unique key on alerts is the
// dedup key of the alert engine.
var AlertSchema = &Migration{
	ID:   "003_alert_schema",
	Name: "003_alert_schema",
	UpSQL: `
	CREATE TABLE IF NOT EXISTS alert_rules (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		field TEXT NOT NULL,
		comparator TEXT NOT NULL,
		threshold DOUBLE PRECISION NOT NULL,
		severity TEXT NOT NULL,
		provider_id TEXT NULL,
		unit_serial TEXT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_alert_rules_active ON alert_rules (active, unit_serial, provider_id);

	CREATE TABLE IF NOT EXISTS alerts (
		id TEXT PRIMARY KEY,
		rule_id TEXT NOT NULL REFERENCES alert_rules (id),
		unit_serial TEXT NOT NULL,
		triggered_at TIMESTAMPTZ NOT NULL,
		field TEXT NOT NULL,
		value DOUBLE PRECISION NOT NULL,
		comparator TEXT NOT NULL,
		threshold DOUBLE PRECISION NOT NULL,
		severity TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		acknowledged BOOLEAN NOT NULL DEFAULT FALSE,
		acknowledged_at TIMESTAMPTZ NULL,
		acknowledged_by TEXT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (rule_id, unit_serial, triggered_at)
	);
	CREATE INDEX IF NOT EXISTS idx_alerts_unit_time ON alerts (unit_serial, triggered_at DESC);
	CREATE INDEX IF NOT EXISTS idx_alerts_open ON alerts (acknowledged, triggered_at DESC);
	`,
	DownSQL: `
	DROP TABLE IF EXISTS alerts;
	DROP TABLE IF EXISTS alert_rules;
	`,
}
