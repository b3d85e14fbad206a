package sqlite

const schemaSQL = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS jobs (
	job_id TEXT PRIMARY KEY,
	org_id TEXT NOT NULL,
	state TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	expires_at TEXT NOT NULL,
	status_updated_at TEXT,
	started_at TEXT,
	terminal_at TEXT,
	final_evaluation_ref TEXT,
	failure_mode TEXT,
	expiry_reason TEXT,
	document TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_org_state ON jobs(org_id, state);

CREATE TABLE IF NOT EXISTS artifacts (
	artifact_id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL,
	org_id TEXT NOT NULL,
	artifact_type TEXT NOT NULL,
	produced_by_agent_id TEXT,
	created_at INTEGER NOT NULL,
	document TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_artifacts_job ON artifacts(job_id);

CREATE TABLE IF NOT EXISTS evaluations (
	evaluation_id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL,
	org_id TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	outcome_status TEXT,
	next_job_state TEXT,
	evaluator_actor_type TEXT,
	evaluator_actor_id TEXT,
	document TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_evaluations_job ON evaluations(job_id);

CREATE TABLE IF NOT EXISTS job_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	org_id TEXT NOT NULL,
	job_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	details TEXT,
	created_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_job_events_org_type_time ON job_events(org_id, event_type, created_at);
`

func (d *DB) initSchema() error {
	if _, err := d.conn.Exec(schemaSQL); err != nil {
		return err
	}

	var count int
	if err := d.conn.QueryRow(`SELECT COUNT(*) FROM schema_version`).Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		if _, err := d.conn.Exec(`INSERT INTO schema_version (version) VALUES (?)`, schemaVersion); err != nil {
			return err
		}
		d.logger.Info().Int("version", schemaVersion).Msg("initialized schema_version")
	}
	return nil
}
