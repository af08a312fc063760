package sqlite

// schema is applied unconditionally on every open; every statement is
// idempotent (CREATE ... IF NOT EXISTS) so it is safe to run against an
// already-initialized database. Column-level changes after the first
// release belong in migrations/, not here.
const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id               TEXT PRIMARY KEY,
	type             TEXT NOT NULL,
	duration_ms      INTEGER NOT NULL,
	status           TEXT NOT NULL,
	remaining_deps   INTEGER NOT NULL DEFAULT 0,
	attempts         INTEGER NOT NULL DEFAULT 0,
	max_attempts     INTEGER NOT NULL,
	created_at       INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL,
	started_at       INTEGER,
	finished_at      INTEGER,
	lease_expires_at INTEGER,
	last_error       TEXT
);

CREATE TABLE IF NOT EXISTS deps (
	task_id       TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
	depends_on_id TEXT NOT NULL REFERENCES tasks(id),
	PRIMARY KEY (task_id, depends_on_id)
);

CREATE TABLE IF NOT EXISTS schema_migrations (
	version    INTEGER PRIMARY KEY,
	filename   TEXT NOT NULL,
	applied_at INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks(status, remaining_deps, created_at);
CREATE INDEX IF NOT EXISTS idx_tasks_lease ON tasks(status, lease_expires_at);
CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at);
CREATE INDEX IF NOT EXISTS idx_deps_depends_on ON deps(depends_on_id);
CREATE INDEX IF NOT EXISTS idx_deps_task ON deps(task_id);
`
