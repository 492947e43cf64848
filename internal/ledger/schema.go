// Package ledger is the pipeline's run catalog: one row per day run with its
// state transitions, and the orphaned objects retention could not delete.
package ledger

// CreateRunsTableSQL creates the runs table. report holds a snappy-compressed
// JSON run report.
const CreateRunsTableSQL = `
CREATE TABLE IF NOT EXISTS runs (
    run_id TEXT PRIMARY KEY,
    day TEXT NOT NULL,
    state TEXT NOT NULL,
    partial INTEGER NOT NULL DEFAULT 0,
    error TEXT NOT NULL DEFAULT '',
    silver_fingerprint TEXT NOT NULL DEFAULT '',
    gold_fingerprint TEXT NOT NULL DEFAULT '',
    hour_success_ratio REAL NOT NULL DEFAULT 0,
    report BLOB,
    started_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
)`

// CreateTransitionsTableSQL records every state a run passes through.
const CreateTransitionsTableSQL = `
CREATE TABLE IF NOT EXISTS transitions (
    run_id TEXT NOT NULL,
    seq INTEGER NOT NULL,
    state TEXT NOT NULL,
    detail TEXT NOT NULL DEFAULT '',
    at INTEGER NOT NULL,
    PRIMARY KEY (run_id, seq),
    FOREIGN KEY (run_id) REFERENCES runs(run_id)
)`

// CreateOrphansTableSQL tracks objects whose deletion failed.
const CreateOrphansTableSQL = `
CREATE TABLE IF NOT EXISTS orphans (
    object_key TEXT PRIMARY KEY,
    layer TEXT NOT NULL,
    day TEXT NOT NULL,
    reason TEXT NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 1,
    first_seen INTEGER NOT NULL,
    last_attempt INTEGER NOT NULL
)`

// CreateIndexesSQL creates the lookup indexes.
var CreateIndexesSQL = []string{
	// Latest run per day
	`CREATE INDEX IF NOT EXISTS idx_runs_day ON runs(day, started_at)`,

	// Recent runs listing
	`CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at)`,

	`CREATE INDEX IF NOT EXISTS idx_orphans_day ON orphans(day)`,
}

// AllSchemaSQL returns every schema statement in execution order.
func AllSchemaSQL() []string {
	stmts := []string{
		CreateRunsTableSQL,
		CreateTransitionsTableSQL,
		CreateOrphansTableSQL,
	}
	return append(stmts, CreateIndexesSQL...)
}
