package observability

import "database/sql"

// Schema contains the DDL for the operations database. Call Init(db) to
// apply it. All statements are idempotent.
const Schema = `
-- Process heartbeats
CREATE TABLE IF NOT EXISTS worker_heartbeats (
    heartbeat_id TEXT PRIMARY KEY DEFAULT ('hb_' || hex(randomblob(16))),
    worker_name TEXT NOT NULL,
    hostname TEXT NOT NULL,
    worker_pid INTEGER NOT NULL,
    timestamp INTEGER NOT NULL,
    goroutines_count INTEGER,
    memory_alloc_mb REAL,
    memory_sys_mb REAL,
    gc_count INTEGER,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_heartbeats_worker_time
    ON worker_heartbeats(worker_name, timestamp DESC);

-- Sampled grid metrics
CREATE TABLE IF NOT EXISTS metrics_timeseries (
    metric_id TEXT PRIMARY KEY DEFAULT ('met_' || hex(randomblob(16))),
    metric_name TEXT NOT NULL,
    timestamp INTEGER NOT NULL,
    value REAL NOT NULL,
    labels TEXT,
    unit TEXT,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_metrics_name_time
    ON metrics_timeseries(metric_name, timestamp DESC);

-- Toggle audit trail
CREATE TABLE IF NOT EXISTS cell_events (
    event_id TEXT PRIMARY KEY,
    grid TEXT NOT NULL,
    cell INTEGER NOT NULL,
    value INTEGER NOT NULL,
    observer_id TEXT,
    transport TEXT,
    trace_id TEXT,
    notified INTEGER NOT NULL DEFAULT 0,
    error_message TEXT,
    timestamp INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cell_events_cell ON cell_events(grid, cell, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_cell_events_time ON cell_events(timestamp DESC);
`

// Init applies the observability schema to the given database.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}
