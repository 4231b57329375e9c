package shield

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hazyhaar/cellgrid/dbopen"
)

// Schema defines the SQLite tables read by shield middlewares:
//   - rate_limits: per-endpoint rules (RateLimiter)
//   - maintenance: global read-only flag (MaintenanceMode)
//
// All statements are idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS rate_limits (
    endpoint       TEXT PRIMARY KEY,
    max_requests   INTEGER NOT NULL DEFAULT 60,
    window_seconds INTEGER NOT NULL DEFAULT 60,
    enabled        INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS maintenance (
    id      INTEGER PRIMARY KEY CHECK (id = 1),
    active  INTEGER NOT NULL DEFAULT 0,
    message TEXT NOT NULL DEFAULT 'grid is read-only for maintenance'
);

INSERT OR IGNORE INTO maintenance (id, active, message)
VALUES (1, 0, 'grid is read-only for maintenance');
`

// Init creates the shield tables if they don't exist.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}

// Rule is a rate limit rule keyed by "METHOD /path" (chi route pattern).
type Rule struct {
	Endpoint      string `yaml:"endpoint"`
	MaxRequests   int    `yaml:"max_requests"`
	WindowSeconds int    `yaml:"window_seconds"`
}

// SeedRules inserts rules that are not in the table yet. Rows an operator
// has already edited are left alone.
func SeedRules(ctx context.Context, db *sql.DB, rules []Rule) error {
	for _, r := range rules {
		if _, err := dbopen.Exec(ctx, db, `
			INSERT OR IGNORE INTO rate_limits (endpoint, max_requests, window_seconds, enabled)
			VALUES (?, ?, ?, 1)`, r.Endpoint, r.MaxRequests, r.WindowSeconds); err != nil {
			return fmt.Errorf("shield: seed rule %q: %w", r.Endpoint, err)
		}
	}
	return nil
}

// SetMaintenance switches the maintenance flag. An empty message keeps the
// current one.
func SetMaintenance(ctx context.Context, db *sql.DB, active bool, message string) error {
	v := 0
	if active {
		v = 1
	}
	_, err := dbopen.Exec(ctx, db, `
		UPDATE maintenance SET active = ?, message = COALESCE(NULLIF(?, ''), message) WHERE id = 1`, v, message)
	if err != nil {
		return fmt.Errorf("shield: set maintenance: %w", err)
	}
	return nil
}
