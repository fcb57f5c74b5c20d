package db

import "fmt"

// Snapshot rows carry a JSON payload column rather than one column per
// field: the engine's structs evolve, and a payload that fails to decode is
// quarantined row-by-row at load instead of breaking the whole snapshot.
const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS account_state (
    id INTEGER PRIMARY KEY CHECK (id = 1),
    payload TEXT NOT NULL,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS queued_entries (
    id TEXT PRIMARY KEY,
    symbol TEXT NOT NULL,
    state TEXT NOT NULL,
    payload TEXT NOT NULL,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS positions (
    id TEXT PRIMARY KEY,
    symbol TEXT NOT NULL,
    payload TEXT NOT NULL,
    updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS closed_trades (
    id TEXT PRIMARY KEY,
    position_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    direction TEXT NOT NULL,
    entry_price REAL NOT NULL,
    exit_price REAL NOT NULL,
    original_size REAL NOT NULL,
    realized_pnl REAL NOT NULL,
    opened_at DATETIME NOT NULL,
    closed_at DATETIME NOT NULL,
    reason TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    ts DATETIME NOT NULL,
    symbol TEXT,
    transition TEXT NOT NULL,
    before TEXT,
    after TEXT,
    note TEXT
);

CREATE INDEX IF NOT EXISTS idx_entries_state ON queued_entries(state);
CREATE INDEX IF NOT EXISTS idx_trades_closed_at ON closed_trades(closed_at);
CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);
`

// ApplyMigrations bootstraps the schema; keep lightweight for fast startup.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
