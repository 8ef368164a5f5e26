package database

import "context"

// Schema for the discovery store. Keys mirror the uniqueness contracts the
// pipeline depends on: one universe row per (date, symbol), one bar per
// (provider, date, symbol), one hit per (ticker, event_date), one rule row
// per (hit_id, trigger_rule), one completeness row per date.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS universe_day (
		date             TEXT NOT NULL,
		symbol           TEXT NOT NULL,
		active           INTEGER NOT NULL DEFAULT 1,
		delisted_utc     TEXT,
		primary_exchange TEXT,
		last_updated     TEXT DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (date, symbol)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_universe_day_date ON universe_day(date)`,

	`CREATE TABLE IF NOT EXISTS daily_raw (
		provider TEXT NOT NULL,
		date     TEXT NOT NULL,
		symbol   TEXT NOT NULL,
		open     REAL,
		high     REAL,
		low      REAL,
		close    REAL,
		volume   INTEGER,
		vwap     REAL,
		PRIMARY KEY (provider, date, symbol)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_daily_raw_symbol_date ON daily_raw(symbol, date)`,

	`CREATE TABLE IF NOT EXISTS discovery_hits (
		hit_id                INTEGER PRIMARY KEY AUTOINCREMENT,
		ticker                TEXT NOT NULL,
		event_date            TEXT NOT NULL,
		volume                INTEGER,
		intraday_push_pct     REAL,
		is_near_reverse_split INTEGER NOT NULL DEFAULT 0,
		rs_exec_date          TEXT,
		rs_days_after         INTEGER,
		exchange              TEXT,
		pm_high_source        TEXT,
		pm_high_venue         TEXT,
		UNIQUE (ticker, event_date)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_disc_hits_date ON discovery_hits(event_date)`,

	`CREATE TABLE IF NOT EXISTS discovery_hit_rules (
		rule_id      INTEGER PRIMARY KEY AUTOINCREMENT,
		hit_id       INTEGER NOT NULL REFERENCES discovery_hits(hit_id) ON DELETE CASCADE,
		trigger_rule TEXT NOT NULL,
		rule_value   REAL,
		UNIQUE (hit_id, trigger_rule)
	)`,

	`CREATE TABLE IF NOT EXISTS completeness_log (
		date               TEXT PRIMARY KEY,
		total_universe     INTEGER NOT NULL,
		bulk_count         INTEGER NOT NULL,
		pass1_candidates   INTEGER NOT NULL,
		premarket_checked  INTEGER NOT NULL,
		premarket_hits     INTEGER NOT NULL,
		audit_sample       INTEGER NOT NULL,
		audit_misses       INTEGER NOT NULL,
		audit_passed       INTEGER NOT NULL,
		accepted           INTEGER NOT NULL DEFAULT 0,
		miss_rate_bound    REAL
	)`,

	`CREATE TABLE IF NOT EXISTS baseline_hits (
		date         TEXT NOT NULL,
		symbol       TEXT NOT NULL,
		trigger_rule TEXT NOT NULL,
		rule_value   REAL,
		source       TEXT NOT NULL,
		PRIMARY KEY (date, symbol, trigger_rule)
	)`,

	`CREATE TABLE IF NOT EXISTS scan_failures (
		date       TEXT NOT NULL,
		stage      TEXT NOT NULL,
		reason     TEXT NOT NULL,
		created_at TEXT DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (date, stage)
	)`,
}

// migrate creates all tables and indexes. Idempotent.
func (db *DB) migrate(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
