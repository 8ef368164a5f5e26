// Package hits persists discovery hits and their fired rules.
package hits

import (
	"context"
	"database/sql"
	"fmt"

	"gapscan/internal/contracts"
	"gapscan/pkg/database"
)

// Repository persists discovery hits.
type Repository struct {
	db *database.DB
}

// NewRepository creates a hits repository.
func NewRepository(db *database.DB) *Repository {
	return &Repository{db: db}
}

// execer is the write surface shared by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// ClearDate removes a date's hits and, via the FK cascade, their rules.
// The persist stage runs this first so stale rows from a previous run never
// survive tighter gates.
func (r *Repository) ClearDate(ctx context.Context, date string) error {
	return clearDate(ctx, r.db.Conn(), date)
}

// Upsert inserts or merges a hit on (ticker, event_date) and returns its
// hit_id. The merge keeps the larger volume and fills still-missing fields
// without clobbering values an earlier pass already recorded.
func (r *Repository) Upsert(ctx context.Context, h contracts.DiscoveryHit) (int64, error) {
	return upsert(ctx, r.db.Conn(), h)
}

// InsertRule records one fired rule. A duplicate (hit_id, trigger_rule) is a
// constraint violation surfaced to the caller; the same rule firing twice in
// one run means the run itself is wrong.
func (r *Repository) InsertRule(ctx context.Context, hitID int64, triggerRule string, value float64) error {
	return insertRule(ctx, r.db.Conn(), hitID, triggerRule, value)
}

// Tx scopes one date's hit writes to a single stage transaction. Readers see
// either the previous run's rows or the new run's complete set, never a
// partial mix.
type Tx struct {
	tx *sql.Tx
}

// Begin opens a stage transaction for the persist stage.
func (r *Repository) Begin(ctx context.Context) (*Tx, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin hits tx: %w", err)
	}
	return &Tx{tx: tx}, nil
}

func (t *Tx) ClearDate(ctx context.Context, date string) error {
	return clearDate(ctx, t.tx, date)
}

func (t *Tx) Upsert(ctx context.Context, h contracts.DiscoveryHit) (int64, error) {
	return upsert(ctx, t.tx, h)
}

func (t *Tx) InsertRule(ctx context.Context, hitID int64, triggerRule string, value float64) error {
	return insertRule(ctx, t.tx, hitID, triggerRule, value)
}

func (t *Tx) Commit() error { return t.tx.Commit() }

// Rollback after a successful Commit is a no-op.
func (t *Tx) Rollback() error {
	err := t.tx.Rollback()
	if err == sql.ErrTxDone {
		return nil
	}
	return err
}

func clearDate(ctx context.Context, e execer, date string) error {
	_, err := e.ExecContext(ctx,
		`DELETE FROM discovery_hits WHERE event_date = ?`, date)
	if err != nil {
		return fmt.Errorf("clear hits for %s: %w", date, err)
	}
	return nil
}

func upsert(ctx context.Context, e execer, h contracts.DiscoveryHit) (int64, error) {
	row := e.QueryRowContext(ctx, `
		INSERT INTO discovery_hits
			(ticker, event_date, volume, intraday_push_pct, is_near_reverse_split,
			 rs_exec_date, rs_days_after, exchange, pm_high_source, pm_high_venue)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (ticker, event_date) DO UPDATE SET
			volume                = MAX(COALESCE(discovery_hits.volume, 0), COALESCE(excluded.volume, 0)),
			intraday_push_pct     = COALESCE(discovery_hits.intraday_push_pct, excluded.intraday_push_pct),
			is_near_reverse_split = MAX(discovery_hits.is_near_reverse_split, excluded.is_near_reverse_split),
			rs_exec_date          = COALESCE(discovery_hits.rs_exec_date, excluded.rs_exec_date),
			rs_days_after         = COALESCE(discovery_hits.rs_days_after, excluded.rs_days_after),
			exchange              = COALESCE(discovery_hits.exchange, excluded.exchange),
			pm_high_source        = COALESCE(discovery_hits.pm_high_source, excluded.pm_high_source),
			pm_high_venue         = COALESCE(discovery_hits.pm_high_venue, excluded.pm_high_venue)
		RETURNING hit_id`,
		h.Symbol, h.EventDate, h.Volume, h.IntradayPushPct, boolToInt(h.NearReverseSplit),
		h.SplitExecDate, h.DaysAfterSplit, nullIfEmpty(h.Exchange),
		nullIfEmpty(h.PMHighSource), nullIfEmpty(h.PMHighVenue))

	var hitID int64
	if err := row.Scan(&hitID); err != nil {
		return 0, fmt.Errorf("upsert hit %s/%s: %w", h.Symbol, h.EventDate, err)
	}
	return hitID, nil
}

func insertRule(ctx context.Context, e execer, hitID int64, triggerRule string, value float64) error {
	_, err := e.ExecContext(ctx, `
		INSERT INTO discovery_hit_rules (hit_id, trigger_rule, rule_value)
		VALUES (?, ?, ?)`, hitID, triggerRule, value)
	if err != nil {
		return fmt.Errorf("insert rule %s for hit %d: %w", triggerRule, hitID, err)
	}
	return nil
}

// InsertRulesIdempotent batch-inserts rules, ignoring rows that already
// exist. Used on reruns where the same rules legitimately fire again.
func (r *Repository) InsertRulesIdempotent(ctx context.Context, rules []contracts.HitRule) error {
	if len(rules) == 0 {
		return nil
	}
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO discovery_hit_rules (hit_id, trigger_rule, rule_value)
		VALUES (?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, rule := range rules {
		if _, err := stmt.ExecContext(ctx, rule.HitID, rule.TriggerRule, rule.RuleValue); err != nil {
			return fmt.Errorf("insert rule %s for hit %d: %w", rule.TriggerRule, rule.HitID, err)
		}
	}
	return tx.Commit()
}

// ForDate returns a date's hits sorted by ticker.
func (r *Repository) ForDate(ctx context.Context, date string) ([]contracts.DiscoveryHit, error) {
	rows, err := r.db.Conn().QueryContext(ctx, `
		SELECT hit_id, ticker, event_date, volume, intraday_push_pct,
		       is_near_reverse_split, rs_exec_date, rs_days_after,
		       exchange, pm_high_source, pm_high_venue
		FROM discovery_hits WHERE event_date = ? ORDER BY ticker`, date)
	if err != nil {
		return nil, fmt.Errorf("load hits for %s: %w", date, err)
	}
	defer rows.Close()

	var out []contracts.DiscoveryHit
	for rows.Next() {
		h, err := scanHit(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// RulesForHit returns the fired rules of one hit.
func (r *Repository) RulesForHit(ctx context.Context, hitID int64) ([]contracts.HitRule, error) {
	rows, err := r.db.Conn().QueryContext(ctx, `
		SELECT rule_id, hit_id, trigger_rule, COALESCE(rule_value, 0)
		FROM discovery_hit_rules WHERE hit_id = ? ORDER BY trigger_rule`, hitID)
	if err != nil {
		return nil, fmt.Errorf("load rules for hit %d: %w", hitID, err)
	}
	defer rows.Close()

	var out []contracts.HitRule
	for rows.Next() {
		var rule contracts.HitRule
		if err := rows.Scan(&rule.RuleID, &rule.HitID, &rule.TriggerRule, &rule.RuleValue); err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

// SymbolsWithRule returns the date's tickers that fired a given rule.
func (r *Repository) SymbolsWithRule(ctx context.Context, date, triggerRule string) ([]string, error) {
	rows, err := r.db.Conn().QueryContext(ctx, `
		SELECT h.ticker FROM discovery_hits h
		JOIN discovery_hit_rules r ON r.hit_id = h.hit_id
		WHERE h.event_date = ? AND r.trigger_rule = ?
		ORDER BY h.ticker`, date, triggerRule)
	if err != nil {
		return nil, fmt.Errorf("load %s symbols for %s: %w", triggerRule, date, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var ticker string
		if err := rows.Scan(&ticker); err != nil {
			return nil, err
		}
		out = append(out, ticker)
	}
	return out, rows.Err()
}

func scanHit(rows *sql.Rows) (contracts.DiscoveryHit, error) {
	var h contracts.DiscoveryHit
	var push sql.NullFloat64
	var nearRS int
	var execDate, exchange, pmSource, pmVenue sql.NullString
	var daysAfter sql.NullInt64

	err := rows.Scan(&h.HitID, &h.Symbol, &h.EventDate, &h.Volume, &push,
		&nearRS, &execDate, &daysAfter, &exchange, &pmSource, &pmVenue)
	if err != nil {
		return h, err
	}
	if push.Valid {
		h.IntradayPushPct = &push.Float64
	}
	h.NearReverseSplit = nearRS != 0
	if execDate.Valid {
		h.SplitExecDate = &execDate.String
	}
	if daysAfter.Valid {
		d := int(daysAfter.Int64)
		h.DaysAfterSplit = &d
	}
	h.Exchange = exchange.String
	h.PMHighSource = pmSource.String
	h.PMHighVenue = pmVenue.String
	return h, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
