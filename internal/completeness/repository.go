package completeness

import (
	"context"
	"database/sql"
	"fmt"

	"gapscan/internal/contracts"
	"gapscan/pkg/database"
)

// Repository persists the per-date completeness record, the terminal row of
// a day's run. Downstream export and the read-only API serve accepted dates
// only.
type Repository struct {
	db *database.DB
}

// NewRepository creates a completeness repository.
func NewRepository(db *database.DB) *Repository {
	return &Repository{db: db}
}

// Write upserts the date's completeness row. One row per date; a rerun
// overwrites.
func (r *Repository) Write(ctx context.Context, log contracts.CompletenessLog) error {
	_, err := r.db.Conn().ExecContext(ctx, `
		INSERT INTO completeness_log
			(date, total_universe, bulk_count, pass1_candidates, premarket_checked,
			 premarket_hits, audit_sample, audit_misses, audit_passed, accepted, miss_rate_bound)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (date) DO UPDATE SET
			total_universe    = excluded.total_universe,
			bulk_count        = excluded.bulk_count,
			pass1_candidates  = excluded.pass1_candidates,
			premarket_checked = excluded.premarket_checked,
			premarket_hits    = excluded.premarket_hits,
			audit_sample      = excluded.audit_sample,
			audit_misses      = excluded.audit_misses,
			audit_passed      = excluded.audit_passed,
			accepted          = excluded.accepted,
			miss_rate_bound   = excluded.miss_rate_bound`,
		log.Date, log.TotalUniverse, log.BulkCount, log.Pass1Candidates,
		log.PremarketChecked, log.PremarketHits, log.AuditSample, log.AuditMisses,
		boolToInt(log.AuditPassed), boolToInt(log.Accepted), log.MissRateBound)
	if err != nil {
		return fmt.Errorf("write completeness log for %s: %w", log.Date, err)
	}
	return nil
}

// Get returns the date's completeness row, or nil when the date never ran.
func (r *Repository) Get(ctx context.Context, date string) (*contracts.CompletenessLog, error) {
	row := r.db.Conn().QueryRowContext(ctx, `
		SELECT date, total_universe, bulk_count, pass1_candidates, premarket_checked,
		       premarket_hits, audit_sample, audit_misses, audit_passed, accepted,
		       COALESCE(miss_rate_bound, 0)
		FROM completeness_log WHERE date = ?`, date)

	var log contracts.CompletenessLog
	var passed, accepted int
	err := row.Scan(&log.Date, &log.TotalUniverse, &log.BulkCount, &log.Pass1Candidates,
		&log.PremarketChecked, &log.PremarketHits, &log.AuditSample, &log.AuditMisses,
		&passed, &accepted, &log.MissRateBound)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load completeness log for %s: %w", date, err)
	}
	log.AuditPassed = passed != 0
	log.Accepted = accepted != 0
	return &log, nil
}

// Recent returns the latest completeness rows, newest first.
func (r *Repository) Recent(ctx context.Context, limit int) ([]contracts.CompletenessLog, error) {
	rows, err := r.db.Conn().QueryContext(ctx, `
		SELECT date, total_universe, bulk_count, pass1_candidates, premarket_checked,
		       premarket_hits, audit_sample, audit_misses, audit_passed, accepted,
		       COALESCE(miss_rate_bound, 0)
		FROM completeness_log ORDER BY date DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("load recent completeness logs: %w", err)
	}
	defer rows.Close()

	var out []contracts.CompletenessLog
	for rows.Next() {
		var log contracts.CompletenessLog
		var passed, accepted int
		if err := rows.Scan(&log.Date, &log.TotalUniverse, &log.BulkCount, &log.Pass1Candidates,
			&log.PremarketChecked, &log.PremarketHits, &log.AuditSample, &log.AuditMisses,
			&passed, &accepted, &log.MissRateBound); err != nil {
			return nil, err
		}
		log.AuditPassed = passed != 0
		log.Accepted = accepted != 0
		out = append(out, log)
	}
	return out, rows.Err()
}

// SetAccepted flips the date's accepted flag. The baseline cross-validator
// uses this to revoke acceptance when it finds a baseline-only hit.
func (r *Repository) SetAccepted(ctx context.Context, date string, accepted bool) error {
	res, err := r.db.Conn().ExecContext(ctx,
		`UPDATE completeness_log SET accepted = ? WHERE date = ?`, boolToInt(accepted), date)
	if err != nil {
		return fmt.Errorf("set accepted for %s: %w", date, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("no completeness row for %s", date)
	}
	return nil
}

// IsAccepted reports whether a date's run is accepted for downstream use.
func (r *Repository) IsAccepted(ctx context.Context, date string) (bool, error) {
	log, err := r.Get(ctx, date)
	if err != nil {
		return false, err
	}
	return log != nil && log.Accepted, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
