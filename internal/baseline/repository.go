// Package baseline runs a structurally independent gap detector over the
// same date as the primary pipeline and diffs the two hit sets. A hit only
// the baseline found is a concrete counterexample to the zero-miss claim,
// not a statistical signal, and revokes the date's acceptance.
package baseline

import (
	"context"
	"fmt"

	"gapscan/internal/contracts"
	"gapscan/pkg/database"
)

// Repository persists baseline hits per date.
type Repository struct {
	db *database.DB
}

// NewRepository creates a baseline hit repository.
func NewRepository(db *database.DB) *Repository {
	return &Repository{db: db}
}

// Replace swaps the date's baseline hits for a fresh set in one transaction.
func (r *Repository) Replace(ctx context.Context, date string, hitsIn []contracts.BaselineHit) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM baseline_hits WHERE date = ?`, date); err != nil {
		return fmt.Errorf("clear baseline hits for %s: %w", date, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO baseline_hits (date, symbol, trigger_rule, rule_value, source)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, h := range hitsIn {
		if _, err := stmt.ExecContext(ctx, h.Date, h.Symbol, h.TriggerRule, h.RuleValue, h.Source); err != nil {
			return fmt.Errorf("insert baseline hit %s/%s: %w", h.Symbol, h.TriggerRule, err)
		}
	}
	return tx.Commit()
}

// ForDate returns the date's baseline hits ordered by symbol then rule.
func (r *Repository) ForDate(ctx context.Context, date string) ([]contracts.BaselineHit, error) {
	rows, err := r.db.Conn().QueryContext(ctx, `
		SELECT date, symbol, trigger_rule, COALESCE(rule_value, 0), source
		FROM baseline_hits WHERE date = ? ORDER BY symbol, trigger_rule`, date)
	if err != nil {
		return nil, fmt.Errorf("load baseline hits for %s: %w", date, err)
	}
	defer rows.Close()

	var out []contracts.BaselineHit
	for rows.Next() {
		var h contracts.BaselineHit
		if err := rows.Scan(&h.Date, &h.Symbol, &h.TriggerRule, &h.RuleValue, &h.Source); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}
