package universe

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"gapscan/internal/contracts"
	"gapscan/pkg/database"
)

// Stats summarizes one date's pinned universe for completeness reporting.
type Stats struct {
	Total      int
	Active     int
	Delisted   int
	ByExchange map[string]int
}

// Repository persists the date-pinned universe.
type Repository struct {
	db *database.DB
}

// NewRepository creates a universe repository.
func NewRepository(db *database.DB) *Repository {
	return &Repository{db: db}
}

// CountForDate returns how many symbols are pinned for a date. A positive
// count means the set is already built and must be reused.
func (r *Repository) CountForDate(ctx context.Context, date string) (int, error) {
	var n int
	err := r.db.Conn().QueryRowContext(ctx,
		`SELECT COUNT(*) FROM universe_day WHERE date = ?`, date).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count universe for %s: %w", date, err)
	}
	return n, nil
}

// Replace deletes any existing set for the date and writes the new one in a
// single transaction, so a failed rebuild never leaves a partial universe.
func (r *Repository) Replace(ctx context.Context, date string, entries []contracts.UniverseEntry) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM universe_day WHERE date = ?`, date); err != nil {
		return fmt.Errorf("clear universe for %s: %w", date, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO universe_day (date, symbol, active, delisted_utc, primary_exchange)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, e := range entries {
		var delisted interface{}
		if e.DelistedUTC != nil {
			delisted = e.DelistedUTC.UTC().Format(time.RFC3339)
		}
		if _, err := stmt.ExecContext(ctx, date, e.Symbol, boolToInt(e.Active), delisted, e.PrimaryExchange); err != nil {
			return fmt.Errorf("insert universe row %s: %w", e.Symbol, err)
		}
	}
	return tx.Commit()
}

// SymbolsForDate returns the pinned symbol list, sorted.
func (r *Repository) SymbolsForDate(ctx context.Context, date string) ([]string, error) {
	rows, err := r.db.Conn().QueryContext(ctx,
		`SELECT symbol FROM universe_day WHERE date = ? ORDER BY symbol`, date)
	if err != nil {
		return nil, fmt.Errorf("load universe for %s: %w", date, err)
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		symbols = append(symbols, s)
	}
	return symbols, rows.Err()
}

// StatsForDate returns the universe breakdown for a date.
func (r *Repository) StatsForDate(ctx context.Context, date string) (*Stats, error) {
	stats := &Stats{ByExchange: make(map[string]int)}

	err := r.db.Conn().QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(active), 0),
		       COALESCE(SUM(CASE WHEN active = 0 THEN 1 ELSE 0 END), 0)
		FROM universe_day WHERE date = ?`, date).
		Scan(&stats.Total, &stats.Active, &stats.Delisted)
	if err != nil {
		return nil, fmt.Errorf("universe stats for %s: %w", date, err)
	}

	rows, err := r.db.Conn().QueryContext(ctx, `
		SELECT COALESCE(primary_exchange, ''), COUNT(*)
		FROM universe_day WHERE date = ? GROUP BY primary_exchange`, date)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var exch string
		var n int
		if err := rows.Scan(&exch, &n); err != nil {
			return nil, err
		}
		stats.ByExchange[exch] = n
	}
	return stats, rows.Err()
}

// HasSymbol reports whether a symbol is in the date's pinned set.
func (r *Repository) HasSymbol(ctx context.Context, date, symbol string) (bool, error) {
	var one int
	err := r.db.Conn().QueryRowContext(ctx,
		`SELECT 1 FROM universe_day WHERE date = ? AND symbol = ?`, date, symbol).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
