// Package bars persists provider daily bars. Bars from different providers
// are stored side by side under their provider key and never merged, so the
// baseline comparison always sees untouched source data.
package bars

import (
	"context"
	"database/sql"
	"fmt"

	"gapscan/internal/contracts"
	"gapscan/pkg/database"
)

// Repository persists and reads daily bars.
type Repository struct {
	db *database.DB
}

// NewRepository creates a bars repository.
func NewRepository(db *database.DB) *Repository {
	return &Repository{db: db}
}

// Store writes a batch of bars in one transaction. Replays overwrite, so a
// rerun converges on the provider's latest answer.
func (r *Repository) Store(ctx context.Context, barsIn []contracts.DailyBar) error {
	if len(barsIn) == 0 {
		return nil
	}
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO daily_raw (provider, date, symbol, open, high, low, close, volume, vwap)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (provider, date, symbol) DO UPDATE SET
			open = excluded.open, high = excluded.high, low = excluded.low,
			close = excluded.close, volume = excluded.volume, vwap = excluded.vwap`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, b := range barsIn {
		var vwap interface{}
		if b.VWAP != nil {
			vwap = *b.VWAP
		}
		if _, err := stmt.ExecContext(ctx, b.Provider, b.Date, b.Symbol,
			b.Open, b.High, b.Low, b.Close, b.Volume, vwap); err != nil {
			return fmt.Errorf("store bar %s/%s/%s: %w", b.Provider, b.Date, b.Symbol, err)
		}
	}
	return tx.Commit()
}

// PrevCloseMap returns symbol -> close for one provider and date.
func (r *Repository) PrevCloseMap(ctx context.Context, provider, date string) (map[string]float64, error) {
	rows, err := r.db.Conn().QueryContext(ctx, `
		SELECT symbol, close FROM daily_raw
		WHERE provider = ? AND date = ? AND close IS NOT NULL AND close > 0`,
		provider, date)
	if err != nil {
		return nil, fmt.Errorf("prev close map %s: %w", date, err)
	}
	defer rows.Close()

	m := make(map[string]float64)
	for rows.Next() {
		var symbol string
		var close float64
		if err := rows.Scan(&symbol, &close); err != nil {
			return nil, err
		}
		m[symbol] = close
	}
	return m, rows.Err()
}

// Bar returns one provider bar, or nil when absent.
func (r *Repository) Bar(ctx context.Context, provider, date, symbol string) (*contracts.DailyBar, error) {
	row := r.db.Conn().QueryRowContext(ctx, `
		SELECT provider, date, symbol, open, high, low, close, volume, vwap
		FROM daily_raw WHERE provider = ? AND date = ? AND symbol = ?`,
		provider, date, symbol)

	var b contracts.DailyBar
	var vwap sql.NullFloat64
	err := row.Scan(&b.Provider, &b.Date, &b.Symbol, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume, &vwap)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load bar %s/%s: %w", date, symbol, err)
	}
	if vwap.Valid {
		b.VWAP = &vwap.Float64
	}
	return &b, nil
}

// BarsForDate returns all bars one provider holds for a date.
func (r *Repository) BarsForDate(ctx context.Context, provider, date string) ([]contracts.DailyBar, error) {
	rows, err := r.db.Conn().QueryContext(ctx, `
		SELECT provider, date, symbol, open, high, low, close, volume, vwap
		FROM daily_raw WHERE provider = ? AND date = ? ORDER BY symbol`,
		provider, date)
	if err != nil {
		return nil, fmt.Errorf("load bars for %s: %w", date, err)
	}
	defer rows.Close()

	var out []contracts.DailyBar
	for rows.Next() {
		var b contracts.DailyBar
		var vwap sql.NullFloat64
		if err := rows.Scan(&b.Provider, &b.Date, &b.Symbol, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume, &vwap); err != nil {
			return nil, err
		}
		if vwap.Valid {
			b.VWAP = &vwap.Float64
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// TrailingWindow returns the lowest low and highest high over a symbol's
// most recent n bars up to and including endDate. Rows with missing values
// are skipped before the window is counted. found is false when fewer than
// n valid bars exist.
func (r *Repository) TrailingWindow(ctx context.Context, provider, symbol, endDate string, n int) (low, high float64, found bool, err error) {
	rows, err := r.db.Conn().QueryContext(ctx, `
		SELECT low, high FROM daily_raw
		WHERE provider = ? AND symbol = ? AND date <= ?
		  AND low IS NOT NULL AND high IS NOT NULL
		ORDER BY date DESC LIMIT ?`,
		provider, symbol, endDate, n)
	if err != nil {
		return 0, 0, false, fmt.Errorf("trailing window %s: %w", symbol, err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var lo, hi float64
		if err := rows.Scan(&lo, &hi); err != nil {
			return 0, 0, false, err
		}
		if count == 0 || lo < low {
			low = lo
		}
		if count == 0 || hi > high {
			high = hi
		}
		count++
	}
	if err := rows.Err(); err != nil {
		return 0, 0, false, err
	}
	return low, high, count >= n, nil
}
