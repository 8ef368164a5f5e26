package scan

import (
	"context"
	"fmt"

	"gapscan/pkg/database"
)

// FailureRecorder writes the per-stage diagnostic rows a failed date leaves
// behind. A failed date must always say which stage failed and why, so the
// operator can remediate and rerun.
type FailureRecorder struct {
	db *database.DB
}

// NewFailureRecorder creates a failure recorder.
func NewFailureRecorder(db *database.DB) *FailureRecorder {
	return &FailureRecorder{db: db}
}

// Record stores one stage failure, overwriting a previous record of the
// same stage for the date.
func (f *FailureRecorder) Record(ctx context.Context, date, stage, reason string) error {
	_, err := f.db.Conn().ExecContext(ctx, `
		INSERT INTO scan_failures (date, stage, reason) VALUES (?, ?, ?)
		ON CONFLICT (date, stage) DO UPDATE SET
			reason = excluded.reason, created_at = CURRENT_TIMESTAMP`,
		date, stage, reason)
	if err != nil {
		return fmt.Errorf("record failure %s/%s: %w", date, stage, err)
	}
	return nil
}

// Clear removes a date's failure rows at the start of a rerun.
func (f *FailureRecorder) Clear(ctx context.Context, date string) error {
	_, err := f.db.Conn().ExecContext(ctx,
		`DELETE FROM scan_failures WHERE date = ?`, date)
	if err != nil {
		return fmt.Errorf("clear failures for %s: %w", date, err)
	}
	return nil
}

// ForDate returns a date's stage failures as stage -> reason.
func (f *FailureRecorder) ForDate(ctx context.Context, date string) (map[string]string, error) {
	rows, err := f.db.Conn().QueryContext(ctx,
		`SELECT stage, reason FROM scan_failures WHERE date = ?`, date)
	if err != nil {
		return nil, fmt.Errorf("load failures for %s: %w", date, err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var stage, reason string
		if err := rows.Scan(&stage, &reason); err != nil {
			return nil, err
		}
		out[stage] = reason
	}
	return out, rows.Err()
}
