package baseline

import (
	"context"
	"fmt"
	"time"

	"gapscan/internal/contracts"
	"gapscan/internal/rules"
	"gapscan/pkg/config"
	"gapscan/pkg/logger"
)

// SourceName tags baseline hits with the detector that produced them.
const SourceName = "alpaca_baseline"

// lookbackCalendarDays pads the per-symbol range so the bar before the
// target date is always inside it despite weekends and holidays.
const lookbackCalendarDays = 5

// symbolCap bounds the per-symbol fetch volume of a baseline run.
const symbolCap = 1000

// BarSource is the independent daily-bars feed the detector reads. It must
// share nothing with the primary pipeline's providers.
type BarSource interface {
	Configured() bool
	DailyBars(ctx context.Context, symbol, start, end string) ([]contracts.DailyBar, error)
}

// Detector is the simple second-opinion scanner: per-symbol daily bars, its
// own previous close, plain threshold checks. Deliberately unsophisticated;
// anything it finds that the primary missed is a real miss.
type Detector struct {
	source BarSource
	repo   *Repository
	cfg    *config.DiscoveryConfig
	logger *logger.Logger
}

// NewDetector creates the baseline detector.
func NewDetector(source BarSource, repo *Repository, cfg *config.DiscoveryConfig, log *logger.Logger) *Detector {
	return &Detector{source: source, repo: repo, cfg: cfg, logger: log}
}

// Scan runs the detector over the symbols for one date and persists the
// resulting baseline hits. Per-symbol fetch errors are logged and skipped.
func (d *Detector) Scan(ctx context.Context, date string, symbols []string) ([]contracts.BaselineHit, error) {
	if !d.source.Configured() {
		return nil, fmt.Errorf("baseline bar source not configured")
	}
	day, err := time.Parse(contracts.DateFormat, date)
	if err != nil {
		return nil, fmt.Errorf("bad date %q: %w", date, err)
	}
	start := day.AddDate(0, 0, -lookbackCalendarDays).Format(contracts.DateFormat)

	if len(symbols) > symbolCap {
		d.logger.WithFields(map[string]interface{}{
			"date":    date,
			"dropped": len(symbols) - symbolCap,
		}).Warn("Baseline symbol set capped")
		symbols = symbols[:symbolCap]
	}

	var found []contracts.BaselineHit
	skipped := 0
	for _, symbol := range symbols {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		barsIn, err := d.source.DailyBars(ctx, symbol, start, date)
		if err != nil {
			d.logger.WithError(err).WithField("symbol", symbol).Debug("Baseline bars unavailable")
			skipped++
			continue
		}
		found = append(found, d.evaluate(date, symbol, barsIn)...)
	}

	if err := d.repo.Replace(ctx, date, found); err != nil {
		return nil, err
	}
	d.logger.WithFields(map[string]interface{}{
		"date":    date,
		"scanned": len(symbols),
		"skipped": skipped,
		"hits":    len(found),
	}).Info("Baseline scan done")
	return found, nil
}

// evaluate applies the gap and push checks to one symbol's bar run. The
// previous close comes from the source's own bars, never from the primary
// pipeline's data.
func (d *Detector) evaluate(date, symbol string, barsIn []contracts.DailyBar) []contracts.BaselineHit {
	var target, prev *contracts.DailyBar
	for i := range barsIn {
		switch {
		case barsIn[i].Date == date:
			target = &barsIn[i]
		case barsIn[i].Date < date:
			if prev == nil || barsIn[i].Date > prev.Date {
				prev = &barsIn[i]
			}
		}
	}
	if target == nil || prev == nil {
		return nil
	}
	if target.Volume < d.cfg.MinVolume {
		return nil
	}

	var out []contracts.BaselineHit
	if v, fired := rules.OpenGapPct(prev.Close, target.Open, d.cfg.OpenGapPct); fired {
		out = append(out, contracts.BaselineHit{
			Date: date, Symbol: symbol, TriggerRule: rules.OpenGap, RuleValue: v, Source: SourceName,
		})
	}
	if v, fired := rules.Push(target.Open, target.High, d.cfg.PushPct); fired {
		out = append(out, contracts.BaselineHit{
			Date: date, Symbol: symbol, TriggerRule: rules.IntradayPush, RuleValue: v, Source: SourceName,
		})
	}
	return out
}
