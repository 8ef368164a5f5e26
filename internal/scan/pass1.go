// Package scan implements the staged discovery pipeline for one trading
// date: bulk candidate filtering, premarket verification, the 7-day surge
// rule, the reverse-split gate, and hit persistence.
package scan

import (
	"context"
	"fmt"
	"sort"
	"time"

	"gapscan/internal/bars"
	"gapscan/internal/contracts"
	"gapscan/internal/external/polygon"
	"gapscan/internal/rules"
	"gapscan/pkg/config"
	"gapscan/pkg/logger"
)

// nearMoverRatio widens the Pass-2 check set beyond fired candidates:
// anything whose high reached 1.2x its previous close is worth a premarket
// look even though no rule fired yet.
const nearMoverRatio = 1.2

// prevCloseFetchCap bounds per-symbol previous-close lookups for symbols
// the stored and bulk maps both missed.
const prevCloseFetchCap = 25

// Pass1Result carries everything later stages need from the bulk sweep.
type Pass1Result struct {
	Daily       []contracts.DailyBar
	PrevClose   map[string]float64
	R2          map[string]float64
	R3          map[string]float64
	Candidates  []string // R2 + R3 + near movers, sorted
	MissingPrev int
}

// Pass1 runs the single-bulk-call market sweep and computes the cheap rules.
type Pass1 struct {
	daily    contracts.DailyProvider
	barsRepo *bars.Repository
	cfg      *config.DiscoveryConfig
	logger   *logger.Logger
}

// NewPass1 creates the Pass-1 stage.
func NewPass1(daily contracts.DailyProvider, barsRepo *bars.Repository, cfg *config.DiscoveryConfig, log *logger.Logger) *Pass1 {
	return &Pass1{daily: daily, barsRepo: barsRepo, cfg: cfg, logger: log}
}

// Run sweeps the market for the date. One grouped call, never per symbol.
// The full bar table is persisted before any rule math so the audit can
// sample non-candidates later.
func (p *Pass1) Run(ctx context.Context, date string) (*Pass1Result, error) {
	daily, err := p.daily.GroupedDaily(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("grouped daily sweep: %w", err)
	}
	if len(daily) == 0 {
		return nil, fmt.Errorf("no grouped daily data for %s", date)
	}
	p.logger.WithFields(map[string]interface{}{
		"date":  date,
		"count": len(daily),
	}).Info("Pass 1 sweep fetched")

	if err := p.barsRepo.Store(ctx, daily); err != nil {
		return nil, fmt.Errorf("persist daily bars: %w", err)
	}

	prevClose, missing, err := p.prevCloseMap(ctx, date, daily)
	if err != nil {
		return nil, err
	}

	res := &Pass1Result{
		Daily:       daily,
		PrevClose:   prevClose,
		R2:          make(map[string]float64),
		R3:          make(map[string]float64),
		MissingPrev: missing,
	}

	candidates := make(map[string]struct{})
	for _, bar := range daily {
		pv := prevClose[bar.Symbol]
		if v, fired := rules.OpenGapPct(pv, bar.Open, p.cfg.OpenGapPct); fired {
			res.R2[bar.Symbol] = v
			candidates[bar.Symbol] = struct{}{}
		}
		if v, fired := rules.Push(bar.Open, bar.High, p.cfg.PushPct); fired {
			res.R3[bar.Symbol] = v
			candidates[bar.Symbol] = struct{}{}
		}
		if pv > 0 && bar.High/pv >= nearMoverRatio {
			candidates[bar.Symbol] = struct{}{}
		}
	}

	res.Candidates = make([]string, 0, len(candidates))
	for sym := range candidates {
		res.Candidates = append(res.Candidates, sym)
	}
	sort.Strings(res.Candidates)

	p.logger.WithFields(map[string]interface{}{
		"date":       date,
		"r2":         len(res.R2),
		"r3":         len(res.R3),
		"candidates": len(res.Candidates),
	}).Info("Pass 1 rules computed")
	return res, nil
}

// prevCloseMap layers three sources: stored prior-day bars, the provider's
// bulk prior-day call, then capped per-symbol lookups for the leftovers.
func (p *Pass1) prevCloseMap(ctx context.Context, date string, daily []contracts.DailyBar) (map[string]float64, int, error) {
	prevDate, err := prevCalendarDay(date)
	if err != nil {
		return nil, 0, err
	}

	m, err := p.barsRepo.PrevCloseMap(ctx, polygon.ProviderName, prevDate)
	if err != nil {
		return nil, 0, err
	}

	if bulk, err := p.daily.PrevCloseBulk(ctx, prevDate); err != nil {
		p.logger.WithError(err).Warn("Bulk prev-close unavailable, using stored map only")
	} else {
		for sym, close := range bulk {
			if _, ok := m[sym]; !ok {
				m[sym] = close
			}
		}
	}

	var missing []string
	for _, bar := range daily {
		if _, ok := m[bar.Symbol]; !ok {
			missing = append(missing, bar.Symbol)
		}
	}
	fetch := missing
	if len(fetch) > prevCloseFetchCap {
		fetch = fetch[:prevCloseFetchCap]
	}
	for _, sym := range fetch {
		pc, err := p.daily.PrevClose(ctx, sym, prevDate)
		if err != nil || pc == nil {
			continue
		}
		m[sym] = *pc
	}
	return m, len(missing), nil
}

func prevCalendarDay(date string) (string, error) {
	d, err := time.Parse(contracts.DateFormat, date)
	if err != nil {
		return "", fmt.Errorf("bad date %q: %w", date, err)
	}
	return d.AddDate(0, 0, -1).Format(contracts.DateFormat), nil
}
