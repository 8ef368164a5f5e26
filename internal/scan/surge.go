package scan

import (
	"context"
	"sort"
	"time"

	"gapscan/internal/bars"
	"gapscan/internal/contracts"
	"gapscan/internal/external/polygon"
	"gapscan/internal/rules"
	"gapscan/pkg/config"
	"gapscan/pkg/logger"
)

// surgeWindowDays is the trailing trading-day window, inclusive of the
// event date.
const surgeWindowDays = 7

// surgeLookbackCalendarDays buffers the provider range fetch for weekends
// and holidays when stored history is short.
const surgeLookbackCalendarDays = 14

// dailyMoveRatio adds symbols with a notable daily move to the set whose
// short stored history is worth backfilling from the provider.
const dailyMoveRatio = 1.2

// SurgeEvaluator computes R4 over the trailing window.
type SurgeEvaluator struct {
	barsRepo *bars.Repository
	daily    contracts.DailyProvider
	cfg      *config.DiscoveryConfig
	logger   *logger.Logger
}

// NewSurgeEvaluator creates the R4 stage.
func NewSurgeEvaluator(barsRepo *bars.Repository, daily contracts.DailyProvider, cfg *config.DiscoveryConfig, log *logger.Logger) *SurgeEvaluator {
	return &SurgeEvaluator{barsRepo: barsRepo, daily: daily, cfg: cfg, logger: log}
}

// Run evaluates R4 for every symbol in the sweep. Stored bars answer most
// symbols in one query each; the provider range fetch backfills short
// history only for symbols that already look interesting (another rule
// fired or a notable daily move), bounding provider call volume. Symbols
// with fewer than 7 valid days are skipped, never failed.
func (s *SurgeEvaluator) Run(ctx context.Context, date string, p1 *Pass1Result, r1 map[string]float64) map[string]float64 {
	interesting := make(map[string]struct{})
	for sym := range r1 {
		interesting[sym] = struct{}{}
	}
	for sym := range p1.R2 {
		interesting[sym] = struct{}{}
	}
	for sym := range p1.R3 {
		interesting[sym] = struct{}{}
	}
	for _, bar := range p1.Daily {
		if pv := p1.PrevClose[bar.Symbol]; pv > 0 && bar.High/pv >= dailyMoveRatio {
			interesting[bar.Symbol] = struct{}{}
		}
	}

	fired := make(map[string]float64)
	backfilled := 0
	for _, bar := range p1.Daily {
		if ctx.Err() != nil {
			break
		}
		sym := bar.Symbol
		low, high, found, err := s.barsRepo.TrailingWindow(ctx, polygon.ProviderName, sym, date, surgeWindowDays)
		if err != nil {
			s.logger.WithError(err).WithField("symbol", sym).Warn("Surge window query failed")
			continue
		}
		if !found {
			if _, ok := interesting[sym]; !ok {
				continue
			}
			low, high, found = s.backfillWindow(ctx, sym, date)
			if !found {
				continue
			}
			backfilled++
		}
		if v, hit := rules.Surge(low, high, s.cfg.Surge7dPct); hit {
			fired[sym] = v
		}
	}

	s.logger.WithFields(map[string]interface{}{
		"date":       date,
		"r4":         len(fired),
		"backfilled": backfilled,
	}).Info("Surge evaluation done")
	return fired
}

// backfillWindow fetches a calendar-buffered daily range from the provider
// and reduces the last 7 trading days.
func (s *SurgeEvaluator) backfillWindow(ctx context.Context, symbol, endDate string) (low, high float64, found bool) {
	end, err := time.Parse(contracts.DateFormat, endDate)
	if err != nil {
		return 0, 0, false
	}
	start := end.AddDate(0, 0, -surgeLookbackCalendarDays).Format(contracts.DateFormat)

	fetched, err := s.daily.DailyRange(ctx, symbol, start, endDate)
	if err != nil || len(fetched) < surgeWindowDays {
		return 0, 0, false
	}

	sort.Slice(fetched, func(i, j int) bool { return fetched[i].Date < fetched[j].Date })
	window := fetched[len(fetched)-surgeWindowDays:]
	for i, bar := range window {
		if i == 0 || bar.Low < low {
			low = bar.Low
		}
		if i == 0 || bar.High > high {
			high = bar.High
		}
	}

	// Persist the backfill so the next scan answers from the store.
	if err := s.barsRepo.Store(ctx, fetched); err != nil {
		s.logger.WithError(err).WithField("symbol", symbol).Warn("Surge backfill persist failed")
	}
	return low, high, true
}
