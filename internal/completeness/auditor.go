// Package completeness implements the statistical miss audit and the
// per-date completeness record that gates downstream use of a day's hits.
//
// The audit is the zero-miss engine's proof obligation: after the scan, a
// deterministic random sample of symbols that triggered nothing is
// independently re-checked. Zero observed misses in n trials bounds the
// true miss rate at 3/n with 95% confidence (the rule of three).
package completeness

import (
	"context"
	"hash/fnv"
	"math"
	"math/rand"
	"sort"

	"gapscan/internal/bars"
	"gapscan/internal/contracts"
	"gapscan/internal/external/polygon"
	"gapscan/internal/rules"
	"gapscan/pkg/config"
	"gapscan/pkg/logger"
)

// Miss is one audit false negative: a sampled non-candidate whose rule value
// re-derives over threshold.
type Miss struct {
	Symbol      string
	TriggerRule string
	Value       float64
}

// Result is the audit outcome for one date.
type Result struct {
	Required int // n = ceil(3 / target miss rate)
	Sample   int // symbols actually audited
	Misses   []Miss
	Passed   bool
	Bound    float64 // 3 / n, the 95% miss-rate bound the pass certifies
}

// Auditor draws the post-scan sample and re-derives rules independently.
type Auditor struct {
	barsRepo *bars.Repository
	intraday contracts.IntradayProvider
	cfg      *config.Config
	logger   *logger.Logger
}

// NewAuditor creates the completeness auditor. intraday may be nil; R1
// re-derivation is then skipped and the audit covers the bulk rules only.
func NewAuditor(barsRepo *bars.Repository, intraday contracts.IntradayProvider, cfg *config.Config, log *logger.Logger) *Auditor {
	return &Auditor{barsRepo: barsRepo, intraday: intraday, cfg: cfg, logger: log}
}

// RequiredSample returns n = ceil(3/p) for the configured target miss rate.
func (a *Auditor) RequiredSample() int {
	return int(math.Ceil(3.0 / a.cfg.Audit.TargetMissRate))
}

// Run audits one date. nonCandidates is the pool of symbols that fired no
// rule; prevClose the same map the scan used. The audit fails, never
// degrades, when the pool cannot support the required sample size: a pass
// certifies the bound or it certifies nothing.
func (a *Auditor) Run(ctx context.Context, date string, nonCandidates []string, prevClose map[string]float64) (*Result, error) {
	required := a.RequiredSample()
	res := &Result{Required: required, Bound: 3.0 / float64(required)}

	sample := a.drawSample(date, nonCandidates, required)
	res.Sample = len(sample)

	if len(sample) < required {
		a.logger.WithFields(map[string]interface{}{
			"date":     date,
			"pool":     len(nonCandidates),
			"required": required,
		}).Warn("Audit pool too small for the required sample, audit failed")
		res.Passed = false
		return res, nil
	}

	for _, symbol := range sample {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		miss, err := a.recheck(ctx, date, symbol, prevClose[symbol])
		if err != nil {
			a.logger.WithError(err).WithField("symbol", symbol).Warn("Audit recheck failed for symbol")
			continue
		}
		if miss != nil {
			res.Misses = append(res.Misses, *miss)
		}
	}

	res.Passed = len(res.Misses) == 0
	a.logger.WithFields(map[string]interface{}{
		"date":   date,
		"sample": res.Sample,
		"misses": len(res.Misses),
		"passed": res.Passed,
	}).Info("Completeness audit done")
	return res, nil
}

// drawSample picks up to n symbols without replacement, seeded by the date
// so the same date always audits the same symbols.
func (a *Auditor) drawSample(date string, pool []string, n int) []string {
	if len(pool) == 0 {
		return nil
	}
	if limit := a.cfg.Audit.SampleCap; limit > 0 && n > limit {
		n = limit
	}

	sorted := make([]string, len(pool))
	copy(sorted, pool)
	sort.Strings(sorted)

	rng := rand.New(rand.NewSource(dateSeed(date)))
	rng.Shuffle(len(sorted), func(i, j int) {
		sorted[i], sorted[j] = sorted[j], sorted[i]
	})
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

// recheck re-derives the rules for one sampled symbol from first sources:
// the stored bar for the bulk rules, the intraday chain for R1. The scan's
// own candidate flags are deliberately not consulted.
func (a *Auditor) recheck(ctx context.Context, date, symbol string, prevClose float64) (*Miss, error) {
	bar, err := a.barsRepo.Bar(ctx, polygon.ProviderName, date, symbol)
	if err != nil {
		return nil, err
	}
	if bar != nil {
		if v, fired := rules.OpenGapPct(prevClose, bar.Open, a.cfg.Discovery.OpenGapPct); fired {
			return &Miss{Symbol: symbol, TriggerRule: rules.OpenGap, Value: v}, nil
		}
		if v, fired := rules.Push(bar.Open, bar.High, a.cfg.Discovery.PushPct); fired {
			return &Miss{Symbol: symbol, TriggerRule: rules.IntradayPush, Value: v}, nil
		}
	}

	if a.intraday != nil && a.intraday.Available() && prevClose > 0 {
		pm := a.intraday.PremarketHigh(ctx, symbol, date)
		if pm.Class == contracts.FetchOK {
			if v, fired := rules.PremarketMover(prevClose, pm.High, a.cfg.Discovery.PremarketPct); fired {
				return &Miss{Symbol: symbol, TriggerRule: rules.PremarketGap, Value: v}, nil
			}
		}
	}
	return nil, nil
}

// dateSeed hashes the date string with FNV-1a. Stable across runs and
// platforms, unlike anything derived from map order or time.
func dateSeed(date string) int64 {
	h := fnv.New64a()
	h.Write([]byte(date))
	return int64(h.Sum64())
}
