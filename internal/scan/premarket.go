package scan

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"gapscan/internal/contracts"
	"gapscan/internal/rules"
	"gapscan/pkg/config"
	"gapscan/pkg/logger"
)

// maxWorkers caps the Pass-2 pool regardless of configuration; the terminal
// semaphores sit below this and a larger pool would only queue on them.
const maxWorkers = 8

// coarseSource labels R1 values derived from the bulk-daily high when every
// intraday link failed. No sub-session precision; consumers can discount.
const coarseSource = "daily_high"

// SymbolDiag is the per-symbol Pass-2 diagnostic record.
type SymbolDiag struct {
	Symbol    string `json:"symbol"`
	Source    string `json:"source,omitempty"`
	Venue     string `json:"venue,omitempty"`
	Class     string `json:"class"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// PremarketResult aggregates the Pass-2 stage outcome.
type PremarketResult struct {
	// R1 values by symbol, with fetch provenance.
	R1     map[string]float64
	Source map[string]string
	Venue  map[string]string

	Checked  int
	Hits     int
	NoData   int
	Failures int
	Skipped  bool // intraday provider absent and no coarse data either
	Diags    []SymbolDiag
}

// premarketOutcome is one worker's answer for one symbol.
type premarketOutcome struct {
	symbol string
	res    contracts.PremarketResult
	diag   SymbolDiag
}

// Verifier runs Pass 2: bounded-concurrency premarket fetches over the
// candidate set.
type Verifier struct {
	intraday contracts.IntradayProvider
	cfg      *config.DiscoveryConfig
	logger   *logger.Logger
}

// NewVerifier creates the Pass-2 stage.
func NewVerifier(intraday contracts.IntradayProvider, cfg *config.DiscoveryConfig, log *logger.Logger) *Verifier {
	return &Verifier{intraday: intraday, cfg: cfg, logger: log}
}

// Run checks every candidate's premarket high against its previous close.
// Workers accumulate results in memory; nothing is persisted here. The
// stage obeys its own hard time cap: when it expires, undispatched symbols
// are counted as failures and the partial result is reported as such, never
// silently committed as complete.
//
// dailyHighs supplies the coarse last-resort value per symbol, used only
// when the whole intraday chain failed retryably or the provider is down.
func (v *Verifier) Run(ctx context.Context, date string, toCheck []string, prevClose map[string]float64, dailyHighs map[string]float64) *PremarketResult {
	out := &PremarketResult{
		R1:     make(map[string]float64),
		Source: make(map[string]string),
		Venue:  make(map[string]string),
	}

	if len(toCheck) == 0 {
		return out
	}
	if v.cfg.MaxCandidates > 0 && len(toCheck) > v.cfg.MaxCandidates {
		v.logger.WithFields(map[string]interface{}{
			"date":    date,
			"dropped": len(toCheck) - v.cfg.MaxCandidates,
		}).Warn("Premarket check set capped")
		toCheck = toCheck[:v.cfg.MaxCandidates]
	}

	intradayUp := v.intraday != nil && v.intraday.Available()
	if !intradayUp && len(dailyHighs) == 0 {
		v.logger.Warn("Intraday provider not available, premarket verification skipped")
		out.Skipped = true
		return out
	}

	stageCtx := ctx
	if v.cfg.StageTimeout > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, v.cfg.StageTimeout)
		defer cancel()
	}

	workers := v.cfg.Workers
	if workers < 1 {
		workers = 1
	}
	if workers > maxWorkers {
		workers = maxWorkers
	}

	jobs := make(chan string)
	results := make(chan premarketOutcome)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for symbol := range jobs {
				results <- v.fetchOne(stageCtx, symbol, date, intradayUp, dailyHighs)
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, symbol := range toCheck {
			select {
			case jobs <- symbol:
			case <-stageCtx.Done():
				return
			}
		}
	}()
	go func() {
		wg.Wait()
		close(results)
	}()

	for oc := range results {
		out.Checked++
		out.Diags = append(out.Diags, oc.diag)
		switch oc.res.Class {
		case contracts.FetchOK:
			pv := prevClose[oc.symbol]
			if val, fired := rules.PremarketMover(pv, oc.res.High, v.cfg.PremarketPct); fired {
				out.R1[oc.symbol] = val
				out.Source[oc.symbol] = oc.res.Source
				out.Venue[oc.symbol] = oc.res.Venue
				out.Hits++
			}
		case contracts.FetchNoData:
			out.NoData++
		default:
			out.Failures++
		}
	}

	// Symbols the timeout prevented from dispatching count as failures:
	// the stage must never look complete when it is not.
	if undispatched := len(toCheck) - out.Checked; undispatched > 0 {
		out.Failures += undispatched
		v.logger.WithFields(map[string]interface{}{
			"date":         date,
			"undispatched": undispatched,
		}).Error("Premarket stage timed out before checking all candidates")
	}

	sort.Slice(out.Diags, func(i, j int) bool { return out.Diags[i].Symbol < out.Diags[j].Symbol })
	v.logger.WithFields(map[string]interface{}{
		"date":     date,
		"checked":  out.Checked,
		"hits":     out.Hits,
		"no_data":  out.NoData,
		"failures": out.Failures,
	}).Info("Premarket verification done")
	return out
}

// fetchOne walks the provider chain for a single symbol and classifies the
// outcome. Per-symbol errors never propagate; they become diagnostics.
func (v *Verifier) fetchOne(ctx context.Context, symbol, date string, intradayUp bool, dailyHighs map[string]float64) premarketOutcome {
	start := time.Now()
	var res contracts.PremarketResult
	if intradayUp {
		res = v.intraday.PremarketHigh(ctx, symbol, date)
	} else {
		res = contracts.PremarketResult{Class: contracts.FetchRetryable}
	}

	// Coarse last resort: only when the intraday chain failed outright.
	// A clean no-data answer is trusted as-is.
	if res.Class == contracts.FetchRetryable || res.Class == contracts.FetchFatal {
		if high, ok := dailyHighs[symbol]; ok && high > 0 {
			res = contracts.PremarketResult{High: high, Class: contracts.FetchOK, Source: coarseSource}
		}
	}

	diag := SymbolDiag{
		Symbol:    symbol,
		Source:    res.Source,
		Venue:     res.Venue,
		Class:     res.Class.String(),
		LatencyMS: time.Since(start).Milliseconds(),
	}
	if res.Err != nil {
		diag.Error = res.Err.Error()
	}
	return premarketOutcome{symbol: symbol, res: res, diag: diag}
}

// WriteDiagnostics flushes the per-symbol records to
// dir/pm_symbols_{date}.json.
func (r *PremarketResult) WriteDiagnostics(date, dir string) error {
	if len(r.Diags) == 0 {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(map[string]interface{}{
		"date":     date,
		"checked":  r.Checked,
		"hits":     r.Hits,
		"no_data":  r.NoData,
		"failures": r.Failures,
		"symbols":  r.Diags,
	})
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "pm_symbols_"+date+".json"), data, 0o644)
}
