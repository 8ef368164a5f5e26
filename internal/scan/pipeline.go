package scan

import (
	"context"
	"fmt"
	"sort"

	"gapscan/internal/completeness"
	"gapscan/internal/contracts"
	"gapscan/internal/hits"
	"gapscan/internal/rules"
	"gapscan/internal/universe"
	"gapscan/pkg/config"
	"gapscan/pkg/logger"
)

// Stage names recorded in scan_failures.
const (
	StageUniverse     = "universe"
	StagePass1        = "pass1"
	StagePremarket    = "premarket"
	StagePersist      = "persist"
	StageAudit        = "audit"
	StageCompleteness = "completeness"
)

// DiagnosticsFlusher is implemented by intraday providers that accumulate
// per-date counters worth persisting as run artifacts.
type DiagnosticsFlusher interface {
	FlushDiagnostics(date, dir string) error
}

// DayResult summarizes one date's full run.
type DayResult struct {
	Date             string
	Universe         int
	BulkCount        int
	Candidates       int
	PremarketChecked int
	PremarketHits    int
	HitsPersisted    int
	Audit            *completeness.Result
	Accepted         bool
}

// Pipeline wires the per-date stages together: universe, bulk sweep,
// premarket verification, surge, the reverse-split gate, persistence, and
// the completeness audit. A stage failure records a scan_failures row and
// aborts; no completeness row is written for a date that did not finish.
type Pipeline struct {
	universe *universe.Builder
	pass1    *Pass1
	verifier *Verifier
	surge    *SurgeEvaluator
	gate     *SplitGate
	hits     *hits.Repository
	auditor  *completeness.Auditor
	compl    *completeness.Repository
	failures *FailureRecorder
	flusher  DiagnosticsFlusher

	cfg    *config.Config
	logger *logger.Logger
}

// NewPipeline assembles the day runner. flusher may be nil.
func NewPipeline(
	ub *universe.Builder,
	p1 *Pass1,
	verifier *Verifier,
	surge *SurgeEvaluator,
	gate *SplitGate,
	hitsRepo *hits.Repository,
	auditor *completeness.Auditor,
	complRepo *completeness.Repository,
	failures *FailureRecorder,
	flusher DiagnosticsFlusher,
	cfg *config.Config,
	log *logger.Logger,
) *Pipeline {
	return &Pipeline{
		universe: ub,
		pass1:    p1,
		verifier: verifier,
		surge:    surge,
		gate:     gate,
		hits:     hitsRepo,
		auditor:  auditor,
		compl:    complRepo,
		failures: failures,
		flusher:  flusher,
		cfg:      cfg,
		logger:   log,
	}
}

// RunDay executes the full pipeline for one trading date. Reruns are safe:
// hits for the date are cleared before persistence and the completeness row
// is overwritten. force rebuilds the universe snapshot even when one exists.
func (p *Pipeline) RunDay(ctx context.Context, date string, force bool) (*DayResult, error) {
	if err := p.failures.Clear(ctx, date); err != nil {
		return nil, err
	}
	if p.cfg.Discovery.DayTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Discovery.DayTimeout)
		defer cancel()
	}

	res := &DayResult{Date: date}
	p.logger.WithField("date", date).Info("Discovery run starting")

	uniCount, err := p.universe.Build(ctx, date, force)
	if err != nil {
		return nil, p.fail(ctx, date, StageUniverse, err)
	}
	res.Universe = uniCount

	p1, err := p.pass1.Run(ctx, date)
	if err != nil {
		return nil, p.fail(ctx, date, StagePass1, err)
	}
	res.BulkCount = len(p1.Daily)
	res.Candidates = len(p1.Candidates)

	dailyHighs := make(map[string]float64, len(p1.Daily))
	barBySym := make(map[string]contracts.DailyBar, len(p1.Daily))
	for _, bar := range p1.Daily {
		if bar.High > 0 {
			dailyHighs[bar.Symbol] = bar.High
		}
		barBySym[bar.Symbol] = bar
	}

	pm := p.verifier.Run(ctx, date, p1.Candidates, p1.PrevClose, dailyHighs)
	res.PremarketChecked = pm.Checked
	res.PremarketHits = pm.Hits
	if pm.Skipped {
		// Not fatal: the bulk rules still run, but the date cannot be
		// accepted without premarket coverage.
		p.recordNonFatal(ctx, date, StagePremarket, "intraday provider unavailable, premarket skipped")
	}
	p.writeArtifacts(date, pm)

	r4 := p.surge.Run(ctx, date, p1, pm.R1)

	persisted, err := p.persistHits(ctx, date, p1, pm, r4, barBySym)
	if err != nil {
		return nil, p.fail(ctx, date, StagePersist, err)
	}
	res.HitsPersisted = persisted

	audit, err := p.auditor.Run(ctx, date, nonCandidates(p1), p1.PrevClose)
	if err != nil {
		return nil, p.fail(ctx, date, StageAudit, err)
	}
	res.Audit = audit

	// A date is accepted only when the audit certifies its bound and the
	// premarket stage delivered a complete answer set.
	res.Accepted = audit.Passed && !pm.Skipped && pm.Failures == 0

	cl := contracts.CompletenessLog{
		Date:             date,
		TotalUniverse:    uniCount,
		BulkCount:        res.BulkCount,
		Pass1Candidates:  res.Candidates,
		PremarketChecked: pm.Checked,
		PremarketHits:    pm.Hits,
		AuditSample:      audit.Sample,
		AuditMisses:      len(audit.Misses),
		AuditPassed:      audit.Passed,
		Accepted:         res.Accepted,
		MissRateBound:    audit.Bound,
	}
	if err := p.compl.Write(ctx, cl); err != nil {
		return nil, p.fail(ctx, date, StageCompleteness, err)
	}

	p.logger.WithFields(map[string]interface{}{
		"date":      date,
		"universe":  uniCount,
		"bulk":      res.BulkCount,
		"hits":      persisted,
		"accepted":  res.Accepted,
		"audit_ok":  audit.Passed,
		"pm_failed": pm.Failures,
	}).Info("Discovery run finished")
	return res, nil
}

// persistHits applies the split gate and the post-gate filters to every
// symbol with at least one fired rule, then writes the survivors. The date's
// prior hits are cleared first so reruns converge to the same rows.
func (p *Pipeline) persistHits(
	ctx context.Context,
	date string,
	p1 *Pass1Result,
	pm *PremarketResult,
	r4 map[string]float64,
	barBySym map[string]contracts.DailyBar,
) (int, error) {
	firedSet := make(map[string]struct{})
	for sym := range pm.R1 {
		firedSet[sym] = struct{}{}
	}
	for sym := range p1.R2 {
		firedSet[sym] = struct{}{}
	}
	for sym := range p1.R3 {
		firedSet[sym] = struct{}{}
	}
	for sym := range r4 {
		firedSet[sym] = struct{}{}
	}

	symbols := make([]string, 0, len(firedSet))
	for sym := range firedSet {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	// One stage transaction: the clear and every write commit together, so
	// a failed rerun leaves the previous run's rows untouched.
	tx, err := p.hits.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if err := tx.ClearDate(ctx, date); err != nil {
		return 0, err
	}

	persisted := 0
	for _, sym := range symbols {
		bar, haveBar := barBySym[sym]
		if !haveBar {
			// R4 on a symbol with no sweep-day bar: no tape for the
			// volume floor, dropped like any sub-floor hit.
			continue
		}

		_, r1 := pm.R1[sym]
		_, r2 := p1.R2[sym]
		_, r3 := p1.R3[sym]
		_, r4fired := r4[sym]
		onlyOpenGap := r2 && !r1 && !r3 && !r4fired

		dec := p.gate.Evaluate(ctx, sym, date, bar, onlyOpenGap)
		if !dec.Keep {
			p.logger.WithFields(map[string]interface{}{
				"date":   date,
				"symbol": sym,
				"exec":   dec.Context.ExecutionDate,
			}).Info("Hit suppressed as reverse-split artifact")
			continue
		}
		exchange, ok := p.gate.AllowHit(ctx, sym, date, bar.Volume)
		if !ok {
			continue
		}

		hit := contracts.DiscoveryHit{
			Symbol:    sym,
			EventDate: date,
			Volume:    bar.Volume,
			Exchange:  exchange,
		}
		if bar.Open > 0 && bar.High > 0 {
			push, _ := rules.Push(bar.Open, bar.High, p.cfg.Discovery.PushPct)
			hit.IntradayPushPct = &push
		}
		if dec.Context.NearReverseSplit {
			hit.NearReverseSplit = true
			exec := dec.Context.ExecutionDate
			days := dec.Context.DaysAfter
			hit.SplitExecDate = &exec
			hit.DaysAfterSplit = &days
		}
		if r1 {
			hit.PMHighSource = pm.Source[sym]
			hit.PMHighVenue = pm.Venue[sym]
		}

		hitID, err := tx.Upsert(ctx, hit)
		if err != nil {
			return persisted, err
		}
		if r1 {
			if err := tx.InsertRule(ctx, hitID, rules.PremarketGap, pm.R1[sym]); err != nil {
				return persisted, err
			}
		}
		if r2 {
			if err := tx.InsertRule(ctx, hitID, rules.OpenGap, p1.R2[sym]); err != nil {
				return persisted, err
			}
		}
		if r3 {
			if err := tx.InsertRule(ctx, hitID, rules.IntradayPush, p1.R3[sym]); err != nil {
				return persisted, err
			}
		}
		if r4fired {
			if err := tx.InsertRule(ctx, hitID, rules.Surge7d, r4[sym]); err != nil {
				return persisted, err
			}
		}
		persisted++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit hits for %s: %w", date, err)
	}
	return persisted, nil
}

// nonCandidates is the audit pool: every swept symbol that Pass 1 did not
// flag for closer inspection.
func nonCandidates(p1 *Pass1Result) []string {
	inSet := make(map[string]struct{}, len(p1.Candidates))
	for _, sym := range p1.Candidates {
		inSet[sym] = struct{}{}
	}
	out := make([]string, 0, len(p1.Daily))
	for _, bar := range p1.Daily {
		if _, ok := inSet[bar.Symbol]; !ok {
			out = append(out, bar.Symbol)
		}
	}
	sort.Strings(out)
	return out
}

// fail records the stage failure before propagating it. Recording uses a
// fresh context so a timed-out day still leaves its diagnostic row.
func (p *Pipeline) fail(ctx context.Context, date, stage string, cause error) error {
	recCtx := ctx
	if ctx.Err() != nil {
		recCtx = context.Background()
	}
	if recErr := p.failures.Record(recCtx, date, stage, cause.Error()); recErr != nil {
		p.logger.WithError(recErr).Error("Failed to record stage failure")
	}
	return fmt.Errorf("stage %s for %s: %w", stage, date, cause)
}

func (p *Pipeline) recordNonFatal(ctx context.Context, date, stage, reason string) {
	if err := p.failures.Record(ctx, date, stage, reason); err != nil {
		p.logger.WithError(err).Error("Failed to record stage failure")
	}
}

// writeArtifacts flushes the per-symbol and per-provider diagnostics. Purely
// observational; errors are logged, never fatal.
func (p *Pipeline) writeArtifacts(date string, pm *PremarketResult) {
	dir := p.cfg.ArtifactsDir
	if dir == "" {
		return
	}
	if err := pm.WriteDiagnostics(date, dir); err != nil {
		p.logger.WithError(err).Warn("Premarket diagnostics not written")
	}
	if p.flusher != nil {
		if err := p.flusher.FlushDiagnostics(date, dir); err != nil {
			p.logger.WithError(err).Warn("Provider diagnostics not written")
		}
	}
}
