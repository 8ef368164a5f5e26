package scan

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gapscan/internal/bars"
	"gapscan/internal/completeness"
	"gapscan/internal/contracts"
	"gapscan/internal/hits"
	"gapscan/internal/rules"
	"gapscan/internal/universe"
	"gapscan/pkg/config"
	"gapscan/pkg/database"
)

type pipelineFixture struct {
	pipeline *Pipeline
	daily    *fakeDaily
	intraday *fakeIntraday
	hits     *hits.Repository
	compl    *completeness.Repository
	failures *FailureRecorder
	db       *database.DB
}

func newPipelineFixture(t *testing.T, daily *fakeDaily, intraday *fakeIntraday, roster *fakeMeta, artifacts string) *pipelineFixture {
	t.Helper()
	db := openTestDB(t)

	cfg := &config.Config{
		Discovery:    *discCfg(),
		Audit:        config.AuditConfig{TargetMissRate: 0.5}, // n = 6, small pools
		ArtifactsDir: artifacts,
	}
	log := nopLog()

	barsRepo := bars.NewRepository(db)
	hitsRepo := hits.NewRepository(db)
	complRepo := completeness.NewRepository(db)
	failures := NewFailureRecorder(db)

	p := NewPipeline(
		universe.NewBuilder(roster, nil, universe.NewRepository(db), log),
		NewPass1(daily, barsRepo, &cfg.Discovery, log),
		NewVerifier(intraday, &cfg.Discovery, log),
		NewSurgeEvaluator(barsRepo, daily, &cfg.Discovery, log),
		NewSplitGate(daily, roster, &cfg.Discovery, log),
		hitsRepo,
		completeness.NewAuditor(barsRepo, intraday, cfg, log),
		complRepo,
		failures,
		nil,
		cfg,
		log,
	)
	return &pipelineFixture{
		pipeline: p, daily: daily, intraday: intraday,
		hits: hitsRepo, compl: complRepo, failures: failures, db: db,
	}
}

// marketDay builds a 10-symbol day: one clean open-gap hit, one reverse-split
// artifact, and eight dull symbols for the audit pool.
func marketDay(date string) (*fakeDaily, *fakeMeta) {
	prevDate := "2026-08-20"
	prev := map[string]float64{"GAPR": 10, "SPLT": 10}

	day := []contracts.DailyBar{
		pbar(date, "GAPR", 15.0, 15.2, 14.0, 15.0, 2_000_000), // R2 fires
		pbar(date, "SPLT", 15.0, 15.2, 14.0, 15.0, 333_333),   // R2 fires, $5M tape
	}
	var entries []contracts.UniverseEntry
	for _, sym := range []string{"GAPR", "SPLT"} {
		entries = append(entries, contracts.UniverseEntry{Symbol: sym, Active: true, PrimaryExchange: "XNAS"})
	}
	for i := 1; i <= 8; i++ {
		sym := fmt.Sprintf("DUL%d", i)
		day = append(day, pbar(date, sym, 10.0, 10.1, 9.9, 10.0, 400_000))
		prev[sym] = 10
		entries = append(entries, contracts.UniverseEntry{Symbol: sym, Active: true, PrimaryExchange: "XNAS"})
	}

	daily := &fakeDaily{
		grouped:  map[string][]contracts.DailyBar{date: day},
		prevBulk: map[string]map[string]float64{prevDate: prev},
		splits: map[string][]contracts.SplitEvent{
			"SPLT": {{ExecutionDate: "2026-08-20", SplitFrom: 10, SplitTo: 1}},
		},
	}
	roster := &fakeMeta{
		entries: entries,
		meta: map[string]contracts.SymbolMeta{
			"GAPR": {PrimaryExchange: "XNAS", Exchange: "NASDAQ", SecurityType: "CS"},
			"SPLT": {PrimaryExchange: "XNAS", Exchange: "NASDAQ", SecurityType: "CS"},
		},
	}
	return daily, roster
}

func TestPipelineFullDay(t *testing.T) {
	date := "2026-08-21"
	daily, roster := marketDay(date)
	artifacts := t.TempDir()
	fx := newPipelineFixture(t, daily, &fakeIntraday{available: true}, roster, artifacts)
	ctx := context.Background()

	res, err := fx.pipeline.RunDay(ctx, date, false)
	require.NoError(t, err)

	assert.Equal(t, 10, res.Universe)
	assert.Equal(t, 10, res.BulkCount)
	assert.Equal(t, 2, res.Candidates)
	assert.Equal(t, 2, res.PremarketChecked)
	assert.Equal(t, 1, res.HitsPersisted)
	assert.True(t, res.Accepted)

	// The clean gapper survives; the split artifact is suppressed.
	stored, err := fx.hits.ForDate(ctx, date)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	hit := stored[0]
	assert.Equal(t, "GAPR", hit.Symbol)
	assert.Equal(t, "NASDAQ", hit.Exchange)
	assert.False(t, hit.NearReverseSplit)
	require.NotNil(t, hit.IntradayPushPct)

	hitRules, err := fx.hits.RulesForHit(ctx, hit.HitID)
	require.NoError(t, err)
	require.Len(t, hitRules, 1)
	assert.Equal(t, rules.OpenGap, hitRules[0].TriggerRule)
	assert.InDelta(t, 50.0, hitRules[0].RuleValue, 1e-9)

	// Terminal record: audited, passed, accepted.
	cl, err := fx.compl.Get(ctx, date)
	require.NoError(t, err)
	require.NotNil(t, cl)
	assert.Equal(t, 6, cl.AuditSample)
	assert.Zero(t, cl.AuditMisses)
	assert.True(t, cl.AuditPassed)
	assert.True(t, cl.Accepted)
	assert.InDelta(t, 0.5, cl.MissRateBound, 1e-9)

	// Per-symbol diagnostics land in the artifacts dir.
	_, statErr := os.Stat(filepath.Join(artifacts, "pm_symbols_"+date+".json"))
	assert.NoError(t, statErr)

	fails, err := fx.failures.ForDate(ctx, date)
	require.NoError(t, err)
	assert.Empty(t, fails)
}

func TestPipelineRerunConverges(t *testing.T) {
	date := "2026-08-21"
	daily, roster := marketDay(date)
	fx := newPipelineFixture(t, daily, &fakeIntraday{available: true}, roster, "")
	ctx := context.Background()

	_, err := fx.pipeline.RunDay(ctx, date, false)
	require.NoError(t, err)
	res, err := fx.pipeline.RunDay(ctx, date, false)
	require.NoError(t, err)

	assert.Equal(t, 1, res.HitsPersisted)
	stored, err := fx.hits.ForDate(ctx, date)
	require.NoError(t, err)
	assert.Len(t, stored, 1)
}

func TestPipelineStageFailureRecorded(t *testing.T) {
	date := "2026-08-21"
	daily, roster := marketDay(date)
	daily.groupedErr = errors.New("polygon 500")
	fx := newPipelineFixture(t, daily, &fakeIntraday{available: true}, roster, "")
	ctx := context.Background()

	_, err := fx.pipeline.RunDay(ctx, date, false)
	require.Error(t, err)

	fails, ferr := fx.failures.ForDate(ctx, date)
	require.NoError(t, ferr)
	assert.Contains(t, fails, StagePass1)

	// No completeness row for an unfinished date.
	cl, cerr := fx.compl.Get(ctx, date)
	require.NoError(t, cerr)
	assert.Nil(t, cl)
}

func TestPipelinePremarketSkipBlocksAcceptance(t *testing.T) {
	date := "2026-08-21"
	daily, roster := marketDay(date)
	// Provider down. The bulk highs still provide a coarse R1 answer, so the
	// stage is not skipped; strip them to force the skip path.
	for i := range daily.grouped[date] {
		daily.grouped[date][i].High = 0
	}
	// High=0 also kills R3/near-mover math; keep R2 intact via open price.
	fx := newPipelineFixture(t, daily, &fakeIntraday{available: false}, roster, "")
	ctx := context.Background()

	res, err := fx.pipeline.RunDay(ctx, date, false)
	require.NoError(t, err)

	assert.False(t, res.Accepted)
	cl, cerr := fx.compl.Get(ctx, date)
	require.NoError(t, cerr)
	require.NotNil(t, cl)
	assert.False(t, cl.Accepted)

	fails, ferr := fx.failures.ForDate(ctx, date)
	require.NoError(t, ferr)
	assert.Contains(t, fails, StagePremarket)
}

// Guard against the stage caps leaking between runs.
func TestPipelineHonorsDayTimeout(t *testing.T) {
	date := "2026-08-21"
	daily, roster := marketDay(date)
	fx := newPipelineFixture(t, daily, &fakeIntraday{available: true}, roster, "")
	fx.pipeline.cfg.Discovery.DayTimeout = time.Nanosecond

	_, err := fx.pipeline.RunDay(context.Background(), date, false)
	require.Error(t, err)

	// The failure row survives the expired context.
	fails, ferr := fx.failures.ForDate(context.Background(), date)
	require.NoError(t, ferr)
	assert.NotEmpty(t, fails)
}

func TestPipelineFailedRerunKeepsPriorHits(t *testing.T) {
	date := "2026-08-21"
	daily, roster := marketDay(date)
	// second clean hit so a rerun can die partway through the persist loop
	daily.grouped[date] = append(daily.grouped[date],
		pbar(date, "HOTT", 16.0, 16.2, 15.0, 16.0, 1_500_000))
	daily.prevBulk["2026-08-20"]["HOTT"] = 10
	roster.entries = append(roster.entries,
		contracts.UniverseEntry{Symbol: "HOTT", Active: true, PrimaryExchange: "XNAS"})
	roster.meta["HOTT"] = contracts.SymbolMeta{PrimaryExchange: "XNAS", Exchange: "NASDAQ", SecurityType: "CS"}

	fx := newPipelineFixture(t, daily, &fakeIntraday{available: true}, roster, t.TempDir())
	ctx := context.Background()

	_, err := fx.pipeline.RunDay(ctx, date, false)
	require.NoError(t, err)
	before, err := fx.hits.ForDate(ctx, date)
	require.NoError(t, err)
	require.Len(t, before, 2)

	// reject HOTT's rule writes so the rerun fails after other symbols
	// already wrote
	_, err = fx.db.Conn().Exec(`
		CREATE TRIGGER reject_hott BEFORE INSERT ON discovery_hit_rules
		WHEN (SELECT ticker FROM discovery_hits WHERE hit_id = NEW.hit_id) = 'HOTT'
		BEGIN SELECT RAISE(ABORT, 'rule write rejected'); END`)
	require.NoError(t, err)

	_, err = fx.pipeline.RunDay(ctx, date, false)
	require.Error(t, err)

	after, err := fx.hits.ForDate(ctx, date)
	require.NoError(t, err)
	require.Len(t, after, 2, "failed rerun must leave the prior hit set intact")
	for i, h := range after {
		assert.Equal(t, before[i].Symbol, h.Symbol)
		ruleRows, err := fx.hits.RulesForHit(ctx, h.HitID)
		require.NoError(t, err)
		assert.NotEmpty(t, ruleRows, "prior rules must survive the rollback")
	}

	accepted, err := fx.compl.IsAccepted(ctx, date)
	require.NoError(t, err)
	assert.True(t, accepted, "acceptance stands because the stored hits are still the accepted run's")

	failures, err := fx.failures.ForDate(ctx, date)
	require.NoError(t, err)
	assert.Contains(t, failures, StagePersist)
}

func TestPersistSkipsSymbolWithoutSweepBar(t *testing.T) {
	date := "2026-08-21"
	daily, roster := marketDay(date)
	fx := newPipelineFixture(t, daily, &fakeIntraday{available: true}, roster, t.TempDir())
	ctx := context.Background()

	p1 := &Pass1Result{R2: map[string]float64{}, R3: map[string]float64{}}
	pm := &PremarketResult{}
	r4 := map[string]float64{"GHST": 350}

	n, err := fx.pipeline.persistHits(ctx, date, p1, pm, r4, map[string]contracts.DailyBar{})
	require.NoError(t, err)
	assert.Zero(t, n)

	stored, err := fx.hits.ForDate(ctx, date)
	require.NoError(t, err)
	assert.Empty(t, stored, "a surge symbol with no sweep-day tape persists nothing")
}
