package commands

import (
	"context"

	"gapscan/internal/baseline"
	"gapscan/internal/bars"
	"gapscan/internal/completeness"
	"gapscan/internal/contracts"
	"gapscan/internal/external/alpaca"
	"gapscan/internal/external/fmp"
	"gapscan/internal/external/polygon"
	"gapscan/internal/external/theta"
	"gapscan/internal/hits"
	"gapscan/internal/scan"
	"gapscan/internal/universe"
	"gapscan/pkg/config"
	"gapscan/pkg/database"
	"gapscan/pkg/logger"
)

// deps is the assembled runtime every verb shares.
type deps struct {
	cfg    *config.Config
	logger *logger.Logger
	db     *database.DB

	polygon *polygon.Client
	theta   *theta.Client

	barsRepo  *bars.Repository
	hitsRepo  *hits.Repository
	complRepo *completeness.Repository
	uniRepo   *universe.Repository
	failures  *scan.FailureRecorder

	pipeline *scan.Pipeline
}

// buildDeps loads config, opens the database, probes the providers, and
// wires the pipeline. withTheta skips the terminal probe for verbs that
// never touch premarket data.
func buildDeps(ctx context.Context, withTheta bool) (*deps, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	log := logger.New(cfg)

	db, err := database.New(cfg)
	if err != nil {
		return nil, err
	}

	d := &deps{
		cfg:       cfg,
		logger:    log,
		db:        db,
		polygon:   polygon.NewClient(cfg, log),
		barsRepo:  bars.NewRepository(db),
		hitsRepo:  hits.NewRepository(db),
		complRepo: completeness.NewRepository(db),
		uniRepo:   universe.NewRepository(db),
		failures:  scan.NewFailureRecorder(db),
	}

	var intraday *theta.Client
	if withTheta {
		intraday = theta.NewClient(ctx, cfg, log)
		d.theta = intraday
	}

	builder := universe.NewBuilder(d.polygon, fmpDelisted{fmp.NewClient(cfg, log)}, d.uniRepo, log)
	d.pipeline = scan.NewPipeline(
		builder,
		scan.NewPass1(d.polygon, d.barsRepo, &cfg.Discovery, log),
		scan.NewVerifier(intradayOrNil(intraday), &cfg.Discovery, log),
		scan.NewSurgeEvaluator(d.barsRepo, d.polygon, &cfg.Discovery, log),
		scan.NewSplitGate(d.polygon, d.polygon, &cfg.Discovery, log),
		d.hitsRepo,
		completeness.NewAuditor(d.barsRepo, intradayOrNil(intraday), cfg, log),
		d.complRepo,
		d.failures,
		flusherOrNil(intraday),
		cfg,
		log,
	)
	return d, nil
}

func (d *deps) close() {
	d.db.Close()
}

// baselineStack wires the independent detector and comparator.
func (d *deps) baselineStack() (*baseline.Detector, *baseline.Comparator) {
	repo := baseline.NewRepository(d.db)
	detector := baseline.NewDetector(alpaca.NewClient(d.cfg, d.logger), repo, &d.cfg.Discovery, d.logger)
	comparator := baseline.NewComparator(d.hitsRepo, repo, d.complRepo, d.cfg.ArtifactsDir, d.logger)
	return detector, comparator
}

// fmpDelisted adapts the FMP client to the universe builder's source shape.
type fmpDelisted struct {
	c *fmp.Client
}

func (f fmpDelisted) Configured() bool { return f.c.Configured() }

func (f fmpDelisted) DelistedCompanies(ctx context.Context) ([]universe.DelistedEntry, error) {
	rows, err := f.c.DelistedCompanies(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]universe.DelistedEntry, 0, len(rows))
	for _, row := range rows {
		out = append(out, universe.DelistedEntry{Symbol: row.Symbol, Exchange: row.Exchange})
	}
	return out, nil
}

// intradayOrNil keeps a typed-nil *theta.Client out of the interface value.
func intradayOrNil(c *theta.Client) contracts.IntradayProvider {
	if c == nil {
		return nil
	}
	return c
}

func flusherOrNil(c *theta.Client) scan.DiagnosticsFlusher {
	if c == nil {
		return nil
	}
	return c
}
