package jobs

import (
	"context"
	"time"

	"gapscan/internal/baseline"
	"gapscan/internal/hits"
	"gapscan/pkg/logger"
)

// BaselineJob runs the independent detector over yesterday's hits and diffs
// the sets. Scheduled after the nightly scan so both sides cover the same
// date.
type BaselineJob struct {
	detector   *baseline.Detector
	comparator *baseline.Comparator
	hits       *hits.Repository
	logger     *logger.Logger
	now        func() time.Time
}

// NewBaselineJob creates the baseline cross-check job.
func NewBaselineJob(detector *baseline.Detector, comparator *baseline.Comparator, hitsRepo *hits.Repository, log *logger.Logger) *BaselineJob {
	return &BaselineJob{detector: detector, comparator: comparator, hits: hitsRepo, logger: log, now: time.Now}
}

func (j *BaselineJob) Name() string { return "baseline_crosscheck" }

// Schedule fires at 04:00, after the nightly discovery job.
func (j *BaselineJob) Schedule() string { return "0 0 4 * * 2-6" }

// Run rescans the primary hit symbols with the independent source and
// compares. The symbol set is the primary's own hits; a richer deployment
// feeds the full universe through the detector out of band.
func (j *BaselineJob) Run(ctx context.Context) error {
	date := PrevTradingDay(j.now())

	primary, err := j.hits.ForDate(ctx, date)
	if err != nil {
		return err
	}
	symbols := make([]string, 0, len(primary))
	for _, h := range primary {
		symbols = append(symbols, h.Symbol)
	}

	if _, err := j.detector.Scan(ctx, date, symbols); err != nil {
		return err
	}
	records, err := j.comparator.Compare(ctx, date)
	if err != nil {
		return err
	}
	j.logger.WithFields(map[string]interface{}{
		"date":  date,
		"rules": len(records),
	}).Info("Baseline cross-check finished")
	return nil
}
