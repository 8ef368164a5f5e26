// Package jobs holds the concrete scheduled jobs: the nightly T+1 discovery
// scan and the baseline cross-check.
package jobs

import (
	"context"
	"time"

	"gapscan/internal/scan"
	"gapscan/pkg/logger"
)

// DiscoveryJob runs the full pipeline for the previous trading day. It runs
// after the nightly flat-file and API data for T settles, well before the
// next premarket.
type DiscoveryJob struct {
	pipeline *scan.Pipeline
	logger   *logger.Logger
	now      func() time.Time
}

// NewDiscoveryJob creates the nightly scan job.
func NewDiscoveryJob(pipeline *scan.Pipeline, log *logger.Logger) *DiscoveryJob {
	return &DiscoveryJob{pipeline: pipeline, logger: log, now: time.Now}
}

func (j *DiscoveryJob) Name() string { return "nightly_discovery" }

// Schedule fires at 02:30 Tuesday through Saturday, covering Monday through
// Friday sessions at T+1.
func (j *DiscoveryJob) Schedule() string { return "0 30 2 * * 2-6" }

// Run scans the previous trading day.
func (j *DiscoveryJob) Run(ctx context.Context) error {
	date := PrevTradingDay(j.now())
	j.logger.WithField("date", date).Info("Nightly discovery scan starting")

	res, err := j.pipeline.RunDay(ctx, date, false)
	if err != nil {
		return err
	}
	j.logger.WithFields(map[string]interface{}{
		"date":     date,
		"hits":     res.HitsPersisted,
		"accepted": res.Accepted,
	}).Info("Nightly discovery scan finished")
	return nil
}

// PrevTradingDay steps back from t to the last weekday. Exchange holidays
// resolve themselves downstream: a holiday yields an empty grouped sweep and
// the date fails cleanly as a non-trading day.
func PrevTradingDay(t time.Time) string {
	d := t.AddDate(0, 0, -1)
	for d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
		d = d.AddDate(0, 0, -1)
	}
	return d.Format("2006-01-02")
}
