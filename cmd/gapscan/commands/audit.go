package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"gapscan/internal/completeness"
	"gapscan/internal/contracts"
	"gapscan/internal/external/polygon"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Re-run the completeness audit for a scanned date",
	Long: `Re-draws the rule-of-three sample for a date that already ran and
re-derives the rules independently of the pipeline's stored results.
Useful after remediating a provider outage without repeating the scan.

Example:
  go run ./cmd/gapscan audit --date 2026-08-21`,
	RunE: runAudit,
}

var auditDate string

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.Flags().StringVar(&auditDate, "date", "", "trading date YYYY-MM-DD (required)")
	auditCmd.MarkFlagRequired("date")
}

func runAudit(cmd *cobra.Command, args []string) error {
	d, err := buildDeps(cmd.Context(), true)
	if err != nil {
		return err
	}
	defer d.close()
	ctx := cmd.Context()

	cl, err := d.complRepo.Get(ctx, auditDate)
	if err != nil {
		return err
	}
	if cl == nil {
		return fmt.Errorf("date %s never ran, scan it first", auditDate)
	}

	pool, prevClose, err := auditInputs(ctx, d, auditDate)
	if err != nil {
		return err
	}

	auditor := completeness.NewAuditor(d.barsRepo, intradayOrNil(d.theta), d.cfg, d.logger)
	res, err := auditor.Run(ctx, auditDate, pool, prevClose)
	if err != nil {
		return err
	}

	fmt.Printf("date:    %s\n", auditDate)
	fmt.Printf("sample:  %d of %d required\n", res.Sample, res.Required)
	fmt.Printf("misses:  %d\n", len(res.Misses))
	for _, m := range res.Misses {
		fmt.Printf("  %s %s %.2f\n", m.Symbol, m.TriggerRule, m.Value)
	}
	fmt.Printf("passed:  %v (bound %.4f)\n", res.Passed, res.Bound)

	cl.AuditSample = res.Sample
	cl.AuditMisses = len(res.Misses)
	cl.AuditPassed = res.Passed
	cl.MissRateBound = res.Bound
	cl.Accepted = cl.Accepted && res.Passed
	return d.complRepo.Write(ctx, *cl)
}

// auditInputs reconstructs the audit pool for a stored date: every swept
// symbol that persisted no hit, with the stored previous closes.
func auditInputs(ctx context.Context, d *deps, date string) ([]string, map[string]float64, error) {
	swept, err := d.barsRepo.BarsForDate(ctx, polygon.ProviderName, date)
	if err != nil {
		return nil, nil, err
	}
	hitRows, err := d.hitsRepo.ForDate(ctx, date)
	if err != nil {
		return nil, nil, err
	}
	hitSet := make(map[string]struct{}, len(hitRows))
	for _, h := range hitRows {
		hitSet[h.Symbol] = struct{}{}
	}

	day, err := time.Parse(contracts.DateFormat, date)
	if err != nil {
		return nil, nil, err
	}
	prevDate := day.AddDate(0, 0, -1).Format(contracts.DateFormat)
	prevClose, err := d.barsRepo.PrevCloseMap(ctx, polygon.ProviderName, prevDate)
	if err != nil {
		return nil, nil, err
	}

	pool := make([]string, 0, len(swept))
	for _, bar := range swept {
		if _, hit := hitSet[bar.Symbol]; !hit {
			pool = append(pool, bar.Symbol)
		}
	}
	return pool, prevClose, nil
}
