package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run the discovery pipeline for one date",
	Long: `Runs the full T+1 discovery pipeline for a date: universe, bulk
sweep, premarket verification, surge rule, reverse-split gate, persistence,
and the completeness audit. Reruns are idempotent.

Example:
  go run ./cmd/gapscan scan --date 2026-08-21
  go run ./cmd/gapscan scan --date 2026-08-21 --force-universe`,
	RunE: runScan,
}

var (
	scanDate      string
	forceUniverse bool
)

func init() {
	rootCmd.AddCommand(scanCmd)
	scanCmd.Flags().StringVar(&scanDate, "date", "", "trading date YYYY-MM-DD (required)")
	scanCmd.Flags().BoolVar(&forceUniverse, "force-universe", false, "rebuild the pinned universe")
	scanCmd.MarkFlagRequired("date")
}

func runScan(cmd *cobra.Command, args []string) error {
	d, err := buildDeps(cmd.Context(), true)
	if err != nil {
		return err
	}
	defer d.close()

	res, err := d.pipeline.RunDay(cmd.Context(), scanDate, forceUniverse)
	if err != nil {
		return err
	}

	fmt.Printf("date:       %s\n", res.Date)
	fmt.Printf("universe:   %d\n", res.Universe)
	fmt.Printf("swept:      %d\n", res.BulkCount)
	fmt.Printf("candidates: %d\n", res.Candidates)
	fmt.Printf("pm checked: %d\n", res.PremarketChecked)
	fmt.Printf("hits:       %d\n", res.HitsPersisted)
	if res.Audit != nil {
		fmt.Printf("audit:      sample=%d misses=%d bound=%.4f\n",
			res.Audit.Sample, len(res.Audit.Misses), res.Audit.Bound)
	}
	fmt.Printf("accepted:   %v\n", res.Accepted)
	return nil
}
