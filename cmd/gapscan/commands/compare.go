package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var compareCmd = &cobra.Command{
	Use:   "compare",
	Short: "Cross-check a date's hits against the independent baseline",
	Long: `Runs the alpaca baseline detector over the date's primary hit symbols
and diffs the two result sets. A symbol the baseline found that the
primary scan did not revokes the date's acceptance.

Example:
  go run ./cmd/gapscan compare --date 2026-08-21`,
	RunE: runCompare,
}

var compareDate string

func init() {
	rootCmd.AddCommand(compareCmd)
	compareCmd.Flags().StringVar(&compareDate, "date", "", "trading date YYYY-MM-DD (required)")
	compareCmd.MarkFlagRequired("date")
}

func runCompare(cmd *cobra.Command, args []string) error {
	d, err := buildDeps(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer d.close()
	ctx := cmd.Context()

	primary, err := d.hitsRepo.ForDate(ctx, compareDate)
	if err != nil {
		return err
	}
	symbols := make([]string, 0, len(primary))
	for _, h := range primary {
		symbols = append(symbols, h.Symbol)
	}

	detector, comparator := d.baselineStack()
	baselineHits, err := detector.Scan(ctx, compareDate, symbols)
	if err != nil {
		return err
	}

	records, err := comparator.Compare(ctx, compareDate)
	if err != nil {
		return err
	}

	fmt.Printf("date:     %s\n", compareDate)
	fmt.Printf("primary:  %d hits\n", len(primary))
	fmt.Printf("baseline: %d hits\n", len(baselineHits))
	for _, rec := range records {
		fmt.Printf("%-18s overlap=%d primary_only=%d baseline_only=%d coverage=%.2f\n",
			rec.TriggerRule, len(rec.Overlap), len(rec.PrimaryOnly), len(rec.BaselineOnly), rec.CoverageRate)
		for _, sym := range rec.BaselineOnly {
			fmt.Printf("  MISSED %s\n", sym)
		}
	}
	return nil
}
