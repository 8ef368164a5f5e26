package commands

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"gapscan/internal/external/fmp"
	"gapscan/internal/universe"
)

var universeCmd = &cobra.Command{
	Use:   "universe",
	Short: "Build or inspect the pinned universe for a date",
	Long: `Builds the per-date universe snapshot from the reference roster
(plus the optional delisted augmentation) or prints the stored one.

Example:
  go run ./cmd/gapscan universe --date 2026-08-21
  go run ./cmd/gapscan universe --date 2026-08-21 --rebuild`,
	RunE: runUniverse,
}

var (
	universeDate    string
	universeRebuild bool
)

func init() {
	rootCmd.AddCommand(universeCmd)
	universeCmd.Flags().StringVar(&universeDate, "date", "", "trading date YYYY-MM-DD (required)")
	universeCmd.Flags().BoolVar(&universeRebuild, "rebuild", false, "rebuild even when a snapshot exists")
	universeCmd.MarkFlagRequired("date")
}

func runUniverse(cmd *cobra.Command, args []string) error {
	d, err := buildDeps(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer d.close()

	builder := universe.NewBuilder(d.polygon, fmpDelisted{fmp.NewClient(d.cfg, d.logger)}, d.uniRepo, d.logger)
	count, err := builder.Build(cmd.Context(), universeDate, universeRebuild)
	if err != nil {
		return err
	}

	stats, err := d.uniRepo.StatsForDate(cmd.Context(), universeDate)
	if err != nil {
		return err
	}
	fmt.Printf("date:     %s\n", universeDate)
	fmt.Printf("symbols:  %d (active %d, delisted %d)\n", count, stats.Active, stats.Delisted)

	exchanges := make([]string, 0, len(stats.ByExchange))
	for ex := range stats.ByExchange {
		exchanges = append(exchanges, ex)
	}
	sort.Strings(exchanges)
	for _, ex := range exchanges {
		fmt.Printf("  %-8s %d\n", ex, stats.ByExchange[ex])
	}
	return nil
}
