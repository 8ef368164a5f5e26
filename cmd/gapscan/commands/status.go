package commands

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the completeness record and stage failures for a date",
	RunE:  runStatus,
}

var (
	statusDate   string
	statusRecent int
)

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVar(&statusDate, "date", "", "trading date YYYY-MM-DD")
	statusCmd.Flags().IntVar(&statusRecent, "recent", 0, "list the N most recent completeness records instead")
}

func runStatus(cmd *cobra.Command, args []string) error {
	d, err := buildDeps(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer d.close()
	ctx := cmd.Context()

	if statusRecent > 0 {
		logs, err := d.complRepo.Recent(ctx, statusRecent)
		if err != nil {
			return err
		}
		for _, cl := range logs {
			fmt.Printf("%s  universe=%-5d candidates=%-4d hits=%-4d audit=%v accepted=%v\n",
				cl.Date, cl.TotalUniverse, cl.Pass1Candidates, cl.PremarketHits, cl.AuditPassed, cl.Accepted)
		}
		return nil
	}

	if statusDate == "" {
		return fmt.Errorf("need --date or --recent")
	}

	cl, err := d.complRepo.Get(ctx, statusDate)
	if err != nil {
		return err
	}
	if cl == nil {
		fmt.Printf("date %s never ran\n", statusDate)
		return nil
	}

	fmt.Printf("date:              %s\n", cl.Date)
	fmt.Printf("universe:          %d\n", cl.TotalUniverse)
	fmt.Printf("bulk swept:        %d\n", cl.BulkCount)
	fmt.Printf("pass1 candidates:  %d\n", cl.Pass1Candidates)
	fmt.Printf("premarket checked: %d\n", cl.PremarketChecked)
	fmt.Printf("premarket hits:    %d\n", cl.PremarketHits)
	fmt.Printf("audit sample:      %d (misses %d, bound %.4f)\n", cl.AuditSample, cl.AuditMisses, cl.MissRateBound)
	fmt.Printf("audit passed:      %v\n", cl.AuditPassed)
	fmt.Printf("accepted:          %v\n", cl.Accepted)

	failures, err := d.failures.ForDate(ctx, statusDate)
	if err != nil {
		return err
	}
	if len(failures) > 0 {
		stages := make([]string, 0, len(failures))
		for stage := range failures {
			stages = append(stages, stage)
		}
		sort.Strings(stages)
		fmt.Println("failures:")
		for _, stage := range stages {
			fmt.Printf("  %-12s %s\n", stage, failures[stage])
		}
	}
	return nil
}
