package commands

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"gapscan/internal/scheduler"
	"gapscan/internal/scheduler/jobs"
)

var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Run the nightly job scheduler",
	Long: `Registers the nightly discovery scan and the baseline cross-check
on their cron schedules and blocks until interrupted.

Example:
  go run ./cmd/gapscan scheduler start
  go run ./cmd/gapscan scheduler run nightly_discovery`,
}

var schedulerStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the scheduler and block until interrupted",
	RunE:  runSchedulerStart,
}

var schedulerRunCmd = &cobra.Command{
	Use:   "run [job]",
	Short: "Trigger a registered job once, immediately",
	Args:  cobra.ExactArgs(1),
	RunE:  runSchedulerRun,
}

func init() {
	rootCmd.AddCommand(schedulerCmd)
	schedulerCmd.AddCommand(schedulerStartCmd)
	schedulerCmd.AddCommand(schedulerRunCmd)
}

func buildScheduler(d *deps) (*scheduler.Scheduler, error) {
	sched := scheduler.New(d.logger)

	detector, comparator := d.baselineStack()
	jobList := []scheduler.Job{
		jobs.NewDiscoveryJob(d.pipeline, d.logger),
		jobs.NewBaselineJob(detector, comparator, d.hitsRepo, d.logger),
	}
	for _, job := range jobList {
		if err := sched.AddJob(job); err != nil {
			return nil, err
		}
	}
	return sched, nil
}

func runSchedulerStart(cmd *cobra.Command, args []string) error {
	d, err := buildDeps(cmd.Context(), true)
	if err != nil {
		return err
	}
	defer d.close()

	sched, err := buildScheduler(d)
	if err != nil {
		return err
	}

	sched.Start()
	d.logger.WithField("jobs", sched.Jobs()).Info("scheduler started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	d.logger.WithField("signal", sig.String()).Info("stopping scheduler")

	sched.Stop()
	return nil
}

func runSchedulerRun(cmd *cobra.Command, args []string) error {
	d, err := buildDeps(cmd.Context(), true)
	if err != nil {
		return err
	}
	defer d.close()

	sched, err := buildScheduler(d)
	if err != nil {
		return err
	}

	name := args[0]
	if err := sched.RunJob(name); err != nil {
		return err
	}
	fmt.Printf("triggered %s\n", name)

	// RunJob is async; poll for the history entry before exiting.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-sigCh:
			return nil
		case <-ticker.C:
		}
		hist, err := sched.History(name)
		if err != nil {
			return err
		}
		if results := hist.Latest(1); len(results) == 1 {
			latest := results[0]
			if !latest.Success {
				return fmt.Errorf("job %s failed: %s", name, latest.Error)
			}
			fmt.Printf("job %s finished in %s\n", name, latest.Duration)
			return nil
		}
	}
}
