// Package commands implements the gapscan CLI verbs.
package commands

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "gapscan",
	Short: "Zero-miss gap discovery for US equities",
	Long: `gapscan finds every US equity that moved 50%+ in a session or
premarket, or 300%+ over a trailing week, at T+1 -- and proves the
completeness of each day's result before accepting it.

Usage:
  go run ./cmd/gapscan [command]

Examples:
  go run ./cmd/gapscan scan --date 2026-08-21
  go run ./cmd/gapscan universe --date 2026-08-21
  go run ./cmd/gapscan status --date 2026-08-21
  go run ./cmd/gapscan compare --date 2026-08-21
  go run ./cmd/gapscan api
  go run ./cmd/gapscan scheduler start`,
}

// Execute runs the root command tree.
func Execute() error {
	return rootCmd.Execute()
}
