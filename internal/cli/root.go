// Package cli provides the issuewatch command-line interface.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/leadbase/issuewatch/internal/cli/commands"
)

// Execute runs the root command and returns the process exit code: 0 on
// success, 1 on a fatal scan error.
func Execute() int {
	rootCmd := NewRootCommand()

	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

// NewRootCommand creates the root cobra command.
func NewRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "issuewatch",
		Short: "Scan production logs into deduplicated issue records",
		Long: `issuewatch tails the hosting provider's log stream, classifies lines
against a severity pattern table, deduplicates occurrences into persisted
issue records, and keeps a per-run watermark so batch and on-demand passes
together capture every error exactly once.

Commands:
  scan          Run a scan pass (job window or continuous)
  reconcile     Re-scan a run's window and report capture rate
  analyze-text  Run the pipeline over a local log file or stdin
  tail          Follow local log files through the pipeline`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(commands.NewScanCommand())
	rootCmd.AddCommand(commands.NewReconcileCommand())
	rootCmd.AddCommand(commands.NewAnalyzeTextCommand())
	rootCmd.AddCommand(commands.NewTailCommand())

	return rootCmd
}
