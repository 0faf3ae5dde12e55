package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// ReconcileOptions holds command-line options for the reconcile command.
type ReconcileOptions struct {
	ConfigPath string
	RunID      string
	Start      string
}

// NewReconcileCommand creates the reconcile command.
func NewReconcileCommand() *cobra.Command {
	opts := &ReconcileOptions{}

	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Re-scan a run's window and report capture rate",
		Long: `Independently re-derive a run's issues from its log window and compare
them to the persisted records. Prints the reconciliation report as JSON.

Times are UTC. When --start is omitted the job record's start time is
used; the window ends at the job's recorded end time, or after the
configured heuristic window when it has none.

Example:
  issuewatch reconcile --config /etc/issuewatch/server.yaml --run-id 251012-085512
  issuewatch reconcile -c server.yaml --run-id 251012-085512 --start 2025-10-12T08:55:00Z`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReconcile(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.ConfigPath, "config", "c", "/etc/issuewatch/server.yaml", "Path to server configuration file")
	cmd.Flags().StringVar(&opts.RunID, "run-id", "", "Run to reconcile (required)")
	cmd.Flags().StringVar(&opts.Start, "start", "", "Window start (RFC3339, UTC)")
	_ = cmd.MarkFlagRequired("run-id")

	return cmd
}

func runReconcile(ctx context.Context, opts *ReconcileOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var start time.Time
	if opts.Start != "" {
		parsed, err := time.Parse(time.RFC3339, opts.Start)
		if err != nil {
			return fmt.Errorf("invalid --start: %w", err)
		}
		start = parsed
	}

	p, err := buildPipeline(opts.ConfigPath)
	if err != nil {
		return err
	}
	defer p.store.Close(ctx)
	defer p.logger.Sync()

	report, err := p.reconcile.Reconcile(ctx, opts.RunID, start, time.Time{})
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
