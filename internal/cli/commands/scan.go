package commands

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/leadbase/issuewatch/pkg/models"
)

// ScanOptions holds command-line options for the scan command.
type ScanOptions struct {
	ConfigPath string
	RunID      string
	Minutes    int
}

// NewScanCommand creates the scan command.
func NewScanCommand() *cobra.Command {
	opts := &ScanOptions{}

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Run a scan pass over the log stream",
		Long: `Run one scan pass and print the pass summary as JSON.

With --run-id the pass covers that job's declared window and advances the
run's watermark. Without it, the pass covers the last --minutes minutes in
continuous mode, attributing issues to whatever run IDs the log context
yields.

Example:
  issuewatch scan --config /etc/issuewatch/server.yaml --run-id 251012-085512
  issuewatch scan --config /etc/issuewatch/server.yaml --minutes 120`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.ConfigPath, "config", "c", "/etc/issuewatch/server.yaml", "Path to server configuration file")
	cmd.Flags().StringVar(&opts.RunID, "run-id", "", "Scan this job's declared window")
	cmd.Flags().IntVar(&opts.Minutes, "minutes", 60, "Continuous-mode lookback in minutes")

	return cmd
}

func runScan(ctx context.Context, opts *ScanOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}

	p, err := buildPipeline(opts.ConfigPath)
	if err != nil {
		return err
	}
	defer p.store.Close(ctx)
	defer p.logger.Sync()

	var result *models.PassResult
	if opts.RunID != "" {
		result, err = p.scanner.ScanJob(ctx, opts.RunID)
	} else {
		from := time.Now().UTC().Add(-time.Duration(opts.Minutes) * time.Minute)
		result, err = p.scanner.ScanFrom(ctx, from, "")
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
