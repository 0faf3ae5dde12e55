package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/leadbase/issuewatch/internal/dedupe"
	"github.com/leadbase/issuewatch/internal/extract"
	"github.com/leadbase/issuewatch/internal/logsource"
	"github.com/leadbase/issuewatch/internal/store"
	"github.com/leadbase/issuewatch/pkg/models"
)

// AnalyzeTextOptions holds command-line options for the analyze-text
// command.
type AnalyzeTextOptions struct {
	ConfigPath   string
	PatternsFile string
	FilePath     string
	Offline      bool
}

// NewAnalyzeTextCommand creates the analyze-text command.
func NewAnalyzeTextCommand() *cobra.Command {
	opts := &AnalyzeTextOptions{}

	cmd := &cobra.Command{
		Use:   "analyze-text [file]",
		Short: "Run the pipeline over a local log file or stdin",
		Long: `Feed a pasted or saved chunk of log output through the classifier and
deduper, printing the resulting issues as JSON. With --offline the issues
stay in memory; otherwise they persist to the configured store.

Example:
  issuewatch analyze-text --offline crashed-run.log
  cat dump.log | issuewatch analyze-text --offline
  issuewatch analyze-text -c server.yaml captured.log`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				opts.FilePath = args[0]
			}
			return runAnalyzeText(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.ConfigPath, "config", "c", "/etc/issuewatch/server.yaml", "Path to server configuration file")
	cmd.Flags().StringVar(&opts.PatternsFile, "patterns", "", "Pattern table YAML (defaults to the built-in table)")
	cmd.Flags().BoolVar(&opts.Offline, "offline", false, "Analyze in memory without touching the store")

	return cmd
}

// issueUpserter is the slice of the store analyze-text needs; both the
// Mongo and in-memory stores satisfy it.
type issueUpserter interface {
	Upsert(ctx context.Context, issue models.Issue) (store.UpsertResult, error)
}

func runAnalyzeText(ctx context.Context, opts *AnalyzeTextOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}

	text, err := readInput(opts.FilePath)
	if err != nil {
		return err
	}

	if opts.Offline {
		registry, err := loadRegistry(opts.PatternsFile)
		if err != nil {
			return err
		}
		extractor := extract.New(registry, zap.NewNop())
		return analyzeInto(ctx, extractor, store.NewMemory(), text)
	}

	p, err := buildPipeline(opts.ConfigPath)
	if err != nil {
		return err
	}
	defer p.store.Close(ctx)
	defer p.logger.Sync()

	return analyzeInto(ctx, p.extractor, p.store, text)
}

func analyzeInto(ctx context.Context, extractor *extract.Extractor, issues issueUpserter, text string) error {
	entries := logsource.EntriesFromText(text, time.Now().UTC())
	raws := extractor.Extract(entries)

	agg := dedupe.NewAggregator()
	for _, raw := range raws {
		agg.Add(raw)
	}

	created := 0
	out := agg.Issues()
	for _, issue := range out {
		res, err := issues.Upsert(ctx, issue)
		if err != nil {
			return fmt.Errorf("persisting issue: %w", err)
		}
		if res.Created {
			created++
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]interface{}{
		"lines_scanned": len(entries),
		"issues_found":  len(out),
		"created":       created,
		"issues":        out,
	})
}

func readInput(path string) (string, error) {
	if path == "" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("reading stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	return string(data), nil
}
