package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/leadbase/issuewatch/internal/config"
	"github.com/leadbase/issuewatch/internal/extract"
	"github.com/leadbase/issuewatch/internal/store"
	"github.com/leadbase/issuewatch/internal/tailer"
)

// TailOptions holds command-line options for the tail command.
type TailOptions struct {
	ConfigPath string
}

// NewTailCommand creates the tail command.
func NewTailCommand() *cobra.Command {
	opts := &TailOptions{}

	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Follow local log files through the pipeline",
		Long: `Follow the configured local log files, classifying lines as they arrive
and writing deduplicated issues to the store. Read offsets persist to the
state file so a restart resumes without gaps.

Example:
  issuewatch tail --config /etc/issuewatch/tailer.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTail(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVarP(&opts.ConfigPath, "config", "c", "/etc/issuewatch/tailer.yaml", "Path to tailer configuration file")

	return cmd
}

func runTail(ctx context.Context, opts *TailOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, err := config.LoadTailerConfig(opts.ConfigPath)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync()

	registry, err := loadRegistry(cfg.PatternsFile)
	if err != nil {
		return err
	}

	st, err := store.NewMongo(
		cfg.MongoDB.URI,
		cfg.MongoDB.Database,
		cfg.MongoDB.CertificateKeyFile,
		cfg.MongoDB.MaxPoolSize,
		cfg.MongoDB.FixedTTLDays,
		logger,
	)
	if err != nil {
		return fmt.Errorf("connecting to store: %w", err)
	}
	defer st.Close(context.Background())

	var enabledLogFiles []string
	for _, lf := range cfg.LogFiles {
		if lf.Enabled {
			enabledLogFiles = append(enabledLogFiles, lf.Path)
		}
	}
	if len(enabledLogFiles) == 0 {
		return fmt.Errorf("no enabled log files configured")
	}

	logger.Info("Starting tailer",
		zap.Int("log_files", len(enabledLogFiles)),
		zap.String("state_file", cfg.StateFile))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
		cancel()

		// Give 30 seconds for graceful shutdown
		time.Sleep(30 * time.Second)
		logger.Error("Forced shutdown after timeout")
		os.Exit(1)
	}()

	state := tailer.LoadState(cfg.StateFile, logger)
	extractor := extract.New(registry, logger)

	pipeline := tailer.NewPipeline(
		extractor,
		st,
		state,
		cfg.Batching.FlushInterval,
		cfg.Batching.MaxBuffer,
		cfg.Batching.QueueSize,
		logger,
	)

	watcher := tailer.NewWatcher(enabledLogFiles, state, logger, pipeline.LineChan())

	go func() {
		if err := pipeline.Start(ctx); err != nil && err != context.Canceled {
			logger.Error("Pipeline failed", zap.Error(err))
		}
	}()

	if err := watcher.Start(ctx); err != nil && err != context.Canceled {
		return err
	}

	logger.Info("Tailer stopped gracefully")
	return nil
}
