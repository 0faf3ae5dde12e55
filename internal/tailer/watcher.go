// Package tailer follows local log files and runs the extraction pipeline
// over them, as a file-based counterpart to the HTTP log source.
package tailer

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/leadbase/issuewatch/pkg/models"
	"github.com/nxadm/tail"
	"go.uber.org/zap"
)

// Watcher tails log files and sends lines to the pipeline channel.
type Watcher struct {
	logFiles []string
	state    *State
	logger   *zap.Logger
	lineChan chan<- models.LogEntry
}

// NewWatcher creates a log file watcher feeding lineChan.
func NewWatcher(logFiles []string, state *State, logger *zap.Logger, lineChan chan<- models.LogEntry) *Watcher {
	return &Watcher{
		logFiles: logFiles,
		state:    state,
		logger:   logger,
		lineChan: lineChan,
	}
}

// Start tails all configured files until the context is cancelled, then
// persists the read offsets one last time.
func (w *Watcher) Start(ctx context.Context) error {
	go w.state.saver(ctx, w.logger)

	var wg sync.WaitGroup
	for _, logFile := range w.logFiles {
		wg.Add(1)
		go func(filepath string) {
			defer wg.Done()
			if err := w.tailFile(ctx, filepath); err != nil && err != context.Canceled {
				w.logger.Error("Error tailing file", zap.String("file", filepath), zap.Error(err))
			}
		}(logFile)
	}
	wg.Wait()

	if err := w.state.Save(); err != nil {
		w.logger.Error("Failed to save final state", zap.Error(err))
	}
	return nil
}

func (w *Watcher) tailFile(ctx context.Context, filepath string) error {
	w.logger.Info("Starting to tail file", zap.String("file", filepath))

	config := tail.Config{
		Follow:    true,
		ReOpen:    true,
		MustExist: false,
		Poll:      true, // polling for better compatibility
		Location:  &tail.SeekInfo{Offset: 0, Whence: os.SEEK_END},
	}

	if offset, ok := w.state.Offset(filepath); ok {
		config.Location = &tail.SeekInfo{Offset: offset, Whence: os.SEEK_SET}
		w.logger.Info("Resuming from saved position",
			zap.String("file", filepath),
			zap.Int64("offset", offset))
	}

	t, err := tail.TailFile(filepath, config)
	if err != nil {
		return fmt.Errorf("failed to tail file %s: %w", filepath, err)
	}
	defer t.Cleanup()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Stopping tail of file", zap.String("file", filepath))
			return ctx.Err()

		case line, ok := <-t.Lines:
			if !ok {
				w.logger.Warn("Tail channel closed", zap.String("file", filepath))
				return nil
			}
			if line.Err != nil {
				w.logger.Error("Error reading line", zap.String("file", filepath), zap.Error(line.Err))
				continue
			}

			entry := models.LogEntry{
				Timestamp: time.Now().UTC(),
				Message:   line.Text,
				StreamID:  filepath,
			}

			select {
			case w.lineChan <- entry:
			case <-time.After(5 * time.Second):
				w.logger.Warn("Timeout sending line to pipeline, dropping line",
					zap.String("file", filepath))
			case <-ctx.Done():
				return ctx.Err()
			}

			if offset, err := t.Tell(); err == nil {
				w.state.SetOffset(filepath, offset)
			}
		}
	}
}
