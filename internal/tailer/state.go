package tailer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// stateData is the on-disk JSON shape: per-file read offsets plus the
// timestamp of the last completed pipeline flush.
type stateData struct {
	Offsets   map[string]int64 `json:"offsets"`
	LastFlush time.Time        `json:"last_flush,omitempty"`
}

// State persists tailer progress so a restart resumes where it left off.
type State struct {
	mu   sync.RWMutex
	path string
	data stateData
}

// LoadState reads the state file, starting fresh when it is missing or
// unreadable.
func LoadState(path string, logger *zap.Logger) *State {
	s := &State{
		path: path,
		data: stateData{Offsets: make(map[string]int64)},
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("Failed to load tailer state, starting fresh", zap.Error(err))
		}
		return s
	}
	if err := json.Unmarshal(raw, &s.data); err != nil {
		logger.Warn("Corrupt tailer state, starting fresh", zap.Error(err))
		s.data = stateData{Offsets: make(map[string]int64)}
	}
	if s.data.Offsets == nil {
		s.data.Offsets = make(map[string]int64)
	}

	logger.Info("Tailer state loaded",
		zap.String("state_file", path),
		zap.Int("files", len(s.data.Offsets)))
	return s
}

// Offset returns the saved read offset for a file.
func (s *State) Offset(filepath string) (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data.Offsets[filepath]
	return v, ok
}

// SetOffset records the current read offset for a file.
func (s *State) SetOffset(filepath string, offset int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Offsets[filepath] = offset
}

// SetLastFlush records when the pipeline last flushed.
func (s *State) SetLastFlush(ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.LastFlush = ts.UTC()
}

// Save writes the state to disk.
func (s *State) Save() error {
	s.mu.RLock()
	raw, err := json.MarshalIndent(s.data, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	if err := os.WriteFile(s.path, raw, 0644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	return nil
}

// saver persists state every 10 seconds until cancelled.
func (s *State) saver(ctx context.Context, logger *zap.Logger) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.Save(); err != nil {
				logger.Error("Failed to save tailer state", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}
