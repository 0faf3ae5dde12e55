package tailer

import (
	"context"
	"time"

	"github.com/leadbase/issuewatch/internal/dedupe"
	"github.com/leadbase/issuewatch/internal/extract"
	"github.com/leadbase/issuewatch/internal/scanner"
	"github.com/leadbase/issuewatch/pkg/models"
	"go.uber.org/zap"
)

// Pipeline buffers tailed lines and periodically runs them through the
// extractor and deduper into the issue store. The tail of each batch is
// carried into the next one as context only, so matches near a flush
// boundary still see their surroundings without being emitted twice.
type Pipeline struct {
	extractor *extract.Extractor
	issues    scanner.IssueStore
	state     *State
	logger    *zap.Logger

	flushInterval time.Duration
	maxBuffer     int

	lineChan chan models.LogEntry
	carry    []models.LogEntry
	buffer   []models.LogEntry
}

// NewPipeline creates a pipeline flushing every flushInterval or when the
// buffer reaches maxBuffer lines.
func NewPipeline(extractor *extract.Extractor, issues scanner.IssueStore, state *State, flushInterval time.Duration, maxBuffer, queueSize int, logger *zap.Logger) *Pipeline {
	if flushInterval <= 0 {
		flushInterval = 10 * time.Second
	}
	if maxBuffer <= 0 {
		maxBuffer = 2000
	}
	return &Pipeline{
		extractor:     extractor,
		issues:        issues,
		state:         state,
		logger:        logger,
		flushInterval: flushInterval,
		maxBuffer:     maxBuffer,
		lineChan:      make(chan models.LogEntry, queueSize),
	}
}

// LineChan returns the channel the watcher feeds.
func (p *Pipeline) LineChan() chan<- models.LogEntry {
	return p.lineChan
}

// Start consumes lines until the context is cancelled, flushing on the
// interval, on buffer pressure, and once more on shutdown.
func (p *Pipeline) Start(ctx context.Context) error {
	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.flush(context.Background())
			return ctx.Err()

		case entry := <-p.lineChan:
			p.buffer = append(p.buffer, entry)
			if len(p.buffer) >= p.maxBuffer {
				p.flush(ctx)
				ticker.Reset(p.flushInterval)
			}

		case <-ticker.C:
			p.flush(ctx)
		}
	}
}

func (p *Pipeline) flush(ctx context.Context) {
	if len(p.buffer) == 0 {
		return
	}

	batch := make([]models.LogEntry, 0, len(p.carry)+len(p.buffer))
	batch = append(batch, p.carry...)
	batch = append(batch, p.buffer...)

	raws := p.extractor.ExtractFrom(batch, len(p.carry))

	agg := dedupe.NewAggregator()
	for _, raw := range raws {
		agg.Add(raw)
	}

	created, merged := 0, 0
	for _, issue := range agg.Issues() {
		res, err := p.issues.Upsert(ctx, issue)
		if err != nil {
			// Leave the buffer alone: the next flush re-runs it and the
			// upsert merge absorbs anything already written.
			p.logger.Error("Pipeline flush failed, will retry", zap.Error(err))
			return
		}
		if res.Created {
			created++
		} else {
			merged++
		}
	}

	if agg.Len() > 0 {
		p.logger.Info("Pipeline flush",
			zap.Int("lines", len(p.buffer)),
			zap.Int("issues_found", agg.Len()),
			zap.Int("created", created),
			zap.Int("merged", merged))
	}

	// Keep the batch tail as context for the next flush.
	keep := extract.DefaultContextLines
	if len(batch) < keep {
		keep = len(batch)
	}
	p.carry = append(p.carry[:0], batch[len(batch)-keep:]...)
	p.buffer = p.buffer[:0]
	p.state.SetLastFlush(time.Now())
}
