// Package scanner orchestrates a scan pass: page through a log window,
// extract and deduplicate issues, persist them, then advance the
// watermark. Two drivers share the machinery: an on-demand pass over one
// job's window and a continuous pass from a previous checkpoint.
package scanner

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/leadbase/issuewatch/internal/dedupe"
	"github.com/leadbase/issuewatch/internal/extract"
	"github.com/leadbase/issuewatch/internal/logsource"
	"github.com/leadbase/issuewatch/internal/store"
	"github.com/leadbase/issuewatch/pkg/models"
	"github.com/leadbase/issuewatch/pkg/retry"
	"go.uber.org/zap"
)

// ContinuousRunID keys the checkpoint row the continuous driver advances.
const ContinuousRunID = "continuous"

// IssueStore is the write side the scanner needs.
type IssueStore interface {
	Upsert(ctx context.Context, issue models.Issue) (store.UpsertResult, error)
}

// JobRegistry resolves job windows and holds per-run watermarks.
type JobRegistry interface {
	GetJob(ctx context.Context, runID string) (*models.JobRecord, error)
	GetWatermark(ctx context.Context, runID string) (*time.Time, error)
	SetWatermark(ctx context.Context, runID string, ts time.Time) error
}

// Config bounds a pass. PageLimit entries per page, MaxPages pages per
// window; hitting the cap truncates the pass and leaves the remainder for
// the next one.
type Config struct {
	PageLimit         int
	MaxPages          int
	JobFallbackWindow time.Duration
	Retry             retry.Config
}

// DefaultConfig is 10 pages of 1000 entries and a 30 minute fallback for
// jobs with no recorded end time.
func DefaultConfig() Config {
	return Config{
		PageLimit:         1000,
		MaxPages:          10,
		JobFallbackWindow: 30 * time.Minute,
		Retry:             retry.DefaultConfig(),
	}
}

// Scanner drives passes. Safe for concurrent use: correctness rests on
// store-level upsert merging and watermark compare-and-set, not on any
// state in here.
type Scanner struct {
	source    logsource.Source
	extractor *extract.Extractor
	issues    IssueStore
	jobs      JobRegistry
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time
}

// New creates a scanner.
func New(source logsource.Source, extractor *extract.Extractor, issues IssueStore, jobs JobRegistry, cfg Config, logger *zap.Logger) *Scanner {
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = 1000
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 10
	}
	if cfg.JobFallbackWindow <= 0 {
		cfg.JobFallbackWindow = 30 * time.Minute
	}
	return &Scanner{
		source:    source,
		extractor: extractor,
		issues:    issues,
		jobs:      jobs,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// ScanJob runs an on-demand pass over one job's declared window. The
// window ends at the job's end time, or min(now, start+fallback) when the
// job is still running or crashed. The run's watermark advances only if
// the pass was not truncated by the page cap.
func (s *Scanner) ScanJob(ctx context.Context, runID string) (*models.PassResult, error) {
	runID = extract.StripRunSuffix(runID)

	job, err := s.jobs.GetJob(ctx, runID)
	if err != nil {
		return nil, err
	}

	start := job.StartTime.UTC()
	var end time.Time
	if job.EndTime != nil {
		end = job.EndTime.UTC()
	} else {
		end = start.Add(s.cfg.JobFallbackWindow)
		if now := s.now().UTC(); now.Before(end) {
			end = now
		}
	}

	return s.scanWindow(ctx, "job-window", runID, start, end, runID)
}

// ScanFrom runs a continuous pass over [from, now]. Every raw issue lands
// under whatever run ID its own context yielded; currentRunID is used for
// logging only. The continuous checkpoint advances on completion.
func (s *Scanner) ScanFrom(ctx context.Context, from time.Time, currentRunID string) (*models.PassResult, error) {
	if currentRunID != "" {
		s.logger.Info("Continuous pass on behalf of run", zap.String("run_id", currentRunID))
	}
	return s.scanWindow(ctx, "continuous", "", from.UTC(), s.now().UTC(), ContinuousRunID)
}

// ScanRange runs continuous-mode semantics over an explicit window.
func (s *Scanner) ScanRange(ctx context.Context, start, end time.Time) (*models.PassResult, error) {
	return s.scanWindow(ctx, "continuous", "", start.UTC(), end.UTC(), ContinuousRunID)
}

// scanWindow is the shared pass body. fallbackRunID fills raw issues whose
// context yielded no run ID (the log-parsed value always wins);
// watermarkRunID names the registry row to advance.
func (s *Scanner) scanWindow(ctx context.Context, mode, fallbackRunID string, start, end time.Time, watermarkRunID string) (*models.PassResult, error) {
	passID := uuid.NewString()
	passLog := s.logger.With(
		zap.String("pass_id", passID),
		zap.String("mode", mode),
		zap.Time("start", start),
		zap.Time("end", end))

	passLog.Info("Scan pass starting")

	entries, truncated, err := s.fetchWindow(ctx, start, end)
	if err != nil {
		passLog.Error("Scan pass aborted during fetch", zap.Error(err))
		return nil, err
	}

	// The full buffer goes through extraction at once so context windows
	// can cross page boundaries.
	raws := s.extractor.Extract(entries)

	agg := dedupe.NewAggregator()
	for _, raw := range raws {
		if raw.RunID == "" && fallbackRunID != "" {
			raw.RunID = fallbackRunID
		}
		agg.Add(raw)
	}

	result := &models.PassResult{
		PassID:         passID,
		Mode:           mode,
		RunID:          fallbackRunID,
		TimeRange:      models.TimeRange{Start: start, End: end},
		EntriesScanned: len(entries),
		IssuesFound:    agg.Len(),
	}

	for _, issue := range agg.Issues() {
		res, err := s.issues.Upsert(ctx, issue)
		if err != nil {
			// Half-written issues re-merge idempotently next pass; the
			// watermark stays put.
			passLog.Error("Scan pass aborted during store write", zap.Error(err))
			return nil, fmt.Errorf("upserting issue: %w", err)
		}
		if res.Created {
			result.Created++
		} else {
			result.Merged++
		}
	}

	result.CoverageComplete = !truncated
	if truncated {
		passLog.Warn("Scan pass truncated by page cap; next pass resumes from watermark",
			zap.Int("entries", len(entries)))
		return result, nil
	}

	// The watermark is written last: cancellation anywhere above leaves
	// the store consistent and the window re-scannable. A complete pass
	// has seen everything up to the window end (the source guarantees no
	// entry <= end remains once it reports no more pages), so the
	// watermark covers the full window, not just the last entry seen.
	watermark := end
	if len(entries) > 0 {
		if ts := entries[len(entries)-1].Timestamp.UTC(); ts.After(end) {
			watermark = ts
		}
	}
	if err := s.jobs.SetWatermark(ctx, watermarkRunID, watermark); err != nil {
		passLog.Error("Watermark advance failed", zap.Error(err))
		return nil, err
	}
	result.WatermarkAdvancedTo = &watermark

	passLog.Info("Scan pass complete",
		zap.Int("entries", result.EntriesScanned),
		zap.Int("issues_found", result.IssuesFound),
		zap.Int("created", result.Created),
		zap.Int("merged", result.Merged),
		zap.Time("watermark", watermark))

	return result, nil
}

// fetchWindow pages through [start, end] up to the page cap. Transient
// source errors retry with backoff; permanent ones abort.
func (s *Scanner) fetchWindow(ctx context.Context, start, end time.Time) ([]models.LogEntry, bool, error) {
	var entries []models.LogEntry
	cursor := ""

	for pageNum := 0; pageNum < s.cfg.MaxPages; pageNum++ {
		q := logsource.Query{Start: start, End: end, Cursor: cursor, Limit: s.cfg.PageLimit}

		var page logsource.Page
		err := retry.Do(ctx, s.cfg.Retry, func() error {
			p, ferr := s.source.FetchPage(ctx, q)
			if ferr != nil {
				if logsource.IsTransient(ferr) {
					return ferr
				}
				return retry.Permanent(ferr)
			}
			page = p
			return nil
		})
		if err != nil {
			return nil, false, err
		}

		entries = append(entries, page.Entries...)
		if !page.HasMore {
			return entries, false, nil
		}
		cursor = page.NextCursor
	}

	return entries, true, nil
}
