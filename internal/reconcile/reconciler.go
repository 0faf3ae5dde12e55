// Package reconcile is the independent read path: re-derive a run's
// issues from its log window and compare them against the persisted rows.
// It never writes.
package reconcile

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/leadbase/issuewatch/internal/dedupe"
	"github.com/leadbase/issuewatch/internal/extract"
	"github.com/leadbase/issuewatch/internal/logsource"
	"github.com/leadbase/issuewatch/internal/pattern"
	"github.com/leadbase/issuewatch/internal/store"
	"github.com/leadbase/issuewatch/pkg/models"
	"github.com/leadbase/issuewatch/pkg/retry"
	"go.uber.org/zap"
)

// IssueReader is the store read side the reconciler needs.
type IssueReader interface {
	Query(ctx context.Context, q store.IssueQuery) ([]models.Issue, error)
}

// JobReader resolves run windows.
type JobReader interface {
	GetJob(ctx context.Context, runID string) (*models.JobRecord, error)
}

// Config bounds the re-scan. FallbackWindow applies when neither the
// caller nor the job record supplies an end time; Widen pads the fetch on
// both sides so context near the window edges survives.
type Config struct {
	PageLimit      int
	MaxPages       int
	FallbackWindow time.Duration
	Widen          time.Duration
	Retry          retry.Config
}

// DefaultConfig uses the scanner's paging bounds and the 7 minute
// heuristic window.
func DefaultConfig() Config {
	return Config{
		PageLimit:      1000,
		MaxPages:       10,
		FallbackWindow: 7 * time.Minute,
		Widen:          time.Minute,
		Retry:          retry.DefaultConfig(),
	}
}

// Reconciler re-runs extraction over a run's window and reports capture
// against the issue store. All timestamps are UTC; callers rendering in a
// local zone must convert before invoking.
type Reconciler struct {
	source    logsource.Source
	extractor *extract.Extractor
	registry  *pattern.Registry
	issues    IssueReader
	jobs      JobReader
	cfg       Config
	logger    *zap.Logger
}

// New creates a reconciler.
func New(source logsource.Source, extractor *extract.Extractor, registry *pattern.Registry, issues IssueReader, jobs JobReader, cfg Config, logger *zap.Logger) *Reconciler {
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = 1000
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 10
	}
	if cfg.FallbackWindow <= 0 {
		cfg.FallbackWindow = 7 * time.Minute
	}
	return &Reconciler{
		source:    source,
		extractor: extractor,
		registry:  registry,
		issues:    issues,
		jobs:      jobs,
		cfg:       cfg,
		logger:    logger,
	}
}

// Reconcile compares log-derived issues to stored rows for runID. A zero
// start resolves from the job record; a zero end prefers the job's real
// end time and falls back to start plus the heuristic window.
func (r *Reconciler) Reconcile(ctx context.Context, runID string, start, end time.Time) (*models.ReconcileReport, error) {
	runID = extract.StripRunSuffix(runID)

	job, jobErr := r.jobs.GetJob(ctx, runID)

	if start.IsZero() {
		if jobErr != nil {
			return nil, jobErr
		}
		start = job.StartTime
	}
	if end.IsZero() {
		if jobErr == nil && job.EndTime != nil {
			end = *job.EndTime
		} else {
			end = start.Add(r.cfg.FallbackWindow)
		}
	}
	start = start.UTC()
	end = end.UTC()

	passLog := r.logger.With(
		zap.String("pass_id", uuid.NewString()),
		zap.String("run_id", runID),
		zap.Time("start", start),
		zap.Time("end", end))
	passLog.Info("Reconciliation starting")

	entries, err := r.fetchWindow(ctx, start.Add(-r.cfg.Widen), end.Add(r.cfg.Widen))
	if err != nil {
		return nil, err
	}

	// Recompute the canonical set. Raw issues whose context yielded a
	// different run ID belong to another run; unparsed ones are assumed
	// to be this run's since the window is.
	agg := dedupe.NewAggregator()
	for _, raw := range r.extractor.Extract(entries) {
		if raw.RunID != "" && raw.RunID != runID {
			continue
		}
		raw.RunID = runID
		agg.Add(raw)
	}

	logIssues := make(map[string]models.Issue)
	for _, issue := range agg.Issues() {
		logIssues[issue.NormalizedKey] = issue
	}

	stored, err := r.issues.Query(ctx, store.IssueQuery{RunID: runID})
	if err != nil {
		return nil, err
	}
	storedKeys := make(map[string]bool, len(stored))
	for _, issue := range stored {
		storedKeys[issue.NormalizedKey] = true
	}

	report := &models.ReconcileReport{
		RunID:          runID,
		TimeRange:      models.TimeRange{Start: start, End: end},
		Matched:        []string{},
		InLogsNotStore: []string{},
		InStoreNotLogs: []string{},
	}
	for key := range logIssues {
		if storedKeys[key] {
			report.Matched = append(report.Matched, key)
		} else {
			report.InLogsNotStore = append(report.InLogsNotStore, key)
		}
	}
	for key := range storedKeys {
		if _, ok := logIssues[key]; !ok {
			report.InStoreNotLogs = append(report.InStoreNotLogs, key)
		}
	}
	sort.Strings(report.Matched)
	sort.Strings(report.InLogsNotStore)
	sort.Strings(report.InStoreNotLogs)

	report.CaptureRate = rate(len(report.Matched), len(logIssues))

	// The adjusted rate drops known-noise warnings (deprecations, build
	// chatter) from both sides.
	actionableTotal, actionableMatched := 0, 0
	for key, issue := range logIssues {
		if !r.actionable(issue) {
			continue
		}
		actionableTotal++
		if storedKeys[key] {
			actionableMatched++
		}
	}
	report.AdjustedCaptureRate = rate(actionableMatched, actionableTotal)

	passLog.Info("Reconciliation complete",
		zap.Int("matched", len(report.Matched)),
		zap.Int("in_logs_not_store", len(report.InLogsNotStore)),
		zap.Int("in_store_not_logs", len(report.InStoreNotLogs)),
		zap.Float64("capture_rate", report.CaptureRate),
		zap.Float64("adjusted_capture_rate", report.AdjustedCaptureRate))

	return report, nil
}

func (r *Reconciler) actionable(issue models.Issue) bool {
	if issue.Severity != models.SeverityWarning {
		return true
	}
	return !r.registry.IsNoise(issue.PatternName)
}

func rate(matched, total int) float64 {
	if total == 0 {
		return 1.0
	}
	return float64(matched) / float64(total)
}

func (r *Reconciler) fetchWindow(ctx context.Context, start, end time.Time) ([]models.LogEntry, error) {
	var entries []models.LogEntry
	cursor := ""

	for pageNum := 0; pageNum < r.cfg.MaxPages; pageNum++ {
		q := logsource.Query{Start: start, End: end, Cursor: cursor, Limit: r.cfg.PageLimit}

		var page logsource.Page
		err := retry.Do(ctx, r.cfg.Retry, func() error {
			p, ferr := r.source.FetchPage(ctx, q)
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
			return nil, err
		}

		entries = append(entries, page.Entries...)
		if !page.HasMore {
			break
		}
		cursor = page.NextCursor
	}

	return entries, nil
}
