package store

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/leadbase/issuewatch/pkg/models"
)

// Memory is an in-process store with the same semantics as Mongo. The CLI
// uses it for offline triage of pasted log text; tests use it everywhere.
type Memory struct {
	mu     sync.Mutex
	nextID int64
	issues []*models.Issue
	jobs   map[string]*models.JobRecord
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{jobs: make(map[string]*models.JobRecord)}
}

// Upsert merges into the non-terminal row for (normalized key, run ID) or
// inserts a new NEW row.
func (m *Memory) Upsert(_ context.Context, in models.Issue) (UpsertResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.issues {
		if existing.NormalizedKey != in.NormalizedKey || existing.RunID != in.RunID || existing.Status.Terminal() {
			continue
		}
		existing.Occurrences += in.Occurrences
		if in.FirstSeen.Before(existing.FirstSeen) {
			existing.FirstSeen = in.FirstSeen
		}
		if in.LastSeen.After(existing.LastSeen) {
			existing.LastSeen = in.LastSeen
		}
		return UpsertResult{Created: false, IssueID: existing.ID}, nil
	}

	m.nextID++
	row := in
	row.ID = strconv.FormatInt(m.nextID, 10)
	row.Status = models.StatusNew
	m.issues = append(m.issues, &row)
	return UpsertResult{Created: true, IssueID: row.ID}, nil
}

// Query returns matching issues ordered by last-seen descending.
func (m *Memory) Query(_ context.Context, q IssueQuery) ([]models.Issue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Issue
	for _, issue := range m.issues {
		if q.Status != "" && issue.Status != q.Status {
			continue
		}
		if q.Severity != "" && issue.Severity != q.Severity {
			continue
		}
		if q.RunID != "" && issue.RunID != q.RunID {
			continue
		}
		if q.PatternName != "" && issue.PatternName != q.PatternName {
			continue
		}
		if !q.Since.IsZero() && issue.LastSeen.Before(q.Since) {
			continue
		}
		out = append(out, *issue)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].LastSeen.After(out[j].LastSeen)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// Transition applies the lifecycle change to every selected non-terminal
// row.
func (m *Memory) Transition(_ context.Context, sel TransitionSelector, target models.Status, upd TransitionUpdate) (int64, error) {
	from, err := allowedFrom(target)
	if err != nil {
		return 0, err
	}
	allowed := make(map[models.Status]bool, len(from))
	for _, s := range from {
		allowed[s] = true
	}

	var re *regexp.Regexp
	switch {
	case len(sel.IssueIDs) > 0:
	case sel.MessagePattern != "":
		re, err = regexp.Compile(sel.MessagePattern)
		if err != nil {
			return 0, fmt.Errorf("invalid message pattern: %w", err)
		}
	default:
		return 0, fmt.Errorf("transition selector is empty")
	}

	ids := make(map[string]bool, len(sel.IssueIDs))
	for _, id := range sel.IssueIDs {
		ids[id] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var modified int64
	now := time.Now().UTC()
	for _, issue := range m.issues {
		if !allowed[issue.Status] {
			continue
		}
		if re != nil {
			if !re.MatchString(issue.RepresentativeMessage) {
				continue
			}
		} else if !ids[issue.ID] {
			continue
		}

		issue.Status = target
		if target == models.StatusFixed {
			issue.FixCommit = upd.FixCommit
			issue.FixNotes = upd.FixNotes
			fixedAt := now
			issue.FixedAt = &fixedAt
		}
		modified++
	}
	return modified, nil
}

// PutJob seeds a job record, standing in for the upstream orchestrator.
func (m *Memory) PutJob(job models.JobRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := job
	m.jobs[job.RunID] = &copied
}

// GetJob looks up a job record by base run ID.
func (m *Memory) GetJob(_ context.Context, runID string) (*models.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, ErrJobNotFound)
	}
	copied := *job
	return &copied, nil
}

// GetWatermark returns the run's watermark, or nil when none is recorded.
func (m *Memory) GetWatermark(_ context.Context, runID string) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, ErrJobNotFound)
	}
	return job.LastAnalyzedAt, nil
}

// SetWatermark advances the run's watermark, creating a watermark-only row
// when the run has no job record. Regressions are rejected.
func (m *Memory) SetWatermark(_ context.Context, runID string, ts time.Time) error {
	ts = ts.UTC()

	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[runID]
	if !ok {
		m.jobs[runID] = &models.JobRecord{RunID: runID, LastAnalyzedAt: &ts}
		return nil
	}
	if job.LastAnalyzedAt != nil && ts.Before(*job.LastAnalyzedAt) {
		return &WatermarkRegressError{RunID: runID, Current: *job.LastAnalyzedAt, Attempted: ts}
	}
	job.LastAnalyzedAt = &ts
	return nil
}
