// Package store persists issues and job records. The MongoDB
// implementation is the production path; the in-memory one backs offline
// triage and tests.
package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/leadbase/issuewatch/pkg/models"
)

// ErrStoreConflict means an upsert lost the race on the non-terminal
// uniqueness constraint twice in a row.
var ErrStoreConflict = errors.New("store conflict on non-terminal issue row")

// ErrJobNotFound means the run ID has no job record.
var ErrJobNotFound = errors.New("job not found")

// WatermarkRegressError reports an attempt to move a run's watermark
// backwards. It indicates clock skew or a serialization bug and is fatal
// for the pass that triggered it.
type WatermarkRegressError struct {
	RunID     string
	Current   time.Time
	Attempted time.Time
}

func (e *WatermarkRegressError) Error() string {
	return fmt.Sprintf("watermark regression for run %s: current %s, attempted %s",
		e.RunID, e.Current.Format(time.RFC3339Nano), e.Attempted.Format(time.RFC3339Nano))
}

// UpsertResult reports whether an upsert inserted a fresh row or merged
// into an existing non-terminal one.
type UpsertResult struct {
	Created bool
	IssueID string
}

// IssueQuery filters bulk issue reads. Zero values mean "any". Results
// come back ordered by last-seen descending.
type IssueQuery struct {
	Status      models.Status
	Severity    models.Severity
	RunID       string
	PatternName string
	Since       time.Time
	Limit       int
}

// TransitionSelector picks issues for a lifecycle transition: either an
// explicit ID set or a regex matched against the representative message.
// Exactly one must be set.
type TransitionSelector struct {
	IssueIDs       []string
	MessagePattern string
}

// TransitionUpdate carries the fix metadata recorded on FIXED rows.
type TransitionUpdate struct {
	FixCommit string
	FixNotes  string
}

// allowedFrom returns the statuses a row may be in for a transition to
// target. The lifecycle is monotone: NEW -> {INVESTIGATING, FIXED,
// IGNORED}, INVESTIGATING -> {FIXED, IGNORED}, terminal states absorb
// nothing.
func allowedFrom(target models.Status) ([]models.Status, error) {
	switch target {
	case models.StatusInvestigating:
		return []models.Status{models.StatusNew}, nil
	case models.StatusFixed, models.StatusIgnored:
		return []models.Status{models.StatusNew, models.StatusInvestigating}, nil
	default:
		return nil, fmt.Errorf("invalid transition target %q", target)
	}
}
