package models

import (
	"time"
)

// Severity classifies how bad a matched log line is.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityError    Severity = "ERROR"
	SeverityWarning  Severity = "WARNING"
)

// Status is the lifecycle state of a persisted issue.
type Status string

const (
	StatusNew           Status = "NEW"
	StatusInvestigating Status = "INVESTIGATING"
	StatusFixed         Status = "FIXED"
	StatusIgnored       Status = "IGNORED"
)

// Terminal reports whether the status accepts no further transitions.
// Terminal rows never absorb new occurrences; a later match of the same
// normalized key creates a fresh row.
func (s Status) Terminal() bool {
	return s == StatusFixed || s == StatusIgnored
}

// NonTerminalStatuses lists the statuses an upsert may merge into.
func NonTerminalStatuses() []Status {
	return []Status{StatusNew, StatusInvestigating}
}

// LogEntry is a single line returned by a log source. The message may
// contain embedded newlines; the stream ID is opaque to the pipeline.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`
	Message   string    `json:"message" bson:"message"`
	StreamID  string    `json:"stream_id,omitempty" bson:"stream_id,omitempty"`
}

// Classification is the result of matching a line against the pattern
// registry. A nil *Classification means the line matched nothing.
type Classification struct {
	Severity    Severity `json:"severity"`
	PatternName string   `json:"pattern_name"`
}

// RawIssue is one classified log line with its surrounding context and
// whatever run metadata could be parsed out of that context. Empty strings
// mean the field could not be parsed; raw issues are never dropped for
// missing metadata.
type RawIssue struct {
	MatchedLine   string    `json:"matched_line"`
	Severity      Severity  `json:"severity"`
	PatternName   string    `json:"pattern_name"`
	Timestamp     time.Time `json:"timestamp"`
	ContextBefore []string  `json:"context_before,omitempty"`
	ContextAfter  []string  `json:"context_after,omitempty"`
	StackTrace    string    `json:"stack_trace,omitempty"`
	RunID         string    `json:"run_id,omitempty"`
	TenantID      string    `json:"tenant_id,omitempty"`
	JobKind       string    `json:"job_kind,omitempty"`
	ServiceSymbol string    `json:"service_symbol,omitempty"`
}

// Issue is a deduplicated, persisted failure mode observed during one run.
//
// Invariants maintained by the store:
//   - FirstSeen <= LastSeen
//   - Occurrences >= 1
//   - at most one non-terminal row per (NormalizedKey, RunID)
//   - status transitions are monotone; FIXED and IGNORED are terminal
type Issue struct {
	ID                    string     `json:"id" bson:"-"`
	NormalizedKey         string     `json:"normalized_key" bson:"normalized_key"`
	Severity              Severity   `json:"severity" bson:"severity"`
	PatternName           string     `json:"pattern_name" bson:"pattern_name"`
	RepresentativeMessage string     `json:"representative_message" bson:"representative_message"`
	FirstSeen             time.Time  `json:"first_seen" bson:"first_seen"`
	LastSeen              time.Time  `json:"last_seen" bson:"last_seen"`
	Occurrences           int64      `json:"occurrences" bson:"occurrences"`
	StackTrace            string     `json:"stack_trace,omitempty" bson:"stack_trace,omitempty"`
	RunID                 string     `json:"run_id,omitempty" bson:"run_id"`
	TenantID              string     `json:"tenant_id,omitempty" bson:"tenant_id,omitempty"`
	JobKind               string     `json:"job_kind,omitempty" bson:"job_kind,omitempty"`
	ServiceSymbol         string     `json:"service_symbol,omitempty" bson:"service_symbol,omitempty"`
	Status                Status     `json:"status" bson:"status"`
	FixCommit             string     `json:"fix_commit,omitempty" bson:"fix_commit,omitempty"`
	FixNotes              string     `json:"fix_notes,omitempty" bson:"fix_notes,omitempty"`
	FixedAt               *time.Time `json:"fixed_at,omitempty" bson:"fixed_at,omitempty"`
}

// JobRecord describes one upstream run. Rows are created by the job
// orchestrator; the pipeline mutates only LastAnalyzedAt (the watermark:
// every log entry with timestamp <= watermark has been through the
// extractor for this run).
type JobRecord struct {
	RunID          string     `json:"run_id" bson:"run_id"`
	StartTime      time.Time  `json:"start_time" bson:"start_time"`
	EndTime        *time.Time `json:"end_time,omitempty" bson:"end_time,omitempty"`
	Stream         string     `json:"stream,omitempty" bson:"stream,omitempty"`
	TenantID       string     `json:"tenant_id,omitempty" bson:"tenant_id,omitempty"`
	LastAnalyzedAt *time.Time `json:"last_analyzed_at,omitempty" bson:"last_analyzed_at,omitempty"`
}

// TimeRange is a half-open-ish scan window; both ends are inclusive as far
// as the log source is concerned.
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// PassResult summarizes one scanner pass.
type PassResult struct {
	PassID              string     `json:"pass_id"`
	Mode                string     `json:"mode"`
	RunID               string     `json:"run_id,omitempty"`
	TimeRange           TimeRange  `json:"time_range"`
	EntriesScanned      int        `json:"entries_scanned"`
	IssuesFound         int        `json:"issues_found"`
	Created             int        `json:"created"`
	Merged              int        `json:"merged"`
	CoverageComplete    bool       `json:"coverage_complete"`
	WatermarkAdvancedTo *time.Time `json:"watermark_advanced_to,omitempty"`
}

// ReconcileReport compares the issues re-derived from a run's log window
// against the rows persisted for that run.
type ReconcileReport struct {
	RunID               string    `json:"run_id"`
	TimeRange           TimeRange `json:"time_range"`
	Matched             []string  `json:"matched"`
	InLogsNotStore      []string  `json:"in_logs_not_store"`
	InStoreNotLogs      []string  `json:"in_store_not_logs"`
	CaptureRate         float64   `json:"capture_rate"`
	AdjustedCaptureRate float64   `json:"adjusted_capture_rate"`
}
