// Package logsource abstracts the hosting provider's log API: time-windowed,
// cursor-paginated reads of an append-only log stream.
package logsource

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/leadbase/issuewatch/pkg/models"
)

// Query selects one page of a scan window. A cursor is only valid against
// the same (Start, End) pair it was returned for.
type Query struct {
	Start  time.Time
	End    time.Time
	Cursor string
	Limit  int
}

// Page is one chunk of a window. Entries are in non-decreasing timestamp
// order. HasMore=false means no entry with timestamp <= End existed beyond
// the last returned entry at call time.
type Page struct {
	Entries    []models.LogEntry
	HasMore    bool
	NextCursor string
}

// Source is the read interface the scanner and reconciler consume.
type Source interface {
	FetchPage(ctx context.Context, q Query) (Page, error)
}

// TransientError marks a fetch failure worth retrying: timeouts, network
// errors, upstream 5xx.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient log source error: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a fetch failure that aborts the pass without
// advancing the watermark.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent log source error: %v", e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

// IsTransient reports whether err should be retried in-pass.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

var bracketTimestampRe = regexp.MustCompile(`^\[(\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:?\d{2})?)\]`)

// EntriesFromText splits an inline log blob into entries, one per line.
// Lines opening with a bracketed ISO-8601 timestamp keep it; other lines
// get fallback plus a nanosecond per line so ordering survives dedup.
func EntriesFromText(text string, fallback time.Time) []models.LogEntry {
	lines := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	entries := make([]models.LogEntry, 0, len(lines))

	last := fallback
	for i, line := range lines {
		if i == len(lines)-1 && line == "" {
			break
		}
		ts := last.Add(time.Duration(1))
		if m := bracketTimestampRe.FindStringSubmatch(line); m != nil {
			if parsed, err := parseISOTimestamp(m[1]); err == nil {
				ts = parsed
			}
		}
		last = ts
		entries = append(entries, models.LogEntry{Timestamp: ts, Message: line})
	}
	return entries
}

func parseISOTimestamp(s string) (time.Time, error) {
	for _, layout := range []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05.999999999",
		"2006-01-02 15:04:05",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}
