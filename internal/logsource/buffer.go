package logsource

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/leadbase/issuewatch/pkg/models"
)

// BufferSource serves pages out of an in-memory entry slice. It backs the
// inline-text endpoint, the file tailer and tests.
type BufferSource struct {
	entries []models.LogEntry
}

// NewBufferSource copies and time-sorts the entries.
func NewBufferSource(entries []models.LogEntry) *BufferSource {
	sorted := make([]models.LogEntry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})
	return &BufferSource{entries: sorted}
}

// FetchPage pages through the entries falling inside [Start, End]. The
// cursor is the decimal index of the next entry to serve.
func (s *BufferSource) FetchPage(_ context.Context, q Query) (Page, error) {
	window := make([]models.LogEntry, 0, len(s.entries))
	for _, e := range s.entries {
		if e.Timestamp.Before(q.Start) || e.Timestamp.After(q.End) {
			continue
		}
		window = append(window, e)
	}

	offset := 0
	if q.Cursor != "" {
		n, err := strconv.Atoi(q.Cursor)
		if err != nil || n < 0 {
			return Page{}, &PermanentError{Err: fmt.Errorf("invalid cursor %q", q.Cursor)}
		}
		offset = n
	}
	if offset >= len(window) {
		return Page{}, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = len(window)
	}
	end := offset + limit
	if end > len(window) {
		end = len(window)
	}

	page := Page{Entries: window[offset:end]}
	if end < len(window) {
		page.HasMore = true
		page.NextCursor = strconv.Itoa(end)
	}
	return page, nil
}
