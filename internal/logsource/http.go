package logsource

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/leadbase/issuewatch/pkg/models"
	"go.uber.org/zap"
)

// HTTPSource reads pages from the hosting provider's log API over HTTPS.
type HTTPSource struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewHTTPSource builds a source against baseURL. Every fetch carries the
// bearer token and is bounded by fetchTimeout; exceeding it is transient.
func NewHTTPSource(baseURL, token string, tlsConfig *tls.Config, fetchTimeout time.Duration, logger *zap.Logger) *HTTPSource {
	httpClient := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig:     tlsConfig,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
		Timeout: fetchTimeout,
	}

	return &HTTPSource{
		baseURL:    baseURL,
		token:      token,
		httpClient: httpClient,
		logger:     logger,
	}
}

type pageResponse struct {
	Entries []struct {
		Timestamp time.Time `json:"timestamp"`
		Message   string    `json:"message"`
		StreamID  string    `json:"stream_id,omitempty"`
	} `json:"entries"`
	HasMore    bool   `json:"has_more"`
	NextCursor string `json:"next_cursor,omitempty"`
}

// FetchPage fetches one page of the window. Network failures, timeouts and
// upstream 5xx come back as TransientError; 4xx as PermanentError.
func (s *HTTPSource) FetchPage(ctx context.Context, q Query) (Page, error) {
	params := url.Values{}
	params.Set("start", q.Start.UTC().Format(time.RFC3339Nano))
	params.Set("end", q.End.UTC().Format(time.RFC3339Nano))
	if q.Cursor != "" {
		params.Set("cursor", q.Cursor)
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}

	reqURL := s.baseURL + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return Page{}, &PermanentError{Err: fmt.Errorf("building request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.logger.Warn("Log source request failed", zap.Error(err))
		return Page{}, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return Page{}, &TransientError{Err: fmt.Errorf("log source returned %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		return Page{}, &PermanentError{Err: fmt.Errorf("log source returned %d", resp.StatusCode)}
	}

	var body pageResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Page{}, &TransientError{Err: fmt.Errorf("decoding page: %w", err)}
	}

	page := Page{
		HasMore:    body.HasMore,
		NextCursor: body.NextCursor,
		Entries:    make([]models.LogEntry, len(body.Entries)),
	}
	for i, e := range body.Entries {
		page.Entries[i] = models.LogEntry{
			Timestamp: e.Timestamp.UTC(),
			Message:   e.Message,
			StreamID:  e.StreamID,
		}
	}

	s.logger.Debug("Fetched log page",
		zap.Int("entries", len(page.Entries)),
		zap.Bool("has_more", page.HasMore))

	return page, nil
}
