// Package clients defines the data-source client contract and shared HTTP
// plumbing. Every source hands back the same standardized series shape so the
// fetcher and everything downstream stay source-agnostic.
package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/liquidity-tracker/internal/domain"
)

// RequestTimeout is the per-request deadline for all source clients.
const RequestTimeout = 30 * time.Second

// DefaultMaxRetries bounds the retry loop of a single series fetch.
const DefaultMaxRetries = 3

// SeriesClient fetches one series from an external data source.
type SeriesClient interface {
	// SourceName returns the registry source key ("fred", "bis", ...).
	SourceName() string
	// GetSeries fetches sourceID over [start, end]; zero times disable the
	// respective bound. The result is sorted by date with no duplicates.
	GetSeries(ctx context.Context, sourceID string, start, end time.Time) (domain.RawSeries, error)
}

// NewHTTPClient builds the http client shared by all sources.
func NewHTTPClient() *http.Client {
	return &http.Client{Timeout: RequestTimeout}
}

// GetJSON performs a GET with retry and exponential backoff, decoding the
// response body into v. Non-2xx responses count as attempts.
func GetJSON(ctx context.Context, client *http.Client, log zerolog.Logger, url string, headers map[string]string, v interface{}) error {
	var lastErr error
	for attempt := 0; attempt < DefaultMaxRetries; attempt++ {
		if attempt > 0 {
			wait := time.Duration(1<<uint(attempt-1)) * time.Second
			log.Warn().Err(lastErr).Int("attempt", attempt+1).Dur("wait", wait).Str("url", url).Msg("Fetch failed, retrying")
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		lastErr = getJSONOnce(ctx, client, url, headers, v)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("failed after %d attempts: %w", DefaultMaxRetries, lastErr)
}

func getJSONOnce(ctx context.Context, client *http.Client, url string, headers map[string]string, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36")
	for k, val := range headers {
		req.Header.Set(k, val)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("performing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("status %d: %s", resp.StatusCode, string(body))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	return nil
}

// Standardize stamps provenance on fetched points and sorts them by date.
func Standardize(source, sourceID string, points []domain.RawPoint) domain.RawSeries {
	fetched := time.Now().UTC()
	for i := range points {
		points[i].Date = domain.MidnightUTC(points[i].Date)
		if points[i].FetchedAt.IsZero() {
			points[i].FetchedAt = fetched
		}
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Date.Before(points[j].Date) })
	return domain.RawSeries{SeriesID: sourceID, Source: source, Points: points}
}
