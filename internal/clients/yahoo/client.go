// Package yahoo fetches daily close prices from the Yahoo Finance chart API,
// used for market series such as ^VIX and the dollar index.
package yahoo

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/liquidity-tracker/internal/clients"
	"github.com/aristath/liquidity-tracker/internal/domain"
)

const baseURL = "https://query1.finance.yahoo.com/v8/finance/chart"

// Client is a Yahoo Finance chart API client.
type Client struct {
	baseURL string
	client  *http.Client
	log     zerolog.Logger
}

// NewClient creates a new Yahoo Finance client.
func NewClient(log zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		client:  clients.NewHTTPClient(),
		log:     log.With().Str("client", "yahoo").Logger(),
	}
}

// SourceName returns "yahoo".
func (c *Client) SourceName() string { return "yahoo" }

type chartResponse struct {
	Chart struct {
		Result []struct {
			Timestamp  []int64 `json:"timestamp"`
			Indicators struct {
				Quote []struct {
					Close []*float64 `json:"close"`
				} `json:"quote"`
			} `json:"indicators"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

// GetSeries fetches daily closes for a ticker over [start, end].
func (c *Client) GetSeries(ctx context.Context, sourceID string, start, end time.Time) (domain.RawSeries, error) {
	if start.IsZero() {
		start = time.Now().UTC().AddDate(-20, 0, 0)
	}
	if end.IsZero() {
		end = time.Now().UTC()
	}

	params := url.Values{
		"period1":  {fmt.Sprintf("%d", start.Unix())},
		"period2":  {fmt.Sprintf("%d", end.AddDate(0, 0, 1).Unix())},
		"interval": {"1d"},
		"events":   {"history"},
	}
	reqURL := fmt.Sprintf("%s/%s?%s", c.baseURL, url.PathEscape(sourceID), params.Encode())

	var resp chartResponse
	if err := clients.GetJSON(ctx, c.client, c.log, reqURL, nil, &resp); err != nil {
		return domain.RawSeries{}, fmt.Errorf("fetching Yahoo series %s: %w", sourceID, err)
	}
	if resp.Chart.Error != nil {
		return domain.RawSeries{}, fmt.Errorf("fetching Yahoo series %s: %s (%s)", sourceID, resp.Chart.Error.Description, resp.Chart.Error.Code)
	}
	if len(resp.Chart.Result) == 0 {
		return domain.RawSeries{}, fmt.Errorf("no chart data returned for %s", sourceID)
	}

	result := resp.Chart.Result[0]
	if len(result.Indicators.Quote) == 0 {
		return domain.RawSeries{}, fmt.Errorf("no quote data returned for %s", sourceID)
	}
	closes := result.Indicators.Quote[0].Close

	points := make([]domain.RawPoint, 0, len(result.Timestamp))
	for i, ts := range result.Timestamp {
		if i >= len(closes) || closes[i] == nil || math.IsNaN(*closes[i]) {
			continue
		}
		points = append(points, domain.RawPoint{
			Date:  time.Unix(ts, 0).UTC(),
			Value: *closes[i],
		})
	}
	return clients.Standardize(c.SourceName(), sourceID, points), nil
}
