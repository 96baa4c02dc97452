// Package fred fetches series from the FRED observations API.
package fred

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/liquidity-tracker/internal/clients"
	"github.com/aristath/liquidity-tracker/internal/domain"
)

const baseURL = "https://api.stlouisfed.org/fred/series/observations"

// Client is a FRED API client.
type Client struct {
	apiKey  string
	baseURL string
	client  *http.Client
	log     zerolog.Logger
}

// NewClient creates a FRED client. The API key is required; get a free one at
// https://fred.stlouisfed.org/docs/api/api_key.html
func NewClient(apiKey string, log zerolog.Logger) (*Client, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("fred: API key required, set FRED_API_KEY")
	}
	return &Client{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  clients.NewHTTPClient(),
		log:     log.With().Str("client", "fred").Logger(),
	}, nil
}

// SourceName returns "fred".
func (c *Client) SourceName() string { return "fred" }

type observationsResponse struct {
	Observations []struct {
		Date  string `json:"date"`
		Value string `json:"value"`
	} `json:"observations"`
	ErrorMessage string `json:"error_message"`
}

// GetSeries fetches a FRED series such as WALCL or SOFR.
func (c *Client) GetSeries(ctx context.Context, sourceID string, start, end time.Time) (domain.RawSeries, error) {
	params := url.Values{}
	params.Set("series_id", sourceID)
	params.Set("api_key", c.apiKey)
	params.Set("file_type", "json")
	if !start.IsZero() {
		params.Set("observation_start", start.Format("2006-01-02"))
	}
	if !end.IsZero() {
		params.Set("observation_end", end.Format("2006-01-02"))
	}

	var resp observationsResponse
	if err := clients.GetJSON(ctx, c.client, c.log, c.baseURL+"?"+params.Encode(), nil, &resp); err != nil {
		return domain.RawSeries{}, fmt.Errorf("fetching FRED series %s: %w", sourceID, err)
	}
	if resp.ErrorMessage != "" {
		return domain.RawSeries{}, fmt.Errorf("fetching FRED series %s: %s", sourceID, resp.ErrorMessage)
	}

	points := make([]domain.RawPoint, 0, len(resp.Observations))
	for _, obs := range resp.Observations {
		// FRED reports missing observations as ".".
		if obs.Value == "." || obs.Value == "" {
			continue
		}
		v, err := strconv.ParseFloat(obs.Value, 64)
		if err != nil {
			continue
		}
		d, err := time.Parse("2006-01-02", obs.Date)
		if err != nil {
			continue
		}
		points = append(points, domain.RawPoint{Date: d, Value: v})
	}
	return clients.Standardize(c.SourceName(), sourceID, points), nil
}
