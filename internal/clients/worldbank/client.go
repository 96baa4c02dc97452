// Package worldbank fetches annual indicators from the World Bank API,
// used for credit-to-GDP ratios and GDP country weights.
package worldbank

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/liquidity-tracker/internal/clients"
	"github.com/aristath/liquidity-tracker/internal/domain"
)

const baseURL = "https://api.worldbank.org/v2"

// Well-known indicator codes.
const (
	IndicatorCreditToGDP = "FS.AST.PRVT.GD.ZS" // Domestic credit to private sector (% of GDP)
	IndicatorGDPCurrent  = "NY.GDP.MKTP.CD"    // GDP, current USD
)

// countryCodes maps ISO-2 registry codes to World Bank ISO-3 codes.
var countryCodes = map[string]string{
	"US": "USA", "CN": "CHN", "JP": "JPN", "DE": "DEU", "GB": "GBR",
	"FR": "FRA", "IN": "IND", "IT": "ITA", "BR": "BRA", "CA": "CAN",
	"EZ": "EMU",
}

// Client is a World Bank API client.
type Client struct {
	baseURL string
	client  *http.Client
	log     zerolog.Logger
}

// NewClient creates a World Bank client.
func NewClient(log zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		client:  clients.NewHTTPClient(),
		log:     log.With().Str("client", "worldbank").Logger(),
	}
}

// SourceName returns "worldbank".
func (c *Client) SourceName() string { return "worldbank" }

// GetSeries fetches an indicator, with the country embedded in the source id
// as "<country>:<indicator>" ("US:FS.AST.PRVT.GD.ZS"). A bare indicator
// fetches the all-country aggregate.
func (c *Client) GetSeries(ctx context.Context, sourceID string, start, end time.Time) (domain.RawSeries, error) {
	country := "all"
	indicator := sourceID
	if i := strings.Index(sourceID, ":"); i > 0 {
		country = sourceID[:i]
		indicator = sourceID[i+1:]
	}
	points, err := c.getIndicator(ctx, indicator, country, start, end)
	if err != nil {
		return domain.RawSeries{}, err
	}
	return clients.Standardize(c.SourceName(), sourceID, points), nil
}

// GetIndicator fetches an indicator for one country code.
func (c *Client) GetIndicator(ctx context.Context, indicator, country string, start, end time.Time) (domain.RawSeries, error) {
	points, err := c.getIndicator(ctx, indicator, country, start, end)
	if err != nil {
		return domain.RawSeries{}, err
	}
	id := country + ":" + indicator
	return clients.Standardize(c.SourceName(), id, points), nil
}

func (c *Client) getIndicator(ctx context.Context, indicator, country string, start, end time.Time) ([]domain.RawPoint, error) {
	wbCountry := country
	if mapped, ok := countryCodes[country]; ok {
		wbCountry = mapped
	}

	params := url.Values{
		"format":   {"json"},
		"per_page": {"1000"},
	}
	if !start.IsZero() {
		endYear := "2025"
		if !end.IsZero() {
			endYear = end.Format("2006")
		}
		params.Set("date", start.Format("2006")+":"+endYear)
	}
	reqURL := fmt.Sprintf("%s/country/%s/indicator/%s?%s", c.baseURL, url.PathEscape(wbCountry), url.PathEscape(indicator), params.Encode())

	// The response is a two-element array: [metadata, rows].
	var raw []json.RawMessage
	if err := clients.GetJSON(ctx, c.client, c.log, reqURL, nil, &raw); err != nil {
		return nil, fmt.Errorf("fetching World Bank indicator %s: %w", indicator, err)
	}
	if len(raw) < 2 {
		return nil, nil
	}

	var rows []struct {
		Date  string   `json:"date"`
		Value *float64 `json:"value"`
	}
	if err := json.Unmarshal(raw[1], &rows); err != nil {
		return nil, fmt.Errorf("parsing World Bank indicator %s: %w", indicator, err)
	}

	points := make([]domain.RawPoint, 0, len(rows))
	for _, row := range rows {
		if row.Value == nil {
			continue
		}
		d, err := time.Parse("2006", row.Date)
		if err != nil {
			continue
		}
		points = append(points, domain.RawPoint{Date: d, Value: *row.Value})
	}
	return points, nil
}
