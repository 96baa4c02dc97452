// Package nyfed fetches series from the NY Fed Markets Data API: SOFR,
// repo operations, overnight reverse repo and SOMA holdings.
// API docs: https://markets.newyorkfed.org/static/docs/markets-api.html
package nyfed

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/liquidity-tracker/internal/clients"
	"github.com/aristath/liquidity-tracker/internal/domain"
)

const baseURL = "https://markets.newyorkfed.org/api"

// Client is a NY Fed Markets Data client.
type Client struct {
	baseURL string
	client  *http.Client
	log     zerolog.Logger
}

// NewClient creates a NY Fed client.
func NewClient(log zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		client:  clients.NewHTTPClient(),
		log:     log.With().Str("client", "nyfed").Logger(),
	}
}

// SourceName returns "nyfed".
func (c *Client) SourceName() string { return "nyfed" }

// GetSeries fetches one of the supported NY Fed series: "sofr", "repo",
// "rrp" or "soma".
func (c *Client) GetSeries(ctx context.Context, sourceID string, start, end time.Time) (domain.RawSeries, error) {
	var (
		points []domain.RawPoint
		err    error
	)
	switch strings.ToLower(sourceID) {
	case "sofr":
		points, err = c.getSOFR(ctx, start, end)
	case "repo":
		points, err = c.getRepoOperations(ctx, start, end)
	case "rrp":
		points, err = c.getReverseRepo(ctx, start, end)
	case "soma":
		points, err = c.getSOMAHoldings(ctx)
	default:
		return domain.RawSeries{}, fmt.Errorf("nyfed: unknown series %q (want sofr, repo, rrp or soma)", sourceID)
	}
	if err != nil {
		return domain.RawSeries{}, err
	}
	points = filterDates(points, start, end)
	return clients.Standardize(c.SourceName(), strings.ToUpper(sourceID), points), nil
}

type sofrResponse struct {
	RefRates []struct {
		EffectiveDate string  `json:"effectiveDate"`
		PercentRate   float64 `json:"percentRate"`
	} `json:"refRates"`
}

func (c *Client) getSOFR(ctx context.Context, start, end time.Time) ([]domain.RawPoint, error) {
	params := url.Values{"type": {"sofr"}}
	if !start.IsZero() {
		params.Set("startDate", start.Format("2006-01-02"))
	}
	if !end.IsZero() {
		params.Set("endDate", end.Format("2006-01-02"))
	}
	reqURL := c.baseURL + "/rates/secured/sofr/search.json?" + params.Encode()

	var resp sofrResponse
	if err := clients.GetJSON(ctx, c.client, c.log, reqURL, nil, &resp); err != nil {
		return nil, fmt.Errorf("fetching SOFR: %w", err)
	}

	points := make([]domain.RawPoint, 0, len(resp.RefRates))
	for _, r := range resp.RefRates {
		d, err := time.Parse("2006-01-02", r.EffectiveDate)
		if err != nil {
			continue
		}
		points = append(points, domain.RawPoint{Date: d, Value: r.PercentRate})
	}
	return points, nil
}

type repoResponse struct {
	Repo struct {
		Operations []struct {
			OperationDate    string `json:"operationDate"`
			SettlementDate   string `json:"settlementDate"`
			TotalAmtAccepted string `json:"totalAmtAccepted"`
		} `json:"operations"`
	} `json:"repo"`
}

func (c *Client) getRepoOperations(ctx context.Context, start, end time.Time) ([]domain.RawPoint, error) {
	if start.IsZero() {
		start = time.Now().UTC().AddDate(0, 0, -30)
	}
	if end.IsZero() {
		end = time.Now().UTC()
	}
	params := url.Values{
		"startDate": {start.Format("2006-01-02")},
		"endDate":   {end.Format("2006-01-02")},
	}
	reqURL := c.baseURL + "/rp/results/all/search.json?" + params.Encode()
	return c.getRepoStyle(ctx, reqURL, "repo operations")
}

func (c *Client) getReverseRepo(ctx context.Context, start, end time.Time) ([]domain.RawPoint, error) {
	if start.IsZero() {
		start = time.Now().UTC().AddDate(-1, 0, 0)
	}
	if end.IsZero() {
		end = time.Now().UTC()
	}
	params := url.Values{
		"startDate": {start.Format("2006-01-02")},
		"endDate":   {end.Format("2006-01-02")},
	}
	reqURL := c.baseURL + "/rp/reverserepo/propositions/search.json?" + params.Encode()
	return c.getRepoStyle(ctx, reqURL, "reverse repo")
}

func (c *Client) getRepoStyle(ctx context.Context, reqURL, what string) ([]domain.RawPoint, error) {
	var resp repoResponse
	if err := clients.GetJSON(ctx, c.client, c.log, reqURL, nil, &resp); err != nil {
		return nil, fmt.Errorf("fetching %s: %w", what, err)
	}

	points := make([]domain.RawPoint, 0, len(resp.Repo.Operations))
	for _, op := range resp.Repo.Operations {
		dateStr := op.OperationDate
		if dateStr == "" {
			dateStr = op.SettlementDate
		}
		d, err := time.Parse("2006-01-02", dateStr)
		if err != nil {
			continue
		}
		v, err := parseAmount(op.TotalAmtAccepted)
		if err != nil {
			continue
		}
		points = append(points, domain.RawPoint{Date: d, Value: v})
	}
	return points, nil
}

type somaResponse struct {
	Soma struct {
		Summary []struct {
			AsOfDate string `json:"asOfDate"`
			Total    string `json:"total"`
		} `json:"summary"`
	} `json:"soma"`
}

func (c *Client) getSOMAHoldings(ctx context.Context) ([]domain.RawPoint, error) {
	var resp somaResponse
	if err := clients.GetJSON(ctx, c.client, c.log, c.baseURL+"/soma/summary.json", nil, &resp); err != nil {
		return nil, fmt.Errorf("fetching SOMA holdings: %w", err)
	}

	points := make([]domain.RawPoint, 0, len(resp.Soma.Summary))
	for _, row := range resp.Soma.Summary {
		d, err := time.Parse("2006-01-02", row.AsOfDate)
		if err != nil {
			continue
		}
		v, err := parseAmount(row.Total)
		if err != nil {
			continue
		}
		points = append(points, domain.RawPoint{Date: d, Value: v})
	}
	return points, nil
}

// parseAmount handles the API's string-encoded numbers, with or without
// thousands separators.
func parseAmount(s string) (float64, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}
	return strconv.ParseFloat(s, 64)
}

func filterDates(points []domain.RawPoint, start, end time.Time) []domain.RawPoint {
	out := points[:0]
	for _, p := range points {
		if !start.IsZero() && p.Date.Before(start) {
			continue
		}
		if !end.IsZero() && p.Date.After(end) {
			continue
		}
		out = append(out, p)
	}
	return out
}
