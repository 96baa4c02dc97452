// Package bis fetches series from the BIS SDMX API. BIS publishes credit to
// the non-financial sector, debt statistics and property prices.
// API docs: https://www.bis.org/statistics/sdmx_techspec.htm
package bis

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

const (
	baseURL = "https://stats.bis.org/api/v1"

	// Total credit to the non-financial sector dataflow.
	creditDataflow = "WS_TC"
)

// Client is a BIS SDMX client.
type Client struct {
	baseURL string
	client  *http.Client
	log     zerolog.Logger
}

// NewClient creates a BIS client.
func NewClient(log zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		client:  clients.NewHTTPClient(),
		log:     log.With().Str("client", "bis").Logger(),
	}
}

// SourceName returns "bis".
func (c *Client) SourceName() string { return "bis" }

type sdmxResponse struct {
	DataSets []struct {
		Series map[string]struct {
			Observations map[string][]interface{} `json:"observations"`
		} `json:"series"`
	} `json:"dataSets"`
	Structure struct {
		Dimensions struct {
			Observation []struct {
				ID     string `json:"id"`
				Values []struct {
					ID string `json:"id"`
				} `json:"values"`
			} `json:"observation"`
		} `json:"dimensions"`
	} `json:"structure"`
}

// GetSeries fetches a BIS series key such as "Q:US:P:A:M:XDC:A".
func (c *Client) GetSeries(ctx context.Context, sourceID string, start, end time.Time) (domain.RawSeries, error) {
	params := url.Values{}
	if !start.IsZero() {
		params.Set("startPeriod", start.Format("2006-01"))
	}
	if !end.IsZero() {
		params.Set("endPeriod", end.Format("2006-01"))
	}
	reqURL := fmt.Sprintf("%s/data/%s/%s", c.baseURL, creditDataflow, url.PathEscape(sourceID))
	if q := params.Encode(); q != "" {
		reqURL += "?" + q
	}

	headers := map[string]string{
		"Accept": "application/vnd.sdmx.data+json;version=1.0.0",
	}
	var resp sdmxResponse
	if err := clients.GetJSON(ctx, c.client, c.log, reqURL, headers, &resp); err != nil {
		return domain.RawSeries{}, fmt.Errorf("fetching BIS series %s: %w", sourceID, err)
	}

	points, err := parseSDMX(&resp)
	if err != nil {
		return domain.RawSeries{}, fmt.Errorf("parsing BIS series %s: %w", sourceID, err)
	}
	return clients.Standardize(c.SourceName(), sourceID, points), nil
}

func parseSDMX(resp *sdmxResponse) ([]domain.RawPoint, error) {
	if len(resp.DataSets) == 0 {
		return nil, nil
	}

	var timeDim []string
	for _, dim := range resp.Structure.Dimensions.Observation {
		if dim.ID == "TIME_PERIOD" {
			for _, v := range dim.Values {
				timeDim = append(timeDim, v.ID)
			}
			break
		}
	}
	if timeDim == nil {
		return nil, nil
	}

	var points []domain.RawPoint
	for _, series := range resp.DataSets[0].Series {
		for idxStr, values := range series.Observations {
			idx, err := strconv.Atoi(idxStr)
			if err != nil || idx >= len(timeDim) || len(values) == 0 {
				continue
			}
			v, ok := values[0].(float64)
			if !ok {
				continue
			}
			d, err := parsePeriod(timeDim[idx])
			if err != nil {
				continue
			}
			points = append(points, domain.RawPoint{Date: d, Value: v})
		}
	}
	return points, nil
}

// parsePeriod converts a BIS period string ("2023-Q1", "2023-01", "2023")
// to the first day of the period.
func parsePeriod(period string) (time.Time, error) {
	if i := strings.Index(period, "-Q"); i > 0 {
		year, err := strconv.Atoi(period[:i])
		if err != nil {
			return time.Time{}, fmt.Errorf("bad quarterly period %q", period)
		}
		quarter, err := strconv.Atoi(period[i+2:])
		if err != nil || quarter < 1 || quarter > 4 {
			return time.Time{}, fmt.Errorf("bad quarterly period %q", period)
		}
		return time.Date(year, time.Month((quarter-1)*3+1), 1, 0, 0, 0, 0, time.UTC), nil
	}
	switch len(period) {
	case 7:
		return time.Parse("2006-01", period)
	case 4:
		return time.Parse("2006", period)
	}
	return time.Parse("2006-01-02", period)
}
