package yahoo

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/liquidity-tracker/pkg/logger"
)

func TestGetSeries(t *testing.T) {
	day1 := time.Date(2024, 1, 2, 14, 30, 0, 0, time.UTC)
	day2 := day1.AddDate(0, 0, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "%5EVIX")
		assert.Equal(t, "1d", r.URL.Query().Get("interval"))
		w.Write([]byte(`{"chart":{"result":[{
			"timestamp":[` +
			timestamps(day1, day2) + `],
			"indicators":{"quote":[{"close":[13.2,null]}]}
		}],"error":null}}`))
	}))
	defer srv.Close()

	log := logger.New(logger.Config{Level: "error", Pretty: false})
	c := NewClient(log)
	c.baseURL = srv.URL

	got, err := c.GetSeries(context.Background(), "^VIX", day1.AddDate(0, 0, -1), day2)
	require.NoError(t, err)

	assert.Equal(t, "yahoo", got.Source)
	assert.Equal(t, "^VIX", got.SeriesID)
	require.Len(t, got.Points, 1, "null closes dropped")
	assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), got.Points[0].Date, "intraday timestamp truncated to UTC midnight")
	assert.InDelta(t, 13.2, got.Points[0].Value, 1e-9)
}

func TestGetSeriesChartError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"chart":{"result":[],"error":{"code":"Not Found","description":"No data found"}}}`))
	}))
	defer srv.Close()

	log := logger.New(logger.Config{Level: "error", Pretty: false})
	c := NewClient(log)
	c.baseURL = srv.URL

	_, err := c.GetSeries(context.Background(), "NOPE", time.Time{}, time.Time{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "No data found")
}

func timestamps(times ...time.Time) string {
	parts := make([]string, len(times))
	for i, t := range times {
		parts[i] = strconv.FormatInt(t.Unix(), 10)
	}
	return strings.Join(parts, ",")
}
