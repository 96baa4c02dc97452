package nyfed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/liquidity-tracker/pkg/logger"
)

func TestParseAmount(t *testing.T) {
	tests := []struct {
		in      string
		want    float64
		wantErr bool
	}{
		{"1234.5", 1234.5, false},
		{"2,503,000", 2503000, false},
		{" 42 ", 42, false},
		{"", 0, true},
		{"abc", 0, true},
	}
	for _, tt := range tests {
		got, err := parseAmount(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.InDelta(t, tt.want, got, 1e-9)
	}
}

func TestGetSOFR(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "sofr")
		w.Write([]byte(`{"refRates":[
			{"effectiveDate":"2024-01-03","percentRate":5.32},
			{"effectiveDate":"2024-01-04","percentRate":5.31}
		]}`))
	}))
	defer srv.Close()

	log := logger.New(logger.Config{Level: "error", Pretty: false})
	c := NewClient(log)
	c.baseURL = srv.URL

	got, err := c.GetSeries(context.Background(), "sofr", time.Time{}, time.Time{})
	require.NoError(t, err)

	assert.Equal(t, "nyfed", got.Source)
	assert.Equal(t, "SOFR", got.SeriesID)
	require.Len(t, got.Points, 2)
	assert.InDelta(t, 5.32, got.Points[0].Value, 1e-9)
}

func TestGetSeriesUnknownID(t *testing.T) {
	log := logger.New(logger.Config{Level: "error", Pretty: false})
	c := NewClient(log)
	_, err := c.GetSeries(context.Background(), "unknown", time.Time{}, time.Time{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown series")
}

func TestGetSeriesDateFilter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"refRates":[
			{"effectiveDate":"2024-01-03","percentRate":5.32},
			{"effectiveDate":"2024-02-03","percentRate":5.30}
		]}`))
	}))
	defer srv.Close()

	log := logger.New(logger.Config{Level: "error", Pretty: false})
	c := NewClient(log)
	c.baseURL = srv.URL

	end := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)
	got, err := c.GetSeries(context.Background(), "sofr", time.Time{}, end)
	require.NoError(t, err)
	require.Len(t, got.Points, 1)
}
