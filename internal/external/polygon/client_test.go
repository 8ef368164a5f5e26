package polygon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gapscan/pkg/config"
	"gapscan/pkg/logger"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := &config.Config{
		Polygon: config.PolygonConfig{
			APIKey:     "test-key",
			BaseURL:    srv.URL,
			Timeout:    5 * time.Second,
			MaxRetries: 1,
			Backoff:    time.Millisecond,
		},
	}
	return NewClient(cfg, logger.NewNop()), srv
}

func TestGroupedDaily(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/aggs/grouped/locale/us/market/stocks/2026-08-21", r.URL.Path)
		assert.Equal(t, "false", r.URL.Query().Get("adjusted"))
		assert.Equal(t, "test-key", r.URL.Query().Get("apiKey"))
		w.Write([]byte(`{"results":[
			{"T":"AAPL","o":230.1,"h":234.5,"l":229.0,"c":233.2,"v":51234567,"vw":232.4},
			{"T":"PINK","o":1.0,"h":1.1,"l":0.9,"c":1.0,"v":1000,"otc":true},
			{"T":"","o":1.0,"h":1.0,"l":1.0,"c":1.0,"v":1}
		]}`))
	}))

	bars, err := client.GroupedDaily(context.Background(), "2026-08-21")
	require.NoError(t, err)
	require.Len(t, bars, 1, "OTC and blank tickers must be dropped")

	bar := bars[0]
	assert.Equal(t, "AAPL", bar.Symbol)
	assert.Equal(t, "2026-08-21", bar.Date)
	assert.Equal(t, ProviderName, bar.Provider)
	assert.Equal(t, int64(51234567), bar.Volume)
	require.NotNil(t, bar.VWAP)
	assert.InDelta(t, 232.4, *bar.VWAP, 1e-9)
}

func TestGroupedDailyNonTradingDay(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"results":[]}`))
	}))

	bars, err := client.GroupedDaily(context.Background(), "2026-08-23")
	require.NoError(t, err)
	assert.Empty(t, bars)
}

func TestGroupedDailyMissingKey(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("request must not be issued without an api key")
	}))
	client.apiKey = ""

	_, err := client.GroupedDaily(context.Background(), "2026-08-21")
	assert.Error(t, err)
}

func TestPrevCloseBulk(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"results":[
			{"T":"AAPL","c":233.2,"v":100},
			{"T":"ZERO","c":0,"v":100}
		]}`))
	}))

	m, err := client.PrevCloseBulk(context.Background(), "2026-08-20")
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"AAPL": 233.2}, m)
}

func TestDailyRange(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/aggs/ticker/GME/range/1/day/2026-08-12/2026-08-21", r.URL.Path)
		w.Write([]byte(`{"results":[
			{"t":1755576000000,"o":10,"h":12,"l":9,"c":11,"v":500000,"vw":10.8},
			{"t":1755662400000,"o":11,"h":15,"l":11,"c":14,"v":900000}
		]}`))
	}))

	bars, err := client.DailyRange(context.Background(), "GME", "2026-08-12", "2026-08-21")
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, "2025-08-19", bars[0].Date)
	assert.NotNil(t, bars[0].VWAP)
	assert.Nil(t, bars[1].VWAP)
}

func TestPrevCloseSingle(t *testing.T) {
	t.Run("present", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"results":[{"t":1755662400000,"c":14.5,"v":100}]}`))
		}))
		px, err := client.PrevClose(context.Background(), "GME", "2026-08-20")
		require.NoError(t, err)
		require.NotNil(t, px)
		assert.InDelta(t, 14.5, *px, 1e-9)
	})

	t.Run("absent", func(t *testing.T) {
		client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"results":[]}`))
		}))
		px, err := client.PrevClose(context.Background(), "GME", "2026-08-20")
		require.NoError(t, err)
		assert.Nil(t, px)
	})
}

func TestSplits(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v3/reference/splits", r.URL.Path)
		assert.Equal(t, "XYZ", r.URL.Query().Get("ticker"))
		assert.Equal(t, "2026-08-18", r.URL.Query().Get("execution_date.gte"))
		assert.Equal(t, "2026-08-24", r.URL.Query().Get("execution_date.lte"))
		w.Write([]byte(`{"results":[
			{"execution_date":"2026-08-20","split_from":10,"split_to":1},
			{"execution_date":"","split_from":1,"split_to":2}
		]}`))
	}))

	events, err := client.Splits(context.Background(), "XYZ", "2026-08-18", "2026-08-24")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].IsReverse())
}

func TestTickersPagination(t *testing.T) {
	var srv *httptest.Server
	calls := 0
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		require.Equal(t, "test-key", r.URL.Query().Get("apiKey"),
			"api key must be re-attached on cursor pages")
		switch {
		case r.URL.Query().Get("active") == "true" && r.URL.Query().Get("cursor") == "":
			w.Write([]byte(`{"results":[{"ticker":"AAPL","type":"CS","primary_exchange":"XNAS","active":true}],
				"next_url":"` + srv.URL + `/v3/reference/tickers?cursor=abc&active=true"}`))
		case r.URL.Query().Get("cursor") == "abc":
			w.Write([]byte(`{"results":[{"ticker":"GME","type":"CS","primary_exchange":"XNYS","active":true}]}`))
		default:
			// delisted sweep
			w.Write([]byte(`{"results":[{"ticker":"OLDCO","type":"CS","primary_exchange":"XNYS","active":false,"delisted_utc":"2026-08-22T00:00:00Z"}]}`))
		}
	})
	client, s := newTestClient(t, handler)
	srv = s

	entries, err := client.Tickers(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	require.Len(t, entries, 3)

	assert.Equal(t, "AAPL", entries[0].Symbol)
	assert.Equal(t, "GME", entries[1].Symbol)
	assert.Equal(t, "OLDCO", entries[2].Symbol)
	assert.False(t, entries[2].Active)
	require.NotNil(t, entries[2].DelistedUTC)
	assert.Equal(t, "2026-08-22", entries[2].DelistedUTC.Format("2006-01-02"))
}

func TestTickersActiveOnly(t *testing.T) {
	calls := 0
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		assert.Equal(t, "true", r.URL.Query().Get("active"))
		w.Write([]byte(`{"results":[{"ticker":"AAPL","type":"CS","primary_exchange":"XNAS","active":true}]}`))
	}))

	entries, err := client.Tickers(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Len(t, entries, 1)
}

func TestSymbolMeta(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "GME", r.URL.Query().Get("ticker"))
		assert.Equal(t, "2026-08-21", r.URL.Query().Get("date"))
		w.Write([]byte(`{"results":[{"ticker":"GME","type":"CS","primary_exchange":"XNYS","active":true}]}`))
	}))

	meta, err := client.SymbolMeta(context.Background(), "GME", "2026-08-21")
	require.NoError(t, err)
	assert.Equal(t, "NYSE", meta.Exchange)
	assert.Equal(t, "CS", meta.SecurityType)
}

func TestNormalizeExchange(t *testing.T) {
	tests := []struct {
		mic  string
		want string
	}{
		{"XNYS", "NYSE"},
		{"XASE", "AMEX"},
		{"XNAS", "NASDAQ"},
		{"XNGS", "NASDAQ"},
		{"XNMS", "NASDAQ"},
		{"XNCM", "NASDAQ"},
		{"OTCM", ""},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeExchange(tt.mic), tt.mic)
	}
}
