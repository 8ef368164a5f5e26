// Package polygon implements the bulk daily-bars provider: grouped daily
// aggregates for the whole market in one call, previous closes, the
// reference roster (delisted included), and corporate-action splits.
package polygon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"gapscan/internal/contracts"
	"gapscan/pkg/config"
	"gapscan/pkg/httputil"
	"gapscan/pkg/logger"
)

// ProviderName tags bars stored from this provider.
const ProviderName = "polygon"

// maxRosterPages caps the reference-ticker pager so a bad cursor can never
// loop forever.
const maxRosterPages = 40

// Client handles communication with the Polygon REST API.
type Client struct {
	httpClient *httputil.Client
	logger     *logger.Logger
	baseURL    string
	apiKey     string
}

// NewClient creates a new Polygon client.
func NewClient(cfg *config.Config, log *logger.Logger) *Client {
	hc := httputil.New(log, cfg.Polygon.Timeout).
		WithRetry(cfg.Polygon.MaxRetries, cfg.Polygon.Backoff).
		WithRateLimit(cfg.Polygon.RequestsPerSec)
	return &Client{
		httpClient: hc,
		logger:     log,
		baseURL:    strings.TrimRight(cfg.Polygon.BaseURL, "/"),
		apiKey:     cfg.Polygon.APIKey,
	}
}

func (c *Client) getJSON(ctx context.Context, path string, params url.Values, out interface{}) error {
	if c.apiKey == "" {
		return fmt.Errorf("polygon api key missing")
	}
	if params == nil {
		params = url.Values{}
	}
	params.Set("apiKey", c.apiKey)

	fullURL := fmt.Sprintf("%s%s?%s", c.baseURL, path, params.Encode())
	resp, err := c.httpClient.Get(ctx, fullURL)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body failed: %w", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("parse response failed: %w", err)
	}
	return nil
}

type groupedAggRow struct {
	Ticker string  `json:"T"`
	Open   float64 `json:"o"`
	High   float64 `json:"h"`
	Low    float64 `json:"l"`
	Close  float64 `json:"c"`
	Volume float64 `json:"v"`
	VWAP   float64 `json:"vw"`
	OTC    bool    `json:"otc"`
}

type groupedAggResponse struct {
	Results []groupedAggRow `json:"results"`
}

// GroupedDaily returns one unadjusted bar per symbol for the entire market.
// This is the single bulk call Pass 1 depends on; it is never issued per
// symbol. Empty result on a valid non-trading day.
func (c *Client) GroupedDaily(ctx context.Context, date string) ([]contracts.DailyBar, error) {
	params := url.Values{}
	params.Set("adjusted", "false")
	params.Set("include_otc", "false")

	var out groupedAggResponse
	path := fmt.Sprintf("/v2/aggs/grouped/locale/us/market/stocks/%s", date)
	if err := c.getJSON(ctx, path, params, &out); err != nil {
		return nil, fmt.Errorf("grouped daily %s: %w", date, err)
	}

	bars := make([]contracts.DailyBar, 0, len(out.Results))
	for _, row := range out.Results {
		if row.Ticker == "" || row.OTC {
			continue
		}
		vwap := row.VWAP
		bar := contracts.DailyBar{
			Provider: ProviderName,
			Date:     date,
			Symbol:   row.Ticker,
			Open:     row.Open,
			High:     row.High,
			Low:      row.Low,
			Close:    row.Close,
			Volume:   int64(row.Volume),
		}
		if vwap > 0 {
			bar.VWAP = &vwap
		}
		bars = append(bars, bar)
	}

	c.logger.WithFields(map[string]interface{}{
		"date":  date,
		"count": len(bars),
	}).Debug("Fetched grouped daily bars")
	return bars, nil
}

// PrevCloseBulk returns a symbol -> close map for the prior trading date,
// reusing the grouped-daily endpoint.
func (c *Client) PrevCloseBulk(ctx context.Context, prevDate string) (map[string]float64, error) {
	bars, err := c.GroupedDaily(ctx, prevDate)
	if err != nil {
		return nil, err
	}
	m := make(map[string]float64, len(bars))
	for _, b := range bars {
		if b.Close > 0 {
			m[b.Symbol] = b.Close
		}
	}
	return m, nil
}

type tickerAggResponse struct {
	Results []struct {
		Timestamp int64   `json:"t"`
		Open      float64 `json:"o"`
		High      float64 `json:"h"`
		Low       float64 `json:"l"`
		Close     float64 `json:"c"`
		Volume    float64 `json:"v"`
		VWAP      float64 `json:"vw"`
	} `json:"results"`
}

// PrevClose fetches a single symbol's previous close. Returns nil when the
// provider has no bar for that date.
func (c *Client) PrevClose(ctx context.Context, symbol, prevDate string) (*float64, error) {
	bars, err := c.DailyRange(ctx, symbol, prevDate, prevDate)
	if err != nil {
		return nil, err
	}
	if len(bars) == 0 || bars[0].Close <= 0 {
		return nil, nil
	}
	close := bars[0].Close
	return &close, nil
}

// DailyRange returns unadjusted daily bars for one symbol over [start, end].
// Backbone for the 7-day surge window when stored history is short.
func (c *Client) DailyRange(ctx context.Context, symbol, start, end string) ([]contracts.DailyBar, error) {
	params := url.Values{}
	params.Set("adjusted", "false")
	params.Set("sort", "asc")
	params.Set("limit", "5000")

	var out tickerAggResponse
	path := fmt.Sprintf("/v2/aggs/ticker/%s/range/1/day/%s/%s", symbol, start, end)
	if err := c.getJSON(ctx, path, params, &out); err != nil {
		return nil, fmt.Errorf("daily range %s: %w", symbol, err)
	}

	bars := make([]contracts.DailyBar, 0, len(out.Results))
	for _, row := range out.Results {
		vwap := row.VWAP
		bar := contracts.DailyBar{
			Provider: ProviderName,
			Date:     time.UnixMilli(row.Timestamp).UTC().Format(contracts.DateFormat),
			Symbol:   symbol,
			Open:     row.Open,
			High:     row.High,
			Low:      row.Low,
			Close:    row.Close,
			Volume:   int64(row.Volume),
		}
		if vwap > 0 {
			bar.VWAP = &vwap
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

type splitsResponse struct {
	Results []struct {
		ExecutionDate string  `json:"execution_date"`
		SplitFrom     float64 `json:"split_from"`
		SplitTo       float64 `json:"split_to"`
	} `json:"results"`
}

// Splits returns corporate-action splits for a symbol with execution dates
// in [start, end].
func (c *Client) Splits(ctx context.Context, symbol, start, end string) ([]contracts.SplitEvent, error) {
	params := url.Values{}
	params.Set("ticker", symbol)
	if start != "" {
		params.Set("execution_date.gte", start)
	}
	if end != "" {
		params.Set("execution_date.lte", end)
	}

	var out splitsResponse
	if err := c.getJSON(ctx, "/v3/reference/splits", params, &out); err != nil {
		return nil, fmt.Errorf("splits %s: %w", symbol, err)
	}

	events := make([]contracts.SplitEvent, 0, len(out.Results))
	for _, s := range out.Results {
		if s.ExecutionDate == "" {
			continue
		}
		events = append(events, contracts.SplitEvent{
			ExecutionDate: s.ExecutionDate,
			SplitFrom:     s.SplitFrom,
			SplitTo:       s.SplitTo,
		})
	}
	return events, nil
}
