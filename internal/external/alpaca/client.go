// Package alpaca is the independent bars source behind the baseline
// cross-validator. It shares no code path with the primary providers so a
// systematic primary-side miss cannot hide in a shared bug.
package alpaca

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"gapscan/internal/contracts"
	"gapscan/pkg/config"
	"gapscan/pkg/httputil"
	"gapscan/pkg/logger"
)

// ProviderName tags bars stored from this provider.
const ProviderName = "alpaca"

// Client handles communication with the Alpaca market-data API.
type Client struct {
	httpClient *httputil.Client
	logger     *logger.Logger
	baseURL    string
	apiKey     string
	apiSecret  string
}

// NewClient creates a new Alpaca client.
func NewClient(cfg *config.Config, log *logger.Logger) *Client {
	return &Client{
		httpClient: httputil.New(log, cfg.Alpaca.Timeout),
		logger:     log,
		baseURL:    strings.TrimRight(cfg.Alpaca.BaseURL, "/"),
		apiKey:     cfg.Alpaca.APIKey,
		apiSecret:  cfg.Alpaca.APISecret,
	}
}

// Configured reports whether credentials are present.
func (c *Client) Configured() bool { return c.apiKey != "" && c.apiSecret != "" }

type barsResponse struct {
	Bars []struct {
		Timestamp string  `json:"t"`
		Open      float64 `json:"o"`
		High      float64 `json:"h"`
		Low       float64 `json:"l"`
		Close     float64 `json:"c"`
		Volume    float64 `json:"v"`
		VWAP      float64 `json:"vw"`
	} `json:"bars"`
	NextPageToken string `json:"next_page_token"`
}

// DailyBars returns raw (unadjusted) daily bars for one symbol over
// [start, end]. The IEX feed is used so the comparison side stays on a
// different tape than the primary pipeline.
func (c *Client) DailyBars(ctx context.Context, symbol, start, end string) ([]contracts.DailyBar, error) {
	if !c.Configured() {
		return nil, fmt.Errorf("alpaca credentials missing")
	}

	params := url.Values{}
	params.Set("start", start+"T00:00:00Z")
	params.Set("end", end+"T23:59:59Z")
	params.Set("timeframe", "1Day")
	params.Set("adjustment", "raw")
	params.Set("feed", "iex")
	params.Set("limit", "100")

	fullURL := fmt.Sprintf("%s/stocks/%s/bars?%s", c.baseURL, symbol, params.Encode())
	headers := map[string]string{
		"APCA-API-KEY-ID":     c.apiKey,
		"APCA-API-SECRET-KEY": c.apiSecret,
	}

	resp, err := c.httpClient.GetWithHeaders(ctx, fullURL, headers)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body failed: %w", err)
	}

	var out barsResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("parse response failed: %w", err)
	}

	bars := make([]contracts.DailyBar, 0, len(out.Bars))
	for _, row := range out.Bars {
		if len(row.Timestamp) < len(contracts.DateFormat) {
			continue
		}
		vwap := row.VWAP
		bar := contracts.DailyBar{
			Provider: ProviderName,
			Date:     row.Timestamp[:len(contracts.DateFormat)],
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
