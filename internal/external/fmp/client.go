// Package fmp augments the scan universe with delisted entities from the
// Financial Modeling Prep reference API. Optional: without an API key the
// universe builder proceeds on the primary roster alone.
package fmp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"gapscan/pkg/config"
	"gapscan/pkg/httputil"
	"gapscan/pkg/logger"
)

// maxSymbolLen drops malformed roster entries; real US tickers are shorter.
const maxSymbolLen = 10

// DelistedCompany is one entry from the delisted-companies endpoint.
type DelistedCompany struct {
	Symbol       string
	CompanyName  string
	Exchange     string
	IPODate      string
	DelistedDate string
}

// Client handles communication with the FMP API.
type Client struct {
	httpClient *httputil.Client
	logger     *logger.Logger
	baseURL    string
	apiKey     string
}

// NewClient creates a new FMP client.
func NewClient(cfg *config.Config, log *logger.Logger) *Client {
	return &Client{
		httpClient: httputil.New(log, cfg.FMP.Timeout),
		logger:     log,
		baseURL:    strings.TrimRight(cfg.FMP.BaseURL, "/"),
		apiKey:     cfg.FMP.APIKey,
	}
}

// Configured reports whether an API key is present.
func (c *Client) Configured() bool { return c.apiKey != "" }

// DelistedCompanies fetches the full delisted roster. Symbols are uppercased
// and length-gated; blank or oversized entries are dropped.
func (c *Client) DelistedCompanies(ctx context.Context) ([]DelistedCompany, error) {
	if !c.Configured() {
		return nil, fmt.Errorf("fmp api key missing")
	}

	params := url.Values{}
	params.Set("apikey", c.apiKey)
	fullURL := fmt.Sprintf("%s/v3/delisted-companies?%s", c.baseURL, params.Encode())

	resp, err := c.httpClient.Get(ctx, fullURL)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body failed: %w", err)
	}

	var rows []struct {
		Symbol       string `json:"symbol"`
		CompanyName  string `json:"companyName"`
		Exchange     string `json:"exchange"`
		IPODate      string `json:"ipoDate"`
		DelistedDate string `json:"delistedDate"`
	}
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("parse response failed: %w", err)
	}

	out := make([]DelistedCompany, 0, len(rows))
	for _, row := range rows {
		symbol := strings.ToUpper(strings.TrimSpace(row.Symbol))
		if symbol == "" || len(symbol) > maxSymbolLen {
			continue
		}
		out = append(out, DelistedCompany{
			Symbol:       symbol,
			CompanyName:  strings.TrimSpace(row.CompanyName),
			Exchange:     strings.TrimSpace(row.Exchange),
			IPODate:      row.IPODate,
			DelistedDate: row.DelistedDate,
		})
	}

	c.logger.WithField("count", len(out)).Debug("Fetched delisted companies")
	return out, nil
}
