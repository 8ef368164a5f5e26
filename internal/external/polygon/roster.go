package polygon

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"gapscan/internal/contracts"
)

// micToBucket normalizes Polygon MIC codes to listing buckets. Symbols on a
// MIC outside this map never pass the exchange gate.
var micToBucket = map[string]string{
	"XNYS": "NYSE",
	"XASE": "AMEX",
	"XNAS": "NASDAQ",
	"XNGS": "NASDAQ",
	"XNMS": "NASDAQ",
	"XNCM": "NASDAQ",
}

// NormalizeExchange maps a primary-exchange MIC to its listing bucket.
// Returns "" for OTC and anything else outside the allow-list.
func NormalizeExchange(mic string) string {
	return micToBucket[mic]
}

type tickerRow struct {
	Ticker          string `json:"ticker"`
	Type            string `json:"type"`
	PrimaryExchange string `json:"primary_exchange"`
	Active          bool   `json:"active"`
	DelistedUTC     string `json:"delisted_utc"`
}

type tickersResponse struct {
	Results []tickerRow `json:"results"`
	NextURL string      `json:"next_url"`
}

// Tickers pages through the reference roster. With includeDelisted the
// inactive listings are fetched in a second sweep so a symbol that traded
// on the scan date is never dropped for having delisted since.
func (c *Client) Tickers(ctx context.Context, includeDelisted bool) ([]contracts.UniverseEntry, error) {
	sweeps := []string{"true"}
	if includeDelisted {
		sweeps = append(sweeps, "false")
	}

	var entries []contracts.UniverseEntry
	for _, active := range sweeps {
		params := url.Values{}
		params.Set("market", "stocks")
		params.Set("active", active)
		params.Set("limit", "1000")

		path := "/v3/reference/tickers"
		for page := 0; page < maxRosterPages; page++ {
			var out tickersResponse
			if err := c.getJSON(ctx, path, params, &out); err != nil {
				return nil, fmt.Errorf("reference tickers (active=%s): %w", active, err)
			}
			for _, row := range out.Results {
				if row.Ticker == "" {
					continue
				}
				entry := contracts.UniverseEntry{
					Symbol:          row.Ticker,
					Active:          row.Active,
					PrimaryExchange: row.PrimaryExchange,
				}
				if row.DelistedUTC != "" {
					if ts, err := time.Parse(time.RFC3339, row.DelistedUTC); err == nil {
						entry.DelistedUTC = &ts
					}
				}
				entries = append(entries, entry)
			}
			if out.NextURL == "" {
				break
			}
			// next_url is absolute and carries the cursor; strip it back
			// to path + params so the api key is re-attached.
			u, err := url.Parse(out.NextURL)
			if err != nil {
				return nil, fmt.Errorf("bad cursor url: %w", err)
			}
			path = u.Path
			params = u.Query()
			params.Del("apiKey")
		}
	}

	c.logger.WithFields(map[string]interface{}{
		"count":            len(entries),
		"include_delisted": includeDelisted,
	}).Debug("Fetched reference roster")
	return entries, nil
}

// SymbolMeta fetches exchange and security type for one symbol as of a date.
func (c *Client) SymbolMeta(ctx context.Context, symbol, date string) (contracts.SymbolMeta, error) {
	params := url.Values{}
	params.Set("market", "stocks")
	params.Set("ticker", symbol)
	params.Set("date", date)
	params.Set("limit", "1")

	var out tickersResponse
	if err := c.getJSON(ctx, "/v3/reference/tickers", params, &out); err != nil {
		return contracts.SymbolMeta{}, fmt.Errorf("symbol meta %s: %w", symbol, err)
	}
	if len(out.Results) == 0 {
		return contracts.SymbolMeta{}, fmt.Errorf("symbol meta %s: not found", symbol)
	}
	row := out.Results[0]
	return contracts.SymbolMeta{
		PrimaryExchange: row.PrimaryExchange,
		Exchange:        NormalizeExchange(row.PrimaryExchange),
		SecurityType:    row.Type,
	}, nil
}
