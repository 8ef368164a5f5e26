// Package theta implements the intraday/premarket provider against a local
// terminal. Two API generations are supported: v3 (primary) and v1 (legacy
// fallback), each behind its own plan-tier outstanding-request ceiling.
package theta

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"gapscan/internal/contracts"
	"gapscan/pkg/config"
	"gapscan/pkg/httputil"
	"gapscan/pkg/logger"
)

// ProviderName tags premarket values sourced from this provider.
const ProviderName = "thetadata"

// venueOrder is the tape fallback sequence: composite first, then the
// Nasdaq Basic feed.
var venueOrder = []string{"utp_cta", "nqb"}

// Terminal status codes. 204 and 472 both mean "no data for the window";
// they are valid empty results, never retried. The retryable set covers
// rate limiting (429), terminal disconnect (474), oversized request (570),
// terminal still starting (571), and plain server errors.
const (
	statusNoData472 = 472
)

func isRetryableTheta(code int) bool {
	switch code {
	case 429, 474, 570, 571, 502, 503, 504:
		return true
	}
	return false
}

// generation is one terminal API generation with its own outstanding-request
// semaphore. Acquisition blocks; the cap is a hard plan-tier limit, not a
// throughput hint.
type generation struct {
	name    string
	baseURL string
	sem     chan struct{}
	ok      bool
}

func newGeneration(name, baseURL string, maxOutstanding int) *generation {
	if maxOutstanding < 1 {
		maxOutstanding = 1
	}
	return &generation{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		sem:     make(chan struct{}, maxOutstanding),
	}
}

func (g *generation) acquire(ctx context.Context) error {
	select {
	case g.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *generation) release() {
	<-g.sem
}

// Client talks to the ThetaData terminal(s).
type Client struct {
	httpClient *httputil.Client
	logger     *logger.Logger

	v3 *generation
	v1 *generation

	venue       string
	maxRetries  int
	backoffBase time.Duration
	pmStart     string // HH:MM:SS
	pmEnd       string

	diagMu sync.Mutex
	diag   map[string]map[string]map[string]int // date -> source label -> code bucket -> count
}

// NewClient creates a theta client and probes both terminal generations.
// A client with neither generation reachable is still returned; Available
// reports false and the premarket stage is skipped gracefully.
func NewClient(ctx context.Context, cfg *config.Config, log *logger.Logger) *Client {
	c := &Client{
		// Retry policy is the terminal's own status taxonomy, handled here.
		httpClient:  httputil.New(log, cfg.Theta.Timeout).DisableRetry(),
		logger:      log,
		v3:          newGeneration("v3", cfg.Theta.V3BaseURL, cfg.Theta.V3MaxOutstanding),
		v1:          newGeneration("v1", cfg.Theta.V1BaseURL, cfg.Theta.V1MaxOutstanding),
		venue:       strings.ToLower(strings.TrimSpace(cfg.Theta.Venue)),
		maxRetries:  cfg.Theta.MaxRetries,
		backoffBase: cfg.Theta.BackoffBase,
		pmStart:     cfg.Theta.PremarketStart,
		pmEnd:       cfg.Theta.PremarketEnd,
		diag:        make(map[string]map[string]map[string]int),
	}

	c.v3.ok = c.probeV3(ctx)
	c.v1.ok = c.probeV1(ctx)
	switch {
	case c.v3.ok:
		log.Info("ThetaData v3 detected (primary)")
	case c.v1.ok:
		log.Info("ThetaData v1 detected (fallback)")
	default:
		log.Warn("ThetaData not detected; premarket verification will be skipped")
	}
	return c
}

// Name implements contracts.IntradayProvider.
func (c *Client) Name() string { return ProviderName }

// Available reports whether at least one terminal generation answered a probe.
func (c *Client) Available() bool { return c.v3.ok || c.v1.ok }

// A probe only has to prove the terminal is answering; auth and data errors
// (400, 422) count as alive.
func (c *Client) probeV3(ctx context.Context) bool {
	params := url.Values{}
	params.Set("symbol", "SPY")
	params.Set("date", "2025-01-02")
	params.Set("start_time", "09:30:00")
	params.Set("end_time", "09:30:01")
	params.Set("format", "json")
	code, _, err := c.get(ctx, c.v3, "/v3/stock/history/trade", params)
	if err != nil {
		return false
	}
	return code == 200 || code == 204 || code == 400 || code == 422
}

func (c *Client) probeV1(ctx context.Context) bool {
	params := url.Values{}
	params.Set("root", "SPY")
	params.Set("start_date", "20250102")
	params.Set("end_date", "20250102")
	params.Set("start_time", "09:30:00")
	params.Set("end_time", "09:30:01")
	code, _, err := c.get(ctx, c.v1, "/v2/hist/stock/trade", params)
	if err != nil {
		return false
	}
	return code == 200 || code == 204 || code == 400 || code == 422
}

// venuesToTry orders the tape fallback with the configured venue first.
func (c *Client) venuesToTry() []string {
	for _, v := range venueOrder {
		if c.venue == v {
			out := []string{v}
			for _, other := range venueOrder {
				if other != v {
					out = append(out, other)
				}
			}
			return out
		}
	}
	return venueOrder
}

// PremarketHigh returns the highest extended-hours trade price in the
// premarket window, walking the deterministic chain
// v3 trades (per venue) -> v1 trades (per venue) -> v1 1-minute OHLC.
// A valid empty answer from every link yields FetchNoData; an exhausted
// retryable failure anywhere in the chain taints the result as retryable so
// the caller can count it against completeness.
func (c *Client) PremarketHigh(ctx context.Context, symbol, date string) contracts.PremarketResult {
	sawRetryable := false
	var lastErr error

	if c.v3.ok {
		for _, ven := range c.venuesToTry() {
			res := c.tradesHighV3(ctx, symbol, date, ven)
			switch res.Class {
			case contracts.FetchOK:
				return res
			case contracts.FetchRetryable:
				sawRetryable = true
				lastErr = res.Err
			}
			if ctx.Err() != nil {
				return contracts.PremarketResult{Class: contracts.FetchRetryable, Err: ctx.Err()}
			}
		}
	}
	if c.v1.ok {
		for _, ven := range c.venuesToTry() {
			res := c.tradesHighV1(ctx, symbol, date, ven)
			switch res.Class {
			case contracts.FetchOK:
				return res
			case contracts.FetchRetryable:
				sawRetryable = true
				lastErr = res.Err
			}
			if ctx.Err() != nil {
				return contracts.PremarketResult{Class: contracts.FetchRetryable, Err: ctx.Err()}
			}
		}
		res := c.ohlcHighV1(ctx, symbol, date)
		if res.Class == contracts.FetchOK {
			return res
		}
		if res.Class == contracts.FetchRetryable {
			sawRetryable = true
			lastErr = res.Err
		}
	}

	if sawRetryable {
		return contracts.PremarketResult{Class: contracts.FetchRetryable, Err: lastErr}
	}
	return contracts.PremarketResult{Class: contracts.FetchNoData}
}

func (c *Client) tradesHighV3(ctx context.Context, symbol, date, venue string) contracts.PremarketResult {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("date", date)
	params.Set("start_time", c.pmStart)
	params.Set("end_time", c.pmEnd)
	params.Set("format", "json")
	params.Set("venue", venue)

	label := "v3_" + venue
	high, class, err := c.tradeMaxPrice(ctx, c.v3, "/v3/stock/history/trade", params, date, label)
	return contracts.PremarketResult{High: high, Class: class, Source: "v3_trades", Venue: venue, Err: err}
}

func (c *Client) tradesHighV1(ctx context.Context, symbol, date, venue string) contracts.PremarketResult {
	params := url.Values{}
	params.Set("root", symbol)
	params.Set("start_date", ymdNoDash(date))
	params.Set("end_date", ymdNoDash(date))
	params.Set("start_time", hmsToMs(c.pmStart))
	params.Set("end_time", hmsToMs(c.pmEnd))
	params.Set("use_csv", "false")
	params.Set("pretty_time", "true")
	params.Set("venue", venue)

	label := "v1_" + venue
	high, class, err := c.tradeMaxPrice(ctx, c.v1, "/v2/hist/stock/trade", params, date, label)
	return contracts.PremarketResult{High: high, Class: class, Source: "v1_trades", Venue: venue, Err: err}
}

// ohlcHighV1 is the last-resort link: 1-minute bars with extended hours
// included, sliced to the premarket window client-side because the OHLC
// endpoint takes no time bounds.
func (c *Client) ohlcHighV1(ctx context.Context, symbol, date string) contracts.PremarketResult {
	params := url.Values{}
	params.Set("root", symbol)
	params.Set("start_date", ymdNoDash(date))
	params.Set("end_date", ymdNoDash(date))
	params.Set("ivl", "60000")
	params.Set("rth", "false")

	code, body, err := c.getWithRetry(ctx, c.v1, "/v2/hist/stock/ohlc", params, date, "v1_ohlc")
	if err != nil {
		return contracts.PremarketResult{Class: contracts.FetchRetryable, Err: err}
	}
	if code == 204 || code == statusNoData472 {
		return contracts.PremarketResult{Class: contracts.FetchNoData}
	}
	if code != 200 {
		return contracts.PremarketResult{Class: contracts.FetchFatal,
			Err: fmt.Errorf("v1 ohlc status %d", code)}
	}

	var out struct {
		Response [][]json.Number `json:"response"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return contracts.PremarketResult{Class: contracts.FetchFatal, Err: fmt.Errorf("v1 ohlc parse: %w", err)}
	}

	startMS, endMS := int64(4*3600*1000), int64((9*3600+30*60)*1000)
	var high float64
	found := false
	// rows: [ms_of_day, open, high, low, close, volume, count, date]
	for _, rec := range out.Response {
		if len(rec) < 3 {
			continue
		}
		ms, err := rec[0].Int64()
		if err != nil || ms < startMS || ms > endMS {
			continue
		}
		h, err := rec[2].Float64()
		if err != nil {
			continue
		}
		if !found || h > high {
			high = h
			found = true
		}
	}
	if !found {
		return contracts.PremarketResult{Class: contracts.FetchNoData}
	}
	return contracts.PremarketResult{High: high, Class: contracts.FetchOK, Source: "v1_ohlc_1m", Venue: "rth_false"}
}

// tradeMaxPrice runs the GET with the terminal's retry taxonomy and returns
// the highest trade price in the response.
func (c *Client) tradeMaxPrice(ctx context.Context, gen *generation, path string, params url.Values, date, label string) (float64, contracts.FetchClass, error) {
	code, body, err := c.getWithRetry(ctx, gen, path, params, date, label)
	if err != nil {
		return 0, contracts.FetchRetryable, err
	}
	if code == 204 || code == statusNoData472 {
		return 0, contracts.FetchNoData, nil
	}
	if code != 200 {
		c.logger.WithFields(map[string]interface{}{
			"source": label,
			"status": code,
		}).Warn("Theta trade request failed")
		return 0, contracts.FetchFatal, fmt.Errorf("%s status %d", label, code)
	}

	high, ok := parseTradeMax(body)
	if !ok {
		return 0, contracts.FetchNoData, nil
	}
	return high, contracts.FetchOK, nil
}

// getWithRetry retries the retryable status set with exponential backoff.
// Terminal no-data codes and hard errors return immediately.
func (c *Client) getWithRetry(ctx context.Context, gen *generation, path string, params url.Values, date, label string) (int, []byte, error) {
	attempts := c.maxRetries
	if attempts < 1 {
		attempts = 1
	}
	delay := c.backoffBase
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		code, body, err := c.get(ctx, gen, path, params)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return 0, nil, ctx.Err()
			}
		} else {
			c.countDiag(date, label, code)
			if !isRetryableTheta(code) {
				return code, body, nil
			}
			lastErr = fmt.Errorf("%s transient status %d", label, code)
			c.logger.WithFields(map[string]interface{}{
				"source":  label,
				"status":  code,
				"attempt": i + 1,
			}).Debug("Theta transient error, backing off")
		}

		if i == attempts-1 {
			break
		}
		select {
		case <-time.After(delay * (1 << i)):
		case <-ctx.Done():
			return 0, nil, ctx.Err()
		}
	}
	return 0, nil, lastErr
}

func (c *Client) get(ctx context.Context, gen *generation, path string, params url.Values) (int, []byte, error) {
	if err := gen.acquire(ctx); err != nil {
		return 0, nil, err
	}
	defer gen.release()

	fullURL := fmt.Sprintf("%s%s?%s", gen.baseURL, path, params.Encode())
	resp, err := c.httpClient.Get(ctx, fullURL)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

func ymdNoDash(dateISO string) string {
	return strings.ReplaceAll(dateISO, "-", "")
}

// hmsToMs converts HH:MM:SS to milliseconds since midnight, the time format
// the v1 generation expects.
func hmsToMs(hms string) string {
	var hh, mm, ss int
	fmt.Sscanf(hms, "%d:%d:%d", &hh, &mm, &ss)
	return fmt.Sprintf("%d", ((hh*60+mm)*60+ss)*1000)
}
