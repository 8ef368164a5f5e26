package contracts

import "context"

// FetchClass is the typed outcome of a provider attempt. Providers report a
// class instead of relying on ambient error types so that the fallback chain
// can decide between retry, advance, and abort.
type FetchClass int

const (
	// FetchOK - data returned.
	FetchOK FetchClass = iota
	// FetchNoData - explicit empty response (e.g. no premarket trades).
	// Valid zero-result: advance to the next provider without retry.
	FetchNoData
	// FetchRetryable - rate limit or transient server error. Retry with
	// backoff before advancing.
	FetchRetryable
	// FetchFatal - non-retryable failure (bad request, auth, parse).
	FetchFatal
)

func (c FetchClass) String() string {
	switch c {
	case FetchOK:
		return "ok"
	case FetchNoData:
		return "no_data"
	case FetchRetryable:
		return "retryable"
	default:
		return "fatal"
	}
}

// PremarketResult is the outcome of one premarket-high fetch.
type PremarketResult struct {
	High   float64
	Class  FetchClass
	Source string // provider generation, e.g. v3_trades, v1_trades, v1_ohlc_1m
	Venue  string
	Err    error
}

// DailyProvider is the bulk daily-bars capability: one call covers the
// whole market for a date.
type DailyProvider interface {
	// GroupedDaily returns one unadjusted bar per symbol for the date.
	// Empty slice on a valid non-trading day.
	GroupedDaily(ctx context.Context, date string) ([]DailyBar, error)
	// PrevCloseBulk returns a symbol -> close map for the prior trading date.
	PrevCloseBulk(ctx context.Context, prevDate string) (map[string]float64, error)
	// PrevClose fetches a single symbol's previous close; nil when unknown.
	PrevClose(ctx context.Context, symbol, prevDate string) (*float64, error)
	// DailyRange returns daily bars for one symbol over [start, end].
	DailyRange(ctx context.Context, symbol, start, end string) ([]DailyBar, error)
	// Splits returns corporate-action splits for a symbol within [start, end].
	Splits(ctx context.Context, symbol, start, end string) ([]SplitEvent, error)
}

// IntradayProvider is the premarket capability: per-symbol, per-date
// extended-hours high within the configured premarket window.
type IntradayProvider interface {
	Name() string
	// Available reports whether the provider terminal answered a probe.
	Available() bool
	// PremarketHigh returns the highest extended-hours trade price in the
	// premarket window, with a typed outcome.
	PremarketHigh(ctx context.Context, symbol, date string) PremarketResult
}

// ReferenceRoster is the universe-construction capability of the bulk
// provider: full ticker roster including delisted entities.
type ReferenceRoster interface {
	// Tickers pages through the full roster. includeDelisted extends the
	// roster to inactive entities.
	Tickers(ctx context.Context, includeDelisted bool) ([]UniverseEntry, error)
	// SymbolMeta returns exchange MIC and security type as of a date.
	SymbolMeta(ctx context.Context, symbol, date string) (SymbolMeta, error)
}

// SymbolMeta is per-symbol reference metadata used by the hit gates.
type SymbolMeta struct {
	PrimaryExchange string // MIC
	Exchange        string // normalized bucket
	SecurityType    string // CS, ADRC, WARRANT, ...
}
