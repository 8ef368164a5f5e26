package scan

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gapscan/internal/bars"
	"gapscan/internal/contracts"
	"gapscan/pkg/config"
	"gapscan/pkg/database"
	"gapscan/pkg/logger"
)

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open("file:"+t.Name()+"?mode=memory&cache=shared", time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func openBarsRepo(t *testing.T) *bars.Repository {
	t.Helper()
	return bars.NewRepository(openTestDB(t))
}

func discCfg() *config.DiscoveryConfig {
	return &config.DiscoveryConfig{
		OpenGapPct:         50,
		PushPct:            50,
		PremarketPct:       50,
		Surge7dPct:         300,
		HeavyRunnerDV:      10_000_000,
		HeavyRunnerPush:    50,
		MinVolume:          100_000,
		AllowedExchanges:   []string{"NYSE", "NASDAQ", "AMEX"},
		AllowedTypes:       []string{"CS", "ADRC"},
		ExcludeDerivatives: true,
		Workers:            4,
		StageTimeout:       5 * time.Second,
		MaxCandidates:      750,
	}
}

func pbar(date, symbol string, open, high, low, close float64, volume int64) contracts.DailyBar {
	return contracts.DailyBar{
		Provider: "polygon", Date: date, Symbol: symbol,
		Open: open, High: high, Low: low, Close: close, Volume: volume,
	}
}

// fakeDaily implements contracts.DailyProvider from canned maps.
type fakeDaily struct {
	grouped    map[string][]contracts.DailyBar
	prevBulk   map[string]map[string]float64
	prevSingle map[string]float64
	ranges     map[string][]contracts.DailyBar
	splits     map[string][]contracts.SplitEvent

	groupedErr error
	splitsErr  error
	rangeCalls int
	prevCalls  int
}

func (f *fakeDaily) GroupedDaily(ctx context.Context, date string) ([]contracts.DailyBar, error) {
	if f.groupedErr != nil {
		return nil, f.groupedErr
	}
	return f.grouped[date], nil
}

func (f *fakeDaily) PrevCloseBulk(ctx context.Context, prevDate string) (map[string]float64, error) {
	if m, ok := f.prevBulk[prevDate]; ok {
		return m, nil
	}
	return nil, errors.New("no bulk data")
}

func (f *fakeDaily) PrevClose(ctx context.Context, symbol, prevDate string) (*float64, error) {
	f.prevCalls++
	if c, ok := f.prevSingle[symbol]; ok {
		return &c, nil
	}
	return nil, nil
}

func (f *fakeDaily) DailyRange(ctx context.Context, symbol, start, end string) ([]contracts.DailyBar, error) {
	f.rangeCalls++
	return f.ranges[symbol], nil
}

func (f *fakeDaily) Splits(ctx context.Context, symbol, start, end string) ([]contracts.SplitEvent, error) {
	if f.splitsErr != nil {
		return nil, f.splitsErr
	}
	return f.splits[symbol], nil
}

// fakeIntraday implements contracts.IntradayProvider. When block is set,
// PremarketHigh waits for context cancellation before answering.
type fakeIntraday struct {
	available bool
	results   map[string]contracts.PremarketResult
	block     bool
	calls     int
}

func (f *fakeIntraday) Name() string    { return "thetadata" }
func (f *fakeIntraday) Available() bool { return f.available }

func (f *fakeIntraday) PremarketHigh(ctx context.Context, symbol, date string) contracts.PremarketResult {
	f.calls++
	if f.block {
		<-ctx.Done()
		return contracts.PremarketResult{Class: contracts.FetchRetryable, Err: ctx.Err()}
	}
	if r, ok := f.results[symbol]; ok {
		return r
	}
	return contracts.PremarketResult{Class: contracts.FetchNoData}
}

// fakeMeta implements contracts.ReferenceRoster for gate and pipeline tests.
type fakeMeta struct {
	meta    map[string]contracts.SymbolMeta
	entries []contracts.UniverseEntry
}

func (f *fakeMeta) Tickers(ctx context.Context, includeDelisted bool) ([]contracts.UniverseEntry, error) {
	return f.entries, nil
}

func (f *fakeMeta) SymbolMeta(ctx context.Context, symbol, date string) (contracts.SymbolMeta, error) {
	m, ok := f.meta[symbol]
	if !ok {
		return contracts.SymbolMeta{}, errors.New("unknown symbol")
	}
	return m, nil
}

func nopLog() *logger.Logger { return logger.NewNop() }
