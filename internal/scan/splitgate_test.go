package scan

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gapscan/internal/contracts"
)

func gateWith(daily *fakeDaily, roster *fakeMeta) *SplitGate {
	if roster == nil {
		roster = &fakeMeta{meta: map[string]contracts.SymbolMeta{}}
	}
	return NewSplitGate(daily, roster, discCfg(), nopLog())
}

func TestGateKeepsWhenNoReverseSplit(t *testing.T) {
	g := gateWith(&fakeDaily{}, nil)
	bar := pbar("2026-08-21", "AAA", 10, 15, 9, 14, 500_000)

	dec := g.Evaluate(context.Background(), "AAA", "2026-08-21", bar, true)
	assert.True(t, dec.Keep)
	assert.False(t, dec.Context.NearReverseSplit)
}

func TestGateSuppressesSoleOpenGapNearSplit(t *testing.T) {
	daily := &fakeDaily{splits: map[string][]contracts.SplitEvent{
		"AAA": {{ExecutionDate: "2026-08-20", SplitFrom: 10, SplitTo: 1}},
	}}
	g := gateWith(daily, nil)
	// Thin tape: $5M dollar volume, no intraday push.
	bar := pbar("2026-08-21", "AAA", 15, 15.2, 14.5, 15.0, 333_333)

	dec := g.Evaluate(context.Background(), "AAA", "2026-08-21", bar, true)
	assert.False(t, dec.Keep)
	assert.True(t, dec.Context.NearReverseSplit)
	assert.Equal(t, "2026-08-20", dec.Context.ExecutionDate)
	assert.Equal(t, 1, dec.Context.DaysAfter)
}

func TestGateHeavyRunnerOverride(t *testing.T) {
	daily := &fakeDaily{splits: map[string][]contracts.SplitEvent{
		"AAA": {{ExecutionDate: "2026-08-20", SplitFrom: 10, SplitTo: 1}},
	}}
	g := gateWith(daily, nil)
	// $12M dollar volume and a 60% push: trading on its own merits.
	bar := pbar("2026-08-21", "AAA", 10, 16, 9.5, 12, 1_000_000)

	dec := g.Evaluate(context.Background(), "AAA", "2026-08-21", bar, true)
	assert.True(t, dec.Keep)
	assert.True(t, dec.Override)
	assert.True(t, dec.Context.NearReverseSplit)
}

func TestGateCorroboratedHitKeepsFlag(t *testing.T) {
	daily := &fakeDaily{splits: map[string][]contracts.SplitEvent{
		"AAA": {{ExecutionDate: "2026-08-22", SplitFrom: 5, SplitTo: 1}},
	}}
	g := gateWith(daily, nil)
	bar := pbar("2026-08-21", "AAA", 15, 15.4, 14.5, 15.0, 200_000)

	// Another rule fired too, so suppression does not apply.
	dec := g.Evaluate(context.Background(), "AAA", "2026-08-21", bar, false)
	assert.True(t, dec.Keep)
	assert.False(t, dec.Override)
	assert.True(t, dec.Context.NearReverseSplit)
	assert.Equal(t, -1, dec.Context.DaysAfter)
}

func TestGateIgnoresForwardSplit(t *testing.T) {
	daily := &fakeDaily{splits: map[string][]contracts.SplitEvent{
		"AAA": {{ExecutionDate: "2026-08-20", SplitFrom: 1, SplitTo: 10}},
	}}
	g := gateWith(daily, nil)
	bar := pbar("2026-08-21", "AAA", 15, 15.2, 14.5, 15.0, 200_000)

	dec := g.Evaluate(context.Background(), "AAA", "2026-08-21", bar, true)
	assert.True(t, dec.Keep)
	assert.False(t, dec.Context.NearReverseSplit)
}

func TestGatePicksClosestReverseSplit(t *testing.T) {
	daily := &fakeDaily{splits: map[string][]contracts.SplitEvent{
		"AAA": {
			{ExecutionDate: "2026-08-18", SplitFrom: 20, SplitTo: 1},
			{ExecutionDate: "2026-08-20", SplitFrom: 10, SplitTo: 1},
		},
	}}
	g := gateWith(daily, nil)
	bar := pbar("2026-08-21", "AAA", 15, 15.2, 14.5, 15.0, 200_000)

	dec := g.Evaluate(context.Background(), "AAA", "2026-08-21", bar, false)
	assert.Equal(t, "2026-08-20", dec.Context.ExecutionDate)
}

func TestGateLookupFailurePassesUngated(t *testing.T) {
	daily := &fakeDaily{splitsErr: errors.New("provider down")}
	g := gateWith(daily, nil)
	bar := pbar("2026-08-21", "AAA", 15, 15.2, 14.5, 15.0, 200_000)

	// A real hit must never be dropped because the split API failed.
	dec := g.Evaluate(context.Background(), "AAA", "2026-08-21", bar, true)
	assert.True(t, dec.Keep)
	assert.False(t, dec.Context.NearReverseSplit)
}

func TestAllowHitFilters(t *testing.T) {
	roster := &fakeMeta{meta: map[string]contracts.SymbolMeta{
		"COMN": {PrimaryExchange: "XNAS", Exchange: "NASDAQ", SecurityType: "CS"},
		"ADRX": {PrimaryExchange: "XNYS", Exchange: "NYSE", SecurityType: "ADRC"},
		"WARN": {PrimaryExchange: "XNAS", Exchange: "NASDAQ", SecurityType: "WARRANT"},
		"OTCX": {PrimaryExchange: "OTCM", Exchange: "", SecurityType: "CS"},
		"BLNK": {PrimaryExchange: "XNAS", Exchange: "NASDAQ", SecurityType: ""},
	}}
	g := gateWith(&fakeDaily{}, roster)
	ctx := context.Background()
	date := "2026-08-21"

	ex, ok := g.AllowHit(ctx, "COMN", date, 500_000)
	require.True(t, ok)
	assert.Equal(t, "NASDAQ", ex)

	ex, ok = g.AllowHit(ctx, "ADRX", date, 500_000)
	require.True(t, ok)
	assert.Equal(t, "NYSE", ex)

	_, ok = g.AllowHit(ctx, "COMN", date, 99_999) // under the volume floor
	assert.False(t, ok)

	_, ok = g.AllowHit(ctx, "WARN", date, 500_000) // derivative type
	assert.False(t, ok)

	_, ok = g.AllowHit(ctx, "OTCX", date, 500_000) // off-exchange
	assert.False(t, ok)

	_, ok = g.AllowHit(ctx, "BLNK", date, 500_000) // unknown type treated as derivative
	assert.False(t, ok)

	_, ok = g.AllowHit(ctx, "GONE", date, 500_000) // meta lookup failed
	assert.False(t, ok)
}
