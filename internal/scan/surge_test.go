package scan

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gapscan/internal/contracts"
)

// seedWindow stores n consecutive daily bars ending at endDay of August 2026.
func seedWindow(t *testing.T, repo interface {
	Store(ctx context.Context, b []contracts.DailyBar) error
}, symbol string, endDay, n int, low, high float64) {
	t.Helper()
	var bs []contracts.DailyBar
	for i := 0; i < n; i++ {
		date := fmt.Sprintf("2026-08-%02d", endDay-i)
		bs = append(bs, pbar(date, symbol, low, high, low, high, 100_000))
	}
	require.NoError(t, repo.Store(context.Background(), bs))
}

func TestSurgeFromStoredWindows(t *testing.T) {
	date := "2026-08-21"
	repo := openBarsRepo(t)
	seedWindow(t, repo, "SRGE", 21, 7, 1.0, 4.1)   // 310%
	seedWindow(t, repo, "FLAT", 21, 7, 10.0, 12.0) // 20%

	p1 := &Pass1Result{
		Daily: []contracts.DailyBar{
			pbar(date, "SRGE", 4.0, 4.1, 3.8, 4.0, 900_000),
			pbar(date, "FLAT", 11.0, 12.0, 10.8, 11.5, 500_000),
		},
		PrevClose: map[string]float64{"SRGE": 3.9, "FLAT": 11.0},
		R2:        map[string]float64{},
		R3:        map[string]float64{},
	}
	s := NewSurgeEvaluator(repo, &fakeDaily{}, discCfg(), nopLog())

	r4 := s.Run(context.Background(), date, p1, nil)
	require.Contains(t, r4, "SRGE")
	assert.InDelta(t, 310.0, r4["SRGE"], 1e-9)
	assert.NotContains(t, r4, "FLAT")
}

func TestSurgeBackfillsOnlyInterestingSymbols(t *testing.T) {
	date := "2026-08-21"
	repo := openBarsRepo(t)
	// Both have too little history for the 7-day window.
	seedWindow(t, repo, "HOTT", 21, 2, 8.0, 9.0)
	seedWindow(t, repo, "COLD", 21, 2, 8.0, 9.0)

	var window []contracts.DailyBar
	for day := 15; day <= 21; day++ {
		window = append(window, pbar(fmt.Sprintf("2026-08-%02d", day), "HOTT", 2, 9, 2, 9, 100_000))
	}
	daily := &fakeDaily{ranges: map[string][]contracts.DailyBar{"HOTT": window}}

	p1 := &Pass1Result{
		Daily: []contracts.DailyBar{
			pbar(date, "HOTT", 8.5, 9.0, 8.0, 8.8, 700_000),
			pbar(date, "COLD", 8.5, 9.0, 8.0, 8.8, 700_000),
		},
		PrevClose: map[string]float64{"HOTT": 8.0, "COLD": 8.0},
		R2:        map[string]float64{},
		R3:        map[string]float64{},
	}
	s := NewSurgeEvaluator(repo, daily, discCfg(), nopLog())

	// HOTT fired R1; COLD fired nothing and stays cheap.
	r4 := s.Run(context.Background(), date, p1, map[string]float64{"HOTT": 55.0})

	require.Contains(t, r4, "HOTT")
	assert.InDelta(t, 350.0, r4["HOTT"], 1e-9)
	assert.NotContains(t, r4, "COLD")
	assert.Equal(t, 1, daily.rangeCalls)
}
