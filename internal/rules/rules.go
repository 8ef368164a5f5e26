// Package rules holds the pure R1-R4 computations. No I/O.
//
// Every threshold comparison in the scanner goes through these functions,
// including the completeness audit's re-derivations, so the scan and the
// audit can never disagree on a near-threshold value. Comparisons are plain
// >= with no epsilon: a value of exactly 50.0 fires, 49.999 does not.
package rules

// Persisted trigger_rule codes. The short aliases are the rule numbers used
// in operational shorthand.
const (
	PremarketGap = "PM_GAP_50"        // R1
	OpenGap      = "OPEN_GAP_50"      // R2
	IntradayPush = "INTRADAY_PUSH_50" // R3
	Surge7d      = "SURGE_7D_300"     // R4
)

// Default thresholds, in percent.
const (
	DefaultMoveThreshold  = 50.0
	DefaultSurgeThreshold = 300.0
)

// PremarketMover computes R1: ((premarket_high / prev_close) - 1) * 100.
// Returns (value, true) when the rule fires.
func PremarketMover(prevClose, pmHigh, threshold float64) (float64, bool) {
	if prevClose <= 0 || pmHigh <= 0 {
		return 0, false
	}
	pct := (pmHigh/prevClose - 1.0) * 100.0
	return pct, pct >= threshold
}

// OpenGapPct computes R2: ((open / prev_close) - 1) * 100.
func OpenGapPct(prevClose, open, threshold float64) (float64, bool) {
	if prevClose <= 0 || open <= 0 {
		return 0, false
	}
	pct := (open/prevClose - 1.0) * 100.0
	return pct, pct >= threshold
}

// Push computes R3: ((high / open) - 1) * 100.
func Push(open, high, threshold float64) (float64, bool) {
	if open <= 0 || high <= 0 {
		return 0, false
	}
	pct := (high/open - 1.0) * 100.0
	return pct, pct >= threshold
}

// Surge computes R4: ((high_7d / low_7d) - 1) * 100 over the trailing
// 7-trading-day window.
func Surge(low7d, high7d, threshold float64) (float64, bool) {
	if low7d <= 0 || high7d <= 0 {
		return 0, false
	}
	pct := (high7d/low7d - 1.0) * 100.0
	return pct, pct >= threshold
}
