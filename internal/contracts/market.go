package contracts

import "time"

// DateFormat is the canonical trading-date layout used across the store.
const DateFormat = "2006-01-02"

// UniverseEntry is one symbol of the date-pinned scan universe.
// Rows are immutable once written for a date: reruns reuse the stored set.
type UniverseEntry struct {
	Date            string
	Symbol          string
	Active          bool
	DelistedUTC     *time.Time
	PrimaryExchange string // MIC, e.g. XNAS
}

// DailyBar is one daily OHLCV row from a specific provider.
// Multiple providers may hold bars for the same symbol/date; they are kept
// side by side for cross-validation, never merged.
type DailyBar struct {
	Provider string
	Date     string
	Symbol   string
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   int64
	VWAP     *float64
}

// DollarVolume is unadjusted volume times vwap, falling back to close when
// the provider gave no vwap. Used by the reverse-split heavy-runner override.
func (b DailyBar) DollarVolume() float64 {
	px := b.Close
	if b.VWAP != nil && *b.VWAP > 0 {
		px = *b.VWAP
	}
	return px * float64(b.Volume)
}

// DiscoveryHit is one detected gap event, unique on (Symbol, EventDate).
type DiscoveryHit struct {
	HitID            int64
	Symbol           string
	EventDate        string
	Volume           int64
	IntradayPushPct  *float64
	NearReverseSplit bool
	SplitExecDate    *string // execution date of the nearby reverse split
	DaysAfterSplit   *int    // signed: event date minus execution date
	Exchange         string  // normalized bucket: NYSE/NASDAQ/AMEX
	PMHighSource     string  // provider generation that produced the R1 value
	PMHighVenue      string
}

// HitRule is one fired rule on a hit, unique on (HitID, TriggerRule).
type HitRule struct {
	RuleID      int64
	HitID       int64
	TriggerRule string
	RuleValue   float64
}

// CompletenessLog is the terminal record of a day's run. One row per date,
// overwritten on rerun. Downstream export reads only accepted dates.
type CompletenessLog struct {
	Date             string
	TotalUniverse    int
	BulkCount        int
	Pass1Candidates  int
	PremarketChecked int
	PremarketHits    int
	AuditSample      int
	AuditMisses      int
	AuditPassed      bool
	Accepted         bool
	MissRateBound    float64
}

// BaselineHit is a hit from an independent, simpler detector. Validation
// only; never production output.
type BaselineHit struct {
	Date        string
	Symbol      string
	TriggerRule string
	RuleValue   float64
	Source      string
}

// DiffRecord summarizes primary-vs-baseline set differences for one rule.
// A non-empty BaselineOnly set is a hard correctness alarm.
type DiffRecord struct {
	Date         string
	TriggerRule  string
	PrimaryOnly  []string
	BaselineOnly []string
	Overlap      []string
	CoverageRate float64 // overlap / baseline total
}

// SplitEvent is one corporate-action split record.
type SplitEvent struct {
	ExecutionDate string
	SplitFrom     float64
	SplitTo       float64
}

// IsReverse reports whether this split reduces share count.
func (s SplitEvent) IsReverse() bool {
	return s.SplitFrom > s.SplitTo && s.SplitTo > 0
}
