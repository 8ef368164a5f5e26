package scan

import (
	"context"
	"math"
	"strings"
	"time"

	"gapscan/internal/contracts"
	"gapscan/pkg/config"
	"gapscan/pkg/logger"
)

// splitWindowCalendarDays tolerates weekend and holiday offsets around the
// semantic limit of one trading day.
const splitWindowCalendarDays = 3

// SplitContext is the reverse-split neighborhood of one hit.
type SplitContext struct {
	NearReverseSplit bool
	ExecutionDate    string
	DaysAfter        int // signed: event date minus execution date
}

// GateDecision is the split gate's verdict for one hit.
type GateDecision struct {
	Keep     bool
	Context  SplitContext
	Override bool // heavy-runner override engaged
}

// SplitGate applies the reverse-split artifact filter and the post-gate
// exchange, security-type, and volume filters to candidate hits.
type SplitGate struct {
	daily  contracts.DailyProvider
	roster contracts.ReferenceRoster
	cfg    *config.DiscoveryConfig
	logger *logger.Logger

	metaCache map[string]contracts.SymbolMeta
}

// NewSplitGate creates the gate stage.
func NewSplitGate(daily contracts.DailyProvider, roster contracts.ReferenceRoster, cfg *config.DiscoveryConfig, log *logger.Logger) *SplitGate {
	return &SplitGate{
		daily:     daily,
		roster:    roster,
		cfg:       cfg,
		logger:    log,
		metaCache: make(map[string]contracts.SymbolMeta),
	}
}

// Evaluate applies the reverse-split state machine to one candidate hit.
// firedRules holds the trigger_rule codes that fired; onlyOpenGap must be
// true when R2 is the sole fired rule.
func (g *SplitGate) Evaluate(ctx context.Context, symbol, eventDate string, bar contracts.DailyBar, onlyOpenGap bool) GateDecision {
	sc, err := g.splitContext(ctx, symbol, eventDate)
	if err != nil {
		// A failed split lookup must not drop a real hit; pass through
		// without the flag and log.
		g.logger.WithError(err).WithField("symbol", symbol).Warn("Split lookup failed, hit passed ungated")
		return GateDecision{Keep: true}
	}
	if !sc.NearReverseSplit {
		return GateDecision{Keep: true}
	}

	push := 0.0
	if bar.Open > 0 {
		push = (bar.High/bar.Open - 1.0) * 100.0
	}
	if bar.DollarVolume() >= g.cfg.HeavyRunnerDV && push >= g.cfg.HeavyRunnerPush {
		return GateDecision{Keep: true, Context: sc, Override: true}
	}

	// No override. A split-induced open gap with nothing else behind it is
	// an artifact; corroborated hits keep the flag and survive.
	if onlyOpenGap {
		return GateDecision{Keep: false, Context: sc}
	}
	return GateDecision{Keep: true, Context: sc}
}

// splitContext finds the closest reverse split within the window.
func (g *SplitGate) splitContext(ctx context.Context, symbol, eventDate string) (SplitContext, error) {
	event, err := time.Parse(contracts.DateFormat, eventDate)
	if err != nil {
		return SplitContext{}, err
	}
	start := event.AddDate(0, 0, -splitWindowCalendarDays).Format(contracts.DateFormat)
	end := event.AddDate(0, 0, splitWindowCalendarDays).Format(contracts.DateFormat)

	events, err := g.daily.Splits(ctx, symbol, start, end)
	if err != nil {
		return SplitContext{}, err
	}

	var sc SplitContext
	closest := math.MaxInt
	for _, e := range events {
		if !e.IsReverse() {
			continue
		}
		exec, err := time.Parse(contracts.DateFormat, e.ExecutionDate)
		if err != nil {
			continue
		}
		days := int(event.Sub(exec).Hours() / 24)
		if abs(days) > splitWindowCalendarDays {
			continue
		}
		if abs(days) < closest {
			closest = abs(days)
			sc = SplitContext{
				NearReverseSplit: true,
				ExecutionDate:    e.ExecutionDate,
				DaysAfter:        days,
			}
		}
	}
	return sc, nil
}

// AllowHit applies the post-gate filters: exchange allow-list, security-type
// allow-list, minimum volume. Returns the normalized exchange bucket when
// the hit is allowed.
func (g *SplitGate) AllowHit(ctx context.Context, symbol, eventDate string, volume int64) (string, bool) {
	if volume < g.cfg.MinVolume {
		return "", false
	}

	meta, ok := g.metaCache[symbol]
	if !ok {
		var err error
		meta, err = g.roster.SymbolMeta(ctx, symbol, eventDate)
		if err != nil {
			g.logger.WithError(err).WithField("symbol", symbol).Warn("Symbol meta lookup failed, hit dropped")
			return "", false
		}
		g.metaCache[symbol] = meta
	}

	if !containsFold(g.cfg.AllowedExchanges, meta.Exchange) {
		return "", false
	}
	if g.cfg.ExcludeDerivatives {
		if meta.SecurityType == "" || !containsFold(g.cfg.AllowedTypes, meta.SecurityType) {
			return "", false
		}
	}
	return meta.Exchange, true
}

func containsFold(list []string, v string) bool {
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
