// Package universe builds and pins the deterministic per-date symbol set.
// Once a date's set is written it is immutable; reruns reuse it so the same
// date always scans the same symbols.
package universe

import (
	"context"
	"fmt"
	"strings"

	"gapscan/internal/contracts"
	"gapscan/internal/external/polygon"
	"gapscan/pkg/logger"
)

// maxSymbolLen drops malformed roster entries.
const maxSymbolLen = 10

// DelistedSource is the optional augmentation capability: symbols that left
// the market but traded inside the scan horizon.
type DelistedSource interface {
	Configured() bool
	DelistedCompanies(ctx context.Context) ([]DelistedEntry, error)
}

// DelistedEntry is the minimal delisted-roster row the builder consumes.
type DelistedEntry struct {
	Symbol   string
	Exchange string // bucket name, e.g. NASDAQ
}

// Builder constructs the pinned universe from the reference roster.
type Builder struct {
	roster   contracts.ReferenceRoster
	delisted DelistedSource
	repo     *Repository
	logger   *logger.Logger
}

// NewBuilder creates a universe builder. delisted may be nil.
func NewBuilder(roster contracts.ReferenceRoster, delisted DelistedSource, repo *Repository, log *logger.Logger) *Builder {
	return &Builder{roster: roster, delisted: delisted, repo: repo, logger: log}
}

// Build pins the universe for a date. When a set already exists and force is
// false the stored set is reused untouched. An empty primary roster is fatal
// for the date: scanning a partial market silently would void the
// completeness guarantee.
func (b *Builder) Build(ctx context.Context, date string, force bool) (int, error) {
	count, err := b.repo.CountForDate(ctx, date)
	if err != nil {
		return 0, err
	}
	if count > 0 && !force {
		b.logger.WithFields(map[string]interface{}{
			"date":  date,
			"count": count,
		}).Info("Universe already pinned, reusing")
		return count, nil
	}

	raw, err := b.roster.Tickers(ctx, true)
	if err != nil {
		return 0, fmt.Errorf("fetch reference roster: %w", err)
	}

	entries := make([]contracts.UniverseEntry, 0, len(raw))
	seen := make(map[string]struct{}, len(raw))
	dropped := 0
	for _, e := range raw {
		symbol := strings.ToUpper(strings.TrimSpace(e.Symbol))
		if !keepSymbol(symbol) || polygon.NormalizeExchange(e.PrimaryExchange) == "" {
			dropped++
			continue
		}
		if _, dup := seen[symbol]; dup {
			continue
		}
		seen[symbol] = struct{}{}
		e.Symbol = symbol
		e.Date = date
		entries = append(entries, e)
	}

	if len(entries) == 0 {
		return 0, fmt.Errorf("primary roster yielded no symbols for %s", date)
	}

	augmented := b.augmentDelisted(ctx, date, seen, &entries)

	if err := b.repo.Replace(ctx, date, entries); err != nil {
		return 0, fmt.Errorf("pin universe for %s: %w", date, err)
	}

	b.logger.WithFields(map[string]interface{}{
		"date":      date,
		"count":     len(entries),
		"dropped":   dropped,
		"augmented": augmented,
	}).Info("Universe pinned")
	return len(entries), nil
}

// augmentDelisted merges the optional delisted roster in. Failure is logged
// and ignored: the primary roster already includes inactive listings, the
// augmentation only widens historical coverage.
func (b *Builder) augmentDelisted(ctx context.Context, date string, seen map[string]struct{}, entries *[]contracts.UniverseEntry) int {
	if b.delisted == nil || !b.delisted.Configured() {
		return 0
	}
	rows, err := b.delisted.DelistedCompanies(ctx)
	if err != nil {
		b.logger.WithError(err).Warn("Delisted augmentation unavailable, continuing on primary roster")
		return 0
	}

	added := 0
	for _, row := range rows {
		symbol := strings.ToUpper(strings.TrimSpace(row.Symbol))
		if !keepSymbol(symbol) || !allowedBucket(row.Exchange) {
			continue
		}
		if _, dup := seen[symbol]; dup {
			continue
		}
		seen[symbol] = struct{}{}
		*entries = append(*entries, contracts.UniverseEntry{
			Date:   date,
			Symbol: symbol,
			Active: false,
		})
		added++
	}
	return added
}

// keepSymbol applies symbol hygiene: plain uppercase tickers only. Warrant,
// right, and unit listings carry suffix decorations and are excluded here;
// the security-type gate at persist time catches the rest.
func keepSymbol(symbol string) bool {
	if symbol == "" || len(symbol) > maxSymbolLen {
		return false
	}
	for _, suffix := range []string{".WS", ".WT", ".W", ".U", ".UN", ".R", ".RT"} {
		if strings.HasSuffix(symbol, suffix) {
			return false
		}
	}
	for _, ch := range symbol {
		switch {
		case ch >= 'A' && ch <= 'Z':
		case ch >= '0' && ch <= '9':
		case ch == '.' || ch == '-':
		default:
			return false
		}
	}
	return true
}

func allowedBucket(exchange string) bool {
	switch strings.ToUpper(strings.TrimSpace(exchange)) {
	case "NYSE", "NASDAQ", "AMEX":
		return true
	}
	return false
}
