package baseline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gapscan/internal/completeness"
	"gapscan/internal/contracts"
	"gapscan/internal/hits"
	"gapscan/internal/rules"
	"gapscan/pkg/logger"
)

// Comparator diffs the primary and baseline hit sets per rule and enforces
// the alarm: a baseline-only hit revokes the date's acceptance.
type Comparator struct {
	hits         *hits.Repository
	baseline     *Repository
	compl        *completeness.Repository
	artifactsDir string
	logger       *logger.Logger
}

// NewComparator creates the set-difference stage.
func NewComparator(hitsRepo *hits.Repository, baselineRepo *Repository, complRepo *completeness.Repository, artifactsDir string, log *logger.Logger) *Comparator {
	return &Comparator{
		hits:         hitsRepo,
		baseline:     baselineRepo,
		compl:        complRepo,
		artifactsDir: artifactsDir,
		logger:       log,
	}
}

// Compare computes per-rule diffs for a date, writes the summary artifact,
// and demotes the date when the baseline found anything the primary missed.
// The returned records cover every rule either side fired.
func (c *Comparator) Compare(ctx context.Context, date string) ([]contracts.DiffRecord, error) {
	base, err := c.baseline.ForDate(ctx, date)
	if err != nil {
		return nil, err
	}

	baseByRule := make(map[string]map[string]struct{})
	for _, h := range base {
		if baseByRule[h.TriggerRule] == nil {
			baseByRule[h.TriggerRule] = make(map[string]struct{})
		}
		baseByRule[h.TriggerRule][h.Symbol] = struct{}{}
	}

	ruleSet := make(map[string]struct{}, len(baseByRule))
	for rule := range baseByRule {
		ruleSet[rule] = struct{}{}
	}

	var records []contracts.DiffRecord
	alarm := false
	for _, rule := range sortedRules(ruleSet) {
		primary, err := c.hits.SymbolsWithRule(ctx, date, rule)
		if err != nil {
			return nil, err
		}
		rec := diff(date, rule, primary, baseByRule[rule])
		if len(rec.BaselineOnly) > 0 {
			alarm = true
			c.logger.WithFields(map[string]interface{}{
				"date":    date,
				"rule":    rule,
				"symbols": rec.BaselineOnly,
			}).Error("Baseline-only hits found, primary pipeline missed events")
		}
		records = append(records, rec)
	}

	if err := c.writeArtifact(date, records, alarm); err != nil {
		c.logger.WithError(err).Warn("Baseline diff artifact not written")
	}

	if alarm {
		if err := c.compl.SetAccepted(ctx, date, false); err != nil {
			return records, fmt.Errorf("revoke acceptance for %s: %w", date, err)
		}
	}
	return records, nil
}

// diff builds one rule's set-difference record. Coverage is overlap over
// baseline total; 1.0 when the baseline found nothing.
func diff(date, rule string, primary []string, baseline map[string]struct{}) contracts.DiffRecord {
	rec := contracts.DiffRecord{Date: date, TriggerRule: rule}

	inPrimary := make(map[string]struct{}, len(primary))
	for _, sym := range primary {
		inPrimary[sym] = struct{}{}
		if _, ok := baseline[sym]; ok {
			rec.Overlap = append(rec.Overlap, sym)
		} else {
			rec.PrimaryOnly = append(rec.PrimaryOnly, sym)
		}
	}
	for sym := range baseline {
		if _, ok := inPrimary[sym]; !ok {
			rec.BaselineOnly = append(rec.BaselineOnly, sym)
		}
	}
	sort.Strings(rec.PrimaryOnly)
	sort.Strings(rec.BaselineOnly)
	sort.Strings(rec.Overlap)

	if len(baseline) == 0 {
		rec.CoverageRate = 1.0
	} else {
		rec.CoverageRate = float64(len(rec.Overlap)) / float64(len(baseline))
	}
	return rec
}

func (c *Comparator) writeArtifact(date string, records []contracts.DiffRecord, alarm bool) error {
	if c.artifactsDir == "" {
		return nil
	}
	if err := os.MkdirAll(c.artifactsDir, 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(map[string]interface{}{
		"date":  date,
		"alarm": alarm,
		"rules": records,
	})
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(c.artifactsDir, "baseline_diff_"+date+".json"), data, 0o644)
}

func sortedRules(ruleSet map[string]struct{}) []string {
	// Diff every rule the baseline fired plus the two bulk rules the
	// detector covers, so a rule with zero baseline hits still gets a record.
	ruleSet[rules.OpenGap] = struct{}{}
	ruleSet[rules.IntradayPush] = struct{}{}
	out := make([]string, 0, len(ruleSet))
	for rule := range ruleSet {
		out = append(out, rule)
	}
	sort.Strings(out)
	return out
}
