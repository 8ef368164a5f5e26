// Package handlers implements the read-only API handlers over the scan
// result tables.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"gapscan/internal/completeness"
	"gapscan/internal/contracts"
	"gapscan/internal/hits"
	"gapscan/internal/scan"
	"gapscan/pkg/logger"
)

const defaultRecentLimit = 30

// DiscoveryHandler serves hits, completeness records, and per-date status.
type DiscoveryHandler struct {
	hits     *hits.Repository
	compl    *completeness.Repository
	failures *scan.FailureRecorder
	logger   *logger.Logger
}

// NewDiscoveryHandler creates the handler.
func NewDiscoveryHandler(hitsRepo *hits.Repository, complRepo *completeness.Repository, failures *scan.FailureRecorder, log *logger.Logger) *DiscoveryHandler {
	return &DiscoveryHandler{hits: hitsRepo, compl: complRepo, failures: failures, logger: log}
}

// HitItem is one discovery hit with its fired rules.
type HitItem struct {
	Symbol           string     `json:"symbol"`
	EventDate        string     `json:"event_date"`
	Volume           int64      `json:"volume"`
	IntradayPushPct  *float64   `json:"intraday_push_pct,omitempty"`
	NearReverseSplit bool       `json:"near_reverse_split"`
	SplitExecDate    *string    `json:"rs_exec_date,omitempty"`
	DaysAfterSplit   *int       `json:"rs_days_after,omitempty"`
	Exchange         string     `json:"exchange"`
	PMHighSource     string     `json:"pm_high_source,omitempty"`
	PMHighVenue      string     `json:"pm_high_venue,omitempty"`
	Rules            []RuleItem `json:"rules"`
}

// RuleItem is one fired rule on a hit.
type RuleItem struct {
	TriggerRule string  `json:"trigger_rule"`
	RuleValue   float64 `json:"rule_value"`
}

// GetHits serves a date's hits. Only accepted dates are served; anything
// else is a conflict, not a silent empty list.
func (h *DiscoveryHandler) GetHits(w http.ResponseWriter, r *http.Request) {
	date, ok := dateParam(w, r)
	if !ok {
		return
	}

	log, err := h.compl.Get(r.Context(), date)
	if err != nil {
		h.serverError(w, err)
		return
	}
	if log == nil {
		writeError(w, http.StatusNotFound, "date never ran")
		return
	}
	if !log.Accepted {
		writeError(w, http.StatusConflict, "date not accepted, results withheld")
		return
	}

	stored, err := h.hits.ForDate(r.Context(), date)
	if err != nil {
		h.serverError(w, err)
		return
	}

	items := make([]HitItem, 0, len(stored))
	for _, hit := range stored {
		ruleRows, err := h.hits.RulesForHit(r.Context(), hit.HitID)
		if err != nil {
			h.serverError(w, err)
			return
		}
		items = append(items, toHitItem(hit, ruleRows))
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"date":  date,
		"count": len(items),
		"hits":  items,
	})
}

// GetCompleteness serves one date's completeness record.
func (h *DiscoveryHandler) GetCompleteness(w http.ResponseWriter, r *http.Request) {
	date, ok := dateParam(w, r)
	if !ok {
		return
	}

	log, err := h.compl.Get(r.Context(), date)
	if err != nil {
		h.serverError(w, err)
		return
	}
	if log == nil {
		writeError(w, http.StatusNotFound, "date never ran")
		return
	}
	writeJSON(w, http.StatusOK, toCompletenessItem(*log))
}

// GetRecentCompleteness serves the latest completeness records.
func (h *DiscoveryHandler) GetRecentCompleteness(w http.ResponseWriter, r *http.Request) {
	limit := defaultRecentLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	logs, err := h.compl.Recent(r.Context(), limit)
	if err != nil {
		h.serverError(w, err)
		return
	}
	items := make([]CompletenessItem, 0, len(logs))
	for _, log := range logs {
		items = append(items, toCompletenessItem(log))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"count": len(items),
		"dates": items,
	})
}

// GetStatus serves one date's run state: the completeness summary plus any
// recorded stage failures.
func (h *DiscoveryHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	date, ok := dateParam(w, r)
	if !ok {
		return
	}

	log, err := h.compl.Get(r.Context(), date)
	if err != nil {
		h.serverError(w, err)
		return
	}
	fails, err := h.failures.ForDate(r.Context(), date)
	if err != nil {
		h.serverError(w, err)
		return
	}

	resp := map[string]interface{}{
		"date":     date,
		"ran":      log != nil,
		"failures": fails,
	}
	if log != nil {
		resp["completeness"] = toCompletenessItem(*log)
	}
	writeJSON(w, http.StatusOK, resp)
}

// CompletenessItem is the serialized per-date terminal record.
type CompletenessItem struct {
	Date             string  `json:"date"`
	TotalUniverse    int     `json:"total_universe"`
	BulkCount        int     `json:"bulk_count"`
	Pass1Candidates  int     `json:"pass1_candidates"`
	PremarketChecked int     `json:"premarket_checked"`
	PremarketHits    int     `json:"premarket_hits"`
	AuditSample      int     `json:"audit_sample"`
	AuditMisses      int     `json:"audit_misses"`
	AuditPassed      bool    `json:"audit_passed"`
	Accepted         bool    `json:"accepted"`
	MissRateBound    float64 `json:"miss_rate_bound"`
}

func toCompletenessItem(log contracts.CompletenessLog) CompletenessItem {
	return CompletenessItem{
		Date:             log.Date,
		TotalUniverse:    log.TotalUniverse,
		BulkCount:        log.BulkCount,
		Pass1Candidates:  log.Pass1Candidates,
		PremarketChecked: log.PremarketChecked,
		PremarketHits:    log.PremarketHits,
		AuditSample:      log.AuditSample,
		AuditMisses:      log.AuditMisses,
		AuditPassed:      log.AuditPassed,
		Accepted:         log.Accepted,
		MissRateBound:    log.MissRateBound,
	}
}

func toHitItem(hit contracts.DiscoveryHit, ruleRows []contracts.HitRule) HitItem {
	item := HitItem{
		Symbol:           hit.Symbol,
		EventDate:        hit.EventDate,
		Volume:           hit.Volume,
		IntradayPushPct:  hit.IntradayPushPct,
		NearReverseSplit: hit.NearReverseSplit,
		SplitExecDate:    hit.SplitExecDate,
		DaysAfterSplit:   hit.DaysAfterSplit,
		Exchange:         hit.Exchange,
		PMHighSource:     hit.PMHighSource,
		PMHighVenue:      hit.PMHighVenue,
		Rules:            make([]RuleItem, 0, len(ruleRows)),
	}
	for _, rr := range ruleRows {
		item.Rules = append(item.Rules, RuleItem{TriggerRule: rr.TriggerRule, RuleValue: rr.RuleValue})
	}
	return item
}

func dateParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	date := mux.Vars(r)["date"]
	if _, err := time.Parse(contracts.DateFormat, date); err != nil {
		writeError(w, http.StatusBadRequest, "invalid date, want YYYY-MM-DD")
		return "", false
	}
	return date, true
}

func (h *DiscoveryHandler) serverError(w http.ResponseWriter, err error) {
	h.logger.WithError(err).Error("Handler query failed")
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
