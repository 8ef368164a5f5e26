package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gapscan/internal/api/handlers"
	"gapscan/internal/completeness"
	"gapscan/internal/contracts"
	"gapscan/internal/hits"
	"gapscan/internal/rules"
	"gapscan/internal/scan"
	"gapscan/pkg/database"
	"gapscan/pkg/logger"
)

type apiFixture struct {
	router   http.Handler
	hits     *hits.Repository
	compl    *completeness.Repository
	failures *scan.FailureRecorder
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	db, err := database.Open("file:"+t.Name()+"?mode=memory&cache=shared", time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	log := logger.NewNop()
	hitsRepo := hits.NewRepository(db)
	complRepo := completeness.NewRepository(db)
	failures := scan.NewFailureRecorder(db)
	handler := handlers.NewDiscoveryHandler(hitsRepo, complRepo, failures, log)
	return &apiFixture{
		router:   NewRouter(handler, log),
		hits:     hitsRepo,
		compl:    complRepo,
		failures: failures,
	}
}

func (f *apiFixture) get(t *testing.T, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)

	var body map[string]interface{}
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func seedAcceptedDate(t *testing.T, f *apiFixture, date string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.compl.Write(ctx, contracts.CompletenessLog{
		Date: date, TotalUniverse: 11000, BulkCount: 10500,
		AuditSample: 300, AuditPassed: true, Accepted: true, MissRateBound: 0.01,
	}))
	id, err := f.hits.Upsert(ctx, contracts.DiscoveryHit{
		Symbol: "GAPR", EventDate: date, Volume: 900_000, Exchange: "NASDAQ",
	})
	require.NoError(t, err)
	require.NoError(t, f.hits.InsertRule(ctx, id, rules.OpenGap, 55))
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t)
	rec, body := f.get(t, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestGetHitsAcceptedDate(t *testing.T) {
	f := newAPIFixture(t)
	seedAcceptedDate(t, f, "2026-08-21")

	rec, body := f.get(t, "/api/hits/2026-08-21")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["count"])

	hitsList := body["hits"].([]interface{})
	hit := hitsList[0].(map[string]interface{})
	assert.Equal(t, "GAPR", hit["symbol"])
	assert.Equal(t, "NASDAQ", hit["exchange"])
	ruleList := hit["rules"].([]interface{})
	require.Len(t, ruleList, 1)
	assert.Equal(t, rules.OpenGap, ruleList[0].(map[string]interface{})["trigger_rule"])
}

func TestGetHitsWithholdsUnacceptedDate(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	require.NoError(t, f.compl.Write(ctx, contracts.CompletenessLog{
		Date: "2026-08-21", AuditPassed: false, Accepted: false,
	}))

	rec, body := f.get(t, "/api/hits/2026-08-21")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, body["error"], "not accepted")
}

func TestGetHitsUnknownDate(t *testing.T) {
	f := newAPIFixture(t)
	rec, _ := f.get(t, "/api/hits/2026-08-21")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = f.get(t, "/api/hits/yesterday")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetCompleteness(t *testing.T) {
	f := newAPIFixture(t)
	seedAcceptedDate(t, f, "2026-08-21")

	rec, body := f.get(t, "/api/completeness/2026-08-21")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 300, body["audit_sample"])
	assert.Equal(t, true, body["accepted"])

	rec, _ = f.get(t, "/api/completeness/2026-01-01")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetRecentCompleteness(t *testing.T) {
	f := newAPIFixture(t)
	seedAcceptedDate(t, f, "2026-08-20")
	seedAcceptedDate(t, f, "2026-08-21")

	rec, body := f.get(t, "/api/completeness?limit=1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["count"])
	dates := body["dates"].([]interface{})
	assert.Equal(t, "2026-08-21", dates[0].(map[string]interface{})["date"])

	rec, _ = f.get(t, "/api/completeness?limit=zero")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetStatusReportsFailures(t *testing.T) {
	f := newAPIFixture(t)
	ctx := context.Background()
	require.NoError(t, f.failures.Record(ctx, "2026-08-21", "pass1", "polygon 500"))

	rec, body := f.get(t, "/api/status/2026-08-21")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["ran"])
	fails := body["failures"].(map[string]interface{})
	assert.Equal(t, "polygon 500", fails["pass1"])
}
