package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vanta/analysis"
	"vanta/manager"
	"vanta/market"
	"vanta/store"
)

const fakeModelResponse = `{
  "交易对": "BTCUSDT",
  "是否应该入场": "是",
  "做多还是做空": "做多",
  "目标入场价": "65000",
  "止损价": "63500",
  "止盈价": "68000"
}`

type fakeExchange struct {
	klines    []market.Kline
	klinesErr error
}

func (f *fakeExchange) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]market.Kline, error) {
	return f.klines, f.klinesErr
}

func (f *fakeExchange) GetFundingRate(ctx context.Context, symbol string) (*market.FundingRate, error) {
	return &market.FundingRate{Rate: 0.0001}, nil
}

func (f *fakeExchange) AccountSnapshot(ctx context.Context) (*market.AccountSnapshot, error) {
	return &market.AccountSnapshot{TotalWalletBalance: 1000}, nil
}

func (f *fakeExchange) OpenPositions(ctx context.Context) ([]market.Position, error) {
	return nil, nil
}

type fakeAI struct{}

func (fakeAI) CallWithMessages(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return fakeModelResponse, nil
}

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), store.Config{}, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	exchange := &fakeExchange{klines: []market.Kline{
		{Open: 64000, High: 66000, Low: 63000, Close: 65000, Volume: 10},
		{Open: 65000, High: 65500, Low: 64500, Close: 65200, Volume: 12},
	}}
	mgr := manager.New(st, exchange, fakeAI{}, manager.Config{}, zerolog.Nop())
	srv := NewServer(st, mgr, exchange, Config{Port: 0, KlineInterval: "1h", KlineLimit: 100, FallbackWindow: 5 * time.Minute}, zerolog.Nop())
	return srv, st
}

func doRequest(srv *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)
	return w
}

func seedAnalysis(t *testing.T, st *store.Store, symbol string) {
	t.Helper()
	doc, err := analysis.Parse(fakeModelResponse)
	require.NoError(t, err)
	require.NoError(t, st.SetAnalysis(symbol, &analysis.Payload{
		AnalysisText: fakeModelResponse,
		Parsed:       doc,
		PriceInfo:    market.PriceInfo{CurrentPrice: 65000},
		Timestamp:    time.Now().Unix(),
	}))
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doRequest(srv, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok")
}

func TestGetAnalysisNotFound(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doRequest(srv, http.MethodGet, "/api/analysis/BTCUSDT", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetAnalysisCached(t *testing.T) {
	srv, st := newTestServer(t)
	seedAnalysis(t, st, "BTCUSDT")

	w := doRequest(srv, http.MethodGet, "/api/analysis/BTCUSDT", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var p analysis.Payload
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	assert.Equal(t, fakeModelResponse, p.AnalysisText)
	assert.Greater(t, p.RemainingTTL, 0.0)
}

func TestGetAnalysisHistoryFallback(t *testing.T) {
	srv, st := newTestServer(t)
	seedAnalysis(t, st, "BTCUSDT")

	// Wipe the current cache; the history row should still serve
	require.NoError(t, st.ClearAll())

	w := doRequest(srv, http.MethodGet, "/api/analysis/BTCUSDT", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var p analysis.Payload
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	assert.True(t, p.FromHistory)
}

func TestRefreshEndpoint(t *testing.T) {
	srv, st := newTestServer(t)

	w := doRequest(srv, http.MethodPost, "/api/analysis/refresh", map[string]string{"symbol": "BTCUSDT"})
	require.Equal(t, http.StatusOK, w.Code)

	var p analysis.Payload
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	assert.Equal(t, fakeModelResponse, p.AnalysisText)

	cached, err := st.GetAnalysis("BTCUSDT")
	require.NoError(t, err)
	assert.NotNil(t, cached)
}

func TestRefreshEndpointMissingSymbol(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doRequest(srv, http.MethodPost, "/api/analysis/refresh", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOutcomeEndpoint(t *testing.T) {
	srv, st := newTestServer(t)
	seedAnalysis(t, st, "BTCUSDT")

	entries, err := st.History("BTCUSDT", 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	w := doRequest(srv, http.MethodPost,
		"/api/history/"+strconv.FormatInt(entries[0].ID, 10)+"/outcome",
		map[string]interface{}{"hit": true, "pnl": 12.5})
	require.Equal(t, http.StatusOK, w.Code)

	stats, err := st.WinRate("BTCUSDT", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Wins)
	assert.Equal(t, 12.5, stats.AvgPnL)
}

func TestOutcomeEndpointUnknownID(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doRequest(srv, http.MethodPost, "/api/history/99999/outcome",
		map[string]interface{}{"hit": false})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestOutcomeEndpointRequiresHit(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doRequest(srv, http.MethodPost, "/api/history/1/outcome",
		map[string]interface{}{"pnl": 1.0})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHistoryAndSymbolsEndpoints(t *testing.T) {
	srv, st := newTestServer(t)
	seedAnalysis(t, st, "BTCUSDT")
	seedAnalysis(t, st, "ETHUSDT")

	w := doRequest(srv, http.MethodGet, "/api/history?limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var entries []store.HistoryEntry
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entries))
	assert.Len(t, entries, 2)

	w = doRequest(srv, http.MethodGet, "/api/symbols", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var symbols []string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &symbols))
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, symbols)
}

func TestCacheStatsEndpoint(t *testing.T) {
	srv, st := newTestServer(t)
	seedAnalysis(t, st, "BTCUSDT")

	w := doRequest(srv, http.MethodGet, "/api/stats/cache", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var stats store.CacheStats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.TotalRecords)
	assert.Equal(t, 1, stats.ValidRecords)
}

func TestDeleteEndpoints(t *testing.T) {
	srv, st := newTestServer(t)
	seedAnalysis(t, st, "BTCUSDT")
	seedAnalysis(t, st, "ETHUSDT")

	w := doRequest(srv, http.MethodDelete, "/api/analysis/BTCUSDT", nil)
	require.Equal(t, http.StatusOK, w.Code)
	got, err := st.GetAnalysis("BTCUSDT")
	require.NoError(t, err)
	assert.Nil(t, got)

	w = doRequest(srv, http.MethodDelete, "/api/analysis", nil)
	require.Equal(t, http.StatusOK, w.Code)
	all, err := st.AllValid()
	require.NoError(t, err)
	assert.Empty(t, all)
}
