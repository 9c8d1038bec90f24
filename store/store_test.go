package store

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vanta/analysis"
	"vanta/market"
)

func newTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	st, err := Open(path, cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func testPayload(symbol string, price float64) *analysis.Payload {
	return &analysis.Payload{
		AnalysisText: `{"交易对":"` + symbol + `"}`,
		PriceInfo: market.PriceInfo{
			CurrentPrice:   price,
			High24h:        price * 1.05,
			Low24h:         price * 0.95,
			PriceChangePct: 1.23,
		},
		Timestamp: time.Now().Unix(),
	}
}

func TestSetAndGetAnalysis(t *testing.T) {
	st := newTestStore(t, Config{})

	p := testPayload("BTCUSDT", 65000)
	require.NoError(t, st.SetAnalysis("BTCUSDT", p))

	got, err := st.GetAnalysis("BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, p.AnalysisText, got.AnalysisText)
	assert.Equal(t, 65000.0, got.PriceInfo.CurrentPrice)

	// A fresh record carries close to the full TTL
	assert.InDelta(t, st.ttl.Seconds(), got.RemainingTTL, 5)
	assert.False(t, got.FromCache)
	assert.False(t, got.FromHistory)
}

func TestGetAnalysisMissing(t *testing.T) {
	st := newTestStore(t, Config{})

	got, err := st.GetAnalysis("DOGEUSDT")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = st.GetAnalysis("")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestGetAnalysisExpired(t *testing.T) {
	st := newTestStore(t, Config{TTL: time.Hour})

	require.NoError(t, st.SetAnalysis("BTCUSDT", testPayload("BTCUSDT", 65000)))

	// Jump the clock past the TTL
	st.now = func() time.Time { return time.Now().Add(2 * time.Hour) }

	got, err := st.GetAnalysis("BTCUSDT")
	require.NoError(t, err)
	assert.Nil(t, got)

	// The expired row was deleted, not just hidden
	var count int
	require.NoError(t, st.db.QueryRow(`SELECT COUNT(*) FROM analysis_cache WHERE symbol = ?`, "BTCUSDT").Scan(&count))
	assert.Equal(t, 0, count)

	// History survives expiry
	entries, err := st.History("BTCUSDT", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestGetAnalysisCorruptRowDeleted(t *testing.T) {
	st := newTestStore(t, Config{})

	_, err := st.db.Exec(`
		INSERT INTO analysis_cache (symbol, analysis_data, created_at)
		VALUES (?, ?, ?)`, "BTCUSDT", "{not json", time.Now().Unix())
	require.NoError(t, err)

	got, err := st.GetAnalysis("BTCUSDT")
	require.NoError(t, err)
	assert.Nil(t, got)

	var count int
	require.NoError(t, st.db.QueryRow(`SELECT COUNT(*) FROM analysis_cache`).Scan(&count))
	assert.Equal(t, 0, count)
}

func TestSetAnalysisInvalidInput(t *testing.T) {
	st := newTestStore(t, Config{})

	assert.Error(t, st.SetAnalysis("", testPayload("BTCUSDT", 1)))
	assert.Error(t, st.SetAnalysis("BTCUSDT", nil))
}

func TestSetAnalysisReplacesCurrent(t *testing.T) {
	st := newTestStore(t, Config{})

	require.NoError(t, st.SetAnalysis("BTCUSDT", testPayload("BTCUSDT", 60000)))
	require.NoError(t, st.SetAnalysis("BTCUSDT", testPayload("BTCUSDT", 70000)))

	got, err := st.GetAnalysis("BTCUSDT")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 70000.0, got.PriceInfo.CurrentPrice)

	// One current row, two history rows
	var count int
	require.NoError(t, st.db.QueryRow(`SELECT COUNT(*) FROM analysis_cache`).Scan(&count))
	assert.Equal(t, 1, count)

	entries, err := st.History("BTCUSDT", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestHistoryCapIsGlobal(t *testing.T) {
	st := newTestStore(t, Config{HistoryCap: 3})

	symbols := []string{"BTCUSDT", "ETHUSDT", "SOLUSDT", "BNBUSDT", "XRPUSDT"}
	for i, sym := range symbols {
		st.now = func() time.Time { return time.Unix(int64(1000+i), 0) }
		require.NoError(t, st.SetAnalysis(sym, testPayload(sym, float64(i+1))))
	}

	entries, err := st.History("", 0)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	// The newest three survive, across symbols
	assert.Equal(t, "XRPUSDT", entries[0].Symbol)
	assert.Equal(t, "BNBUSDT", entries[1].Symbol)
	assert.Equal(t, "SOLUSDT", entries[2].Symbol)
}

func TestHistoryOrderAndLimit(t *testing.T) {
	st := newTestStore(t, Config{})

	for i := 0; i < 5; i++ {
		ts := time.Unix(int64(1000+i), 0)
		st.now = func() time.Time { return ts }
		require.NoError(t, st.SetAnalysis("BTCUSDT", testPayload("BTCUSDT", float64(i))))
	}

	entries, err := st.History("BTCUSDT", 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Greater(t, entries[0].CreatedAt, entries[1].CreatedAt)
}

func TestMarkOutcomeAndWinRate(t *testing.T) {
	st := newTestStore(t, Config{})

	for i := 0; i < 4; i++ {
		ts := time.Unix(int64(1000+i), 0)
		st.now = func() time.Time { return ts }
		require.NoError(t, st.SetAnalysis("BTCUSDT", testPayload("BTCUSDT", float64(i))))
	}

	entries, err := st.History("BTCUSDT", 0)
	require.NoError(t, err)
	require.Len(t, entries, 4)

	pnl1, pnl2 := 10.0, -4.0
	ok, err := st.MarkOutcome(entries[0].ID, true, &pnl1)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = st.MarkOutcome(entries[1].ID, true, nil)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = st.MarkOutcome(entries[2].ID, false, &pnl2)
	require.NoError(t, err)
	assert.True(t, ok)
	// entries[3] stays unannotated

	stats, err := st.WinRate("BTCUSDT", 0)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.Wins)
	assert.Equal(t, 1, stats.Losses)
	assert.Equal(t, 66.7, stats.WinRatePct)
	// avg over the two rows that carry pnl: (10 - 4) / 2
	assert.Equal(t, 3.0, stats.AvgPnL)
}

func TestMarkOutcomeUnknownID(t *testing.T) {
	st := newTestStore(t, Config{})

	ok, err := st.MarkOutcome(99999, true, nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWinRateEmpty(t *testing.T) {
	st := newTestStore(t, Config{})

	stats, err := st.WinRate("BTCUSDT", 30)
	require.NoError(t, err)
	assert.Equal(t, WinRateStats{}, stats)
}

func TestRecentWithin(t *testing.T) {
	st := newTestStore(t, Config{})

	base := time.Unix(10000, 0)
	st.now = func() time.Time { return base }
	require.NoError(t, st.SetAnalysis("BTCUSDT", testPayload("BTCUSDT", 65000)))

	// Two minutes later the entry is inside a 5-minute window
	st.now = func() time.Time { return base.Add(2 * time.Minute) }
	got, err := st.RecentWithin("BTCUSDT", 5*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.FromHistory)
	assert.InDelta(t, 180.0, got.RemainingTTL, 1)

	// Outside the window nothing comes back
	st.now = func() time.Time { return base.Add(10 * time.Minute) }
	got, err = st.RecentWithin("BTCUSDT", 5*time.Minute)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestIsValid(t *testing.T) {
	st := newTestStore(t, Config{TTL: time.Hour})

	assert.False(t, st.IsValid("BTCUSDT"))

	require.NoError(t, st.SetAnalysis("BTCUSDT", testPayload("BTCUSDT", 65000)))
	assert.True(t, st.IsValid("BTCUSDT"))

	st.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	assert.False(t, st.IsValid("BTCUSDT"))
}

func TestDeleteAndClear(t *testing.T) {
	st := newTestStore(t, Config{})

	require.NoError(t, st.SetAnalysis("BTCUSDT", testPayload("BTCUSDT", 1)))
	require.NoError(t, st.SetAnalysis("ETHUSDT", testPayload("ETHUSDT", 2)))

	require.NoError(t, st.DeleteAnalysis("BTCUSDT"))
	got, err := st.GetAnalysis("BTCUSDT")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, st.ClearAll())
	all, err := st.AllValid()
	require.NoError(t, err)
	assert.Empty(t, all)

	// History is untouched by cache deletes
	entries, err := st.History("", 0)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestAllValidSkipsExpired(t *testing.T) {
	st := newTestStore(t, Config{TTL: time.Hour})

	base := time.Unix(100000, 0)
	st.now = func() time.Time { return base }
	require.NoError(t, st.SetAnalysis("BTCUSDT", testPayload("BTCUSDT", 1)))

	st.now = func() time.Time { return base.Add(90 * time.Minute) }
	require.NoError(t, st.SetAnalysis("ETHUSDT", testPayload("ETHUSDT", 2)))

	all, err := st.AllValid()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Contains(t, all, "ETHUSDT")
	assert.Greater(t, all["ETHUSDT"].RemainingTTL, 0.0)
}

func TestStats(t *testing.T) {
	st := newTestStore(t, Config{TTL: time.Hour})

	base := time.Unix(100000, 0)
	st.now = func() time.Time { return base }
	require.NoError(t, st.SetAnalysis("BTCUSDT", testPayload("BTCUSDT", 1)))

	st.now = func() time.Time { return base.Add(90 * time.Minute) }
	require.NoError(t, st.SetAnalysis("ETHUSDT", testPayload("ETHUSDT", 2)))

	stats, err := st.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalRecords)
	assert.Equal(t, 1, stats.ValidRecords)
	assert.Equal(t, 1, stats.ExpiredRecords)
	assert.Equal(t, int64(3600), stats.TTLSeconds)
}

func TestSymbols(t *testing.T) {
	st := newTestStore(t, Config{})

	require.NoError(t, st.SetAnalysis("ETHUSDT", testPayload("ETHUSDT", 1)))
	require.NoError(t, st.SetAnalysis("BTCUSDT", testPayload("BTCUSDT", 2)))
	require.NoError(t, st.SetAnalysis("BTCUSDT", testPayload("BTCUSDT", 3)))

	symbols, err := st.Symbols()
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, symbols)
}

func testKlines(closes ...float64) []market.Kline {
	klines := make([]market.Kline, len(closes))
	for i, c := range closes {
		klines[i] = market.Kline{
			OpenTime: int64(i * 3600000),
			Open:     c * 0.99,
			High:     c * 1.01,
			Low:      c * 0.98,
			Close:    c,
			Volume:   100,
		}
	}
	return klines
}

func TestSaveSnapshotAndAnalytics(t *testing.T) {
	st := newTestStore(t, Config{})

	rate1, rate2 := 0.0001, -0.0002
	require.NoError(t, st.SaveSnapshot("BTCUSDT", testKlines(100, 110), &rate1))
	require.NoError(t, st.SaveSnapshot("BTCUSDT", testKlines(110, 90), &rate2))
	require.NoError(t, st.SaveSnapshot("ETHUSDT", testKlines(3000), nil))

	got, err := st.Analytics("BTCUSDT", 7)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "BTCUSDT", got.Symbol)
	assert.Equal(t, 7, got.PeriodDays)
	assert.Equal(t, 2, got.Records)

	// Last close per snapshot: 110 and 90
	require.NotNil(t, got.Price)
	assert.Equal(t, 100.0, got.Price.Avg)
	assert.Equal(t, 110.0, got.Price.Max)
	assert.Equal(t, 90.0, got.Price.Min)
	assert.Equal(t, 20.0, got.Price.Volatility) // (110-90)/100*100

	require.NotNil(t, got.Funding)
	assert.Equal(t, -0.00005, got.Funding.Avg)
	assert.Equal(t, 0.0001, got.Funding.Max)
	assert.Equal(t, -0.0002, got.Funding.Min)
}

func TestAnalyticsAllSymbolsCountsOnly(t *testing.T) {
	st := newTestStore(t, Config{})

	require.NoError(t, st.SaveSnapshot("BTCUSDT", testKlines(100), nil))
	require.NoError(t, st.SaveSnapshot("ETHUSDT", testKlines(3000), nil))

	got, err := st.Analytics("", 7)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "all", got.Symbol)
	assert.Equal(t, 2, got.Records)
	assert.Nil(t, got.Price)
	assert.Nil(t, got.Funding)
}

func TestAnalyticsNoData(t *testing.T) {
	st := newTestStore(t, Config{})

	got, err := st.Analytics("BTCUSDT", 7)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = st.Analytics("", 7)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSnapshotRetentionSweep(t *testing.T) {
	st := newTestStore(t, Config{Retention: time.Hour})

	base := time.Unix(100000, 0)
	st.now = func() time.Time { return base }
	require.NoError(t, st.SaveSnapshot("BTCUSDT", testKlines(100), nil))

	// The next write, on any symbol, sweeps rows older than retention
	st.now = func() time.Time { return base.Add(2 * time.Hour) }
	require.NoError(t, st.SaveSnapshot("ETHUSDT", testKlines(3000), nil))

	var count int
	require.NoError(t, st.db.QueryRow(`SELECT COUNT(*) FROM market_data`).Scan(&count))
	assert.Equal(t, 1, count)

	var symbol string
	require.NoError(t, st.db.QueryRow(`SELECT symbol FROM market_data`).Scan(&symbol))
	assert.Equal(t, "ETHUSDT", symbol)
}

func TestSaveSnapshotInvalidInput(t *testing.T) {
	st := newTestStore(t, Config{})

	assert.Error(t, st.SaveSnapshot("", testKlines(100), nil))
	assert.Error(t, st.SaveSnapshot("BTCUSDT", nil, nil))
}

func TestHistoryEntryCarriesRawPayload(t *testing.T) {
	st := newTestStore(t, Config{})

	require.NoError(t, st.SetAnalysis("BTCUSDT", testPayload("BTCUSDT", 65000)))

	entries, err := st.History("BTCUSDT", 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	var p analysis.Payload
	require.NoError(t, json.Unmarshal(entries[0].AnalysisData, &p))
	assert.Equal(t, 65000.0, p.PriceInfo.CurrentPrice)
	assert.Nil(t, entries[0].Hit)
	assert.Nil(t, entries[0].PnL)
}
