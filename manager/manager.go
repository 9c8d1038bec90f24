package manager

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"vanta/analysis"
	"vanta/market"
	"vanta/store"
)

// MarketSource is the exchange collaborator the manager pulls context from
type MarketSource interface {
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]market.Kline, error)
	GetFundingRate(ctx context.Context, symbol string) (*market.FundingRate, error)
}

// Analyzer is the LLM collaborator
type Analyzer interface {
	CallWithMessages(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Config manager tuning knobs; zero values fall back to defaults
type Config struct {
	RefreshInterval     time.Duration // minimum spacing between AI refreshes per symbol, default 5m
	MaxAttempts         int           // model-call attempt budget per refresh, default 3
	WinRateWindow       int           // annotated rows fed into the prompt, default 30
	Symbols             []string      // symbols covered by Scan
	KlineInterval       string
	KlineLimit          int
	FetchConcurrency    int // parallel kline fetches during Scan, default 8
	AnalysisConcurrency int // parallel symbol refreshes, default 5
}

// Manager decides when a symbol's analysis is refreshed, runs the
// fetch-validate-retry-persist cycle and tracks last-refresh times.
// Refresh gating state is in-memory only: a restart makes every symbol
// due immediately.
type Manager struct {
	store  *store.Store
	market MarketSource
	ai     Analyzer
	cfg    Config
	log    zerolog.Logger

	now func() time.Time

	mu          sync.Mutex
	lastRefresh map[string]time.Time
	symbolLocks map[string]*sync.Mutex
}

// New creates an analysis manager
func New(st *store.Store, mkt MarketSource, ai Analyzer, cfg Config, log zerolog.Logger) *Manager {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 5 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.WinRateWindow <= 0 {
		cfg.WinRateWindow = 30
	}
	if cfg.KlineInterval == "" {
		cfg.KlineInterval = "1h"
	}
	if cfg.KlineLimit <= 0 {
		cfg.KlineLimit = 100
	}
	if cfg.FetchConcurrency <= 0 {
		cfg.FetchConcurrency = 8
	}
	if cfg.AnalysisConcurrency <= 0 {
		cfg.AnalysisConcurrency = 5
	}

	return &Manager{
		store:       st,
		market:      mkt,
		ai:          ai,
		cfg:         cfg,
		log:         log.With().Str("component", "manager").Logger(),
		now:         time.Now,
		lastRefresh: make(map[string]time.Time),
		symbolLocks: make(map[string]*sync.Mutex),
	}
}

// Due reports whether symbol is eligible for a fresh model call.
// A symbol that has never completed a refresh is always due.
func (m *Manager) Due(symbol string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dueLocked(symbol)
}

func (m *Manager) dueLocked(symbol string) bool {
	last, ok := m.lastRefresh[symbol]
	if !ok {
		return true
	}
	return m.now().Sub(last) >= m.cfg.RefreshInterval
}

func (m *Manager) symbolLock(symbol string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.symbolLocks[symbol]
	if !ok {
		lock = &sync.Mutex{}
		m.symbolLocks[symbol] = lock
	}
	return lock
}

// Refresh runs one analysis cycle for symbol against the supplied kline
// window. When the symbol is not due it returns the cached payload
// tagged from_cache, or nil if nothing is cached. Every failure path
// resolves to (nil, nil) with the reason logged; the caller is never
// handed a collaborator error.
func (m *Manager) Refresh(ctx context.Context, symbol string, klines []market.Kline) (*analysis.Payload, error) {
	if symbol == "" {
		m.log.Warn().Msg("refresh called with empty symbol")
		return nil, nil
	}

	if !m.Due(symbol) {
		return m.cachedCopy(symbol), nil
	}

	// Serialize concurrent refreshes of the same symbol so only one
	// model call is in flight per symbol.
	lock := m.symbolLock(symbol)
	lock.Lock()
	defer lock.Unlock()

	// A concurrent holder may have completed the refresh while this
	// call waited on the lock.
	if !m.Due(symbol) {
		return m.cachedCopy(symbol), nil
	}

	priceInfo := market.ExtractPriceInfo(klines)
	if priceInfo == nil {
		m.log.Warn().Str("symbol", symbol).Msg("no kline data, skipping refresh")
		return nil, nil
	}

	// Funding rate and win stats only enrich the prompt; their absence
	// never aborts a refresh.
	var fundingRate *float64
	if fr, err := m.market.GetFundingRate(ctx, symbol); err != nil {
		m.log.Warn().Err(err).Str("symbol", symbol).Msg("failed to fetch funding rate")
	} else if fr != nil {
		rate := fr.Rate
		fundingRate = &rate
	}

	var winStats *store.WinRateStats
	if ws, err := m.store.WinRate(symbol, m.cfg.WinRateWindow); err != nil {
		m.log.Warn().Err(err).Str("symbol", symbol).Msg("failed to fetch win stats")
	} else {
		winStats = &ws
	}

	// Raw data is retained regardless of whether the analysis succeeds
	if err := m.store.SaveSnapshot(symbol, klines, fundingRate); err != nil {
		m.log.Warn().Err(err).Str("symbol", symbol).Msg("failed to save market snapshot")
	}

	systemPrompt, userPrompt := buildPrompt(symbol, priceInfo, fundingRate, winStats)

	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		raw, err := m.ai.CallWithMessages(ctx, systemPrompt, userPrompt)
		if err != nil {
			m.log.Warn().Err(err).Str("symbol", symbol).Int("attempt", attempt).Msg("model call failed")
			continue
		}
		raw = strings.TrimSpace(raw)
		if raw == "" {
			m.log.Warn().Str("symbol", symbol).Int("attempt", attempt).Msg("model returned empty response")
			continue
		}

		doc, err := analysis.Parse(raw)
		if err != nil {
			m.log.Warn().Err(err).Str("symbol", symbol).Int("attempt", attempt).Msg("model response failed validation")
			continue
		}

		payload := &analysis.Payload{
			AnalysisText: raw,
			Parsed:       doc,
			PriceInfo:    *priceInfo,
			Timestamp:    m.now().Unix(),
			FundingRate:  fundingRate,
		}

		if err := m.store.SetAnalysis(symbol, payload); err != nil {
			m.log.Error().Err(err).Str("symbol", symbol).Msg("failed to persist analysis")
		}

		m.mu.Lock()
		m.lastRefresh[symbol] = m.now()
		m.mu.Unlock()

		m.log.Info().Str("symbol", symbol).Int("attempt", attempt).Msg("analysis refreshed")
		return payload, nil
	}

	// The interval gate stays open: the next caller may retry sooner
	// than a completed refresh would allow.
	m.log.Error().Str("symbol", symbol).Int("attempts", m.cfg.MaxAttempts).Msg("no valid analysis after all attempts")
	return nil, nil
}

func (m *Manager) cachedCopy(symbol string) *analysis.Payload {
	cached, err := m.store.GetAnalysis(symbol)
	if err != nil {
		m.log.Warn().Err(err).Str("symbol", symbol).Msg("failed to read cached analysis")
		return nil
	}
	if cached == nil {
		return nil
	}
	cached.FromCache = true
	return cached
}

// RefreshAll refreshes many symbols over a bounded worker pool. There
// is no ordering guarantee between symbols.
func (m *Manager) RefreshAll(ctx context.Context, klinesBySymbol map[string][]market.Kline) map[string]*analysis.Payload {
	sem := make(chan struct{}, m.cfg.AnalysisConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	results := make(map[string]*analysis.Payload)

	for symbol, klines := range klinesBySymbol {
		wg.Add(1)
		go func(symbol string, klines []market.Kline) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			payload, err := m.Refresh(ctx, symbol, klines)
			if err != nil || payload == nil {
				return
			}
			mu.Lock()
			results[symbol] = payload
			mu.Unlock()
		}(symbol, klines)
	}

	wg.Wait()
	return results
}

// Scan fetches kline windows for every configured symbol and refreshes
// them. A stalled fetch for one symbol never blocks the others.
func (m *Manager) Scan(ctx context.Context) error {
	sem := make(chan struct{}, m.cfg.FetchConcurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	klinesBySymbol := make(map[string][]market.Kline)

	for _, symbol := range m.cfg.Symbols {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			klines, err := m.market.GetKlines(ctx, symbol, m.cfg.KlineInterval, m.cfg.KlineLimit)
			if err != nil {
				m.log.Warn().Err(err).Str("symbol", symbol).Msg("failed to fetch klines")
				return
			}
			if len(klines) == 0 {
				return
			}
			mu.Lock()
			klinesBySymbol[symbol] = klines
			mu.Unlock()
		}(symbol)
	}
	wg.Wait()

	results := m.RefreshAll(ctx, klinesBySymbol)
	m.log.Info().Int("fetched", len(klinesBySymbol)).Int("refreshed", len(results)).Msg("market scan complete")
	return nil
}
