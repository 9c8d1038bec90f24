package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"vanta/manager"
	"vanta/market"
	"vanta/store"
)

// Exchange is the slice of the market client the dashboard needs
type Exchange interface {
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]market.Kline, error)
	AccountSnapshot(ctx context.Context) (*market.AccountSnapshot, error)
	OpenPositions(ctx context.Context) ([]market.Position, error)
}

// Server HTTP API server backing the dashboard
type Server struct {
	router   *gin.Engine
	store    *store.Store
	manager  *manager.Manager
	exchange Exchange
	log      zerolog.Logger
	port     int

	klineInterval  string
	klineLimit     int
	fallbackWindow time.Duration
}

// Config server wiring
type Config struct {
	Port           int
	KlineInterval  string
	KlineLimit     int
	FallbackWindow time.Duration // history lookback when the cache is empty
}

// NewServer creates the API server
func NewServer(st *store.Store, mgr *manager.Manager, exchange Exchange, cfg Config, log zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		router:         router,
		store:          st,
		manager:        mgr,
		exchange:       exchange,
		log:            log.With().Str("component", "api").Logger(),
		port:           cfg.Port,
		klineInterval:  cfg.KlineInterval,
		klineLimit:     cfg.KlineLimit,
		fallbackWindow: cfg.FallbackWindow,
	}
	if s.fallbackWindow <= 0 {
		s.fallbackWindow = 5 * time.Minute
	}

	router.Use(s.requestLogger())
	router.Use(corsMiddleware())

	s.setupRoutes()
	return s
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Str("client", c.ClientIP()).
			Msg("incoming request")
		c.Next()
	}
}

// corsMiddleware CORS middleware
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Cache-Control")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusOK)
			return
		}

		c.Next()
	}
}

// setupRoutes sets up routes
func (s *Server) setupRoutes() {
	s.router.Any("/health", s.handleHealth)

	api := s.router.Group("/api")
	{
		// Analysis cache
		api.GET("/analysis", s.handleAllAnalysis)
		api.GET("/analysis/:symbol", s.handleAnalysis)
		api.POST("/analysis/refresh", s.handleRefresh)
		api.DELETE("/analysis/:symbol", s.handleDeleteAnalysis)
		api.DELETE("/analysis", s.handleClearAnalysis)

		// History and outcomes
		api.GET("/history", s.handleHistory)
		api.POST("/history/:id/outcome", s.handleOutcome)
		api.GET("/symbols", s.handleSymbols)

		// Statistics
		api.GET("/stats/winrate", s.handleWinRate)
		api.GET("/stats/market", s.handleMarketAnalytics)
		api.GET("/stats/cache", s.handleCacheStats)

		// Account monitoring passthrough
		api.GET("/account", s.handleAccount)
		api.GET("/positions", s.handlePositions)
	}
}

// Start runs the HTTP server (blocking)
func (s *Server) Start() error {
	s.log.Info().Int("port", s.port).Msg("API server listening")
	return s.router.Run(fmt.Sprintf(":%d", s.port))
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().Unix()})
}

// handleAnalysis serves the current analysis for one symbol, falling
// back to the most recent history entry inside the lookback window
// before reporting "no data". It never triggers a synchronous refresh.
func (s *Server) handleAnalysis(c *gin.Context) {
	symbol := c.Param("symbol")

	payload, err := s.store.GetAnalysis(symbol)
	if err != nil {
		s.log.Warn().Err(err).Str("symbol", symbol).Msg("failed to read analysis")
	}
	if payload == nil {
		window := s.fallbackWindow
		if secs, err := strconv.Atoi(c.DefaultQuery("window", "")); err == nil && secs > 0 {
			window = time.Duration(secs) * time.Second
		}
		payload, err = s.store.RecentWithin(symbol, window)
		if err != nil {
			s.log.Warn().Err(err).Str("symbol", symbol).Msg("failed to read history fallback")
		}
	}
	if payload == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no analysis available", "symbol": symbol})
		return
	}
	c.JSON(http.StatusOK, payload)
}

func (s *Server) handleAllAnalysis(c *gin.Context) {
	all, err := s.store.AllValid()
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to read analysis cache")
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, all)
}

// handleRefresh fetches a fresh kline window and runs one refresh
// cycle. The interval gate still applies: inside the gate this serves
// the cached payload.
func (s *Server) handleRefresh(c *gin.Context) {
	var req struct {
		Symbol string `json:"symbol" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol is required"})
		return
	}

	klines, err := s.exchange.GetKlines(c.Request.Context(), req.Symbol, s.klineInterval, s.klineLimit)
	if err != nil {
		s.log.Warn().Err(err).Str("symbol", req.Symbol).Msg("failed to fetch klines for refresh")
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to fetch market data"})
		return
	}

	payload, _ := s.manager.Refresh(c.Request.Context(), req.Symbol, klines)
	if payload == nil {
		c.JSON(http.StatusAccepted, gin.H{"status": "no analysis available, try later", "symbol": req.Symbol})
		return
	}
	c.JSON(http.StatusOK, payload)
}

func (s *Server) handleDeleteAnalysis(c *gin.Context) {
	if err := s.store.DeleteAnalysis(c.Param("symbol")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete analysis"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (s *Server) handleClearAnalysis(c *gin.Context) {
	if err := s.store.ClearAll(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to clear analysis cache"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cleared"})
}

func (s *Server) handleHistory(c *gin.Context) {
	symbol := c.Query("symbol")
	limit := 50
	if v, err := strconv.Atoi(c.DefaultQuery("limit", "50")); err == nil {
		limit = v
	}

	entries, err := s.store.History(symbol, limit)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to list history")
		c.JSON(http.StatusOK, []store.HistoryEntry{})
		return
	}
	if entries == nil {
		entries = []store.HistoryEntry{}
	}
	c.JSON(http.StatusOK, entries)
}

// handleOutcome marks a past analysis as hit or miss, optionally with
// the realized pnl
func (s *Server) handleOutcome(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid history id"})
		return
	}

	var req struct {
		Hit *bool    `json:"hit" binding:"required"`
		PnL *float64 `json:"pnl"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "hit is required"})
		return
	}

	ok, err := s.store.MarkOutcome(id, *req.Hit, req.PnL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to mark outcome"})
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "history record not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "marked"})
}

func (s *Server) handleSymbols(c *gin.Context) {
	symbols, err := s.store.Symbols()
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to list symbols")
		c.JSON(http.StatusOK, []string{})
		return
	}
	if symbols == nil {
		symbols = []string{}
	}
	c.JSON(http.StatusOK, symbols)
}

func (s *Server) handleWinRate(c *gin.Context) {
	symbol := c.Query("symbol")
	limit := 30
	if v, err := strconv.Atoi(c.DefaultQuery("limit", "30")); err == nil {
		limit = v
	}

	stats, err := s.store.WinRate(symbol, limit)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to compute win rate")
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleMarketAnalytics(c *gin.Context) {
	symbol := c.Query("symbol")
	days := 7
	if v, err := strconv.Atoi(c.DefaultQuery("days", "7")); err == nil && v > 0 {
		days = v
	}

	summary, err := s.store.Analytics(symbol, days)
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to compute market analytics")
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	if summary == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) handleCacheStats(c *gin.Context) {
	stats, err := s.store.Stats()
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to read cache stats")
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleAccount(c *gin.Context) {
	snap, err := s.exchange.AccountSnapshot(c.Request.Context())
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to fetch account snapshot")
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to fetch account info"})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handlePositions(c *gin.Context) {
	positions, err := s.exchange.OpenPositions(c.Request.Context())
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to fetch positions")
		c.JSON(http.StatusBadGateway, gin.H{"error": "failed to fetch positions"})
		return
	}
	if positions == nil {
		positions = []market.Position{}
	}
	c.JSON(http.StatusOK, positions)
}
