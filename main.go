package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"vanta/api"
	"vanta/config"
	"vanta/manager"
	"vanta/market"
	"vanta/mcp"
	"vanta/scheduler"
	"vanta/store"
)

// scanJob runs one full market scan: fetch klines for every configured
// symbol, then refresh whichever analyses are due.
type scanJob struct {
	manager *manager.Manager
	timeout time.Duration
}

func (j scanJob) Name() string { return "market-scan" }

func (j scanJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()
	return j.manager.Scan(ctx)
}

func main() {
	// Load .env if present (silently ignore if missing)
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		panic(err)
	}

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()

	configFile := "config.json"
	if len(os.Args) > 1 {
		configFile = os.Args[1]
	}

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		log.Fatal().Err(err).Str("file", configFile).Msg("failed to load configuration")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		log = log.Level(level)
	}

	// Hosted platforms inject the listen port via PORT
	if port := os.Getenv("PORT"); port != "" {
		if n, err := strconv.Atoi(port); err == nil {
			cfg.APIServerPort = n
		}
	}

	log.Info().
		Str("file", configFile).
		Strs("symbols", cfg.Symbols).
		Int("port", cfg.APIServerPort).
		Msg("configuration loaded")

	st, err := store.Open(cfg.DBPath, store.Config{
		TTL:        cfg.CacheTTL(),
		HistoryCap: cfg.HistoryCap,
		Retention:  cfg.SnapshotRetention(),
	}, log)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("failed to open store")
	}
	defer st.Close()

	exchange := market.NewClient(cfg.BinanceAPIKey, cfg.BinanceSecretKey, cfg.MarketTimeout(), log)

	var ai *mcp.Client
	if cfg.CustomAPIURL != "" {
		ai = mcp.NewCustom(cfg.CustomAPIURL, cfg.CustomAPIKey, cfg.CustomModelName)
	} else {
		ai = mcp.NewDeepSeek(cfg.DeepSeekKey)
	}
	ai.Timeout = cfg.AnalysisTimeout()

	mgr := manager.New(st, exchange, ai, manager.Config{
		RefreshInterval:     cfg.RefreshInterval(),
		Symbols:             cfg.Symbols,
		KlineInterval:       cfg.KlineInterval,
		KlineLimit:          cfg.KlineLimit,
		FetchConcurrency:    cfg.FetchConcurrency,
		AnalysisConcurrency: cfg.AnalysisConcurrency,
	}, log)

	sched := scheduler.New(log)
	job := scanJob{manager: mgr, timeout: cfg.ScanInterval()}
	if err := sched.AddJob("@every "+cfg.ScanInterval().String(), job); err != nil {
		log.Fatal().Err(err).Msg("failed to register scan job")
	}
	sched.Start()
	defer sched.Stop()

	// First scan right away so the dashboard has data before the first tick
	go func() {
		if err := sched.RunNow(job); err != nil {
			log.Error().Err(err).Msg("initial scan failed")
		}
	}()

	server := api.NewServer(st, mgr, exchange, api.Config{
		Port:           cfg.APIServerPort,
		KlineInterval:  cfg.KlineInterval,
		KlineLimit:     cfg.KlineLimit,
		FallbackWindow: cfg.RefreshInterval(),
	}, log)
	go func() {
		if err := server.Start(); err != nil {
			log.Fatal().Err(err).Msg("API server error")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutdown signal received, stopping")
}
