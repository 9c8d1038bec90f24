package market

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/rs/zerolog"
)

// Client Binance USDT-M futures REST client. Account and position
// lookups are cached briefly so the dashboard can poll them freely.
type Client struct {
	fc  *futures.Client
	log zerolog.Logger

	// Account snapshot cache
	cachedAccount     *AccountSnapshot
	accountCacheTime  time.Time
	accountCacheMutex sync.RWMutex

	// Positions cache
	cachedPositions     []Position
	positionsCacheTime  time.Time
	positionsCacheMutex sync.RWMutex

	// Cache duration (15 seconds)
	cacheDuration time.Duration

	// Time sync tracking
	lastTimeSync  time.Time
	timeSyncMutex sync.Mutex
}

// NewClient creates a futures market client and syncs with Binance
// server time to avoid timestamp errors on signed endpoints. A zero
// timeout leaves the default HTTP client untouched.
func NewClient(apiKey, secretKey string, timeout time.Duration, log zerolog.Logger) *Client {
	client := futures.NewClient(apiKey, secretKey)
	if timeout > 0 {
		client.HTTPClient = &http.Client{Timeout: timeout}
	}

	c := &Client{
		fc:            client,
		log:           log.With().Str("component", "market").Logger(),
		cacheDuration: 15 * time.Second,
	}
	c.syncServerTime()
	return c
}

func (c *Client) syncServerTime() {
	serverTime, err := c.fc.NewServerTimeService().Do(context.Background())
	if err != nil {
		c.log.Warn().Err(err).Msg("failed to get Binance server time, continuing without sync")
		return
	}

	offset := serverTime - time.Now().UnixMilli()
	if offset > 1000 || offset < -1000 {
		c.log.Warn().Int64("offset_ms", offset).Msg("local clock drifts from Binance server time")
	} else {
		c.log.Info().Int64("offset_ms", offset).Msg("time synchronized with Binance server")
	}
}

// reSyncServerTime re-syncs server time, at most once per minute
func (c *Client) reSyncServerTime() {
	c.timeSyncMutex.Lock()
	defer c.timeSyncMutex.Unlock()

	if time.Since(c.lastTimeSync) < time.Minute {
		return
	}
	c.syncServerTime()
	c.lastTimeSync = time.Now()
}

func isTimestampError(err error) bool {
	s := err.Error()
	return strings.Contains(s, "-1021") || strings.Contains(s, "recvWindow") || strings.Contains(s, "timestamp")
}

// GetKlines fetches an OHLCV window, oldest first
func (c *Client) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	raw, err := c.fc.NewKlinesService().
		Symbol(symbol).
		Interval(interval).
		Limit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get klines for %s: %w", symbol, err)
	}
	if len(raw) == 0 {
		return nil, nil
	}

	klines := make([]Kline, 0, len(raw))
	for _, k := range raw {
		open, err1 := strconv.ParseFloat(k.Open, 64)
		high, err2 := strconv.ParseFloat(k.High, 64)
		low, err3 := strconv.ParseFloat(k.Low, 64)
		closePrice, err4 := strconv.ParseFloat(k.Close, 64)
		volume, err5 := strconv.ParseFloat(k.Volume, 64)
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil || err5 != nil {
			c.log.Warn().Str("symbol", symbol).Int64("open_time", k.OpenTime).Msg("skipping unparseable kline")
			continue
		}
		klines = append(klines, Kline{
			OpenTime:  k.OpenTime,
			Open:      open,
			High:      high,
			Low:       low,
			Close:     closePrice,
			Volume:    volume,
			CloseTime: k.CloseTime,
		})
	}
	return klines, nil
}

// GetFundingRate fetches the current funding rate via the premium index
func (c *Client) GetFundingRate(ctx context.Context, symbol string) (*FundingRate, error) {
	res, err := c.fc.NewPremiumIndexService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get funding rate for %s: %w", symbol, err)
	}
	for _, p := range res {
		if p.Symbol != symbol {
			continue
		}
		rate, err := strconv.ParseFloat(p.LastFundingRate, 64)
		if err != nil {
			return nil, fmt.Errorf("unparseable funding rate for %s: %w", symbol, err)
		}
		return &FundingRate{Rate: rate, NextFundingTime: p.NextFundingTime}, nil
	}
	return nil, nil
}

// AccountSnapshot fetches the account balance summary (cached)
func (c *Client) AccountSnapshot(ctx context.Context) (*AccountSnapshot, error) {
	c.accountCacheMutex.RLock()
	if c.cachedAccount != nil && time.Since(c.accountCacheTime) < c.cacheDuration {
		snap := *c.cachedAccount
		c.accountCacheMutex.RUnlock()
		return &snap, nil
	}
	c.accountCacheMutex.RUnlock()

	account, err := c.fc.NewGetAccountService().Do(ctx)
	if err != nil {
		if isTimestampError(err) {
			c.log.Warn().Msg("timestamp error detected, re-syncing server time")
			c.reSyncServerTime()
			account, err = c.fc.NewGetAccountService().Do(ctx)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get account info: %w", err)
		}
	}

	snap := &AccountSnapshot{}
	snap.TotalWalletBalance, _ = strconv.ParseFloat(account.TotalWalletBalance, 64)
	snap.TotalUnrealizedProfit, _ = strconv.ParseFloat(account.TotalUnrealizedProfit, 64)
	snap.TotalMarginBalance, _ = strconv.ParseFloat(account.TotalMarginBalance, 64)
	snap.AvailableBalance, _ = strconv.ParseFloat(account.AvailableBalance, 64)

	c.accountCacheMutex.Lock()
	c.cachedAccount = snap
	c.accountCacheTime = time.Now()
	c.accountCacheMutex.Unlock()

	out := *snap
	return &out, nil
}

// OpenPositions fetches all non-flat positions sorted by symbol (cached)
func (c *Client) OpenPositions(ctx context.Context) ([]Position, error) {
	c.positionsCacheMutex.RLock()
	if c.cachedPositions != nil && time.Since(c.positionsCacheTime) < c.cacheDuration {
		out := make([]Position, len(c.cachedPositions))
		copy(out, c.cachedPositions)
		c.positionsCacheMutex.RUnlock()
		return out, nil
	}
	c.positionsCacheMutex.RUnlock()

	raw, err := c.fc.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		if isTimestampError(err) {
			c.log.Warn().Msg("timestamp error detected, re-syncing server time")
			c.reSyncServerTime()
			raw, err = c.fc.NewGetPositionRiskService().Do(ctx)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get positions: %w", err)
		}
	}

	positions := make([]Position, 0)
	for _, pos := range raw {
		amt, err := strconv.ParseFloat(pos.PositionAmt, 64)
		if err != nil || amt == 0 {
			continue
		}

		entry, _ := strconv.ParseFloat(pos.EntryPrice, 64)
		mark, _ := strconv.ParseFloat(pos.MarkPrice, 64)
		pnl, _ := strconv.ParseFloat(pos.UnRealizedProfit, 64)
		liq, _ := strconv.ParseFloat(pos.LiquidationPrice, 64)
		leverage, _ := strconv.Atoi(pos.Leverage)

		side := "LONG"
		if amt < 0 {
			side = "SHORT"
		}

		notional := math.Abs(amt) * entry
		roi := 0.0
		if notional > 0 {
			roi = pnl / notional * 100
		}

		positions = append(positions, Position{
			Symbol:           pos.Symbol,
			Side:             side,
			Amount:           math.Abs(amt),
			EntryPrice:       entry,
			MarkPrice:        mark,
			UnrealizedProfit: pnl,
			ROI:              roi,
			Leverage:         leverage,
			LiquidationPrice: liq,
			MarginType:       pos.MarginType,
		})
	}

	sort.Slice(positions, func(i, j int) bool { return positions[i].Symbol < positions[j].Symbol })

	c.positionsCacheMutex.Lock()
	c.cachedPositions = positions
	c.positionsCacheTime = time.Now()
	c.positionsCacheMutex.Unlock()

	out := make([]Position, len(positions))
	copy(out, positions)
	return out, nil
}
