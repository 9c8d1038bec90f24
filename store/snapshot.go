package store

import (
	"encoding/json"
	"errors"
	"fmt"

	"vanta/market"
)

// PriceSummary close-price statistics over a snapshot window
type PriceSummary struct {
	Avg        float64 `json:"avg_price"`
	Max        float64 `json:"max_price"`
	Min        float64 `json:"min_price"`
	Volatility float64 `json:"price_volatility"`
}

// FundingSummary funding-rate statistics over a snapshot window
type FundingSummary struct {
	Avg float64 `json:"avg_funding_rate"`
	Max float64 `json:"max_funding_rate"`
	Min float64 `json:"min_funding_rate"`
}

// MarketAnalytics summary over retained raw market data. Price and
// Funding are only populated for single-symbol queries; the all-symbol
// form reports the record count alone.
type MarketAnalytics struct {
	Symbol     string          `json:"symbol"`
	PeriodDays int             `json:"period_days"`
	Records    int             `json:"records"`
	Price      *PriceSummary   `json:"price,omitempty"`
	Funding    *FundingSummary `json:"funding,omitempty"`
}

// SaveSnapshot persists a raw kline window plus the funding rate seen
// with it, then sweeps every snapshot row older than the retention
// window across all symbols. Insert and sweep commit together.
func (s *Store) SaveSnapshot(symbol string, klines []market.Kline, fundingRate *float64) error {
	if symbol == "" || len(klines) == 0 {
		return errors.New("invalid input: empty symbol or kline data")
	}

	data, err := json.Marshal(klines)
	if err != nil {
		return fmt.Errorf("failed to serialize klines for %s: %w", symbol, err)
	}
	now := s.now().Unix()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT INTO market_data (symbol, kline_data, funding_rate, created_at)
		VALUES (?, ?, ?, ?)`,
		symbol, string(data), fundingRate, now,
	); err != nil {
		return fmt.Errorf("failed to insert snapshot for %s: %w", symbol, err)
	}

	// Retention sweep by absolute timestamp, not by symbol
	cutoff := now - int64(s.retention.Seconds())
	if _, err := tx.Exec(`DELETE FROM market_data WHERE created_at < ?`, cutoff); err != nil {
		return fmt.Errorf("failed to sweep old snapshots: %w", err)
	}

	return tx.Commit()
}

// Analytics summarizes retained snapshots newer than the given number
// of days. With a symbol it computes close-price and funding-rate
// statistics; without one it only counts records across all symbols.
// Returns (nil, nil) when no snapshots qualify.
func (s *Store) Analytics(symbol string, days int) (*MarketAnalytics, error) {
	if days <= 0 {
		days = 7
	}
	cutoff := s.now().Unix() - int64(days)*24*3600

	if symbol == "" {
		var count int
		if err := s.db.QueryRow(`
			SELECT COUNT(*) FROM market_data WHERE created_at >= ?`, cutoff,
		).Scan(&count); err != nil {
			return nil, fmt.Errorf("failed to count snapshots: %w", err)
		}
		if count == 0 {
			return nil, nil
		}
		return &MarketAnalytics{Symbol: "all", PeriodDays: days, Records: count}, nil
	}

	rows, err := s.db.Query(`
		SELECT kline_data, funding_rate FROM market_data
		WHERE symbol = ? AND created_at >= ?
		ORDER BY created_at DESC`, symbol, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots for %s: %w", symbol, err)
	}
	defer rows.Close()

	result := &MarketAnalytics{Symbol: symbol, PeriodDays: days}
	var prices []float64
	var fundingRates []float64

	for rows.Next() {
		var data string
		var funding *float64
		if err := rows.Scan(&data, &funding); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot row: %w", err)
		}
		result.Records++

		var klines []market.Kline
		if err := json.Unmarshal([]byte(data), &klines); err != nil {
			s.log.Warn().Err(err).Str("symbol", symbol).Msg("corrupt snapshot row, skipping")
			continue
		}
		if len(klines) > 0 {
			prices = append(prices, klines[len(klines)-1].Close)
		}
		if funding != nil {
			fundingRates = append(fundingRates, *funding)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate snapshot rows: %w", err)
	}

	if result.Records == 0 {
		return nil, nil
	}

	if len(prices) > 0 {
		sum, max, min := prices[0], prices[0], prices[0]
		for _, p := range prices[1:] {
			sum += p
			if p > max {
				max = p
			}
			if p < min {
				min = p
			}
		}
		avg := sum / float64(len(prices))
		volatility := 0.0
		if avg > 0 {
			volatility = (max - min) / avg * 100
		}
		result.Price = &PriceSummary{
			Avg:        roundTo(avg, 2),
			Max:        roundTo(max, 2),
			Min:        roundTo(min, 2),
			Volatility: roundTo(volatility, 2),
		}
	}

	if len(fundingRates) > 0 {
		sum, max, min := fundingRates[0], fundingRates[0], fundingRates[0]
		for _, r := range fundingRates[1:] {
			sum += r
			if r > max {
				max = r
			}
			if r < min {
				min = r
			}
		}
		result.Funding = &FundingSummary{
			Avg: roundTo(sum/float64(len(fundingRates)), 6),
			Max: roundTo(max, 6),
			Min: roundTo(min, 6),
		}
	}

	return result, nil
}
