package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"vanta/analysis"
)

// HistoryEntry one append-only analysis record, optionally annotated
// with a realized outcome. Hit is nil until someone marks the call.
type HistoryEntry struct {
	ID           int64           `json:"id"`
	Symbol       string          `json:"symbol"`
	AnalysisData json.RawMessage `json:"analysis_data"`
	CreatedAt    int64           `json:"created_at"`
	Hit          *int64          `json:"hit"`
	PnL          *float64        `json:"pnl"`
}

// WinRateStats aggregate outcome statistics over annotated history rows
type WinRateStats struct {
	Total      int     `json:"total"`
	Wins       int     `json:"wins"`
	Losses     int     `json:"losses"`
	WinRatePct float64 `json:"win_rate"`
	AvgPnL     float64 `json:"avg_pnl"`
}

// RecentWithin returns the newest history row for symbol no older than
// window, regardless of current-cache state. This is the degraded-mode
// fallback when the current analysis has expired or refresh failed.
func (s *Store) RecentWithin(symbol string, window time.Duration) (*analysis.Payload, error) {
	if symbol == "" {
		return nil, nil
	}
	now := s.now().Unix()
	cutoff := now - int64(window.Seconds())

	var data string
	var createdAt int64
	err := s.db.QueryRow(`
		SELECT analysis_data, created_at FROM analysis_history
		WHERE symbol = ? AND created_at >= ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, symbol, cutoff,
	).Scan(&data, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read recent history for %s: %w", symbol, err)
	}

	var p analysis.Payload
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		s.log.Warn().Err(err).Str("symbol", symbol).Msg("corrupt history payload")
		return nil, nil
	}

	remaining := window.Seconds() - float64(now-createdAt)
	if remaining < 0 {
		remaining = 0
	}
	p.RemainingTTL = remaining
	p.FromHistory = true
	return &p, nil
}

// MarkOutcome annotates one history row with hit/miss and optional pnl.
// Returns false if no row matched the id.
func (s *Store) MarkOutcome(historyID int64, hit bool, pnl *float64) (bool, error) {
	hitVal := 0
	if hit {
		hitVal = 1
	}
	res, err := s.db.Exec(`
		UPDATE analysis_history SET hit = ?, pnl = ? WHERE id = ?`,
		hitVal, pnl, historyID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark outcome for history %d: %w", historyID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check mark result: %w", err)
	}
	return n > 0, nil
}

// History lists history rows newest first. Empty symbol means all
// symbols; limit <= 0 means unbounded.
func (s *Store) History(symbol string, limit int) ([]HistoryEntry, error) {
	query := `
		SELECT id, symbol, analysis_data, created_at, hit, pnl
		FROM analysis_history`
	args := []interface{}{}
	if symbol != "" {
		query += ` WHERE symbol = ?`
		args = append(args, symbol)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var data string
		if err := rows.Scan(&e.ID, &e.Symbol, &data, &e.CreatedAt, &e.Hit, &e.PnL); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		e.AnalysisData = json.RawMessage(data)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate history rows: %w", err)
	}
	return entries, nil
}

// WinRate aggregates outcomes over the most recent annotated rows.
// Empty symbol spans all symbols; limit <= 0 means unbounded. No
// annotated rows yields an all-zero result, not an error.
func (s *Store) WinRate(symbol string, limit int) (WinRateStats, error) {
	query := `
		SELECT hit, pnl FROM analysis_history
		WHERE hit IS NOT NULL`
	args := []interface{}{}
	if symbol != "" {
		query = `
		SELECT hit, pnl FROM analysis_history
		WHERE symbol = ? AND hit IS NOT NULL`
		args = append(args, symbol)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return WinRateStats{}, fmt.Errorf("failed to query win rate: %w", err)
	}
	defer rows.Close()

	var stats WinRateStats
	var pnlSum float64
	var pnlCount int
	for rows.Next() {
		var hit int64
		var pnl *float64
		if err := rows.Scan(&hit, &pnl); err != nil {
			return WinRateStats{}, fmt.Errorf("failed to scan win rate row: %w", err)
		}
		stats.Total++
		if hit == 1 {
			stats.Wins++
		}
		if pnl != nil {
			pnlSum += *pnl
			pnlCount++
		}
	}
	if err := rows.Err(); err != nil {
		return WinRateStats{}, fmt.Errorf("failed to iterate win rate rows: %w", err)
	}

	if stats.Total == 0 {
		return stats, nil
	}
	stats.Losses = stats.Total - stats.Wins
	stats.WinRatePct = roundTo(float64(stats.Wins)/float64(stats.Total)*100, 1)
	if pnlCount > 0 {
		stats.AvgPnL = roundTo(pnlSum/float64(pnlCount), 2)
	}
	return stats, nil
}

// Symbols returns the distinct symbols present in history, sorted
func (s *Store) Symbols() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT symbol FROM analysis_history ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("failed to list symbols: %w", err)
	}
	defer rows.Close()

	var symbols []string
	for rows.Next() {
		var symbol string
		if err := rows.Scan(&symbol); err != nil {
			return nil, fmt.Errorf("failed to scan symbol: %w", err)
		}
		symbols = append(symbols, symbol)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate symbols: %w", err)
	}
	return symbols, nil
}
