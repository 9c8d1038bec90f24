package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"vanta/analysis"
)

// SetAnalysis replaces the current analysis for symbol and appends the
// same payload to the history log, trimming history to the most recent
// rows globally. The upsert, the append and the trim commit together.
func (s *Store) SetAnalysis(symbol string, p *analysis.Payload) error {
	if symbol == "" || p == nil {
		return errors.New("invalid input: empty symbol or nil payload")
	}

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to serialize payload for %s: %w", symbol, err)
	}
	now := s.now().Unix()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`
		INSERT OR REPLACE INTO analysis_cache (symbol, analysis_data, created_at)
		VALUES (?, ?, ?)`,
		symbol, string(data), now,
	); err != nil {
		return fmt.Errorf("failed to upsert analysis for %s: %w", symbol, err)
	}

	if _, err := tx.Exec(`
		INSERT INTO analysis_history (symbol, analysis_data, created_at)
		VALUES (?, ?, ?)`,
		symbol, string(data), now,
	); err != nil {
		return fmt.Errorf("failed to append history for %s: %w", symbol, err)
	}

	// Global cap, not per-symbol
	if _, err := tx.Exec(`
		DELETE FROM analysis_history
		WHERE id NOT IN (
			SELECT id FROM analysis_history
			ORDER BY created_at DESC, id DESC
			LIMIT ?
		)`, s.historyCap,
	); err != nil {
		return fmt.Errorf("failed to trim history: %w", err)
	}

	return tx.Commit()
}

// GetAnalysis returns the current analysis for symbol, or (nil, nil) if
// nothing valid is cached. Expired and corrupt rows are deleted on the
// way out. A valid payload is stamped with its remaining TTL.
func (s *Store) GetAnalysis(symbol string) (*analysis.Payload, error) {
	if symbol == "" {
		return nil, nil
	}

	var data string
	var createdAt int64
	err := s.db.QueryRow(`
		SELECT analysis_data, created_at FROM analysis_cache
		WHERE symbol = ?`, symbol,
	).Scan(&data, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read analysis for %s: %w", symbol, err)
	}

	age := s.now().Unix() - createdAt
	if float64(age) > s.ttl.Seconds() {
		s.deleteCurrentQuiet(symbol)
		return nil, nil
	}

	var p analysis.Payload
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		// Corrupt rows are as good as absent; drop them
		s.log.Warn().Err(err).Str("symbol", symbol).Msg("corrupt cached payload, deleting")
		s.deleteCurrentQuiet(symbol)
		return nil, nil
	}

	p.RemainingTTL = s.ttl.Seconds() - float64(age)
	return &p, nil
}

// IsValid reports whether a non-expired current analysis exists for
// symbol, deleting the row if it has expired (lazy GC).
func (s *Store) IsValid(symbol string) bool {
	var createdAt int64
	err := s.db.QueryRow(`
		SELECT created_at FROM analysis_cache
		WHERE symbol = ?`, symbol,
	).Scan(&createdAt)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			s.log.Warn().Err(err).Str("symbol", symbol).Msg("failed to check cache validity")
		}
		return false
	}

	if float64(s.now().Unix()-createdAt) > s.ttl.Seconds() {
		s.deleteCurrentQuiet(symbol)
		return false
	}
	return true
}

// DeleteAnalysis removes the current analysis for symbol
func (s *Store) DeleteAnalysis(symbol string) error {
	if _, err := s.db.Exec(`DELETE FROM analysis_cache WHERE symbol = ?`, symbol); err != nil {
		return fmt.Errorf("failed to delete analysis for %s: %w", symbol, err)
	}
	return nil
}

// ClearAll wipes the whole current-analysis table. History is untouched.
func (s *Store) ClearAll() error {
	if _, err := s.db.Exec(`DELETE FROM analysis_cache`); err != nil {
		return fmt.Errorf("failed to clear analysis cache: %w", err)
	}
	return nil
}

// AllValid scans the current table, drops every expired or corrupt row
// found, and returns the valid payloads keyed by symbol with their
// remaining TTL attached.
func (s *Store) AllValid() (map[string]*analysis.Payload, error) {
	rows, err := s.db.Query(`SELECT symbol, analysis_data, created_at FROM analysis_cache`)
	if err != nil {
		return nil, fmt.Errorf("failed to scan analysis cache: %w", err)
	}
	defer rows.Close()

	now := s.now().Unix()
	valid := make(map[string]*analysis.Payload)
	var stale []string

	for rows.Next() {
		var symbol, data string
		var createdAt int64
		if err := rows.Scan(&symbol, &data, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan cache row: %w", err)
		}

		age := now - createdAt
		if float64(age) > s.ttl.Seconds() {
			stale = append(stale, symbol)
			continue
		}

		var p analysis.Payload
		if err := json.Unmarshal([]byte(data), &p); err != nil {
			s.log.Warn().Err(err).Str("symbol", symbol).Msg("corrupt cached payload, deleting")
			stale = append(stale, symbol)
			continue
		}
		p.RemainingTTL = s.ttl.Seconds() - float64(age)
		valid[symbol] = &p
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate cache rows: %w", err)
	}

	for _, symbol := range stale {
		s.deleteCurrentQuiet(symbol)
	}

	return valid, nil
}

func (s *Store) deleteCurrentQuiet(symbol string) {
	if _, err := s.db.Exec(`DELETE FROM analysis_cache WHERE symbol = ?`, symbol); err != nil {
		s.log.Warn().Err(err).Str("symbol", symbol).Msg("failed to delete stale cache row")
	}
}
