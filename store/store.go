package store

import (
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS analysis_cache (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	symbol TEXT UNIQUE NOT NULL,
	analysis_data TEXT NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cache_symbol ON analysis_cache(symbol);
CREATE INDEX IF NOT EXISTS idx_cache_created ON analysis_cache(created_at);

CREATE TABLE IF NOT EXISTS analysis_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	symbol TEXT NOT NULL,
	analysis_data TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	hit INTEGER DEFAULT NULL,
	pnl REAL DEFAULT NULL
);
CREATE INDEX IF NOT EXISTS idx_hist_symbol ON analysis_history(symbol);
CREATE INDEX IF NOT EXISTS idx_hist_created ON analysis_history(created_at);

CREATE TABLE IF NOT EXISTS market_data (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	symbol TEXT NOT NULL,
	kline_data TEXT NOT NULL,
	funding_rate REAL DEFAULT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_md_symbol ON market_data(symbol);
CREATE INDEX IF NOT EXISTS idx_md_created ON market_data(created_at);
`

// Config store tuning knobs; zero values fall back to defaults
type Config struct {
	TTL        time.Duration // current-analysis expiry, default 7 days
	HistoryCap int           // global history row cap, default 500
	Retention  time.Duration // raw market-data retention, default 7 days
}

// Store owns the three analysis tables. All methods are safe for
// concurrent use; conflicting writers are serialized by SQLite itself
// (WAL + busy timeout), not by callers.
type Store struct {
	db  *sql.DB
	log zerolog.Logger

	ttl        time.Duration
	historyCap int
	retention  time.Duration

	now func() time.Time
}

// Open opens (creating if needed) the SQLite database at path
func Open(path string, cfg Config, log zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL lets dashboard reads proceed while the background manager
	// writes; busy_timeout covers the remaining write-write contention.
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA synchronous=NORMAL;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	if cfg.TTL <= 0 {
		cfg.TTL = 7 * 24 * time.Hour
	}
	if cfg.HistoryCap <= 0 {
		cfg.HistoryCap = 500
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 7 * 24 * time.Hour
	}

	return &Store{
		db:         db,
		log:        log.With().Str("component", "store").Logger(),
		ttl:        cfg.TTL,
		historyCap: cfg.HistoryCap,
		retention:  cfg.Retention,
		now:        time.Now,
	}, nil
}

// Close closes the underlying database
func (s *Store) Close() error {
	return s.db.Close()
}

// CacheStats summary counts over the current-analysis table
type CacheStats struct {
	TotalRecords   int   `json:"total_records"`
	ValidRecords   int   `json:"valid_records"`
	ExpiredRecords int   `json:"expired_records"`
	TTLSeconds     int64 `json:"ttl_seconds"`
}

// Stats reports how many current records exist and how many are still valid
func (s *Store) Stats() (CacheStats, error) {
	stats := CacheStats{TTLSeconds: int64(s.ttl.Seconds())}

	if err := s.db.QueryRow(`SELECT COUNT(*) FROM analysis_cache`).Scan(&stats.TotalRecords); err != nil {
		return CacheStats{}, fmt.Errorf("failed to count cache records: %w", err)
	}

	cutoff := s.now().Unix() - int64(s.ttl.Seconds())
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM analysis_cache WHERE created_at >= ?`, cutoff).Scan(&stats.ValidRecords); err != nil {
		return CacheStats{}, fmt.Errorf("failed to count valid records: %w", err)
	}

	stats.ExpiredRecords = stats.TotalRecords - stats.ValidRecords
	return stats, nil
}

func roundTo(v float64, places int) float64 {
	factor := math.Pow(10, float64(places))
	return math.Round(v*factor) / factor
}
