// Package storage provides persistent storage using SQLite.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// DatabaseFile is the name of the database inside the data directory.
const DatabaseFile = "swaps.db"

// Storage persists swaps and their transactions. It implements
// swap.Repository.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Config holds storage configuration.
type Config struct {
	DataDir string
}

// New creates a new Storage instance.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)

	// Ensure directory exists
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DatabaseFile)

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{
		db:     db,
		dbPath: dbPath,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Storage) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *Storage) Path() string {
	return s.dbPath
}

// initSchema creates all database tables.
func (s *Storage) initSchema() error {
	schema := `
	-- One row per swap, rewritten on every flag change
	CREATE TABLE IF NOT EXISTS swaps (
		id TEXT PRIMARY KEY,
		symbol TEXT NOT NULL,
		party_symbol TEXT NOT NULL,
		role TEXT NOT NULL,

		amount INTEGER NOT NULL,
		party_amount INTEGER NOT NULL,
		reward_for_redeem INTEGER NOT NULL DEFAULT 0,
		party_reward_for_redeem INTEGER NOT NULL DEFAULT 0,

		-- Hex encoded. The secret stays empty until known.
		secret TEXT,
		secret_hash TEXT NOT NULL,

		to_address TEXT NOT NULL,
		refund_address TEXT NOT NULL,
		key_path TEXT,
		redeem_address TEXT NOT NULL,
		redeem_key_path TEXT,
		party_address TEXT NOT NULL,

		time_stamp INTEGER NOT NULL,
		lock_time INTEGER NOT NULL,
		party_lock_time INTEGER NOT NULL,

		state_flags INTEGER NOT NULL DEFAULT 0,
		terminal INTEGER NOT NULL DEFAULT 0,

		payment_txid TEXT,
		party_payment_txid TEXT,
		redeem_txid TEXT,
		refund_txid TEXT,
		party_redeem_txid TEXT,

		last_redeem_try_at INTEGER,
		last_refund_try_at INTEGER,

		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_swaps_terminal ON swaps(terminal);
	CREATE INDEX IF NOT EXISTS idx_swaps_secret_hash ON swaps(secret_hash);

	-- Transactions created by swaps. raw keeps the signed payload so a
	-- broadcast can be repeated after restart.
	CREATE TABLE IF NOT EXISTS transactions (
		symbol TEXT NOT NULL,
		id TEXT NOT NULL,
		swap_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		raw TEXT,
		confirmed INTEGER NOT NULL DEFAULT 0,
		block_height INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,

		PRIMARY KEY (symbol, id),
		FOREIGN KEY (swap_id) REFERENCES swaps(id)
	);

	CREATE INDEX IF NOT EXISTS idx_transactions_swap ON transactions(swap_id);
	CREATE INDEX IF NOT EXISTS idx_transactions_confirmed ON transactions(confirmed);
	`

	_, err := s.db.Exec(schema)
	return err
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

func timeToUnixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func unixOrZeroToTime(v int64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(v, 0)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
