// Package storage is the snapshot persistence boundary: it round-trips
// (record, expiry) tuples between the record store and a SQLite file so
// a restart can be seeded with the previous cache contents.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"burrow/pkg/cache"
	"burrow/pkg/config"
	"burrow/pkg/logging"

	"github.com/miekg/dns"
	_ "modernc.org/sqlite"
)

// Store is the snapshot contract: Load seeds a store on startup, Save
// persists one on shutdown. The only guarantee is round-trip fidelity
// of (record, expiry) tuples.
type Store interface {
	Load(ctx context.Context) ([]cache.Record, error)
	Save(ctx context.Context, records []cache.Record) error
	Close() error
}

const schema = `
CREATE TABLE IF NOT EXISTS records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	rr TEXT NOT NULL,
	expires_at INTEGER NOT NULL
);
`

// SQLiteStore implements Store using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *logging.Logger
	mu     sync.Mutex
	closed bool
}

// NewSQLiteStore opens (or creates) the snapshot database
func NewSQLiteStore(cfg *config.SnapshotConfig, logger *logging.Logger) (*SQLiteStore, error) {
	if cfg == nil || cfg.Path == "" {
		return nil, ErrInvalidConfig
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	// SQLite works best with a single connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout),
		"PRAGMA synchronous = NORMAL",
	}
	if cfg.WALMode {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{db: db, logger: logger}, nil
}

// Load reads the previous snapshot, skipping records that expired
// since it was written and records that no longer parse
func (s *SQLiteStore) Load(ctx context.Context) ([]cache.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `SELECT rr, expires_at FROM records ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	defer rows.Close()

	now := time.Now()
	var records []cache.Record

	for rows.Next() {
		var text string
		var expiresAt int64
		if err := rows.Scan(&text, &expiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot row: %w", err)
		}

		expiry := time.Unix(expiresAt, 0)
		if !expiry.After(now) {
			continue
		}

		rr, err := dns.NewRR(text)
		if err != nil || rr == nil {
			s.logger.Warn("Skipping unparseable snapshot record", "rr", text, "error", err)
			continue
		}

		records = append(records, cache.Record{RR: rr, ExpiresAt: expiry})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	return records, nil
}

// Save replaces the snapshot with the given records atomically
func (s *SQLiteStore) Save(ctx context.Context, records []cache.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin snapshot transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM records`); err != nil {
		return fmt.Errorf("failed to clear previous snapshot: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO records (rr, expires_at) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare snapshot insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		if rec.RR == nil {
			continue
		}
		if _, err := stmt.ExecContext(ctx, rec.RR.String(), rec.ExpiresAt.Unix()); err != nil {
			return fmt.Errorf("failed to write snapshot record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}

	s.logger.Info("Cache snapshot saved", "records", len(records))
	return nil
}

// Close closes the snapshot database
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
