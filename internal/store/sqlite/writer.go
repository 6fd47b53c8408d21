// Package sqlite keeps the last good instrument universe in a local SQLite
// file so a cold start can serve lookups while the scrip master is down.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"marketdata-engine/internal/model"
)

const defaultBatchSize = 5000

// Config configures the snapshot store.
type Config struct {
	DBPath string // path to SQLite database file, e.g. "data/instruments.db"
}

// Store is a model.SnapshotStore backed by SQLite.
type Store struct {
	db  *sql.DB
	log *slog.Logger
	now func() time.Time
}

var _ model.SnapshotStore = (*Store)(nil)

// DB returns the underlying sql.DB for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// Open opens (or creates) the database with WAL mode and the snapshot schema.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Set connection pool for single-writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	log := logger.With("component", "sqlite")
	log.Info("opened snapshot database", "path", cfg.DBPath)
	return &Store{db: db, log: log, now: time.Now}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS instruments (
			exchange        TEXT    NOT NULL,
			token           TEXT    NOT NULL,
			symbol          TEXT    NOT NULL,
			name            TEXT    NOT NULL,
			instrument_type TEXT    NOT NULL,
			lot_size        INTEGER NOT NULL,
			expiry          TEXT,
			strike          REAL,
			tick_size       REAL,
			PRIMARY KEY (exchange, token)
		);

		CREATE TABLE IF NOT EXISTS snapshot_meta (
			id       INTEGER PRIMARY KEY CHECK (id = 1),
			saved_at INTEGER NOT NULL,
			count    INTEGER NOT NULL
		);
	`)
	return err
}

// SaveInstruments replaces the stored universe in a single transaction, so
// a reader never sees a half-written snapshot.
func (s *Store) SaveInstruments(ctx context.Context, instruments []model.Instrument) error {
	start := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM instruments`); err != nil {
		return fmt.Errorf("sqlite clear instruments: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO instruments
			(exchange, token, symbol, name, instrument_type, lot_size, expiry, strike, tick_size)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i, in := range instruments {
		if i > 0 && i%defaultBatchSize == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if _, err := stmt.ExecContext(ctx, in.Exchange, in.Token, in.Symbol, in.Name, in.InstrumentType,
			in.LotSize, in.Expiry, in.Strike, in.TickSize); err != nil {
			return fmt.Errorf("sqlite insert %s:%s: %w", in.Exchange, in.Token, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO snapshot_meta (id, saved_at, count) VALUES (1, ?, ?)`,
		s.now().UnixMilli(), len(instruments),
	); err != nil {
		return fmt.Errorf("sqlite snapshot meta: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	s.log.Info("snapshot saved", "instruments", len(instruments), "elapsed", time.Since(start))
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
