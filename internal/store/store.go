package store

import (
	"context"
	"fmt"
	"time"

	"farm-ledger/internal/util"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

func init() {
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// Store is the SQL journal and read model fed by the projector
type Store struct {
	db     *sqlx.DB
	driver string
}

// NewStore creates a new database store
func NewStore(driver, databaseURL string) (*Store, error) {
	db, err := sqlx.Connect(driver, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if driver == DriverSQLite {
		// a single connection keeps an in-memory database alive and serialises writers
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db, driver: driver}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate creates the schema if it does not exist
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// Reset empties the journal and the read model
func (s *Store) Reset(ctx context.Context) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		for _, table := range tables {
			if _, err := tx.tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("failed to reset %s: %w", table, err)
			}
		}
		return nil
	})
}

var tables = []string{"ledger_events", "farmers", "products", "withdrawals", "processed_events"}

// WithTx runs fn in a transaction, committing when it returns nil
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	ctx, span := util.StartSpan(ctx, "Store.WithTx")
	defer span.End()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&Tx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

// amounts are stored as decimal text so the full uint64 range survives on every driver
var schema = []string{
	`CREATE TABLE IF NOT EXISTS ledger_events (
		sequence   BIGINT PRIMARY KEY,
		event_id   TEXT NOT NULL UNIQUE,
		event_type TEXT NOT NULL,
		tx_hash    TEXT NOT NULL,
		height     BIGINT NOT NULL,
		payload    TEXT NOT NULL,
		created_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_events_type ON ledger_events (event_type)`,
	`CREATE TABLE IF NOT EXISTS farmers (
		address       TEXT PRIMARY KEY,
		product_count BIGINT NOT NULL DEFAULT 0,
		pending       TEXT NOT NULL DEFAULT '0',
		withdrawn     TEXT NOT NULL DEFAULT '0',
		earned        TEXT NOT NULL DEFAULT '0',
		joined_at     BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS products (
		id         BIGINT PRIMARY KEY,
		owner      TEXT NOT NULL,
		price      TEXT NOT NULL,
		stock      TEXT NOT NULL,
		sold       TEXT NOT NULL DEFAULT '0',
		updated_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_products_owner ON products (owner)`,
	`CREATE TABLE IF NOT EXISTS withdrawals (
		event_id TEXT PRIMARY KEY,
		owner    TEXT NOT NULL,
		amount   TEXT NOT NULL,
		tx_hash  TEXT NOT NULL,
		sequence BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS processed_events (
		event_id     TEXT PRIMARY KEY,
		event_type   TEXT NOT NULL,
		processed_at BIGINT NOT NULL
	)`,
}
