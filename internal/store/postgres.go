// Package store is the typed access layer over the five collections and the
// lock singleton from spec §3, realized as Postgres tables (see
// SPEC_FULL.md §STORAGE LAYOUT). Open mirrors the teacher's db_client.Open:
// build a DSN, open a pooled connection, verify it with Ping.
package store

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

type Store struct {
	db *sql.DB
}

// Open connects to Postgres at dsn, applies the embedded schema and returns
// a ready-to-use Store. dsn is whatever the MONGO_URL config field carries —
// see DESIGN.md's Open Question on that name.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetConnMaxIdleTime(time.Minute)

	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	if err := Migrate(ctx, db); err != nil {
		return nil, err
	}
	zap.L().Debug("store opened")
	return &Store{db: db}, nil
}

// NewWithDB wraps an already-open *sql.DB without pinging or migrating —
// used by tests to inject a sqlmock-backed database.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying *sql.DB for components (audit) that only ever
// need read-only aggregate queries and don't need the retry/predicate
// machinery WithTxn provides.
func (s *Store) DB() *sql.DB { return s.db }
