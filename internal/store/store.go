// Package store provides the lazily opened database handle and placeholder
// dialect shared by the cache manager and the query façade.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/168iroha/tag-search-engine/pkg/postgres"
)

// Dialect selects the placeholder style of the target database.
type Dialect int

const (
	// DialectPostgres rewrites ? placeholders to $1..$n for lib/pq.
	DialectPostgres Dialect = iota
	// DialectSQLite keeps ? placeholders as-is (used by the test suite).
	DialectSQLite
)

// Rebind converts a ?-style query into the dialect's placeholder form.
func (d Dialect) Rebind(query string) string {
	if d == DialectPostgres {
		return postgres.Rebind(query)
	}
	return query
}

// DB wraps a database handle that is opened on first use, so the façade can
// be constructed without eagerly connecting.
type DB struct {
	dialect Dialect
	connect func() (*sql.DB, error)
	once    sync.Once
	db      *sql.DB
	err     error
}

// New returns a DB whose connection is established by connect on the first
// Handle call.
func New(dialect Dialect, connect func() (*sql.DB, error)) *DB {
	return &DB{dialect: dialect, connect: connect}
}

// NewFromDB wraps an already opened handle. Used by tests.
func NewFromDB(dialect Dialect, db *sql.DB) *DB {
	return &DB{dialect: dialect, connect: func() (*sql.DB, error) { return db, nil }}
}

// Handle returns the underlying handle, connecting on first use. The result
// of the first attempt, success or failure, is memoized.
func (s *DB) Handle() (*sql.DB, error) {
	s.once.Do(func() {
		s.db, s.err = s.connect()
	})
	if s.err != nil {
		return nil, fmt.Errorf("opening database: %w", s.err)
	}
	return s.db, nil
}

// Close closes the handle if it was ever opened.
func (s *DB) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Dialect returns the placeholder dialect.
func (s *DB) Dialect() Dialect {
	return s.dialect
}

// Rebind converts a ?-style query into the dialect's placeholder form.
func (s *DB) Rebind(query string) string {
	return s.dialect.Rebind(query)
}

// InTx runs fn inside a transaction, committing on success and rolling back
// on error.
func (s *DB) InTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	db, err := s.Handle()
	if err != nil {
		return err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("rolling back transaction after error %v: %w", rbErr, err)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}
