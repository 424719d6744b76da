// Package store is the single owner of all persistent state. Every other
// component reads and mutates queue jobs, templates, schedules, history,
// and heartbeats exclusively through this repository.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/ignite/mailqueue/internal/domain"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when an optimistic status transition loses
	// the race (the row moved since it was read).
	ErrConflict = errors.New("store: status conflict")

	// ErrProtected is returned when deleting a system template.
	ErrProtected = errors.New("store: system row is protected")
)

// Store is the PostgreSQL-backed repository. Safe for concurrent use;
// every method takes its own context and runs a single statement or
// transaction.
type Store struct {
	db        *sql.DB
	opTimeout time.Duration
}

// Open connects to PostgreSQL and verifies the connection.
func Open(databaseURL string, maxOpen, maxIdle int, opTimeout time.Duration) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return New(db, opTimeout), nil
}

// New wraps an existing connection pool. Used by tests with sqlmock.
func New(db *sql.DB, opTimeout time.Duration) *Store {
	if opTimeout <= 0 {
		opTimeout = 10 * time.Second
	}
	return &Store{db: db, opTimeout: opTimeout}
}

// DB exposes the underlying pool for health probes and advisory locks.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// opCtx derives the per-operation timeout context.
func (s *Store) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

// Ping runs the liveness probe used by the health monitor: a bare SELECT 1
// for connectivity plus a queued-count so the probe timing covers real
// table access, not just the wire round trip.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := s.opCtx(ctx)
	defer cancel()
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return err
	}
	var queued int64
	return s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM email_queue WHERE status = $1",
		domain.StatusQueued).Scan(&queued)
}
