// Package store is the durable relational store for pulse records, funnel
// instances and events, plus the read-only collaborator tables the selector
// queries (users, topics, keywords, session activity).
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"proactive-outreach-engine/pkg/metrics"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("store: not found")
	// ErrActiveFunnelExists is returned when a second ACTIVE instance is inserted for a platform user.
	ErrActiveFunnelExists = errors.New("store: active funnel already exists")
	// ErrConflict is returned when a guarded update matched no row because the row moved on.
	ErrConflict = errors.New("store: concurrent update conflict")
)

// Store provides SQLite-backed persistence.
type Store struct {
	db      *sql.DB
	metrics *metrics.Metrics
}

// Open opens (and creates if needed) a SQLite database. ":memory:" yields a
// private in-memory database pinned to a single connection.
func Open(path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("open store: path is empty")
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	if path == ":memory:" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open store: ping: %w", err)
	}
	return db, nil
}

// New returns a Store bound to an existing database handle. metrics may be nil.
func New(db *sql.DB, metrics *metrics.Metrics) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("db is nil")
	}
	return &Store{db: db, metrics: metrics}, nil
}

// Ping checks the database connection.
func (s *Store) Ping() error {
	return s.db.Ping()
}

func (s *Store) observe(operation string, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.StoreOperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
