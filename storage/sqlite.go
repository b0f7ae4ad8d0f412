package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a single-file, embedded implementation of CoordinatorStore
// and EnvironmentStore, for development and single-node deployments where
// the Coordinator and Environment share one process or one disk.
//
// It uses WAL mode for concurrent reads and a single writer connection, the
// same tuning graph/store.SQLiteStore applies.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteStore opens (creating if necessary) a SQLite-backed store at
// path. Use ":memory:" for an ephemeral database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite connection: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS instances (
			instance_id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			status TEXT NOT NULL,
			checkpoint_id TEXT NOT NULL DEFAULT '',
			attempt INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 0,
			image_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP NULL,
			finished_at TIMESTAMP NULL,
			output BLOB NULL,
			error TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_instances_tenant_status ON instances(tenant_id, status)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			instance_id TEXT NOT NULL,
			checkpoint_id TEXT NOT NULL,
			state BLOB NOT NULL,
			idempotency_key TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			seq INTEGER NOT NULL,
			PRIMARY KEY (instance_id, checkpoint_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_checkpoints_instance_seq ON checkpoints(instance_id, seq)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_checkpoints_idempotency ON checkpoints(idempotency_key) WHERE idempotency_key <> ''`,
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			instance_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			checkpoint_id TEXT NOT NULL DEFAULT '',
			payload BLOB NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_instance_type ON events(instance_id, event_type)`,
		`CREATE TABLE IF NOT EXISTS signals (
			instance_id TEXT PRIMARY KEY,
			signal_type TEXT NOT NULL,
			payload BLOB NULL,
			created_at TIMESTAMP NOT NULL,
			acknowledged_at TIMESTAMP NULL
		)`,
		`CREATE TABLE IF NOT EXISTS custom_signals (
			instance_id TEXT NOT NULL,
			checkpoint_id TEXT NOT NULL,
			payload BLOB NULL,
			created_at TIMESTAMP NOT NULL,
			PRIMARY KEY (instance_id, checkpoint_id)
		)`,
		`CREATE TABLE IF NOT EXISTS wakes (
			instance_id TEXT NOT NULL,
			checkpoint_id TEXT NOT NULL,
			wake_at TIMESTAMP NOT NULL,
			created_at TIMESTAMP NOT NULL,
			PRIMARY KEY (instance_id, checkpoint_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_wakes_wake_at ON wakes(wake_at)`,
		`CREATE TABLE IF NOT EXISTS images (
			image_id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			name TEXT NOT NULL,
			binary_path TEXT NOT NULL,
			bundle_path TEXT NOT NULL DEFAULT '',
			runner_type TEXT NOT NULL,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_images_tenant ON images(tenant_id)`,
		`CREATE TABLE IF NOT EXISTS containers (
			instance_id TEXT PRIMARY KEY,
			handle_id TEXT NOT NULL,
			started_at TIMESTAMP NOT NULL,
			binary_path TEXT NOT NULL,
			bundle_path TEXT NOT NULL DEFAULT '',
			timeout_ns INTEGER NOT NULL DEFAULT 0,
			pid INTEGER NOT NULL DEFAULT 0,
			last_event_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_containers_last_event ON containers(last_event_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Path returns the database file path, for logging and health checks.
func (s *SQLiteStore) Path() string { return s.path }

func (s *SQLiteStore) DB() *sql.DB { return s.db }
