package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is the server-grade implementation of CoordinatorStore and
// EnvironmentStore, for production deployments where the Coordinator and
// Environment run as separate processes (or a fleet of each) against one
// shared database.
//
// Tuned the way graph/store.MySQLStore is tuned: a pooled connection with
// bounded lifetime, InnoDB/utf8mb4 tables, JSON columns for opaque blobs.
type MySQLStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLStore opens a connection pool against dsn and ensures the schema
// exists. dsn follows the go-sql-driver/mysql DSN format, e.g.
// "user:pass@tcp(host:3306)/runtara?parseTime=true".
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return s, nil
}

func (s *MySQLStore) createTables(ctx context.Context) error {
	const engine = `ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS instances (
			instance_id VARCHAR(255) PRIMARY KEY,
			tenant_id VARCHAR(255) NOT NULL,
			status VARCHAR(32) NOT NULL,
			checkpoint_id VARCHAR(255) NOT NULL DEFAULT '',
			attempt INT NOT NULL DEFAULT 0,
			max_attempts INT NOT NULL DEFAULT 0,
			image_id VARCHAR(255) NOT NULL DEFAULT '',
			created_at TIMESTAMP(6) NOT NULL,
			started_at TIMESTAMP(6) NULL,
			finished_at TIMESTAMP(6) NULL,
			output LONGBLOB NULL,
			error TEXT NOT NULL,
			INDEX idx_instances_tenant_status (tenant_id, status)
		) ` + engine,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			instance_id VARCHAR(255) NOT NULL,
			checkpoint_id VARCHAR(255) NOT NULL,
			state LONGBLOB NOT NULL,
			idempotency_key VARCHAR(255) NOT NULL DEFAULT '',
			created_at TIMESTAMP(6) NOT NULL,
			seq BIGINT NOT NULL,
			PRIMARY KEY (instance_id, checkpoint_id),
			UNIQUE KEY uniq_checkpoints_idempotency (idempotency_key),
			INDEX idx_checkpoints_instance_seq (instance_id, seq)
		) ` + engine,
		`CREATE TABLE IF NOT EXISTS events (
			id BIGINT AUTO_INCREMENT PRIMARY KEY,
			instance_id VARCHAR(255) NOT NULL,
			event_type VARCHAR(32) NOT NULL,
			checkpoint_id VARCHAR(255) NOT NULL DEFAULT '',
			payload LONGBLOB NULL,
			created_at TIMESTAMP(6) NOT NULL,
			INDEX idx_events_instance_type (instance_id, event_type)
		) ` + engine,
		`CREATE TABLE IF NOT EXISTS signals (
			instance_id VARCHAR(255) PRIMARY KEY,
			signal_type VARCHAR(32) NOT NULL,
			payload LONGBLOB NULL,
			created_at TIMESTAMP(6) NOT NULL,
			acknowledged_at TIMESTAMP(6) NULL
		) ` + engine,
		`CREATE TABLE IF NOT EXISTS custom_signals (
			instance_id VARCHAR(255) NOT NULL,
			checkpoint_id VARCHAR(255) NOT NULL,
			payload LONGBLOB NULL,
			created_at TIMESTAMP(6) NOT NULL,
			PRIMARY KEY (instance_id, checkpoint_id)
		) ` + engine,
		`CREATE TABLE IF NOT EXISTS wakes (
			instance_id VARCHAR(255) NOT NULL,
			checkpoint_id VARCHAR(255) NOT NULL,
			wake_at TIMESTAMP(6) NOT NULL,
			created_at TIMESTAMP(6) NOT NULL,
			PRIMARY KEY (instance_id, checkpoint_id),
			INDEX idx_wakes_wake_at (wake_at)
		) ` + engine,
		`CREATE TABLE IF NOT EXISTS images (
			image_id VARCHAR(255) PRIMARY KEY,
			tenant_id VARCHAR(255) NOT NULL,
			name VARCHAR(255) NOT NULL,
			binary_path TEXT NOT NULL,
			bundle_path TEXT NOT NULL,
			runner_type VARCHAR(32) NOT NULL,
			metadata JSON NOT NULL,
			created_at TIMESTAMP(6) NOT NULL,
			INDEX idx_images_tenant (tenant_id)
		) ` + engine,
		`CREATE TABLE IF NOT EXISTS containers (
			instance_id VARCHAR(255) PRIMARY KEY,
			handle_id VARCHAR(255) NOT NULL,
			started_at TIMESTAMP(6) NOT NULL,
			binary_path TEXT NOT NULL,
			bundle_path TEXT NOT NULL,
			timeout_ns BIGINT NOT NULL DEFAULT 0,
			pid INT NOT NULL DEFAULT 0,
			last_event_at TIMESTAMP(6) NOT NULL,
			INDEX idx_containers_last_event (last_event_at)
		) ` + engine,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *MySQLStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

func (s *MySQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Ping verifies the database connection is alive.
func (s *MySQLStore) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

func (s *MySQLStore) DB() *sql.DB { return s.db }
