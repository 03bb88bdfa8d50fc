// Package storage assembles the persistence backends used by the server.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/haasonsaas/threadgate/internal/approvals"
	"github.com/haasonsaas/threadgate/internal/automations"
	"github.com/haasonsaas/threadgate/internal/jobs"
	"github.com/haasonsaas/threadgate/internal/streams"
	"github.com/haasonsaas/threadgate/internal/threads"
)

// StoreSet groups storage dependencies.
type StoreSet struct {
	Threads     threads.Store
	Streams     streams.Store
	Jobs        jobs.Queue
	Approvals   approvals.Store
	Automations automations.Store
	closer      func() error
}

// Close closes any underlying resources.
func (s StoreSet) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

// NewMemoryStores returns process-local stores. Nothing survives a restart.
func NewMemoryStores() StoreSet {
	return StoreSet{
		Threads:     threads.NewMemoryStore(),
		Streams:     streams.NewMemoryStore(),
		Jobs:        jobs.NewMemoryQueue(),
		Approvals:   approvals.NewMemoryStore(),
		Automations: automations.NewMemoryStore(),
	}
}

// CockroachConfig configures connection pooling for CockroachDB.
type CockroachConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultCockroachConfig returns default connection pool settings.
func DefaultCockroachConfig() *CockroachConfig {
	return &CockroachConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 2 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// Open dials the database and verifies it answers a ping.
func Open(dsn string, config *CockroachConfig) (*sql.DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	if config == nil {
		config = DefaultCockroachConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	timeout := config.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// NewCockroachStores builds every store over an existing pool. Closing the
// set closes db.
func NewCockroachStores(db *sql.DB) StoreSet {
	return StoreSet{
		Threads:     threads.NewCockroachStore(db),
		Streams:     streams.NewCockroachStore(db),
		Jobs:        jobs.NewCockroachQueue(db),
		Approvals:   approvals.NewCockroachStore(db),
		Automations: automations.NewCockroachStore(db),
		closer:      db.Close,
	}
}

// NewCockroachStoresFromDSN creates Cockroach-backed stores using a DSN.
func NewCockroachStoresFromDSN(dsn string, config *CockroachConfig) (StoreSet, error) {
	db, err := Open(dsn, config)
	if err != nil {
		return StoreSet{}, err
	}
	return NewCockroachStores(db), nil
}
