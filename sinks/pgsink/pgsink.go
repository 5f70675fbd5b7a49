// Package pgsink implements an agent-hosted Sink that batches accepted
// items and COPY-inserts them into Postgres as JSONB rows, grounded on
// internal/infra/persistence/postgres's pool-backed store pattern and
// internal/infra/persistence/migrations' golang-migrate wiring.
package pgsink

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/golang-migrate/migrate/v4"
	pgxmigrate "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // register "pgx" database/sql driver for migrations

	"github.com/flowloop/cortege/core/engine"
	"github.com/flowloop/cortege/core/report"
	"github.com/flowloop/cortege/sinks/pgsink/migrations"
)

var (
	_ engine.Sink           = (*Sink)(nil)
	_ engine.LifecycleAware = (*Sink)(nil)
	_ engine.AgentHosted    = (*Sink)(nil)
	_ engine.Service        = (*Sink)(nil)
)

const table = "dispatched_items"

var columns = []string{"sink_name", "payload", "received_at"}

// Sink accepts arbitrary items, JSON-encodes them, and COPY-inserts
// accumulated batches into the dispatched_items table on each DoWork call.
type Sink struct {
	name     string
	pool     *pgxpool.Pool
	dsn      string
	reporter *report.Hub
	maxBatch int

	mu     sync.Mutex
	buffer []any
}

// Option configures a Sink constructed with New.
type Option func(*Sink)

// WithMaxBatch overrides the default flush-trigger batch size.
func WithMaxBatch(n int) Option {
	return func(s *Sink) {
		if n > 0 {
			s.maxBatch = n
		}
	}
}

// New constructs a Sink named name, backed by pool for COPY inserts and
// dsn for applying the embedded schema migration during Init.
func New(name, dsn string, pool *pgxpool.Pool, hub *report.Hub, opts ...Option) *Sink {
	s := &Sink{name: name, pool: pool, dsn: dsn, reporter: hub, maxBatch: 256}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServiceName implements engine.Service.
func (s *Sink) ServiceName() string { return s.name }

// Init applies the embedded dispatched_items schema migration.
func (s *Sink) Init(ctx context.Context) error {
	db, err := sql.Open("pgx", s.dsn)
	if err != nil {
		return fmt.Errorf("pgsink %s: open migration connection: %w", s.name, err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("pgsink %s: ping: %w", s.name, err)
	}

	driver, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{})
	if err != nil {
		return fmt.Errorf("pgsink %s: migration driver: %w", s.name, err)
	}
	sourceDriver, err := iofs.New(migrations.Files, ".")
	if err != nil {
		return fmt.Errorf("pgsink %s: migration source: %w", s.name, err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "pgx5", driver)
	if err != nil {
		return fmt.Errorf("pgsink %s: migration instance: %w", s.name, err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("pgsink %s: apply migrations: %w", s.name, err)
	}
	return nil
}

// Start, StartComplete, and TearDown are no-ops; the sink has no duty
// cycle of its own beyond what DoWork drives.
func (s *Sink) Start(ctx context.Context) error         { return nil }
func (s *Sink) StartComplete(ctx context.Context) error { return nil }
func (s *Sink) TearDown(ctx context.Context) error      { return nil }

// Stop flushes any buffered items before the agent hosting this sink
// shuts down.
func (s *Sink) Stop(ctx context.Context) error {
	_, err := s.flush(ctx)
	return err
}

// Accept implements engine.Sink: buffers item for the next flush. A
// batch at maxBatch capacity flushes immediately rather than waiting for
// the next scheduled DoWork.
func (s *Sink) Accept(item any) error {
	s.mu.Lock()
	s.buffer = append(s.buffer, item)
	full := len(s.buffer) >= s.maxBatch
	s.mu.Unlock()
	if full {
		_, err := s.flush(context.Background())
		return err
	}
	return nil
}

// DoWork implements engine.AgentHosted: flushes whatever has accumulated
// since the last call, returning the row count written.
func (s *Sink) DoWork() (int, error) {
	return s.flush(context.Background())
}

func (s *Sink) flush(ctx context.Context) (int, error) {
	s.mu.Lock()
	if len(s.buffer) == 0 {
		s.mu.Unlock()
		return 0, nil
	}
	batch := s.buffer
	s.buffer = nil
	s.mu.Unlock()

	now := time.Now().UTC()
	rows := make([][]any, 0, len(batch))
	for _, item := range batch {
		payload, err := json.Marshal(item)
		if err != nil {
			if s.reporter != nil {
				s.reporter.Err(s.name, report.KindSinkFlushFailure, "marshal item failed", err)
			}
			continue
		}
		rows = append(rows, []any{s.name, payload, now})
	}
	if len(rows) == 0 {
		return 0, nil
	}

	n, err := s.pool.CopyFrom(ctx, pgx.Identifier{table}, columns, pgx.CopyFromRows(rows))
	if err != nil {
		if s.reporter != nil {
			s.reporter.Err(s.name, report.KindSinkFlushFailure, "copy insert failed", err)
		}
		return int(n), err
	}
	return int(n), nil
}
