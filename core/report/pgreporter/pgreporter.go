// Package pgreporter implements a core/report.Reporter that persists
// WARNING/ERROR/CRITICAL events to Postgres for postmortem queries,
// sharing the same pgx pool and golang-migrate wiring as sinks/pgsink,
// grounded on internal/infra/persistence/migrations.
package pgreporter

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

	"github.com/flowloop/cortege/core/report"
	"github.com/flowloop/cortege/core/report/pgreporter/migrations"
)

var _ report.Reporter = (*Reporter)(nil)

const table = "engine_errors"

var columns = []string{"source_id", "kind", "severity", "message", "cause", "fields", "occurred_at"}

// Reporter buffers reported events and COPY-inserts them into the
// engine_errors table, either when the buffer reaches its max batch size
// or on a fixed flush interval, whichever comes first.
type Reporter struct {
	pool          *pgxpool.Pool
	dsn           string
	maxBatch      int
	flushInterval time.Duration

	mu     sync.Mutex
	buffer []*report.Event

	flushCh chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Option configures a Reporter constructed with New.
type Option func(*Reporter)

// WithMaxBatch overrides the default flush-trigger batch size.
func WithMaxBatch(n int) Option {
	return func(r *Reporter) {
		if n > 0 {
			r.maxBatch = n
		}
	}
}

// WithFlushInterval overrides the default periodic flush interval.
func WithFlushInterval(d time.Duration) Option {
	return func(r *Reporter) {
		if d > 0 {
			r.flushInterval = d
		}
	}
}

// New constructs a Reporter backed by pool for COPY inserts and dsn for
// applying the embedded schema migration during Init, and starts its
// background flush loop.
func New(dsn string, pool *pgxpool.Pool, opts ...Option) *Reporter {
	r := &Reporter{
		pool:          pool,
		dsn:           dsn,
		maxBatch:      64,
		flushInterval: time.Second,
		flushCh:       make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	go r.loop()
	return r
}

// Init applies the embedded engine_errors schema migration.
func (r *Reporter) Init(ctx context.Context) error {
	db, err := sql.Open("pgx", r.dsn)
	if err != nil {
		return fmt.Errorf("pgreporter: open migration connection: %w", err)
	}
	defer db.Close()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("pgreporter: ping: %w", err)
	}

	driver, err := pgxmigrate.WithInstance(db, &pgxmigrate.Config{})
	if err != nil {
		return fmt.Errorf("pgreporter: migration driver: %w", err)
	}
	sourceDriver, err := iofs.New(migrations.Files, ".")
	if err != nil {
		return fmt.Errorf("pgreporter: migration source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "pgx5", driver)
	if err != nil {
		return fmt.Errorf("pgreporter: migration instance: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("pgreporter: apply migrations: %w", err)
	}
	return nil
}

// Report implements report.Reporter: buffers evt for the next flush. A
// buffer at maxBatch capacity wakes the flush loop immediately rather
// than waiting for the next tick.
func (r *Reporter) Report(evt *report.Event) {
	r.mu.Lock()
	r.buffer = append(r.buffer, evt)
	full := len(r.buffer) >= r.maxBatch
	r.mu.Unlock()
	if full {
		select {
		case r.flushCh <- struct{}{}:
		default:
		}
	}
}

// Close stops the background flush loop after flushing anything still
// buffered.
func (r *Reporter) Close() error {
	close(r.stopCh)
	<-r.doneCh
	return nil
}

func (r *Reporter) loop() {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.flush(context.Background())
		case <-r.flushCh:
			r.flush(context.Background())
		case <-r.stopCh:
			r.flush(context.Background())
			return
		}
	}
}

func (r *Reporter) flush(ctx context.Context) {
	r.mu.Lock()
	if len(r.buffer) == 0 {
		r.mu.Unlock()
		return
	}
	batch := r.buffer
	r.buffer = nil
	r.mu.Unlock()

	rows := make([][]any, 0, len(batch))
	for _, evt := range batch {
		var cause *string
		if evt.Cause != nil {
			s := evt.Cause.Error()
			cause = &s
		}
		fields := map[string]any{}
		for _, f := range evt.Fields {
			fields[f.Key] = f.Value
		}
		var fieldsJSON []byte
		if len(fields) > 0 {
			if b, err := json.Marshal(fields); err == nil {
				fieldsJSON = b
			}
		}
		rows = append(rows, []any{
			evt.SourceID,
			string(evt.Kind),
			evt.Severity.String(),
			evt.Message,
			cause,
			fieldsJSON,
			evt.Timestamp,
		})
	}

	// Best-effort: a reporter that can't reach its own store has nowhere
	// left to report the failure to, so it is dropped rather than fed
	// back through the Hub that produced it.
	_, _ = r.pool.CopyFrom(ctx, pgx.Identifier{table}, columns, pgx.CopyFromRows(rows))
}
