package pgreporter_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/flowloop/cortege/core/report"
	"github.com/flowloop/cortege/core/report/pgreporter"
)

var (
	testPool    *pgxpool.Pool
	testDSN     string
	pgContainer testcontainers.Container
	setupErr    error
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "cortege"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		os.Exit(1)
	}
	pgContainer = container

	setupErr = initialiseDatabase(ctx)
	exitCode := 0
	if setupErr != nil {
		fmt.Fprintf(os.Stderr, "pgreporter contract tests skipped: %v\n", setupErr)
	} else {
		exitCode = m.Run()
	}

	if testPool != nil {
		testPool.Close()
	}
	if pgContainer != nil {
		_ = pgContainer.Terminate(ctx)
	}
	os.Exit(exitCode)
}

func initialiseDatabase(ctx context.Context) error {
	host, err := pgContainer.Host(ctx)
	if err != nil {
		return fmt.Errorf("container host: %w", err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return fmt.Errorf("container port: %w", err)
	}
	testDSN = fmt.Sprintf("postgres://postgres:secret@%s:%s/cortege?sslmode=disable", host, port.Port())

	pool, err := pgxpool.New(ctx, testDSN)
	if err != nil {
		return fmt.Errorf("pgx pool: %w", err)
	}
	testPool = pool
	return nil
}

func TestReporterPersistsEventsOnFlush(t *testing.T) {
	if setupErr != nil {
		t.Skipf("postgres contract setup unavailable: %v", setupErr)
	}
	ctx := context.Background()

	r := pgreporter.New(testDSN, testPool, pgreporter.WithMaxBatch(2), pgreporter.WithFlushInterval(50*time.Millisecond))
	require.NoError(t, r.Init(ctx))
	t.Cleanup(func() { _ = r.Close() })

	hub := report.NewHub(8)
	hub.AddReporter(r)
	hub.Err("tickfeed", report.KindMapperFailure, "decode failed", fmt.Errorf("boom"), report.Field{Key: "seq", Value: 42})
	hub.Crit("orchestrator", report.KindLifecycleFailure, "start failed", nil)

	require.Eventually(t, func() bool {
		var count int
		if err := testPool.QueryRow(ctx, `SELECT count(*) FROM engine_errors`).Scan(&count); err != nil {
			return false
		}
		return count >= 2
	}, 2*time.Second, 10*time.Millisecond)

	var severity, message string
	require.NoError(t, testPool.QueryRow(ctx,
		`SELECT severity, message FROM engine_errors WHERE source_id = 'tickfeed' ORDER BY id DESC LIMIT 1`,
	).Scan(&severity, &message))
	require.Equal(t, "ERROR", severity)
	require.Equal(t, "decode failed", message)
}
