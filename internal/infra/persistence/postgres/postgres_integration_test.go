package postgres

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/coachpo/mdfeed/internal/discovery"
	"github.com/coachpo/mdfeed/internal/infra/persistence/migrations"
)

func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres contract test skipped in short mode")
	}
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "mdfeed"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)
	dsn := fmt.Sprintf("postgres://postgres:secret@%s:%s/mdfeed?sslmode=disable", host, port.Port())

	var pool *pgxpool.Pool
	require.Eventually(t, func() bool {
		if err := migrations.Apply(ctx, dsn, "", nil); err != nil {
			return false
		}
		pool, err = pgxpool.New(ctx, dsn)
		return err == nil
	}, 30*time.Second, 500*time.Millisecond)
	t.Cleanup(pool.Close)
	return pool
}

func TestPostgresUniverseAndDiscovery(t *testing.T) {
	pool := startPostgres(t)
	ctx := context.Background()

	_, err := pool.Exec(ctx, `INSERT INTO instruments (symbol, active) VALUES ('MSFT', TRUE), ('AAPL', TRUE), ('IBM', FALSE);`)
	require.NoError(t, err)

	store := New(pool)
	symbols, err := store.Universe().Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"AAPL", "MSFT"}, symbols)

	runID := uuid.New().String()
	sink := store.Discovery(runID)
	first := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, sink.Append(ctx, discovery.Entry{Symbol: "TSLA", FirstSeen: first}))
	require.NoError(t, sink.Append(ctx, discovery.Entry{Symbol: "TSLA", FirstSeen: first.Add(time.Hour)}))

	later := store.Discovery("")
	require.NoError(t, later.Append(ctx, discovery.Entry{Symbol: "TSLA", FirstSeen: first.Add(2 * time.Hour)}))

	var (
		count    int
		seen     time.Time
		recorded uuid.UUID
	)
	require.NoError(t, pool.QueryRow(ctx, `SELECT COUNT(*) FROM discovered_symbols`).Scan(&count))
	require.NoError(t, pool.QueryRow(ctx, `SELECT first_seen, run_id FROM discovered_symbols WHERE symbol = 'TSLA'`).Scan(&seen, &recorded))
	assert.Equal(t, 1, count)
	assert.True(t, seen.Equal(first))
	assert.Equal(t, runID, recorded.String())

	require.NoError(t, migrations.Rollback(ctx, pool.Config().ConnString(), "", 2, nil))
	_, err = store.Universe().Read(ctx)
	assert.Error(t, err)
}
