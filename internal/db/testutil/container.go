// Package testutil provisions throwaway PostgreSQL containers for
// database integration tests.
package testutil

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"blinkgate/internal/db"
)

var (
	dockerAvailable     bool
	dockerAvailableOnce sync.Once
)

// IsDockerAvailable checks if Docker is available and running
func IsDockerAvailable() bool {
	dockerAvailableOnce.Do(func() {
		_, err := exec.LookPath("docker")
		if err != nil {
			dockerAvailable = false
			return
		}
		dockerAvailable = exec.Command("docker", "info").Run() == nil
	})
	return dockerAvailable
}

// SkipIfNoDocker skips the test if Docker is not available
func SkipIfNoDocker(t *testing.T) {
	t.Helper()
	if !IsDockerAvailable() {
		t.Skip("Docker is not available, skipping test")
	}
}

// TestDB holds a test database container and connection pool
type TestDB struct {
	Container testcontainers.Container
	Pool      *pgxpool.Pool
	DB        *db.DB
}

// NewTestDB creates a PostgreSQL test container with migrations applied.
func NewTestDB(t *testing.T) *TestDB {
	t.Helper()
	SkipIfNoDocker(t)

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       "blinkgate_test",
			"POSTGRES_USER":     "blinkgate_test",
			"POSTGRES_PASSWORD": "test_password",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start PostgreSQL container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		container.Terminate(ctx) //nolint:errcheck
		t.Fatalf("Failed to get container host: %v", err)
	}
	mappedPort, err := container.MappedPort(ctx, "5432")
	if err != nil {
		container.Terminate(ctx) //nolint:errcheck
		t.Fatalf("Failed to get container port: %v", err)
	}

	connString := fmt.Sprintf(
		"postgres://blinkgate_test:test_password@%s:%s/blinkgate_test?sslmode=disable",
		host, mappedPort.Port(),
	)

	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		container.Terminate(ctx) //nolint:errcheck
		t.Fatalf("Failed to create connection pool: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		container.Terminate(ctx) //nolint:errcheck
		t.Fatalf("Failed to ping database: %v", err)
	}

	database := db.NewFromPool(pool)
	if err := database.Migrate(ctx); err != nil {
		pool.Close()
		container.Terminate(ctx) //nolint:errcheck
		t.Fatalf("Failed to apply migrations: %v", err)
	}

	tdb := &TestDB{Container: container, Pool: pool, DB: database}
	t.Cleanup(func() { tdb.Close(t) })
	return tdb
}

// Close terminates the container and closes the connection pool
func (tdb *TestDB) Close(t *testing.T) {
	t.Helper()

	if tdb.Pool != nil {
		tdb.Pool.Close()
	}
	if tdb.Container != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := tdb.Container.Terminate(ctx); err != nil {
			t.Logf("Warning: failed to terminate container: %v", err)
		}
	}
}

// Truncate removes all data from all tables, child tables first.
func (tdb *TestDB) Truncate(t *testing.T) {
	t.Helper()

	ctx := context.Background()
	tables := []string{
		"reward_claims",
		"creator_debts",
		"refunds",
		"runs",
		"offers",
	}
	for _, table := range tables {
		if _, err := tdb.Pool.Exec(ctx, fmt.Sprintf("TRUNCATE TABLE %s CASCADE", table)); err != nil {
			t.Fatalf("Failed to truncate table %s: %v", table, err)
		}
	}
}
