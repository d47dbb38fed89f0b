package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	pgOnce sync.Once
	pgDSN  string
	pgErr  error
)

// GetPostgresDSN starts (once per test binary) a PostgreSQL container and
// returns a pgx DSN for it. The test is skipped when containers are unavailable.
func GetPostgresDSN(t *testing.T) string {
	t.Helper()
	requireDocker(t)

	pgOnce.Do(func() {
		// Give generous timeout in CI environments
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancel()

		postgresC, err := testcontainers.Run(
			ctx, "postgres:16",
			testcontainers.WithExposedPorts("5432/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForAll(
					wait.ForListeningPort("5432/tcp"),
					wait.ForLog("ready to accept connections"),
					wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
						return fmt.Sprintf("postgres://asynctask:asynctask@%s:%s/asynctask_test?sslmode=disable", host, port.Port())
					}).WithQuery("SELECT 1"),
				).WithDeadline(2*time.Minute),
			),
			testcontainers.WithEnv(map[string]string{
				"POSTGRES_USER":     "asynctask",
				"POSTGRES_PASSWORD": "asynctask",
				"POSTGRES_DB":       "asynctask_test",
			}),
		)
		if err != nil {
			pgErr = err
			return
		}

		endpoint, err := endpointOrTerminate(ctx, postgresC)
		if err != nil {
			pgErr = err
			return
		}
		pgDSN = fmt.Sprintf("postgres://asynctask:asynctask@%s/asynctask_test?sslmode=disable", endpoint)
	})

	skipOnStartError(t, "postgres", pgErr)
	return pgDSN
}
