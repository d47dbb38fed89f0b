package testutil

import (
	"context"
	"testing"

	"github.com/testcontainers/testcontainers-go"
)

// requireDocker skips integration tests in -short mode.
func requireDocker(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed test in -short mode")
	}
}

// skipOnStartError skips the calling test when the shared container could not
// be started, e.g. because no Docker daemon is available.
func skipOnStartError(t *testing.T, name string, err error) {
	t.Helper()
	if err != nil {
		t.Skipf("%s container unavailable: %v", name, err)
	}
}

// endpointOrTerminate returns the container endpoint, terminating the
// container when it cannot be resolved.
func endpointOrTerminate(ctx context.Context, c testcontainers.Container) (string, error) {
	endpoint, err := c.Endpoint(ctx, "")
	if err != nil {
		_ = c.Terminate(context.Background()) // best-effort cleanup
		return "", err
	}
	return endpoint, nil
}
