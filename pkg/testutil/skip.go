package testutil

import (
	"testing"

	"github.com/testcontainers/testcontainers-go"
)

// SkipIfShort skips the test if running in short mode
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
}

// RequireIntegration skips the test in short mode or when no container runtime is reachable.
func RequireIntegration(t *testing.T) {
	t.Helper()
	SkipIfShort(t)
	testcontainers.SkipIfProviderIsNotHealthy(t)
}
