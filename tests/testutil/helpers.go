package testutil

import (
	"context"
	"testing"
	"time"
)

const contextTimeout = 30 * time.Second

// NewTestContext creates context with timeout for tests
func NewTestContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), contextTimeout)
	t.Cleanup(cancel)
	return ctx
}

// TerminateAll stops every shared container started by this package.
// Call it from TestMain after m.Run.
func TerminateAll() {
	CleanupSharedMongoContainer()
	CleanupSharedPostgresContainer()
	CleanupSharedRedisContainer()
	CleanupSharedNATSContainer()
}
