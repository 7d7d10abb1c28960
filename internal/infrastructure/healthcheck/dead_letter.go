package healthcheck

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"

	"github.com/lllypuk/eventflow/internal/application/appcore"
)

// DeadLetterChecker checks how many dead letters wait for an operator.
type DeadLetterChecker struct {
	store appcore.DeadLetterStore
	clock clockwork.Clock
}

// NewDeadLetterChecker creates a new dead letter health checker.
func NewDeadLetterChecker(store appcore.DeadLetterStore, clock clockwork.Clock) *DeadLetterChecker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &DeadLetterChecker{store: store, clock: clock}
}

// Name returns the name of this health checker.
func (c *DeadLetterChecker) Name() string {
	return "dead_letters"
}

// Check performs the health check.
func (c *DeadLetterChecker) Check(ctx context.Context) appcore.HealthStatus {
	count, err := c.store.PendingCount(ctx)
	if err != nil {
		return appcore.ProbeFailed("failed to count dead letters", err, c.clock.Now())
	}

	return appcore.HealthStatus{
		Healthy:   count == 0,
		Message:   fmt.Sprintf("dead letters pending: %d", count),
		Details:   map[string]any{"pending": count},
		CheckedAt: c.clock.Now(),
	}
}

var _ appcore.HealthChecker = (*DeadLetterChecker)(nil)
