// Package healthcheck provides health check implementations for the event store,
// projection subscriptions and the dead-letter store.
package healthcheck

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/lllypuk/eventflow/internal/application/appcore"
)

// Pinger is implemented by every store backend that can check connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker reports a store as healthy while it answers pings.
type PingChecker struct {
	name   string
	target Pinger
	clock  clockwork.Clock
}

// NewPingChecker creates a connectivity checker reported under name.
func NewPingChecker(name string, target Pinger, clock clockwork.Clock) *PingChecker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &PingChecker{name: name, target: target, clock: clock}
}

// Name returns the name of this health checker.
func (c *PingChecker) Name() string {
	return c.name
}

// Check performs the health check.
func (c *PingChecker) Check(ctx context.Context) appcore.HealthStatus {
	start := c.clock.Now()
	if err := c.target.Ping(ctx); err != nil {
		return appcore.ProbeFailed("ping failed", err, c.clock.Now())
	}
	return appcore.HealthStatus{
		Healthy:   true,
		Message:   "reachable",
		Details:   map[string]any{"latency": c.clock.Since(start).String()},
		CheckedAt: c.clock.Now(),
	}
}

var _ appcore.HealthChecker = (*PingChecker)(nil)

// checkTimeout bounds a single checker inside a Suite run.
const checkTimeout = 5 * time.Second
