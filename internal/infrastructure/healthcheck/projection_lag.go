package healthcheck

import (
	"context"
	"fmt"
	"strings"

	"github.com/jonboulle/clockwork"

	"github.com/lllypuk/eventflow/internal/application/appcore"
	"github.com/lllypuk/eventflow/internal/worker"
)

const defaultMaxLag = 1000

// StatusReporter reports per-projection progress. Implemented by worker.Dispatcher.
type StatusReporter interface {
	Status(ctx context.Context) ([]worker.ProjectionStatus, error)
}

// ProjectionLagChecker flags stalled projections and projections further
// behind the feed head than maxLag.
type ProjectionLagChecker struct {
	reporter StatusReporter
	maxLag   uint64
	clock    clockwork.Clock
}

// NewProjectionLagChecker creates a lag checker. maxLag 0 selects the default threshold.
func NewProjectionLagChecker(reporter StatusReporter, maxLag uint64, clock clockwork.Clock) *ProjectionLagChecker {
	if maxLag == 0 {
		maxLag = defaultMaxLag
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ProjectionLagChecker{reporter: reporter, maxLag: maxLag, clock: clock}
}

// Name returns the name of this health checker.
func (c *ProjectionLagChecker) Name() string {
	return "projection_lag"
}

// Check performs the health check.
func (c *ProjectionLagChecker) Check(ctx context.Context) appcore.HealthStatus {
	statuses, err := c.reporter.Status(ctx)
	if err != nil {
		return appcore.ProbeFailed("failed to read projection status", err, c.clock.Now())
	}

	details := make(map[string]any, len(statuses))
	var problems []string
	for _, st := range statuses {
		details[st.Name] = st
		switch {
		case st.Stalled:
			problems = append(problems, st.Name+" stalled")
		case st.Lag > c.maxLag:
			problems = append(problems, fmt.Sprintf("%s lag %d", st.Name, st.Lag))
		}
	}

	message := fmt.Sprintf("%d projections up to date", len(statuses))
	if len(problems) > 0 {
		message = strings.Join(problems, ", ")
	}

	return appcore.HealthStatus{
		Healthy:   len(problems) == 0,
		Message:   message,
		Details:   details,
		CheckedAt: c.clock.Now(),
	}
}

var _ appcore.HealthChecker = (*ProjectionLagChecker)(nil)
