package healthcheck

import (
	"context"
	"sync"

	"github.com/lllypuk/eventflow/internal/application/appcore"
	"github.com/lllypuk/eventflow/internal/infrastructure/httpserver"
)

// Suite runs a set of checkers for the ops endpoints. A failing critical
// checker makes the process not ready; any other failing checker degrades it.
type Suite struct {
	critical []appcore.HealthChecker
	optional []appcore.HealthChecker
}

// NewSuite creates an empty suite.
func NewSuite() *Suite {
	return &Suite{}
}

// Critical adds checkers that gate readiness.
func (s *Suite) Critical(checkers ...appcore.HealthChecker) *Suite {
	s.critical = append(s.critical, checkers...)
	return s
}

// Optional adds checkers that only degrade the reported status.
func (s *Suite) Optional(checkers ...appcore.HealthChecker) *Suite {
	s.optional = append(s.optional, checkers...)
	return s
}

// IsReady reports whether every critical checker is healthy.
func (s *Suite) IsReady(ctx context.Context) bool {
	for _, st := range run(ctx, s.critical) {
		if !st.Healthy {
			return false
		}
	}
	return true
}

// GetHealthStatus runs all checkers concurrently and reports them in registration order.
func (s *Suite) GetHealthStatus(ctx context.Context) []httpserver.ComponentStatus {
	critical := run(ctx, s.critical)
	optional := run(ctx, s.optional)

	out := make([]httpserver.ComponentStatus, 0, len(critical)+len(optional))
	for i, st := range critical {
		out = append(out, component(s.critical[i].Name(), st, httpserver.StatusUnhealthy))
	}
	for i, st := range optional {
		out = append(out, component(s.optional[i].Name(), st, httpserver.StatusDegraded))
	}
	return out
}

func component(name string, st appcore.HealthStatus, failed string) httpserver.ComponentStatus {
	status := httpserver.StatusHealthy
	if !st.Healthy {
		status = failed
	}
	return httpserver.ComponentStatus{Name: name, Status: status, Message: st.Message}
}

func run(ctx context.Context, checkers []appcore.HealthChecker) []appcore.HealthStatus {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	results := make([]appcore.HealthStatus, len(checkers))
	var wg sync.WaitGroup
	for i, c := range checkers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = c.Check(ctx)
		}()
	}
	wg.Wait()
	return results
}

var _ httpserver.HealthChecker = (*Suite)(nil)
