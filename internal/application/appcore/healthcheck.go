// Package appcore defines the ports shared by the aggregate runtime, the
// projection dispatcher and the storage backends.
package appcore

import (
	"context"
	"fmt"
	"time"
)

// HealthChecker probes one backend or engine subsystem.
type HealthChecker interface {
	Check(ctx context.Context) HealthStatus

	// Name identifies the component in /health/details.
	Name() string
}

// HealthStatus is the outcome of one probe.
type HealthStatus struct {
	Healthy   bool           `json:"healthy"`
	Message   string         `json:"message,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CheckedAt time.Time      `json:"checked_at"`
}

// ProbeFailed reports a probe that could not reach its target.
func ProbeFailed(what string, err error, at time.Time) HealthStatus {
	return HealthStatus{
		Message:   fmt.Sprintf("%s: %v", what, err),
		CheckedAt: at,
	}
}
