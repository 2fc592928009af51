// Package appcore declares the ports and error types shared by the store's
// application services and its adapters.
package appcore

import (
	"context"
	"fmt"
	"time"
)

// HealthChecker probes one dependency of the store: a backend, the bus, the
// forwarder. Whether a failing check takes the process out of rotation is
// decided by the caller registering it, not by the checker.
type HealthChecker interface {
	Check(ctx context.Context) HealthStatus

	// Name keys the component in /health/details, e.g. "store_mongodb".
	Name() string
}

// HealthStatus is the outcome of one probe.
type HealthStatus struct {
	Healthy   bool           `json:"healthy"`
	Message   string         `json:"message,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CheckedAt time.Time      `json:"checked_at"`
}

// Healthy reports a passing probe.
func Healthy(details map[string]any) HealthStatus {
	return HealthStatus{Healthy: true, Details: details, CheckedAt: time.Now()}
}

// Unhealthy reports a failing probe with a formatted reason.
func Unhealthy(format string, args ...any) HealthStatus {
	return HealthStatus{Message: fmt.Sprintf(format, args...), CheckedAt: time.Now()}
}
