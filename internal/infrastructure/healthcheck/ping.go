package healthcheck

import (
	"context"
	"time"

	"github.com/lllypuk/evstore/internal/application/appcore"
)

// Pinger is anything with a connectivity check: event stores, publishers, clients.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker turns a Ping into a health check.
type PingChecker struct {
	name    string
	target  Pinger
	timeout time.Duration
}

const defaultPingTimeout = 2 * time.Second

// NewPingChecker creates a checker named name. A zero timeout uses two seconds.
func NewPingChecker(name string, target Pinger, timeout time.Duration) *PingChecker {
	if timeout <= 0 {
		timeout = defaultPingTimeout
	}
	return &PingChecker{name: name, target: target, timeout: timeout}
}

// Name returns the name of this health checker.
func (c *PingChecker) Name() string {
	return c.name
}

// Check pings the target.
func (c *PingChecker) Check(ctx context.Context) appcore.HealthStatus {
	if c.target == nil {
		return appcore.Unhealthy("not initialized")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	if err := c.target.Ping(ctx); err != nil {
		return appcore.Unhealthy("%v", err)
	}

	return appcore.Healthy(map[string]any{"latency": time.Since(start).String()})
}
