// Package healthcheck provides health checks for the store and the forwarder.
package healthcheck

import (
	"context"
	"fmt"
	"time"

	"github.com/lllypuk/evstore/internal/application/appcore"
)

// Default thresholds for forwarder lag, in events.
const (
	defaultWarningThreshold  = 100
	defaultCriticalThreshold = 1000
)

// ForwarderLagChecker reports how many committed events the forwarder has not checkpointed yet.
// Counting stops at the critical threshold.
type ForwarderLagChecker struct {
	reader            appcore.EventReader
	checkpoints       appcore.CheckpointStore
	name              string
	warningThreshold  int
	criticalThreshold int
}

// ForwarderLagOption configures ForwarderLagChecker.
type ForwarderLagOption func(*ForwarderLagChecker)

// WithWarningThreshold sets the lag above which the forwarder is reported unhealthy.
func WithWarningThreshold(threshold int) ForwarderLagOption {
	return func(c *ForwarderLagChecker) {
		c.warningThreshold = threshold
	}
}

// WithCriticalThreshold sets the maximum lag counted.
func WithCriticalThreshold(threshold int) ForwarderLagOption {
	return func(c *ForwarderLagChecker) {
		c.criticalThreshold = threshold
	}
}

// NewForwarderLagChecker creates a lag checker for the forwarder with the given checkpoint name.
func NewForwarderLagChecker(
	reader appcore.EventReader,
	checkpoints appcore.CheckpointStore,
	name string,
	opts ...ForwarderLagOption,
) *ForwarderLagChecker {
	c := &ForwarderLagChecker{
		reader:            reader,
		checkpoints:       checkpoints,
		name:              name,
		warningThreshold:  defaultWarningThreshold,
		criticalThreshold: defaultCriticalThreshold,
	}

	for _, opt := range opts {
		opt(c)
	}
	c.criticalThreshold = max(c.criticalThreshold, c.warningThreshold)

	return c
}

// Name returns the name of this health checker.
func (c *ForwarderLagChecker) Name() string {
	return "forwarder_lag"
}

// Check performs the health check.
func (c *ForwarderLagChecker) Check(ctx context.Context) appcore.HealthStatus {
	checkpoint, err := c.checkpoints.Load(ctx, c.name)
	if err != nil {
		return appcore.Unhealthy("failed to load checkpoint: %v", err)
	}

	pending, err := c.reader.ReadAll(ctx, checkpoint, c.criticalThreshold)
	if err != nil {
		return appcore.Unhealthy("failed to read events: %v", err)
	}

	lag := len(pending)
	details := map[string]any{
		"checkpoint":         checkpoint,
		"lag":                lag,
		"warning_threshold":  c.warningThreshold,
		"critical_threshold": c.criticalThreshold,
	}

	message := fmt.Sprintf("forwarder lag: %d events", lag)
	if lag >= c.criticalThreshold {
		message = fmt.Sprintf("forwarder lag: at least %d events", lag)
	}
	if lag > 0 {
		oldest := pending[0].StoredAt
		details["oldest_pending_age"] = time.Since(oldest).Round(time.Millisecond).String()
	}

	return appcore.HealthStatus{
		Healthy:   lag < c.warningThreshold,
		Message:   message,
		Details:   details,
		CheckedAt: time.Now(),
	}
}
