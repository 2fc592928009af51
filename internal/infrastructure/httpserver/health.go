package httpserver

import (
	"context"
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"

	"github.com/lllypuk/evstore/internal/application/appcore"
)

// Health status constants shared by all health endpoints.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
	StatusDegraded  = "degraded"
	StatusReady     = "ready"
	StatusNotReady  = "not_ready"
)

// ComponentStatus represents the health status of a single component.
type ComponentStatus struct {
	Name    string         `json:"name"`
	Status  string         `json:"status"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// HealthResponse represents the response for health endpoints.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components []ComponentStatus `json:"components,omitempty"`
}

// HealthChecker reports readiness and per-component status.
type HealthChecker interface {
	IsReady(ctx context.Context) bool
	GetHealthStatus(ctx context.Context) []ComponentStatus
}

// CheckerSet aggregates appcore health checks. A failing critical check makes
// the service not ready, a failing optional one only degrades it.
type CheckerSet struct {
	critical []appcore.HealthChecker
	optional []appcore.HealthChecker
}

// NewCheckerSet creates an empty set.
func NewCheckerSet() *CheckerSet {
	return &CheckerSet{}
}

// AddCritical registers checks the service cannot serve without.
func (s *CheckerSet) AddCritical(checkers ...appcore.HealthChecker) *CheckerSet {
	s.critical = append(s.critical, checkers...)
	return s
}

// AddOptional registers checks whose failure degrades the service.
func (s *CheckerSet) AddOptional(checkers ...appcore.HealthChecker) *CheckerSet {
	s.optional = append(s.optional, checkers...)
	return s
}

// IsReady runs only the critical checks.
func (s *CheckerSet) IsReady(ctx context.Context) bool {
	for _, st := range runChecks(ctx, s.critical) {
		if !st.Healthy {
			return false
		}
	}
	return true
}

// GetHealthStatus runs every check concurrently.
func (s *CheckerSet) GetHealthStatus(ctx context.Context) []ComponentStatus {
	all := make([]appcore.HealthChecker, 0, len(s.critical)+len(s.optional))
	all = append(all, s.critical...)
	all = append(all, s.optional...)

	results := runChecks(ctx, all)
	components := make([]ComponentStatus, len(all))
	for i, st := range results {
		status := StatusHealthy
		switch {
		case st.Healthy:
		case i < len(s.critical):
			status = StatusUnhealthy
		default:
			status = StatusDegraded
		}
		components[i] = ComponentStatus{
			Name:    all[i].Name(),
			Status:  status,
			Message: st.Message,
			Details: st.Details,
		}
	}
	return components
}

func runChecks(ctx context.Context, checkers []appcore.HealthChecker) []appcore.HealthStatus {
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

// HealthEndpoints manages health check endpoint registration.
type HealthEndpoints struct {
	checker HealthChecker
}

// NewHealthEndpoints creates a new HealthEndpoints instance.
func NewHealthEndpoints(checker HealthChecker) *HealthEndpoints {
	return &HealthEndpoints{checker: checker}
}

// Register registers all health endpoints on the Echo instance:
//   - GET /health: liveness, always 200 while the process runs
//   - GET /ready: 200 when every critical component is healthy, 503 otherwise
//   - GET /health/details: per-component status
func (h *HealthEndpoints) Register(e *echo.Echo) {
	e.GET("/health", h.handleHealth)
	e.GET("/ready", h.handleReady)
	e.GET("/health/details", h.handleHealthDetails)
}

func (h *HealthEndpoints) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: StatusHealthy})
}

func (h *HealthEndpoints) handleReady(c echo.Context) error {
	if h.checker == nil || h.checker.IsReady(c.Request().Context()) {
		return c.JSON(http.StatusOK, HealthResponse{Status: StatusReady})
	}
	return c.JSON(http.StatusServiceUnavailable, HealthResponse{Status: StatusNotReady})
}

func (h *HealthEndpoints) handleHealthDetails(c echo.Context) error {
	var components []ComponentStatus
	if h.checker != nil {
		components = h.checker.GetHealthStatus(c.Request().Context())
	}

	overall := StatusHealthy
	code := http.StatusOK
	for _, comp := range components {
		if comp.Status == StatusUnhealthy {
			overall = StatusUnhealthy
			code = http.StatusServiceUnavailable
			break
		}
		if comp.Status == StatusDegraded {
			overall = StatusDegraded
		}
	}

	return c.JSON(code, HealthResponse{Status: overall, Components: components})
}
