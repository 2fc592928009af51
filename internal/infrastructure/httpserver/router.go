package httpserver

import (
	"log/slog"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lllypuk/evstore/internal/middleware"
)

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	Logger *slog.Logger

	// AuthMiddleware authenticates every /api route. Nil leaves them open.
	AuthMiddleware echo.MiddlewareFunc

	// WriteRateLimit is applied to the writer group only. Reads are not limited.
	WriteRateLimit echo.MiddlewareFunc

	// CORSOrigins are the allowed origins. Empty allows any origin.
	CORSOrigins []string

	// APIPrefix is the prefix for all API routes. Default is "/api/v1".
	APIPrefix string
}

// DefaultRouterConfig returns a RouterConfig with sensible defaults.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		Logger:    slog.Default(),
		APIPrefix: "/api/v1",
	}
}

// Router manages HTTP route groups and middleware chains.
//
// Groups nest by role: reader routes need RoleReader, writer routes need
// RoleWriter, admin routes need RoleAdmin. Without auth middleware role
// checks are skipped and every group is open.
type Router struct {
	echo   *echo.Echo
	config RouterConfig
	logger *slog.Logger

	public *echo.Group
	reader *echo.Group
	writer *echo.Group
	admin  *echo.Group
}

// NewRouter creates a new router with the given configuration.
func NewRouter(e *echo.Echo, config RouterConfig) *Router {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.APIPrefix == "" {
		config.APIPrefix = "/api/v1"
	}

	r := &Router{
		echo:   e,
		config: config,
		logger: config.Logger,
	}

	r.setupGlobalMiddleware()
	r.setupRouteGroups()

	return r
}

func (r *Router) setupGlobalMiddleware() {
	r.echo.Use(middleware.Recovery(r.logger))
	r.echo.Use(middleware.CORS(r.config.CORSOrigins...))

	logging := middleware.DefaultLoggingConfig()
	logging.Logger = r.logger
	r.echo.Use(middleware.Logging(logging))
}

func (r *Router) setupRouteGroups() {
	r.public = r.echo.Group(r.config.APIPrefix)

	if r.config.AuthMiddleware == nil {
		r.logger.Warn("no auth middleware configured, API routes are public")
		r.reader = r.public
		r.writer = r.public.Group("")
		r.admin = r.public.Group("")
	} else {
		authed := r.public.Group("", r.config.AuthMiddleware)
		r.reader = authed.Group("", middleware.RequireRole(middleware.RoleReader))
		r.writer = authed.Group("", middleware.RequireRole(middleware.RoleWriter))
		r.admin = authed.Group("", middleware.RequireRole(middleware.RoleAdmin))
	}

	if r.config.WriteRateLimit != nil {
		r.writer.Use(r.config.WriteRateLimit)
	}
}

// Echo returns the underlying Echo instance.
func (r *Router) Echo() *echo.Echo {
	return r.echo
}

// Public returns the route group that needs no authentication.
func (r *Router) Public() *echo.Group {
	return r.public
}

// Reader returns the group for read operations.
func (r *Router) Reader() *echo.Group {
	return r.reader
}

// Writer returns the group for appends and snapshot writes.
func (r *Router) Writer() *echo.Group {
	return r.writer
}

// Admin returns the group for destructive operations.
func (r *Router) Admin() *echo.Group {
	return r.admin
}

// RouteRegistrar defines the interface for registering routes.
type RouteRegistrar interface {
	RegisterRoutes(r *Router)
}

// RegisterAll registers all route registrars with the router.
func (r *Router) RegisterAll(registrars ...RouteRegistrar) {
	for _, registrar := range registrars {
		registrar.RegisterRoutes(r)
	}
}

// RegisterHealthEndpoints registers /health, /ready and /health/details.
func (r *Router) RegisterHealthEndpoints(checker HealthChecker) {
	NewHealthEndpoints(checker).Register(r.echo)
}

// RegisterMetricsEndpoint exposes the gatherer on /metrics. A nil gatherer uses the default registry.
func (r *Router) RegisterMetricsEndpoint(gatherer prometheus.Gatherer) {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r.echo.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
}

// PrintRoutes logs all registered routes at debug level.
func (r *Router) PrintRoutes() {
	for _, route := range r.echo.Routes() {
		r.logger.Debug("registered route",
			slog.String("method", route.Method),
			slog.String("path", route.Path),
		)
	}
}
