package main

import (
	"github.com/labstack/echo/v4"

	"github.com/lllypuk/evstore/internal/infrastructure/httpserver"
	"github.com/lllypuk/evstore/internal/middleware"
)

const apiPrefix = "/api/v1"

// SetupRoutes configures middleware chains and registers every route on e.
func SetupRoutes(e *echo.Echo, c *Container) *httpserver.Router {
	routerConfig := httpserver.RouterConfig{
		Logger:      c.Logger,
		CORSOrigins: c.Config.Server.CORSOrigins,
		APIPrefix:   apiPrefix,
	}

	if c.TokenValidator != nil {
		authConfig := middleware.DefaultAuthConfig()
		authConfig.Logger = c.Logger
		authConfig.TokenValidator = c.TokenValidator
		routerConfig.AuthMiddleware = middleware.Auth(authConfig)
	}

	if c.RateLimitStore != nil {
		rl := c.Config.RateLimit
		routerConfig.WriteRateLimit = middleware.RateLimit(middleware.RateLimitConfig{
			Logger:    c.Logger,
			Store:     c.RateLimitStore,
			Limit:     rl.Limit,
			Window:    rl.Window,
			BurstSize: rl.Burst,
		})
	}

	router := httpserver.NewRouter(e, routerConfig)

	router.RegisterHealthEndpoints(c.Health)
	router.RegisterMetricsEndpoint(c.Registry)
	router.RegisterAll(c.StreamHandler)

	if c.Config.IsDevelopment() {
		router.PrintRoutes()
	}

	return router
}
