// Package middleware holds the echo middleware of the REST API.
package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
)

// Context keys for authentication data.
type contextKey string

const (
	// ContextKeySubject is the context key for the token subject.
	ContextKeySubject contextKey = "subject"

	// ContextKeyRoles is the context key for the granted roles.
	ContextKeyRoles contextKey = "roles"
)

// Roles. Each role includes the ones below it: admin ⊇ writer ⊇ reader.
const (
	RoleReader = "reader"
	RoleWriter = "writer"
	RoleAdmin  = "admin"
)

var roleRank = map[string]int{
	RoleReader: 1,
	RoleWriter: 2,
	RoleAdmin:  3,
}

// Auth errors.
var (
	ErrMissingAuthHeader       = errors.New("missing authorization header")
	ErrInvalidAuthHeader       = errors.New("invalid authorization header format")
	ErrInvalidToken            = errors.New("invalid token")
	ErrTokenExpired            = errors.New("token expired")
	ErrInsufficientPermissions = errors.New("insufficient permissions")
)

// TokenClaims represents the claims extracted from a bearer token.
type TokenClaims struct {
	// Subject identifies the caller.
	Subject string

	// Roles is a list of granted roles. Unknown roles are ignored.
	Roles []string

	// ExpiresAt is the token expiration time.
	ExpiresAt time.Time
}

// TokenValidator validates bearer tokens.
type TokenValidator interface {
	// ValidateToken validates a token and returns the claims.
	ValidateToken(ctx context.Context, token string) (*TokenClaims, error)
}

// AuthConfig holds configuration for the auth middleware.
type AuthConfig struct {
	// Logger is the structured logger for auth events.
	Logger *slog.Logger

	// TokenValidator validates bearer tokens.
	TokenValidator TokenValidator

	// SkipPaths are paths that don't require authentication.
	SkipPaths []string
}

// DefaultAuthConfig returns an AuthConfig with sensible defaults.
func DefaultAuthConfig() AuthConfig {
	return AuthConfig{
		Logger:    slog.Default(),
		SkipPaths: []string{"/health", "/ready", "/health/details", "/metrics"},
	}
}

// Auth returns an authentication middleware with the given configuration.
func Auth(config AuthConfig) echo.MiddlewareFunc {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	skipPaths := make(map[string]struct{}, len(config.SkipPaths))
	for _, path := range config.SkipPaths {
		skipPaths[path] = struct{}{}
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			path := c.Request().URL.Path

			if _, ok := skipPaths[path]; ok {
				return next(c)
			}

			token, err := extractBearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
			if err != nil {
				return respondAuthError(c, err)
			}

			if config.TokenValidator == nil {
				config.Logger.Error("token validator not configured")
				return respondAuthError(c, ErrInvalidToken)
			}

			claims, err := config.TokenValidator.ValidateToken(c.Request().Context(), token)
			if err != nil {
				config.Logger.Warn("token validation failed",
					slog.String("error", err.Error()),
					slog.String("path", path),
					slog.String("remote_ip", c.RealIP()),
				)
				return respondAuthError(c, err)
			}

			c.Set(string(ContextKeySubject), claims.Subject)
			c.Set(string(ContextKeyRoles), claims.Roles)

			config.Logger.Debug("request authenticated",
				slog.String("subject", claims.Subject),
				slog.Any("roles", claims.Roles),
				slog.String("path", path),
			)

			return next(c)
		}
	}
}

// extractBearerToken extracts the token from a Bearer authorization header.
func extractBearerToken(authHeader string) (string, error) {
	if authHeader == "" {
		return "", ErrMissingAuthHeader
	}

	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authHeader, bearerPrefix) {
		return "", ErrInvalidAuthHeader
	}

	token := strings.TrimSpace(strings.TrimPrefix(authHeader, bearerPrefix))
	if token == "" {
		return "", ErrInvalidAuthHeader
	}

	return token, nil
}

// respondAuthError sends an authentication error response.
func respondAuthError(c echo.Context, err error) error {
	code := "UNAUTHORIZED"
	message := "Authentication required"
	status := http.StatusUnauthorized

	switch {
	case errors.Is(err, ErrMissingAuthHeader):
		message = "Missing authorization header"
	case errors.Is(err, ErrInvalidAuthHeader):
		message = "Invalid authorization header format"
	case errors.Is(err, ErrTokenExpired):
		message = "Token has expired"
		code = "TOKEN_EXPIRED"
	case errors.Is(err, ErrInvalidToken):
		message = "Invalid token"
	case errors.Is(err, ErrInsufficientPermissions):
		message = "Insufficient permissions"
		code = "FORBIDDEN"
		status = http.StatusForbidden
	}

	return c.JSON(status, map[string]any{
		"success": false,
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}

// GetSubject extracts the caller subject from the echo context.
func GetSubject(c echo.Context) string {
	if subject, ok := c.Get(string(ContextKeySubject)).(string); ok {
		return subject
	}
	return ""
}

// GetRoles extracts the granted roles from the echo context.
func GetRoles(c echo.Context) []string {
	if roles, ok := c.Get(string(ContextKeyRoles)).([]string); ok {
		return roles
	}
	return nil
}

// RoleSatisfies reports whether any of granted includes required.
func RoleSatisfies(granted []string, required string) bool {
	need, ok := roleRank[required]
	if !ok {
		return slices.Contains(granted, required)
	}
	for _, r := range granted {
		if roleRank[r] >= need {
			return true
		}
	}
	return false
}

// HasRole checks if the current caller holds role or a role that includes it.
func HasRole(c echo.Context, role string) bool {
	return RoleSatisfies(GetRoles(c), role)
}

// RequireRole returns a middleware that requires role or a role that includes it.
func RequireRole(role string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !HasRole(c, role) {
				return respondAuthError(c, ErrInsufficientPermissions)
			}
			return next(c)
		}
	}
}
