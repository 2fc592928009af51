package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MicahParks/jwkset"
	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// Token validation defaults.
const (
	DefaultLeeway          = 30 * time.Second
	DefaultRefreshInterval = time.Hour
)

// accessClaims is the JWT body accepted by the validators. Roles come from
// the top-level "roles" claim.
type accessClaims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

func (c *accessClaims) toTokenClaims() (*TokenClaims, error) {
	if c.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject claim", ErrInvalidToken)
	}
	tc := &TokenClaims{Subject: c.Subject, Roles: c.Roles}
	if c.ExpiresAt != nil {
		tc.ExpiresAt = c.ExpiresAt.Time
	}
	return tc, nil
}

func parserOptions(issuer, audience string, methods []string) []jwt.ParserOption {
	opts := []jwt.ParserOption{
		jwt.WithLeeway(DefaultLeeway),
		jwt.WithExpirationRequired(),
		jwt.WithValidMethods(methods),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	return opts
}

func mapJWTError(err error) error {
	if errors.Is(err, jwt.ErrTokenExpired) {
		return ErrTokenExpired
	}
	return fmt.Errorf("%w: %w", ErrInvalidToken, err)
}

// HMACTokenValidator validates HS256 tokens signed with a shared secret.
type HMACTokenValidator struct {
	secret []byte
	issuer string
}

// NewHMACTokenValidator creates a validator. An empty issuer accepts any issuer.
func NewHMACTokenValidator(secret, issuer string) *HMACTokenValidator {
	return &HMACTokenValidator{secret: []byte(secret), issuer: issuer}
}

// ValidateToken verifies the signature and the registered claims.
func (v *HMACTokenValidator) ValidateToken(_ context.Context, token string) (*TokenClaims, error) {
	var claims accessClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, parserOptions(v.issuer, "", []string{jwt.SigningMethodHS256.Alg()})...)
	if err != nil {
		return nil, mapJWTError(err)
	}
	return claims.toTokenClaims()
}

// Sign issues a token for subject with the given roles. Used by operators and tests.
func (v *HMACTokenValidator) Sign(subject string, roles []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := accessClaims{
		Roles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// JWKSConfig configures a JWKSTokenValidator.
type JWKSConfig struct {
	URL             string
	Issuer          string
	Audience        string
	RefreshInterval time.Duration
	Logger          *slog.Logger
}

// JWKSTokenValidator validates asymmetrically signed tokens against a remote key set.
// Keys are cached and refreshed in the background.
type JWKSTokenValidator struct {
	jwks     keyfunc.Keyfunc
	issuer   string
	audience string
	logger   *slog.Logger
	cancel   context.CancelFunc
}

// NewJWKSTokenValidator fetches the key set and starts background refresh.
func NewJWKSTokenValidator(config JWKSConfig) (*JWKSTokenValidator, error) {
	if config.URL == "" {
		return nil, errors.New("jwks url is required")
	}
	if config.RefreshInterval <= 0 {
		config.RefreshInterval = DefaultRefreshInterval
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	storage, err := jwkset.NewStorageFromHTTP(config.URL, jwkset.HTTPClientStorageOptions{
		Ctx:             ctx,
		RefreshInterval: config.RefreshInterval,
		RefreshErrorHandler: func(_ context.Context, err error) {
			logger.Error("failed to refresh JWKS", slog.String("error", err.Error()))
		},
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to fetch JWKS: %w", err)
	}

	jwks, err := keyfunc.New(keyfunc.Options{Ctx: ctx, Storage: storage})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create keyfunc: %w", err)
	}

	logger.Info("JWKS token validator initialized",
		slog.String("jwks_url", config.URL),
		slog.Duration("refresh_interval", config.RefreshInterval),
	)

	return &JWKSTokenValidator{
		jwks:     jwks,
		issuer:   config.Issuer,
		audience: config.Audience,
		logger:   logger,
		cancel:   cancel,
	}, nil
}

// ValidateToken verifies the signature against the key set and the registered claims.
func (v *JWKSTokenValidator) ValidateToken(_ context.Context, token string) (*TokenClaims, error) {
	var claims accessClaims
	_, err := jwt.ParseWithClaims(token, &claims, v.jwks.Keyfunc,
		parserOptions(v.issuer, v.audience, []string{"RS256", "RS384", "RS512", "ES256", "ES384", "EdDSA"})...)
	if err != nil {
		return nil, mapJWTError(err)
	}
	return claims.toTokenClaims()
}

// Close stops background key refresh.
func (v *JWKSTokenValidator) Close() error {
	v.cancel()
	return nil
}
