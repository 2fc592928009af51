package middleware_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lllypuk/evstore/internal/middleware"
)

func jsonLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func lastLogLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.NotEmpty(t, lines)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[len(lines)-1], &entry))
	return entry
}

func TestLogging(t *testing.T) {
	t.Run("logs stream and request id", func(t *testing.T) {
		var buf bytes.Buffer
		e := echo.New()
		e.Use(middleware.Logging(middleware.LoggingConfig{Logger: jsonLogger(&buf)}))
		e.GET("/api/v1/streams/:stream_id", func(c echo.Context) error {
			return c.NoContent(http.StatusNotFound)
		})

		req := httptest.NewRequest(http.MethodGet, "/api/v1/streams/acct-1", nil)
		req.Header.Set(middleware.RequestIDHeader, "req-42")
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		entry := lastLogLine(t, &buf)
		assert.Equal(t, "req-42", rec.Header().Get(middleware.RequestIDHeader))
		assert.Equal(t, "WARN", entry["level"])
		assert.Equal(t, "acct-1", entry["stream_id"])
		assert.Equal(t, "req-42", entry["request_id"])
		assert.Equal(t, "/api/v1/streams/:stream_id", entry["route"])
		assert.InDelta(t, http.StatusNotFound, entry["status"], 0)
	})

	t.Run("generates request id", func(t *testing.T) {
		var buf bytes.Buffer
		e := echo.New()
		e.Use(middleware.Logging(middleware.LoggingConfig{Logger: jsonLogger(&buf)}))
		e.GET("/x", func(c echo.Context) error {
			return c.String(http.StatusOK, middleware.GetRequestID(c))
		})

		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))

		assert.NotEmpty(t, rec.Body.String())
		assert.Equal(t, rec.Body.String(), rec.Header().Get(middleware.RequestIDHeader))
	})

	t.Run("skips health", func(t *testing.T) {
		var buf bytes.Buffer
		cfg := middleware.DefaultLoggingConfig()
		cfg.Logger = jsonLogger(&buf)
		e := echo.New()
		e.Use(middleware.Logging(cfg))
		e.GET("/health", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

		assert.Zero(t, buf.Len())
	})
}

func TestRecovery(t *testing.T) {
	var buf bytes.Buffer
	e := echo.New()
	e.Use(middleware.Recovery(jsonLogger(&buf)))
	e.GET("/boom", func(echo.Context) error { panic("kaboom") })

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/boom", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "INTERNAL_ERROR")
	entry := lastLogLine(t, &buf)
	assert.Equal(t, "panic recovered", entry["msg"])
	assert.Equal(t, "kaboom", entry["error"])
	assert.Contains(t, entry["stack"], "goroutine")
}

func TestCORS_Preflight(t *testing.T) {
	e := echo.New()
	e.Use(middleware.CORS("https://ops.example.com"))
	e.POST("/api/v1/streams/:id/events", func(c echo.Context) error { return c.NoContent(http.StatusCreated) })

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/streams/a/events", nil)
	req.Header.Set(echo.HeaderOrigin, "https://ops.example.com")
	req.Header.Set(echo.HeaderAccessControlRequestMethod, http.MethodPost)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://ops.example.com", rec.Header().Get(echo.HeaderAccessControlAllowOrigin))
	assert.Contains(t, rec.Header().Get(echo.HeaderAccessControlAllowMethods), http.MethodPost)
}

func TestRateLimit(t *testing.T) {
	store := middleware.NewMemoryRateLimitStore()
	e := echo.New()
	e.Use(middleware.RateLimit(middleware.RateLimitConfig{
		Store:     store,
		Limit:     2,
		BurstSize: 1,
		Window:    time.Minute,
	}))
	e.POST("/write", func(c echo.Context) error { return c.NoContent(http.StatusCreated) })

	send := func(ip string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/write", nil)
		req.Header.Set(echo.HeaderXRealIP, ip)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec
	}

	for range 3 {
		require.Equal(t, http.StatusCreated, send("10.0.0.1").Code)
	}
	limited := send("10.0.0.1")
	other := send("10.0.0.2")

	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.Contains(t, limited.Body.String(), "RATE_LIMIT_EXCEEDED")
	assert.Equal(t, "0", limited.Header().Get("X-Ratelimit-Remaining"))
	assert.Equal(t, "60", limited.Header().Get("Retry-After"))
	assert.Equal(t, http.StatusCreated, other.Code)
	assert.Equal(t, "2", other.Header().Get("X-Ratelimit-Remaining"))
}

func TestRateLimit_NilStoreDisables(t *testing.T) {
	e := echo.New()
	e.Use(middleware.RateLimit(middleware.RateLimitConfig{Limit: 1}))
	e.GET("/", func(c echo.Context) error { return c.NoContent(http.StatusOK) })

	for range 5 {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestMemoryRateLimitStore_Concurrent(t *testing.T) {
	store := middleware.NewMemoryRateLimitStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := store.Increment(ctx, "k", time.Minute)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	count, ttl, err := store.Increment(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(51), count)
	assert.Positive(t, ttl)
}
