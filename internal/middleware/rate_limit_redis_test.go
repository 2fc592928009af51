//go:build integration

package middleware_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lllypuk/evstore/internal/middleware"
	"github.com/lllypuk/evstore/tests/testutil"
)

func TestRedisRateLimitStore(t *testing.T) {
	client := testutil.SetupTestRedis(t)
	store := middleware.NewRedisRateLimitStore(client, "test:ratelimit:")
	ctx := context.Background()

	first, ttl, err := store.Increment(ctx, "subject:billing", time.Minute)
	require.NoError(t, err)
	second, _, err := store.Increment(ctx, "subject:billing", time.Minute)
	require.NoError(t, err)
	other, _, err := store.Increment(ctx, "subject:audit", time.Minute)
	require.NoError(t, err)

	assert.Equal(t, int64(1), first)
	assert.Equal(t, int64(2), second)
	assert.Equal(t, int64(1), other)
	assert.Greater(t, ttl, 50*time.Second)
}
