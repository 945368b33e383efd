package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + s.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, s
}

func TestNewRedisStore(t *testing.T) {
	store, _ := setupTestRedis(t)
	assert.NoError(t, store.Ping(context.Background()))
}

func TestNewRedisStoreRejectsBadURL(t *testing.T) {
	_, err := NewRedisStore("not a url")
	assert.Error(t, err)
}

func TestRevokeAndLookup(t *testing.T) {
	store, s := setupTestRedis(t)
	ctx := context.Background()

	revoked, err := store.Revoked(ctx, "tok_1")
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, store.Revoke(ctx, "tok_1", "user-1", time.Now().Add(time.Hour)))
	revoked, err = store.Revoked(ctx, "tok_1")
	require.NoError(t, err)
	assert.True(t, revoked)

	revoked, err = store.Revoked(ctx, "tok_2")
	require.NoError(t, err)
	assert.False(t, revoked)

	ttl := s.TTL("anchoredit:revoked:tok_1")
	assert.Greater(t, ttl, 59*time.Minute)
	assert.LessOrEqual(t, ttl, time.Hour)
}

func TestRevocationExpiresWithToken(t *testing.T) {
	store, s := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, store.Revoke(ctx, "tok_1", "user-1", time.Now().Add(time.Minute)))
	s.FastForward(2 * time.Minute)

	revoked, err := store.Revoked(ctx, "tok_1")
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestRevokeWithoutExpiryUsesFallback(t *testing.T) {
	store, s := setupTestRedis(t)
	require.NoError(t, store.Revoke(context.Background(), "tok_1", "user-1", time.Time{}))
	assert.Equal(t, fallbackTTL, s.TTL("anchoredit:revoked:tok_1"))
}

func TestMemoryStore(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	store.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, store.Revoke(ctx, "tok_1", "user-1", now.Add(time.Minute)))
	revoked, err := store.Revoked(ctx, "tok_1")
	require.NoError(t, err)
	assert.True(t, revoked)

	revoked, err = store.Revoked(ctx, "tok_2")
	require.NoError(t, err)
	assert.False(t, revoked)

	now = now.Add(2 * time.Minute)
	revoked, err = store.Revoked(ctx, "tok_1")
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, store.Revoke(ctx, "tok_2", "user-2", time.Time{}))
	assert.NotContains(t, store.entries, "tok_1")
	assert.Equal(t, now.Add(fallbackTTL), store.entries["tok_2"])
}
