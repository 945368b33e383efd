package lease

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisLocker(t *testing.T) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	locker, err := NewRedisLocker(context.Background(), "redis://"+server.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = locker.Close() })
	return locker, server
}

func TestRedisLockerIsExclusive(t *testing.T) {
	locker, server := newRedisLocker(t)
	ctx := context.Background()

	held, err := locker.Acquire(ctx, DocumentKey("doc-1"), time.Minute)
	require.NoError(t, err)
	assert.True(t, server.Exists("anchoredit:apply:document:doc-1"))

	_, err = locker.Acquire(ctx, DocumentKey("doc-1"), time.Minute)
	assert.ErrorIs(t, err, ErrHeld)

	other, err := locker.Acquire(ctx, DocumentKey("doc-2"), time.Minute)
	require.NoError(t, err)
	require.NoError(t, other.Release(ctx))

	require.NoError(t, held.Release(ctx))
	assert.False(t, server.Exists("anchoredit:apply:document:doc-1"))

	again, err := locker.Acquire(ctx, DocumentKey("doc-1"), time.Minute)
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestRedisLockerExpiredLeaseDoesNotReleaseNewOwner(t *testing.T) {
	locker, server := newRedisLocker(t)
	ctx := context.Background()

	stale, err := locker.Acquire(ctx, RequestKey("req_1"), time.Second)
	require.NoError(t, err)
	server.FastForward(2 * time.Second)

	fresh, err := locker.Acquire(ctx, RequestKey("req_1"), time.Minute)
	require.NoError(t, err)

	require.NoError(t, stale.Release(ctx))
	got, err := server.Get("anchoredit:claim:request:req_1")
	require.NoError(t, err)
	assert.Equal(t, fresh.Token, got)
}

func TestNewRedisLockerRejectsBadURL(t *testing.T) {
	_, err := NewRedisLocker(context.Background(), "not a url")
	assert.Error(t, err)
}

func TestLocalLocker(t *testing.T) {
	locker := NewLocalLocker()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	locker.now = func() time.Time { return now }
	ctx := context.Background()

	held, err := locker.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	_, err = locker.Acquire(ctx, "k", time.Minute)
	assert.ErrorIs(t, err, ErrHeld)

	now = now.Add(2 * time.Minute)
	fresh, err := locker.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)

	require.NoError(t, held.Release(ctx))
	_, err = locker.Acquire(ctx, "k", time.Minute)
	assert.ErrorIs(t, err, ErrHeld, "stale release must not free the new owner's lease")

	require.NoError(t, fresh.Release(ctx))
	require.NoError(t, fresh.Release(ctx))
	_, err = locker.Acquire(ctx, "k", time.Minute)
	assert.NoError(t, err)
}
