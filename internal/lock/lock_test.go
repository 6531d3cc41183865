package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func TestSingleHolder(t *testing.T) {
	client, mr := newRedis(t)
	ctx := context.Background()
	locker := New(client)

	first, ok, err := locker.TryAcquire(ctx, "lock:monitoring", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	second, ok, err := locker.TryAcquire(ctx, "lock:monitoring", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, second)

	require.NoError(t, first.Release(ctx))
	assert.False(t, mr.Exists("lock:monitoring"))

	_, ok, err = locker.TryAcquire(ctx, "lock:monitoring", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLeaseExpires(t *testing.T) {
	client, mr := newRedis(t)
	ctx := context.Background()
	locker := New(client)

	stale, ok, err := locker.TryAcquire(ctx, "lock:monitoring", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	mr.FastForward(2 * time.Minute)

	fresh, ok, err := locker.TryAcquire(ctx, "lock:monitoring", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	assert.ErrorIs(t, stale.Release(ctx), ErrNotHeld)
	assert.True(t, mr.Exists("lock:monitoring"), "stale holder must not delete the new lease")
	require.NoError(t, fresh.Release(ctx))
}

func TestNilClientAlwaysAcquires(t *testing.T) {
	locker := New(nil)
	lease, ok, err := locker.TryAcquire(context.Background(), "lock:monitoring", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, lease.Release(context.Background()))
}

func TestExtendOnlyWhileHeld(t *testing.T) {
	client, mr := newRedis(t)
	ctx := context.Background()
	locker := New(client)

	lease, ok, err := locker.TryAcquire(ctx, "lock:monitoring", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(50 * time.Second)
	extended, err := lease.Extend(ctx, time.Minute)
	require.NoError(t, err)
	assert.True(t, extended)
	assert.Equal(t, time.Minute, mr.TTL("lock:monitoring"))

	mr.FastForward(2 * time.Minute)
	other, ok, err := locker.TryAcquire(ctx, "lock:monitoring", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	extended, err = lease.Extend(ctx, time.Minute)
	require.NoError(t, err)
	assert.False(t, extended, "an expired lease must not take over the new holder's key")
	require.NoError(t, other.Release(ctx))

	extended, err = New(nil).mustAcquire(t).Extend(ctx, time.Minute)
	require.NoError(t, err)
	assert.True(t, extended)
}

func (l *Locker) mustAcquire(t *testing.T) *Lease {
	t.Helper()
	lease, ok, err := l.TryAcquire(context.Background(), "lock:monitoring", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	return lease
}
