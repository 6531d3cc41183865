package monitoring

import (
	"context"
	"testing"
	"time"

	"manchengo/api/internal/lock"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestRunOnceSharesLeaseAcrossReplicas(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := seedStore()
	svc := newService(f, Options{})
	first := NewMonitor(svc, lock.New(client), time.Minute, nil)
	second := NewMonitor(svc, lock.New(client), time.Minute, nil)

	report, ran, err := first.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 2, report.Raised[AlertLowStockMP])
	assert.True(t, mr.Exists(LockKey))
	assert.Equal(t, time.Minute, mr.TTL(LockKey))

	_, ran, err = second.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, ran, "the lease is held for the whole interval")
	assert.Equal(t, 1, f.expireCalls)

	mr.FastForward(time.Minute)
	_, ran, err = second.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, 2, f.expireCalls)
}

func TestRunOnceKeepsLeaseAcrossConsecutiveTicks(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := seedStore()
	svc := newService(f, Options{})
	holder := NewMonitor(svc, lock.New(client), time.Minute, nil)
	other := NewMonitor(svc, lock.New(client), time.Minute, nil)

	_, ran, err := holder.RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, ran)

	// The ticker fires a hair before the lease would expire.
	mr.FastForward(time.Minute - 50*time.Millisecond)
	_, ran, err = holder.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, ran, "the holder runs every tick")
	assert.Equal(t, 2, f.expireCalls)
	assert.Equal(t, time.Minute, mr.TTL(LockKey))

	mr.FastForward(time.Minute - 50*time.Millisecond)
	_, ran, err = other.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Equal(t, 2, f.expireCalls)
}

func TestRunLoopsUntilCancelled(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	f := seedStore()
	svc := newService(f, Options{})
	m := NewMonitor(svc, nil, 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.expireCalls >= 3
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop")
	}
}

func TestRunReleasesLeaseOnShutdown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	f := seedStore()
	m := NewMonitor(newService(f, Options{}), lock.New(client), time.Hour, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.expireCalls == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.True(t, mr.Exists(LockKey))

	cancel()
	require.NoError(t, <-done)
	assert.False(t, mr.Exists(LockKey))
}
