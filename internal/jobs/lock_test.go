package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestMemoryLocker(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	l := NewMemoryLocker()
	l.now = func() time.Time { return now }

	release, err := l.Acquire(ctx, "job:a", time.Minute)
	require.NoError(t, err)
	_, err = l.Acquire(ctx, "job:a", time.Minute)
	assert.ErrorIs(t, err, ErrLocked)

	other, err := l.Acquire(ctx, "job:b", time.Minute)
	require.NoError(t, err)
	require.NoError(t, other(ctx))

	require.NoError(t, release(ctx))
	again, err := l.Acquire(ctx, "job:a", time.Minute)
	require.NoError(t, err)

	// expired locks can be taken over, and the stale holder cannot release them
	now = now.Add(2 * time.Minute)
	taken, err := l.Acquire(ctx, "job:a", time.Minute)
	require.NoError(t, err)
	require.NoError(t, again(ctx))
	_, err = l.Acquire(ctx, "job:a", time.Minute)
	assert.ErrorIs(t, err, ErrLocked)
	require.NoError(t, taken(ctx))
}

func TestRedisLocker_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping redis container test in short mode")
	}
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { _ = client.Close() })

	a := NewRedisLocker(client, "smartmoney")
	b := NewRedisLocker(client, "smartmoney")

	release, err := a.Acquire(ctx, "job:market_sync", time.Minute)
	require.NoError(t, err)
	_, err = b.Acquire(ctx, "job:market_sync", time.Minute)
	assert.ErrorIs(t, err, ErrLocked)

	ttl, err := client.PTTL(ctx, "smartmoney:lock:job:market_sync").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 50*time.Second)

	require.NoError(t, release(ctx))
	release2, err := b.Acquire(ctx, "job:market_sync", time.Minute)
	require.NoError(t, err)
	// a second release by the first holder must not free b's lock
	require.NoError(t, release(ctx))
	_, err = a.Acquire(ctx, "job:market_sync", time.Minute)
	assert.ErrorIs(t, err, ErrLocked)
	require.NoError(t, release2(ctx))
}
