package redisx

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/ariefcatur/go-order-reconciler/internal/events"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	rdb := New(addr)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func TestStatusCache_SetGetInvalidate(t *testing.T) {
	rdb := getRedis(t)
	ctx := context.Background()
	c := &StatusCache{RDB: rdb}
	id := uuid.NewString()

	_, ok, err := c.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, OrderView{OrderID: id, Status: "PAID", UpdatedAt: time.Now().UTC()}))
	v, ok, err := c.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "PAID", v.Status)

	require.NoError(t, c.Invalidate(ctx, id))
	_, ok, _ = c.Get(ctx, id)
	assert.False(t, ok)
}

func TestDedup_MarkThenSeen(t *testing.T) {
	rdb := getRedis(t)
	ctx := context.Background()
	d := &Dedup{RDB: rdb}
	ref := "pay_" + uuid.NewString()
	t.Cleanup(func() { rdb.Del(ctx, fmt.Sprintf(KeyWebhookDedup, ref)) })

	seen, err := d.Seen(ctx, ref)
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, d.Mark(ctx, ref, "p-1"))
	seen, err = d.Seen(ctx, ref)
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestLocker_SingleHolder(t *testing.T) {
	rdb := getRedis(t)
	ctx := context.Background()
	l := &Locker{RDB: rdb}
	key := "lock:test:" + uuid.NewString()

	release, ok, err := l.Acquire(ctx, key, 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok2, err := l.Acquire(ctx, key, 5*time.Second)
	require.NoError(t, err)
	assert.False(t, ok2)

	release()
	release3, ok3, err := l.Acquire(ctx, key, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok3)
	release3()
}

func TestReviewQueue_PushList(t *testing.T) {
	rdb := getRedis(t)
	ctx := context.Background()
	q := &ReviewQueue{RDB: rdb}
	t.Cleanup(func() { rdb.Del(ctx, KeyReviewQueue) })
	rdb.Del(ctx, KeyReviewQueue)

	require.NoError(t, q.Push(ctx, events.ReviewPayload{PaymentID: "p-1", Reason: "order cancelled"}))
	require.NoError(t, q.Push(ctx, events.ReviewPayload{PaymentID: "p-2", Reason: "payment expired"}))

	got, err := q.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "p-2", got[0].PaymentID)
}

func TestEventDedup_ClaimOnce(t *testing.T) {
	rdb := getRedis(t)
	ctx := context.Background()
	d := &EventDedup{RDB: rdb, Consumer: "test"}
	id := uuid.NewString()
	t.Cleanup(func() { rdb.Del(ctx, fmt.Sprintf(KeyEventDedup, "test", id)) })

	ok, err := d.Claim(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = d.Claim(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, d.Release(ctx, id))
	ok, err = d.Claim(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
}
