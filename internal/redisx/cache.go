package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-order-reconciler/internal/events"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// OrderView is the cached status projection of an order.
type OrderView struct {
	OrderID   string    `json:"order_id"`
	UserID    string    `json:"user_id"`
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

type StatusCache struct{ RDB *redis.Client }

// Get reports ok=false on a cache miss.
func (c *StatusCache) Get(ctx context.Context, orderID string) (OrderView, bool, error) {
	s, err := c.RDB.Get(ctx, fmt.Sprintf(KeyOrderStatus, orderID)).Result()
	if errors.Is(err, redis.Nil) {
		return OrderView{}, false, nil
	}
	if err != nil {
		return OrderView{}, false, err
	}
	var v OrderView
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return OrderView{}, false, nil
	}
	return v, true, nil
}

func (c *StatusCache) Set(ctx context.Context, v OrderView) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.RDB.Set(ctx, fmt.Sprintf(KeyOrderStatus, v.OrderID), b, TTLStatusCache).Err()
}

func (c *StatusCache) Invalidate(ctx context.Context, orderID string) error {
	return c.RDB.Del(ctx, fmt.Sprintf(KeyOrderStatus, orderID)).Err()
}

// Dedup remembers gateway payment references whose capture was applied.
// The database stays authoritative; this only short-circuits redeliveries.
type Dedup struct{ RDB *redis.Client }

func (d *Dedup) Seen(ctx context.Context, gatewayPaymentID string) (bool, error) {
	return Exists(ctx, d.RDB, fmt.Sprintf(KeyWebhookDedup, gatewayPaymentID))
}

func (d *Dedup) Mark(ctx context.Context, gatewayPaymentID, paymentID string) error {
	return d.RDB.SetNX(ctx, fmt.Sprintf(KeyWebhookDedup, gatewayPaymentID), paymentID, TTLWebhookDedup).Err()
}

// EventDedup claims consumed event ids so a redelivered message is
// processed once per consumer.
type EventDedup struct {
	RDB      *redis.Client
	Consumer string
}

// Claim reports false when the event was already claimed.
func (d *EventDedup) Claim(ctx context.Context, eventID string) (bool, error) {
	return d.RDB.SetNX(ctx, fmt.Sprintf(KeyEventDedup, d.Consumer, eventID), "1", TTLEventDedup).Result()
}

// Release drops a claim after processing failed, so a redelivery retries.
func (d *EventDedup) Release(ctx context.Context, eventID string) error {
	return d.RDB.Del(ctx, fmt.Sprintf(KeyEventDedup, d.Consumer, eventID)).Err()
}

var releaseLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// Locker is a single-holder lease lock.
type Locker struct{ RDB *redis.Client }

// Acquire returns a release func when the lease was taken. The lease
// expires on its own after ttl if the holder dies.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := l.RDB.SetNX(ctx, key, token, ttl).Result()
	if err != nil || !ok {
		return func() {}, false, err
	}
	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseLockScript.Run(ctx, l.RDB, []string{key}, token).Err()
	}
	return release, true, nil
}

// ReviewQueue is a capped list of payments awaiting manual review, newest first.
type ReviewQueue struct{ RDB *redis.Client }

func (q *ReviewQueue) Push(ctx context.Context, r events.ReviewPayload) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	pipe := q.RDB.TxPipeline()
	pipe.LPush(ctx, KeyReviewQueue, b)
	pipe.LTrim(ctx, KeyReviewQueue, 0, MaxReviewQueue-1)
	_, err = pipe.Exec(ctx)
	return err
}

func (q *ReviewQueue) List(ctx context.Context, limit int64) ([]events.ReviewPayload, error) {
	if limit <= 0 || limit > MaxReviewQueue {
		limit = MaxReviewQueue
	}
	raw, err := q.RDB.LRange(ctx, KeyReviewQueue, 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]events.ReviewPayload, 0, len(raw))
	for _, s := range raw {
		var r events.ReviewPayload
		if err := json.Unmarshal([]byte(s), &r); err != nil {
			continue
		}
		out = append(out, r)
	}
	return out, nil
}
