package redisx

import "time"

const (
	// Cached order view: order_status:{order_id} -> {"order_id","status","updated_at"}
	KeyOrderStatus = "order_status:%s"

	// Applied gateway payments: dedup:webhook:{gateway_payment_id} -> payment_id
	KeyWebhookDedup = "dedup:webhook:%s"

	// Single-runner lock for the expiry sweep across replicas.
	KeySweepLock = "lock:sweep"

	// Consumed events: dedup:{consumer}:{event_id} -> 1
	KeyEventDedup = "dedup:%s:%s"

	// Manual-review queue for captured payments that could not be applied.
	KeyReviewQueue = "review:payments"
)

var (
	TTLStatusCache  = 5 * time.Minute
	TTLWebhookDedup = 48 * time.Hour
	TTLEventDedup   = 24 * time.Hour
	MaxReviewQueue  = int64(1000)
)
