// Package review consumes PaymentReviewRequired events into the manual
// review queue that operators read from GET /admin/reviews.
package review

import (
	"context"

	"github.com/ariefcatur/go-order-reconciler/internal/events"
	kafkax "github.com/ariefcatur/go-order-reconciler/internal/kafka"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type Queue interface {
	Push(ctx context.Context, r events.ReviewPayload) error
}

// Claims dedups redelivered messages by event id.
type Claims interface {
	Claim(ctx context.Context, eventID string) (bool, error)
	Release(ctx context.Context, eventID string) error
}

type Handler struct {
	Queue  Queue
	Claims Claims
	Log    *zap.Logger
}

// Handle is a kafka.Handler. Undecodable messages are logged and committed;
// a failed push returns an error so the offset is not committed.
func (h *Handler) Handle(ctx context.Context, m kafka.Message) error {
	log := h.Log
	if log == nil {
		log = zap.NewNop()
	}
	if t := kafkax.HeaderValue(m, kafkax.HeaderEventType); t != "" && t != events.EventPaymentReviewRequired {
		return nil
	}
	env, err := kafkax.DecodeEnvelope(m)
	if err != nil {
		log.Warn("skipping undecodable message", zap.Int64("offset", m.Offset), zap.Error(err))
		return nil
	}
	if env.EventType != events.EventPaymentReviewRequired {
		return nil
	}
	log = log.With(zap.String("event_id", env.EventID), zap.String("order_id", env.CorrelationID), zap.String("trace_id", env.TraceID))

	p, err := events.UnwrapPayload[events.ReviewPayload](env.Payload)
	if err != nil {
		log.Warn("skipping review event with bad payload", zap.Error(err))
		return nil
	}

	if h.Claims != nil {
		first, err := h.Claims.Claim(ctx, env.EventID)
		if err != nil {
			return err
		}
		if !first {
			log.Info("review event already queued")
			return nil
		}
	}
	if err := h.Queue.Push(ctx, p); err != nil {
		if h.Claims != nil {
			if rerr := h.Claims.Release(ctx, env.EventID); rerr != nil {
				log.Warn("release claim", zap.Error(rerr))
			}
		}
		return err
	}
	log.Warn("payment queued for manual review",
		zap.String("payment_id", p.PaymentID), zap.String("payment_status", p.PaymentStatus),
		zap.String("order_status", p.OrderStatus), zap.String("why", p.Reason))
	return nil
}
