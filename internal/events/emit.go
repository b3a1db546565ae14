package events

import (
	"context"

	"github.com/ariefcatur/go-order-reconciler/internal/logging"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Emitter stamps envelopes with the producer name and the caller's trace id
// and hands them to Pub. Publish failures are logged, never returned: the
// state change they describe has already committed.
type Emitter struct {
	Producer string
	Pub      Publisher
	Log      *zap.Logger
}

func (e Emitter) Emit(ctx context.Context, eventType, orderID string, payload any) {
	if e.Pub == nil {
		return
	}
	log := logging.From(ctx, e.Log)
	env, err := New(e.Producer, eventType, orderID, TraceID(ctx), payload)
	if err != nil {
		log.Error("build event", zap.String("event_type", eventType), zap.Error(err))
		return
	}
	if err := e.Pub.Publish(ctx, env); err != nil {
		log.Warn("publish event", zap.String("event_type", eventType), zap.String("order_id", orderID), zap.Error(err))
	}
}

// TraceID returns the active span's trace id, or "" outside a sampled span.
func TraceID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return ""
	}
	return sc.TraceID().String()
}
