package review

import (
	"context"
	"errors"
	"testing"

	"github.com/ariefcatur/go-order-reconciler/internal/events"
	kafkax "github.com/ariefcatur/go-order-reconciler/internal/kafka"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memQueue struct {
	items []events.ReviewPayload
	err   error
}

func (q *memQueue) Push(_ context.Context, r events.ReviewPayload) error {
	if q.err != nil {
		return q.err
	}
	q.items = append(q.items, r)
	return nil
}

type memClaims map[string]bool

func (c memClaims) Claim(_ context.Context, id string) (bool, error) {
	if c[id] {
		return false, nil
	}
	c[id] = true
	return true, nil
}

func (c memClaims) Release(_ context.Context, id string) error {
	delete(c, id)
	return nil
}

func message(t *testing.T, eventType string, payload any) kafka.Message {
	t.Helper()
	env, err := events.New("test", eventType, "o-1", "trace-1", payload)
	require.NoError(t, err)
	m, err := kafkax.EncodeMessage(events.TopicFor(eventType), env)
	require.NoError(t, err)
	return m
}

func TestHandle_QueuesOnce(t *testing.T) {
	q := &memQueue{}
	h := &Handler{Queue: q, Claims: memClaims{}}
	m := message(t, events.EventPaymentReviewRequired, events.ReviewPayload{PaymentID: "p-1", OrderID: "o-1", Reason: "order is CANCELLED"})

	require.NoError(t, h.Handle(context.Background(), m))
	require.NoError(t, h.Handle(context.Background(), m))
	require.Len(t, q.items, 1)
	assert.Equal(t, "p-1", q.items[0].PaymentID)
}

func TestHandle_IgnoresOtherEvents(t *testing.T) {
	q := &memQueue{}
	h := &Handler{Queue: q}
	require.NoError(t, h.Handle(context.Background(), message(t, events.EventPaymentExpired, events.PaymentPayload{PaymentID: "p-1"})))
	require.NoError(t, h.Handle(context.Background(), kafka.Message{Value: []byte("{not json")}))
	assert.Empty(t, q.items)
}

func TestHandle_PushFailureReleasesClaim(t *testing.T) {
	q := &memQueue{err: errors.New("redis down")}
	claims := memClaims{}
	h := &Handler{Queue: q, Claims: claims}
	m := message(t, events.EventPaymentReviewRequired, events.ReviewPayload{PaymentID: "p-2"})

	assert.Error(t, h.Handle(context.Background(), m))
	assert.Empty(t, claims, "redelivery must retry")

	q.err = nil
	require.NoError(t, h.Handle(context.Background(), m))
	assert.Len(t, q.items, 1)
}
