package kafka

import (
	"context"
	"testing"

	"github.com/ariefcatur/go-order-reconciler/internal/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeMessage(t *testing.T) {
	env, err := events.New("order-api", events.EventPaymentExpired, "o-9", "", events.PaymentPayload{PaymentID: "p-1", OrderID: "o-9"})
	require.NoError(t, err)

	m, err := EncodeMessage(events.TopicFor(env.EventType), env)
	require.NoError(t, err)

	assert.Equal(t, events.TopicPayments, m.Topic)
	assert.Equal(t, []byte("o-9"), m.Key)
	assert.Equal(t, events.EventPaymentExpired, HeaderValue(m, HeaderEventType))
	assert.Equal(t, "1", HeaderValue(m, HeaderEventVersion))
	assert.Equal(t, "", HeaderValue(m, "missing"))

	back, err := DecodeEnvelope(m)
	require.NoError(t, err)
	assert.Equal(t, env.EventID, back.EventID)

	p, err := events.UnwrapPayload[events.PaymentPayload](back.Payload)
	require.NoError(t, err)
	assert.Equal(t, "p-1", p.PaymentID)
}

func TestProducer_PublishAfterCloseFails(t *testing.T) {
	p := NewProducer([]string{"127.0.0.1:1"}, 4, nil)
	p.Start()
	p.Close()
	p.Close()
	p.WaitClosed()

	env, _ := events.New("t", events.EventOrderPaid, "o", "", nil)
	assert.ErrorIs(t, p.Publish(context.Background(), env), ErrProducerClosed)
}
