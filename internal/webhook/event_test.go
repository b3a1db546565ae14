package webhook

import (
	"strings"
	"testing"

	"github.com/ariefcatur/go-order-reconciler/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerify(t *testing.T) {
	body := []byte(`{"event":"payment.captured"}`)
	v := Verifier{Secret: "s3cret"}
	sig := Sign("s3cret", body)

	assert.NoError(t, v.Verify(body, sig))
	assert.NoError(t, v.Verify(body, "  "+strings.ToUpper(sig)+"\n"))
	assert.ErrorIs(t, v.Verify(body, "zz"), domain.ErrInvalidSignature)
	assert.ErrorIs(t, v.Verify(append(body, ' '), sig), domain.ErrInvalidSignature)
	assert.ErrorIs(t, Verifier{}.Verify(body, sig), domain.ErrInvalidSignature)
}

func TestParseEvent(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"event":"payment.captured","payload":{"payment":{"entity":{"id":"pay_1","order_id":"order_A","amount":1250}}}}`))
	require.NoError(t, err)
	assert.Equal(t, EventPaymentCaptured, ev.Type)
	assert.Equal(t, "order_A", ev.GatewayOrderID)
	assert.Equal(t, "pay_1", ev.GatewayPaymentID)
	assert.True(t, ev.HasAmount)
	assert.Equal(t, int64(1250), ev.AmountMinor)

	ev, err = ParseEvent([]byte(`{"event":"order.paid","payload":{"order":{"entity":{"id":"order_B","amount":900,"amount_paid":800}}}}`))
	require.NoError(t, err)
	assert.Equal(t, EventOrderPaid, ev.Type)
	assert.Equal(t, "order_B", ev.GatewayOrderID)
	assert.Equal(t, int64(800), ev.AmountMinor)

	ev, err = ParseEvent([]byte(`{"event":"payment.failed","payload":{"payment":{"entity":{"order_id":"order_C","error_reason":"payment_timed_out"}}}}`))
	require.NoError(t, err)
	assert.Equal(t, EventPaymentFailed, ev.Type)
	assert.Equal(t, "payment_timed_out", ev.FailureReason)
	assert.False(t, ev.HasAmount)

	ev, err = ParseEvent([]byte(`{"event":"payment.failed","payload":{"payment":{"entity":{"order_id":"order_C"}}}}`))
	require.NoError(t, err)
	assert.Equal(t, "payment failed", ev.FailureReason)

	ev, err = ParseEvent([]byte(`{"event":"subscription.charged","payload":{}}`))
	require.NoError(t, err)
	assert.Equal(t, EventUnknown, ev.Type)
	assert.Equal(t, "subscription.charged", ev.Name)

	_, err = ParseEvent([]byte(`{"payload":{}}`))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = ParseEvent([]byte(`[`))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}
