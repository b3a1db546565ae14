package webhook

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/go-order-reconciler/internal/domain"
	"github.com/ariefcatur/go-order-reconciler/internal/events"
	"github.com/ariefcatur/go-order-reconciler/internal/inventory"
	"github.com/ariefcatur/go-order-reconciler/internal/orders"
	"github.com/ariefcatur/go-order-reconciler/internal/payments"
	"github.com/ariefcatur/go-order-reconciler/internal/store"
	"github.com/ariefcatur/go-order-reconciler/internal/store/memstore"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secret = "whsec_test"

type stubGateway struct{ n int }

func (g *stubGateway) CreateRemoteOrder(context.Context, decimal.Decimal, string, string) (string, error) {
	g.n++
	return fmt.Sprintf("gw_%03d", g.n), nil
}

func (g *stubGateway) KeyID() string { return "rzp_test_key" }

type memDedup struct {
	mu   sync.Mutex
	seen map[string]string
}

func (d *memDedup) Seen(_ context.Context, ref string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.seen[ref]
	return ok, nil
}

func (d *memDedup) Mark(_ context.Context, ref, paymentID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen[ref] = paymentID
	return nil
}

type fixture struct {
	st    *memstore.Store
	rec   *events.Recorder
	ord   *orders.Service
	pay   *payments.Service
	svc   *Service
	dedup *memDedup
}

var (
	alice = domain.Principal{UserID: "alice", Role: domain.RoleCustomer}
	admin = domain.Principal{UserID: "root", Role: domain.RoleAdmin}
)

func newFixture(t *testing.T, withDedup bool) *fixture {
	t.Helper()
	st := memstore.New()
	rec := &events.Recorder{}
	em := events.Emitter{Producer: "test", Pub: rec}
	ord := &orders.Service{Store: st, Ledger: inventory.NewLedger(nil, nil), Events: em}
	pay := &payments.Service{Store: st, Orders: ord, Gateway: &stubGateway{}, Events: em, Expiry: 2 * time.Minute}
	f := &fixture{st: st, rec: rec, ord: ord, pay: pay}
	f.svc = &Service{Verifier: Verifier{Secret: secret}, Store: st, Payments: pay, Orders: ord, Events: em}
	if withDedup {
		f.dedup = &memDedup{seen: map[string]string{}}
		f.svc.Dedup = f.dedup
	}
	return f
}

// setup is Scenario A followed by the first attempt of Scenario B: two units
// of X (stock 5, price 250.00) held by a PENDING order paid through gw_001.
func (f *fixture) setup(t *testing.T) (domain.Order, domain.Payment) {
	t.Helper()
	f.st.PutProduct(domain.Product{ID: "X", SKU: "X", Price: decimal.RequireFromString("250.00"), Stock: 5})
	f.st.SetCartLine("alice", "X", 2)
	o, err := f.ord.CreateFromCart(context.Background(), alice, "addr")
	require.NoError(t, err)
	a, err := f.pay.CreateAttempt(context.Background(), alice, o.ID, "")
	require.NoError(t, err)
	require.Equal(t, "gw_001", a.Payment.GatewayOrderID)
	return o, a.Payment
}

func captured(gwOrder, gwPayment string, amount int64) []byte {
	return []byte(fmt.Sprintf(`{"event":"payment.captured","payload":{"payment":{"entity":{"id":%q,"order_id":%q,"amount":%d,"status":"captured"}}}}`,
		gwPayment, gwOrder, amount))
}

func (f *fixture) deliver(t *testing.T, body []byte) Result {
	t.Helper()
	res, err := f.svc.Ingest(context.Background(), body, Sign(secret, body))
	require.NoError(t, err)
	return res
}

func TestIngest_CaptureSettlesOrder(t *testing.T) {
	f := newFixture(t, false)
	o, p := f.setup(t)

	body := captured("gw_001", "pay_1", 50000)
	res := f.deliver(t, body)
	assert.True(t, res.Applied)
	assert.Equal(t, ReasonCaptured, res.Reason)
	assert.Equal(t, p.ID, res.PaymentID)

	gotPay, _ := f.st.Payment(p.ID)
	assert.Equal(t, domain.PaymentSuccess, gotPay.Status)
	assert.Equal(t, "pay_1", gotPay.GatewayPaymentID)
	assert.Equal(t, Sign(secret, body), gotPay.GatewaySignature)
	gotOrder, _ := f.st.Order(o.ID)
	assert.Equal(t, domain.OrderPaid, gotOrder.Status)

	x, _ := f.st.Product("X")
	assert.Equal(t, 3, x.Stock)
	assert.Zero(t, x.Reserved)
	assert.Len(t, f.rec.Of(events.EventOrderPaid), 1)
}

func TestIngest_RedeliveryIsNoop(t *testing.T) {
	for _, withDedup := range []bool{false, true} {
		t.Run(fmt.Sprintf("dedup=%v", withDedup), func(t *testing.T) {
			f := newFixture(t, withDedup)
			o, _ := f.setup(t)
			body := captured("gw_001", "pay_1", 50000)

			first := f.deliver(t, body)
			require.True(t, first.Applied)
			second := f.deliver(t, body)
			assert.False(t, second.Applied)
			assert.Equal(t, ReasonDuplicate, second.Reason)

			gotOrder, _ := f.st.Order(o.ID)
			assert.Equal(t, domain.OrderPaid, gotOrder.Status)
			x, _ := f.st.Product("X")
			assert.Equal(t, 3, x.Stock, "no double deduction")
			assert.Len(t, f.rec.Of(events.EventOrderPaid), 1)
		})
	}
}

func TestIngest_OrderPaidWithoutPaymentEntity(t *testing.T) {
	f := newFixture(t, false)
	o, _ := f.setup(t)

	body := []byte(`{"event":"order.paid","payload":{"order":{"entity":{"id":"gw_001","amount":50000,"amount_paid":50000}}}}`)
	res := f.deliver(t, body)
	assert.True(t, res.Applied)

	res = f.deliver(t, body)
	assert.Equal(t, ReasonDuplicate, res.Reason)
	gotOrder, _ := f.st.Order(o.ID)
	assert.Equal(t, domain.OrderPaid, gotOrder.Status)
}

func TestIngest_Reasons(t *testing.T) {
	f := newFixture(t, false)
	o, p := f.setup(t)

	cases := []struct {
		name string
		body string
		want string
	}{
		{"unknown event", `{"event":"refund.created","payload":{}}`, ReasonIgnored},
		{"missing order id", `{"event":"payment.captured","payload":{"payment":{"entity":{"id":"pay_1","amount":50000}}}}`, ReasonMissingOrderID},
		{"unknown gateway order", string(captured("gw_999", "pay_1", 50000)), ReasonUnknownOrder},
		{"amount mismatch", string(captured("gw_001", "pay_1", 49999)), ReasonAmountMismatch},
		{"no amount", `{"event":"payment.captured","payload":{"payment":{"entity":{"id":"pay_1","order_id":"gw_001"}}}}`, ReasonAmountMismatch},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := f.deliver(t, []byte(tc.body))
			assert.False(t, res.Applied)
			assert.Equal(t, tc.want, res.Reason)
		})
	}

	gotPay, _ := f.st.Payment(p.ID)
	assert.Equal(t, domain.PaymentPending, gotPay.Status, "nothing applied")
	gotOrder, _ := f.st.Order(o.ID)
	assert.Equal(t, domain.OrderPending, gotOrder.Status)
}

func TestIngest_RejectsUnverifiedInput(t *testing.T) {
	f := newFixture(t, false)
	f.setup(t)
	body := captured("gw_001", "pay_1", 50000)

	_, err := f.svc.Ingest(context.Background(), body, Sign("wrong", body))
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)
	_, err = f.svc.Ingest(context.Background(), body, "")
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)

	f.svc.Verifier.Secret = ""
	_, err = f.svc.Ingest(context.Background(), body, Sign(secret, body))
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)

	f.svc.Verifier.Secret = secret
	junk := []byte(`{not json`)
	_, err = f.svc.Ingest(context.Background(), junk, Sign(secret, junk))
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	assert.NotContains(t, f.rec.Types(), events.EventOrderPaid)
}

func TestIngest_CaptureAfterCancelNeedsReview(t *testing.T) {
	f := newFixture(t, false)
	o, p := f.setup(t)
	_, err := f.ord.Cancel(context.Background(), alice, o.ID)
	require.NoError(t, err)

	res := f.deliver(t, captured("gw_001", "pay_1", 50000))
	assert.False(t, res.Applied)
	assert.Equal(t, ReasonReview, res.Reason)

	gotOrder, _ := f.st.Order(o.ID)
	assert.Equal(t, domain.OrderCancelled, gotOrder.Status, "never reopened")
	gotPay, _ := f.st.Payment(p.ID)
	assert.Equal(t, domain.PaymentCancelled, gotPay.Status)

	reviews := f.rec.Of(events.EventPaymentReviewRequired)
	require.Len(t, reviews, 1)
	rp, err := events.UnwrapPayload[events.ReviewPayload](reviews[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, p.ID, rp.PaymentID)
	assert.Equal(t, "CANCELLED", rp.OrderStatus)
}

func TestIngest_FailureMarksActiveAttempt(t *testing.T) {
	f := newFixture(t, false)
	o, p := f.setup(t)

	body := []byte(`{"event":"payment.failed","payload":{"payment":{"entity":{"id":"pay_F","order_id":"gw_001","amount":50000,"error_code":"BAD_REQUEST_ERROR","error_description":"Payment was declined by the bank"}}}}`)
	res := f.deliver(t, body)
	assert.True(t, res.Applied)
	assert.Equal(t, ReasonFailed, res.Reason)

	gotPay, _ := f.st.Payment(p.ID)
	assert.Equal(t, domain.PaymentFailed, gotPay.Status)
	assert.Equal(t, "Payment was declined by the bank", gotPay.FailureReason)
	gotOrder, _ := f.st.Order(o.ID)
	assert.Equal(t, domain.OrderFailed, gotOrder.Status)
	x, _ := f.st.Product("X")
	assert.Equal(t, 2, x.Reserved, "hold kept for a retry")
	assert.Len(t, f.rec.Of(events.EventPaymentFailed), 1)

	res = f.deliver(t, body)
	assert.Equal(t, ReasonDuplicate, res.Reason)

	// a capture on the failed attempt cannot reopen it
	res = f.deliver(t, captured("gw_001", "pay_2", 50000))
	assert.Equal(t, ReasonReview, res.Reason)
}

func TestIngest_FailureAfterSuccessIsStale(t *testing.T) {
	f := newFixture(t, false)
	o, p := f.setup(t)
	require.True(t, f.deliver(t, captured("gw_001", "pay_1", 50000)).Applied)

	body := []byte(`{"event":"payment.failed","payload":{"payment":{"entity":{"id":"pay_9","order_id":"gw_001"}}}}`)
	res := f.deliver(t, body)
	assert.Equal(t, ReasonStale, res.Reason)

	gotPay, _ := f.st.Payment(p.ID)
	assert.Equal(t, domain.PaymentSuccess, gotPay.Status)
	gotOrder, _ := f.st.Order(o.ID)
	assert.Equal(t, domain.OrderPaid, gotOrder.Status)
}

func TestIngest_ExactlyOnePaidUnderConcurrentRedelivery(t *testing.T) {
	f := newFixture(t, true)
	o, _ := f.setup(t)
	body := captured("gw_001", "pay_1", 50000)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.Ingest(context.Background(), body, Sign(secret, body))
			if assert.NoError(t, err) && res.Applied {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, applied)
	gotOrder, _ := f.st.Order(o.ID)
	assert.Equal(t, domain.OrderPaid, gotOrder.Status)
	x, _ := f.st.Product("X")
	assert.Equal(t, 3, x.Stock)
}

// staleLookupStore serves the gateway order lookup from a snapshot taken
// before any capture, the view a concurrent delivery has on a READ COMMITTED
// store until it takes its row locks.
type staleLookupStore struct {
	store.Store
	snap domain.Payment
}

func (s staleLookupStore) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	return s.Store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		return fn(ctx, staleLookupTx{Tx: tx, snap: s.snap})
	})
}

type staleLookupTx struct {
	store.Tx
	snap domain.Payment
}

func (t staleLookupTx) GetPaymentByGatewayOrderID(ctx context.Context, id string) (domain.Payment, error) {
	if id == t.snap.GatewayOrderID {
		return t.snap, nil
	}
	return t.Tx.GetPaymentByGatewayOrderID(ctx, id)
}

func TestIngest_RedeliveryRacingFirstCaptureIsDuplicate(t *testing.T) {
	f := newFixture(t, false)
	o, p := f.setup(t)
	require.Equal(t, domain.PaymentPending, p.Status)

	require.True(t, f.deliver(t, captured("gw_001", "pay_1", 50000)).Applied)

	f.svc.Store = staleLookupStore{Store: f.st, snap: p}
	res := f.deliver(t, captured("gw_001", "pay_1", 50000))
	assert.False(t, res.Applied)
	assert.Equal(t, ReasonDuplicate, res.Reason)
	assert.Empty(t, f.rec.Of(events.EventPaymentReviewRequired))

	gotOrder, _ := f.st.Order(o.ID)
	assert.Equal(t, domain.OrderPaid, gotOrder.Status)
	x, _ := f.st.Product("X")
	assert.Equal(t, 3, x.Stock, "settled once")
}

func TestIngest_CaptureAfterDeleteAttempt(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	o, p := f.setup(t)

	assert.ErrorIs(t, f.ord.Delete(ctx, alice, o.ID), domain.ErrForbidden)
	assert.ErrorIs(t, f.ord.Delete(ctx, admin, o.ID), domain.ErrConflict, "live attempt blocks delete")

	res := f.deliver(t, captured("gw_001", "pay_1", 50000))
	assert.True(t, res.Applied, "the capture still finds its payment")
	assert.Equal(t, p.ID, res.PaymentID)
	gotOrder, _ := f.st.Order(o.ID)
	assert.Equal(t, domain.OrderPaid, gotOrder.Status)
}

func TestIngest_CaptureForDeletedOrderNeedsReview(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	o, _ := f.setup(t)

	_, err := f.ord.Cancel(ctx, admin, o.ID)
	require.NoError(t, err)
	require.NoError(t, f.ord.Delete(ctx, admin, o.ID))

	res := f.deliver(t, captured("gw_001", "pay_1", 50000))
	assert.False(t, res.Applied)
	assert.Equal(t, ReasonUnknownOrder, res.Reason)

	reviews := f.rec.Of(events.EventPaymentReviewRequired)
	require.Len(t, reviews, 1)
	r, err := events.UnwrapPayload[events.ReviewPayload](reviews[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, "gw_001", r.GatewayOrderID)
	assert.Equal(t, "pay_1", r.GatewayPaymentID)
	assert.Equal(t, "gw_001", reviews[0].CorrelationID)
}
