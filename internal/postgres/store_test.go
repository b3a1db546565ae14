package postgres

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/go-order-reconciler/internal/domain"
	"github.com/ariefcatur/go-order-reconciler/internal/events"
	"github.com/ariefcatur/go-order-reconciler/internal/inventory"
	"github.com/ariefcatur/go-order-reconciler/internal/orders"
	"github.com/ariefcatur/go-order-reconciler/internal/payments"
	"github.com/ariefcatur/go-order-reconciler/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := Connect(ctx, dsn)
	if err != nil {
		t.Skipf("postgres unreachable: %v", err)
	}
	t.Cleanup(pool.Close)
	require.NoError(t, Migrate(ctx, pool))
	return &Store{DB: pool}
}

// seedProduct creates a product with a unique id so parallel runs do not
// collide.
func seedProduct(t *testing.T, s *Store, price string, stock int) domain.Product {
	t.Helper()
	id := "p-" + uuid.NewString()[:8]
	p := domain.Product{ID: id, SKU: id, Name: "test " + id, Price: decimal.RequireFromString(price), Stock: stock}
	require.NoError(t, s.UpsertProduct(context.Background(), p))
	return p
}

func getProduct(t *testing.T, s *Store, id string) domain.Product {
	t.Helper()
	var p domain.Product
	require.NoError(t, s.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		var err error
		p, err = tx.GetProduct(ctx, id)
		return err
	}))
	return p
}

type gw struct {
	mu sync.Mutex
	n  int
}

func (g *gw) CreateRemoteOrder(context.Context, decimal.Decimal, string, string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("gw_%s_%d", uuid.NewString()[:8], g.n), nil
}

func (g *gw) KeyID() string { return "rzp_test_key" }

func services(s *Store) (*orders.Service, *payments.Service) {
	em := events.Emitter{Producer: "test", Pub: events.Nop{}}
	ord := &orders.Service{Store: s, Ledger: inventory.NewLedger(nil, nil), Events: em, Currency: "INR"}
	pay := &payments.Service{Store: s, Orders: ord, Gateway: &gw{}, Events: em}
	return ord, pay
}

func TestVersionedUpdate(t *testing.T) {
	s := testStore(t)
	p := seedProduct(t, s, "10.00", 5)
	p = getProduct(t, s, p.ID)

	err := s.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.UpdateProductCounts(ctx, p.ID, 5, 1, p.Version)
	})
	require.NoError(t, err)

	err = s.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.UpdateProductCounts(ctx, p.ID, 5, 2, p.Version)
	})
	assert.ErrorIs(t, err, domain.ErrOptimisticConflict)

	err = s.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.UpdateProductCounts(ctx, p.ID, 5, 9, p.Version+1)
	})
	assert.Error(t, err, "reserved above stock violates the check constraint")

	got := getProduct(t, s, p.ID)
	assert.Equal(t, 1, got.Reserved)
	assert.Equal(t, p.Version+1, got.Version)
}

func TestCheckoutAndAttempts(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	ord, pay := services(s)
	a := seedProduct(t, s, "250.00", 5)
	b := seedProduct(t, s, "99.50", 3)
	user := domain.Principal{UserID: "u-" + uuid.NewString()[:8], Role: domain.RoleCustomer}
	require.NoError(t, s.SetCartLine(ctx, user.UserID, a.ID, 2))
	require.NoError(t, s.SetCartLine(ctx, user.UserID, b.ID, 1))

	o, err := ord.CreateFromCart(ctx, user, "1 Main St")
	require.NoError(t, err)
	assert.True(t, o.Total.Equal(decimal.RequireFromString("599.50")))

	got, err := ord.Get(ctx, user, o.ID)
	require.NoError(t, err)
	assert.Len(t, got.Items, 2)
	assert.Equal(t, domain.OrderPending, got.Status)
	assert.Equal(t, 2, getProduct(t, s, a.ID).Reserved)

	_, err = ord.CreateFromCart(ctx, user, "1 Main St")
	assert.ErrorIs(t, err, domain.ErrEmptyCart)

	for n := 1; n <= 3; n++ {
		att, err := pay.CreateAttempt(ctx, user, o.ID, "")
		require.NoError(t, err)
		assert.Equal(t, n, att.Payment.AttemptNumber)
		assert.Equal(t, domain.PaymentPending, att.Payment.Status)
	}
	list, err := pay.List(ctx, user, o.ID)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, domain.PaymentCancelled, list[0].Status)
	assert.Equal(t, domain.PaymentCancelled, list[1].Status)

	_, err = ord.Get(ctx, user, "not-a-uuid")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = ord.Cancel(ctx, user, o.ID)
	require.NoError(t, err)
	assert.Zero(t, getProduct(t, s, a.ID).Reserved)
	assert.Zero(t, getProduct(t, s, b.ID).Reserved)
}

func TestConcurrentCheckoutNeverOversells(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	ord, _ := services(s)
	p := seedProduct(t, s, "5.00", 7)

	const buyers = 16
	users := make([]domain.Principal, buyers)
	for i := range users {
		users[i] = domain.Principal{UserID: fmt.Sprintf("race-%s-%d", uuid.NewString()[:6], i), Role: domain.RoleCustomer}
		require.NoError(t, s.SetCartLine(ctx, users[i].UserID, p.ID, 1))
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for _, u := range users {
		wg.Add(1)
		go func(u domain.Principal) {
			defer wg.Done()
			if _, err := ord.CreateFromCart(ctx, u, "addr"); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}(u)
	}
	wg.Wait()

	got := getProduct(t, s, p.ID)
	assert.LessOrEqual(t, got.Reserved, got.Stock)
	assert.Equal(t, ok, got.Reserved)
	assert.LessOrEqual(t, ok, 7)
}

func TestSweepQueries(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	ord, pay := services(s)
	p := seedProduct(t, s, "20.00", 2)
	user := domain.Principal{UserID: "sweep-" + uuid.NewString()[:8], Role: domain.RoleCustomer}
	require.NoError(t, s.SetCartLine(ctx, user.UserID, p.ID, 1))
	o, err := ord.CreateFromCart(ctx, user, "addr")
	require.NoError(t, err)
	att, err := pay.CreateAttempt(ctx, user, o.ID, "")
	require.NoError(t, err)

	future := time.Now().Add(time.Hour)
	err = s.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		ids, err := tx.ListExpiredPayments(ctx, future, 0)
		if err != nil {
			return err
		}
		assert.Contains(t, ids, att.Payment.ID)

		abandoned, err := tx.ListAbandonedOrders(ctx, future, 0)
		if err != nil {
			return err
		}
		assert.NotContains(t, abandoned, o.ID, "a live attempt keeps the order out")

		byGw, err := tx.GetPaymentByGatewayOrderID(ctx, att.Payment.GatewayOrderID)
		if err != nil {
			return err
		}
		assert.Equal(t, att.Payment.ID, byGw.ID)

		live, err := tx.HasPaymentInStatus(ctx, o.ID, domain.LiveStatuses...)
		assert.True(t, live)
		return err
	})
	require.NoError(t, err)
}
