package inventory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ariefcatur/go-order-reconciler/internal/domain"
	"github.com/ariefcatur/go-order-reconciler/internal/store"
	"github.com/ariefcatur/go-order-reconciler/internal/store/memstore"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLedger() *Ledger {
	l := NewLedger(nil, nil)
	l.BaseBackoff = time.Millisecond
	l.MaxBackoff = 2 * time.Millisecond
	return l
}

func seed(st *memstore.Store, id string, stock, reserved int) {
	st.PutProduct(domain.Product{
		ID: id, SKU: "SKU-" + id, Name: id, Price: decimal.NewFromInt(10),
		Stock: stock, Reserved: reserved,
	})
}

func inTx(t *testing.T, st store.Store, fn func(ctx context.Context, tx store.Tx) error) error {
	t.Helper()
	return st.InTx(context.Background(), fn)
}

func TestReserve_IncreasesReservedAndVersion(t *testing.T) {
	st := memstore.New()
	seed(st, "x", 5, 0)
	l := newLedger()

	err := inTx(t, st, func(ctx context.Context, tx store.Tx) error {
		p, err := l.Reserve(ctx, tx, "x", 2)
		assert.Equal(t, 3, p.Available())
		return err
	})
	require.NoError(t, err)

	p, _ := st.Product("x")
	assert.Equal(t, 5, p.Stock)
	assert.Equal(t, 2, p.Reserved)
	assert.Equal(t, int64(1), p.Version)
}

func TestReserve_InsufficientStockNamesProduct(t *testing.T) {
	st := memstore.New()
	seed(st, "x", 3, 2)
	l := newLedger()

	err := inTx(t, st, func(ctx context.Context, tx store.Tx) error {
		_, err := l.Reserve(ctx, tx, "x", 2)
		return err
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInsufficientStock))
	var de *domain.Error
	require.True(t, errors.As(err, &de))
	assert.Equal(t, "x", de.ProductID)

	p, _ := st.Product("x")
	assert.Equal(t, 2, p.Reserved)
}

func TestReserve_RejectsNonPositiveQuantity(t *testing.T) {
	st := memstore.New()
	seed(st, "x", 3, 0)

	err := inTx(t, st, func(ctx context.Context, tx store.Tx) error {
		_, err := newLedger().Reserve(ctx, tx, "x", 0)
		return err
	})
	assert.True(t, errors.Is(err, domain.ErrInvalidInput))
}

func TestRelease_FloorsAtZero(t *testing.T) {
	st := memstore.New()
	seed(st, "x", 5, 1)
	l := newLedger()

	err := inTx(t, st, func(ctx context.Context, tx store.Tx) error {
		if _, err := l.Release(ctx, tx, "x", 1); err != nil {
			return err
		}
		_, err := l.Release(ctx, tx, "x", 1)
		return err
	})
	require.NoError(t, err)

	p, _ := st.Product("x")
	assert.Equal(t, 0, p.Reserved)
	assert.Equal(t, 5, p.Stock)
}

func TestSettle_DeductsStockAndReserved(t *testing.T) {
	st := memstore.New()
	seed(st, "x", 5, 2)

	err := inTx(t, st, func(ctx context.Context, tx store.Tx) error {
		_, err := newLedger().Settle(ctx, tx, "x", 2)
		return err
	})
	require.NoError(t, err)

	p, _ := st.Product("x")
	assert.Equal(t, 3, p.Stock)
	assert.Equal(t, 0, p.Reserved)
	assert.True(t, p.Valid())
}

func TestSettle_WithoutHoldFails(t *testing.T) {
	st := memstore.New()
	seed(st, "x", 5, 0)

	err := inTx(t, st, func(ctx context.Context, tx store.Tx) error {
		_, err := newLedger().Settle(ctx, tx, "x", 1)
		return err
	})
	require.Error(t, err)

	p, _ := st.Product("x")
	assert.Equal(t, 5, p.Stock)
}

func TestReserve_RetriesStaleVersion(t *testing.T) {
	st := memstore.New()
	seed(st, "x", 5, 0)
	st.InjectConflicts("x", 2)

	err := inTx(t, st, func(ctx context.Context, tx store.Tx) error {
		_, err := newLedger().Reserve(ctx, tx, "x", 1)
		return err
	})
	require.NoError(t, err)

	p, _ := st.Product("x")
	assert.Equal(t, 1, p.Reserved)
}

func TestReserve_GivesUpAfterMaxAttempts(t *testing.T) {
	st := memstore.New()
	seed(st, "x", 5, 0)
	st.InjectConflicts("x", 10)
	l := newLedger()
	l.MaxAttempts = 3

	err := inTx(t, st, func(ctx context.Context, tx store.Tx) error {
		_, err := l.Reserve(ctx, tx, "x", 1)
		return err
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrOptimisticConflict))
	assert.Equal(t, domain.KindOptimisticConflict, domain.KindOf(err))
}

func TestReserveAll_IsAllOrNothing(t *testing.T) {
	st := memstore.New()
	seed(st, "a", 5, 0)
	seed(st, "b", 1, 0)

	err := inTx(t, st, func(ctx context.Context, tx store.Tx) error {
		return newLedger().ReserveAll(ctx, tx, []domain.CartLine{
			{ProductID: "a", Quantity: 2},
			{ProductID: "b", Quantity: 2},
		})
	})
	require.Error(t, err)

	a, _ := st.Product("a")
	b, _ := st.Product("b")
	assert.Equal(t, 0, a.Reserved, "hold on a must roll back with the transaction")
	assert.Equal(t, 0, b.Reserved)
}

func TestSortedLines_MergesDuplicates(t *testing.T) {
	out := sortedLines([]domain.CartLine{
		{ProductID: "b", Quantity: 1},
		{ProductID: "a", Quantity: 2},
		{ProductID: "b", Quantity: 3},
	})
	assert.Equal(t, []domain.CartLine{{ProductID: "a", Quantity: 2}, {ProductID: "b", Quantity: 4}}, out)
}

func TestReserve_ConcurrentNeverOversells(t *testing.T) {
	st := memstore.New()
	seed(st, "x", 10, 0)
	l := newLedger()

	var ok, rejected int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := st.InTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
				_, err := l.Reserve(ctx, tx, "x", 1)
				return err
			})
			if err == nil {
				atomic.AddInt64(&ok, 1)
			} else if errors.Is(err, domain.ErrInsufficientStock) {
				atomic.AddInt64(&rejected, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), ok)
	assert.Equal(t, int64(40), rejected)
	p, _ := st.Product("x")
	assert.Equal(t, 10, p.Reserved)
	assert.True(t, p.Valid())
}
