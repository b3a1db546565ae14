// Package inventory is the stock ledger. Every change to a product's stock or
// reserved counters goes through a Ledger so 0 <= reserved <= stock holds at
// each commit.
package inventory

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/ariefcatur/go-order-reconciler/internal/domain"
	"github.com/ariefcatur/go-order-reconciler/internal/logging"
	"github.com/ariefcatur/go-order-reconciler/internal/metrics"
	"github.com/ariefcatur/go-order-reconciler/internal/store"
	"go.uber.org/zap"
)

const (
	defaultMaxAttempts = 5
	defaultBaseBackoff = 5 * time.Millisecond
	defaultMaxBackoff  = 100 * time.Millisecond
)

type Ledger struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Metrics     *metrics.Metrics
	Log         *zap.Logger
}

func NewLedger(m *metrics.Metrics, log *zap.Logger) *Ledger {
	return &Ledger{
		MaxAttempts: defaultMaxAttempts,
		BaseBackoff: defaultBaseBackoff,
		MaxBackoff:  defaultMaxBackoff,
		Metrics:     m,
		Log:         log,
	}
}

// Reserve holds qty units of a product if enough are available.
func (l *Ledger) Reserve(ctx context.Context, tx store.Products, productID string, qty int) (domain.Product, error) {
	return l.apply(ctx, tx, "reserve", productID, func(p domain.Product) (int, int, error) {
		if qty <= 0 {
			return 0, 0, domain.E(domain.KindInvalidInput, "invalid quantity %d for product %s", qty, productID)
		}
		if p.Available() < qty {
			return 0, 0, domain.InsufficientStock(p.ID, qty, p.Available())
		}
		return p.Stock, p.Reserved + qty, nil
	})
}

// Release drops a hold. Reserved is floored at zero so a repeated release
// cannot drive it negative.
func (l *Ledger) Release(ctx context.Context, tx store.Products, productID string, qty int) (domain.Product, error) {
	return l.apply(ctx, tx, "release", productID, func(p domain.Product) (int, int, error) {
		reserved := p.Reserved - qty
		if reserved < 0 {
			reserved = 0
		}
		return p.Stock, reserved, nil
	})
}

// RestoreOnCancel releases the hold of a cancelled, unsettled order.
func (l *Ledger) RestoreOnCancel(ctx context.Context, tx store.Products, productID string, qty int) (domain.Product, error) {
	return l.Release(ctx, tx, productID, qty)
}

// Settle turns a hold into a permanent deduction.
func (l *Ledger) Settle(ctx context.Context, tx store.Products, productID string, qty int) (domain.Product, error) {
	return l.apply(ctx, tx, "settle", productID, func(p domain.Product) (int, int, error) {
		if qty <= 0 {
			return 0, 0, domain.E(domain.KindInvalidInput, "invalid quantity %d for product %s", qty, productID)
		}
		if p.Reserved < qty || p.Stock < qty {
			return 0, 0, domain.E(domain.KindInternal,
				"settle %d of product %s without matching hold (stock=%d reserved=%d)", qty, productID, p.Stock, p.Reserved)
		}
		return p.Stock - qty, p.Reserved - qty, nil
	})
}

// ReserveAll holds every line or fails on the first shortfall. Writes made
// before the failure stay in tx; the caller rolls the transaction back.
func (l *Ledger) ReserveAll(ctx context.Context, tx store.Products, lines []domain.CartLine) error {
	for _, ln := range sortedLines(lines) {
		if _, err := l.Reserve(ctx, tx, ln.ProductID, ln.Quantity); err != nil {
			return err
		}
	}
	return nil
}

func (l *Ledger) ReleaseAll(ctx context.Context, tx store.Products, lines []domain.CartLine) error {
	for _, ln := range sortedLines(lines) {
		if _, err := l.RestoreOnCancel(ctx, tx, ln.ProductID, ln.Quantity); err != nil {
			return err
		}
	}
	return nil
}

func (l *Ledger) SettleAll(ctx context.Context, tx store.Products, lines []domain.CartLine) error {
	for _, ln := range sortedLines(lines) {
		if _, err := l.Settle(ctx, tx, ln.ProductID, ln.Quantity); err != nil {
			return err
		}
	}
	return nil
}

// sortedLines merges duplicate products and orders lines by product id so
// concurrent transactions touch product rows in the same order.
func sortedLines(lines []domain.CartLine) []domain.CartLine {
	qty := make(map[string]int, len(lines))
	for _, ln := range lines {
		qty[ln.ProductID] += ln.Quantity
	}
	out := make([]domain.CartLine, 0, len(qty))
	for id, q := range qty {
		out = append(out, domain.CartLine{ProductID: id, Quantity: q})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out
}

type mutation func(p domain.Product) (stock, reserved int, err error)

// apply runs read -> check -> versioned write, re-reading after a stale
// version until MaxAttempts is spent.
func (l *Ledger) apply(ctx context.Context, tx store.Products, op, productID string, mutate mutation) (domain.Product, error) {
	maxAttempts := l.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	for attempt := 0; ; attempt++ {
		p, err := tx.GetProduct(ctx, productID)
		if err != nil {
			return domain.Product{}, err
		}
		stock, reserved, err := mutate(p)
		if err != nil {
			return p, err
		}

		err = tx.UpdateProductCounts(ctx, productID, stock, reserved, p.Version)
		if err == nil {
			p.Stock, p.Reserved = stock, reserved
			p.Version++
			return p, nil
		}
		if !errors.Is(err, domain.ErrOptimisticConflict) {
			return p, err
		}
		if attempt+1 >= maxAttempts {
			return p, domain.Wrap(domain.KindOptimisticConflict, err,
				fmt.Sprintf("%s product %s: gave up after %d attempts", op, productID, maxAttempts))
		}

		l.Metrics.InventoryRetry(op)
		logging.From(ctx, l.Log).Debug("stale product version, retrying",
			zap.String("op", op), zap.String("product_id", productID), zap.Int("attempt", attempt+1))

		if err := sleep(ctx, l.backoff(attempt)); err != nil {
			return p, err
		}
	}
}

func (l *Ledger) backoff(attempt int) time.Duration {
	base, ceil := l.BaseBackoff, l.MaxBackoff
	if base <= 0 {
		base = defaultBaseBackoff
	}
	if ceil <= 0 {
		ceil = defaultMaxBackoff
	}
	exp := base * time.Duration(1<<attempt)
	if exp > ceil {
		exp = ceil
	}
	return exp + time.Duration(rand.Int63n(int64(exp/2)+1))
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
