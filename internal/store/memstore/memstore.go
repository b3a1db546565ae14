// Package memstore is an in-memory store.Store. Transactions are serialized
// and run against a private copy of the data that replaces the shared copy
// on commit, so a failed transaction leaves no trace.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ariefcatur/go-order-reconciler/internal/domain"
	"github.com/ariefcatur/go-order-reconciler/internal/store"
)

type data struct {
	products map[string]domain.Product
	carts    map[string][]domain.CartLine
	orders   map[string]domain.Order
	payments map[string]domain.Payment
}

func (d *data) clone() *data {
	c := &data{
		products: make(map[string]domain.Product, len(d.products)),
		carts:    make(map[string][]domain.CartLine, len(d.carts)),
		orders:   make(map[string]domain.Order, len(d.orders)),
		payments: make(map[string]domain.Payment, len(d.payments)),
	}
	for k, v := range d.products {
		c.products[k] = v
	}
	for k, v := range d.carts {
		c.carts[k] = append([]domain.CartLine(nil), v...)
	}
	for k, v := range d.orders {
		c.orders[k] = cloneOrder(v)
	}
	for k, v := range d.payments {
		c.payments[k] = v
	}
	return c
}

func cloneOrder(o domain.Order) domain.Order {
	o.Items = append([]domain.OrderItem(nil), o.Items...)
	return o
}

type Store struct {
	txMu sync.Mutex // serializes transactions
	mu   sync.RWMutex
	d    *data

	conflictMu sync.Mutex
	conflicts  map[string]int

	Now func() time.Time
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		d: &data{
			products: map[string]domain.Product{},
			carts:    map[string][]domain.CartLine{},
			orders:   map[string]domain.Order{},
			payments: map[string]domain.Payment{},
		},
		conflicts: map[string]int{},
		Now:       time.Now,
	}
}

func (s *Store) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	work := s.d.clone()
	s.mu.RUnlock()

	if err := fn(ctx, &tx{s: s, d: work}); err != nil {
		return err
	}

	s.mu.Lock()
	s.d = work
	s.mu.Unlock()
	return nil
}

// InjectConflicts makes the next n versioned writes to productID fail with
// an optimistic conflict, as if another writer had committed first.
func (s *Store) InjectConflicts(productID string, n int) {
	s.conflictMu.Lock()
	defer s.conflictMu.Unlock()
	s.conflicts[productID] = n
}

func (s *Store) takeConflict(productID string) bool {
	s.conflictMu.Lock()
	defer s.conflictMu.Unlock()
	if s.conflicts[productID] > 0 {
		s.conflicts[productID]--
		return true
	}
	return false
}

// Seeding and inspection helpers, outside any transaction.

func (s *Store) PutProduct(p domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}
	p.UpdatedAt = s.now()
	s.d.products[p.ID] = p
}

func (s *Store) SetCartLine(userID, productID string, qty int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lines := s.d.carts[userID]
	for i, l := range lines {
		if l.ProductID == productID {
			lines[i].Quantity = qty
			s.d.carts[userID] = lines
			return
		}
	}
	s.d.carts[userID] = append(lines, domain.CartLine{ProductID: productID, Quantity: qty})
}

func (s *Store) Cart(userID string) []domain.CartLine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.CartLine(nil), s.d.carts[userID]...)
}

func (s *Store) Product(id string) (domain.Product, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.d.products[id]
	return p, ok
}

func (s *Store) Order(id string) (domain.Order, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.d.orders[id]
	return cloneOrder(o), ok
}

func (s *Store) Payment(id string) (domain.Payment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.d.payments[id]
	return p, ok
}

// SetOrderUpdatedAt backdates an order, for abandonment tests.
func (s *Store) SetOrderUpdatedAt(id string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o, ok := s.d.orders[id]; ok {
		o.UpdatedAt = at
		s.d.orders[id] = o
	}
}

type tx struct {
	s *Store
	d *data
}

func (t *tx) GetProduct(_ context.Context, id string) (domain.Product, error) {
	p, ok := t.d.products[id]
	if !ok {
		return domain.Product{}, domain.E(domain.KindNotFound, "product %s not found", id)
	}
	return p, nil
}

func (t *tx) ListProducts(_ context.Context) ([]domain.Product, error) {
	out := make([]domain.Product, 0, len(t.d.products))
	for _, p := range t.d.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SKU < out[j].SKU })
	return out, nil
}

func (t *tx) UpdateProductCounts(_ context.Context, id string, stock, reserved int, expectedVersion int64) error {
	p, ok := t.d.products[id]
	if !ok {
		return domain.E(domain.KindNotFound, "product %s not found", id)
	}
	if t.s.takeConflict(id) || p.Version != expectedVersion {
		return domain.ErrOptimisticConflict
	}
	p.Stock = stock
	p.Reserved = reserved
	p.Version++
	p.UpdatedAt = t.s.now()
	t.d.products[id] = p
	return nil
}

func (t *tx) LockCart(_ context.Context, userID string) ([]domain.CartLine, error) {
	return append([]domain.CartLine(nil), t.d.carts[userID]...), nil
}

func (t *tx) ClearCart(_ context.Context, userID string) error {
	delete(t.d.carts, userID)
	return nil
}

func (t *tx) InsertOrder(_ context.Context, o domain.Order) error {
	if _, exists := t.d.orders[o.ID]; exists {
		return domain.E(domain.KindConflict, "order %s already exists", o.ID)
	}
	now := t.s.now()
	o.CreatedAt, o.UpdatedAt = now, now
	t.d.orders[o.ID] = cloneOrder(o)
	return nil
}

func (t *tx) GetOrder(_ context.Context, id string, _ bool) (domain.Order, error) {
	o, ok := t.d.orders[id]
	if !ok {
		return domain.Order{}, domain.E(domain.KindNotFound, "order %s not found", id)
	}
	return cloneOrder(o), nil
}

func (t *tx) ListOrdersByUser(_ context.Context, userID string) ([]domain.Order, error) {
	var out []domain.Order
	for _, o := range t.d.orders {
		if o.UserID == userID {
			out = append(out, cloneOrder(o))
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (t *tx) ListOrders(_ context.Context, limit int) ([]domain.Order, error) {
	out := make([]domain.Order, 0, len(t.d.orders))
	for _, o := range t.d.orders {
		out = append(out, cloneOrder(o))
	}
	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortNewestFirst(os []domain.Order) {
	sort.Slice(os, func(i, j int) bool {
		if os[i].CreatedAt.Equal(os[j].CreatedAt) {
			return os[i].ID > os[j].ID
		}
		return os[i].CreatedAt.After(os[j].CreatedAt)
	})
}

func (t *tx) UpdateOrderStatus(_ context.Context, id string, from, to domain.OrderStatus) error {
	o, ok := t.d.orders[id]
	if !ok {
		return domain.E(domain.KindNotFound, "order %s not found", id)
	}
	if o.Status != from {
		return domain.E(domain.KindConflict, "order %s status is %s, expected %s", id, o.Status, from)
	}
	o.Status = to
	o.UpdatedAt = t.s.now()
	t.d.orders[id] = o
	return nil
}

func (t *tx) UpdateShippingAddress(_ context.Context, id, address string) error {
	o, ok := t.d.orders[id]
	if !ok {
		return domain.E(domain.KindNotFound, "order %s not found", id)
	}
	o.ShippingAddress = address
	o.UpdatedAt = t.s.now()
	t.d.orders[id] = o
	return nil
}

func (t *tx) DeleteOrder(_ context.Context, id string) error {
	if _, ok := t.d.orders[id]; !ok {
		return domain.E(domain.KindNotFound, "order %s not found", id)
	}
	delete(t.d.orders, id)
	for pid, p := range t.d.payments {
		if p.OrderID == id {
			delete(t.d.payments, pid)
		}
	}
	return nil
}

func (t *tx) ListAbandonedOrders(_ context.Context, olderThan time.Time, limit int) ([]string, error) {
	var cands []domain.Order
	for _, o := range t.d.orders {
		if !o.Status.HoldsOutstanding() || !o.UpdatedAt.Before(olderThan) {
			continue
		}
		if t.hasPayment(o.ID, domain.LiveStatuses...) {
			continue
		}
		cands = append(cands, o)
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].UpdatedAt.Before(cands[j].UpdatedAt) })
	ids := make([]string, 0, len(cands))
	for _, o := range cands {
		if limit > 0 && len(ids) == limit {
			break
		}
		ids = append(ids, o.ID)
	}
	return ids, nil
}

func (t *tx) InsertPayment(_ context.Context, p domain.Payment) error {
	for _, x := range t.d.payments {
		if x.OrderID == p.OrderID && x.AttemptNumber == p.AttemptNumber {
			return domain.E(domain.KindConflict, "attempt %d already exists for order %s", p.AttemptNumber, p.OrderID)
		}
		if p.GatewayOrderID != "" && x.GatewayOrderID == p.GatewayOrderID {
			return domain.E(domain.KindConflict, "gateway order %s already linked", p.GatewayOrderID)
		}
	}
	now := t.s.now()
	p.CreatedAt, p.UpdatedAt = now, now
	t.d.payments[p.ID] = p
	return nil
}

func (t *tx) GetPayment(_ context.Context, id string, _ bool) (domain.Payment, error) {
	p, ok := t.d.payments[id]
	if !ok {
		return domain.Payment{}, domain.E(domain.KindNotFound, "payment %s not found", id)
	}
	return p, nil
}

func (t *tx) GetPaymentByGatewayOrderID(_ context.Context, gatewayOrderID string) (domain.Payment, error) {
	for _, p := range t.d.payments {
		if gatewayOrderID != "" && p.GatewayOrderID == gatewayOrderID {
			return p, nil
		}
	}
	return domain.Payment{}, domain.E(domain.KindNotFound, "no payment for gateway order %s", gatewayOrderID)
}

func (t *tx) GetPaymentByGatewayPaymentID(_ context.Context, gatewayPaymentID string) (domain.Payment, error) {
	for _, p := range t.d.payments {
		if gatewayPaymentID != "" && p.GatewayPaymentID == gatewayPaymentID {
			return p, nil
		}
	}
	return domain.Payment{}, domain.E(domain.KindNotFound, "no payment for gateway payment %s", gatewayPaymentID)
}

func (t *tx) LatestPayment(_ context.Context, orderID string) (domain.Payment, error) {
	var (
		latest domain.Payment
		found  bool
	)
	for _, p := range t.d.payments {
		if p.OrderID == orderID && (!found || p.AttemptNumber > latest.AttemptNumber) {
			latest, found = p, true
		}
	}
	if !found {
		return domain.Payment{}, domain.E(domain.KindNotFound, "no payment for order %s", orderID)
	}
	return latest, nil
}

func (t *tx) ListPayments(_ context.Context, orderID string) ([]domain.Payment, error) {
	var out []domain.Payment
	for _, p := range t.d.payments {
		if p.OrderID == orderID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AttemptNumber < out[j].AttemptNumber })
	return out, nil
}

func (t *tx) UpdatePayment(_ context.Context, p domain.Payment) error {
	cur, ok := t.d.payments[p.ID]
	if !ok {
		return domain.E(domain.KindNotFound, "payment %s not found", p.ID)
	}
	for id, x := range t.d.payments {
		if id == p.ID {
			continue
		}
		if p.GatewayOrderID != "" && x.GatewayOrderID == p.GatewayOrderID {
			return domain.E(domain.KindConflict, "gateway order %s already linked", p.GatewayOrderID)
		}
		if p.GatewayPaymentID != "" && x.GatewayPaymentID == p.GatewayPaymentID {
			return domain.E(domain.KindConflict, "gateway payment %s already linked", p.GatewayPaymentID)
		}
	}
	p.CreatedAt = cur.CreatedAt
	p.UpdatedAt = t.s.now()
	t.d.payments[p.ID] = p
	return nil
}

func (t *tx) HasPaymentInStatus(_ context.Context, orderID string, statuses ...domain.PaymentStatus) (bool, error) {
	return t.hasPayment(orderID, statuses...), nil
}

func (t *tx) hasPayment(orderID string, statuses ...domain.PaymentStatus) bool {
	for _, p := range t.d.payments {
		if p.OrderID != orderID {
			continue
		}
		for _, st := range statuses {
			if p.Status == st {
				return true
			}
		}
	}
	return false
}

func (t *tx) ListExpiredPayments(_ context.Context, now time.Time, limit int) ([]string, error) {
	var cands []domain.Payment
	for _, p := range t.d.payments {
		if (p.Status == domain.PaymentPending || p.Status == domain.PaymentInitiated) && p.Expired(now) {
			cands = append(cands, p)
		}
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].ExpiresAt.Before(cands[j].ExpiresAt) })
	ids := make([]string, 0, len(cands))
	for _, p := range cands {
		if limit > 0 && len(ids) == limit {
			break
		}
		ids = append(ids, p.ID)
	}
	return ids, nil
}
