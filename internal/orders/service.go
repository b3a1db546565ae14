// Package orders owns the order lifecycle: checkout from a cart, shipping
// updates, cancellation, settlement, delivery and deletion.
package orders

import (
	"context"
	"strings"

	"github.com/ariefcatur/go-order-reconciler/internal/domain"
	"github.com/ariefcatur/go-order-reconciler/internal/events"
	"github.com/ariefcatur/go-order-reconciler/internal/inventory"
	"github.com/ariefcatur/go-order-reconciler/internal/logging"
	"github.com/ariefcatur/go-order-reconciler/internal/metrics"
	"github.com/ariefcatur/go-order-reconciler/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const maxAddressLen = 500

var tracer = otel.Tracer("github.com/ariefcatur/go-order-reconciler/internal/orders")

// StatusCache drops cached order views after a status change.
type StatusCache interface {
	Invalidate(ctx context.Context, orderID string) error
}

type Service struct {
	Store    store.Store
	Ledger   *inventory.Ledger
	Events   events.Emitter
	Cache    StatusCache
	Metrics  *metrics.Metrics
	Log      *zap.Logger
	Currency string
}

// Change records one committed status transition. Tx-scoped methods return
// it so the caller can Announce after its own commit.
type Change struct {
	OrderID string
	UserID  string
	From    domain.OrderStatus
	To      domain.OrderStatus
	Actor   string
	Reason  string
}

func (s *Service) log(ctx context.Context) *zap.Logger { return logging.From(ctx, s.Log) }

// CreateFromCart turns the caller's cart into a PENDING order holding stock
// for every line. Either every line is held or nothing is.
func (s *Service) CreateFromCart(ctx context.Context, p domain.Principal, shippingAddress string) (domain.Order, error) {
	ctx, span := tracer.Start(ctx, "orders.CreateFromCart", trace.WithAttributes(attribute.String("user.id", p.UserID)))
	defer span.End()

	if !p.Authenticated() {
		return domain.Order{}, domain.E(domain.KindUnauthorized, "authentication required")
	}
	addr, err := normalizeAddress(shippingAddress)
	if err != nil {
		s.Metrics.Checkout(domain.KindOf(err).String())
		return domain.Order{}, err
	}

	var order domain.Order
	err = s.Store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		lines, err := tx.LockCart(ctx, p.UserID)
		if err != nil {
			return err
		}
		if len(lines) == 0 {
			return domain.E(domain.KindEmptyCart, "cart is empty")
		}
		if err := s.Ledger.ReserveAll(ctx, tx, lines); err != nil {
			return err
		}

		order = domain.Order{
			ID:              uuid.NewString(),
			UserID:          p.UserID,
			Status:          domain.OrderPending,
			Currency:        s.currency(),
			ShippingAddress: addr,
			Total:           decimal.Zero,
		}
		for _, ln := range lines {
			prod, err := tx.GetProduct(ctx, ln.ProductID)
			if err != nil {
				return err
			}
			it := domain.OrderItem{
				ID:        uuid.NewString(),
				OrderID:   order.ID,
				ProductID: prod.ID,
				Quantity:  ln.Quantity,
				UnitPrice: prod.Price,
			}
			order.Items = append(order.Items, it)
			order.Total = order.Total.Add(it.LineTotal())
		}
		if err := tx.InsertOrder(ctx, order); err != nil {
			return err
		}
		return tx.ClearCart(ctx, p.UserID)
	})
	if err != nil {
		s.Metrics.Checkout(domain.KindOf(err).String())
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.log(ctx).Info("checkout rejected", zap.String("user_id", p.UserID), zap.Error(err))
		return domain.Order{}, err
	}

	s.Metrics.Checkout("ok")
	span.SetAttributes(attribute.String("order.id", order.ID))
	s.log(ctx).Info("order placed",
		zap.String("order_id", order.ID), zap.String("user_id", p.UserID), zap.String("total", order.Total.StringFixed(2)))

	placed := events.OrderPlacedPayload{OrderID: order.ID, UserID: order.UserID, Total: order.Total.StringFixed(2)}
	for _, it := range order.Items {
		placed.Items = append(placed.Items, events.Line{ProductID: it.ProductID, Qty: it.Quantity, UnitPrice: it.UnitPrice.StringFixed(2)})
	}
	s.Events.Emit(ctx, events.EventOrderPlaced, order.ID, placed)
	return order, nil
}

func (s *Service) Products(ctx context.Context) ([]domain.Product, error) {
	var out []domain.Product
	err := s.Store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.ListProducts(ctx)
		return err
	})
	return out, err
}

func (s *Service) Get(ctx context.Context, p domain.Principal, orderID string) (domain.Order, error) {
	if !p.Authenticated() {
		return domain.Order{}, domain.E(domain.KindUnauthorized, "authentication required")
	}
	var o domain.Order
	err := s.Store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		o, err = tx.GetOrder(ctx, orderID, false)
		return err
	})
	if err != nil {
		return domain.Order{}, err
	}
	if !p.CanAccess(o.UserID) {
		return domain.Order{}, domain.E(domain.KindForbidden, "order %s belongs to another user", orderID)
	}
	return o, nil
}

func (s *Service) ListMine(ctx context.Context, p domain.Principal) ([]domain.Order, error) {
	if !p.Authenticated() {
		return nil, domain.E(domain.KindUnauthorized, "authentication required")
	}
	var out []domain.Order
	err := s.Store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.ListOrdersByUser(ctx, p.UserID)
		return err
	})
	return out, err
}

func (s *Service) ListAll(ctx context.Context, p domain.Principal, limit int) ([]domain.Order, error) {
	if err := requireAdmin(p); err != nil {
		return nil, err
	}
	var out []domain.Order
	err := s.Store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.ListOrders(ctx, limit)
		return err
	})
	return out, err
}

// UpdateShippingAddress is allowed while the order is still PENDING.
func (s *Service) UpdateShippingAddress(ctx context.Context, p domain.Principal, orderID, address string) (domain.Order, error) {
	if !p.Authenticated() {
		return domain.Order{}, domain.E(domain.KindUnauthorized, "authentication required")
	}
	addr, err := normalizeAddress(address)
	if err != nil {
		return domain.Order{}, err
	}
	var o domain.Order
	err = s.Store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		o, err = tx.GetOrder(ctx, orderID, true)
		if err != nil {
			return err
		}
		if !p.CanAccess(o.UserID) {
			return domain.E(domain.KindForbidden, "order %s belongs to another user", orderID)
		}
		if o.Status != domain.OrderPending {
			return domain.E(domain.KindInvalidStateTransition, "shipping address can only change while the order is PENDING, not %s", o.Status)
		}
		o.ShippingAddress = addr
		return tx.UpdateShippingAddress(ctx, orderID, addr)
	})
	if err != nil {
		return domain.Order{}, err
	}
	return o, nil
}

// Cancel releases every hold and cancels the order together with its live
// payment attempt. Orders with a captured payment need a refund instead.
func (s *Service) Cancel(ctx context.Context, p domain.Principal, orderID string) (domain.Order, error) {
	ctx, span := tracer.Start(ctx, "orders.Cancel", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer span.End()

	if !p.Authenticated() {
		return domain.Order{}, domain.E(domain.KindUnauthorized, "authentication required")
	}
	var (
		o  domain.Order
		ch Change
	)
	err := s.Store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		o, err = tx.GetOrder(ctx, orderID, true)
		if err != nil {
			return err
		}
		if !p.CanAccess(o.UserID) {
			return domain.E(domain.KindForbidden, "order %s belongs to another user", orderID)
		}
		if !o.Status.CanTransition(domain.OrderCancelled) {
			return domain.InvalidTransition("order", o.Status, domain.OrderCancelled)
		}
		captured, err := tx.HasPaymentInStatus(ctx, orderID, domain.PaymentSuccess)
		if err != nil {
			return err
		}
		if captured {
			return domain.E(domain.KindConflict, "order %s has a captured payment; cancellation requires a refund", orderID)
		}
		if err := cancelLivePayments(ctx, tx, orderID, "order cancelled by "+actorOf(p)); err != nil {
			return err
		}
		ch, err = s.cancelTx(ctx, tx, o, actorOf(p), "cancelled by request")
		if err != nil {
			return err
		}
		o.Status = domain.OrderCancelled
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.Order{}, err
	}
	s.Announce(ctx, ch)
	return o, nil
}

// ConfirmSettlementTx converts the order's holds into permanent deductions
// and marks it PAID. Callers hold the payment row lock already.
func (s *Service) ConfirmSettlementTx(ctx context.Context, tx store.Tx, orderID string) (Change, error) {
	o, err := tx.GetOrder(ctx, orderID, true)
	if err != nil {
		return Change{}, err
	}
	if !o.Status.CanTransition(domain.OrderPaid) {
		return Change{}, domain.InvalidTransition("order", o.Status, domain.OrderPaid)
	}
	if err := s.Ledger.SettleAll(ctx, tx, o.Lines()); err != nil {
		return Change{}, err
	}
	if err := tx.UpdateOrderStatus(ctx, orderID, o.Status, domain.OrderPaid); err != nil {
		return Change{}, err
	}
	return Change{OrderID: o.ID, UserID: o.UserID, From: o.Status, To: domain.OrderPaid, Actor: "gateway", Reason: "payment captured"}, nil
}

// FailTx moves a PENDING order to FAILED after its active attempt failed.
// Holds stay in place so a new attempt can pick the order up again.
func (s *Service) FailTx(ctx context.Context, tx store.Tx, orderID, reason string) (Change, bool, error) {
	o, err := tx.GetOrder(ctx, orderID, true)
	if err != nil {
		return Change{}, false, err
	}
	if o.Status != domain.OrderPending {
		return Change{}, false, nil
	}
	if err := tx.UpdateOrderStatus(ctx, orderID, o.Status, domain.OrderFailed); err != nil {
		return Change{}, false, err
	}
	return Change{OrderID: o.ID, UserID: o.UserID, From: o.Status, To: domain.OrderFailed, Actor: "gateway", Reason: reason}, true, nil
}

// ReopenTx moves a FAILED order back to PENDING for a new payment attempt.
func (s *Service) ReopenTx(ctx context.Context, tx store.Tx, o domain.Order, actor string) (Change, error) {
	if !o.Status.CanTransition(domain.OrderPending) {
		return Change{}, domain.InvalidTransition("order", o.Status, domain.OrderPending)
	}
	if err := tx.UpdateOrderStatus(ctx, o.ID, o.Status, domain.OrderPending); err != nil {
		return Change{}, err
	}
	return Change{OrderID: o.ID, UserID: o.UserID, From: o.Status, To: domain.OrderPending, Actor: actor, Reason: "payment retry"}, nil
}

// ExpireTx cancels an unpaid order on behalf of the sweep. ok is false when
// the order no longer qualifies: it is terminal, PAID, or has a captured
// payment.
func (s *Service) ExpireTx(ctx context.Context, tx store.Tx, orderID, reason string) (ch Change, ok bool, err error) {
	o, err := tx.GetOrder(ctx, orderID, true)
	if err != nil {
		return Change{}, false, err
	}
	if !o.Status.CanTransition(domain.OrderCancelled) {
		return Change{}, false, nil
	}
	captured, err := tx.HasPaymentInStatus(ctx, orderID, domain.PaymentSuccess)
	if err != nil {
		return Change{}, false, err
	}
	if captured {
		return Change{}, false, nil
	}
	ch, err = s.cancelTx(ctx, tx, o, "sweep", reason)
	if err != nil {
		return Change{}, false, err
	}
	return ch, true, nil
}

func (s *Service) cancelTx(ctx context.Context, tx store.Tx, o domain.Order, actor, reason string) (Change, error) {
	if o.Status.HoldsOutstanding() {
		if err := s.Ledger.ReleaseAll(ctx, tx, o.Lines()); err != nil {
			return Change{}, err
		}
	}
	if err := tx.UpdateOrderStatus(ctx, o.ID, o.Status, domain.OrderCancelled); err != nil {
		return Change{}, err
	}
	return Change{OrderID: o.ID, UserID: o.UserID, From: o.Status, To: domain.OrderCancelled, Actor: actor, Reason: reason}, nil
}

// MarkDelivered is an admin action on a PAID order.
func (s *Service) MarkDelivered(ctx context.Context, p domain.Principal, orderID string) (domain.Order, error) {
	if err := requireAdmin(p); err != nil {
		return domain.Order{}, err
	}
	var (
		o  domain.Order
		ch Change
	)
	err := s.Store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		o, err = tx.GetOrder(ctx, orderID, true)
		if err != nil {
			return err
		}
		if !o.Status.CanTransition(domain.OrderDelivered) {
			return domain.InvalidTransition("order", o.Status, domain.OrderDelivered)
		}
		if err := tx.UpdateOrderStatus(ctx, orderID, o.Status, domain.OrderDelivered); err != nil {
			return err
		}
		ch = Change{OrderID: o.ID, UserID: o.UserID, From: o.Status, To: domain.OrderDelivered, Actor: actorOf(p)}
		o.Status = domain.OrderDelivered
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}
	s.Announce(ctx, ch)
	return o, nil
}

// Delete hard-deletes an order and its payment history after releasing any
// outstanding hold. Admin only. An order with a live payment attempt is
// refused with Conflict until it is cancelled.
func (s *Service) Delete(ctx context.Context, p domain.Principal, orderID string) error {
	if !p.Authenticated() {
		return domain.E(domain.KindUnauthorized, "authentication required")
	}
	if !p.IsAdmin() {
		return domain.E(domain.KindForbidden, "admin role required")
	}
	var o domain.Order
	err := s.Store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		o, err = tx.GetOrder(ctx, orderID, true)
		if err != nil {
			return err
		}
		live, err := tx.HasPaymentInStatus(ctx, orderID, domain.PaymentInitiated, domain.PaymentPending)
		if err != nil {
			return err
		}
		if live {
			return domain.E(domain.KindConflict, "order %s has a live payment attempt; cancel it before deleting", orderID)
		}
		if o.Status.HoldsOutstanding() {
			if err := s.Ledger.ReleaseAll(ctx, tx, o.Lines()); err != nil {
				return err
			}
		}
		return tx.DeleteOrder(ctx, orderID)
	})
	if err != nil {
		return err
	}
	s.log(ctx).Info("order deleted", zap.String("order_id", orderID), zap.String("status", o.Status.String()), zap.String("actor", actorOf(p)))
	s.invalidate(ctx, orderID)
	s.Events.Emit(ctx, events.EventOrderDeleted, orderID, events.OrderStatusPayload{
		OrderID: orderID, From: o.Status.String(), To: "DELETED", Actor: actorOf(p),
	})
	return nil
}

// Announce publishes a committed change and drops the cached view.
func (s *Service) Announce(ctx context.Context, ch Change) {
	if ch.OrderID == "" {
		return
	}
	s.invalidate(ctx, ch.OrderID)
	s.log(ctx).Info("order status changed",
		zap.String("order_id", ch.OrderID), zap.String("from", ch.From.String()), zap.String("to", ch.To.String()),
		zap.String("actor", ch.Actor), zap.String("reason", ch.Reason))

	var eventType string
	switch ch.To {
	case domain.OrderPaid:
		eventType = events.EventOrderPaid
	case domain.OrderCancelled:
		eventType = events.EventOrderCancelled
	case domain.OrderDelivered:
		eventType = events.EventOrderDelivered
	case domain.OrderPending, domain.OrderFailed:
		return
	}
	if eventType == "" {
		return
	}
	s.Events.Emit(ctx, eventType, ch.OrderID, events.OrderStatusPayload{
		OrderID: ch.OrderID, From: ch.From.String(), To: ch.To.String(), Actor: ch.Actor, Reason: ch.Reason,
	})
}

func (s *Service) invalidate(ctx context.Context, orderID string) {
	if s.Cache == nil {
		return
	}
	if err := s.Cache.Invalidate(ctx, orderID); err != nil {
		s.log(ctx).Warn("invalidate status cache", zap.String("order_id", orderID), zap.Error(err))
	}
}

func (s *Service) currency() string {
	if s.Currency == "" {
		return "INR"
	}
	return s.Currency
}

// cancelLivePayments closes any attempt that could still be paid.
func cancelLivePayments(ctx context.Context, tx store.Tx, orderID, reason string) error {
	ps, err := tx.ListPayments(ctx, orderID)
	if err != nil {
		return err
	}
	for _, pay := range ps {
		if pay.Status.Terminal() {
			continue
		}
		pay.Status = domain.PaymentCancelled
		pay.FailureReason = reason
		if err := tx.UpdatePayment(ctx, pay); err != nil {
			return err
		}
	}
	return nil
}

func normalizeAddress(a string) (string, error) {
	a = strings.TrimSpace(a)
	if a == "" {
		return "", domain.E(domain.KindInvalidInput, "shipping address is required")
	}
	if len(a) > maxAddressLen {
		return "", domain.E(domain.KindInvalidInput, "shipping address is too long")
	}
	return a, nil
}

func requireAdmin(p domain.Principal) error {
	if !p.Authenticated() {
		return domain.E(domain.KindUnauthorized, "authentication required")
	}
	if !p.IsAdmin() {
		return domain.E(domain.KindForbidden, "admin role required")
	}
	return nil
}

func actorOf(p domain.Principal) string {
	if p.IsAdmin() {
		return "admin:" + p.UserID
	}
	return "user:" + p.UserID
}
