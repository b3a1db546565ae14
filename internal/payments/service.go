// Package payments tracks payment attempts against an order and their
// transitions driven by the gateway, the webhook and the expiry sweep.
package payments

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ariefcatur/go-order-reconciler/internal/domain"
	"github.com/ariefcatur/go-order-reconciler/internal/events"
	"github.com/ariefcatur/go-order-reconciler/internal/logging"
	"github.com/ariefcatur/go-order-reconciler/internal/metrics"
	"github.com/ariefcatur/go-order-reconciler/internal/orders"
	"github.com/ariefcatur/go-order-reconciler/internal/store"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	DefaultProvider = "razorpay"
	DefaultExpiry   = 2 * time.Minute

	ReasonExpired    = "payment window expired"
	ReasonSuperseded = "superseded attempt expired"
)

var tracer = otel.Tracer("github.com/ariefcatur/go-order-reconciler/internal/payments")

// Gateway mints gateway-side orders.
type Gateway interface {
	CreateRemoteOrder(ctx context.Context, amount decimal.Decimal, currency, receipt string) (string, error)
	KeyID() string
}

// Outcome is the result of a state-driving call on a payment.
type Outcome int

const (
	Applied Outcome = iota
	// Duplicate means the payment already is in the requested state.
	Duplicate
	// RejectedTerminal means another terminal state already won.
	RejectedTerminal
	// Superseded means a newer attempt is active for the order.
	Superseded
	// NotDue means the payment has not reached its expiry yet.
	NotDue
)

func (o Outcome) String() string {
	switch o {
	case Applied:
		return "applied"
	case Duplicate:
		return "duplicate"
	case RejectedTerminal:
		return "rejected_terminal"
	case Superseded:
		return "superseded"
	case NotDue:
		return "not_due"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

type Service struct {
	Store    store.Store
	Orders   *orders.Service
	Gateway  Gateway
	Events   events.Emitter
	Metrics  *metrics.Metrics
	Log      *zap.Logger
	Provider string
	Expiry   time.Duration
	Now      func() time.Time
}

// Attempt is a created payment plus what a client-side checkout needs.
type Attempt struct {
	Payment domain.Payment
	KeyID   string
}

func (s *Service) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now()
}

func (s *Service) expiry() time.Duration {
	if s.Expiry <= 0 {
		return DefaultExpiry
	}
	return s.Expiry
}

func (s *Service) provider() string {
	if s.Provider == "" {
		return DefaultProvider
	}
	return s.Provider
}

// Receipt is the gateway receipt for an order attempt. It stays unique per
// (order, attempt) so the gateway can recognize a retried creation.
func Receipt(orderID string, attempt int) string {
	short := strings.ReplaceAll(orderID, "-", "")
	if len(short) > 8 {
		short = short[:8]
	}
	r := fmt.Sprintf("order_%s_attempt_%d", short, attempt)
	if len(r) > 40 {
		r = r[:40]
	}
	return r
}

// CreateAttempt opens a new payment attempt for the order. Any live earlier
// attempt is cancelled first, so at most one attempt is payable at a time.
// The gateway is called outside any transaction; if it fails the attempt
// stays INITIATED with the reason recorded and expires with the sweep.
func (s *Service) CreateAttempt(ctx context.Context, p domain.Principal, orderID, provider string) (Attempt, error) {
	ctx, span := tracer.Start(ctx, "payments.CreateAttempt", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer span.End()
	log := logging.From(ctx, s.Log)

	if !p.Authenticated() {
		return Attempt{}, domain.E(domain.KindUnauthorized, "authentication required")
	}
	if provider == "" {
		provider = s.provider()
	}
	if !strings.EqualFold(provider, s.provider()) {
		return Attempt{}, domain.E(domain.KindInvalidInput, "unsupported payment provider %q", provider)
	}

	var (
		pay    domain.Payment
		reopen orders.Change
	)
	err := s.Store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		o, err := tx.GetOrder(ctx, orderID, true)
		if err != nil {
			return err
		}
		if !p.CanAccess(o.UserID) {
			return domain.E(domain.KindForbidden, "order %s belongs to another user", orderID)
		}
		switch o.Status {
		case domain.OrderPending:
		case domain.OrderFailed:
			if reopen, err = s.Orders.ReopenTx(ctx, tx, o, "user:"+p.UserID); err != nil {
				return err
			}
		case domain.OrderPaid, domain.OrderDelivered, domain.OrderCancelled:
			return domain.E(domain.KindConflict, "order %s is %s; no new payment allowed", orderID, o.Status)
		}

		prior, err := tx.ListPayments(ctx, orderID)
		if err != nil {
			return err
		}
		last := 0
		for _, x := range prior {
			if x.Status == domain.PaymentSuccess {
				return domain.E(domain.KindConflict, "order %s already has a captured payment", orderID)
			}
			if x.AttemptNumber > last {
				last = x.AttemptNumber
			}
		}
		next := last + 1
		for _, x := range prior {
			if x.Status.Terminal() {
				continue
			}
			x.Status = domain.PaymentCancelled
			x.FailureReason = fmt.Sprintf("superseded by attempt %d", next)
			if err := tx.UpdatePayment(ctx, x); err != nil {
				return err
			}
		}

		pay = domain.Payment{
			ID:            uuid.NewString(),
			OrderID:       o.ID,
			Provider:      strings.ToLower(provider),
			Status:        domain.PaymentInitiated,
			Amount:        o.Total,
			Currency:      o.Currency,
			AttemptNumber: next,
			Receipt:       Receipt(o.ID, next),
			ExpiresAt:     s.now().Add(s.expiry()),
		}
		return tx.InsertPayment(ctx, pay)
	})
	if err != nil {
		s.Metrics.PaymentAttempt(domain.KindOf(err).String())
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Attempt{}, err
	}
	s.Orders.Announce(ctx, reopen)
	span.SetAttributes(attribute.String("payment.id", pay.ID), attribute.Int("payment.attempt", pay.AttemptNumber))

	gatewayOrderID, gwErr := s.Gateway.CreateRemoteOrder(ctx, pay.Amount, pay.Currency, pay.Receipt)
	if gwErr != nil {
		s.Metrics.PaymentAttempt(domain.KindOf(gwErr).String())
		span.RecordError(gwErr)
		span.SetStatus(codes.Error, gwErr.Error())
		log.Warn("gateway order creation failed",
			zap.String("payment_id", pay.ID), zap.String("order_id", orderID), zap.Error(gwErr))
		if err := s.recordFailureReason(ctx, pay.ID, gwErr.Error()); err != nil {
			log.Error("record gateway failure", zap.String("payment_id", pay.ID), zap.Error(err))
		}
		return Attempt{}, gwErr
	}

	err = s.Store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		cur, err := tx.GetPayment(ctx, pay.ID, true)
		if err != nil {
			return err
		}
		// the gateway reference is kept even on a superseded attempt so a
		// late event for it can still be traced
		cur.GatewayOrderID = gatewayOrderID
		if cur.Status == domain.PaymentInitiated {
			cur.Status = domain.PaymentPending
			cur.FailureReason = ""
		}
		if err := tx.UpdatePayment(ctx, cur); err != nil {
			return err
		}
		pay = cur
		return nil
	})
	if err != nil {
		s.Metrics.PaymentAttempt(domain.KindOf(err).String())
		return Attempt{}, err
	}
	if pay.Status != domain.PaymentPending {
		s.Metrics.PaymentAttempt("superseded")
		return Attempt{}, domain.E(domain.KindConflict, "payment %s was %s before the gateway answered", pay.ID, pay.Status)
	}

	s.Metrics.PaymentAttempt("ok")
	log.Info("payment attempt created",
		zap.String("payment_id", pay.ID), zap.String("order_id", pay.OrderID),
		zap.Int("attempt", pay.AttemptNumber), zap.String("gateway_order_id", gatewayOrderID))
	s.Announce(ctx, pay)
	return Attempt{Payment: pay, KeyID: s.Gateway.KeyID()}, nil
}

func (s *Service) recordFailureReason(ctx context.Context, paymentID, reason string) error {
	return s.Store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		cur, err := tx.GetPayment(ctx, paymentID, true)
		if err != nil {
			return err
		}
		if cur.Status != domain.PaymentInitiated {
			return nil
		}
		cur.FailureReason = truncate(reason, 500)
		return tx.UpdatePayment(ctx, cur)
	})
}

// MarkSuccessTx records a capture. The caller holds the order row lock.
// SUCCESS is final: a repeat of the same capture is a Duplicate and a capture
// against any other terminal state is RejectedTerminal and left untouched.
func (s *Service) MarkSuccessTx(ctx context.Context, tx store.Tx, paymentID, gatewayPaymentID, signature string) (domain.Payment, Outcome, error) {
	pay, err := tx.GetPayment(ctx, paymentID, true)
	if err != nil {
		return domain.Payment{}, 0, err
	}
	switch pay.Status {
	case domain.PaymentSuccess:
		if gatewayPaymentID == "" || pay.GatewayPaymentID == "" || pay.GatewayPaymentID == gatewayPaymentID {
			return pay, Duplicate, nil
		}
		return pay, RejectedTerminal, nil
	case domain.PaymentInitiated, domain.PaymentPending:
		pay.Status = domain.PaymentSuccess
		if gatewayPaymentID != "" {
			pay.GatewayPaymentID = gatewayPaymentID
		}
		if signature != "" {
			pay.GatewaySignature = signature
		}
		pay.FailureReason = ""
		if err := tx.UpdatePayment(ctx, pay); err != nil {
			return domain.Payment{}, 0, err
		}
		return pay, Applied, nil
	case domain.PaymentFailed, domain.PaymentExpired, domain.PaymentCancelled, domain.PaymentRefunded:
		logging.From(ctx, s.Log).Warn("capture for terminal payment",
			zap.String("payment_id", pay.ID), zap.String("status", pay.Status.String()),
			zap.String("gateway_payment_id", gatewayPaymentID))
		return pay, RejectedTerminal, nil
	}
	return pay, RejectedTerminal, nil
}

// MarkFailedTx records a failed gateway payment with its reason.
func (s *Service) MarkFailedTx(ctx context.Context, tx store.Tx, paymentID, gatewayPaymentID, reason string) (domain.Payment, Outcome, error) {
	pay, err := tx.GetPayment(ctx, paymentID, true)
	if err != nil {
		return domain.Payment{}, 0, err
	}
	switch pay.Status {
	case domain.PaymentFailed:
		return pay, Duplicate, nil
	case domain.PaymentInitiated, domain.PaymentPending:
		pay.Status = domain.PaymentFailed
		pay.FailureReason = truncate(reason, 500)
		if gatewayPaymentID != "" && pay.GatewayPaymentID == "" {
			if _, err := tx.GetPaymentByGatewayPaymentID(ctx, gatewayPaymentID); domain.KindOf(err) == domain.KindNotFound {
				pay.GatewayPaymentID = gatewayPaymentID
			}
		}
		if err := tx.UpdatePayment(ctx, pay); err != nil {
			return domain.Payment{}, 0, err
		}
		return pay, Applied, nil
	case domain.PaymentSuccess, domain.PaymentExpired, domain.PaymentCancelled, domain.PaymentRefunded:
		return pay, RejectedTerminal, nil
	}
	return pay, RejectedTerminal, nil
}

// MarkExpiredTx expires a live payment past its expiry. A payment that is no
// longer the order's newest attempt is expired as Superseded and the caller
// must leave the order alone.
func (s *Service) MarkExpiredTx(ctx context.Context, tx store.Tx, paymentID string, now time.Time) (domain.Payment, Outcome, error) {
	pay, err := tx.GetPayment(ctx, paymentID, true)
	if err != nil {
		return domain.Payment{}, 0, err
	}
	switch pay.Status {
	case domain.PaymentInitiated, domain.PaymentPending:
	case domain.PaymentExpired:
		return pay, Duplicate, nil
	case domain.PaymentSuccess, domain.PaymentFailed, domain.PaymentCancelled, domain.PaymentRefunded:
		return pay, RejectedTerminal, nil
	}
	if !pay.Expired(now) {
		return pay, NotDue, nil
	}

	latest, err := tx.LatestPayment(ctx, pay.OrderID)
	if err != nil {
		return domain.Payment{}, 0, err
	}
	outcome, reason := Applied, ReasonExpired
	if latest.ID != pay.ID {
		outcome, reason = Superseded, ReasonSuperseded
	}
	pay.Status = domain.PaymentExpired
	pay.FailureReason = reason
	if err := tx.UpdatePayment(ctx, pay); err != nil {
		return domain.Payment{}, 0, err
	}
	return pay, outcome, nil
}

// Latest returns the order's active (newest) attempt.
func (s *Service) Latest(ctx context.Context, p domain.Principal, orderID string) (domain.Payment, error) {
	var pay domain.Payment
	err := s.readForOwner(ctx, p, orderID, func(ctx context.Context, tx store.Tx) error {
		var err error
		pay, err = tx.LatestPayment(ctx, orderID)
		return err
	})
	return pay, err
}

// List returns every attempt for the order, oldest first.
func (s *Service) List(ctx context.Context, p domain.Principal, orderID string) ([]domain.Payment, error) {
	var out []domain.Payment
	err := s.readForOwner(ctx, p, orderID, func(ctx context.Context, tx store.Tx) error {
		var err error
		out, err = tx.ListPayments(ctx, orderID)
		return err
	})
	return out, err
}

func (s *Service) readForOwner(ctx context.Context, p domain.Principal, orderID string, fn func(context.Context, store.Tx) error) error {
	if !p.Authenticated() {
		return domain.E(domain.KindUnauthorized, "authentication required")
	}
	return s.Store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		o, err := tx.GetOrder(ctx, orderID, false)
		if err != nil {
			return err
		}
		if !p.CanAccess(o.UserID) {
			return domain.E(domain.KindForbidden, "order %s belongs to another user", orderID)
		}
		return fn(ctx, tx)
	})
}

// Announce emits the event matching a committed payment status.
func (s *Service) Announce(ctx context.Context, pay domain.Payment) {
	var eventType string
	switch pay.Status {
	case domain.PaymentPending:
		eventType = events.EventPaymentCreated
	case domain.PaymentFailed:
		eventType = events.EventPaymentFailed
	case domain.PaymentExpired:
		eventType = events.EventPaymentExpired
	case domain.PaymentInitiated, domain.PaymentSuccess, domain.PaymentCancelled, domain.PaymentRefunded:
		return
	}
	s.Events.Emit(ctx, eventType, pay.OrderID, events.PaymentPayload{
		PaymentID:        pay.ID,
		OrderID:          pay.OrderID,
		AttemptNumber:    pay.AttemptNumber,
		Status:           pay.Status.String(),
		Amount:           pay.Amount.StringFixed(2),
		Currency:         pay.Currency,
		GatewayOrderID:   pay.GatewayOrderID,
		GatewayPaymentID: pay.GatewayPaymentID,
		Reason:           pay.FailureReason,
	})
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
