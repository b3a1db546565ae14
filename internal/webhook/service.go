// Package webhook ingests payment gateway callbacks. Nothing is mutated
// before the signature checks out, and every mutation is safe to repeat.
package webhook

import (
	"context"
	"time"

	"github.com/ariefcatur/go-order-reconciler/internal/domain"
	"github.com/ariefcatur/go-order-reconciler/internal/events"
	"github.com/ariefcatur/go-order-reconciler/internal/gateway"
	"github.com/ariefcatur/go-order-reconciler/internal/logging"
	"github.com/ariefcatur/go-order-reconciler/internal/metrics"
	"github.com/ariefcatur/go-order-reconciler/internal/orders"
	"github.com/ariefcatur/go-order-reconciler/internal/payments"
	"github.com/ariefcatur/go-order-reconciler/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	ReasonCaptured       = "payment_captured"
	ReasonFailed         = "payment_failed"
	ReasonDuplicate      = "duplicate_event"
	ReasonReview         = "requires_review"
	ReasonStale          = "stale_event"
	ReasonMissingOrderID = "missing_order_id"
	ReasonUnknownOrder   = "unknown_gateway_order_id"
	ReasonAmountMismatch = "amount_mismatch"
	ReasonIgnored        = "ignored_event"
)

var tracer = otel.Tracer("github.com/ariefcatur/go-order-reconciler/internal/webhook")

// Dedup short-circuits redelivered captures. The store stays authoritative.
type Dedup interface {
	Seen(ctx context.Context, gatewayPaymentID string) (bool, error)
	Mark(ctx context.Context, gatewayPaymentID, paymentID string) error
}

// Result tells the gateway whether the event changed anything.
type Result struct {
	Applied   bool   `json:"applied"`
	Reason    string `json:"reason"`
	Event     string `json:"event"`
	PaymentID string `json:"payment_id,omitempty"`
	OrderID   string `json:"order_id,omitempty"`
}

type Service struct {
	Verifier Verifier
	Store    store.Store
	Payments *payments.Service
	Orders   *orders.Service
	Dedup    Dedup
	Events   events.Emitter
	Metrics  *metrics.Metrics
	Log      *zap.Logger
	Now      func() time.Time
}

func (s *Service) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now()
}

// Ingest verifies and applies one callback. Business outcomes such as
// duplicates, unknown orders or races come back as a Result; an error means
// the input itself was unauthenticated or malformed, or the store failed.
func (s *Service) Ingest(ctx context.Context, body []byte, signature string) (Result, error) {
	ctx, span := tracer.Start(ctx, "webhook.Ingest")
	defer span.End()

	if err := s.Verifier.Verify(body, signature); err != nil {
		s.Metrics.WebhookEvent("unverified", domain.KindOf(err).String())
		return Result{}, err
	}
	ev, err := ParseEvent(body)
	if err != nil {
		s.Metrics.WebhookEvent("malformed", domain.KindOf(err).String())
		return Result{}, err
	}
	span.SetAttributes(
		attribute.String("webhook.event", ev.Name),
		attribute.String("gateway.order_id", ev.GatewayOrderID),
		attribute.String("gateway.payment_id", ev.GatewayPaymentID),
	)
	log := logging.From(ctx, s.Log).With(
		zap.String("event", ev.Name),
		zap.String("gateway_order_id", ev.GatewayOrderID),
		zap.String("gateway_payment_id", ev.GatewayPaymentID),
	)
	ctx = logging.With(ctx, log)

	var res Result
	switch ev.Type {
	case EventPaymentCaptured, EventOrderPaid:
		res, err = s.capture(ctx, ev, signature)
	case EventPaymentFailed:
		res, err = s.fail(ctx, ev)
	case EventUnknown:
		res = Result{Reason: ReasonIgnored}
	}
	res.Event = ev.Name
	if err != nil {
		s.Metrics.WebhookEvent(ev.Type.String(), "error")
		span.RecordError(err)
		log.Error("webhook processing failed", zap.Error(err))
		return Result{}, err
	}
	s.Metrics.WebhookEvent(ev.Type.String(), res.Reason)
	log.Info("webhook processed", zap.Bool("applied", res.Applied), zap.String("reason", res.Reason),
		zap.String("payment_id", res.PaymentID), zap.String("order_id", res.OrderID))
	return res, nil
}

// capture applies a captured payment. The unlocked lookup only finds the
// rows; every check runs after the order and then the payment are locked, so
// a concurrent redelivery sees the first one's commit as a duplicate.
func (s *Service) capture(ctx context.Context, ev Event, signature string) (Result, error) {
	if ev.GatewayOrderID == "" {
		return Result{Reason: ReasonMissingOrderID}, nil
	}
	log := logging.From(ctx, s.Log)
	if s.Dedup != nil && ev.GatewayPaymentID != "" {
		seen, err := s.Dedup.Seen(ctx, ev.GatewayPaymentID)
		if err != nil {
			log.Warn("dedup lookup failed", zap.Error(err))
		} else if seen {
			return Result{Reason: ReasonDuplicate}, nil
		}
	}

	var (
		res    Result
		ch     orders.Change
		review *events.ReviewPayload
	)
	err := s.Store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		res, ch, review = Result{}, orders.Change{}, nil

		found, err := tx.GetPaymentByGatewayOrderID(ctx, ev.GatewayOrderID)
		if domain.KindOf(err) == domain.KindNotFound {
			res.Reason = ReasonUnknownOrder
			if ev.GatewayPaymentID != "" {
				review = &events.ReviewPayload{
					GatewayOrderID: ev.GatewayOrderID, GatewayPaymentID: ev.GatewayPaymentID,
					Event: ev.Name, Reason: "no payment for gateway order", DetectedAt: s.now(),
				}
			}
			return nil
		}
		if err != nil {
			return err
		}
		res.PaymentID, res.OrderID = found.ID, found.OrderID

		o, err := tx.GetOrder(ctx, found.OrderID, true)
		if err != nil {
			return err
		}
		pay, err := tx.GetPayment(ctx, found.ID, true)
		if err != nil {
			return err
		}

		if pay.Status == domain.PaymentSuccess && (ev.GatewayPaymentID == "" || ev.GatewayPaymentID == pay.GatewayPaymentID) {
			res.Reason = ReasonDuplicate
			return nil
		}
		if ev.GatewayPaymentID != "" {
			prior, err := tx.GetPaymentByGatewayPaymentID(ctx, ev.GatewayPaymentID)
			switch {
			case err == nil && prior.Status == domain.PaymentSuccess:
				res.Reason = ReasonDuplicate
				return nil
			case err == nil && prior.ID != pay.ID:
				res.Reason = ReasonReview
				review = s.reviewOf(pay, o.Status, ev, "gateway payment already linked to another attempt")
				return nil
			case err != nil && domain.KindOf(err) != domain.KindNotFound:
				return err
			}
		}

		if !ev.HasAmount || ev.AmountMinor != gateway.ToMinorUnits(pay.Amount) {
			log.Warn("captured amount does not match payment",
				zap.Int64("event_amount_minor", ev.AmountMinor), zap.Bool("has_amount", ev.HasAmount),
				zap.Int64("expected_minor", gateway.ToMinorUnits(pay.Amount)))
			res.Reason = ReasonAmountMismatch
			return nil
		}

		if !o.Status.CanTransition(domain.OrderPaid) {
			res.Reason = ReasonReview
			review = s.reviewOf(pay, o.Status, ev, "order is "+o.Status.String())
			return nil
		}

		pay, outcome, err := s.Payments.MarkSuccessTx(ctx, tx, pay.ID, ev.GatewayPaymentID, signature)
		if err != nil {
			return err
		}
		switch outcome {
		case payments.Applied:
		case payments.Duplicate:
			res.Reason = ReasonDuplicate
			return nil
		case payments.RejectedTerminal, payments.Superseded, payments.NotDue:
			res.Reason = ReasonReview
			review = s.reviewOf(pay, o.Status, ev, "payment is "+pay.Status.String())
			return nil
		}

		ch, err = s.Orders.ConfirmSettlementTx(ctx, tx, o.ID)
		if err != nil {
			return err
		}
		res.Applied, res.Reason = true, ReasonCaptured
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	if review != nil {
		log.Warn("captured payment requires manual review",
			zap.String("payment_id", review.PaymentID), zap.String("order_id", review.OrderID),
			zap.String("payment_status", review.PaymentStatus), zap.String("order_status", review.OrderStatus),
			zap.String("why", review.Reason))
		key := review.OrderID
		if key == "" {
			key = review.GatewayOrderID
		}
		s.Events.Emit(ctx, events.EventPaymentReviewRequired, key, *review)
	}
	if res.Applied {
		s.Orders.Announce(ctx, ch)
	}
	if (res.Applied || res.Reason == ReasonDuplicate) && s.Dedup != nil && ev.GatewayPaymentID != "" {
		if err := s.Dedup.Mark(ctx, ev.GatewayPaymentID, res.PaymentID); err != nil {
			log.Warn("dedup mark failed", zap.Error(err))
		}
	}
	return res, nil
}

func (s *Service) fail(ctx context.Context, ev Event) (Result, error) {
	if ev.GatewayOrderID == "" {
		return Result{Reason: ReasonMissingOrderID}, nil
	}
	var (
		res Result
		pay domain.Payment
		ch  orders.Change
	)
	err := s.Store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		res, ch = Result{}, orders.Change{}

		found, err := tx.GetPaymentByGatewayOrderID(ctx, ev.GatewayOrderID)
		if domain.KindOf(err) == domain.KindNotFound {
			res.Reason = ReasonUnknownOrder
			return nil
		}
		if err != nil {
			return err
		}
		res.PaymentID, res.OrderID = found.ID, found.OrderID

		if _, err := tx.GetOrder(ctx, found.OrderID, true); err != nil {
			return err
		}
		var outcome payments.Outcome
		pay, outcome, err = s.Payments.MarkFailedTx(ctx, tx, found.ID, ev.GatewayPaymentID, ev.FailureReason)
		if err != nil {
			return err
		}
		switch outcome {
		case payments.Applied:
		case payments.Duplicate:
			res.Reason = ReasonDuplicate
			return nil
		case payments.RejectedTerminal, payments.Superseded, payments.NotDue:
			res.Reason = ReasonStale
			return nil
		}

		// only the active attempt decides the order's fate
		latest, err := tx.LatestPayment(ctx, pay.OrderID)
		if err != nil {
			return err
		}
		if latest.ID == pay.ID {
			if ch, _, err = s.Orders.FailTx(ctx, tx, pay.OrderID, ev.FailureReason); err != nil {
				return err
			}
		}
		res.Applied, res.Reason = true, ReasonFailed
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	if res.Applied {
		s.Payments.Announce(ctx, pay)
		s.Orders.Announce(ctx, ch)
	}
	return res, nil
}

func (s *Service) reviewOf(pay domain.Payment, orderStatus domain.OrderStatus, ev Event, why string) *events.ReviewPayload {
	return &events.ReviewPayload{
		PaymentID:        pay.ID,
		OrderID:          pay.OrderID,
		GatewayOrderID:   pay.GatewayOrderID,
		GatewayPaymentID: ev.GatewayPaymentID,
		PaymentStatus:    pay.Status.String(),
		OrderStatus:      orderStatus.String(),
		Event:            ev.Name,
		Reason:           why,
		DetectedAt:       s.now(),
	}
}
