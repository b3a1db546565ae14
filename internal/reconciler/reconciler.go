// Package reconciler runs the expiry sweep that reclaims stock held by
// unpaid orders.
package reconciler

import (
	"context"
	"time"

	"github.com/ariefcatur/go-order-reconciler/internal/domain"
	"github.com/ariefcatur/go-order-reconciler/internal/logging"
	"github.com/ariefcatur/go-order-reconciler/internal/metrics"
	"github.com/ariefcatur/go-order-reconciler/internal/orders"
	"github.com/ariefcatur/go-order-reconciler/internal/payments"
	"github.com/ariefcatur/go-order-reconciler/internal/store"
	"go.uber.org/zap"
)

const (
	DefaultInterval     = 15 * time.Second
	DefaultBatch        = 100
	DefaultAbandonAfter = 15 * time.Minute
	DefaultLockKey      = "lock:sweep"

	ReasonAbandoned = "abandoned without a live payment"
)

// Locker grants a single-holder lease so only one replica sweeps at a time.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// Report counts what one sweep did.
type Report struct {
	Expired    int // payment expired, order cancelled
	Superseded int // older attempt expired, order untouched
	Cancelled  int // abandoned orders cancelled
	Stale      int // settled or closed between query and processing
	Skipped    int // not due or order no longer eligible
	Failed     int
	Contended  bool // another replica held the lease
}

func (r Report) Empty() bool {
	return r.Expired+r.Superseded+r.Cancelled+r.Stale+r.Skipped+r.Failed == 0
}

type Reconciler struct {
	Store        store.Store
	Payments     *payments.Service
	Orders       *orders.Service
	Locker       Locker
	LockKey      string
	Interval     time.Duration
	Batch        int
	AbandonAfter time.Duration
	Metrics      *metrics.Metrics
	Log          *zap.Logger
	Now          func() time.Time
}

func (r *Reconciler) now() time.Time {
	if r.Now == nil {
		return time.Now().UTC()
	}
	return r.Now()
}

func (r *Reconciler) interval() time.Duration {
	if r.Interval <= 0 {
		return DefaultInterval
	}
	return r.Interval
}

func (r *Reconciler) batch() int {
	if r.Batch <= 0 {
		return DefaultBatch
	}
	return r.Batch
}

// Run sweeps every Interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	log := logging.From(ctx, r.Log)
	t := time.NewTicker(r.interval())
	defer t.Stop()
	log.Info("expiry sweep started", zap.Duration("interval", r.interval()))
	for {
		select {
		case <-ctx.Done():
			log.Info("expiry sweep stopped")
			return nil
		case <-t.C:
			rep, err := r.RunOnce(ctx)
			if err != nil {
				log.Error("expiry sweep failed", zap.Error(err))
				continue
			}
			if !rep.Empty() {
				log.Info("expiry sweep done",
					zap.Int("expired", rep.Expired), zap.Int("superseded", rep.Superseded),
					zap.Int("cancelled", rep.Cancelled), zap.Int("stale", rep.Stale),
					zap.Int("skipped", rep.Skipped), zap.Int("failed", rep.Failed))
			}
		}
	}
}

// RunOnce expires due payments, then cancels abandoned orders. Each item
// runs in its own transaction; a failing item is logged and counted and the
// sweep moves on. The returned error only reports a failed candidate query.
func (r *Reconciler) RunOnce(ctx context.Context) (Report, error) {
	var rep Report
	log := logging.From(ctx, r.Log)
	started := time.Now()
	defer func() { r.Metrics.SweepDone(time.Since(started)) }()

	if r.Locker != nil {
		key := r.LockKey
		if key == "" {
			key = DefaultLockKey
		}
		release, ok, err := r.Locker.Acquire(ctx, key, 2*r.interval())
		switch {
		case err != nil:
			// sweeping unlocked is still correct, only redundant
			log.Warn("sweep lease unavailable, sweeping anyway", zap.Error(err))
		case !ok:
			rep.Contended = true
			return rep, nil
		default:
			defer release()
		}
	}

	now := r.now()
	var due []string
	err := r.Store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		due, err = tx.ListExpiredPayments(ctx, now, r.batch())
		return err
	})
	if err != nil {
		return rep, err
	}
	for _, id := range due {
		if ctx.Err() != nil {
			return rep, nil
		}
		outcome, err := r.expirePayment(ctx, id, now)
		if err != nil {
			rep.Failed++
			r.Metrics.SweepItem("failed")
			log.Error("expire payment", zap.String("payment_id", id), zap.Error(err))
			continue
		}
		r.Metrics.SweepItem(outcome)
		switch outcome {
		case "expired":
			rep.Expired++
		case "superseded":
			rep.Superseded++
		case "stale":
			rep.Stale++
		default:
			rep.Skipped++
		}
	}

	abandonAfter := r.AbandonAfter
	if abandonAfter <= 0 {
		abandonAfter = DefaultAbandonAfter
	}
	cutoff := now.Add(-abandonAfter)
	var abandoned []string
	err = r.Store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		abandoned, err = tx.ListAbandonedOrders(ctx, cutoff, r.batch())
		return err
	})
	if err != nil {
		return rep, err
	}
	for _, id := range abandoned {
		if ctx.Err() != nil {
			return rep, nil
		}
		cancelled, err := r.cancelAbandoned(ctx, id, cutoff)
		switch {
		case err != nil:
			rep.Failed++
			r.Metrics.SweepItem("failed")
			log.Error("cancel abandoned order", zap.String("order_id", id), zap.Error(err))
		case cancelled:
			rep.Cancelled++
			r.Metrics.SweepItem("abandoned")
		default:
			rep.Skipped++
			r.Metrics.SweepItem("skipped")
		}
	}
	return rep, nil
}

// expirePayment re-reads the payment under lock and acts only if it is
// still live, due and the order's active attempt. A capture that committed
// first always wins.
func (r *Reconciler) expirePayment(ctx context.Context, paymentID string, now time.Time) (string, error) {
	var (
		outcome = "skipped"
		pay     domain.Payment
		ch      orders.Change
	)
	err := r.Store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		outcome, ch = "skipped", orders.Change{}

		fresh, err := tx.GetPayment(ctx, paymentID, false)
		if err != nil {
			return err
		}
		if fresh.Status.Terminal() {
			outcome = "stale"
			return nil
		}
		// order row first, then the payment row
		if _, err := tx.GetOrder(ctx, fresh.OrderID, true); err != nil {
			return err
		}
		var res payments.Outcome
		pay, res, err = r.Payments.MarkExpiredTx(ctx, tx, paymentID, now)
		if err != nil {
			return err
		}
		switch res {
		case payments.Applied:
		case payments.Superseded:
			outcome = "superseded"
			return nil
		case payments.Duplicate, payments.RejectedTerminal:
			outcome = "stale"
			return nil
		case payments.NotDue:
			return nil
		}

		ch, _, err = r.Orders.ExpireTx(ctx, tx, pay.OrderID, payments.ReasonExpired)
		if err != nil {
			return err
		}
		outcome = "expired"
		return nil
	})
	if err != nil {
		return "", err
	}
	if outcome == "expired" || outcome == "superseded" {
		r.Payments.Announce(ctx, pay)
	}
	r.Orders.Announce(ctx, ch)
	return outcome, nil
}

func (r *Reconciler) cancelAbandoned(ctx context.Context, orderID string, cutoff time.Time) (bool, error) {
	var (
		ch orders.Change
		ok bool
	)
	err := r.Store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
		o, err := tx.GetOrder(ctx, orderID, true)
		if err != nil {
			return err
		}
		ok = false
		if !o.UpdatedAt.Before(cutoff) {
			return nil
		}
		// a live attempt may have appeared since the query
		live, err := tx.HasPaymentInStatus(ctx, orderID, domain.LiveStatuses...)
		if err != nil {
			return err
		}
		if live {
			return nil
		}
		ch, ok, err = r.Orders.ExpireTx(ctx, tx, orderID, ReasonAbandoned)
		return err
	})
	if err != nil {
		return false, err
	}
	r.Orders.Announce(ctx, ch)
	return ok, nil
}
