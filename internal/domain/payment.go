package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentInitiated PaymentStatus = "INITIATED"
	PaymentPending   PaymentStatus = "PENDING"
	PaymentSuccess   PaymentStatus = "SUCCESS"
	PaymentFailed    PaymentStatus = "FAILED"
	PaymentExpired   PaymentStatus = "EXPIRED"
	PaymentCancelled PaymentStatus = "CANCELLED"
	PaymentRefunded  PaymentStatus = "REFUNDED"
)

var paymentNext = map[PaymentStatus]map[PaymentStatus]bool{
	PaymentInitiated: {PaymentPending: true, PaymentFailed: true, PaymentExpired: true, PaymentCancelled: true, PaymentSuccess: true},
	PaymentPending:   {PaymentSuccess: true, PaymentFailed: true, PaymentExpired: true, PaymentCancelled: true},
	PaymentSuccess:   {PaymentRefunded: true},
	PaymentFailed:    {},
	PaymentExpired:   {},
	PaymentCancelled: {},
	PaymentRefunded:  {},
}

func (s PaymentStatus) String() string { return string(s) }

func (s PaymentStatus) CanTransition(to PaymentStatus) bool {
	return paymentNext[s][to]
}

// Terminal reports whether no further business transition applies.
// SUCCESS only moves on through the refund path.
func (s PaymentStatus) Terminal() bool {
	switch s {
	case PaymentInitiated, PaymentPending:
		return false
	case PaymentSuccess, PaymentFailed, PaymentExpired, PaymentCancelled, PaymentRefunded:
		return true
	}
	return false
}

func ParsePaymentStatus(s string) (PaymentStatus, error) {
	switch st := PaymentStatus(s); st {
	case PaymentInitiated, PaymentPending, PaymentSuccess, PaymentFailed,
		PaymentExpired, PaymentCancelled, PaymentRefunded:
		return st, nil
	}
	return "", fmt.Errorf("unknown payment status %q", s)
}

// LiveStatuses are the statuses of an attempt that may still be paid.
var LiveStatuses = []PaymentStatus{PaymentInitiated, PaymentPending}

type Payment struct {
	ID               string
	OrderID          string
	Provider         string
	Status           PaymentStatus
	Amount           decimal.Decimal
	Currency         string
	AttemptNumber    int
	Receipt          string
	GatewayOrderID   string
	GatewayPaymentID string
	GatewaySignature string
	FailureReason    string
	ExpiresAt        time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (p Payment) Expired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && p.ExpiresAt.Before(now)
}
