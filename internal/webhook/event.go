package webhook

import (
	"encoding/json"
	"strings"

	"github.com/ariefcatur/go-order-reconciler/internal/domain"
)

type EventType int

const (
	EventUnknown EventType = iota
	EventPaymentCaptured
	EventOrderPaid
	EventPaymentFailed
)

func (t EventType) String() string {
	switch t {
	case EventPaymentCaptured:
		return "payment.captured"
	case EventOrderPaid:
		return "order.paid"
	case EventPaymentFailed:
		return "payment.failed"
	case EventUnknown:
		return "unknown"
	}
	return "unknown"
}

func parseEventType(s string) EventType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "payment.captured":
		return EventPaymentCaptured
	case "order.paid":
		return EventOrderPaid
	case "payment.failed":
		return EventPaymentFailed
	}
	return EventUnknown
}

// Event is the part of a gateway callback the engine acts on.
type Event struct {
	Type             EventType
	Name             string // as sent, for logs
	GatewayOrderID   string
	GatewayPaymentID string
	AmountMinor      int64
	HasAmount        bool
	FailureReason    string
}

type entity[T any] struct {
	Entity *T `json:"entity"`
}

type paymentEntity struct {
	ID               string `json:"id"`
	OrderID          string `json:"order_id"`
	Amount           *int64 `json:"amount"`
	Status           string `json:"status"`
	ErrorCode        string `json:"error_code"`
	ErrorDescription string `json:"error_description"`
	ErrorReason      string `json:"error_reason"`
}

type orderEntity struct {
	ID         string `json:"id"`
	Amount     *int64 `json:"amount"`
	AmountPaid *int64 `json:"amount_paid"`
}

type envelope struct {
	Event   string `json:"event"`
	Payload struct {
		Payment entity[paymentEntity] `json:"payment"`
		Order   entity[orderEntity]   `json:"order"`
	} `json:"payload"`
}

// ParseEvent decodes a verified webhook body. The gateway order reference
// comes from the payment entity, falling back to the order entity.
func ParseEvent(body []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Event{}, domain.Wrap(domain.KindInvalidInput, err, "malformed webhook payload")
	}
	if strings.TrimSpace(env.Event) == "" {
		return Event{}, domain.E(domain.KindInvalidInput, "webhook payload has no event type")
	}

	ev := Event{Type: parseEventType(env.Event), Name: env.Event}
	pay, ord := env.Payload.Payment.Entity, env.Payload.Order.Entity
	if pay != nil {
		ev.GatewayOrderID = pay.OrderID
		ev.GatewayPaymentID = pay.ID
		if pay.Amount != nil {
			ev.AmountMinor, ev.HasAmount = *pay.Amount, true
		}
		ev.FailureReason = firstNonEmpty(pay.ErrorDescription, pay.ErrorReason, pay.ErrorCode)
	}
	if ord != nil {
		if ev.GatewayOrderID == "" {
			ev.GatewayOrderID = ord.ID
		}
		if !ev.HasAmount {
			switch {
			case ord.AmountPaid != nil:
				ev.AmountMinor, ev.HasAmount = *ord.AmountPaid, true
			case ord.Amount != nil:
				ev.AmountMinor, ev.HasAmount = *ord.Amount, true
			}
		}
	}
	if ev.Type == EventPaymentFailed && ev.FailureReason == "" {
		ev.FailureReason = "payment failed"
	}
	return ev, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
