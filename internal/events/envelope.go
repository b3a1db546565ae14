package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	EventOrderPlaced           = "OrderPlaced"
	EventOrderPaid             = "OrderPaid"
	EventOrderCancelled        = "OrderCancelled"
	EventOrderDelivered        = "OrderDelivered"
	EventOrderDeleted          = "OrderDeleted"
	EventPaymentCreated        = "PaymentCreated"
	EventPaymentFailed         = "PaymentFailed"
	EventPaymentExpired        = "PaymentExpired"
	EventPaymentReviewRequired = "PaymentReviewRequired"
)

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order id
	Payload       json.RawMessage `json:"payload"`
}

// ---- payloads ----

type Line struct {
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
	UnitPrice string `json:"unit_price"`
}

type OrderPlacedPayload struct {
	OrderID string `json:"order_id"`
	UserID  string `json:"user_id"`
	Items   []Line `json:"items"`
	Total   string `json:"total"`
}

type OrderStatusPayload struct {
	OrderID string `json:"order_id"`
	From    string `json:"from"`
	To      string `json:"to"`
	Actor   string `json:"actor"`
	Reason  string `json:"reason,omitempty"`
}

type PaymentPayload struct {
	PaymentID        string `json:"payment_id"`
	OrderID          string `json:"order_id"`
	AttemptNumber    int    `json:"attempt_number"`
	Status           string `json:"status"`
	Amount           string `json:"amount"`
	Currency         string `json:"currency"`
	GatewayOrderID   string `json:"gateway_order_id,omitempty"`
	GatewayPaymentID string `json:"gateway_payment_id,omitempty"`
	Reason           string `json:"reason,omitempty"`
}

// ReviewPayload describes a captured payment that could not be applied,
// e.g. money arrived for an order that was already cancelled.
type ReviewPayload struct {
	PaymentID        string    `json:"payment_id"`
	OrderID          string    `json:"order_id"`
	GatewayOrderID   string    `json:"gateway_order_id"`
	GatewayPaymentID string    `json:"gateway_payment_id,omitempty"`
	PaymentStatus    string    `json:"payment_status"`
	OrderStatus      string    `json:"order_status"`
	Event            string    `json:"event"`
	Reason           string    `json:"reason"`
	DetectedAt       time.Time `json:"detected_at"`
}

// New wraps payload in a v1 envelope.
func New(producer, eventType, correlationID, traceID string, payload any) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      producer,
		TraceID:       traceID,
		CorrelationID: correlationID,
		Payload:       b,
	}, nil
}

// UnwrapPayload decodes an envelope payload into T.
func UnwrapPayload[T any](payload json.RawMessage) (T, error) {
	var t T
	if err := json.Unmarshal(payload, &t); err != nil {
		return t, fmt.Errorf("decode payload: %w", err)
	}
	return t, nil
}

// Publisher hands envelopes to the message bus. Delivery is at-least-once
// and happens after the state change has committed.
type Publisher interface {
	Publish(ctx context.Context, env Envelope) error
}

type Nop struct{}

func (Nop) Publish(context.Context, Envelope) error { return nil }

// Recorder keeps published envelopes in memory.
type Recorder struct {
	mu  sync.Mutex
	all []Envelope
}

func (r *Recorder) Publish(_ context.Context, env Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all = append(r.all, env)
	return nil
}

func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.all))
	for _, e := range r.all {
		out = append(out, e.EventType)
	}
	return out
}

func (r *Recorder) Of(eventType string) []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Envelope
	for _, e := range r.all {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}
