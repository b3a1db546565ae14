package domain

import (
	"errors"
	"fmt"
)

// Kind classifies a failure. The string form is the stable code clients see.
type Kind int

const (
	KindInternal Kind = iota
	KindInvalidInput
	KindInsufficientStock
	KindEmptyCart
	KindInvalidStateTransition
	KindConflict
	KindNotFound
	KindUnauthorized
	KindForbidden
	KindInvalidSignature
	KindGatewayNotConfigured
	KindGatewayUnavailable
	KindGatewayRejected
	KindGatewayProtocolError
	KindOptimisticConflict
)

func (k Kind) String() string {
	switch k {
	case KindInternal:
		return "internal"
	case KindInvalidInput:
		return "invalid_input"
	case KindInsufficientStock:
		return "insufficient_stock"
	case KindEmptyCart:
		return "empty_cart"
	case KindInvalidStateTransition:
		return "invalid_state_transition"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindUnauthorized:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindInvalidSignature:
		return "invalid_signature"
	case KindGatewayNotConfigured:
		return "gateway_not_configured"
	case KindGatewayUnavailable:
		return "gateway_unavailable"
	case KindGatewayRejected:
		return "gateway_rejected"
	case KindGatewayProtocolError:
		return "gateway_protocol_error"
	case KindOptimisticConflict:
		return "optimistic_conflict"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error is the structured error returned by every service in this module.
type Error struct {
	Kind      Kind
	Msg       string
	ProductID string // set for insufficient stock
	Err       error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.String()
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrNotFound)
// works regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrInvalidInput           = &Error{Kind: KindInvalidInput}
	ErrInsufficientStock      = &Error{Kind: KindInsufficientStock}
	ErrEmptyCart              = &Error{Kind: KindEmptyCart}
	ErrInvalidStateTransition = &Error{Kind: KindInvalidStateTransition}
	ErrConflict               = &Error{Kind: KindConflict}
	ErrNotFound               = &Error{Kind: KindNotFound}
	ErrUnauthorized           = &Error{Kind: KindUnauthorized}
	ErrForbidden              = &Error{Kind: KindForbidden}
	ErrInvalidSignature       = &Error{Kind: KindInvalidSignature}
	ErrGatewayNotConfigured   = &Error{Kind: KindGatewayNotConfigured}
	ErrGatewayUnavailable     = &Error{Kind: KindGatewayUnavailable}
	ErrGatewayRejected        = &Error{Kind: KindGatewayRejected}
	ErrGatewayProtocol        = &Error{Kind: KindGatewayProtocolError}
	ErrOptimisticConflict     = &Error{Kind: KindOptimisticConflict}
)

// E builds an *Error with a formatted message.
func E(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying cause.
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

func InsufficientStock(productID string, requested, available int) *Error {
	return &Error{
		Kind:      KindInsufficientStock,
		Msg:       fmt.Sprintf("insufficient stock for product %s: requested %d, available %d", productID, requested, available),
		ProductID: productID,
	}
}

func InvalidTransition(entity string, from, to fmt.Stringer) *Error {
	return E(KindInvalidStateTransition, "%s cannot move from %s to %s", entity, from, to)
}

// KindOf reports the kind of err, or KindInternal when err carries none.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}
