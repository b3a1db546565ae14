package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderPaid      OrderStatus = "PAID"
	OrderDelivered OrderStatus = "DELIVERED"
	OrderCancelled OrderStatus = "CANCELLED"
	OrderFailed    OrderStatus = "FAILED"
)

var orderNext = map[OrderStatus]map[OrderStatus]bool{
	OrderPending:   {OrderPaid: true, OrderCancelled: true, OrderFailed: true},
	OrderFailed:    {OrderPending: true, OrderCancelled: true},
	OrderPaid:      {OrderDelivered: true},
	OrderDelivered: {},
	OrderCancelled: {},
}

func (s OrderStatus) String() string { return string(s) }

func (s OrderStatus) CanTransition(to OrderStatus) bool {
	return orderNext[s][to]
}

func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderDelivered, OrderCancelled:
		return true
	case OrderPending, OrderPaid, OrderFailed:
		return false
	}
	return false
}

// HoldsOutstanding reports whether stock is still reserved for an order in
// this status. Holds are settled on PAID and released on CANCELLED.
func (s OrderStatus) HoldsOutstanding() bool {
	switch s {
	case OrderPending, OrderFailed:
		return true
	case OrderPaid, OrderDelivered, OrderCancelled:
		return false
	}
	return false
}

func ParseOrderStatus(s string) (OrderStatus, error) {
	switch st := OrderStatus(s); st {
	case OrderPending, OrderPaid, OrderDelivered, OrderCancelled, OrderFailed:
		return st, nil
	}
	return "", fmt.Errorf("unknown order status %q", s)
}

type Order struct {
	ID              string
	UserID          string
	Status          OrderStatus
	Items           []OrderItem
	Total           decimal.Decimal // frozen at checkout
	Currency        string
	ShippingAddress string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type OrderItem struct {
	ID        string
	OrderID   string
	ProductID string
	Quantity  int
	UnitPrice decimal.Decimal
}

func (it OrderItem) LineTotal() decimal.Decimal {
	return it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity)))
}

// Lines returns the order's items as quantity lines for the ledger.
func (o Order) Lines() []CartLine {
	out := make([]CartLine, 0, len(o.Items))
	for _, it := range o.Items {
		out = append(out, CartLine{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	return out
}
