// Package store defines the transactional persistence contract shared by the
// Postgres and in-memory implementations.
package store

import (
	"context"
	"time"

	"github.com/ariefcatur/go-order-reconciler/internal/domain"
)

// Store runs fn inside one transaction. fn returning nil commits; any error
// rolls back every write made through tx.
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

type Tx interface {
	Products
	Carts
	Orders
	Payments
}

type Products interface {
	GetProduct(ctx context.Context, id string) (domain.Product, error)
	ListProducts(ctx context.Context) ([]domain.Product, error)
	// UpdateProductCounts writes stock/reserved only if the stored version
	// still equals expectedVersion, bumping it by one. A moved version
	// returns domain.ErrOptimisticConflict.
	UpdateProductCounts(ctx context.Context, id string, stock, reserved int, expectedVersion int64) error
}

type Carts interface {
	// LockCart takes an exclusive lock on the user's cart row for the rest
	// of the transaction and returns its lines.
	LockCart(ctx context.Context, userID string) ([]domain.CartLine, error)
	ClearCart(ctx context.Context, userID string) error
}

type Orders interface {
	InsertOrder(ctx context.Context, o domain.Order) error
	GetOrder(ctx context.Context, id string, forUpdate bool) (domain.Order, error)
	ListOrdersByUser(ctx context.Context, userID string) ([]domain.Order, error)
	ListOrders(ctx context.Context, limit int) ([]domain.Order, error)
	// UpdateOrderStatus is a compare-and-set on the current status.
	UpdateOrderStatus(ctx context.Context, id string, from, to domain.OrderStatus) error
	UpdateShippingAddress(ctx context.Context, id, address string) error
	DeleteOrder(ctx context.Context, id string) error
	// ListAbandonedOrders returns ids of PENDING/FAILED orders not updated
	// since olderThan that have no INITIATED/PENDING payment.
	ListAbandonedOrders(ctx context.Context, olderThan time.Time, limit int) ([]string, error)
}

type Payments interface {
	InsertPayment(ctx context.Context, p domain.Payment) error
	GetPayment(ctx context.Context, id string, forUpdate bool) (domain.Payment, error)
	GetPaymentByGatewayOrderID(ctx context.Context, gatewayOrderID string) (domain.Payment, error)
	GetPaymentByGatewayPaymentID(ctx context.Context, gatewayPaymentID string) (domain.Payment, error)
	// LatestPayment returns the order's highest attempt, the active one.
	LatestPayment(ctx context.Context, orderID string) (domain.Payment, error)
	ListPayments(ctx context.Context, orderID string) ([]domain.Payment, error)
	UpdatePayment(ctx context.Context, p domain.Payment) error
	HasPaymentInStatus(ctx context.Context, orderID string, statuses ...domain.PaymentStatus) (bool, error)
	// ListExpiredPayments returns ids of INITIATED/PENDING payments whose
	// expiry is before now, oldest first.
	ListExpiredPayments(ctx context.Context, now time.Time, limit int) ([]string, error)
}
