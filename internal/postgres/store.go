package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-order-reconciler/internal/domain"
	"github.com/ariefcatur/go-order-reconciler/internal/store"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Store is the Postgres store. Transactions run at READ COMMITTED, so a
// versioned write retried inside the same transaction sees the competing
// commit on its next read.
type Store struct{ DB *pgxpool.Pool }

var _ store.Store = (*Store)(nil)

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	t, err := s.DB.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = t.Rollback(ctx) }()

	if err := fn(ctx, &tx{t: t}); err != nil {
		return err
	}
	if err := t.Commit(ctx); err != nil {
		return mapErr(err, "commit")
	}
	return nil
}

// UpsertProduct inserts or overwrites a catalog row. Used for seeding.
func (s *Store) UpsertProduct(ctx context.Context, p domain.Product) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO products(id, sku, name, price, stock_quantity, reserved_quantity, version)
		VALUES ($1, $2, $3, $4::numeric, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			sku = EXCLUDED.sku, name = EXCLUDED.name, price = EXCLUDED.price,
			stock_quantity = EXCLUDED.stock_quantity, reserved_quantity = EXCLUDED.reserved_quantity,
			version = products.version + 1, updated_at = now()`,
		p.ID, p.SKU, p.Name, p.Price.String(), p.Stock, p.Reserved, p.Version)
	return mapErr(err, "upsert product")
}

// SetCartLine sets one cart line; qty <= 0 removes it.
func (s *Store) SetCartLine(ctx context.Context, userID, productID string, qty int) error {
	return s.InTx(ctx, func(ctx context.Context, st store.Tx) error {
		t := st.(*tx).t
		if _, err := t.Exec(ctx, `INSERT INTO carts(user_id) VALUES ($1)
			ON CONFLICT (user_id) DO UPDATE SET updated_at = now()`, userID); err != nil {
			return mapErr(err, "upsert cart")
		}
		if qty <= 0 {
			_, err := t.Exec(ctx, `DELETE FROM cart_items WHERE user_id=$1 AND product_id=$2`, userID, productID)
			return mapErr(err, "remove cart line")
		}
		_, err := t.Exec(ctx, `
			INSERT INTO cart_items(user_id, product_id, quantity) VALUES ($1, $2, $3)
			ON CONFLICT (user_id, product_id) DO UPDATE SET quantity = EXCLUDED.quantity`,
			userID, productID, qty)
		return mapErr(err, "set cart line")
	})
}

type tx struct{ t pgx.Tx }

func mapErr(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Wrap(domain.KindNotFound, err, op)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505", "40001", "40P01": // unique_violation, serialization_failure, deadlock_detected
			return domain.Wrap(domain.KindConflict, err, op)
		case "23514": // check_violation
			return domain.Wrap(domain.KindInvalidStateTransition, err, op)
		case "22P02": // malformed uuid, no such row
			return domain.Wrap(domain.KindNotFound, err, op)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func parseDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse numeric %q: %w", s, err)
	}
	return d, nil
}

const productCols = `id, sku, name, price::text, stock_quantity, reserved_quantity, version, created_at, updated_at`

func scanProduct(row pgx.Row) (domain.Product, error) {
	var (
		p     domain.Product
		price string
	)
	if err := row.Scan(&p.ID, &p.SKU, &p.Name, &price, &p.Stock, &p.Reserved, &p.Version, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return domain.Product{}, err
	}
	var err error
	p.Price, err = parseDecimal(price)
	return p, err
}

func (x *tx) GetProduct(ctx context.Context, id string) (domain.Product, error) {
	p, err := scanProduct(x.t.QueryRow(ctx, `SELECT `+productCols+` FROM products WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Product{}, domain.E(domain.KindNotFound, "product %s not found", id)
	}
	return p, mapErr(err, "get product")
}

func (x *tx) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := x.t.Query(ctx, `SELECT `+productCols+` FROM products ORDER BY sku`)
	if err != nil {
		return nil, mapErr(err, "list products")
	}
	defer rows.Close()

	var out []domain.Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, mapErr(err, "scan product")
		}
		out = append(out, p)
	}
	return out, mapErr(rows.Err(), "list products")
}

func (x *tx) UpdateProductCounts(ctx context.Context, id string, stock, reserved int, expectedVersion int64) error {
	tag, err := x.t.Exec(ctx, `
		UPDATE products
		SET stock_quantity=$2, reserved_quantity=$3, version=version+1, updated_at=now()
		WHERE id=$1 AND version=$4`, id, stock, reserved, expectedVersion)
	if err != nil {
		return mapErr(err, "update product counts")
	}
	if tag.RowsAffected() == 0 {
		if _, err := x.GetProduct(ctx, id); err != nil {
			return err
		}
		return domain.ErrOptimisticConflict
	}
	return nil
}

func (x *tx) LockCart(ctx context.Context, userID string) ([]domain.CartLine, error) {
	var uid string
	err := x.t.QueryRow(ctx, `SELECT user_id FROM carts WHERE user_id=$1 FOR UPDATE`, userID).Scan(&uid)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapErr(err, "lock cart")
	}
	rows, err := x.t.Query(ctx, `SELECT product_id, quantity FROM cart_items WHERE user_id=$1 ORDER BY product_id`, userID)
	if err != nil {
		return nil, mapErr(err, "read cart")
	}
	defer rows.Close()

	var out []domain.CartLine
	for rows.Next() {
		var l domain.CartLine
		if err := rows.Scan(&l.ProductID, &l.Quantity); err != nil {
			return nil, mapErr(err, "scan cart line")
		}
		out = append(out, l)
	}
	return out, mapErr(rows.Err(), "read cart")
}

func (x *tx) ClearCart(ctx context.Context, userID string) error {
	if _, err := x.t.Exec(ctx, `DELETE FROM cart_items WHERE user_id=$1`, userID); err != nil {
		return mapErr(err, "clear cart")
	}
	_, err := x.t.Exec(ctx, `UPDATE carts SET updated_at=now() WHERE user_id=$1`, userID)
	return mapErr(err, "touch cart")
}

func (x *tx) InsertOrder(ctx context.Context, o domain.Order) error {
	_, err := x.t.Exec(ctx, `
		INSERT INTO orders(id, user_id, status, total_amount, currency, shipping_address)
		VALUES ($1, $2, $3, $4::numeric, $5, $6)`,
		o.ID, o.UserID, string(o.Status), o.Total.String(), o.Currency, o.ShippingAddress)
	if err != nil {
		return mapErr(err, "insert order")
	}
	for _, it := range o.Items {
		_, err := x.t.Exec(ctx, `
			INSERT INTO order_items(id, order_id, product_id, quantity, unit_price)
			VALUES ($1, $2, $3, $4, $5::numeric)`,
			it.ID, o.ID, it.ProductID, it.Quantity, it.UnitPrice.String())
		if err != nil {
			return mapErr(err, "insert order item")
		}
	}
	return nil
}

const orderCols = `id::text, user_id, status, total_amount::text, currency, shipping_address, created_at, updated_at`

func scanOrder(row pgx.Row) (domain.Order, error) {
	var (
		o      domain.Order
		status string
		total  string
	)
	if err := row.Scan(&o.ID, &o.UserID, &status, &total, &o.Currency, &o.ShippingAddress, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return domain.Order{}, err
	}
	var err error
	if o.Status, err = domain.ParseOrderStatus(status); err != nil {
		return domain.Order{}, err
	}
	o.Total, err = parseDecimal(total)
	return o, err
}

func (x *tx) GetOrder(ctx context.Context, id string, forUpdate bool) (domain.Order, error) {
	q := `SELECT ` + orderCols + ` FROM orders WHERE id=$1`
	if forUpdate {
		q += ` FOR UPDATE`
	}
	o, err := scanOrder(x.t.QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, domain.E(domain.KindNotFound, "order %s not found", id)
	}
	if err != nil {
		return domain.Order{}, mapErr(err, "get order")
	}
	out := []domain.Order{o}
	if err := x.loadItems(ctx, out); err != nil {
		return domain.Order{}, err
	}
	return out[0], nil
}

func (x *tx) listOrders(ctx context.Context, q string, args ...any) ([]domain.Order, error) {
	rows, err := x.t.Query(ctx, q, args...)
	if err != nil {
		return nil, mapErr(err, "list orders")
	}
	var out []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, mapErr(err, "scan order")
		}
		out = append(out, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, mapErr(err, "list orders")
	}
	return out, x.loadItems(ctx, out)
}

func (x *tx) loadItems(ctx context.Context, os []domain.Order) error {
	if len(os) == 0 {
		return nil
	}
	idx := make(map[string]int, len(os))
	ids := make([]string, len(os))
	for i, o := range os {
		idx[o.ID] = i
		ids[i] = o.ID
	}
	rows, err := x.t.Query(ctx, `
		SELECT id::text, order_id::text, product_id, quantity, unit_price::text
		FROM order_items WHERE order_id = ANY($1::uuid[]) ORDER BY product_id`, ids)
	if err != nil {
		return mapErr(err, "load order items")
	}
	defer rows.Close()

	for rows.Next() {
		var (
			it    domain.OrderItem
			price string
		)
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.Quantity, &price); err != nil {
			return mapErr(err, "scan order item")
		}
		if it.UnitPrice, err = parseDecimal(price); err != nil {
			return err
		}
		i := idx[it.OrderID]
		os[i].Items = append(os[i].Items, it)
	}
	return mapErr(rows.Err(), "load order items")
}

func (x *tx) ListOrdersByUser(ctx context.Context, userID string) ([]domain.Order, error) {
	return x.listOrders(ctx, `SELECT `+orderCols+` FROM orders WHERE user_id=$1 ORDER BY created_at DESC, id DESC`, userID)
}

func (x *tx) ListOrders(ctx context.Context, limit int) ([]domain.Order, error) {
	if limit <= 0 {
		return x.listOrders(ctx, `SELECT `+orderCols+` FROM orders ORDER BY created_at DESC, id DESC`)
	}
	return x.listOrders(ctx, `SELECT `+orderCols+` FROM orders ORDER BY created_at DESC, id DESC LIMIT $1`, limit)
}

func (x *tx) UpdateOrderStatus(ctx context.Context, id string, from, to domain.OrderStatus) error {
	tag, err := x.t.Exec(ctx, `UPDATE orders SET status=$3, updated_at=now() WHERE id=$1 AND status=$2`,
		id, string(from), string(to))
	if err != nil {
		return mapErr(err, "update order status")
	}
	if tag.RowsAffected() == 0 {
		cur, err := x.GetOrder(ctx, id, false)
		if err != nil {
			return err
		}
		return domain.E(domain.KindConflict, "order %s status is %s, expected %s", id, cur.Status, from)
	}
	return nil
}

func (x *tx) UpdateShippingAddress(ctx context.Context, id, address string) error {
	tag, err := x.t.Exec(ctx, `UPDATE orders SET shipping_address=$2, updated_at=now() WHERE id=$1`, id, address)
	if err != nil {
		return mapErr(err, "update shipping address")
	}
	if tag.RowsAffected() == 0 {
		return domain.E(domain.KindNotFound, "order %s not found", id)
	}
	return nil
}

func (x *tx) DeleteOrder(ctx context.Context, id string) error {
	tag, err := x.t.Exec(ctx, `DELETE FROM orders WHERE id=$1`, id)
	if err != nil {
		return mapErr(err, "delete order")
	}
	if tag.RowsAffected() == 0 {
		return domain.E(domain.KindNotFound, "order %s not found", id)
	}
	return nil
}

func (x *tx) ListAbandonedOrders(ctx context.Context, olderThan time.Time, limit int) ([]string, error) {
	return x.ids(ctx, "list abandoned orders", `
		SELECT o.id::text FROM orders o
		WHERE o.status IN ('PENDING', 'FAILED') AND o.updated_at < $1
		  AND NOT EXISTS (
			SELECT 1 FROM payments p
			WHERE p.order_id = o.id AND p.status IN ('INITIATED', 'PENDING'))
		ORDER BY o.updated_at
		LIMIT $2`, olderThan, limitOrAll(limit))
}

func (x *tx) InsertPayment(ctx context.Context, p domain.Payment) error {
	_, err := x.t.Exec(ctx, `
		INSERT INTO payments(id, order_id, provider, status, amount, currency, attempt_number, receipt,
			gateway_order_id, gateway_payment_id, gateway_signature, failure_reason, expires_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, NULLIF($9, ''), NULLIF($10, ''), $11, $12, $13)`,
		p.ID, p.OrderID, p.Provider, string(p.Status), p.Amount.String(), p.Currency, p.AttemptNumber, p.Receipt,
		p.GatewayOrderID, p.GatewayPaymentID, p.GatewaySignature, p.FailureReason, p.ExpiresAt)
	return mapErr(err, "insert payment")
}

const paymentCols = `id::text, order_id::text, provider, status, amount::text, currency, attempt_number, receipt,
	COALESCE(gateway_order_id, ''), COALESCE(gateway_payment_id, ''), gateway_signature, failure_reason,
	expires_at, created_at, updated_at`

func scanPayment(row pgx.Row) (domain.Payment, error) {
	var (
		p      domain.Payment
		status string
		amount string
	)
	err := row.Scan(&p.ID, &p.OrderID, &p.Provider, &status, &amount, &p.Currency, &p.AttemptNumber, &p.Receipt,
		&p.GatewayOrderID, &p.GatewayPaymentID, &p.GatewaySignature, &p.FailureReason,
		&p.ExpiresAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return domain.Payment{}, err
	}
	if p.Status, err = domain.ParsePaymentStatus(status); err != nil {
		return domain.Payment{}, err
	}
	p.Amount, err = parseDecimal(amount)
	return p, err
}

func (x *tx) getPayment(ctx context.Context, what, q string, arg any) (domain.Payment, error) {
	p, err := scanPayment(x.t.QueryRow(ctx, q, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Payment{}, domain.E(domain.KindNotFound, "no payment for %s %v", what, arg)
	}
	return p, mapErr(err, "get payment")
}

func (x *tx) GetPayment(ctx context.Context, id string, forUpdate bool) (domain.Payment, error) {
	q := `SELECT ` + paymentCols + ` FROM payments WHERE id=$1`
	if forUpdate {
		q += ` FOR UPDATE`
	}
	return x.getPayment(ctx, "id", q, id)
}

func (x *tx) GetPaymentByGatewayOrderID(ctx context.Context, gatewayOrderID string) (domain.Payment, error) {
	return x.getPayment(ctx, "gateway order", `SELECT `+paymentCols+` FROM payments WHERE gateway_order_id=$1`, gatewayOrderID)
}

func (x *tx) GetPaymentByGatewayPaymentID(ctx context.Context, gatewayPaymentID string) (domain.Payment, error) {
	return x.getPayment(ctx, "gateway payment", `SELECT `+paymentCols+` FROM payments WHERE gateway_payment_id=$1`, gatewayPaymentID)
}

func (x *tx) LatestPayment(ctx context.Context, orderID string) (domain.Payment, error) {
	return x.getPayment(ctx, "order", `SELECT `+paymentCols+` FROM payments WHERE order_id=$1
		ORDER BY attempt_number DESC LIMIT 1`, orderID)
}

func (x *tx) ListPayments(ctx context.Context, orderID string) ([]domain.Payment, error) {
	rows, err := x.t.Query(ctx, `SELECT `+paymentCols+` FROM payments WHERE order_id=$1 ORDER BY attempt_number`, orderID)
	if err != nil {
		return nil, mapErr(err, "list payments")
	}
	defer rows.Close()

	var out []domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, mapErr(err, "scan payment")
		}
		out = append(out, p)
	}
	return out, mapErr(rows.Err(), "list payments")
}

func (x *tx) UpdatePayment(ctx context.Context, p domain.Payment) error {
	tag, err := x.t.Exec(ctx, `
		UPDATE payments SET
			status=$2, gateway_order_id=NULLIF($3, ''), gateway_payment_id=NULLIF($4, ''),
			gateway_signature=$5, failure_reason=$6, expires_at=$7, updated_at=now()
		WHERE id=$1`,
		p.ID, string(p.Status), p.GatewayOrderID, p.GatewayPaymentID, p.GatewaySignature, p.FailureReason, p.ExpiresAt)
	if err != nil {
		return mapErr(err, "update payment")
	}
	if tag.RowsAffected() == 0 {
		return domain.E(domain.KindNotFound, "payment %s not found", p.ID)
	}
	return nil
}

func (x *tx) HasPaymentInStatus(ctx context.Context, orderID string, statuses ...domain.PaymentStatus) (bool, error) {
	ss := make([]string, len(statuses))
	for i, s := range statuses {
		ss[i] = string(s)
	}
	var ok bool
	err := x.t.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM payments WHERE order_id=$1 AND status = ANY($2))`,
		orderID, ss).Scan(&ok)
	return ok, mapErr(err, "check payment status")
}

func (x *tx) ListExpiredPayments(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return x.ids(ctx, "list expired payments", `
		SELECT id::text FROM payments
		WHERE status IN ('INITIATED', 'PENDING') AND expires_at < $1
		ORDER BY expires_at
		LIMIT $2`, now, limitOrAll(limit))
}

func (x *tx) ids(ctx context.Context, op, q string, args ...any) ([]string, error) {
	rows, err := x.t.Query(ctx, q, args...)
	if err != nil {
		return nil, mapErr(err, op)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	return ids, mapErr(err, op)
}

// limitOrAll turns a non-positive limit into NULL, which LIMIT reads as
// no limit.
func limitOrAll(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}
