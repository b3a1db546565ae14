package httpx

import (
	"time"

	"github.com/ariefcatur/go-order-reconciler/internal/domain"
	"github.com/ariefcatur/go-order-reconciler/internal/payments"
)

// Money is rendered as a fixed two-decimal string so clients never parse
// floats.

type productView struct {
	ID        string `json:"id"`
	SKU       string `json:"sku"`
	Name      string `json:"name"`
	Price     string `json:"price"`
	Available int    `json:"available"`
}

type itemView struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	UnitPrice string `json:"unit_price"`
	LineTotal string `json:"line_total"`
}

type orderView struct {
	ID              string     `json:"id"`
	UserID          string     `json:"user_id"`
	Status          string     `json:"status"`
	Total           string     `json:"total"`
	Currency        string     `json:"currency"`
	ShippingAddress string     `json:"shipping_address"`
	Items           []itemView `json:"items"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

type paymentView struct {
	ID               string    `json:"id"`
	OrderID          string    `json:"order_id"`
	Provider         string    `json:"provider"`
	Status           string    `json:"status"`
	Amount           string    `json:"amount"`
	Currency         string    `json:"currency"`
	AttemptNumber    int       `json:"attempt_number"`
	Receipt          string    `json:"receipt"`
	GatewayOrderID   string    `json:"gateway_order_id,omitempty"`
	GatewayPaymentID string    `json:"gateway_payment_id,omitempty"`
	FailureReason    string    `json:"failure_reason,omitempty"`
	ExpiresAt        time.Time `json:"expires_at"`
	CreatedAt        time.Time `json:"created_at"`
}

type attemptView struct {
	paymentView
	KeyID string `json:"key_id"`
}

func toProductView(p domain.Product) productView {
	return productView{ID: p.ID, SKU: p.SKU, Name: p.Name, Price: p.Price.StringFixed(2), Available: p.Available()}
}

func toOrderView(o domain.Order) orderView {
	v := orderView{
		ID:              o.ID,
		UserID:          o.UserID,
		Status:          o.Status.String(),
		Total:           o.Total.StringFixed(2),
		Currency:        o.Currency,
		ShippingAddress: o.ShippingAddress,
		Items:           make([]itemView, 0, len(o.Items)),
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
	}
	for _, it := range o.Items {
		v.Items = append(v.Items, itemView{
			ProductID: it.ProductID,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice.StringFixed(2),
			LineTotal: it.LineTotal().StringFixed(2),
		})
	}
	return v
}

func toOrderViews(os []domain.Order) []orderView {
	out := make([]orderView, 0, len(os))
	for _, o := range os {
		out = append(out, toOrderView(o))
	}
	return out
}

func toPaymentView(p domain.Payment) paymentView {
	return paymentView{
		ID:               p.ID,
		OrderID:          p.OrderID,
		Provider:         p.Provider,
		Status:           p.Status.String(),
		Amount:           p.Amount.StringFixed(2),
		Currency:         p.Currency,
		AttemptNumber:    p.AttemptNumber,
		Receipt:          p.Receipt,
		GatewayOrderID:   p.GatewayOrderID,
		GatewayPaymentID: p.GatewayPaymentID,
		FailureReason:    p.FailureReason,
		ExpiresAt:        p.ExpiresAt,
		CreatedAt:        p.CreatedAt,
	}
}

func toAttemptView(a payments.Attempt) attemptView {
	return attemptView{paymentView: toPaymentView(a.Payment), KeyID: a.KeyID}
}
