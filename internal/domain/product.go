package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID        string
	SKU       string
	Name      string
	Price     decimal.Decimal
	Stock     int // physical units on hand
	Reserved  int // units held against open orders
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (p Product) Available() int { return p.Stock - p.Reserved }

// Valid reports whether the counters satisfy 0 <= reserved <= stock.
func (p Product) Valid() bool {
	return p.Reserved >= 0 && p.Stock >= 0 && p.Reserved <= p.Stock
}

// CartLine is one line of a user's cart snapshot.
type CartLine struct {
	ProductID string
	Quantity  int
}
