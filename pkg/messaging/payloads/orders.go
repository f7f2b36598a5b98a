package payloads

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product is a basket line carried by order messages.
type Product struct {
	SKU   string          `json:"sku" validate:"required,max=64"`
	Count int             `json:"count" validate:"gt=0"`
	Price decimal.Decimal `json:"price"`
}

// SubmitOrder asks the order service to record a new order. Only OrderID and
// UserID are required; the rest falls back to defaults when absent.
type SubmitOrder struct {
	OrderID   string           `json:"orderId" validate:"required,max=64"`
	UserID    string           `json:"userId" validate:"required,max=64"`
	CardToken string           `json:"cardToken,omitempty" validate:"max=255"`
	Amount    *decimal.Decimal `json:"amount,omitempty"`
	Currency  string           `json:"currency,omitempty" validate:"omitempty,len=3"`
	Basket    []Product        `json:"basket,omitempty" validate:"omitempty,dive"`
}

// OrderSubmitted announces a committed order.
type OrderSubmitted struct {
	OrderID   string          `json:"orderId"`
	UserID    string          `json:"userId"`
	Timestamp time.Time       `json:"timestamp"`
	CardToken string          `json:"cardToken,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Basket    []Product       `json:"basket,omitempty"`
}

// UpdateOrder is a published contract with no consumer in this service.
type UpdateOrder struct {
	OrderID string `json:"orderId" validate:"required"`
	UserID  string `json:"userId" validate:"required"`
}

// DeleteOrder is a published contract with no consumer in this service.
type DeleteOrder struct {
	OrderID string `json:"orderId" validate:"required"`
}

// OrderUpdated is a published contract with no producer in this service.
type OrderUpdated struct {
	Name    string `json:"name"`
	Address string `json:"address"`
}
