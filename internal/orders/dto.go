package orders

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/Genocs/genocs-library-template/pkg/db/models"
)

// SubmitOrderInput carries the command fields the processor persists. Optional
// fields fall back to defaults.
type SubmitOrderInput struct {
	OrderID   string           `json:"orderId" validate:"required,max=64"`
	UserID    string           `json:"userId" validate:"required,max=64"`
	CardToken string           `json:"cardToken" validate:"max=255"`
	Amount    *decimal.Decimal `json:"amount"`
	Currency  string           `json:"currency" validate:"omitempty,len=3"`
}

// ProcessResult reports the stored order. Created is false when the order
// already existed, which callers treat as a duplicate delivery.
type ProcessResult struct {
	Order   *models.Order
	Created bool
}

// OrderView is the read model returned by lookups.
type OrderView struct {
	ID        string          `json:"id"`
	OrderID   string          `json:"orderId"`
	UserID    string          `json:"userId"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	CreatedAt time.Time       `json:"createdAt"`
}

func toView(order *models.Order) *OrderView {
	return &OrderView{
		ID:        order.ID.String(),
		OrderID:   order.OrderID,
		UserID:    order.UserID,
		Amount:    order.Amount,
		Currency:  order.Currency.String(),
		CreatedAt: order.CreatedAt.UTC(),
	}
}
