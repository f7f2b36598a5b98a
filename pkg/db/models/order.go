package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/Genocs/genocs-library-template/pkg/enums"
)

// Order is the persisted result of a SubmitOrder command. Rows are written
// once by the order processor and never updated.
type Order struct {
	ID        uuid.UUID       `gorm:"column:id;type:uuid;primaryKey"`
	OrderID   string          `gorm:"column:order_id;not null;uniqueIndex:ux_orders_order_id"`
	UserID    string          `gorm:"column:user_id;not null"`
	CardToken string          `gorm:"column:card_token;not null"`
	Amount    decimal.Decimal `gorm:"column:amount;type:numeric(18,4);not null"`
	Currency  enums.Currency  `gorm:"column:currency;type:varchar(3);not null"`
	CreatedAt time.Time       `gorm:"column:created_at;autoCreateTime"`
}

// BeforeCreate assigns the store identity.
func (o *Order) BeforeCreate(*gorm.DB) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	return nil
}
