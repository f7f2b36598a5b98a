package orders

import (
	"context"

	"gorm.io/gorm"

	"github.com/Genocs/genocs-library-template/pkg/db/models"
)

// Repository is the order store.
type Repository interface {
	InsertTx(ctx context.Context, tx *gorm.DB, order *models.Order) error
	FindByOrderIDTx(ctx context.Context, tx *gorm.DB, orderID string) (*models.Order, error)
	FindByOrderID(ctx context.Context, orderID string) (*models.Order, error)
}

// Processor validates and persists orders from command data. It never
// publishes; callers enqueue the announcement in the same transaction.
type Processor interface {
	Process(ctx context.Context, tx *gorm.DB, input SubmitOrderInput) (*ProcessResult, error)
}

// Reader serves order lookups by business id.
type Reader interface {
	Get(ctx context.Context, orderID string) (*OrderView, error)
}

// Service is the combined order processor and reader.
type Service interface {
	Processor
	Reader
}
