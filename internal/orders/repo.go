package orders

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/Genocs/genocs-library-template/pkg/db/models"
	pkgerrors "github.com/Genocs/genocs-library-template/pkg/errors"
)

type repository struct {
	db *gorm.DB
}

// NewRepository builds an orders repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) InsertTx(ctx context.Context, tx *gorm.DB, order *models.Order) error {
	if tx == nil {
		return errors.New("transaction required")
	}
	return tx.WithContext(ctx).Create(order).Error
}

// FindByOrderIDTx returns nil, nil when no order exists.
func (r *repository) FindByOrderIDTx(ctx context.Context, tx *gorm.DB, orderID string) (*models.Order, error) {
	if tx == nil {
		return nil, errors.New("transaction required")
	}
	return findByOrderID(tx.WithContext(ctx), orderID)
}

// FindByOrderID returns a CodeNotFound error when no order exists.
func (r *repository) FindByOrderID(ctx context.Context, orderID string) (*models.Order, error) {
	order, err := findByOrderID(r.db.WithContext(ctx), orderID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeStore, err, "load order")
	}
	if order == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
	}
	return order, nil
}

func findByOrderID(db *gorm.DB, orderID string) (*models.Order, error) {
	var order models.Order
	err := db.Where("order_id = ?", orderID).First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}
