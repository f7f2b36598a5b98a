package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	dbpkg "github.com/Genocs/genocs-library-template/pkg/db"
	"github.com/Genocs/genocs-library-template/pkg/db/models"
	"github.com/Genocs/genocs-library-template/pkg/enums"
	pkgerrors "github.com/Genocs/genocs-library-template/pkg/errors"
	"github.com/Genocs/genocs-library-template/pkg/logger"
	"github.com/Genocs/genocs-library-template/pkg/validation"
)

const (
	orderIDConstraint = "ux_orders_order_id"
	insertSavepoint   = "orders_insert"
)

// DefaultAmount applies when a command carries no amount.
var DefaultAmount = decimal.NewFromInt(1)

type service struct {
	repo Repository
	logg *logger.Logger
}

// NewService builds the order processor and reader.
func NewService(repo Repository, logg *logger.Logger) (Service, error) {
	if repo == nil {
		return nil, fmt.Errorf("orders repository required")
	}
	return &service{repo: repo, logg: logg}, nil
}

var _ Service = (*service)(nil)

// Process persists the order inside tx. An order that already exists is
// returned with Created=false instead of being inserted twice.
func (s *service) Process(ctx context.Context, tx *gorm.DB, input SubmitOrderInput) (*ProcessResult, error) {
	if tx == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transaction required")
	}
	input.OrderID = strings.TrimSpace(input.OrderID)
	input.UserID = strings.TrimSpace(input.UserID)
	if err := validation.Struct(input); err != nil {
		return nil, err
	}

	order, err := buildOrder(input)
	if err != nil {
		return nil, err
	}

	existing, err := s.repo.FindByOrderIDTx(ctx, tx, order.OrderID)
	if err != nil {
		return nil, storeError(ctx, err, "lookup order")
	}
	if existing != nil {
		s.logDuplicate(ctx, order.OrderID)
		return &ProcessResult{Order: existing, Created: false}, nil
	}

	// a failed insert aborts the whole transaction on postgres
	if err := tx.SavePoint(insertSavepoint).Error; err != nil {
		return nil, storeError(ctx, err, "savepoint")
	}
	if err := s.repo.InsertTx(ctx, tx, order); err != nil {
		if !dbpkg.IsUniqueViolation(err, orderIDConstraint) {
			return nil, storeError(ctx, err, "insert order")
		}
		// a concurrent delivery won the race
		if rbErr := tx.RollbackTo(insertSavepoint).Error; rbErr != nil {
			return nil, storeError(ctx, rbErr, "rollback savepoint")
		}
		existing, err := s.repo.FindByOrderIDTx(ctx, tx, order.OrderID)
		if err != nil || existing == nil {
			return nil, storeError(ctx, errors.Join(err, errors.New("order vanished after unique violation")), "reload order")
		}
		s.logDuplicate(ctx, order.OrderID)
		return &ProcessResult{Order: existing, Created: false}, nil
	}

	if s.logg != nil {
		s.logg.Info(s.logg.WithOrderID(ctx, order.OrderID), "order persisted")
	}
	return &ProcessResult{Order: order, Created: true}, nil
}

// Get loads an order by business id.
func (s *service) Get(ctx context.Context, orderID string) (*OrderView, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "orderId is required")
	}
	order, err := s.repo.FindByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return toView(order), nil
}

func buildOrder(input SubmitOrderInput) (*models.Order, error) {
	amount := DefaultAmount
	if input.Amount != nil {
		amount = *input.Amount
	}
	if amount.IsNegative() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "validation failed").
			WithDetails(map[string]string{"amount": "must not be negative"})
	}
	currency, err := enums.ParseCurrency(input.Currency)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "validation failed").
			WithDetails(map[string]string{"currency": "is not supported"})
	}
	return &models.Order{
		OrderID:   input.OrderID,
		UserID:    input.UserID,
		CardToken: input.CardToken,
		Amount:    amount,
		Currency:  currency,
	}, nil
}

func storeError(ctx context.Context, err error, op string) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return pkgerrors.Wrap(pkgerrors.CodeStore, ctxErr, op)
	}
	return pkgerrors.Wrap(pkgerrors.CodeStore, err, op)
}

func (s *service) logDuplicate(ctx context.Context, orderID string) {
	if s.logg == nil {
		return
	}
	s.logg.Info(s.logg.WithOrderID(ctx, orderID), "order already persisted, skipping insert")
}
