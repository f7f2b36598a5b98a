package submitorder

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/Genocs/genocs-library-template/internal/orders"
	"github.com/Genocs/genocs-library-template/pkg/db/models"
	"github.com/Genocs/genocs-library-template/pkg/enums"
	pkgerrors "github.com/Genocs/genocs-library-template/pkg/errors"
	"github.com/Genocs/genocs-library-template/pkg/logger"
	"github.com/Genocs/genocs-library-template/pkg/messaging"
	"github.com/Genocs/genocs-library-template/pkg/messaging/payloads"
	"github.com/Genocs/genocs-library-template/pkg/outbox"
	"github.com/Genocs/genocs-library-template/pkg/validation"
)

const defaultHandlerTimeout = 30 * time.Second

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type eventEmitter interface {
	Emit(ctx context.Context, tx *gorm.DB, event outbox.DomainEvent) (*models.OutboxRecord, error)
}

// Consumer turns SubmitOrder commands into persisted orders and queues the
// OrderSubmitted announcement in the same transaction.
type Consumer struct {
	tx        txRunner
	processor orders.Processor
	outbox    eventEmitter
	logg      *logger.Logger
	timeout   time.Duration
	now       func() time.Time
}

type Params struct {
	Tx             txRunner
	Processor      orders.Processor
	Outbox         eventEmitter
	Logger         *logger.Logger
	HandlerTimeout time.Duration
}

func NewConsumer(params Params) (*Consumer, error) {
	if params.Tx == nil {
		return nil, errors.New("transaction runner required")
	}
	if params.Processor == nil {
		return nil, errors.New("order processor required")
	}
	if params.Outbox == nil {
		return nil, errors.New("outbox emitter required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger required")
	}
	timeout := params.HandlerTimeout
	if timeout <= 0 {
		timeout = defaultHandlerTimeout
	}
	return &Consumer{
		tx:        params.Tx,
		processor: params.Processor,
		outbox:    params.Outbox,
		logg:      params.Logger,
		timeout:   timeout,
		now:       time.Now,
	}, nil
}

// Handle implements messaging.Handler. The delivery is acked only once the
// order and its outbox record are committed.
func (c *Consumer) Handle(ctx context.Context, d messaging.Delivery) messaging.Outcome {
	env, err := messaging.DecodeEnvelope(d.Body)
	if err != nil {
		c.logg.Error(ctx, "undecodable command envelope", err)
		return messaging.DeadLetter
	}
	ctx = c.logg.WithMessageID(ctx, env.MessageID)
	if env.Kind != enums.KindSubmitOrder {
		c.logg.Warn(c.logg.WithKind(ctx, env.Kind.String()), "unexpected command kind")
		return messaging.DeadLetter
	}

	var cmd payloads.SubmitOrder
	if err := env.DecodeData(&cmd); err != nil {
		c.logg.Error(ctx, "undecodable submit order payload", err)
		return messaging.DeadLetter
	}
	ctx = c.logg.WithFields(ctx, map[string]any{"order_id": cmd.OrderID, "user_id": cmd.UserID})
	if err := validation.Struct(cmd); err != nil {
		c.logg.Warn(c.logg.WithField(ctx, "details", pkgerrors.As(err).Details()), "invalid submit order command")
		return messaging.DeadLetter
	}

	err = c.submit(ctx, cmd)
	outcome := outcomeFor(ctx, err)
	switch outcome {
	case messaging.Ack:
	case messaging.DeadLetter:
		c.logg.Error(ctx, "submit order rejected", err)
	default:
		c.logg.Warn(c.logg.WithField(ctx, "error", err.Error()), "submit order failed, will retry")
	}
	return outcome
}

func (c *Consumer) submit(ctx context.Context, cmd payloads.SubmitOrder) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var created bool
	err := c.tx.WithTx(ctx, func(tx *gorm.DB) error {
		result, err := c.processor.Process(ctx, tx, orders.SubmitOrderInput{
			OrderID:   cmd.OrderID,
			UserID:    cmd.UserID,
			CardToken: cmd.CardToken,
			Amount:    cmd.Amount,
			Currency:  cmd.Currency,
		})
		if err != nil {
			return err
		}
		if !result.Created {
			return nil
		}
		created = true

		event := submittedEvent(result.Order, cmd.Basket, c.now())
		if _, err := c.outbox.Emit(ctx, tx, outbox.DomainEvent{
			Kind:          enums.KindOrderSubmitted,
			AggregateType: enums.AggregateOrder,
			AggregateID:   result.Order.OrderID,
			Data:          event,
			OccurredAt:    event.Timestamp,
		}); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeStore, err, "enqueue order submitted")
		}
		return nil
	})
	if err != nil {
		return err
	}

	if created {
		c.logg.Info(ctx, "order submitted")
	} else {
		c.logg.Info(ctx, "duplicate submit order absorbed")
	}
	return nil
}

func submittedEvent(order *models.Order, basket []payloads.Product, now time.Time) payloads.OrderSubmitted {
	ts := order.CreatedAt
	if ts.IsZero() {
		ts = now
	}
	return payloads.OrderSubmitted{
		OrderID:   order.OrderID,
		UserID:    order.UserID,
		Timestamp: ts.UTC(),
		CardToken: order.CardToken,
		Amount:    order.Amount,
		Currency:  order.Currency.String(),
		Basket:    basket,
	}
}

// outcomeFor maps a submit error onto a broker outcome. Cancellation always
// retries since nothing was committed.
func outcomeFor(ctx context.Context, err error) messaging.Outcome {
	switch {
	case err == nil:
		return messaging.Ack
	case ctx.Err() != nil, errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return messaging.Retry
	case pkgerrors.IsRetryable(err):
		return messaging.Retry
	default:
		return messaging.DeadLetter
	}
}
