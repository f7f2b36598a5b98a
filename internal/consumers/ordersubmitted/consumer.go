package ordersubmitted

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Genocs/genocs-library-template/pkg/enums"
	pkgerrors "github.com/Genocs/genocs-library-template/pkg/errors"
	"github.com/Genocs/genocs-library-template/pkg/logger"
	"github.com/Genocs/genocs-library-template/pkg/messaging"
	"github.com/Genocs/genocs-library-template/pkg/messaging/payloads"
)

// Event is an OrderSubmitted announcement together with its envelope identity.
type Event struct {
	MessageID  uuid.UUID
	OccurredAt time.Time
	payloads.OrderSubmitted
}

// Subscriber reacts to submitted orders. Implementations must tolerate the
// same event arriving more than once.
type Subscriber interface {
	Name() string
	OnOrderSubmitted(ctx context.Context, event Event) error
}

type idempotencyChecker interface {
	CheckAndMarkProcessed(ctx context.Context, consumer string, messageID uuid.UUID) (bool, error)
	Delete(ctx context.Context, consumer string, messageID uuid.UUID) error
}

// Consumer feeds one subscriber from its own queue, skipping message ids the
// subscriber already handled.
type Consumer struct {
	subscriber Subscriber
	manager    idempotencyChecker
	logg       *logger.Logger
	timeout    time.Duration
}

// NewConsumer wraps subscriber with redelivery protection.
func NewConsumer(subscriber Subscriber, manager idempotencyChecker, logg *logger.Logger, timeout time.Duration) (*Consumer, error) {
	if subscriber == nil {
		return nil, errors.New("subscriber required")
	}
	if strings.TrimSpace(subscriber.Name()) == "" {
		return nil, errors.New("subscriber name required")
	}
	if manager == nil {
		return nil, errors.New("idempotency manager required")
	}
	if logg == nil {
		return nil, errors.New("logger required")
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Consumer{subscriber: subscriber, manager: manager, logg: logg, timeout: timeout}, nil
}

// Name returns the subscriber name, which also selects its queue.
func (c *Consumer) Name() string {
	return c.subscriber.Name()
}

// Handle implements messaging.Handler.
func (c *Consumer) Handle(ctx context.Context, d messaging.Delivery) messaging.Outcome {
	ctx = c.logg.WithField(ctx, "subscriber", c.Name())

	event, err := decodeEvent(d.Body)
	if err != nil {
		c.logg.Error(ctx, "undecodable order submitted event", err)
		return messaging.DeadLetter
	}
	ctx = c.logg.WithMessageID(ctx, event.MessageID.String())
	ctx = c.logg.WithOrderID(ctx, event.OrderID)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	already, err := c.manager.CheckAndMarkProcessed(ctx, c.Name(), event.MessageID)
	if err != nil {
		c.logg.Error(ctx, "idempotency check failed", err)
		return messaging.Retry
	}
	if already {
		c.logg.Info(ctx, "event already processed")
		return messaging.Ack
	}

	if err := c.subscriber.OnOrderSubmitted(ctx, event); err != nil {
		// clear the mark so the redelivery is handled again; use a fresh
		// context in case ours expired
		cleanupCtx, cleanupCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cleanupCancel()
		if delErr := c.manager.Delete(cleanupCtx, c.Name(), event.MessageID); delErr != nil {
			c.logg.Error(ctx, "failed to clear idempotency mark", delErr)
		}
		if pkgerrors.As(err) != nil && !pkgerrors.IsRetryable(err) {
			c.logg.Error(ctx, "subscriber rejected event", err)
			return messaging.DeadLetter
		}
		logCtx := c.logg.WithFields(ctx, pkgerrors.Dump(err).Fields())
		c.logg.Warn(c.logg.WithField(logCtx, "error", err.Error()), "subscriber failed, will retry")
		return messaging.Retry
	}
	return messaging.Ack
}

func decodeEvent(body []byte) (Event, error) {
	env, err := messaging.DecodeEnvelope(body)
	if err != nil {
		return Event{}, err
	}
	if env.Kind != enums.KindOrderSubmitted {
		return Event{}, pkgerrors.New(pkgerrors.CodeMalformed, fmt.Sprintf("unexpected kind %s", env.Kind))
	}
	id, err := uuid.Parse(env.MessageID)
	if err != nil {
		return Event{}, pkgerrors.Wrap(pkgerrors.CodeMalformed, err, "parse message id")
	}
	var payload payloads.OrderSubmitted
	if err := env.DecodeData(&payload); err != nil {
		return Event{}, err
	}
	if payload.OrderID == "" {
		return Event{}, pkgerrors.New(pkgerrors.CodeMalformed, "orderId missing")
	}
	return Event{MessageID: id, OccurredAt: env.OccurredAt, OrderSubmitted: payload}, nil
}
