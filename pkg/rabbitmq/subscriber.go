package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	"github.com/Genocs/genocs-library-template/pkg/enums"
	"github.com/Genocs/genocs-library-template/pkg/messaging"
)

// errChannelClosed is returned by Receive when the broker closes the consumer.
var errChannelClosed = errors.New("rabbitmq delivery channel closed")

type subscriber struct {
	client *Client
	queue  string
	dest   messaging.Destination
}

// Receive consumes the queue with manual acknowledgements. At most
// broker.Concurrency handlers run at once.
func (s *subscriber) Receive(ctx context.Context, h messaging.Handler) error {
	ch, err := s.client.conn.Channel()
	if err != nil {
		return fmt.Errorf("opening consumer channel: %w", err)
	}
	defer ch.Close()

	prefetch := s.client.cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		return fmt.Errorf("setting qos: %w", err)
	}

	deliveries, err := ch.ConsumeWithContext(ctx, s.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consuming %q: %w", s.queue, err)
	}

	limit := s.client.broker.Concurrency
	if limit <= 0 {
		limit = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)

	for {
		select {
		case <-ctx.Done():
			_ = g.Wait()
			return nil
		case d, ok := <-deliveries:
			if !ok {
				_ = g.Wait()
				if ctx.Err() != nil {
					return nil
				}
				return errChannelClosed
			}
			g.Go(func() error {
				s.handle(gctx, d, h)
				return nil
			})
		}
	}
}

func (s *subscriber) handle(ctx context.Context, d amqp.Delivery, h messaging.Handler) {
	delivery := toDelivery(d, s.dest)
	outcome := h(ctx, delivery)
	if err := s.settle(ctx, d, delivery.Attempt, outcome); err != nil && s.client.logg != nil {
		logCtx := s.client.logg.WithFields(ctx, map[string]any{
			"queue":      s.queue,
			"message_id": delivery.ID,
			"outcome":    outcome.String(),
		})
		s.client.logg.Error(logCtx, "settling delivery failed", err)
	}
}

func (s *subscriber) settle(ctx context.Context, d amqp.Delivery, attempt int, outcome messaging.Outcome) error {
	switch outcome {
	case messaging.Ack:
		return d.Ack(false)
	case messaging.Retry:
		// requeue lands at the head of the queue, so hold the delivery briefly
		delay := retryDelay(s.client.cfg.RetryDelay, s.client.cfg.MaxRetryDelay, attempt)
		if delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
			case <-t.C:
			}
		}
		return d.Nack(false, true)
	default:
		return d.Reject(false)
	}
}

func toDelivery(d amqp.Delivery, dest messaging.Destination) messaging.Delivery {
	attrs := make(map[string]string, len(d.Headers))
	for k, v := range d.Headers {
		if str, ok := v.(string); ok {
			attrs[k] = str
		}
	}
	id := d.MessageId
	if id == "" {
		id = attrs[messaging.AttrMessageID]
	}
	kind := d.Type
	if kind == "" {
		kind = attrs[messaging.AttrKind]
	}
	return messaging.Delivery{
		Message: messaging.Message{
			ID:          id,
			Kind:        enums.MessageKind(kind),
			Destination: dest,
			Body:        d.Body,
			Attributes:  attrs,
		},
		Redelivered: d.Redelivered,
		Attempt:     deliveryAttempt(d),
	}
}

// deliveryAttempt reads the quorum queue delivery counter. Classic queues do
// not track it, so 0 is returned there.
func deliveryAttempt(d amqp.Delivery) int {
	switch v := d.Headers["x-delivery-count"].(type) {
	case int64:
		return int(v) + 1
	case int32:
		return int(v) + 1
	case int:
		return v + 1
	}
	return 0
}

// retryDelay doubles base per known attempt, capped at max.
func retryDelay(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if max > 0 && delay >= max {
			return max
		}
	}
	if max > 0 && delay > max {
		return max
	}
	return delay
}
