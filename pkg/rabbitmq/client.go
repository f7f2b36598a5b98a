package rabbitmq

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sethvargo/go-retry"
	"go.uber.org/multierr"

	"github.com/Genocs/genocs-library-template/pkg/config"
	"github.com/Genocs/genocs-library-template/pkg/enums"
	"github.com/Genocs/genocs-library-template/pkg/logger"
	"github.com/Genocs/genocs-library-template/pkg/messaging"
)

const (
	exchangeDirect = "direct"
	exchangeTopic  = "topic"
	exchangeFanout = "fanout"

	contentTypeJSON = "application/json"
	heartbeat       = 10 * time.Second
)

var (
	errNotConnected = errors.New("rabbitmq client not initialized")
	errNacked       = errors.New("rabbitmq broker nacked publish")
)

// Client owns one AMQP connection. Publishing goes through a single confirm
// channel; every subscriber opens its own channel.
type Client struct {
	cfg    config.RabbitMQConfig
	broker config.BrokerConfig
	logg   *logger.Logger

	conn *amqp.Connection

	pubMu sync.Mutex
	pubCh *amqp.Channel
}

var _ messaging.Transport = (*Client)(nil)

// NewClient dials the broker, declares the topology and opens the publish channel.
func NewClient(ctx context.Context, cfg config.RabbitMQConfig, broker config.BrokerConfig, name string, logg *logger.Logger) (*Client, error) {
	conn, err := dial(ctx, cfg, name, logg)
	if err != nil {
		return nil, err
	}

	c := &Client{cfg: cfg, broker: broker, logg: logg, conn: conn}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("opening rabbitmq channel: %w", err)
	}
	if err := declareTopology(ch, cfg, broker.Subscribers); err != nil {
		_ = multierr.Combine(ch.Close(), conn.Close())
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		_ = multierr.Combine(ch.Close(), conn.Close())
		return nil, fmt.Errorf("enabling publisher confirms: %w", err)
	}
	c.pubCh = ch

	if logg != nil {
		logCtx := logg.WithFields(ctx, map[string]any{
			"host":  cfg.HostName,
			"vhost": cfg.VirtualHost,
		})
		logg.Info(logCtx, "rabbitmq connection established")
	}
	return c, nil
}

func dial(ctx context.Context, cfg config.RabbitMQConfig, name string, logg *logger.Logger) (*amqp.Connection, error) {
	amqpCfg := amqp.Config{
		Heartbeat:  heartbeat,
		Locale:     "en_US",
		Properties: amqp.NewConnectionProperties(),
	}
	if name != "" {
		amqpCfg.Properties.SetClientConnectionName(name)
	}
	if cfg.UseSSL {
		amqpCfg.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12, ServerName: cfg.HostName}
	}

	attempts := cfg.DialAttempts
	if attempts == 0 {
		attempts = 1
	}
	backoff := retry.WithMaxRetries(attempts-1, retry.NewConstant(cfg.DialBackoff))

	var conn *amqp.Connection
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		c, err := amqp.DialConfig(cfg.URL(), amqpCfg)
		if err != nil {
			if logg != nil {
				logg.Warn(logg.WithField(ctx, "error", err.Error()), "rabbitmq dial failed, retrying")
			}
			return retry.RetryableError(err)
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to rabbitmq: %w", err)
	}
	return conn, nil
}

// declareTopology is idempotent and runs in every process that opens a client.
func declareTopology(ch *amqp.Channel, cfg config.RabbitMQConfig, subscribers []string) error {
	exchanges := []struct{ name, kind string }{
		{cfg.CommandExchange, exchangeDirect},
		{cfg.EventExchange, exchangeTopic},
		{cfg.DeadLetterExchange, exchangeFanout},
	}
	for _, ex := range exchanges {
		if err := ch.ExchangeDeclare(ex.name, ex.kind, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declaring exchange %q: %w", ex.name, err)
		}
	}

	if _, err := ch.QueueDeclare(cfg.DeadLetterExchange, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declaring dead-letter queue: %w", err)
	}
	if err := ch.QueueBind(cfg.DeadLetterExchange, "", cfg.DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("binding dead-letter queue: %w", err)
	}

	args := amqp.Table{"x-dead-letter-exchange": cfg.DeadLetterExchange}
	if _, err := ch.QueueDeclare(cfg.CommandQueue, true, false, false, false, args); err != nil {
		return fmt.Errorf("declaring command queue: %w", err)
	}
	for _, kind := range commandKinds() {
		if err := ch.QueueBind(cfg.CommandQueue, kind.String(), cfg.CommandExchange, false, nil); err != nil {
			return fmt.Errorf("binding command queue to %s: %w", kind, err)
		}
	}

	for _, name := range subscribers {
		queue := EventQueueName(cfg, name)
		if queue == "" {
			continue
		}
		if _, err := ch.QueueDeclare(queue, true, false, false, false, args); err != nil {
			return fmt.Errorf("declaring event queue %q: %w", queue, err)
		}
		if err := ch.QueueBind(queue, "#", cfg.EventExchange, false, nil); err != nil {
			return fmt.Errorf("binding event queue %q: %w", queue, err)
		}
	}
	return nil
}

func commandKinds() []enums.MessageKind {
	return []enums.MessageKind{enums.KindSubmitOrder, enums.KindUpdateOrder, enums.KindDeleteOrder}
}

// EventQueueName returns the queue owned by an event subscriber.
func EventQueueName(cfg config.RabbitMQConfig, subscriber string) string {
	subscriber = strings.TrimSpace(subscriber)
	if subscriber == "" {
		return ""
	}
	return cfg.EventQueuePrefix + "." + subscriber
}

func (c *Client) exchangeFor(dest messaging.Destination) (string, error) {
	switch dest {
	case messaging.DestinationCommands:
		return c.cfg.CommandExchange, nil
	case messaging.DestinationEvents:
		return c.cfg.EventExchange, nil
	default:
		return "", fmt.Errorf("unknown destination %q", dest)
	}
}

func publishingFor(msg messaging.Message, now time.Time) amqp.Publishing {
	headers := amqp.Table{}
	for k, v := range msg.Attributes {
		headers[k] = v
	}
	return amqp.Publishing{
		Headers:      headers,
		ContentType:  contentTypeJSON,
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Type:         msg.Kind.String(),
		Timestamp:    now,
		Body:         msg.Body,
	}
}

// Publish sends msg and blocks until the broker confirms it.
func (c *Client) Publish(ctx context.Context, msg messaging.Message) error {
	if c == nil || c.pubCh == nil {
		return errNotConnected
	}
	exchange, err := c.exchangeFor(msg.Destination)
	if err != nil {
		return err
	}
	if c.broker.PublishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.broker.PublishTimeout)
		defer cancel()
	}

	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	confirm, err := c.pubCh.PublishWithDeferredConfirmWithContext(ctx, exchange, msg.Kind.String(), false, false, publishingFor(msg, time.Now().UTC()))
	if err != nil {
		return fmt.Errorf("publishing %s to %s: %w", msg.Kind, exchange, err)
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("awaiting confirm for %s: %w", msg.ID, err)
	}
	if !acked {
		return errNacked
	}
	return nil
}

func (c *Client) CommandSubscriber() (messaging.Subscriber, error) {
	if c == nil || c.conn == nil {
		return nil, errNotConnected
	}
	return &subscriber{client: c, queue: c.cfg.CommandQueue, dest: messaging.DestinationCommands}, nil
}

func (c *Client) EventSubscriber(name string) (messaging.Subscriber, error) {
	if c == nil || c.conn == nil {
		return nil, errNotConnected
	}
	queue := EventQueueName(c.cfg, name)
	if queue == "" {
		return nil, errors.New("event subscriber name required")
	}
	return &subscriber{client: c, queue: queue, dest: messaging.DestinationEvents}, nil
}

// Ping reports whether the connection is still open.
func (c *Client) Ping(context.Context) error {
	if c == nil || c.conn == nil {
		return errNotConnected
	}
	if c.conn.IsClosed() {
		return errors.New("rabbitmq connection closed")
	}
	return nil
}

func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	var err error
	if c.pubCh != nil {
		err = multierr.Append(err, c.pubCh.Close())
	}
	if !c.conn.IsClosed() {
		err = multierr.Append(err, c.conn.Close())
	}
	return err
}
