// pkg/pubsub/client.go
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/Genocs/genocs-library-template/pkg/config"
	"github.com/Genocs/genocs-library-template/pkg/enums"
	"github.com/Genocs/genocs-library-template/pkg/logger"
	"github.com/Genocs/genocs-library-template/pkg/messaging"
)

// AttrDeadLetterReason marks messages forwarded to the dead-letter topic.
const AttrDeadLetterReason = "dead_letter_source"

type Client struct {
	client    *pubsub.Client
	projectID string
	cfg       config.PubSubConfig
	broker    config.BrokerConfig
	logg      *logger.Logger

	mu         sync.Mutex
	publishers map[string]*pubsub.Publisher
}

var _ messaging.Transport = (*Client)(nil)

var (
	errProjectIDRequired = errors.New("gcp project id is required")
	errNoSubscriptions   = errors.New("pubsub subscription name is required")
	errNotInitialized    = errors.New("pubsub client not initialized")
)

// NewClient creates a Pub/Sub v2 client and ensures the configured subscriptions exist.
func NewClient(ctx context.Context, gcp config.GCPConfig, cfg config.PubSubConfig, broker config.BrokerConfig, logg *logger.Logger) (*Client, error) {
	if strings.TrimSpace(gcp.ProjectID) == "" {
		return nil, errProjectIDRequired
	}

	var opts []option.ClientOption
	if creds := strings.TrimSpace(gcp.CredentialsJSON); creds != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(creds)))
	} else if path := strings.TrimSpace(gcp.ApplicationCredentials); path != "" {
		opts = append(opts, option.WithCredentialsFile(path))
	}

	psClient, err := pubsub.NewClient(ctx, gcp.ProjectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}

	c := &Client{
		client:     psClient,
		projectID:  gcp.ProjectID,
		cfg:        cfg,
		broker:     broker,
		logg:       logg,
		publishers: make(map[string]*pubsub.Publisher),
	}

	if err := c.ensureSubscriptionsConfigured(ctx); err != nil {
		_ = psClient.Close()
		return nil, err
	}

	if logg != nil {
		logg.Info(ctx, "pubsub client initialized")
	}

	return c, nil
}

func (c *Client) ensureSubscriptionsConfigured(ctx context.Context) error {
	names := subscriptionNames(c.cfg, c.broker.Subscribers)
	if len(names) == 0 {
		return errNoSubscriptions
	}
	for _, name := range names {
		if err := c.ensureSubscriptionExists(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

func subscriptionNames(cfg config.PubSubConfig, subscribers []string) []string {
	names := []string{}
	candidates := []string{cfg.CommandSubscription}
	for _, sub := range subscribers {
		candidates = append(candidates, eventSubscriptionName(cfg, sub))
	}
	for _, name := range candidates {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			names = append(names, trimmed)
		}
	}
	return names
}

func eventSubscriptionName(cfg config.PubSubConfig, subscriber string) string {
	subscriber = strings.TrimSpace(subscriber)
	if subscriber == "" {
		return ""
	}
	return cfg.EventSubscriptionPrefix + "-" + subscriber
}

func (c *Client) ensureSubscriptionExists(ctx context.Context, name string) error {
	fullName := c.subscriptionResourceName(name)
	if fullName == "" {
		return fmt.Errorf("subscription %q not configured", name)
	}

	_, err := c.client.SubscriptionAdminClient.GetSubscription(
		ctx,
		&pubsubpb.GetSubscriptionRequest{Subscription: fullName},
	)
	if err != nil {
		// v2 uses gRPC errors; NotFound means the subscription doesn't exist.
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("subscription %q does not exist", name)
		}
		return fmt.Errorf("checking subscription %q: %w", name, err)
	}

	return nil
}

// Subscription returns a v2 Subscriber handle for the configured subscription name (ID or full resource name).
func (c *Client) Subscription(name string) *pubsub.Subscriber {
	if c == nil || c.client == nil {
		return nil
	}
	fullName := c.subscriptionResourceName(name)
	if fullName == "" {
		return nil
	}
	return c.client.Subscriber(fullName)
}

// Publisher returns a cached publisher handle for the given topic ID/resource name.
func (c *Client) Publisher(name string) *pubsub.Publisher {
	if c == nil || c.client == nil {
		return nil
	}
	fullName := c.topicResourceName(name)
	if fullName == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if pub, ok := c.publishers[fullName]; ok {
		return pub
	}
	pub := c.client.Publisher(fullName)
	c.publishers[fullName] = pub
	return pub
}

func (c *Client) topicFor(dest messaging.Destination) (string, error) {
	switch dest {
	case messaging.DestinationCommands:
		return c.cfg.CommandTopic, nil
	case messaging.DestinationEvents:
		return c.cfg.EventTopic, nil
	default:
		return "", fmt.Errorf("unknown destination %q", dest)
	}
}

// Publish sends msg and waits for the server-assigned id.
func (c *Client) Publish(ctx context.Context, msg messaging.Message) error {
	if c == nil || c.client == nil {
		return errNotInitialized
	}
	topic, err := c.topicFor(msg.Destination)
	if err != nil {
		return err
	}
	return c.publishTo(ctx, topic, msg.Body, messageAttributes(msg))
}

func (c *Client) publishTo(ctx context.Context, topic string, body []byte, attrs map[string]string) error {
	pub := c.Publisher(topic)
	if pub == nil {
		return fmt.Errorf("topic %q not configured", topic)
	}
	if c.broker.PublishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.broker.PublishTimeout)
		defer cancel()
	}
	res := pub.Publish(ctx, &pubsub.Message{Data: body, Attributes: attrs})
	if _, err := res.Get(ctx); err != nil {
		return fmt.Errorf("publishing to %s: %w", topic, err)
	}
	return nil
}

func messageAttributes(msg messaging.Message) map[string]string {
	attrs := make(map[string]string, len(msg.Attributes)+2)
	for k, v := range msg.Attributes {
		attrs[k] = v
	}
	if msg.ID != "" {
		attrs[messaging.AttrMessageID] = msg.ID
	}
	if msg.Kind != "" {
		attrs[messaging.AttrKind] = msg.Kind.String()
	}
	return attrs
}

func (c *Client) CommandSubscriber() (messaging.Subscriber, error) {
	if c == nil {
		return nil, errNotInitialized
	}
	return c.subscriber(c.cfg.CommandSubscription, messaging.DestinationCommands)
}

func (c *Client) EventSubscriber(name string) (messaging.Subscriber, error) {
	if c == nil {
		return nil, errNotInitialized
	}
	sub := eventSubscriptionName(c.cfg, name)
	if sub == "" {
		return nil, errors.New("event subscriber name required")
	}
	return c.subscriber(sub, messaging.DestinationEvents)
}

func (c *Client) subscriber(name string, dest messaging.Destination) (messaging.Subscriber, error) {
	if c == nil || c.client == nil {
		return nil, errNotInitialized
	}
	sub := c.Subscription(name)
	if sub == nil {
		return nil, fmt.Errorf("subscription %q not configured", name)
	}
	if c.broker.Concurrency > 0 {
		sub.ReceiveSettings.MaxOutstandingMessages = c.broker.Concurrency
	}
	return &subscriber{client: c, sub: sub, name: name, dest: dest}, nil
}

// Ping verifies Pub/Sub connectivity by checking configured subscriptions exist.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.client == nil {
		return errNotInitialized
	}
	return c.ensureSubscriptionsConfigured(ctx)
}

// Close flushes publishers and releases the Pub/Sub client resources.
func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	c.mu.Lock()
	for _, pub := range c.publishers {
		pub.Stop()
	}
	c.publishers = map[string]*pubsub.Publisher{}
	c.mu.Unlock()
	return c.client.Close()
}

func (c *Client) subscriptionResourceName(name string) string {
	if c == nil {
		return ""
	}
	n := strings.TrimSpace(name)
	if n == "" {
		return ""
	}

	if strings.HasPrefix(n, "projects/") && strings.Contains(n, "/subscriptions/") {
		return n
	}

	p := strings.TrimSpace(c.projectID)
	if p == "" {
		return ""
	}
	return fmt.Sprintf("projects/%s/subscriptions/%s", p, n)
}

func (c *Client) topicResourceName(name string) string {
	if c == nil {
		return ""
	}
	n := strings.TrimSpace(name)
	if n == "" {
		return ""
	}
	if strings.HasPrefix(n, "projects/") && strings.Contains(n, "/topics/") {
		return n
	}
	p := strings.TrimSpace(c.projectID)
	if p == "" {
		return ""
	}
	return fmt.Sprintf("projects/%s/topics/%s", p, n)
}

type subscriber struct {
	client *Client
	sub    *pubsub.Subscriber
	name   string
	dest   messaging.Destination
}

// Receive blocks until ctx is canceled. Dead-lettered messages are forwarded
// to the dead-letter topic before being acked.
func (s *subscriber) Receive(ctx context.Context, h messaging.Handler) error {
	return s.sub.Receive(ctx, func(ctx context.Context, m *pubsub.Message) {
		delivery := toDelivery(m, s.dest)
		switch h(ctx, delivery) {
		case messaging.Ack:
			m.Ack()
		case messaging.Retry:
			m.Nack()
		default:
			if err := s.forwardDeadLetter(ctx, m); err != nil {
				if s.client.logg != nil {
					logCtx := s.client.logg.WithFields(ctx, map[string]any{
						"subscription": s.name,
						"message_id":   delivery.ID,
					})
					s.client.logg.Error(logCtx, "forwarding to dead-letter topic failed", err)
				}
				m.Nack()
				return
			}
			m.Ack()
		}
	})
}

func (s *subscriber) forwardDeadLetter(ctx context.Context, m *pubsub.Message) error {
	attrs := make(map[string]string, len(m.Attributes)+1)
	for k, v := range m.Attributes {
		attrs[k] = v
	}
	attrs[AttrDeadLetterReason] = s.name
	return s.client.publishTo(ctx, s.client.cfg.DeadLetterTopic, m.Data, attrs)
}

func toDelivery(m *pubsub.Message, dest messaging.Destination) messaging.Delivery {
	attrs := make(map[string]string, len(m.Attributes))
	for k, v := range m.Attributes {
		attrs[k] = v
	}
	id := attrs[messaging.AttrMessageID]
	if id == "" {
		id = m.ID
	}
	attempt := 0
	if m.DeliveryAttempt != nil {
		attempt = *m.DeliveryAttempt
	}
	return messaging.Delivery{
		Message: messaging.Message{
			ID:          id,
			Kind:        enums.MessageKind(attrs[messaging.AttrKind]),
			Destination: dest,
			Body:        m.Data,
			Attributes:  attrs,
		},
		Redelivered: attempt > 1,
		Attempt:     attempt,
	}
}
