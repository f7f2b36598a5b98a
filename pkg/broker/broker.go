// Package broker opens the message transport selected by GENOCS_BROKER_DRIVER.
package broker

import (
	"context"
	"fmt"

	"github.com/Genocs/genocs-library-template/pkg/config"
	"github.com/Genocs/genocs-library-template/pkg/logger"
	"github.com/Genocs/genocs-library-template/pkg/messaging"
	"github.com/Genocs/genocs-library-template/pkg/pubsub"
	"github.com/Genocs/genocs-library-template/pkg/rabbitmq"
)

// Open connects to the configured broker. name identifies the connection on
// the broker side.
func Open(ctx context.Context, cfg *config.Config, name string, logg *logger.Logger) (messaging.Transport, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	switch cfg.Broker.Driver {
	case config.BrokerDriverRabbitMQ:
		client, err := rabbitmq.NewClient(ctx, cfg.RabbitMQ, cfg.Broker, name, logg)
		if err != nil {
			return nil, fmt.Errorf("bootstrap rabbitmq: %w", err)
		}
		return client, nil
	case config.BrokerDriverPubSub:
		client, err := pubsub.NewClient(ctx, cfg.GCP, cfg.PubSub, cfg.Broker, logg)
		if err != nil {
			return nil, fmt.Errorf("bootstrap pubsub: %w", err)
		}
		return client, nil
	default:
		return nil, fmt.Errorf("unsupported broker driver %q", cfg.Broker.Driver)
	}
}
