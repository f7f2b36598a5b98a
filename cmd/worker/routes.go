package main

import (
	"context"
	"fmt"
	"time"

	"github.com/Genocs/genocs-library-template/internal/consumers/ordersubmitted"
	"github.com/Genocs/genocs-library-template/pkg/enums"
	"github.com/Genocs/genocs-library-template/pkg/logger"
	"github.com/Genocs/genocs-library-template/pkg/messaging"
	"github.com/Genocs/genocs-library-template/pkg/outbox/idempotency"
	"github.com/Genocs/genocs-library-template/pkg/outbox/registry"
)

// contractOnlyKinds are declared on the command surface but have no consumer yet.
var contractOnlyKinds = []enums.MessageKind{enums.KindUpdateOrder, enums.KindDeleteOrder}

// NewCommandRouter binds the SubmitOrder consumer and the contract-only kinds.
func NewCommandRouter(submit messaging.Handler, decoders *registry.DecoderRegistry, logg *logger.Logger, recorder messaging.DeliveryRecorder) (*messaging.Router, error) {
	if submit == nil {
		return nil, fmt.Errorf("submit order handler required")
	}
	if decoders == nil {
		decoders = registry.NewOrderDecoders()
	}
	router := messaging.NewRouter(string(messaging.DestinationCommands), logg, recorder)
	if err := router.Register(enums.KindSubmitOrder, submit); err != nil {
		return nil, err
	}
	for _, kind := range contractOnlyKinds {
		if err := router.Register(kind, contractHandler(decoders, logg)); err != nil {
			return nil, err
		}
	}
	return router, nil
}

// contractHandler validates the payload shape of kinds nobody consumes and
// dead-letters them so they stay inspectable.
func contractHandler(decoders *registry.DecoderRegistry, logg *logger.Logger) messaging.Handler {
	return func(ctx context.Context, d messaging.Delivery) messaging.Outcome {
		env, err := messaging.DecodeEnvelope(d.Body)
		if err != nil {
			logg.Warn(ctx, "dropping undecodable command")
			return messaging.DeadLetter
		}
		if _, err := decoders.Decode(env.Kind, env.Version, env.Data); err != nil {
			logg.Error(ctx, "command payload does not match contract", err)
			return messaging.DeadLetter
		}
		logg.Warn(ctx, "no consumer registered for command, dead-lettering")
		return messaging.DeadLetter
	}
}

// NewEventRoutes builds one idempotent OrderSubmitted route per subscriber.
func NewEventRoutes(subscribers []ordersubmitted.Subscriber, manager *idempotency.Manager, logg *logger.Logger, recorder messaging.DeliveryRecorder, timeout time.Duration) ([]EventRoute, error) {
	if manager == nil {
		return nil, fmt.Errorf("idempotency manager required")
	}
	routes := make([]EventRoute, 0, len(subscribers))
	for _, sub := range subscribers {
		consumer, err := ordersubmitted.NewConsumer(sub, manager, logg, timeout)
		if err != nil {
			return nil, err
		}
		router := messaging.NewRouter(consumer.Name(), logg, recorder)
		if err := router.Register(enums.KindOrderSubmitted, consumer.Handle); err != nil {
			return nil, err
		}
		routes = append(routes, EventRoute{Name: consumer.Name(), Router: router})
	}
	return routes, nil
}
