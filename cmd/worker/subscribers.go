package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"go.uber.org/multierr"

	"github.com/Genocs/genocs-library-template/internal/consumers/analytics"
	"github.com/Genocs/genocs-library-template/internal/consumers/archive"
	"github.com/Genocs/genocs-library-template/internal/consumers/ordersubmitted"
	"github.com/Genocs/genocs-library-template/pkg/bigquery"
	"github.com/Genocs/genocs-library-template/pkg/config"
	"github.com/Genocs/genocs-library-template/pkg/logger"
	"github.com/Genocs/genocs-library-template/pkg/storage/gcs"
)

// subscriberSet is what the configured event subscribers need at runtime.
type subscriberSet struct {
	subscribers  []ordersubmitted.Subscriber
	dependencies []Dependency
	closers      []io.Closer
}

func (s *subscriberSet) Close() error {
	var err error
	for _, c := range s.closers {
		err = multierr.Append(err, c.Close())
	}
	return err
}

type subscriberFactory func(ctx context.Context, cfg *config.Config, logg *logger.Logger, set *subscriberSet) (ordersubmitted.Subscriber, error)

var subscriberFactories = map[string]subscriberFactory{
	ordersubmitted.LogSubscriberName: func(_ context.Context, _ *config.Config, logg *logger.Logger, _ *subscriberSet) (ordersubmitted.Subscriber, error) {
		return ordersubmitted.NewLogSubscriber(logg), nil
	},
	analytics.SubscriberName: func(ctx context.Context, cfg *config.Config, logg *logger.Logger, set *subscriberSet) (ordersubmitted.Subscriber, error) {
		client, err := bigquery.NewClient(ctx, cfg.GCP, cfg.BigQuery, logg)
		if err != nil {
			return nil, err
		}
		set.closers = append(set.closers, client)
		set.dependencies = append(set.dependencies, Dependency{Name: "bigquery", Ping: client.Ping})
		return analytics.NewSubscriber(client, logg)
	},
	archive.SubscriberName: func(ctx context.Context, cfg *config.Config, logg *logger.Logger, set *subscriberSet) (ordersubmitted.Subscriber, error) {
		client, err := gcs.NewClient(ctx, cfg.GCS, cfg.GCP, logg)
		if err != nil {
			return nil, err
		}
		set.closers = append(set.closers, client)
		set.dependencies = append(set.dependencies, Dependency{Name: "gcs", Ping: client.Ping})
		return archive.NewSubscriber(client, cfg.GCS.ObjectPrefix, logg)
	},
}

// buildSubscribers instantiates every subscriber named in the broker config.
// On error the already opened clients are closed.
func buildSubscribers(ctx context.Context, cfg *config.Config, logg *logger.Logger) (*subscriberSet, error) {
	set := &subscriberSet{}
	for _, raw := range cfg.Broker.Subscribers {
		name := strings.TrimSpace(raw)
		if name == "" {
			continue
		}
		factory, ok := subscriberFactories[name]
		if !ok {
			_ = set.Close()
			return nil, fmt.Errorf("unknown event subscriber %q", name)
		}
		sub, err := factory(ctx, cfg, logg, set)
		if err != nil {
			_ = set.Close()
			return nil, fmt.Errorf("building subscriber %s: %w", name, err)
		}
		set.subscribers = append(set.subscribers, sub)
	}
	return set, nil
}
