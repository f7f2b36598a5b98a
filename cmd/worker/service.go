package main

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/Genocs/genocs-library-template/pkg/config"
	"github.com/Genocs/genocs-library-template/pkg/logger"
	"github.com/Genocs/genocs-library-template/pkg/messaging"
)

type pinger interface {
	Ping(ctx context.Context) error
}

// Dependency is a named readiness check run before consumption starts.
type Dependency struct {
	Name string
	Ping func(ctx context.Context) error
}

// EventRoute binds one event subscriber queue to its router.
type EventRoute struct {
	Name   string
	Router *messaging.Router
}

type ServiceParams struct {
	Config       *config.Config
	Logger       *logger.Logger
	DB           pinger
	Redis        pinger
	Broker       messaging.Transport
	Commands     *messaging.Router
	Events       []EventRoute
	Dependencies []Dependency
}

type Service struct {
	cfg      *config.Config
	logg     *logger.Logger
	broker   messaging.Transport
	commands *messaging.Router
	events   []EventRoute
	deps     []Dependency
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Config == nil {
		return nil, errors.New("config is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.DB == nil {
		return nil, errors.New("database client is required")
	}
	if params.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	if params.Broker == nil {
		return nil, errors.New("broker is required")
	}
	if params.Commands == nil {
		return nil, errors.New("command router is required")
	}
	seen := make(map[string]struct{}, len(params.Events))
	for _, route := range params.Events {
		if route.Name == "" || route.Router == nil {
			return nil, errors.New("event routes need a name and a router")
		}
		if _, dup := seen[route.Name]; dup {
			return nil, fmt.Errorf("event subscriber %q registered twice", route.Name)
		}
		seen[route.Name] = struct{}{}
	}

	deps := []Dependency{
		{Name: "database", Ping: params.DB.Ping},
		{Name: "redis", Ping: params.Redis.Ping},
		{Name: "broker", Ping: params.Broker.Ping},
	}
	deps = append(deps, params.Dependencies...)

	return &Service{
		cfg:      params.Config,
		logg:     params.Logger,
		broker:   params.Broker,
		commands: params.Commands,
		events:   params.Events,
		deps:     deps,
	}, nil
}

func (s *Service) ensureReadiness(ctx context.Context) error {
	for _, dep := range s.deps {
		if err := pingDependency(ctx, s.logg, dep.Name, dep.Ping); err != nil {
			return err
		}
	}
	s.logg.Info(ctx, "all worker dependencies are ready")
	return nil
}

func pingDependency(ctx context.Context, logg *logger.Logger, name string, fn func(context.Context) error) error {
	if err := fn(ctx); err != nil {
		logg.Error(ctx, fmt.Sprintf("%s ping failed", name), err)
		return fmt.Errorf("%s ping failed: %w", name, err)
	}
	return nil
}

// Run consumes the command queue and every event subscriber queue until ctx
// is canceled or one of them fails.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := s.ensureReadiness(ctx); err != nil {
		return err
	}

	commandSub, err := s.broker.CommandSubscriber()
	if err != nil {
		return fmt.Errorf("opening command subscription: %w", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return s.receive(groupCtx, "commands", commandSub, s.commands)
	})
	for _, route := range s.events {
		sub, err := s.broker.EventSubscriber(route.Name)
		if err != nil {
			return fmt.Errorf("opening subscription %s: %w", route.Name, err)
		}
		group.Go(func() error {
			return s.receive(groupCtx, route.Name, sub, route.Router)
		})
	}

	err = group.Wait()
	if err == nil {
		s.logg.Info(ctx, "worker context canceled")
		return ctx.Err()
	}
	return err
}

func (s *Service) receive(ctx context.Context, name string, sub messaging.Subscriber, router *messaging.Router) error {
	ctx = s.logg.WithField(ctx, "subscription", name)
	s.logg.Info(ctx, "consumer started")
	if err := sub.Receive(ctx, router.Handle); err != nil && !errors.Is(err, context.Canceled) {
		s.logg.Error(ctx, "consumer stopped unexpectedly", err)
		return fmt.Errorf("%s consumer: %w", name, err)
	}
	return nil
}
