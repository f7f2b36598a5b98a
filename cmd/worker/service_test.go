package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/Genocs/genocs-library-template/internal/consumers/ordersubmitted"
	"github.com/Genocs/genocs-library-template/internal/consumers/submitorder"
	"github.com/Genocs/genocs-library-template/internal/orders"
	"github.com/Genocs/genocs-library-template/pkg/config"
	"github.com/Genocs/genocs-library-template/pkg/db"
	"github.com/Genocs/genocs-library-template/pkg/db/models"
	"github.com/Genocs/genocs-library-template/pkg/enums"
	"github.com/Genocs/genocs-library-template/pkg/logger"
	"github.com/Genocs/genocs-library-template/pkg/messaging"
	"github.com/Genocs/genocs-library-template/pkg/messaging/messagingtest"
	"github.com/Genocs/genocs-library-template/pkg/messaging/payloads"
	"github.com/Genocs/genocs-library-template/pkg/outbox"
	"github.com/Genocs/genocs-library-template/pkg/outbox/idempotency"
	"github.com/Genocs/genocs-library-template/pkg/outbox/registry"
)

type memoryStore struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func newMemoryStore() *memoryStore {
	return &memoryStore{keys: make(map[string]struct{})}
}

func (m *memoryStore) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[key]; ok {
		return "1", nil
	}
	return "", nil
}

func (m *memoryStore) SetNX(_ context.Context, key string, _ any, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[key]; ok {
		return false, nil
	}
	m.keys[key] = struct{}{}
	return true, nil
}

func (m *memoryStore) IdempotencyKey(scope, id string) string {
	return "test:" + scope + ":" + id
}

func (m *memoryStore) Del(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.keys, k)
	}
	return nil
}

type recordingSubscriber struct {
	mu     sync.Mutex
	name   string
	events []ordersubmitted.Event
}

func (r *recordingSubscriber) Name() string { return r.name }

func (r *recordingSubscriber) OnOrderSubmitted(_ context.Context, event ordersubmitted.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingSubscriber) Events() []ordersubmitted.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ordersubmitted.Event, len(r.events))
	copy(out, r.events)
	return out
}

type stubPinger struct {
	err error
}

func (s stubPinger) Ping(context.Context) error { return s.err }

type workerFixture struct {
	conn     *gorm.DB
	client   *db.Client
	broker   *messagingtest.Broker
	commands *messaging.Router
	logg     *logger.Logger
}

func newWorkerFixture(t *testing.T) *workerFixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{SkipDefaultTransaction: true})
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, conn.AutoMigrate(&models.Order{}, &models.OutboxRecord{}))

	logg := logger.New(logger.Options{ServiceName: "worker-test", Output: io.Discard})
	client := db.NewFromGorm(conn)

	orderService, err := orders.NewService(orders.NewRepository(conn), logg)
	require.NoError(t, err)
	consumer, err := submitorder.NewConsumer(submitorder.Params{
		Tx:        client,
		Processor: orderService,
		Outbox:    outbox.NewService(outbox.NewRepository(conn), registry.NewEventRegistry(), logg),
		Logger:    logg,
	})
	require.NoError(t, err)
	commands, err := NewCommandRouter(consumer.Handle, registry.NewOrderDecoders(), logg, nil)
	require.NoError(t, err)

	b := messagingtest.NewBroker()
	t.Cleanup(func() { _ = b.Close() })

	return &workerFixture{conn: conn, client: client, broker: b, commands: commands, logg: logg}
}

func (f *workerFixture) service(t *testing.T, events []EventRoute) *Service {
	t.Helper()
	svc, err := NewService(ServiceParams{
		Config:   &config.Config{},
		Logger:   f.logg,
		DB:       f.client,
		Redis:    stubPinger{},
		Broker:   f.broker,
		Commands: f.commands,
		Events:   events,
	})
	require.NoError(t, err)
	return svc
}

func publishCommand(t *testing.T, b *messagingtest.Broker, kind enums.MessageKind, data any) {
	t.Helper()
	env, err := messaging.NewEnvelope(kind, data, time.Now())
	require.NoError(t, err)
	msg, err := env.Message(messaging.DestinationCommands)
	require.NoError(t, err)
	require.NoError(t, b.Publish(context.Background(), msg))
}

func countRows(t *testing.T, conn *gorm.DB, model any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, conn.Model(model).Count(&n).Error)
	return n
}

func TestWorkerConsumesCommandsAndFansOutEvents(t *testing.T) {
	f := newWorkerFixture(t)

	manager, err := idempotency.NewManager(newMemoryStore(), time.Hour)
	require.NoError(t, err)
	audit := &recordingSubscriber{name: "order-audit"}
	routes, err := NewEventRoutes([]ordersubmitted.Subscriber{
		ordersubmitted.NewLogSubscriber(f.logg),
		audit,
	}, manager, f.logg, nil, time.Second)
	require.NoError(t, err)
	require.Len(t, routes, 2)

	// Bind the event queues before anything is published to them.
	for _, route := range routes {
		f.broker.EventQueue(route.Name)
	}

	svc := f.service(t, routes)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	publishCommand(t, f.broker, enums.KindSubmitOrder, payloads.SubmitOrder{OrderID: "O1", UserID: "U1"})
	publishCommand(t, f.broker, enums.KindSubmitOrder, payloads.SubmitOrder{OrderID: "O1", UserID: "U1"})

	require.Eventually(t, func() bool {
		return f.broker.CommandQueue().Len() == 0 && countRows(t, f.conn, &models.OutboxRecord{}) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 1, countRows(t, f.conn, &models.Order{}))

	// Relay the queued event twice, as a crashed relay would.
	var record models.OutboxRecord
	require.NoError(t, f.conn.First(&record).Error)
	resolved, err := registry.NewEventRegistry().Resolve(record)
	require.NoError(t, err)
	msg := resolved.Message([]byte(record.Payload))
	require.NoError(t, f.broker.Publish(context.Background(), msg))
	require.NoError(t, f.broker.Publish(context.Background(), msg))

	require.Eventually(t, func() bool {
		return f.broker.EventQueue(audit.Name()).Len() == 0 && len(audit.Events()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}

	events := audit.Events()
	require.Len(t, events, 1)
	assert.Equal(t, "O1", events[0].OrderID)
	assert.Equal(t, "U1", events[0].UserID)
	assert.Equal(t, "EUR", events[0].Currency)
	assert.Equal(t, record.ID, events[0].MessageID)
	assert.Empty(t, f.broker.DeadLetters())
}

func TestCommandRouterDeadLettersContractOnlyKinds(t *testing.T) {
	f := newWorkerFixture(t)

	cases := []struct {
		name string
		kind enums.MessageKind
		data any
	}{
		{name: "update order", kind: enums.KindUpdateOrder, data: payloads.UpdateOrder{OrderID: "O1", UserID: "U1"}},
		{name: "delete order", kind: enums.KindDeleteOrder, data: payloads.DeleteOrder{OrderID: "O1"}},
		{name: "mismatched payload", kind: enums.KindDeleteOrder, data: []int{1, 2}},
		{name: "event on command queue", kind: enums.KindOrderSubmitted, data: payloads.OrderSubmitted{OrderID: "O1"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env, err := messaging.NewEnvelope(tc.kind, tc.data, time.Now())
			require.NoError(t, err)
			msg, err := env.Message(messaging.DestinationCommands)
			require.NoError(t, err)
			outcome := f.commands.Handle(context.Background(), messaging.Delivery{Message: msg, Attempt: 1})
			assert.Equal(t, messaging.DeadLetter, outcome)
		})
	}

	assert.EqualValues(t, 0, countRows(t, f.conn, &models.Order{}))
}

func TestCommandRouterKinds(t *testing.T) {
	f := newWorkerFixture(t)
	assert.ElementsMatch(t, []enums.MessageKind{
		enums.KindSubmitOrder,
		enums.KindUpdateOrder,
		enums.KindDeleteOrder,
	}, f.commands.Kinds())

	_, err := NewCommandRouter(nil, nil, f.logg, nil)
	assert.Error(t, err)
}

func TestRunRefusesToStartWhenDependencyIsDown(t *testing.T) {
	f := newWorkerFixture(t)
	svc, err := NewService(ServiceParams{
		Config:   &config.Config{},
		Logger:   f.logg,
		DB:       f.client,
		Redis:    stubPinger{err: errors.New("connection refused")},
		Broker:   f.broker,
		Commands: f.commands,
	})
	require.NoError(t, err)

	err = svc.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis ping failed")

	svc, err = NewService(ServiceParams{
		Config:   &config.Config{},
		Logger:   f.logg,
		DB:       f.client,
		Redis:    stubPinger{},
		Broker:   f.broker,
		Commands: f.commands,
		Dependencies: []Dependency{{Name: "bigquery", Ping: func(context.Context) error {
			return errors.New("dataset missing")
		}}},
	})
	require.NoError(t, err)
	err = svc.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bigquery ping failed")
}

func TestRunStopsOnCancelWithoutLeaks(t *testing.T) {
	f := newWorkerFixture(t)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	manager, err := idempotency.NewManager(newMemoryStore(), time.Hour)
	require.NoError(t, err)
	routes, err := NewEventRoutes([]ordersubmitted.Subscriber{&recordingSubscriber{name: "idle"}}, manager, f.logg, nil, time.Second)
	require.NoError(t, err)

	svc := f.service(t, routes)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}

func TestNewServiceValidatesParams(t *testing.T) {
	f := newWorkerFixture(t)
	valid := ServiceParams{
		Config:   &config.Config{},
		Logger:   f.logg,
		DB:       f.client,
		Redis:    stubPinger{},
		Broker:   f.broker,
		Commands: f.commands,
	}

	cases := map[string]func(p *ServiceParams){
		"config":   func(p *ServiceParams) { p.Config = nil },
		"logger":   func(p *ServiceParams) { p.Logger = nil },
		"db":       func(p *ServiceParams) { p.DB = nil },
		"redis":    func(p *ServiceParams) { p.Redis = nil },
		"broker":   func(p *ServiceParams) { p.Broker = nil },
		"commands": func(p *ServiceParams) { p.Commands = nil },
		"unnamed route": func(p *ServiceParams) {
			p.Events = []EventRoute{{Router: f.commands}}
		},
		"duplicate route": func(p *ServiceParams) {
			p.Events = []EventRoute{{Name: "a", Router: f.commands}, {Name: "a", Router: f.commands}}
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			params := valid
			mutate(&params)
			_, err := NewService(params)
			assert.Error(t, err)
		})
	}

	_, err := NewService(valid)
	assert.NoError(t, err)
}

func TestNewEventRoutesRequiresManager(t *testing.T) {
	logg := logger.New(logger.Options{Output: io.Discard})
	_, err := NewEventRoutes([]ordersubmitted.Subscriber{ordersubmitted.NewLogSubscriber(logg)}, nil, logg, nil, time.Second)
	assert.Error(t, err)
}

func TestBuildSubscribers(t *testing.T) {
	logg := logger.New(logger.Options{Output: io.Discard})

	cfg := &config.Config{Broker: config.BrokerConfig{Subscribers: []string{" order-log ", ""}}}
	set, err := buildSubscribers(context.Background(), cfg, logg)
	require.NoError(t, err)
	require.Len(t, set.subscribers, 1)
	assert.Equal(t, ordersubmitted.LogSubscriberName, set.subscribers[0].Name())
	assert.Empty(t, set.dependencies)
	assert.NoError(t, set.Close())

	cfg.Broker.Subscribers = []string{"order-log", "mailer"}
	_, err = buildSubscribers(context.Background(), cfg, logg)
	assert.ErrorContains(t, err, "mailer")

	// analytics needs a project id before any network call.
	cfg.Broker.Subscribers = []string{"order-analytics"}
	_, err = buildSubscribers(context.Background(), cfg, logg)
	assert.ErrorContains(t, err, "order-analytics")

	// archive needs a bucket before any network call.
	cfg.Broker.Subscribers = []string{"order-archive"}
	_, err = buildSubscribers(context.Background(), cfg, logg)
	assert.ErrorContains(t, err, "gcs bucket name is required")
}
