package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
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
	"github.com/Genocs/genocs-library-template/pkg/metrics"
	"github.com/Genocs/genocs-library-template/pkg/outbox"
	"github.com/Genocs/genocs-library-template/pkg/outbox/registry"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Now().UTC().Add(time.Minute)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type relayFixture struct {
	conn    *gorm.DB
	client  *db.Client
	broker  *messagingtest.Broker
	clock   *clock
	outbox  *outbox.Service
	repo    *outbox.Repository
	metrics *metrics.RelayMetrics
	reg     *prometheus.Registry
	service *Service
	logg    *logger.Logger
}

func newRelayFixture(t *testing.T) *relayFixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{SkipDefaultTransaction: true})
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, conn.AutoMigrate(&models.Order{}, &models.OutboxRecord{}, &models.OutboxDLQ{}))

	logg := logger.New(logger.Options{ServiceName: "relay-test", Output: io.Discard})
	repo := outbox.NewRepository(conn)
	reg := prometheus.NewRegistry()
	f := &relayFixture{
		conn:    conn,
		client:  db.NewFromGorm(conn),
		broker:  messagingtest.NewBroker(),
		clock:   newClock(),
		outbox:  outbox.NewService(repo, nil, logg),
		repo:    repo,
		metrics: metrics.NewRelayMetrics(reg),
		reg:     reg,
		logg:    logg,
	}

	cfg := &config.Config{}
	cfg.Outbox.BatchSize = 10
	cfg.Outbox.PollIntervalMS = 100
	cfg.Outbox.MaxBackoff = time.Second
	cfg.Outbox.Lease = 30 * time.Second
	service, err := NewService(ServiceParams{
		Config:        cfg,
		Logger:        logg,
		DB:            f.client,
		Broker:        f.broker,
		Repository:    repo,
		Registry:      registry.NewEventRegistry(),
		DLQRepository: outbox.NewDLQRepository(conn),
		Metrics:       f.metrics,
		Owner:         "relay-test",
		Now:           f.clock.Now,
	})
	require.NoError(t, err)
	f.service = service
	return f
}

func (f *relayFixture) emit(t *testing.T, orderID string) *models.OutboxRecord {
	t.Helper()
	var record *models.OutboxRecord
	require.NoError(t, f.client.WithTx(context.Background(), func(tx *gorm.DB) error {
		var err error
		record, err = f.outbox.Emit(context.Background(), tx, outbox.DomainEvent{
			Kind:        enums.KindOrderSubmitted,
			AggregateID: orderID,
			Data:        payloads.OrderSubmitted{OrderID: orderID, UserID: "U1", Currency: "EUR"},
		})
		return err
	}))
	return record
}

func (f *relayFixture) load(t *testing.T, id uuid.UUID) *models.OutboxRecord {
	t.Helper()
	record, err := f.repo.FindByID(context.Background(), id)
	require.NoError(t, err)
	return record
}

func TestProcessBatchPublishesInCommitOrder(t *testing.T) {
	f := newRelayFixture(t)
	first := f.emit(t, "O1")
	second := f.emit(t, "O2")
	third := f.emit(t, "O3")

	processed, err := f.service.processBatch(context.Background())
	require.NoError(t, err)
	require.True(t, processed)

	published := f.broker.PublishedTo(messaging.DestinationEvents)
	require.Len(t, published, 3)
	assert.Equal(t, first.ID.String(), published[0].ID)
	assert.Equal(t, second.ID.String(), published[1].ID)
	assert.Equal(t, third.ID.String(), published[2].ID)
	assert.Equal(t, enums.KindOrderSubmitted, published[0].Kind)
	assert.Equal(t, first.ID.String(), published[0].Attributes[messaging.AttrMessageID])

	for _, rec := range []*models.OutboxRecord{first, second, third} {
		stored := f.load(t, rec.ID)
		assert.Equal(t, enums.OutboxStatusSent, stored.Status)
		assert.NotNil(t, stored.SentAt)
	}
	assert.Equal(t, float64(3), counterTotal(t, f.reg, "outbox_published_total"))

	processed, err = f.service.processBatch(context.Background())
	require.NoError(t, err)
	assert.False(t, processed)
	assert.Len(t, f.broker.Published(), 3)
}

func counterTotal(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	require.NoError(t, err)
	var total float64
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestProcessBatchRetriesFlakyBrokerUntilPublished(t *testing.T) {
	f := newRelayFixture(t)
	record := f.emit(t, "O1")
	f.broker.FailNext(3, errors.New("broker unavailable"))

	for attempt := 1; attempt <= 3; attempt++ {
		processed, err := f.service.processBatch(context.Background())
		require.NoError(t, err)
		require.True(t, processed)

		stored := f.load(t, record.ID)
		assert.Equal(t, enums.OutboxStatusPending, stored.Status)
		assert.Equal(t, attempt, stored.AttemptCount)
		require.NotNil(t, stored.LastError)
		assert.Equal(t, "broker unavailable", *stored.LastError)
		assert.True(t, stored.NextAttemptAt.After(f.clock.Now()))

		// backoff keeps the record out of the next poll
		processed, err = f.service.processBatch(context.Background())
		require.NoError(t, err)
		assert.False(t, processed)

		f.clock.Advance(2 * time.Second)
	}

	processed, err := f.service.processBatch(context.Background())
	require.NoError(t, err)
	require.True(t, processed)

	published := f.broker.Published()
	require.Len(t, published, 1)
	assert.Equal(t, record.ID.String(), published[0].ID)

	stored := f.load(t, record.ID)
	assert.Equal(t, enums.OutboxStatusSent, stored.Status)
	assert.Equal(t, 3, stored.AttemptCount)
}

func TestProcessBatchDeadLettersUnpublishableRecords(t *testing.T) {
	f := newRelayFixture(t)
	good := f.emit(t, "O1")

	badPayload := models.OutboxRecord{
		Kind:          enums.KindOrderSubmitted,
		AggregateType: enums.AggregateOrder,
		AggregateID:   "O2",
		Destination:   string(messaging.DestinationEvents),
		Payload:       `{"broken":`,
	}
	unknownKind := models.OutboxRecord{
		Kind:          enums.KindSubmitOrder,
		AggregateType: enums.AggregateOrder,
		AggregateID:   "O3",
		Destination:   string(messaging.DestinationCommands),
		Payload:       `{}`,
	}
	require.NoError(t, f.conn.Create(&badPayload).Error)
	require.NoError(t, f.conn.Create(&unknownKind).Error)

	processed, err := f.service.processBatch(context.Background())
	require.NoError(t, err)
	require.True(t, processed)

	published := f.broker.Published()
	require.Len(t, published, 1)
	assert.Equal(t, good.ID.String(), published[0].ID)

	assert.Equal(t, enums.OutboxStatusDead, f.load(t, badPayload.ID).Status)
	assert.Equal(t, enums.OutboxStatusDead, f.load(t, unknownKind.ID).Status)

	dlq := outbox.NewDLQRepository(f.conn)
	entry, err := dlq.FindByRecordID(context.Background(), unknownKind.ID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, enums.OutboxDLQReasonUnknownKind, entry.ErrorReason)

	entry, err = dlq.FindByRecordID(context.Background(), badPayload.ID)
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, enums.OutboxDLQReasonMalformedPayload, entry.ErrorReason)
	assert.Equal(t, `{"broken":`, entry.Payload)
}

func TestProcessBatchSkipsRecordsLeasedByAnotherRelay(t *testing.T) {
	f := newRelayFixture(t)
	f.emit(t, "O1")

	claimed, err := f.repo.ClaimPending(context.Background(), "other-relay", 10, time.Minute, f.clock.Now())
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	processed, err := f.service.processBatch(context.Background())
	require.NoError(t, err)
	assert.False(t, processed)
	assert.Empty(t, f.broker.Published())

	f.clock.Advance(2 * time.Minute)
	processed, err = f.service.processBatch(context.Background())
	require.NoError(t, err)
	assert.True(t, processed)
	assert.Len(t, f.broker.Published(), 1)
}

type memoryIdempotency struct {
	mu    sync.Mutex
	marks map[string]bool
}

func (m *memoryIdempotency) CheckAndMarkProcessed(_ context.Context, consumer string, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.marks == nil {
		m.marks = map[string]bool{}
	}
	key := consumer + ":" + id.String()
	if m.marks[key] {
		return true, nil
	}
	m.marks[key] = true
	return false, nil
}

func (m *memoryIdempotency) Delete(_ context.Context, consumer string, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.marks, consumer+":"+id.String())
	return nil
}

type capturingSubscriber struct {
	events []ordersubmitted.Event
}

func (c *capturingSubscriber) Name() string { return "capture" }

func (c *capturingSubscriber) OnOrderSubmitted(_ context.Context, event ordersubmitted.Event) error {
	c.events = append(c.events, event)
	return nil
}

func TestSubmitOrderFlowsThroughOutboxToSubscribers(t *testing.T) {
	f := newRelayFixture(t)
	ctx := context.Background()

	processor, err := orders.NewService(orders.NewRepository(f.conn), f.logg)
	require.NoError(t, err)
	commandConsumer, err := submitorder.NewConsumer(submitorder.Params{
		Tx:        f.client,
		Processor: processor,
		Outbox:    f.outbox,
		Logger:    f.logg,
	})
	require.NoError(t, err)
	commands := messaging.NewRouter("commands", f.logg, nil)
	require.NoError(t, commands.Register(enums.KindSubmitOrder, commandConsumer.Handle))

	capture := &capturingSubscriber{}
	eventConsumer, err := ordersubmitted.NewConsumer(capture, &memoryIdempotency{}, f.logg, time.Second)
	require.NoError(t, err)
	events := messaging.NewRouter(capture.Name(), f.logg, nil)
	require.NoError(t, events.Register(enums.KindOrderSubmitted, eventConsumer.Handle))
	eventQueue := f.broker.EventQueue(capture.Name())

	env, err := messaging.NewEnvelope(enums.KindSubmitOrder, payloads.SubmitOrder{OrderID: "O1", UserID: "U1"}, time.Now())
	require.NoError(t, err)
	cmd, err := env.Message(messaging.DestinationCommands)
	require.NoError(t, err)
	require.NoError(t, f.broker.Publish(ctx, cmd))
	// the same command delivered twice must not create a second order or event
	require.NoError(t, f.broker.Publish(ctx, cmd))

	require.Equal(t, 2, f.broker.CommandQueue().Drain(ctx, commands.Handle))
	assert.Empty(t, f.broker.DeadLetters())

	processed, err := f.service.processBatch(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	require.Equal(t, 1, eventQueue.Drain(ctx, events.Handle))
	require.Len(t, capture.events, 1)
	event := capture.events[0]
	assert.Equal(t, "O1", event.OrderID)
	assert.Equal(t, "U1", event.UserID)
	assert.Equal(t, "EUR", event.Currency)
	assert.Equal(t, "1", event.Amount.String())
	assert.False(t, event.Timestamp.IsZero())

	var count int64
	require.NoError(t, f.conn.Model(&models.Order{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
	require.NoError(t, f.conn.Model(&models.OutboxRecord{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)

	// a relay re-send of the same record is absorbed by the subscriber
	published := f.broker.PublishedTo(messaging.DestinationEvents)
	require.Len(t, published, 1)
	eventQueue.Inject(messaging.Delivery{Message: published[0], Redelivered: true})
	require.Equal(t, 1, eventQueue.Drain(ctx, events.Handle))
	assert.Len(t, capture.events, 1)
}

type stubDB struct {
	pingErr error
}

func (s stubDB) Ping(context.Context) error { return s.pingErr }

func (s stubDB) WithTx(context.Context, func(tx *gorm.DB) error) error {
	return errors.New("unexpected transaction")
}

type idleRepo struct {
	mu     sync.Mutex
	claims int
}

func (r *idleRepo) ClaimPending(context.Context, string, int, time.Duration, time.Time) ([]models.OutboxRecord, error) {
	r.mu.Lock()
	r.claims++
	r.mu.Unlock()
	return nil, nil
}

func (r *idleRepo) MarkSent(context.Context, uuid.UUID, string, time.Time) error { return nil }

func (r *idleRepo) MarkFailed(context.Context, uuid.UUID, string, error, time.Time) error {
	return nil
}

func (r *idleRepo) MarkDeadTx(*gorm.DB, uuid.UUID, error) error { return nil }

func (r *idleRepo) CountByStatus(context.Context) (map[enums.OutboxStatus]int64, error) {
	return nil, nil
}

func (r *idleRepo) Claims() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.claims
}

type noopDLQ struct{}

func (noopDLQ) InsertTx(*gorm.DB, models.OutboxDLQ) error { return nil }

func newStubService(t *testing.T, database dbClient, broker brokerClient, repo outboxRepository) *Service {
	t.Helper()
	cfg := &config.Config{}
	cfg.Outbox.PollIntervalMS = 10
	service, err := NewService(ServiceParams{
		Config:        cfg,
		Logger:        logger.New(logger.Options{ServiceName: "relay-test", Output: io.Discard}),
		DB:            database,
		Broker:        broker,
		Repository:    repo,
		Registry:      registry.NewEventRegistry(),
		DLQRepository: noopDLQ{},
	})
	require.NoError(t, err)
	return service
}

func TestRunStopsOnCancelWithoutLeaks(t *testing.T) {
	defer goleak.VerifyNone(t)

	repo := &idleRepo{}
	service := newStubService(t, stubDB{}, messagingtest.NewBroker(), repo)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- service.Run(ctx) }()

	require.Eventually(t, func() bool { return repo.Claims() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop after cancel")
	}
}

func TestRunRefusesToStartWhenDependencyIsDown(t *testing.T) {
	repo := &idleRepo{}

	service := newStubService(t, stubDB{pingErr: errors.New("db down")}, messagingtest.NewBroker(), repo)
	err := service.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database ping failed")

	closed := messagingtest.NewBroker()
	require.NoError(t, closed.Close())
	service = newStubService(t, stubDB{}, closed, repo)
	err = service.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker ping failed")

	assert.Zero(t, repo.Claims())
}

func TestRecordBackoff(t *testing.T) {
	base := 100 * time.Millisecond
	assert.Equal(t, base, recordBackoff(1, base, time.Second))
	assert.Equal(t, 200*time.Millisecond, recordBackoff(2, base, time.Second))
	assert.Equal(t, 400*time.Millisecond, recordBackoff(3, base, time.Second))
	assert.Equal(t, time.Second, recordBackoff(10, base, time.Second))
	assert.Equal(t, time.Second, recordBackoff(1000, base, time.Second))
}

func TestNextBackoff(t *testing.T) {
	assert.Equal(t, 2*time.Second, nextBackoff(time.Second, time.Second, 10*time.Second))
	assert.Equal(t, 10*time.Second, nextBackoff(8*time.Second, time.Second, 10*time.Second))
	assert.Equal(t, 2*time.Second, nextBackoff(0, time.Second, 10*time.Second))
}

func TestNewServiceValidatesParams(t *testing.T) {
	_, err := NewService(ServiceParams{})
	assert.Error(t, err)
}
