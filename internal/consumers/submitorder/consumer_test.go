package submitorder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/Genocs/genocs-library-template/internal/orders"
	"github.com/Genocs/genocs-library-template/pkg/db"
	"github.com/Genocs/genocs-library-template/pkg/db/models"
	"github.com/Genocs/genocs-library-template/pkg/enums"
	"github.com/Genocs/genocs-library-template/pkg/logger"
	"github.com/Genocs/genocs-library-template/pkg/messaging"
	"github.com/Genocs/genocs-library-template/pkg/messaging/payloads"
	"github.com/Genocs/genocs-library-template/pkg/outbox"
)

type fixture struct {
	conn     *gorm.DB
	consumer *Consumer
}

func newFixture(t *testing.T, emitter eventEmitter) fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{SkipDefaultTransaction: true})
	require.NoError(t, err)
	sqlDB, err := conn.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, conn.AutoMigrate(&models.Order{}, &models.OutboxRecord{}))

	logg := logger.New(logger.Options{ServiceName: "test", Output: io.Discard})
	processor, err := orders.NewService(orders.NewRepository(conn), logg)
	require.NoError(t, err)
	if emitter == nil {
		emitter = outbox.NewService(outbox.NewRepository(conn), nil, logg)
	}
	consumer, err := NewConsumer(Params{
		Tx:             db.NewFromGorm(conn),
		Processor:      processor,
		Outbox:         emitter,
		Logger:         logg,
		HandlerTimeout: 5 * time.Second,
	})
	require.NoError(t, err)
	return fixture{conn: conn, consumer: consumer}
}

func (f fixture) counts(t *testing.T) (ordersCount, outboxCount int64) {
	t.Helper()
	require.NoError(t, f.conn.Model(&models.Order{}).Count(&ordersCount).Error)
	require.NoError(t, f.conn.Model(&models.OutboxRecord{}).Count(&outboxCount).Error)
	return ordersCount, outboxCount
}

func delivery(t *testing.T, kind enums.MessageKind, data any) messaging.Delivery {
	t.Helper()
	env, err := messaging.NewEnvelope(kind, data, time.Now())
	require.NoError(t, err)
	msg, err := env.Message(messaging.DestinationCommands)
	require.NoError(t, err)
	return messaging.Delivery{Message: msg, Attempt: 1}
}

type failingEmitter struct {
	calls int
}

func (f *failingEmitter) Emit(context.Context, *gorm.DB, outbox.DomainEvent) (*models.OutboxRecord, error) {
	f.calls++
	return nil, errors.New("outbox table unavailable")
}

func TestHandlePersistsOrderAndQueuesEvent(t *testing.T) {
	f := newFixture(t, nil)
	d := delivery(t, enums.KindSubmitOrder, payloads.SubmitOrder{
		OrderID: "O1",
		UserID:  "U1",
		Basket:  []payloads.Product{{SKU: "sku-1", Count: 2, Price: decimal.NewFromInt(3)}},
	})

	outcome := f.consumer.Handle(context.Background(), d)
	require.Equal(t, messaging.Ack, outcome)

	ordersCount, outboxCount := f.counts(t)
	assert.Equal(t, int64(1), ordersCount)
	assert.Equal(t, int64(1), outboxCount)

	var record models.OutboxRecord
	require.NoError(t, f.conn.First(&record).Error)
	assert.Equal(t, enums.KindOrderSubmitted, record.Kind)
	assert.Equal(t, "O1", record.AggregateID)
	assert.Equal(t, enums.OutboxStatusPending, record.Status)

	env, err := messaging.DecodeEnvelope([]byte(record.Payload))
	require.NoError(t, err)
	assert.Equal(t, record.ID.String(), env.MessageID)
	var event payloads.OrderSubmitted
	require.NoError(t, env.DecodeData(&event))
	assert.Equal(t, "O1", event.OrderID)
	assert.Equal(t, "U1", event.UserID)
	assert.Equal(t, "EUR", event.Currency)
	assert.True(t, event.Amount.Equal(decimal.NewFromInt(1)))
	assert.False(t, event.Timestamp.IsZero())
	require.Len(t, event.Basket, 1)
	assert.Equal(t, "sku-1", event.Basket[0].SKU)
}

func TestHandleRedeliveryIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	d := delivery(t, enums.KindSubmitOrder, payloads.SubmitOrder{OrderID: "O1", UserID: "U1"})

	require.Equal(t, messaging.Ack, f.consumer.Handle(context.Background(), d))
	d.Redelivered = true
	d.Attempt = 2
	require.Equal(t, messaging.Ack, f.consumer.Handle(context.Background(), d))

	ordersCount, outboxCount := f.counts(t)
	assert.Equal(t, int64(1), ordersCount)
	assert.Equal(t, int64(1), outboxCount)
}

func TestHandleOutboxFailureRollsBackOrder(t *testing.T) {
	emitter := &failingEmitter{}
	f := newFixture(t, emitter)
	d := delivery(t, enums.KindSubmitOrder, payloads.SubmitOrder{OrderID: "O1", UserID: "U1"})

	assert.Equal(t, messaging.Retry, f.consumer.Handle(context.Background(), d))
	assert.Equal(t, 1, emitter.calls)

	ordersCount, outboxCount := f.counts(t)
	assert.Zero(t, ordersCount)
	assert.Zero(t, outboxCount)
}

func TestHandleCanceledContextRetriesWithoutCommit(t *testing.T) {
	f := newFixture(t, nil)
	d := delivery(t, enums.KindSubmitOrder, payloads.SubmitOrder{OrderID: "O1", UserID: "U1"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, messaging.Retry, f.consumer.Handle(ctx, d))

	ordersCount, outboxCount := f.counts(t)
	assert.Zero(t, ordersCount)
	assert.Zero(t, outboxCount)
}

func TestHandleDeadLettersBadCommands(t *testing.T) {
	cases := []struct {
		name     string
		delivery func(t *testing.T) messaging.Delivery
	}{
		{
			name: "undecodable body",
			delivery: func(t *testing.T) messaging.Delivery {
				return messaging.Delivery{Message: messaging.Message{Body: []byte("not json")}}
			},
		},
		{
			name: "wrong kind",
			delivery: func(t *testing.T) messaging.Delivery {
				return delivery(t, enums.KindDeleteOrder, payloads.DeleteOrder{OrderID: "O1"})
			},
		},
		{
			name: "missing user id",
			delivery: func(t *testing.T) messaging.Delivery {
				return delivery(t, enums.KindSubmitOrder, payloads.SubmitOrder{OrderID: "O1"})
			},
		},
		{
			name: "empty basket line",
			delivery: func(t *testing.T) messaging.Delivery {
				return delivery(t, enums.KindSubmitOrder, payloads.SubmitOrder{
					OrderID: "O1",
					UserID:  "U1",
					Basket:  []payloads.Product{{SKU: "sku-1", Count: 0}},
				})
			},
		},
		{
			name: "unsupported currency",
			delivery: func(t *testing.T) messaging.Delivery {
				return delivery(t, enums.KindSubmitOrder, payloads.SubmitOrder{OrderID: "O1", UserID: "U1", Currency: "XYZ"})
			},
		},
		{
			name: "null payload",
			delivery: func(t *testing.T) messaging.Delivery {
				return delivery(t, enums.KindSubmitOrder, nil)
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, nil)
			assert.Equal(t, messaging.DeadLetter, f.consumer.Handle(context.Background(), tc.delivery(t)))

			ordersCount, outboxCount := f.counts(t)
			assert.Zero(t, ordersCount)
			assert.Zero(t, outboxCount)
		})
	}
}

func TestOutcomeFor(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, messaging.Ack, outcomeFor(ctx, nil))
	assert.Equal(t, messaging.Retry, outcomeFor(ctx, errors.New("connection reset")))
	assert.Equal(t, messaging.Retry, outcomeFor(ctx, fmt.Errorf("commit: %w", context.DeadlineExceeded)))

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	assert.Equal(t, messaging.Retry, outcomeFor(canceled, errors.New("anything")))
}

func TestNewConsumerRequiresDependencies(t *testing.T) {
	_, err := NewConsumer(Params{})
	assert.Error(t, err)
}
