package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	cbigquery "cloud.google.com/go/bigquery"

	"github.com/Genocs/genocs-library-template/internal/consumers/ordersubmitted"
	pkgerrors "github.com/Genocs/genocs-library-template/pkg/errors"
	"github.com/Genocs/genocs-library-template/pkg/logger"
)

// SubscriberName selects the analytics queue and idempotency scope.
const SubscriberName = "order-analytics"

type tableInserter interface {
	Put(ctx context.Context, rows []cbigquery.ValueSaver) error
}

// Subscriber streams submitted orders into BigQuery.
type Subscriber struct {
	client tableInserter
	logg   *logger.Logger
}

var _ ordersubmitted.Subscriber = (*Subscriber)(nil)

// NewSubscriber builds the analytics subscriber.
func NewSubscriber(client tableInserter, logg *logger.Logger) (*Subscriber, error) {
	if client == nil {
		return nil, fmt.Errorf("bigquery client required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &Subscriber{client: client, logg: logg}, nil
}

func (s *Subscriber) Name() string { return SubscriberName }

// OnOrderSubmitted inserts one row per event keyed by the message id, so a
// redelivery within BigQuery's dedup window is dropped. A row rejected by the
// table schema is dead-lettered; transport failures are retried.
func (s *Subscriber) OnOrderSubmitted(ctx context.Context, event ordersubmitted.Event) error {
	row, err := buildRow(event)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeMalformed, err, "build order row")
	}
	saver := &cbigquery.StructSaver{Struct: row, InsertID: row.EventID}
	if err := s.client.Put(ctx, []cbigquery.ValueSaver{saver}); err != nil {
		s.logg.Error(ctx, "failed to insert order row", err)
		var rowErrs cbigquery.PutMultiError
		if errors.As(err, &rowErrs) {
			return pkgerrors.Wrap(pkgerrors.CodeMalformed, err, "order row rejected")
		}
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "insert order row")
	}
	s.logg.Info(ctx, "order event ingested")
	return nil
}

type orderSubmittedRow struct {
	EventID     string             `bigquery:"event_id"`
	OrderID     string             `bigquery:"order_id"`
	UserID      string             `bigquery:"user_id"`
	Amount      string             `bigquery:"amount"`
	Currency    string             `bigquery:"currency"`
	BasketSize  int                `bigquery:"basket_size"`
	SubmittedAt time.Time          `bigquery:"submitted_at"`
	OccurredAt  time.Time          `bigquery:"occurred_at"`
	Basket      cbigquery.NullJSON `bigquery:"basket"`
}

// buildRow leaves out the card token.
func buildRow(event ordersubmitted.Event) (*orderSubmittedRow, error) {
	basket := cbigquery.NullJSON{}
	if len(event.Basket) > 0 {
		raw, err := json.Marshal(event.Basket)
		if err != nil {
			return nil, fmt.Errorf("encode basket: %w", err)
		}
		basket.Valid = true
		basket.JSONVal = string(raw)
	}

	return &orderSubmittedRow{
		EventID:     event.MessageID.String(),
		OrderID:     event.OrderID,
		UserID:      event.UserID,
		Amount:      event.Amount.String(),
		Currency:    event.Currency,
		BasketSize:  len(event.Basket),
		SubmittedAt: event.Timestamp.UTC(),
		OccurredAt:  event.OccurredAt.UTC(),
		Basket:      basket,
	}, nil
}
