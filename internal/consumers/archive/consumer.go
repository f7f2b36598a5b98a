package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Genocs/genocs-library-template/internal/consumers/ordersubmitted"
	pkgerrors "github.com/Genocs/genocs-library-template/pkg/errors"
	"github.com/Genocs/genocs-library-template/pkg/logger"
	"github.com/Genocs/genocs-library-template/pkg/messaging/payloads"
	"github.com/Genocs/genocs-library-template/pkg/storage/gcs"
)

// SubscriberName selects the archive queue and idempotency scope.
const SubscriberName = "order-archive"

const contentType = "application/json"

type objectWriter interface {
	Upload(ctx context.Context, object, contentType string, body []byte) error
}

// Subscriber writes every submitted order to object storage as one JSON
// document per event.
type Subscriber struct {
	writer objectWriter
	prefix string
	logg   *logger.Logger
}

var _ ordersubmitted.Subscriber = (*Subscriber)(nil)

func NewSubscriber(writer objectWriter, prefix string, logg *logger.Logger) (*Subscriber, error) {
	if writer == nil {
		return nil, fmt.Errorf("object writer required")
	}
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	return &Subscriber{writer: writer, prefix: strings.Trim(strings.TrimSpace(prefix), "/"), logg: logg}, nil
}

func (s *Subscriber) Name() string { return SubscriberName }

// OnOrderSubmitted uploads the event. Object names derive from the message id,
// so a redelivery finds its object already written and succeeds.
func (s *Subscriber) OnOrderSubmitted(ctx context.Context, event ordersubmitted.Event) error {
	body, err := json.Marshal(newDocument(event))
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeMalformed, err, "encode archived order")
	}

	object := ObjectName(s.prefix, event)
	ctx = s.logg.WithField(ctx, "object", object)

	err = s.writer.Upload(ctx, object, contentType, body)
	switch {
	case errors.Is(err, gcs.ErrObjectExists):
		s.logg.Info(ctx, "order already archived")
		return nil
	case err != nil:
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "upload archived order")
	}
	s.logg.Info(ctx, "order archived")
	return nil
}

// ObjectName partitions archived orders by submission day.
func ObjectName(prefix string, event ordersubmitted.Event) string {
	submitted := event.Timestamp
	if submitted.IsZero() {
		submitted = event.OccurredAt
	}
	submitted = submitted.UTC()
	name := path.Join(
		submitted.Format("2006/01/02"),
		url.PathEscape(event.OrderID),
		event.MessageID.String()+".json",
	)
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}

// document leaves out the card token.
type document struct {
	MessageID  string             `json:"messageId"`
	OccurredAt time.Time          `json:"occurredAt"`
	OrderID    string             `json:"orderId"`
	UserID     string             `json:"userId"`
	Timestamp  time.Time          `json:"timestamp"`
	Amount     decimal.Decimal    `json:"amount"`
	Currency   string             `json:"currency"`
	Basket     []payloads.Product `json:"basket,omitempty"`
}

func newDocument(event ordersubmitted.Event) document {
	return document{
		MessageID:  event.MessageID.String(),
		OccurredAt: event.OccurredAt.UTC(),
		OrderID:    event.OrderID,
		UserID:     event.UserID,
		Timestamp:  event.Timestamp.UTC(),
		Amount:     event.Amount,
		Currency:   event.Currency,
		Basket:     event.Basket,
	}
}
