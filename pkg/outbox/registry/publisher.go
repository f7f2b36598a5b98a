package registry

import (
	"fmt"

	"github.com/Genocs/genocs-library-template/pkg/db/models"
	"github.com/Genocs/genocs-library-template/pkg/enums"
	"github.com/Genocs/genocs-library-template/pkg/messaging"
	"github.com/Genocs/genocs-library-template/pkg/messaging/payloads"
)

// EventDescriptor links a message kind to its aggregate, destination and payload schema.
type EventDescriptor struct {
	Kind           enums.MessageKind
	AggregateType  enums.OutboxAggregateType
	Destination    messaging.Destination
	PayloadFactory func() interface{}
}

// ResolvedEvent is the result of decoding an outbox row.
type ResolvedEvent struct {
	Descriptor EventDescriptor
	Envelope   messaging.Envelope
	Payload    interface{}
}

// Message builds the transport message for the resolved row.
func (r *ResolvedEvent) Message(body []byte) messaging.Message {
	return messaging.Message{
		ID:          r.Envelope.MessageID,
		Kind:        r.Descriptor.Kind,
		Destination: r.Descriptor.Destination,
		Body:        body,
		Attributes: map[string]string{
			messaging.AttrMessageID: r.Envelope.MessageID,
			messaging.AttrKind:      r.Descriptor.Kind.String(),
		},
	}
}

// EventRegistry maps each publishable kind to its descriptor.
type EventRegistry struct {
	entries map[enums.MessageKind]EventDescriptor
}

// NonRetryableError signals the relay should stop retrying a row.
type NonRetryableError struct {
	Reason enums.OutboxDLQErrorReason
	Err    error
}

// Error implements error.
func (e NonRetryableError) Error() string {
	if e.Err == nil {
		return "non-retryable error"
	}
	return e.Err.Error()
}

// Unwrap exposes the wrapped error.
func (e NonRetryableError) Unwrap() error {
	return e.Err
}

// NewEventRegistry builds the registry of kinds the outbox may carry.
func NewEventRegistry() *EventRegistry {
	reg := &EventRegistry{entries: make(map[enums.MessageKind]EventDescriptor)}
	for _, desc := range []EventDescriptor{
		{
			Kind:           enums.KindOrderSubmitted,
			AggregateType:  enums.AggregateOrder,
			Destination:    messaging.DestinationEvents,
			PayloadFactory: func() interface{} { return &payloads.OrderSubmitted{} },
		},
		{
			Kind:           enums.KindOrderUpdated,
			AggregateType:  enums.AggregateOrder,
			Destination:    messaging.DestinationEvents,
			PayloadFactory: func() interface{} { return &payloads.OrderUpdated{} },
		},
	} {
		reg.register(desc)
	}
	return reg
}

func (r *EventRegistry) register(desc EventDescriptor) {
	if desc.PayloadFactory == nil {
		return
	}
	r.entries[desc.Kind] = desc
}

// Descriptor returns the descriptor registered for kind.
func (r *EventRegistry) Descriptor(kind enums.MessageKind) (EventDescriptor, bool) {
	desc, ok := r.entries[kind]
	return desc, ok
}

// Resolve validates the row and decodes its typed payload.
func (r *EventRegistry) Resolve(record models.OutboxRecord) (*ResolvedEvent, error) {
	desc, ok := r.entries[record.Kind]
	if !ok {
		return nil, newNonRetryable(enums.OutboxDLQReasonUnknownKind, fmt.Errorf("unsupported kind %s", record.Kind))
	}
	if desc.AggregateType != record.AggregateType {
		return nil, newNonRetryable(enums.OutboxDLQReasonRecordMismatch, fmt.Errorf("aggregate mismatch: expected %s got %s", desc.AggregateType, record.AggregateType))
	}
	if record.AggregateID == "" {
		return nil, newNonRetryable(enums.OutboxDLQReasonRecordMismatch, fmt.Errorf("missing aggregate_id"))
	}
	if record.Destination != "" && messaging.Destination(record.Destination) != desc.Destination {
		return nil, newNonRetryable(enums.OutboxDLQReasonRecordMismatch, fmt.Errorf("destination mismatch: expected %s got %s", desc.Destination, record.Destination))
	}

	envelope, err := messaging.DecodeEnvelope([]byte(record.Payload))
	if err != nil {
		return nil, newNonRetryable(enums.OutboxDLQReasonMalformedPayload, err)
	}
	if envelope.Kind != record.Kind {
		return nil, newNonRetryable(enums.OutboxDLQReasonRecordMismatch, fmt.Errorf("envelope kind %s does not match row kind %s", envelope.Kind, record.Kind))
	}
	if envelope.MessageID != record.ID.String() {
		return nil, newNonRetryable(enums.OutboxDLQReasonRecordMismatch, fmt.Errorf("envelope message id %s does not match row id %s", envelope.MessageID, record.ID))
	}

	payload := desc.PayloadFactory()
	if err := envelope.DecodeData(payload); err != nil {
		return nil, newNonRetryable(enums.OutboxDLQReasonMalformedPayload, err)
	}

	return &ResolvedEvent{
		Descriptor: desc,
		Envelope:   envelope,
		Payload:    payload,
	}, nil
}

// NewNonRetryableError wraps an error to signal no retries.
func NewNonRetryableError(err error) NonRetryableError {
	return newNonRetryable(enums.OutboxDLQReasonNonRetryable, err)
}

func newNonRetryable(reason enums.OutboxDLQErrorReason, err error) NonRetryableError {
	return NonRetryableError{Reason: reason, Err: err}
}
