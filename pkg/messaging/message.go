package messaging

import (
	"context"

	"github.com/Genocs/genocs-library-template/pkg/enums"
)

// Destination is the logical address a message is published to. Transports
// map it to an exchange or topic.
type Destination string

const (
	DestinationCommands Destination = "commands"
	DestinationEvents   Destination = "events"
)

// Attribute keys copied onto broker headers.
const (
	AttrMessageID = "message_id"
	AttrKind      = "kind"
	// AttrRequestID carries the HTTP request id that produced a command.
	AttrRequestID = "request_id"
)

// Message is a serialized envelope addressed to a destination.
type Message struct {
	ID          string
	Kind        enums.MessageKind
	Destination Destination
	Body        []byte
	Attributes  map[string]string
}

// Delivery is a message handed to a handler by a subscriber.
type Delivery struct {
	Message
	Redelivered bool
	// Attempt is 1 on first delivery when the transport tracks it, 0 otherwise.
	Attempt int
}

// Outcome tells the transport what to do with a delivery.
type Outcome int

const (
	// Ack removes the message from the queue.
	Ack Outcome = iota
	// Retry asks the broker to redeliver.
	Retry
	// DeadLetter parks the message without further attempts.
	DeadLetter
)

func (o Outcome) String() string {
	switch o {
	case Ack:
		return "ack"
	case Retry:
		return "retry"
	case DeadLetter:
		return "dead_letter"
	default:
		return "unknown"
	}
}

// Handler processes a single delivery.
type Handler func(ctx context.Context, d Delivery) Outcome

// Publisher sends a message and returns once the broker has accepted it.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Subscriber feeds deliveries to h until ctx is canceled.
type Subscriber interface {
	Receive(ctx context.Context, h Handler) error
}

// Transport is the broker surface a process wires against.
type Transport interface {
	Publisher
	// CommandSubscriber returns the single competing-consumer queue for commands.
	CommandSubscriber() (Subscriber, error)
	// EventSubscriber returns a queue dedicated to the named event subscriber.
	EventSubscriber(name string) (Subscriber, error)
	Ping(ctx context.Context) error
	Close() error
}
