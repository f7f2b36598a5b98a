// Package messagingtest provides an in-memory transport for tests.
package messagingtest

import (
	"context"
	"errors"
	"sync"

	"github.com/Genocs/genocs-library-template/pkg/messaging"
)

// ErrClosed is returned by operations on a closed broker.
var ErrClosed = errors.New("broker closed")

// Broker is an in-memory messaging.Transport. Commands land on a single
// competing queue; events fan out to every queue opened with EventSubscriber.
type Broker struct {
	mu          sync.Mutex
	published   []messaging.Message
	deadLetters []messaging.Delivery
	failures    []error
	commands    *Queue
	events      map[string]*Queue
	done        chan struct{}
	closed      bool
}

var _ messaging.Transport = (*Broker)(nil)

func NewBroker() *Broker {
	b := &Broker{
		events: make(map[string]*Queue),
		done:   make(chan struct{}),
	}
	b.commands = newQueue(b, string(messaging.DestinationCommands))
	return b
}

// FailNext makes the next n publishes fail with err.
func (b *Broker) FailNext(n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := 0; i < n; i++ {
		b.failures = append(b.failures, err)
	}
}

func (b *Broker) Publish(ctx context.Context, msg messaging.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if len(b.failures) > 0 {
		err := b.failures[0]
		b.failures = b.failures[1:]
		b.mu.Unlock()
		return err
	}
	msg = cloneMessage(msg)
	b.published = append(b.published, msg)

	var targets []*Queue
	switch msg.Destination {
	case messaging.DestinationCommands:
		targets = append(targets, b.commands)
	case messaging.DestinationEvents:
		for _, q := range b.events {
			targets = append(targets, q)
		}
	}
	b.mu.Unlock()

	for _, q := range targets {
		q.push(messaging.Delivery{Message: cloneMessage(msg), Attempt: 1})
	}
	return nil
}

func (b *Broker) CommandSubscriber() (messaging.Subscriber, error) {
	return b.CommandQueue(), nil
}

func (b *Broker) EventSubscriber(name string) (messaging.Subscriber, error) {
	if name == "" {
		return nil, errors.New("subscriber name required")
	}
	return b.EventQueue(name), nil
}

// CommandQueue exposes the command queue for direct draining.
func (b *Broker) CommandQueue() *Queue {
	return b.commands
}

// EventQueue returns the queue bound for name, creating it on first use.
// Events published before the queue exists are not delivered to it.
func (b *Broker) EventQueue(name string) *Queue {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.events[name]
	if !ok {
		q = newQueue(b, name)
		b.events[name] = q
	}
	return q
}

// Published returns every accepted message in publish order.
func (b *Broker) Published() []messaging.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]messaging.Message, len(b.published))
	copy(out, b.published)
	return out
}

// PublishedTo filters Published by destination.
func (b *Broker) PublishedTo(dest messaging.Destination) []messaging.Message {
	var out []messaging.Message
	for _, msg := range b.Published() {
		if msg.Destination == dest {
			out = append(out, msg)
		}
	}
	return out
}

// DeadLetters returns deliveries a handler dead-lettered.
func (b *Broker) DeadLetters() []messaging.Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]messaging.Delivery, len(b.deadLetters))
	copy(out, b.deadLetters)
	return out
}

func (b *Broker) Ping(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.done)
	}
	return nil
}

func (b *Broker) deadLetter(d messaging.Delivery) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deadLetters = append(b.deadLetters, d)
}

// Queue holds deliveries for one subscription.
type Queue struct {
	name   string
	broker *Broker
	mu     sync.Mutex
	items  []messaging.Delivery
	notify chan struct{}
}

func newQueue(b *Broker, name string) *Queue {
	return &Queue{name: name, broker: b, notify: make(chan struct{}, 1)}
}

// Name returns the subscription name.
func (q *Queue) Name() string {
	return q.name
}

// Len returns the number of deliveries waiting.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Receive handles deliveries until ctx is canceled or the broker closes.
func (q *Queue) Receive(ctx context.Context, h messaging.Handler) error {
	for {
		d, ok := q.pop()
		if ok {
			q.settle(d, h(ctx, d))
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-q.broker.done:
			return nil
		case <-q.notify:
		}
	}
}

// Drain handles every delivery queued at call time once and returns how many
// were handled. Retried deliveries are requeued for a later pass.
func (q *Queue) Drain(ctx context.Context, h messaging.Handler) int {
	q.mu.Lock()
	batch := q.items
	q.items = nil
	q.mu.Unlock()

	for _, d := range batch {
		q.settle(d, h(ctx, d))
	}
	return len(batch)
}

// Inject enqueues a raw delivery, bypassing Publish.
func (q *Queue) Inject(d messaging.Delivery) {
	if d.Attempt == 0 {
		d.Attempt = 1
	}
	q.push(d)
}

func (q *Queue) settle(d messaging.Delivery, outcome messaging.Outcome) {
	switch outcome {
	case messaging.Ack:
	case messaging.Retry:
		d.Redelivered = true
		d.Attempt++
		q.push(d)
	default:
		q.broker.deadLetter(d)
	}
}

func (q *Queue) push(d messaging.Delivery) {
	q.mu.Lock()
	q.items = append(q.items, d)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *Queue) pop() (messaging.Delivery, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return messaging.Delivery{}, false
	}
	d := q.items[0]
	q.items = q.items[1:]
	return d, true
}

func cloneMessage(msg messaging.Message) messaging.Message {
	body := make([]byte, len(msg.Body))
	copy(body, msg.Body)
	msg.Body = body
	if msg.Attributes != nil {
		attrs := make(map[string]string, len(msg.Attributes))
		for k, v := range msg.Attributes {
			attrs[k] = v
		}
		msg.Attributes = attrs
	}
	return msg
}
