package messaging

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Genocs/genocs-library-template/pkg/enums"
	"github.com/Genocs/genocs-library-template/pkg/logger"
)

// DeliveryRecorder observes handled deliveries.
type DeliveryRecorder interface {
	ObserveDelivery(subscription string, kind enums.MessageKind, outcome Outcome, duration time.Duration)
}

// Router dispatches deliveries to the handler registered for their kind.
// Kinds without a handler are dead-lettered.
type Router struct {
	name     string
	mu       sync.RWMutex
	handlers map[enums.MessageKind]Handler
	logg     *logger.Logger
	recorder DeliveryRecorder
}

// NewRouter builds an empty router; name labels logs and metrics.
func NewRouter(name string, logg *logger.Logger, recorder DeliveryRecorder) *Router {
	return &Router{
		name:     name,
		handlers: make(map[enums.MessageKind]Handler),
		logg:     logg,
		recorder: recorder,
	}
}

// Register binds h to kind. Registering the same kind twice is a wiring bug.
func (r *Router) Register(kind enums.MessageKind, h Handler) error {
	if !kind.IsValid() {
		return fmt.Errorf("unknown message kind %q", kind)
	}
	if h == nil {
		return fmt.Errorf("nil handler for %s", kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[kind]; exists {
		return fmt.Errorf("handler already registered for %s", kind)
	}
	r.handlers[kind] = h
	return nil
}

// Kinds lists the registered kinds in stable order.
func (r *Router) Kinds() []enums.MessageKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]enums.MessageKind, 0, len(r.handlers))
	for kind := range r.handlers {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Handle implements Handler.
func (r *Router) Handle(ctx context.Context, d Delivery) (outcome Outcome) {
	started := time.Now()
	kind := resolveKind(d)

	if r.logg != nil {
		fields := map[string]any{
			"subscription": r.name,
			"message_id":   d.ID,
			"kind":         kind,
			"redelivered":  d.Redelivered,
		}
		if reqID := d.Attributes[AttrRequestID]; reqID != "" {
			fields["request_id"] = reqID
		}
		ctx = r.logg.WithFields(ctx, fields)
	}

	defer func() {
		if rec := recover(); rec != nil {
			if r.logg != nil {
				r.logg.Error(ctx, "handler panicked", fmt.Errorf("%v", rec))
			}
			outcome = Retry
		}
		if r.recorder != nil {
			r.recorder.ObserveDelivery(r.name, kind, outcome, time.Since(started))
		}
	}()

	r.mu.RLock()
	h, ok := r.handlers[kind]
	r.mu.RUnlock()
	if !ok {
		if r.logg != nil {
			r.logg.Warn(ctx, "no handler registered for message kind")
		}
		return DeadLetter
	}

	return h(ctx, d)
}

func resolveKind(d Delivery) enums.MessageKind {
	if d.Kind != "" {
		return d.Kind
	}
	if raw, ok := d.Attributes[AttrKind]; ok && raw != "" {
		return enums.MessageKind(raw)
	}
	if env, err := DecodeEnvelope(d.Body); err == nil {
		return env.Kind
	}
	return ""
}
