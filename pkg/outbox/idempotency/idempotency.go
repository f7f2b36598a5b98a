// Package idempotency remembers which event message ids each subscriber has
// already handled, so broker redeliveries and relay re-publishes are skipped.
package idempotency

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const scopePrefix = "event"

// Store is the subset of the Redis client the manager needs.
type Store interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	IdempotencyKey(scope, id string) string
}

// Manager marks (subscriber, message id) pairs as processed for ttl. A zero
// ttl keeps marks forever.
type Manager struct {
	store Store
	ttl   time.Duration
	now   func() time.Time
}

func NewManager(store Store, ttl time.Duration) (*Manager, error) {
	if store == nil {
		return nil, errors.New("idempotency store is required")
	}
	if ttl < 0 {
		return nil, errors.New("ttl must be non-negative")
	}
	return &Manager{store: store, ttl: ttl, now: time.Now}, nil
}

// CheckAndMarkProcessed reports whether subscriber already handled
// messageID. When it did not, the pair is marked in the same round trip.
func (m *Manager) CheckAndMarkProcessed(ctx context.Context, subscriber string, messageID uuid.UUID) (bool, error) {
	key, err := m.key(subscriber, messageID)
	if err != nil {
		return false, err
	}
	marked, err := m.store.SetNX(ctx, key, strconv.FormatInt(m.now().Unix(), 10), m.ttl)
	if err != nil {
		return false, err
	}
	return !marked, nil
}

// Delete clears the mark so the next redelivery is handled again.
func (m *Manager) Delete(ctx context.Context, subscriber string, messageID uuid.UUID) error {
	key, err := m.key(subscriber, messageID)
	if err != nil {
		return err
	}
	return m.store.Del(ctx, key)
}

func (m *Manager) key(subscriber string, messageID uuid.UUID) (string, error) {
	subscriber = strings.TrimSpace(subscriber)
	if subscriber == "" {
		return "", errors.New("subscriber name is required")
	}
	if messageID == uuid.Nil {
		return "", errors.New("message id is required")
	}
	return m.store.IdempotencyKey(scopePrefix+":"+subscriber, messageID.String()), nil
}
