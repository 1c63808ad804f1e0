package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/pulse-engine/pkg/redis"
)

// Manager tracks processed compute requests per consumer using Redis SETNX with a TTL.
// Keys follow the `pulse:idempotency:req:processed:<consumer>:<request_id>` pattern.
type Manager struct {
	store redis.IdempotencyStore
	ttl   time.Duration
}

// NewManager builds an idempotency guard that marks requests as processed for the given TTL.
func NewManager(store redis.IdempotencyStore, ttl time.Duration) (*Manager, error) {
	if store == nil {
		return nil, errors.New("idempotency store is required")
	}
	if ttl < 0 {
		return nil, errors.New("ttl must be non-negative")
	}
	return &Manager{
		store: store,
		ttl:   ttl,
	}, nil
}

// CheckAndMarkProcessed returns true if the request has already been processed and
// otherwise marks it as processed with the configured TTL.
func (m *Manager) CheckAndMarkProcessed(ctx context.Context, consumer string, requestID uuid.UUID) (bool, error) {
	key, err := m.processedKey(consumer, requestID)
	if err != nil {
		return false, err
	}
	set, err := m.store.SetNX(ctx, key, "1", m.ttl)
	if err != nil {
		return false, err
	}
	return !set, nil
}

// Delete clears the processed mark so a redelivery is handled again.
func (m *Manager) Delete(ctx context.Context, consumer string, requestID uuid.UUID) error {
	key, err := m.processedKey(consumer, requestID)
	if err != nil {
		return err
	}
	return m.store.Del(ctx, key)
}

func (m *Manager) processedKey(consumer string, requestID uuid.UUID) (string, error) {
	if consumer == "" {
		return "", errors.New("consumer name is required")
	}
	if requestID == uuid.Nil {
		return "", errors.New("request id is required")
	}
	scope := fmt.Sprintf("req:processed:%s", consumer)
	return m.store.IdempotencyKey(scope, requestID.String()), nil
}
