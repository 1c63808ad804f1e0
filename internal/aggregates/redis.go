package aggregates

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/angelmondragon/pulse-engine/pkg/enums"
	"github.com/angelmondragon/pulse-engine/pkg/redis"
)

type aggregateClient interface {
	PutAggregate(ctx context.Context, aggregateType, key string, record redis.AggregateRecord, ttl time.Duration) (bool, error)
	GetAggregate(ctx context.Context, aggregateType, key string) (redis.AggregateRecord, error)
	AggregateKeys(ctx context.Context, aggregateType string) ([]string, error)
}

// RedisStore keeps each snapshot in a hash and indexes keys per type. The
// compare-and-set runs as one Lua call.
type RedisStore struct {
	client aggregateClient
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) Get(ctx context.Context, t enums.AggregateType, key string) (Snapshot, error) {
	record, err := s.client.GetAggregate(ctx, string(t), key)
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Snapshot{}, ErrNotFound
		}
		return Snapshot{}, fmt.Errorf("get %s %s: %w", t, key, err)
	}
	return Snapshot{
		Type:       t,
		Key:        key,
		RunID:      record.RunID,
		ComputedAt: time.UnixMicro(record.ComputedAtMicros).UTC(),
		Payload:    record.Payload,
	}, nil
}

func (s *RedisStore) Put(ctx context.Context, snap Snapshot) (bool, error) {
	if err := snap.validate(); err != nil {
		return false, err
	}
	snap = snap.normalize()
	applied, err := s.client.PutAggregate(ctx, string(snap.Type), snap.Key, redis.AggregateRecord{
		ComputedAtMicros: snap.ComputedAt.UnixMicro(),
		RunID:            snap.RunID,
		Payload:          snap.Payload,
	}, s.ttl)
	if err != nil {
		return false, fmt.Errorf("put %s %s: %w", snap.Type, snap.Key, err)
	}
	return applied, nil
}

// List reads every indexed key; keys whose hash expired are skipped.
func (s *RedisStore) List(ctx context.Context, t enums.AggregateType) ([]Snapshot, error) {
	keys, err := s.client.AggregateKeys(ctx, string(t))
	if err != nil {
		return nil, fmt.Errorf("list %s keys: %w", t, err)
	}
	out := make([]Snapshot, 0, len(keys))
	for _, key := range keys {
		snap, err := s.Get(ctx, t, key)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	sortSnapshots(out)
	return out, nil
}
