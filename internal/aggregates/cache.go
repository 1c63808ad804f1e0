// Package aggregates stores the latest committed snapshot of every aggregate
// key. Writers race freely; the newest ComputedAt wins.
package aggregates

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/angelmondragon/pulse-engine/pkg/config"
	"github.com/angelmondragon/pulse-engine/pkg/db"
	"github.com/angelmondragon/pulse-engine/pkg/enums"
	"github.com/angelmondragon/pulse-engine/pkg/pagination"
	"github.com/angelmondragon/pulse-engine/pkg/redis"
)

// ErrNotFound is returned when no snapshot is committed for a key.
var ErrNotFound = errors.New("aggregate not found")

// Snapshot is one committed aggregate. Payload is the JSON encoded record.
type Snapshot struct {
	Type       enums.AggregateType
	Key        string
	RunID      string
	ComputedAt time.Time
	Payload    []byte
}

func (s Snapshot) validate() error {
	switch {
	case !s.Type.IsValid():
		return fmt.Errorf("invalid aggregate type %q", s.Type)
	case strings.TrimSpace(s.Key) == "":
		return errors.New("aggregate key is required")
	case s.ComputedAt.IsZero():
		return errors.New("aggregate computed_at is required")
	case len(s.Payload) == 0:
		return errors.New("aggregate payload is required")
	}
	return nil
}

// normalize pins the precision every backend can store.
func (s Snapshot) normalize() Snapshot {
	s.ComputedAt = s.ComputedAt.UTC().Truncate(time.Microsecond)
	s.Payload = append([]byte(nil), s.Payload...)
	return s
}

// Cache is the aggregate store. Put reports false, without error, when a
// newer snapshot is already committed for the key.
type Cache interface {
	Get(ctx context.Context, t enums.AggregateType, key string) (Snapshot, error)
	Put(ctx context.Context, snap Snapshot) (bool, error)
	List(ctx context.Context, t enums.AggregateType) ([]Snapshot, error)
}

// New selects the backend named by cfg.Cache.Backend.
func New(cfg *config.Config, redisClient *redis.Client, dbClient *db.Client) (Cache, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Cache.Backend)) {
	case config.CacheBackendRedis:
		if redisClient == nil {
			return nil, errors.New("redis cache backend needs a redis client")
		}
		return NewRedisStore(redisClient, cfg.Cache.TTL), nil
	case config.CacheBackendSQL:
		if dbClient == nil {
			return nil, errors.New("sql cache backend needs a db client")
		}
		return NewSQLStore(dbClient), nil
	case config.CacheBackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Cache.Backend)
	}
}

// sortSnapshots orders newest first, then by key.
func sortSnapshots(snaps []Snapshot) {
	sort.Slice(snaps, func(i, j int) bool {
		return pagination.Less(snaps[i].ComputedAt, snaps[i].Key, snaps[j].ComputedAt, snaps[j].Key)
	})
}
