package aggregates

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/angelmondragon/pulse-engine/internal/churn"
	"github.com/angelmondragon/pulse-engine/internal/funnels"
	"github.com/angelmondragon/pulse-engine/internal/segments"
	"github.com/angelmondragon/pulse-engine/pkg/config"
	"github.com/angelmondragon/pulse-engine/pkg/db"
	"github.com/angelmondragon/pulse-engine/pkg/db/models"
	"github.com/angelmondragon/pulse-engine/pkg/enums"
	"github.com/angelmondragon/pulse-engine/pkg/redis"
)

var t0 = time.Date(2025, 4, 1, 8, 0, 0, 123456789, time.UTC)

func snap(key, runID string, at time.Time, payload string) Snapshot {
	return Snapshot{Type: enums.AggregateSegment, Key: key, RunID: runID, ComputedAt: at, Payload: []byte(payload)}
}

func newSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{SkipDefaultTransaction: true})
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(&models.AggregateSnapshot{}))
	return NewSQLStore(db.Wrap(conn))
}

func stores(t *testing.T) map[string]Cache {
	return map[string]Cache{
		"memory": NewMemoryStore(),
		"sql":    newSQLStore(t),
		"redis":  &RedisStore{client: newFakeAggregateClient()},
	}
}

func TestCacheLastWriterWins(t *testing.T) {
	for name, cache := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			ok, err := cache.Put(ctx, snap("segment:pro", "run-2", t0, `{"size":2}`))
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = cache.Put(ctx, snap("segment:pro", "run-1", t0.Add(-time.Minute), `{"size":1}`))
			require.NoError(t, err)
			assert.False(t, ok, "older snapshot must be rejected")

			got, err := cache.Get(ctx, enums.AggregateSegment, "segment:pro")
			require.NoError(t, err)
			assert.Equal(t, "run-2", got.RunID)
			assert.JSONEq(t, `{"size":2}`, string(got.Payload))
			assert.True(t, got.ComputedAt.Equal(t0.Truncate(time.Microsecond)))

			ok, err = cache.Put(ctx, snap("segment:pro", "run-3", t0, `{"size":3}`))
			require.NoError(t, err)
			assert.True(t, ok, "equal timestamps let the last writer win")

			got, err = cache.Get(ctx, enums.AggregateSegment, "segment:pro")
			require.NoError(t, err)
			assert.Equal(t, "run-3", got.RunID)
		})
	}
}

func TestCacheGetMissing(t *testing.T) {
	for name, cache := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := cache.Get(context.Background(), enums.AggregateFunnel, "funnel:none")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestCacheListOrder(t *testing.T) {
	for name, cache := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i, key := range []string{"segment:b", "segment:a", "segment:c"} {
				at := t0
				if key == "segment:c" {
					at = t0.Add(time.Hour)
				}
				_, err := cache.Put(ctx, snap(key, fmt.Sprintf("run-%d", i), at, `{}`))
				require.NoError(t, err)
			}
			list, err := cache.List(ctx, enums.AggregateSegment)
			require.NoError(t, err)
			keys := []string{}
			for _, s := range list {
				keys = append(keys, s.Key)
			}
			assert.Equal(t, []string{"segment:c", "segment:a", "segment:b"}, keys)

			other, err := cache.List(ctx, enums.AggregateChurn)
			require.NoError(t, err)
			assert.Empty(t, other)
		})
	}
}

func TestCachePutValidates(t *testing.T) {
	cache := NewMemoryStore()
	bad := []Snapshot{
		{Type: "bogus", Key: "k", ComputedAt: t0, Payload: []byte("{}")},
		{Type: enums.AggregateChurn, ComputedAt: t0, Payload: []byte("{}")},
		{Type: enums.AggregateChurn, Key: "k", Payload: []byte("{}")},
		{Type: enums.AggregateChurn, Key: "k", ComputedAt: t0},
	}
	for _, s := range bad {
		_, err := cache.Put(context.Background(), s)
		assert.Error(t, err)
	}
}

func TestMemoryStoreCopiesPayload(t *testing.T) {
	cache := NewMemoryStore()
	payload := []byte(`{"a":1}`)
	_, err := cache.Put(context.Background(), snap("segment:x", "r", t0, string(payload)))
	require.NoError(t, err)
	got, err := cache.Get(context.Background(), enums.AggregateSegment, "segment:x")
	require.NoError(t, err)
	got.Payload[0] = 'X'
	again, err := cache.Get(context.Background(), enums.AggregateSegment, "segment:x")
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(again.Payload))
}

func TestTypedHelpers(t *testing.T) {
	ctx := context.Background()
	cache := NewMemoryStore()

	seg := &segments.Segment{ID: "pro", Name: "Pro", Size: 3, MemberUserIDs: []string{"a", "b", "c"}, RunID: "run-1", ComputedAt: t0}
	ok, err := PutSegment(ctx, cache, seg)
	require.NoError(t, err)
	assert.True(t, ok)
	gotSeg, err := GetSegment(ctx, cache, "pro")
	require.NoError(t, err)
	assert.Equal(t, 3, gotSeg.Size)
	assert.Equal(t, "run-1", gotSeg.RunID)

	older := funnels.Window{Start: t0.AddDate(0, 0, -14), End: t0.AddDate(0, 0, -7)}
	newer := funnels.Window{Start: t0.AddDate(0, 0, -7), End: t0}
	_, err = PutFunnel(ctx, cache, &funnels.Run{FunnelID: "checkout", WindowStart: older.Start, WindowEnd: older.End, RunID: "r1", ComputedAt: t0})
	require.NoError(t, err)
	_, err = PutFunnel(ctx, cache, &funnels.Run{FunnelID: "checkout", WindowStart: newer.Start, WindowEnd: newer.End, RunID: "r2", ComputedAt: t0.Add(time.Minute)})
	require.NoError(t, err)

	latest, err := LatestFunnel(ctx, cache, "checkout")
	require.NoError(t, err)
	assert.Equal(t, "r2", latest.RunID)
	byWindow, err := GetFunnel(ctx, cache, "checkout", older)
	require.NoError(t, err)
	assert.Equal(t, "r1", byWindow.RunID)
	_, err = LatestFunnel(ctx, cache, "signup")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = PutChurn(ctx, cache, &churn.Record{UserID: "u1", Score: 92, Level: enums.RiskLevelCritical, ComputedAt: t0})
	require.NoError(t, err)
	rec, err := GetChurn(ctx, cache, "u1")
	require.NoError(t, err)
	assert.Equal(t, enums.RiskLevelCritical, rec.Level)
}

func TestNewSelectsBackend(t *testing.T) {
	cfg := &config.Config{Cache: config.CacheConfig{Backend: "memory"}}
	cache, err := New(cfg, nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, cache)

	cfg.Cache.Backend = "redis"
	_, err = New(cfg, nil, nil)
	assert.Error(t, err)

	cfg.Cache.Backend = "sql"
	_, err = New(cfg, nil, nil)
	assert.Error(t, err)

	cfg.Cache.Backend = "memcached"
	_, err = New(cfg, nil, nil)
	assert.Error(t, err)
}

func TestRedisStoreWrapsErrors(t *testing.T) {
	client := newFakeAggregateClient()
	client.err = errors.New("connection reset")
	store := &RedisStore{client: client}
	_, err := store.Get(context.Background(), enums.AggregateChurn, "churn:u1")
	assert.ErrorContains(t, err, "connection reset")
	assert.NotErrorIs(t, err, ErrNotFound)
}

type fakeAggregateClient struct {
	records map[string]redis.AggregateRecord
	index   map[string][]string
	err     error
}

func newFakeAggregateClient() *fakeAggregateClient {
	return &fakeAggregateClient{records: map[string]redis.AggregateRecord{}, index: map[string][]string{}}
}

func (f *fakeAggregateClient) PutAggregate(_ context.Context, aggregateType, key string, record redis.AggregateRecord, _ time.Duration) (bool, error) {
	id := aggregateType + "|" + key
	if current, ok := f.records[id]; ok {
		if current.ComputedAtMicros > record.ComputedAtMicros {
			return false, nil
		}
	} else {
		f.index[aggregateType] = append(f.index[aggregateType], key)
	}
	f.records[id] = record
	return true, nil
}

func (f *fakeAggregateClient) GetAggregate(_ context.Context, aggregateType, key string) (redis.AggregateRecord, error) {
	if f.err != nil {
		return redis.AggregateRecord{}, f.err
	}
	record, ok := f.records[aggregateType+"|"+key]
	if !ok {
		return redis.AggregateRecord{}, redis.Nil
	}
	return record, nil
}

func (f *fakeAggregateClient) AggregateKeys(_ context.Context, aggregateType string) ([]string, error) {
	return f.index[aggregateType], nil
}
