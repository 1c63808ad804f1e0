package aggregates

import (
	"context"
	"sync"

	"github.com/angelmondragon/pulse-engine/pkg/enums"
)

// MemoryStore keeps snapshots in process.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[enums.AggregateType]map[string]Snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: map[enums.AggregateType]map[string]Snapshot{}}
}

func (m *MemoryStore) Get(ctx context.Context, t enums.AggregateType, key string) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.items[t][key]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return snap.normalize(), nil
}

func (m *MemoryStore) Put(ctx context.Context, snap Snapshot) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := snap.validate(); err != nil {
		return false, err
	}
	snap = snap.normalize()

	m.mu.Lock()
	defer m.mu.Unlock()
	byKey := m.items[snap.Type]
	if byKey == nil {
		byKey = map[string]Snapshot{}
		m.items[snap.Type] = byKey
	}
	if current, ok := byKey[snap.Key]; ok && current.ComputedAt.After(snap.ComputedAt) {
		return false, nil
	}
	byKey[snap.Key] = snap
	return true, nil
}

func (m *MemoryStore) List(ctx context.Context, t enums.AggregateType) ([]Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	out := make([]Snapshot, 0, len(m.items[t]))
	for _, snap := range m.items[t] {
		out = append(out, snap.normalize())
	}
	m.mu.RUnlock()
	sortSnapshots(out)
	return out, nil
}
