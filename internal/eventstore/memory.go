package eventstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/angelmondragon/pulse-engine/internal/events"
)

// MemoryReader is an in-process event store. Appends keep the log ordered;
// queries iterate over a filtered copy so concurrent appends never affect an
// open iterator.
type MemoryReader struct {
	mu     sync.RWMutex
	events []events.Event
}

// NewMemoryReader seeds the store with evts.
func NewMemoryReader(evts ...events.Event) *MemoryReader {
	m := &MemoryReader{}
	_ = m.Append(context.Background(), evts)
	return m
}

// Append validates and inserts events in order.
func (m *MemoryReader) Append(_ context.Context, evts []events.Event) error {
	for _, e := range evts {
		if err := e.Validate(); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range evts {
		e.Timestamp = e.Timestamp.UTC()
		m.events = append(m.events, e)
	}
	events.Sort(m.events)
	return nil
}

func (m *MemoryReader) QueryEvents(ctx context.Context, q events.Query) (events.Iterator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]events.Event, 0)
	for _, e := range m.events {
		if q.Matches(e) {
			out = append(out, e)
		}
	}
	return events.NewSliceIterator(out), nil
}

func (m *MemoryReader) ActiveUsers(ctx context.Context, asOf time.Time) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	seen := map[string]struct{}{}
	for _, e := range m.events {
		if e.Timestamp.After(asOf) {
			break
		}
		seen[e.UserID] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

// Len returns the number of stored events.
func (m *MemoryReader) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}
