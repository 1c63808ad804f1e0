package events

import (
	"context"
	"time"
)

// TimeRange is a half-open interval [Start, End). A zero bound is unbounded.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether ts falls inside the range.
func (r TimeRange) Contains(ts time.Time) bool {
	if !r.Start.IsZero() && ts.Before(r.Start) {
		return false
	}
	if !r.End.IsZero() && !ts.Before(r.End) {
		return false
	}
	return true
}

// Until returns a range ending right after asOf, so events at asOf are included.
func Until(asOf time.Time) TimeRange {
	return TimeRange{End: asOf.Add(time.Nanosecond)}
}

// Query selects events. Empty UserID and Names match everything.
type Query struct {
	UserID string
	Names  []string
	Range  TimeRange
}

// Matches applies the query filter to a single event.
func (q Query) Matches(e Event) bool {
	if q.UserID != "" && e.UserID != q.UserID {
		return false
	}
	if len(q.Names) > 0 {
		found := false
		for _, name := range q.Names {
			if name == e.Name {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return q.Range.Contains(e.Timestamp)
}

// Iterator is a lazy, ordered event sequence. Callers must Close it.
type Iterator interface {
	Next() bool
	Event() Event
	Err() error
	Close() error
}

// Reader is the read contract of the event store. Results are ordered by
// (timestamp, user id, name) and re-running a query over a past range yields
// the same sequence.
type Reader interface {
	QueryEvents(ctx context.Context, q Query) (Iterator, error)
}

// Users is implemented by readers that can list the user universe cheaply.
type Users interface {
	ActiveUsers(ctx context.Context, asOf time.Time) ([]string, error)
}

type sliceIterator struct {
	items []Event
	pos   int
}

// NewSliceIterator iterates over already ordered events.
func NewSliceIterator(items []Event) Iterator {
	return &sliceIterator{items: items, pos: -1}
}

func (s *sliceIterator) Next() bool {
	if s.pos+1 >= len(s.items) {
		s.pos = len(s.items)
		return false
	}
	s.pos++
	return true
}

func (s *sliceIterator) Event() Event {
	if s.pos < 0 || s.pos >= len(s.items) {
		return Event{}
	}
	return s.items[s.pos]
}

func (s *sliceIterator) Err() error   { return nil }
func (s *sliceIterator) Close() error { return nil }

// ForEach drains it, calling fn for each event, and closes it. Iteration
// stops early when ctx is done or fn returns an error.
func ForEach(ctx context.Context, it Iterator, fn func(Event) error) (err error) {
	defer func() {
		if cerr := it.Close(); err == nil {
			err = cerr
		}
	}()
	for it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(it.Event()); err != nil {
			return err
		}
	}
	return it.Err()
}

// Collect drains it into a slice.
func Collect(ctx context.Context, it Iterator) ([]Event, error) {
	var out []Event
	err := ForEach(ctx, it, func(e Event) error {
		out = append(out, e)
		return nil
	})
	return out, err
}

// DistinctUsers scans every event up to asOf and returns the sorted user ids.
// It serves readers that do not implement Users.
func DistinctUsers(ctx context.Context, r Reader, asOf time.Time) ([]string, error) {
	if users, ok := r.(Users); ok {
		return users.ActiveUsers(ctx, asOf)
	}
	it, err := r.QueryEvents(ctx, Query{Range: Until(asOf)})
	if err != nil {
		return nil, err
	}
	seen := map[string]struct{}{}
	if err := ForEach(ctx, it, func(e Event) error {
		seen[e.UserID] = struct{}{}
		return nil
	}); err != nil {
		return nil, err
	}
	return sortedKeys(seen), nil
}
