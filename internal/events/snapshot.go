package events

import (
	"context"
	"sort"
	"time"
)

// UserSnapshot is the latest known state of one user, folded from events in
// timestamp order. Later events supersede earlier property values.
type UserSnapshot struct {
	UserID         string
	Properties     map[string]Value
	FirstSeen      time.Time
	LastSeen       time.Time
	EventCounts    map[string]int
	LastEventAt    map[string]time.Time
	LastEventProps map[string]map[string]Value
}

func newSnapshot(userID string) *UserSnapshot {
	return &UserSnapshot{
		UserID:         userID,
		Properties:     map[string]Value{},
		EventCounts:    map[string]int{},
		LastEventAt:    map[string]time.Time{},
		LastEventProps: map[string]map[string]Value{},
	}
}

// Apply folds one event into the snapshot. Events must arrive in timestamp order.
func (s *UserSnapshot) Apply(e Event) {
	if s.FirstSeen.IsZero() || e.Timestamp.Before(s.FirstSeen) {
		s.FirstSeen = e.Timestamp
	}
	if e.Timestamp.After(s.LastSeen) {
		s.LastSeen = e.Timestamp
	}
	for k, v := range e.Properties {
		s.Properties[k] = v
	}
	s.EventCounts[e.Name]++
	s.LastEventAt[e.Name] = e.Timestamp
	s.LastEventProps[e.Name] = e.Properties
}

// Property resolves a snapshot property.
func (s *UserSnapshot) Property(name string) (Value, bool) {
	if s == nil {
		return Value{}, false
	}
	v, ok := s.Properties[name]
	return v, ok
}

// Snapshots maps user ids to their folded state.
type Snapshots map[string]*UserSnapshot

// UserIDs returns the user ids in ascending order.
func (s Snapshots) UserIDs() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// FoldSnapshots consumes it and folds every event at or before asOf.
func FoldSnapshots(ctx context.Context, it Iterator, asOf time.Time) (Snapshots, error) {
	out := Snapshots{}
	err := ForEach(ctx, it, func(e Event) error {
		if e.Timestamp.After(asOf) {
			return nil
		}
		snap, ok := out[e.UserID]
		if !ok {
			snap = newSnapshot(e.UserID)
			out[e.UserID] = snap
		}
		snap.Apply(e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
