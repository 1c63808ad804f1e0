package events

import (
	"errors"
	"sort"
	"strings"
	"time"
)

// Event is one immutable entry of the append-only event log.
type Event struct {
	UserID     string           `json:"user_id"`
	Name       string           `json:"name"`
	Timestamp  time.Time        `json:"timestamp"`
	Properties map[string]Value `json:"properties,omitempty"`
}

// Validate checks the fields every backend requires.
func (e Event) Validate() error {
	switch {
	case strings.TrimSpace(e.UserID) == "":
		return errors.New("event user_id is required")
	case strings.TrimSpace(e.Name) == "":
		return errors.New("event name is required")
	case e.Timestamp.IsZero():
		return errors.New("event timestamp is required")
	}
	return nil
}

// Property returns a property of the event and whether it was present.
func (e Event) Property(name string) (Value, bool) {
	v, ok := e.Properties[name]
	return v, ok
}

// Less orders events by (timestamp, user id, name), the order every reader yields.
func Less(a, b Event) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	if a.UserID != b.UserID {
		return a.UserID < b.UserID
	}
	return a.Name < b.Name
}

// Sort orders events in place with a stable sort.
func Sort(evts []Event) {
	sort.SliceStable(evts, func(i, j int) bool { return Less(evts[i], evts[j]) })
}
