package condition

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/angelmondragon/pulse-engine/internal/events"
	"github.com/angelmondragon/pulse-engine/pkg/enums"
)

// EventRefKind selects how an event-sourced property is derived.
type EventRefKind string

const (
	// EventCount is the number of events with the name: event_count:<name>.
	EventCount EventRefKind = "event_count"
	// LastEvent reads a property of the latest event: last_event:<name>:<property>.
	LastEvent EventRefKind = "last_event"
	// DaysSince is whole days since the latest event: days_since:<name>.
	DaysSince EventRefKind = "days_since"
)

// EventRef is the parsed form of an event-sourced property.
type EventRef struct {
	Kind     EventRefKind
	Name     string
	Property string
}

// ParseEventRef parses the property of a condition whose source is event.
func ParseEventRef(property string) (EventRef, error) {
	kind, rest, ok := strings.Cut(property, ":")
	if !ok || rest == "" {
		return EventRef{}, fmt.Errorf("event property %q must look like <kind>:<event>", property)
	}
	switch EventRefKind(kind) {
	case EventCount, DaysSince:
		return EventRef{Kind: EventRefKind(kind), Name: rest}, nil
	case LastEvent:
		name, prop, ok := strings.Cut(rest, ":")
		if !ok || name == "" || prop == "" {
			return EventRef{}, fmt.Errorf("event property %q must look like last_event:<event>:<property>", property)
		}
		return EventRef{Kind: LastEvent, Name: name, Property: prop}, nil
	default:
		return EventRef{}, fmt.Errorf("unknown event property kind %q", kind)
	}
}

// Resolver returns the value of the condition's property for one subject.
type Resolver func(c Condition) (events.Value, bool)

// SnapshotResolver resolves snapshot properties and event-sourced properties
// against a folded user snapshot as of asOf.
func SnapshotResolver(snap *events.UserSnapshot, asOf time.Time) Resolver {
	return func(c Condition) (events.Value, bool) {
		if snap == nil {
			return events.Value{}, false
		}
		if c.source() == enums.ValueSourceSnapshot {
			return snap.Property(c.Property)
		}
		ref, err := ParseEventRef(c.Property)
		if err != nil {
			return events.Value{}, false
		}
		switch ref.Kind {
		case EventCount:
			return events.Number(float64(snap.EventCounts[ref.Name])), true
		case LastEvent:
			props, ok := snap.LastEventProps[ref.Name]
			if !ok {
				return events.Value{}, false
			}
			v, ok := props[ref.Property]
			return v, ok
		case DaysSince:
			last, ok := snap.LastEventAt[ref.Name]
			if !ok {
				return events.Value{}, false
			}
			return events.Number(math.Floor(asOf.Sub(last).Hours() / 24)), true
		}
		return events.Value{}, false
	}
}

// EventResolver resolves conditions against the property bag of one event.
// Funnel steps use it; the reserved property "event" is the event name.
func EventResolver(e events.Event) Resolver {
	return func(c Condition) (events.Value, bool) {
		if c.Property == "event" {
			return events.String(e.Name), true
		}
		return e.Property(c.Property)
	}
}
