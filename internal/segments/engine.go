package segments

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/pulse-engine/internal/condition"
	"github.com/angelmondragon/pulse-engine/internal/events"
	"github.com/angelmondragon/pulse-engine/internal/ratio"
	"github.com/angelmondragon/pulse-engine/pkg/enums"
)

// Engine recomputes segment membership from the event store. It holds no
// mutable state.
type Engine struct {
	reader events.Reader
}

func NewEngine(reader events.Reader) (*Engine, error) {
	if reader == nil {
		return nil, fmt.Errorf("event reader is required")
	}
	return &Engine{reader: reader}, nil
}

// ComputeMembership evaluates def for every user known at asOf. previous is
// the last committed snapshot, used for growth; nil means no signal yet.
func (e *Engine) ComputeMembership(ctx context.Context, def Definition, asOf time.Time, previous *Segment) (*Segment, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	expr, err := def.Expr()
	if err != nil {
		return nil, err
	}

	it, err := e.reader.QueryEvents(ctx, events.Query{Range: events.Until(asOf)})
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	snaps, err := events.FoldSnapshots(ctx, it, asOf)
	if err != nil {
		return nil, fmt.Errorf("fold snapshots: %w", err)
	}

	known := knownProperties(snaps)
	members := []string{}
	var warnings []string
	seen := map[string]struct{}{}

	for _, userID := range snaps.UserIDs() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		env := condition.Env{
			Resolve: condition.SnapshotResolver(snaps[userID], asOf),
			Known:   known,
		}
		ok, w, err := expr.Eval(env)
		if err != nil {
			return nil, fmt.Errorf("segment %s: user %s: %w", def.ID, userID, err)
		}
		for _, warning := range w {
			if _, dup := seen[warning]; !dup {
				seen[warning] = struct{}{}
				warnings = append(warnings, warning)
			}
		}
		if ok {
			members = append(members, userID)
		}
	}

	status := def.Status
	if status == "" {
		status = enums.SegmentStatusActive
	}

	size := len(members)
	seg := &Segment{
		ID:             def.ID,
		Name:           def.Name,
		Category:       def.Category,
		Status:         status,
		Definition:     def,
		MemberUserIDs:  members,
		Size:           size,
		TotalActive:    len(snaps),
		PercentOfTotal: ratio.Percent(int64(size), int64(len(snaps))),
		Warnings:       warnings,
		AsOf:           asOf.UTC(),
	}
	if previous != nil {
		seg.Growth = ratio.Change(int64(size), int64(previous.Size))
	}
	return seg, nil
}

// knownProperties reports whether a condition refers to data that exists
// anywhere in the folded population.
func knownProperties(snaps events.Snapshots) func(condition.Condition) bool {
	props := map[string]struct{}{}
	names := map[string]struct{}{}
	for _, snap := range snaps {
		for k := range snap.Properties {
			props[k] = struct{}{}
		}
		for name := range snap.EventCounts {
			names[name] = struct{}{}
		}
	}
	return func(c condition.Condition) bool {
		if c.Source != enums.ValueSourceEvent {
			_, ok := props[c.Property]
			return ok
		}
		ref, err := condition.ParseEventRef(c.Property)
		if err != nil {
			return false
		}
		if ref.Kind == condition.EventCount {
			return true
		}
		_, ok := names[ref.Name]
		return ok
	}
}
