package cohorts

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/pulse-engine/internal/events"
	"github.com/angelmondragon/pulse-engine/internal/ratio"
	"github.com/angelmondragon/pulse-engine/pkg/enums"
)

const defaultParallelism = 4

// Engine builds cohorts and retention curves. It holds no mutable state.
type Engine struct {
	reader      events.Reader
	parallelism int
}

func NewEngine(reader events.Reader) (*Engine, error) {
	if reader == nil {
		return nil, errors.New("event reader is required")
	}
	return &Engine{reader: reader, parallelism: defaultParallelism}, nil
}

// BuildCohorts buckets every user by their first-ever event, keeping the
// buckets that start in [rangeStart, asOf]. Users first seen after asOf are
// ignored, so the result is frozen for a given asOf.
func (e *Engine) BuildCohorts(ctx context.Context, grain enums.CohortGrain, rangeStart, asOf time.Time) ([]Cohort, error) {
	if !grain.IsValid() {
		return nil, fmt.Errorf("invalid cohort grain %q", grain)
	}
	if asOf.Before(rangeStart) {
		return nil, errors.New("cohort range end is before its start")
	}
	first, err := e.firstSeen(ctx, asOf)
	if err != nil {
		return nil, err
	}

	from := PeriodStart(grain, rangeStart)
	buckets := map[time.Time][]string{}
	for userID, ts := range first {
		start := PeriodStart(grain, ts)
		if start.Before(from) {
			continue
		}
		buckets[start] = append(buckets[start], userID)
	}

	out := make([]Cohort, 0, len(buckets))
	for start, users := range buckets {
		sort.Strings(users)
		out = append(out, Cohort{
			ID:          ID(grain, start),
			Grain:       grain,
			StartPeriod: start,
			UserIDs:     users,
			AsOf:        asOf.UTC(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartPeriod.Before(out[j].StartPeriod) })
	return out, nil
}

// BuildCohort returns the cohort of the bucket containing periodStart. An
// empty cohort is returned when nobody started in that bucket.
func (e *Engine) BuildCohort(ctx context.Context, grain enums.CohortGrain, periodStart, asOf time.Time) (*Cohort, error) {
	if !grain.IsValid() {
		return nil, fmt.Errorf("invalid cohort grain %q", grain)
	}
	start := PeriodStart(grain, periodStart)
	if asOf.Before(start) {
		return nil, errors.New("cohort period starts after asOf")
	}
	first, err := e.firstSeen(ctx, asOf)
	if err != nil {
		return nil, err
	}
	users := []string{}
	for userID, ts := range first {
		if PeriodStart(grain, ts).Equal(start) {
			users = append(users, userID)
		}
	}
	sort.Strings(users)
	return &Cohort{ID: ID(grain, start), Grain: grain, StartPeriod: start, UserIDs: users, AsOf: asOf.UTC()}, nil
}

func (e *Engine) firstSeen(ctx context.Context, asOf time.Time) (map[string]time.Time, error) {
	it, err := e.reader.QueryEvents(ctx, events.Query{Range: events.Until(asOf)})
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	first := map[string]time.Time{}
	err = events.ForEach(ctx, it, func(ev events.Event) error {
		if ts, ok := first[ev.UserID]; !ok || ev.Timestamp.Before(ts) {
			first[ev.UserID] = ev.Timestamp
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	return first, nil
}

// ComputeRetentionCurve counts, for each offset k < periodCount, the cohort
// members with at least one event in bucket k. Buckets that have not started
// by the cohort's asOf are left out of the curve. Offset 0 always equals the
// cohort size.
func (e *Engine) ComputeRetentionCurve(ctx context.Context, cohort Cohort, periodCount int) (*RetentionCurve, error) {
	if periodCount <= 0 {
		return nil, errors.New("period count must be positive")
	}
	if !cohort.Grain.IsValid() {
		return nil, fmt.Errorf("cohort %s: invalid grain %q", cohort.ID, cohort.Grain)
	}
	asOf := cohort.AsOf
	if asOf.IsZero() {
		asOf = AddPeriods(cohort.Grain, cohort.StartPeriod, periodCount)
	}
	periods := periodCount
	for periods > 1 && AddPeriods(cohort.Grain, cohort.StartPeriod, periods-1).After(asOf) {
		periods--
	}

	end := AddPeriods(cohort.Grain, cohort.StartPeriod, periods)
	rng := events.TimeRange{Start: cohort.StartPeriod, End: end}
	if limit := events.Until(asOf).End; limit.Before(end) {
		rng.End = limit
	}

	members := make(map[string]struct{}, cohort.Size())
	for _, id := range cohort.UserIDs {
		members[id] = struct{}{}
	}

	retained := make([]map[string]struct{}, periods)
	for i := range retained {
		retained[i] = map[string]struct{}{}
	}
	if cohort.Size() > 0 && periods > 1 {
		it, err := e.reader.QueryEvents(ctx, events.Query{Range: rng})
		if err != nil {
			return nil, fmt.Errorf("cohort %s: query events: %w", cohort.ID, err)
		}
		err = events.ForEach(ctx, it, func(ev events.Event) error {
			if _, ok := members[ev.UserID]; !ok {
				return nil
			}
			k := Offset(cohort.Grain, cohort.StartPeriod, ev.Timestamp)
			if k >= 1 && k < periods {
				retained[k][ev.UserID] = struct{}{}
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("cohort %s: read events: %w", cohort.ID, err)
		}
	}

	curve := &RetentionCurve{
		CohortID:    cohort.ID,
		Grain:       cohort.Grain,
		StartPeriod: cohort.StartPeriod,
		CohortSize:  cohort.Size(),
		Periods:     make([]Period, periods),
		AsOf:        cohort.AsOf,
	}
	size := int64(cohort.Size())
	for k := range curve.Periods {
		count := len(retained[k])
		if k == 0 {
			count = cohort.Size()
		}
		pct := ratio.Percent(int64(count), size)
		if k == 0 && size > 0 {
			pct = 100
		}
		curve.Periods[k] = Period{Offset: k, RetainedCount: count, Percentage: pct}
	}
	return curve, nil
}

// ComputeCurves computes one curve per cohort, in parallel and in input order.
func (e *Engine) ComputeCurves(ctx context.Context, cohorts []Cohort, periodCount int) ([]*RetentionCurve, error) {
	out := make([]*RetentionCurve, len(cohorts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)
	for i := range cohorts {
		g.Go(func() error {
			curve, err := e.ComputeRetentionCurve(gctx, cohorts[i], periodCount)
			if err != nil {
				return err
			}
			out[i] = curve
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
