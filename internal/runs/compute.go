package runs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/angelmondragon/pulse-engine/internal/aggregates"
	"github.com/angelmondragon/pulse-engine/internal/churn"
	"github.com/angelmondragon/pulse-engine/internal/cohorts"
	"github.com/angelmondragon/pulse-engine/internal/funnels"
	"github.com/angelmondragon/pulse-engine/internal/segments"
	"github.com/angelmondragon/pulse-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/pulse-engine/pkg/errors"
)

// compute runs the engine for req and returns the records to commit. It
// never writes to the cache.
func (c *Coordinator) compute(ctx context.Context, req Request) ([]any, error) {
	switch req.AggregateType {
	case enums.AggregateSegment:
		return c.computeSegment(ctx, req)
	case enums.AggregateFunnel:
		return c.computeFunnel(ctx, req)
	case enums.AggregateRetention:
		return c.computeRetention(ctx, req)
	case enums.AggregateChurn:
		return c.computeChurn(ctx, req)
	default:
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unsupported aggregate type %q", req.AggregateType))
	}
}

func (c *Coordinator) computeSegment(ctx context.Context, req Request) ([]any, error) {
	def, ok := c.catalog.Segment(req.Key)
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, fmt.Sprintf("segment %q is not defined", req.Key))
	}
	previous, err := aggregates.GetSegment(ctx, c.cache, def.ID)
	switch {
	case errors.Is(err, aggregates.ErrNotFound):
		previous = nil
	case err != nil:
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read previous segment snapshot")
	}
	seg, err := c.segments.ComputeMembership(ctx, def, req.AsOf, previous)
	if err != nil {
		return nil, err
	}
	return []any{seg}, nil
}

func (c *Coordinator) computeFunnel(ctx context.Context, req Request) ([]any, error) {
	def, ok := c.catalog.Funnel(req.Key)
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, fmt.Sprintf("funnel %q is not defined", req.Key))
	}
	window := funnels.WindowEndingAt(req.AsOf, def.WindowDays)
	if req.Window != nil {
		window = *req.Window
	}
	run, err := c.funnels.ComputeFunnel(ctx, def, window)
	if err != nil {
		return nil, err
	}
	return []any{run}, nil
}

func (c *Coordinator) computeRetention(ctx context.Context, req Request) ([]any, error) {
	plan := c.catalog.Retention(c.policy)
	var built []cohorts.Cohort
	if req.Key == "" {
		all, err := c.cohorts.BuildCohorts(ctx, plan.Grain, plan.RangeStart(req.AsOf), req.AsOf)
		if err != nil {
			return nil, err
		}
		built = all
	} else {
		grain, start, err := cohorts.ParseID(req.Key)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cohort id")
		}
		one, err := c.cohorts.BuildCohort(ctx, grain, start, req.AsOf)
		if err != nil {
			return nil, err
		}
		built = []cohorts.Cohort{*one}
	}
	curves, err := c.cohorts.ComputeCurves(ctx, built, plan.Periods)
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(curves))
	for _, curve := range curves {
		out = append(out, curve)
	}
	return out, nil
}

func (c *Coordinator) computeChurn(ctx context.Context, req Request) ([]any, error) {
	if req.Key != "" {
		rec, err := c.churn.ScoreUser(ctx, req.Key, req.AsOf)
		if err != nil {
			return nil, err
		}
		return []any{rec}, nil
	}
	recs, err := c.churn.ScoreAll(ctx, req.AsOf)
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec)
	}
	return out, nil
}

// stamp sets the run identity on a computed record.
func stamp(v any, runID string, at time.Time) {
	switch rec := v.(type) {
	case *segments.Segment:
		rec.RunID, rec.ComputedAt = runID, at
	case *funnels.Run:
		rec.RunID, rec.ComputedAt = runID, at
	case *cohorts.RetentionCurve:
		rec.RunID, rec.ComputedAt = runID, at
	case *churn.Record:
		rec.RunID, rec.ComputedAt = runID, at
	}
}

// commit writes one stamped record and returns its aggregate key.
func commit(ctx context.Context, cache aggregates.Cache, v any) (string, bool, error) {
	switch rec := v.(type) {
	case *segments.Segment:
		ok, err := aggregates.PutSegment(ctx, cache, rec)
		return segments.Key(rec.ID), ok, err
	case *funnels.Run:
		ok, err := aggregates.PutFunnel(ctx, cache, rec)
		return rec.Key(), ok, err
	case *cohorts.RetentionCurve:
		ok, err := aggregates.PutRetention(ctx, cache, rec)
		return rec.Key(), ok, err
	case *churn.Record:
		ok, err := aggregates.PutChurn(ctx, cache, rec)
		return rec.Key(), ok, err
	default:
		return "", false, fmt.Errorf("cannot commit %T", v)
	}
}
