// Package query serves paginated reads of committed aggregates.
package query

import (
	"context"
	"errors"
	"strings"

	"github.com/angelmondragon/pulse-engine/internal/aggregates"
	"github.com/angelmondragon/pulse-engine/internal/churn"
	"github.com/angelmondragon/pulse-engine/internal/cohorts"
	"github.com/angelmondragon/pulse-engine/internal/funnels"
	"github.com/angelmondragon/pulse-engine/internal/segments"
	"github.com/angelmondragon/pulse-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/pulse-engine/pkg/errors"
	"github.com/angelmondragon/pulse-engine/pkg/pagination"
)

// Service defines the read operations of the API.
type Service interface {
	ListSegments(ctx context.Context, filter SegmentFilter, page pagination.Params) (*Page[segments.Segment], error)
	GetFunnel(ctx context.Context, funnelID string, window *funnels.Window) (*funnels.Run, error)
	ListRetention(ctx context.Context, filter RetentionFilter, page pagination.Params) (*Page[cohorts.RetentionCurve], error)
	ListChurnRisk(ctx context.Context, filter ChurnFilter, page pagination.Params) (*Page[churn.Record], error)
}

// Page wraps returned items and the cursor for the next page.
type Page[T any] struct {
	Items  []T    `json:"items"`
	Cursor string `json:"cursor"`
}

// SegmentFilter narrows ListSegments. Empty fields match everything.
type SegmentFilter struct {
	Status   enums.SegmentStatus
	Category string
}

// RetentionFilter narrows ListRetention.
type RetentionFilter struct {
	Grain enums.CohortGrain
}

// ChurnFilter narrows ListChurnRisk.
type ChurnFilter struct {
	Level enums.RiskLevel
}

type service struct {
	cache aggregates.Cache
}

// NewService wires the read service.
func NewService(cache aggregates.Cache) (Service, error) {
	if cache == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "aggregate cache required")
	}
	return &service{cache: cache}, nil
}

func (s *service) ListSegments(ctx context.Context, filter SegmentFilter, page pagination.Params) (*Page[segments.Segment], error) {
	if filter.Status != "" && !filter.Status.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid segment status")
	}
	category := strings.TrimSpace(filter.Category)
	return list(ctx, s.cache, enums.AggregateSegment, page, func(seg *segments.Segment) bool {
		if filter.Status != "" && seg.Status != filter.Status {
			return false
		}
		return category == "" || strings.EqualFold(seg.Category, category)
	})
}

func (s *service) GetFunnel(ctx context.Context, funnelID string, window *funnels.Window) (*funnels.Run, error) {
	funnelID = strings.TrimSpace(funnelID)
	if funnelID == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "funnel id required")
	}
	var (
		run *funnels.Run
		err error
	)
	if window == nil {
		run, err = aggregates.LatestFunnel(ctx, s.cache, funnelID)
	} else {
		if verr := window.Validate(); verr != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, verr, "invalid funnel window")
		}
		run, err = aggregates.GetFunnel(ctx, s.cache, funnelID, *window)
	}
	if errors.Is(err, aggregates.ErrNotFound) {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "funnel not computed")
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read funnel")
	}
	return run, nil
}

func (s *service) ListRetention(ctx context.Context, filter RetentionFilter, page pagination.Params) (*Page[cohorts.RetentionCurve], error) {
	if filter.Grain != "" && !filter.Grain.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid cohort grain")
	}
	return list(ctx, s.cache, enums.AggregateRetention, page, func(curve *cohorts.RetentionCurve) bool {
		return filter.Grain == "" || curve.Grain == filter.Grain
	})
}

func (s *service) ListChurnRisk(ctx context.Context, filter ChurnFilter, page pagination.Params) (*Page[churn.Record], error) {
	if filter.Level != "" && !filter.Level.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid risk level")
	}
	return list(ctx, s.cache, enums.AggregateChurn, page, func(rec *churn.Record) bool {
		return filter.Level == "" || rec.Level == filter.Level
	})
}

// list walks the snapshots of t in page order, skipping everything up to the
// cursor, and decodes the items that pass keep.
func list[T any](ctx context.Context, cache aggregates.Cache, t enums.AggregateType, page pagination.Params, keep func(*T) bool) (*Page[T], error) {
	cursor, err := pagination.ParseCursor(page.Cursor)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid cursor")
	}
	limit := pagination.NormalizeLimit(page.Limit)

	snaps, err := cache.List(ctx, t)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list aggregates")
	}

	out := &Page[T]{Items: []T{}}
	var last aggregates.Snapshot
	for _, snap := range snaps {
		if cursor != nil && !cursor.After(snap.ComputedAt, snap.Key) {
			continue
		}
		item, err := aggregates.Decode[T](snap)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "decode aggregate")
		}
		if !keep(item) {
			continue
		}
		if len(out.Items) == limit {
			out.Cursor = pagination.EncodeCursor(pagination.Cursor{At: last.ComputedAt, Key: last.Key})
			break
		}
		out.Items = append(out.Items, *item)
		last = snap
	}
	return out, nil
}
