package aggregates

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/angelmondragon/pulse-engine/internal/churn"
	"github.com/angelmondragon/pulse-engine/internal/cohorts"
	"github.com/angelmondragon/pulse-engine/internal/funnels"
	"github.com/angelmondragon/pulse-engine/internal/segments"
	"github.com/angelmondragon/pulse-engine/pkg/enums"
)

// PutValue encodes v as the payload of a snapshot and stores it.
func PutValue(ctx context.Context, c Cache, t enums.AggregateType, key, runID string, computedAt time.Time, v any) (bool, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("encode %s %s: %w", t, key, err)
	}
	return c.Put(ctx, Snapshot{Type: t, Key: key, RunID: runID, ComputedAt: computedAt, Payload: payload})
}

// Decode unmarshals the payload of snap into a T.
func Decode[T any](snap Snapshot) (*T, error) {
	var v T
	if err := json.Unmarshal(snap.Payload, &v); err != nil {
		return nil, fmt.Errorf("decode %s %s: %w", snap.Type, snap.Key, err)
	}
	return &v, nil
}

// GetValue reads and decodes one snapshot.
func GetValue[T any](ctx context.Context, c Cache, t enums.AggregateType, key string) (*T, error) {
	snap, err := c.Get(ctx, t, key)
	if err != nil {
		return nil, err
	}
	return Decode[T](snap)
}

func PutSegment(ctx context.Context, c Cache, seg *segments.Segment) (bool, error) {
	return PutValue(ctx, c, enums.AggregateSegment, segments.Key(seg.ID), seg.RunID, seg.ComputedAt, seg)
}

func GetSegment(ctx context.Context, c Cache, segmentID string) (*segments.Segment, error) {
	return GetValue[segments.Segment](ctx, c, enums.AggregateSegment, segments.Key(segmentID))
}

func PutFunnel(ctx context.Context, c Cache, run *funnels.Run) (bool, error) {
	return PutValue(ctx, c, enums.AggregateFunnel, run.Key(), run.RunID, run.ComputedAt, run)
}

func GetFunnel(ctx context.Context, c Cache, funnelID string, w funnels.Window) (*funnels.Run, error) {
	return GetValue[funnels.Run](ctx, c, enums.AggregateFunnel, funnels.Key(funnelID, w))
}

// LatestFunnel returns the most recently computed window of a funnel.
func LatestFunnel(ctx context.Context, c Cache, funnelID string) (*funnels.Run, error) {
	snaps, err := c.List(ctx, enums.AggregateFunnel)
	if err != nil {
		return nil, err
	}
	prefix := funnels.KeyPrefix(funnelID)
	for _, snap := range snaps {
		if strings.HasPrefix(snap.Key, prefix) {
			return Decode[funnels.Run](snap)
		}
	}
	return nil, ErrNotFound
}

func PutRetention(ctx context.Context, c Cache, curve *cohorts.RetentionCurve) (bool, error) {
	return PutValue(ctx, c, enums.AggregateRetention, curve.Key(), curve.RunID, curve.ComputedAt, curve)
}

func GetRetention(ctx context.Context, c Cache, cohortID string) (*cohorts.RetentionCurve, error) {
	return GetValue[cohorts.RetentionCurve](ctx, c, enums.AggregateRetention, cohorts.Key(cohortID))
}

func PutChurn(ctx context.Context, c Cache, rec *churn.Record) (bool, error) {
	return PutValue(ctx, c, enums.AggregateChurn, rec.Key(), rec.RunID, rec.ComputedAt, rec)
}

func GetChurn(ctx context.Context, c Cache, userID string) (*churn.Record, error) {
	return GetValue[churn.Record](ctx, c, enums.AggregateChurn, churn.Key(userID))
}
