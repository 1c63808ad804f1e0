package query

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/pulse-engine/internal/aggregates"
	"github.com/angelmondragon/pulse-engine/internal/churn"
	"github.com/angelmondragon/pulse-engine/internal/cohorts"
	"github.com/angelmondragon/pulse-engine/internal/funnels"
	"github.com/angelmondragon/pulse-engine/internal/segments"
	"github.com/angelmondragon/pulse-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/pulse-engine/pkg/errors"
	"github.com/angelmondragon/pulse-engine/pkg/pagination"
)

var base = time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)

func seeded(t *testing.T) (Service, aggregates.Cache) {
	t.Helper()
	ctx := context.Background()
	cache := aggregates.NewMemoryStore()

	for i := 0; i < 5; i++ {
		status := enums.SegmentStatusActive
		if i == 2 {
			status = enums.SegmentStatusPaused
		}
		category := "engagement"
		if i == 4 {
			category = "revenue"
		}
		_, err := aggregates.PutSegment(ctx, cache, &segments.Segment{
			ID: fmt.Sprintf("s%d", i), Status: status, Category: category, RunID: "r", ComputedAt: base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}

	for i, level := range []enums.RiskLevel{enums.RiskLevelLow, enums.RiskLevelCritical, enums.RiskLevelCritical} {
		_, err := aggregates.PutChurn(ctx, cache, &churn.Record{UserID: fmt.Sprintf("u%d", i), Level: level, RunID: "r", ComputedAt: base})
		require.NoError(t, err)
	}

	week := cohorts.RetentionCurve{CohortID: "week:2024-03-25", Grain: enums.CohortGrainWeek, RunID: "r", ComputedAt: base}
	month := cohorts.RetentionCurve{CohortID: "month:2024-03-01", Grain: enums.CohortGrainMonth, RunID: "r", ComputedAt: base}
	for _, curve := range []*cohorts.RetentionCurve{&week, &month} {
		_, err := aggregates.PutRetention(ctx, cache, curve)
		require.NoError(t, err)
	}

	svc, err := NewService(cache)
	require.NoError(t, err)
	return svc, cache
}

func segmentIDs(items []segments.Segment) []string {
	ids := make([]string, 0, len(items))
	for _, s := range items {
		ids = append(ids, s.ID)
	}
	return ids
}

func TestListSegmentsPagesNewestFirst(t *testing.T) {
	svc, _ := seeded(t)
	ctx := context.Background()

	page, err := svc.ListSegments(ctx, SegmentFilter{}, pagination.Params{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"s4", "s3"}, segmentIDs(page.Items))
	require.NotEmpty(t, page.Cursor)

	page, err = svc.ListSegments(ctx, SegmentFilter{}, pagination.Params{Limit: 2, Cursor: page.Cursor})
	require.NoError(t, err)
	assert.Equal(t, []string{"s2", "s1"}, segmentIDs(page.Items))

	page, err = svc.ListSegments(ctx, SegmentFilter{}, pagination.Params{Limit: 2, Cursor: page.Cursor})
	require.NoError(t, err)
	assert.Equal(t, []string{"s0"}, segmentIDs(page.Items))
	assert.Empty(t, page.Cursor)
}

func TestListSegmentsFilters(t *testing.T) {
	svc, _ := seeded(t)
	ctx := context.Background()

	page, err := svc.ListSegments(ctx, SegmentFilter{Status: enums.SegmentStatusActive, Category: "Engagement"}, pagination.Params{})
	require.NoError(t, err)
	assert.Equal(t, []string{"s3", "s1", "s0"}, segmentIDs(page.Items))

	_, err = svc.ListSegments(ctx, SegmentFilter{Status: "dormant"}, pagination.Params{})
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeValidation))

	_, err = svc.ListSegments(ctx, SegmentFilter{}, pagination.Params{Cursor: "%%%"})
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeValidation))
}

func TestListChurnRiskByLevel(t *testing.T) {
	svc, _ := seeded(t)
	page, err := svc.ListChurnRisk(context.Background(), ChurnFilter{Level: enums.RiskLevelCritical}, pagination.Params{})
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "u1", page.Items[0].UserID)
	assert.Equal(t, "u2", page.Items[1].UserID)

	_, err = svc.ListChurnRisk(context.Background(), ChurnFilter{Level: "extreme"}, pagination.Params{})
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeValidation))
}

func TestListRetentionByGrain(t *testing.T) {
	svc, _ := seeded(t)
	page, err := svc.ListRetention(context.Background(), RetentionFilter{Grain: enums.CohortGrainMonth}, pagination.Params{})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "month:2024-03-01", page.Items[0].CohortID)
}

func TestGetFunnel(t *testing.T) {
	svc, cache := seeded(t)
	ctx := context.Background()

	_, err := svc.GetFunnel(ctx, "checkout", nil)
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeNotFound))

	older := funnels.Window{Start: base.AddDate(0, 0, -60), End: base.AddDate(0, 0, -30)}
	newer := funnels.Window{Start: base.AddDate(0, 0, -30), End: base}
	for i, w := range []funnels.Window{older, newer} {
		_, err := aggregates.PutFunnel(ctx, cache, &funnels.Run{
			FunnelID: "checkout", WindowStart: w.Start, WindowEnd: w.End, RunID: fmt.Sprint(i), ComputedAt: base.Add(time.Duration(i) * time.Hour),
		})
		require.NoError(t, err)
	}

	latest, err := svc.GetFunnel(ctx, "checkout", nil)
	require.NoError(t, err)
	assert.Equal(t, "1", latest.RunID)

	run, err := svc.GetFunnel(ctx, "checkout", &older)
	require.NoError(t, err)
	assert.Equal(t, "0", run.RunID)

	_, err = svc.GetFunnel(ctx, "checkout", &funnels.Window{Start: base, End: base})
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeValidation))

	_, err = svc.GetFunnel(ctx, " ", nil)
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeValidation))
}
