package runs

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/angelmondragon/pulse-engine/pkg/db/models"
	"github.com/angelmondragon/pulse-engine/pkg/enums"
)

func newSQLRecorder(t *testing.T) *SQLRecorder {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{SkipDefaultTransaction: true})
	require.NoError(t, err)
	require.NoError(t, conn.AutoMigrate(&models.ComputeRun{}))
	return NewSQLRecorder(conn)
}

func recorders(t *testing.T) map[string]Recorder {
	return map[string]Recorder{
		"memory": NewMemoryRecorder(),
		"sql":    newSQLRecorder(t),
	}
}

func TestRecorderLifecycle(t *testing.T) {
	for name, rec := range recorders(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			id := uuid.New()
			require.NoError(t, rec.Create(ctx, &models.ComputeRun{
				ID: id, AggregateType: enums.AggregateFunnel, Key: "onboarding", Status: enums.RunStatusPending, Trigger: TriggerAPI,
			}))

			started := asOf
			require.NoError(t, rec.Start(ctx, id, started))
			assert.ErrorIs(t, rec.Start(ctx, id, started), ErrRunNotFound)

			require.NoError(t, rec.Finish(ctx, id, Outcome{Status: enums.RunStatusFailed, EventsScanned: 42, Error: "boom", At: started.Add(time.Second)}))

			run, err := rec.Get(ctx, id)
			require.NoError(t, err)
			assert.Equal(t, enums.RunStatusFailed, run.Status)
			assert.Equal(t, int64(42), run.EventsScanned)
			require.NotNil(t, run.Error)
			assert.Equal(t, "boom", *run.Error)
			require.NotNil(t, run.StartedAt)
			assert.True(t, started.Equal(*run.StartedAt))

			_, err = rec.Get(ctx, uuid.New())
			assert.ErrorIs(t, err, ErrRunNotFound)
			assert.ErrorIs(t, rec.Finish(ctx, uuid.New(), Outcome{Status: enums.RunStatusCommitted}), ErrRunNotFound)
		})
	}
}

func TestRecorderListPagesNewestFirst(t *testing.T) {
	for name, rec := range recorders(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var ids []uuid.UUID
			for i := 0; i < 5; i++ {
				id := uuid.New()
				ids = append(ids, id)
				aggType := enums.AggregateSegment
				if i == 4 {
					aggType = enums.AggregateChurn
				}
				require.NoError(t, rec.Create(ctx, &models.ComputeRun{
					ID:            id,
					AggregateType: aggType,
					Key:           fmt.Sprintf("k%d", i),
					Status:        enums.RunStatusPending,
					Trigger:       TriggerScheduler,
					CreatedAt:     asOf.Add(time.Duration(i) * time.Minute),
				}))
			}

			page, next, err := rec.List(ctx, ListParams{AggregateType: enums.AggregateSegment, Limit: 2})
			require.NoError(t, err)
			require.Len(t, page, 2)
			require.NotNil(t, next)
			assert.Equal(t, ids[3], page[0].ID)
			assert.Equal(t, ids[2], page[1].ID)

			page, next, err = rec.List(ctx, ListParams{AggregateType: enums.AggregateSegment, Limit: 2, Cursor: next})
			require.NoError(t, err)
			require.Len(t, page, 2)
			assert.Equal(t, ids[1], page[0].ID)
			assert.Equal(t, ids[0], page[1].ID)
			assert.Nil(t, next)

			all, _, err := rec.List(ctx, ListParams{Status: enums.RunStatusPending})
			require.NoError(t, err)
			assert.Len(t, all, 5)
			assert.Equal(t, ids[4], all[0].ID)
		})
	}
}

func TestDeleteFinishedBeforeKeepsRecentAndActiveRuns(t *testing.T) {
	pruners := map[string]interface {
		Recorder
		Pruner
	}{
		"memory": NewMemoryRecorder(),
		"sql":    newSQLRecorder(t),
	}
	for name, rec := range pruners {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			old, recent, active := uuid.New(), uuid.New(), uuid.New()
			for _, id := range []uuid.UUID{old, recent, active} {
				require.NoError(t, rec.Create(ctx, &models.ComputeRun{
					ID: id, AggregateType: enums.AggregateChurn, Status: enums.RunStatusPending, Trigger: TriggerScheduler,
				}))
				require.NoError(t, rec.Start(ctx, id, asOf.Add(-72*time.Hour)))
			}
			require.NoError(t, rec.Finish(ctx, old, Outcome{Status: enums.RunStatusCommitted, At: asOf.Add(-48 * time.Hour)}))
			require.NoError(t, rec.Finish(ctx, recent, Outcome{Status: enums.RunStatusFailed, Error: "boom", At: asOf.Add(-time.Hour)}))

			deleted, err := rec.DeleteFinishedBefore(ctx, asOf.Add(-24*time.Hour))
			require.NoError(t, err)
			assert.Equal(t, int64(1), deleted)

			_, err = rec.Get(ctx, old)
			assert.ErrorIs(t, err, ErrRunNotFound)
			_, err = rec.Get(ctx, recent)
			assert.NoError(t, err)
			_, err = rec.Get(ctx, active)
			assert.NoError(t, err)
		})
	}
}
