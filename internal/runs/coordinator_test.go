package runs

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/pulse-engine/internal/aggregates"
	"github.com/angelmondragon/pulse-engine/internal/catalog"
	"github.com/angelmondragon/pulse-engine/internal/condition"
	"github.com/angelmondragon/pulse-engine/internal/events"
	"github.com/angelmondragon/pulse-engine/internal/eventstore"
	"github.com/angelmondragon/pulse-engine/internal/funnels"
	"github.com/angelmondragon/pulse-engine/internal/notify"
	"github.com/angelmondragon/pulse-engine/internal/segments"
	"github.com/angelmondragon/pulse-engine/pkg/config"
	"github.com/angelmondragon/pulse-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/pulse-engine/pkg/errors"
	"github.com/angelmondragon/pulse-engine/pkg/logger"
)

var asOf = time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu      sync.Mutex
	notices []notify.Notice
}

func (r *recordingNotifier) AggregateCommitted(_ context.Context, n notify.Notice) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, n)
	return nil
}

type blockingReader struct {
	once    sync.Once
	started chan struct{}
}

func (b *blockingReader) QueryEvents(ctx context.Context, _ events.Query) (events.Iterator, error) {
	b.once.Do(func() { close(b.started) })
	<-ctx.Done()
	return nil, ctx.Err()
}

func testCatalog() *catalog.Catalog {
	return &catalog.Catalog{
		Segments: []segments.Definition{
			{
				ID:   "pro",
				Name: "Pro",
				Conditions: []condition.Condition{
					{Property: "plan", Operator: enums.OperatorEquals, Value: events.String("pro")},
				},
			},
			{
				ID:   "broken",
				Name: "Broken",
				Conditions: []condition.Condition{
					{Property: "seats", Operator: enums.OperatorContains, Value: events.String("1")},
				},
			},
		},
		Funnels: []funnels.Definition{
			{
				ID:         "onboarding",
				Name:       "Onboarding",
				WindowDays: 30,
				Steps: []funnels.StepDefinition{
					{Name: "signup", Conditions: []condition.Condition{{Property: "event", Operator: enums.OperatorEquals, Value: events.String("signup")}}},
					{Name: "project", Conditions: []condition.Condition{{Property: "event", Operator: enums.OperatorEquals, Value: events.String("project_created")}}},
				},
			},
		},
	}
}

func fixture() []events.Event {
	day := asOf.Add(-24 * time.Hour)
	return []events.Event{
		{UserID: "u1", Name: "signup", Timestamp: day, Properties: map[string]events.Value{"plan": events.String("pro"), "seats": events.Number(3)}},
		{UserID: "u1", Name: "project_created", Timestamp: day.Add(time.Hour)},
		{UserID: "u2", Name: "signup", Timestamp: day.Add(2 * time.Hour), Properties: map[string]events.Value{"plan": events.String("free"), "seats": events.Number(1)}},
	}
}

type harness struct {
	coord    *Coordinator
	cache    *aggregates.MemoryStore
	recorder *MemoryRecorder
	notifier *recordingNotifier
}

func newHarness(t *testing.T, reader events.Reader) harness {
	t.Helper()
	h := harness{
		cache:    aggregates.NewMemoryStore(),
		recorder: NewMemoryRecorder(),
		notifier: &recordingNotifier{},
	}
	coord, err := NewCoordinator(Params{
		Logger:   logger.New(logger.Options{ServiceName: "test", Output: io.Discard}),
		Reader:   reader,
		Cache:    h.cache,
		Catalog:  testCatalog(),
		Policy:   config.DefaultPolicy(),
		Recorder: h.recorder,
		Notifier: h.notifier,
		Now:      func() time.Time { return asOf },
	})
	require.NoError(t, err)
	h.coord = coord
	return h
}

func TestExecuteSegmentCommits(t *testing.T) {
	h := newHarness(t, eventstore.NewMemoryReader(fixture()...))
	ctx := context.Background()

	res, err := h.coord.Execute(ctx, Request{AggregateType: enums.AggregateSegment, Key: "pro", AsOf: asOf, Trigger: TriggerCLI})
	require.NoError(t, err)
	assert.Equal(t, enums.RunStatusCommitted, res.Status)
	assert.Equal(t, 1, res.Committed)
	assert.Equal(t, int64(3), res.EventsScanned)

	seg, err := aggregates.GetSegment(ctx, h.cache, "pro")
	require.NoError(t, err)
	assert.Equal(t, []string{"u1"}, seg.MemberUserIDs)
	assert.Equal(t, res.RunID.String(), seg.RunID)
	assert.True(t, asOf.Equal(seg.ComputedAt))

	run, err := h.coord.Get(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, enums.RunStatusCommitted, run.Status)
	assert.Equal(t, TriggerCLI, run.Trigger)
	assert.Equal(t, int64(3), run.EventsScanned)
	assert.NotNil(t, run.StartedAt)
	assert.NotNil(t, run.FinishedAt)

	require.Len(t, h.notifier.notices, 1)
	assert.Equal(t, "segment:pro", h.notifier.notices[0].Key)
}

func TestExecuteStaleWriteLeavesNewerSnapshot(t *testing.T) {
	h := newHarness(t, eventstore.NewMemoryReader(fixture()...))
	ctx := context.Background()

	newer := &segments.Segment{ID: "pro", RunID: "future", ComputedAt: asOf.Add(time.Hour)}
	_, err := aggregates.PutSegment(ctx, h.cache, newer)
	require.NoError(t, err)

	res, err := h.coord.Execute(ctx, Request{AggregateType: enums.AggregateSegment, Key: "pro"})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Committed)
	assert.Equal(t, 1, res.Stale)
	assert.Empty(t, h.notifier.notices)

	seg, err := aggregates.GetSegment(ctx, h.cache, "pro")
	require.NoError(t, err)
	assert.Equal(t, "future", seg.RunID)
}

func TestExecuteFailureCommitsNothing(t *testing.T) {
	h := newHarness(t, eventstore.NewMemoryReader(fixture()...))
	ctx := context.Background()

	res, err := h.coord.Execute(ctx, Request{AggregateType: enums.AggregateSegment, Key: "broken"})
	require.Error(t, err)
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeInvalidOperator))
	var invalid *condition.InvalidOperatorError
	assert.ErrorAs(t, err, &invalid)
	assert.Equal(t, enums.RunStatusFailed, res.Status)

	_, err = aggregates.GetSegment(ctx, h.cache, "broken")
	assert.ErrorIs(t, err, aggregates.ErrNotFound)

	run, err := h.coord.Get(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, enums.RunStatusFailed, run.Status)
	require.NotNil(t, run.Error)
	assert.Contains(t, *run.Error, "seats")
}

func TestExecuteRejectsBadRequests(t *testing.T) {
	h := newHarness(t, eventstore.NewMemoryReader(fixture()...))
	ctx := context.Background()

	_, err := h.coord.Execute(ctx, Request{AggregateType: enums.AggregateSegment})
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeValidation))

	_, err = h.coord.Execute(ctx, Request{AggregateType: "histogram", Key: "x"})
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeValidation))

	_, err = h.coord.Execute(ctx, Request{AggregateType: enums.AggregateSegment, Key: "pro", Window: &funnels.Window{Start: asOf, End: asOf.Add(time.Hour)}})
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeValidation))

	res, err := h.coord.Execute(ctx, Request{AggregateType: enums.AggregateSegment, Key: "nope"})
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeNotFound))
	assert.Equal(t, enums.RunStatusFailed, res.Status)

	_, err = h.coord.Execute(ctx, Request{AggregateType: enums.AggregateRetention, Key: "week:2024-03-06"})
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeValidation))
}

func TestExecuteFunnelWithWindow(t *testing.T) {
	h := newHarness(t, eventstore.NewMemoryReader(fixture()...))
	ctx := context.Background()
	window := funnels.Window{Start: asOf.AddDate(0, 0, -7), End: asOf}

	res, err := h.coord.Execute(ctx, Request{AggregateType: enums.AggregateFunnel, Key: "onboarding", Window: &window})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Committed)

	run, err := aggregates.GetFunnel(ctx, h.cache, "onboarding", window)
	require.NoError(t, err)
	require.Len(t, run.Steps, 2)
	assert.Equal(t, 2, run.Steps[0].Visitors)
	assert.Equal(t, 1, run.Steps[1].Visitors)

	latest, err := aggregates.LatestFunnel(ctx, h.cache, "onboarding")
	require.NoError(t, err)
	assert.Equal(t, run.Key(), latest.Key())
}

func TestExecuteMultiKeyRuns(t *testing.T) {
	h := newHarness(t, eventstore.NewMemoryReader(fixture()...))
	ctx := context.Background()

	res, err := h.coord.Execute(ctx, Request{AggregateType: enums.AggregateChurn})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Committed)
	_, err = aggregates.GetChurn(ctx, h.cache, "u2")
	require.NoError(t, err)

	res, err = h.coord.Execute(ctx, Request{AggregateType: enums.AggregateRetention})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Committed)
	curve, err := aggregates.GetRetention(ctx, h.cache, "week:2024-02-26")
	require.NoError(t, err)
	assert.Equal(t, 2, curve.CohortSize)

	res, err = h.coord.Execute(ctx, Request{AggregateType: enums.AggregateRetention, Key: "week:2024-02-26"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Committed)
}

func TestCancelStopsOnlyThatRun(t *testing.T) {
	reader := &blockingReader{started: make(chan struct{})}
	h := newHarness(t, reader)
	ctx := context.Background()

	runID, done, err := h.coord.Submit(ctx, Request{AggregateType: enums.AggregateSegment, Key: "pro"})
	require.NoError(t, err)
	<-reader.started

	assert.ErrorIs(t, h.coord.Cancel(uuid.New()), ErrRunNotFound)
	require.NoError(t, h.coord.Cancel(runID))

	select {
	case res := <-done:
		assert.Equal(t, enums.RunStatusCanceled, res.Status)
		assert.ErrorIs(t, res.Err, ErrRunCanceled)
		assert.True(t, pkgerrors.HasCode(res.Err, pkgerrors.CodeCanceled))
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancel")
	}

	_, err = aggregates.GetSegment(ctx, h.cache, "pro")
	assert.ErrorIs(t, err, aggregates.ErrNotFound)

	run, err := h.coord.Get(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, enums.RunStatusCanceled, run.Status)
	assert.ErrorIs(t, h.coord.Cancel(runID), ErrRunNotFound)
}

func TestSubmitOutlivesCallerContext(t *testing.T) {
	h := newHarness(t, eventstore.NewMemoryReader(fixture()...))
	ctx, cancel := context.WithCancel(context.Background())

	_, done, err := h.coord.Submit(ctx, Request{AggregateType: enums.AggregateSegment, Key: "pro"})
	require.NoError(t, err)
	cancel()

	res := <-done
	assert.Equal(t, enums.RunStatusCommitted, res.Status)
}

func TestShutdownCancelsInflightRuns(t *testing.T) {
	reader := &blockingReader{started: make(chan struct{})}
	h := newHarness(t, reader)

	_, done, err := h.coord.Submit(context.Background(), Request{AggregateType: enums.AggregateChurn, Key: "u1"})
	require.NoError(t, err)
	<-reader.started

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.coord.Shutdown(ctx))
	assert.Equal(t, enums.RunStatusCanceled, (<-done).Status)
}

func TestNewCoordinatorRequiresDependencies(t *testing.T) {
	_, err := NewCoordinator(Params{})
	require.Error(t, err)
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeDependency))
}

// cancelAfterFirstPut cancels the run's caller after the first snapshot lands.
type cancelAfterFirstPut struct {
	*aggregates.MemoryStore
	cancel context.CancelFunc
	once   sync.Once
}

func (c *cancelAfterFirstPut) Put(ctx context.Context, snap aggregates.Snapshot) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	ok, err := c.MemoryStore.Put(ctx, snap)
	c.once.Do(c.cancel)
	return ok, err
}

func TestCancelDuringCommitKeepsRunWhole(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cache := &cancelAfterFirstPut{MemoryStore: aggregates.NewMemoryStore(), cancel: cancel}
	coord, err := NewCoordinator(Params{
		Logger:   logger.New(logger.Options{ServiceName: "test", Output: io.Discard}),
		Reader:   eventstore.NewMemoryReader(fixture()...),
		Cache:    cache,
		Catalog:  testCatalog(),
		Policy:   config.DefaultPolicy(),
		Recorder: NewMemoryRecorder(),
		Notifier: &recordingNotifier{},
		Now:      func() time.Time { return asOf },
	})
	require.NoError(t, err)

	res, err := coord.Execute(ctx, Request{AggregateType: enums.AggregateChurn})
	require.NoError(t, err)
	assert.Equal(t, enums.RunStatusCommitted, res.Status)
	assert.Equal(t, 2, res.Committed)

	snaps, err := cache.List(context.Background(), enums.AggregateChurn)
	require.NoError(t, err)
	assert.Len(t, snaps, 2)
}
