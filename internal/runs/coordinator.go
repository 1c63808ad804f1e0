package runs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/pulse-engine/internal/aggregates"
	"github.com/angelmondragon/pulse-engine/internal/catalog"
	"github.com/angelmondragon/pulse-engine/internal/churn"
	"github.com/angelmondragon/pulse-engine/internal/cohorts"
	"github.com/angelmondragon/pulse-engine/internal/condition"
	"github.com/angelmondragon/pulse-engine/internal/events"
	"github.com/angelmondragon/pulse-engine/internal/funnels"
	"github.com/angelmondragon/pulse-engine/internal/notify"
	"github.com/angelmondragon/pulse-engine/internal/segments"
	"github.com/angelmondragon/pulse-engine/pkg/config"
	"github.com/angelmondragon/pulse-engine/pkg/db/models"
	"github.com/angelmondragon/pulse-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/pulse-engine/pkg/errors"
	"github.com/angelmondragon/pulse-engine/pkg/logger"
	"github.com/angelmondragon/pulse-engine/pkg/metrics"
	"github.com/angelmondragon/pulse-engine/pkg/pagination"
)

// Params wires the coordinator.
type Params struct {
	Logger   *logger.Logger
	Reader   events.Reader
	Cache    aggregates.Cache
	Catalog  *catalog.Catalog
	Policy   config.Policy
	Recorder Recorder
	Notifier notify.Notifier
	Metrics  *metrics.ComputeMetrics
	Now      func() time.Time
}

// Coordinator executes runs. Runs for different keys proceed in parallel and
// concurrent runs for the same key are settled by the cache.
type Coordinator struct {
	logg     *logger.Logger
	cache    aggregates.Cache
	catalog  *catalog.Catalog
	policy   config.Policy
	recorder Recorder
	notifier notify.Notifier
	metrics  *metrics.ComputeMetrics
	now      func() time.Time

	segments *segments.Engine
	funnels  *funnels.Engine
	cohorts  *cohorts.Engine
	churn    *churn.Scorer

	mu       sync.Mutex
	inflight map[uuid.UUID]context.CancelFunc
	wg       sync.WaitGroup
}

// NewCoordinator builds the engines from the catalog and policy.
func NewCoordinator(params Params) (*Coordinator, error) {
	switch {
	case params.Logger == nil:
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "logger required")
	case params.Reader == nil:
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "event reader required")
	case params.Cache == nil:
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "aggregate cache required")
	case params.Recorder == nil:
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "run recorder required")
	}
	cat := params.Catalog
	if cat == nil {
		cat = &catalog.Catalog{}
	}
	reader := events.CountScans(params.Reader)

	segEngine, err := segments.NewEngine(reader)
	if err != nil {
		return nil, err
	}
	funnelEngine, err := funnels.NewEngine(reader, funnels.Options{
		BottleneckThreshold: params.Policy.BottleneckThreshold,
		Shards:              params.Policy.FunnelShards,
	})
	if err != nil {
		return nil, err
	}
	cohortEngine, err := cohorts.NewEngine(reader)
	if err != nil {
		return nil, err
	}
	churnOpts, err := cat.ChurnOptions(params.Policy)
	if err != nil {
		return nil, err
	}
	scorer, err := churn.NewScorer(reader, churnOpts)
	if err != nil {
		return nil, err
	}

	notifier := params.Notifier
	if notifier == nil {
		notifier = notify.Noop{}
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &Coordinator{
		logg:     params.Logger,
		cache:    params.Cache,
		catalog:  cat,
		policy:   params.Policy,
		recorder: params.Recorder,
		notifier: notifier,
		metrics:  params.Metrics,
		now:      now,
		segments: segEngine,
		funnels:  funnelEngine,
		cohorts:  cohortEngine,
		churn:    scorer,
		inflight: map[uuid.UUID]context.CancelFunc{},
	}, nil
}

// Catalog returns the definitions the coordinator computes.
func (c *Coordinator) Catalog() *catalog.Catalog {
	return c.catalog
}

// Execute runs req to completion. The returned error is also set on the
// Result.
func (c *Coordinator) Execute(ctx context.Context, req Request) (Result, error) {
	runID, runCtx, err := c.begin(ctx, &req)
	if err != nil {
		return Result{AggregateType: req.AggregateType, Key: req.Key, Status: enums.RunStatusFailed, Err: err}, err
	}
	res := c.run(runCtx, runID, req)
	return res, res.Err
}

// Submit records req and runs it in the background. The run outlives ctx;
// stop it with Cancel. The channel receives exactly one Result.
func (c *Coordinator) Submit(ctx context.Context, req Request) (uuid.UUID, <-chan Result, error) {
	runID, runCtx, err := c.begin(context.WithoutCancel(ctx), &req)
	if err != nil {
		return uuid.Nil, nil, err
	}
	out := make(chan Result, 1)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		out <- c.run(runCtx, runID, req)
		close(out)
	}()
	return runID, out, nil
}

// Cancel stops one in-flight run. Other runs are not affected.
func (c *Coordinator) Cancel(runID uuid.UUID) error {
	c.mu.Lock()
	cancel, ok := c.inflight[runID]
	c.mu.Unlock()
	if !ok {
		return ErrRunNotFound
	}
	cancel()
	return nil
}

// Shutdown cancels every in-flight run and waits for them to finish.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	for _, cancel := range c.inflight {
		cancel()
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get returns the ledger entry of a run.
func (c *Coordinator) Get(ctx context.Context, runID uuid.UUID) (*models.ComputeRun, error) {
	run, err := c.recorder.Get(ctx, runID)
	if errors.Is(err, ErrRunNotFound) {
		return nil, pkgerrors.Wrap(pkgerrors.CodeNotFound, err, "run not found")
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read run")
	}
	return run, nil
}

// List pages through the ledger. The cursor is nil on the last page.
func (c *Coordinator) List(ctx context.Context, params ListParams) ([]models.ComputeRun, *pagination.Cursor, error) {
	if params.AggregateType != "" && !params.AggregateType.IsValid() {
		return nil, nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid aggregate type")
	}
	if params.Status != "" && !params.Status.IsValid() {
		return nil, nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid run status")
	}
	rows, next, err := c.recorder.List(ctx, params)
	if err != nil {
		return nil, nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list runs")
	}
	return rows, next, nil
}

// Recorder exposes the ledger for paginated reads.
func (c *Coordinator) Recorder() Recorder {
	return c.recorder
}

// begin validates req, records it as pending and registers its cancel func.
func (c *Coordinator) begin(ctx context.Context, req *Request) (uuid.UUID, context.Context, error) {
	req.Key = strings.TrimSpace(req.Key)
	if req.AsOf.IsZero() {
		req.AsOf = c.now()
	}
	req.AsOf = req.AsOf.UTC()
	if req.Trigger == "" {
		req.Trigger = TriggerAPI
	}
	if err := req.Validate(); err != nil {
		return uuid.Nil, nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid run request")
	}

	runID := uuid.New()
	record := &models.ComputeRun{
		ID:            runID,
		AggregateType: req.AggregateType,
		Key:           req.Key,
		Status:        enums.RunStatusPending,
		Trigger:       req.Trigger,
	}
	if err := c.recorder.Create(ctx, record); err != nil {
		return uuid.Nil, nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record run")
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.inflight[runID] = cancel
	c.mu.Unlock()
	return runID, runCtx, nil
}

func (c *Coordinator) finishInflight(runID uuid.UUID) {
	c.mu.Lock()
	cancel, ok := c.inflight[runID]
	delete(c.inflight, runID)
	c.mu.Unlock()
	if ok {
		cancel()
	}
}

func (c *Coordinator) run(ctx context.Context, runID uuid.UUID, req Request) Result {
	defer c.finishInflight(runID)

	ctx = c.logg.WithRunID(ctx, runID.String())
	ctx = c.logg.WithAggregate(ctx, string(req.AggregateType), req.Key)
	ctx = c.logg.WithField(ctx, "trigger", req.Trigger)
	ctx, counter := events.WithScanCounter(ctx)

	started := c.now()
	res := Result{RunID: runID, AggregateType: req.AggregateType, Key: req.Key}
	if err := c.recorder.Start(ctx, runID, started.UTC()); err != nil {
		c.logg.Error(ctx, "run.start: ledger update failed", err)
	}
	c.logg.Info(ctx, "run.start")

	outputs, err := c.compute(ctx, req)
	if err == nil {
		err = ctx.Err()
	}
	if err == nil {
		res.ComputedAt = c.now().UTC()
		err = c.commitAll(ctx, runID, res.ComputedAt, outputs, &res)
	}
	res.EventsScanned = counter.Load()

	outcome := metrics.OutcomeCommitted
	switch {
	case err != nil && isCanceled(err):
		res.Status = enums.RunStatusCanceled
		res.Err = pkgerrors.Wrap(pkgerrors.CodeCanceled, fmt.Errorf("%w: %w", ErrRunCanceled, err), "run canceled")
		outcome = metrics.OutcomeCanceled
	case err != nil:
		res.Status = enums.RunStatusFailed
		res.Err = classify(err)
		outcome = metrics.OutcomeFailed
	default:
		res.Status = enums.RunStatusCommitted
		if res.Committed == 0 && res.Stale > 0 {
			outcome = metrics.OutcomeStale
		}
	}

	duration := c.now().Sub(started)
	c.metrics.ObserveRun(string(req.AggregateType), outcome, duration)
	c.metrics.AddScanned(string(req.AggregateType), res.EventsScanned)

	finishCtx := context.WithoutCancel(ctx)
	finish := Outcome{Status: res.Status, EventsScanned: res.EventsScanned, At: c.now().UTC()}
	if res.Err != nil {
		finish.Error = ledgerMessage(res.Err)
	}
	if ferr := c.recorder.Finish(finishCtx, runID, finish); ferr != nil {
		c.logg.Error(finishCtx, "run ledger update failed", ferr)
	}

	logCtx := c.logg.WithFields(finishCtx, map[string]any{
		"duration_ms":    duration.Milliseconds(),
		"events_scanned": res.EventsScanned,
		"committed":      res.Committed,
		"stale":          res.Stale,
	})
	switch res.Status {
	case enums.RunStatusCommitted:
		c.logg.Info(logCtx, "run.committed")
	case enums.RunStatusCanceled:
		c.logg.Warn(logCtx, "run.canceled")
	default:
		c.logg.Error(logCtx, "run.failed", res.Err)
	}
	return res
}

// commitAll stamps and writes every record. Each key is written atomically.
// Cancellation is checked once before the first write; a store failure part
// way still leaves earlier keys committed.
func (c *Coordinator) commitAll(ctx context.Context, runID uuid.UUID, at time.Time, outputs []any, res *Result) error {
	for _, out := range outputs {
		stamp(out, runID.String(), at)
	}
	// Past this point the run commits every key or fails; a cancel no longer
	// applies.
	ctx = context.WithoutCancel(ctx)
	for _, out := range outputs {
		key, applied, err := commit(ctx, c.cache, out)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "commit aggregate")
		}
		if !applied {
			res.Stale++
			c.logg.Debug(c.logg.WithField(ctx, "stale_key", key), "newer snapshot already committed")
			continue
		}
		res.Committed++
		notice := notify.Notice{AggregateType: res.AggregateType, Key: key, RunID: runID.String(), ComputedAt: at}
		if err := c.notifier.AggregateCommitted(ctx, notice); err != nil {
			c.logg.Warn(c.logg.WithField(ctx, "notice_key", key), "commit notice not delivered: "+err.Error())
		}
	}
	return nil
}

func ledgerMessage(err error) string {
	msg := err.Error()
	if cause := errors.Unwrap(err); cause != nil {
		msg += ": " + cause.Error()
	}
	return msg
}

func isCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, ErrRunCanceled) || pkgerrors.HasCode(err, pkgerrors.CodeCanceled)
}

// classify maps an engine failure onto an API error code.
func classify(err error) error {
	var invalid *condition.InvalidOperatorError
	if errors.As(err, &invalid) {
		return pkgerrors.Wrap(pkgerrors.CodeInvalidOperator, err, "invalid operator in definition").WithDetails(map[string]any{
			"property": invalid.Property,
			"operator": invalid.Operator,
			"reason":   invalid.Reason,
		})
	}
	if pkgerrors.As(err) != nil {
		return err
	}
	return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "computation failed")
}
