package cron

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/angelmondragon/pulse-engine/internal/catalog"
	"github.com/angelmondragon/pulse-engine/internal/runs"
	"github.com/angelmondragon/pulse-engine/pkg/enums"
	"github.com/angelmondragon/pulse-engine/pkg/logger"
)

// Job names.
const (
	JobSegmentRefresh   = "segment-refresh"
	JobFunnelRefresh    = "funnel-refresh"
	JobRetentionRefresh = "retention-refresh"
	JobChurnScoring     = "churn-scoring"
)

type runExecutor interface {
	Execute(ctx context.Context, req runs.Request) (runs.Result, error)
}

// ComputeJobParams configure the scheduled compute jobs.
type ComputeJobParams struct {
	Logger  *logger.Logger
	Runner  runExecutor
	Catalog *catalog.Catalog
	Now     func() time.Time
}

type computeJob struct {
	name          string
	aggregateType enums.AggregateType
	keys          func(*catalog.Catalog) []string
	logg          *logger.Logger
	runner        runExecutor
	catalog       *catalog.Catalog
	now           func() time.Time
}

func newComputeJob(name string, t enums.AggregateType, keys func(*catalog.Catalog) []string, params ComputeJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Runner == nil {
		return nil, fmt.Errorf("run executor required")
	}
	if params.Catalog == nil {
		return nil, fmt.Errorf("catalog required")
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &computeJob{
		name:          name,
		aggregateType: t,
		keys:          keys,
		logg:          params.Logger,
		runner:        params.Runner,
		catalog:       params.Catalog,
		now:           now,
	}, nil
}

// NewSegmentRefreshJob recomputes every active segment.
func NewSegmentRefreshJob(params ComputeJobParams) (Job, error) {
	return newComputeJob(JobSegmentRefresh, enums.AggregateSegment, func(c *catalog.Catalog) []string {
		defs := c.ActiveSegments()
		ids := make([]string, 0, len(defs))
		for _, def := range defs {
			ids = append(ids, def.ID)
		}
		return ids
	}, params)
}

// NewFunnelRefreshJob recomputes every funnel over its configured window.
func NewFunnelRefreshJob(params ComputeJobParams) (Job, error) {
	return newComputeJob(JobFunnelRefresh, enums.AggregateFunnel, func(c *catalog.Catalog) []string {
		ids := make([]string, 0, len(c.Funnels))
		for _, def := range c.Funnels {
			ids = append(ids, def.ID)
		}
		return ids
	}, params)
}

// NewRetentionRefreshJob recomputes the curves of every cohort in the lookback range.
func NewRetentionRefreshJob(params ComputeJobParams) (Job, error) {
	return newComputeJob(JobRetentionRefresh, enums.AggregateRetention, allKeys, params)
}

// NewChurnScoringJob rescores every active user.
func NewChurnScoringJob(params ComputeJobParams) (Job, error) {
	return newComputeJob(JobChurnScoring, enums.AggregateChurn, allKeys, params)
}

// NewComputeJobs builds the four scheduled jobs in refresh order.
func NewComputeJobs(params ComputeJobParams) ([]Job, error) {
	ctors := []func(ComputeJobParams) (Job, error){
		NewSegmentRefreshJob,
		NewFunnelRefreshJob,
		NewRetentionRefreshJob,
		NewChurnScoringJob,
	}
	jobs := make([]Job, 0, len(ctors))
	for _, ctor := range ctors {
		job, err := ctor(params)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func allKeys(*catalog.Catalog) []string { return []string{""} }

func (j *computeJob) Name() string { return j.name }

// Run executes one run per key with a shared asOf. A failing key does not
// stop the others; all failures are returned together.
func (j *computeJob) Run(ctx context.Context) error {
	asOf := j.now().UTC()
	var errs error
	committed := 0
	for _, key := range j.keys(j.catalog) {
		if err := ctx.Err(); err != nil {
			return multierr.Append(errs, err)
		}
		res, err := j.runner.Execute(ctx, runs.Request{
			AggregateType: j.aggregateType,
			Key:           key,
			AsOf:          asOf,
			Trigger:       runs.TriggerScheduler,
		})
		if err != nil {
			label := key
			if label == "" {
				label = "all"
			}
			errs = multierr.Append(errs, fmt.Errorf("%s %s: %w", j.aggregateType, label, err))
			continue
		}
		committed += res.Committed
	}
	j.logg.Info(j.logg.WithField(ctx, "keys_committed", committed), "compute job finished")
	return errs
}
