package cron

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/angelmondragon/pulse-engine/pkg/logger"
	"github.com/angelmondragon/pulse-engine/pkg/metrics"
)

const defaultInterval = time.Hour

// ErrLockLost aborts a cycle whose lock could not be extended.
var ErrLockLost = errors.New("scheduler lock lost")

// ServiceParams configure the scheduler service.
type ServiceParams struct {
	Logger   *logger.Logger
	Registry *Registry
	Lock     Lock
	Metrics  *metrics.SchedulerMetrics
	Interval time.Duration
}

// Service runs the registered jobs on a fixed cadence. Only the instance
// holding the lock runs a cycle.
type Service struct {
	logg     *logger.Logger
	registry *Registry
	lock     Lock
	metrics  *metrics.SchedulerMetrics
	interval time.Duration
}

// NewService builds a scheduler service.
func NewService(params ServiceParams) (*Service, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Lock == nil {
		return nil, fmt.Errorf("lock required")
	}
	registry := params.Registry
	if registry == nil {
		registry = &Registry{index: map[string]int{}}
	}
	interval := params.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Service{
		logg:     params.Logger,
		registry: registry,
		lock:     params.Lock,
		metrics:  params.Metrics,
		interval: interval,
	}, nil
}

// Run executes a cycle immediately and then on every tick until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	if err := s.RunOnce(ctx); err != nil {
		s.logg.Error(ctx, "scheduled cycle failed", err)
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logg.Info(ctx, "scheduler stopping")
			return ctx.Err()
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logg.Error(ctx, "scheduled cycle failed", err)
			}
		}
	}
}

// RunOnce runs every job once under the lock. The lock is extended every
// third of its TTL while the cycle runs; when an extension fails the cycle
// context is canceled and the remaining jobs are skipped. Job failures are
// combined; jobs skipped because ctx ended are not. A cycle skipped because another instance holds the lock is not
// an error.
func (s *Service) RunOnce(ctx context.Context) error {
	locked, err := s.lock.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("lock acquire: %w", err)
	}
	if !locked {
		s.metrics.Contended()
		s.logg.Info(ctx, "another scheduler instance holds the lock; skipping cycle")
		return nil
	}

	cycleCtx, abort := context.WithCancelCause(ctx)
	wait := s.heartbeat(cycleCtx, abort)
	defer func() {
		abort(nil)
		wait()
		if relErr := s.lock.Release(context.WithoutCancel(ctx)); relErr != nil {
			s.logg.Error(ctx, "failed to release scheduler lock", relErr)
		}
	}()

	s.logg.Info(ctx, "scheduled cycle starting")
	var errs error
	for _, job := range s.registry.Jobs() {
		if cycleCtx.Err() != nil {
			s.metrics.Skip(job.Name())
			if cause := context.Cause(cycleCtx); errors.Is(cause, ErrLockLost) {
				errs = multierr.Append(errs, fmt.Errorf("%s: not started: %w", job.Name(), cause))
			}
			continue
		}
		if err := s.runJob(cycleCtx, job); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", job.Name(), err))
		}
	}
	s.logg.Info(ctx, "scheduled cycle complete")
	return errs
}

// heartbeat keeps the lock alive until ctx is done. A store error is
// tolerated until the lock would have expired since the last extension.
// The returned func blocks until the goroutine exits.
func (s *Service) heartbeat(ctx context.Context, abort context.CancelCauseFunc) func() {
	ttl := s.lock.TTL()
	if ttl <= 0 {
		return func() {}
	}
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		extended := time.Now()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			held, err := s.lock.Extend(ctx)
			switch {
			case err == nil && held:
				extended = time.Now()
				continue
			case err != nil && ctx.Err() != nil:
				return
			case err != nil && time.Since(extended) < ttl:
				s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "scheduler lock extension failed; retrying")
				continue
			}
			if err == nil {
				err = errors.New("lock owned by another instance")
			}
			s.metrics.LockLost()
			s.logg.Error(ctx, "aborting scheduled cycle", err)
			abort(fmt.Errorf("%w: %w", ErrLockLost, err))
			return
		}
	}()
	return wg.Wait
}

func (s *Service) runJob(ctx context.Context, job Job) error {
	jobCtx := s.logg.WithFields(ctx, map[string]any{"job": job.Name(), "event": "cron.job"})
	s.logg.Info(jobCtx, "job start")
	start := time.Now()
	err := job.Run(jobCtx)
	duration := time.Since(start)
	s.metrics.Observe(job.Name(), duration, err)
	jobCtx = s.logg.WithField(jobCtx, "duration_ms", duration.Milliseconds())
	if err != nil {
		s.logg.Error(jobCtx, "job failed", err)
		return err
	}
	s.logg.Info(jobCtx, "job completed")
	return nil
}
