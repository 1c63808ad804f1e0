package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/pulse-engine/internal/runs"
	"github.com/angelmondragon/pulse-engine/pkg/logger"
)

const (
	JobLedgerRetention = "ledger-retention"

	defaultLedgerRetention = 30 * 24 * time.Hour
)

type LedgerRetentionJobParams struct {
	Logger    *logger.Logger
	Pruner    runs.Pruner
	Retention time.Duration
}

// NewLedgerRetentionJob drops finished runs older than the retention window.
// Pending and running rows are never touched.
func NewLedgerRetentionJob(params LedgerRetentionJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Pruner == nil {
		return nil, fmt.Errorf("ledger pruner required")
	}
	retention := params.Retention
	if retention <= 0 {
		retention = defaultLedgerRetention
	}
	return &ledgerRetentionJob{
		logg:      params.Logger,
		pruner:    params.Pruner,
		retention: retention,
		now:       time.Now,
	}, nil
}

type ledgerRetentionJob struct {
	logg      *logger.Logger
	pruner    runs.Pruner
	retention time.Duration
	now       func() time.Time
}

func (j *ledgerRetentionJob) Name() string { return JobLedgerRetention }

func (j *ledgerRetentionJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-j.retention)
	deleted, err := j.pruner.DeleteFinishedBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("ledger retention: %w", err)
	}
	logCtx := j.logg.WithFields(ctx, map[string]any{
		"cutoff":       cutoff,
		"retention":    j.retention.String(),
		"rows_deleted": deleted,
	})
	j.logg.Info(logCtx, "ledger retention cleanup complete")
	return nil
}
