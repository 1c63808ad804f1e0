package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/pulse-engine/pkg/enums"
)

// ComputeRun is the ledger entry for one aggregate computation.
type ComputeRun struct {
	ID            uuid.UUID           `gorm:"column:id;type:uuid;primaryKey"`
	AggregateType enums.AggregateType `gorm:"column:aggregate_type;not null;index:idx_compute_runs_key,priority:1"`
	Key           string              `gorm:"column:key;not null;index:idx_compute_runs_key,priority:2"`
	Status        enums.RunStatus     `gorm:"column:status;not null;index"`
	Trigger       string              `gorm:"column:trigger;not null"`
	EventsScanned int64               `gorm:"column:events_scanned;not null;default:0"`
	Error         *string             `gorm:"column:error"`
	StartedAt     *time.Time          `gorm:"column:started_at"`
	FinishedAt    *time.Time          `gorm:"column:finished_at"`
	CreatedAt     time.Time           `gorm:"column:created_at;autoCreateTime;index"`
	UpdatedAt     time.Time           `gorm:"column:updated_at;autoUpdateTime"`
}

func (ComputeRun) TableName() string { return "compute_runs" }
