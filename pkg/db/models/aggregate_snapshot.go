package models

import (
	"time"

	"gorm.io/datatypes"
)

// AggregateSnapshot holds the latest committed snapshot for one aggregate key.
type AggregateSnapshot struct {
	AggregateType string         `gorm:"column:aggregate_type;primaryKey;index:idx_aggregate_snapshots_type_computed,priority:1"`
	Key           string         `gorm:"column:key;primaryKey"`
	RunID         string         `gorm:"column:run_id;not null"`
	ComputedAt    time.Time      `gorm:"column:computed_at;not null;index:idx_aggregate_snapshots_type_computed,priority:2"`
	Payload       datatypes.JSON `gorm:"column:payload;not null"`
	UpdatedAt     time.Time      `gorm:"column:updated_at;autoUpdateTime"`
}

func (AggregateSnapshot) TableName() string { return "aggregate_snapshots" }
