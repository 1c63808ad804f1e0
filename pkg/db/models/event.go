package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Event is one immutable row of the raw event log.
type Event struct {
	ID         uuid.UUID      `gorm:"column:id;type:uuid;primaryKey"`
	UserID     string         `gorm:"column:user_id;not null;index:idx_events_user_occurred,priority:1"`
	Name       string         `gorm:"column:name;not null;index:idx_events_name_occurred,priority:1"`
	OccurredAt time.Time      `gorm:"column:occurred_at;not null;index:idx_events_user_occurred,priority:2;index:idx_events_name_occurred,priority:2;index:idx_events_occurred"`
	Properties datatypes.JSON `gorm:"column:properties;not null"`
	IngestedAt time.Time      `gorm:"column:ingested_at;autoCreateTime"`
}

func (Event) TableName() string { return "events" }
