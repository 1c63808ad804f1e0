package aggregates

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/pulse-engine/pkg/db"
	"github.com/angelmondragon/pulse-engine/pkg/db/models"
	"github.com/angelmondragon/pulse-engine/pkg/enums"
)

// SQLStore persists snapshots in aggregate_snapshots.
type SQLStore struct {
	db *gorm.DB
}

func NewSQLStore(client *db.Client) *SQLStore {
	return &SQLStore{db: client.DB()}
}

func (s *SQLStore) Get(ctx context.Context, t enums.AggregateType, key string) (Snapshot, error) {
	var row models.AggregateSnapshot
	err := s.db.WithContext(ctx).
		Where("aggregate_type = ? AND key = ?", string(t), key).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Snapshot{}, ErrNotFound
		}
		return Snapshot{}, fmt.Errorf("get %s %s: %w", t, key, err)
	}
	return fromRow(row), nil
}

// Put upserts the snapshot unless the stored one is newer.
func (s *SQLStore) Put(ctx context.Context, snap Snapshot) (bool, error) {
	if err := snap.validate(); err != nil {
		return false, err
	}
	snap = snap.normalize()
	row := models.AggregateSnapshot{
		AggregateType: string(snap.Type),
		Key:           snap.Key,
		RunID:         snap.RunID,
		ComputedAt:    snap.ComputedAt,
		Payload:       datatypes.JSON(snap.Payload),
	}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "aggregate_type"}, {Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"run_id", "computed_at", "payload", "updated_at"}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "aggregate_snapshots.computed_at <= excluded.computed_at"},
		}},
	}).Create(&row)
	if res.Error != nil {
		return false, fmt.Errorf("put %s %s: %w", snap.Type, snap.Key, res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *SQLStore) List(ctx context.Context, t enums.AggregateType) ([]Snapshot, error) {
	var rows []models.AggregateSnapshot
	err := s.db.WithContext(ctx).
		Where("aggregate_type = ?", string(t)).
		Order("computed_at DESC, key ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", t, err)
	}
	out := make([]Snapshot, 0, len(rows))
	for _, row := range rows {
		out = append(out, fromRow(row))
	}
	sortSnapshots(out)
	return out, nil
}

func fromRow(row models.AggregateSnapshot) Snapshot {
	return Snapshot{
		Type:       enums.AggregateType(row.AggregateType),
		Key:        row.Key,
		RunID:      row.RunID,
		ComputedAt: row.ComputedAt.UTC(),
		Payload:    []byte(row.Payload),
	}
}
