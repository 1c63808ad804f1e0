package eventstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/angelmondragon/pulse-engine/internal/events"
	"github.com/angelmondragon/pulse-engine/pkg/db"
	"github.com/angelmondragon/pulse-engine/pkg/db/models"
)

const insertBatchSize = 500

// SQLReader streams events from the relational events table.
type SQLReader struct {
	db *gorm.DB
}

func NewSQLReader(client *db.Client) (*SQLReader, error) {
	if client == nil || client.DB() == nil {
		return nil, errors.New("db client is required")
	}
	return &SQLReader{db: client.DB()}, nil
}

func (r *SQLReader) QueryEvents(ctx context.Context, q events.Query) (events.Iterator, error) {
	tx := r.db.WithContext(ctx).Model(&models.Event{})
	if q.UserID != "" {
		tx = tx.Where("user_id = ?", q.UserID)
	}
	if len(q.Names) > 0 {
		tx = tx.Where("name IN ?", q.Names)
	}
	if !q.Range.Start.IsZero() {
		tx = tx.Where("occurred_at >= ?", q.Range.Start.UTC())
	}
	if !q.Range.End.IsZero() {
		tx = tx.Where("occurred_at < ?", q.Range.End.UTC())
	}
	rows, err := tx.Order("occurred_at ASC, user_id ASC, name ASC, id ASC").Rows()
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return &sqlIterator{db: r.db, rows: rows}, nil
}

func (r *SQLReader) ActiveUsers(ctx context.Context, asOf time.Time) ([]string, error) {
	var users []string
	err := r.db.WithContext(ctx).
		Model(&models.Event{}).
		Where("occurred_at <= ?", asOf.UTC()).
		Distinct("user_id").
		Order("user_id ASC").
		Pluck("user_id", &users).Error
	if err != nil {
		return nil, fmt.Errorf("active users: %w", err)
	}
	return users, nil
}

// Append inserts events in batches inside one transaction.
func (r *SQLReader) Append(ctx context.Context, evts []events.Event) error {
	if len(evts) == 0 {
		return nil
	}
	rows := make([]models.Event, 0, len(evts))
	for _, e := range evts {
		if err := e.Validate(); err != nil {
			return err
		}
		props, err := encodeProperties(e.Properties)
		if err != nil {
			return err
		}
		rows = append(rows, models.Event{
			ID:         uuid.New(),
			UserID:     e.UserID,
			Name:       e.Name,
			OccurredAt: e.Timestamp.UTC(),
			Properties: datatypes.JSON(props),
		})
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.CreateInBatches(rows, insertBatchSize).Error; err != nil {
			return fmt.Errorf("insert events: %w", err)
		}
		return nil
	})
}

type sqlIterator struct {
	db   *gorm.DB
	rows *sql.Rows
	cur  events.Event
	err  error
}

func (it *sqlIterator) Next() bool {
	if it.err != nil || !it.rows.Next() {
		return false
	}
	var row models.Event
	if err := it.db.ScanRows(it.rows, &row); err != nil {
		it.err = fmt.Errorf("scan event: %w", err)
		return false
	}
	props, err := decodeProperties(row.Properties)
	if err != nil {
		it.err = fmt.Errorf("event %s: %w", row.ID, err)
		return false
	}
	it.cur = events.Event{
		UserID:     row.UserID,
		Name:       row.Name,
		Timestamp:  row.OccurredAt.UTC(),
		Properties: props,
	}
	return true
}

func (it *sqlIterator) Event() events.Event { return it.cur }

func (it *sqlIterator) Err() error {
	if it.err != nil {
		return it.err
	}
	return it.rows.Err()
}

func (it *sqlIterator) Close() error { return it.rows.Close() }
