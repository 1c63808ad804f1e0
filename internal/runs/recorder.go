package runs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/pulse-engine/pkg/db/models"
	"github.com/angelmondragon/pulse-engine/pkg/enums"
	"github.com/angelmondragon/pulse-engine/pkg/pagination"
)

// Recorder persists the run ledger.
type Recorder interface {
	Create(ctx context.Context, run *models.ComputeRun) error
	Start(ctx context.Context, id uuid.UUID, at time.Time) error
	Finish(ctx context.Context, id uuid.UUID, outcome Outcome) error
	Get(ctx context.Context, id uuid.UUID) (*models.ComputeRun, error)
	List(ctx context.Context, params ListParams) ([]models.ComputeRun, *pagination.Cursor, error)
}

// Pruner drops finished runs from the ledger.
type Pruner interface {
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

var terminalStatuses = []enums.RunStatus{enums.RunStatusCommitted, enums.RunStatusFailed, enums.RunStatusCanceled}

// Outcome is the terminal state written by Finish.
type Outcome struct {
	Status        enums.RunStatus
	EventsScanned int64
	Error         string
	At            time.Time
}

// ListParams filters the ledger. Rows come newest first.
type ListParams struct {
	AggregateType enums.AggregateType
	Status        enums.RunStatus
	Limit         int
	Cursor        *pagination.Cursor
}

func cursorFor(run models.ComputeRun) pagination.Cursor {
	return pagination.Cursor{At: run.CreatedAt, Key: run.ID.String()}
}

// SQLRecorder stores runs in the compute_runs table.
type SQLRecorder struct {
	db *gorm.DB
}

// NewSQLRecorder returns a recorder bound to db.
func NewSQLRecorder(db *gorm.DB) *SQLRecorder {
	return &SQLRecorder{db: db}
}

// Create stores run. CreatedAt is kept at microsecond precision so page
// cursors compare exactly against stored rows.
func (r *SQLRecorder) Create(ctx context.Context, run *models.ComputeRun) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now()
	}
	run.CreatedAt = run.CreatedAt.UTC().Truncate(time.Microsecond)
	return r.db.WithContext(ctx).Create(run).Error
}

func (r *SQLRecorder) Start(ctx context.Context, id uuid.UUID, at time.Time) error {
	res := r.db.WithContext(ctx).
		Model(&models.ComputeRun{}).
		Where("id = ? AND status = ?", id, enums.RunStatusPending).
		Updates(map[string]any{"status": enums.RunStatusRunning, "started_at": at})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("start run %s: %w", id, ErrRunNotFound)
	}
	return nil
}

func (r *SQLRecorder) Finish(ctx context.Context, id uuid.UUID, outcome Outcome) error {
	updates := map[string]any{
		"status":         outcome.Status,
		"events_scanned": outcome.EventsScanned,
		"finished_at":    outcome.At,
	}
	if outcome.Error != "" {
		updates["error"] = outcome.Error
	}
	res := r.db.WithContext(ctx).
		Model(&models.ComputeRun{}).
		Where("id = ?", id).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("finish run %s: %w", id, ErrRunNotFound)
	}
	return nil
}

func (r *SQLRecorder) Get(ctx context.Context, id uuid.UUID) (*models.ComputeRun, error) {
	var run models.ComputeRun
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (r *SQLRecorder) List(ctx context.Context, params ListParams) ([]models.ComputeRun, *pagination.Cursor, error) {
	query := r.db.WithContext(ctx).Model(&models.ComputeRun{})
	if params.AggregateType != "" {
		query = query.Where("aggregate_type = ?", params.AggregateType)
	}
	if params.Status != "" {
		query = query.Where("status = ?", params.Status)
	}
	if params.Cursor != nil {
		query = query.Where("(created_at < ? OR (created_at = ? AND id > ?))",
			params.Cursor.At, params.Cursor.At, params.Cursor.Key)
	}

	var rows []models.ComputeRun
	if err := query.Order("created_at DESC, id ASC").Limit(pagination.LimitWithBuffer(params.Limit)).Find(&rows).Error; err != nil {
		return nil, nil, err
	}
	page, next := pagination.Trim(rows, params.Limit, cursorFor)
	return page, next, nil
}

// DeleteFinishedBefore removes terminal runs that finished before cutoff.
func (r *SQLRecorder) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("status IN ? AND finished_at < ?", terminalStatuses, cutoff).
		Delete(&models.ComputeRun{})
	return res.RowsAffected, res.Error
}

// MemoryRecorder keeps runs in process.
type MemoryRecorder struct {
	mu   sync.RWMutex
	runs map[uuid.UUID]models.ComputeRun
	now  func() time.Time
}

func NewMemoryRecorder() *MemoryRecorder {
	return &MemoryRecorder{runs: map[uuid.UUID]models.ComputeRun{}, now: time.Now}
}

func (m *MemoryRecorder) Create(_ context.Context, run *models.ComputeRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[run.ID]; exists {
		return fmt.Errorf("run %s already recorded", run.ID)
	}
	now := m.now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.CreatedAt = run.CreatedAt.UTC().Truncate(time.Microsecond)
	run.UpdatedAt = now
	m.runs[run.ID] = *run
	return nil
}

func (m *MemoryRecorder) Start(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok || run.Status != enums.RunStatusPending {
		return fmt.Errorf("start run %s: %w", id, ErrRunNotFound)
	}
	run.Status = enums.RunStatusRunning
	run.StartedAt = &at
	run.UpdatedAt = m.now().UTC()
	m.runs[id] = run
	return nil
}

func (m *MemoryRecorder) Finish(_ context.Context, id uuid.UUID, outcome Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return fmt.Errorf("finish run %s: %w", id, ErrRunNotFound)
	}
	at := outcome.At
	run.Status = outcome.Status
	run.EventsScanned = outcome.EventsScanned
	run.FinishedAt = &at
	if outcome.Error != "" {
		msg := outcome.Error
		run.Error = &msg
	}
	run.UpdatedAt = m.now().UTC()
	m.runs[id] = run
	return nil
}

func (m *MemoryRecorder) Get(_ context.Context, id uuid.UUID) (*models.ComputeRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	return &run, nil
}

func (m *MemoryRecorder) List(_ context.Context, params ListParams) ([]models.ComputeRun, *pagination.Cursor, error) {
	m.mu.RLock()
	rows := make([]models.ComputeRun, 0, len(m.runs))
	for _, run := range m.runs {
		if params.AggregateType != "" && run.AggregateType != params.AggregateType {
			continue
		}
		if params.Status != "" && run.Status != params.Status {
			continue
		}
		if params.Cursor != nil && !params.Cursor.After(run.CreatedAt, run.ID.String()) {
			continue
		}
		rows = append(rows, run)
	}
	m.mu.RUnlock()

	sort.Slice(rows, func(i, j int) bool {
		return pagination.Less(rows[i].CreatedAt, rows[i].ID.String(), rows[j].CreatedAt, rows[j].ID.String())
	})
	page, next := pagination.Trim(rows, params.Limit, cursorFor)
	return page, next, nil
}

func (m *MemoryRecorder) DeleteFinishedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var deleted int64
	for id, run := range m.runs {
		if run.Status.IsTerminal() && run.FinishedAt != nil && run.FinishedAt.Before(cutoff) {
			delete(m.runs, id)
			deleted++
		}
	}
	return deleted, nil
}
