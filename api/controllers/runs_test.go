package controllers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/pulse-engine/internal/runs"
	"github.com/angelmondragon/pulse-engine/pkg/db/models"
	"github.com/angelmondragon/pulse-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/pulse-engine/pkg/errors"
	"github.com/angelmondragon/pulse-engine/pkg/pagination"
)

type fakeCoordinator struct {
	submitted []runs.Request
	canceled  []uuid.UUID
	inflight  map[uuid.UUID]bool
	rows      map[uuid.UUID]models.ComputeRun
	listed    runs.ListParams
	next      *pagination.Cursor
}

func newFakeCoordinator() *fakeCoordinator {
	return &fakeCoordinator{inflight: map[uuid.UUID]bool{}, rows: map[uuid.UUID]models.ComputeRun{}}
}

func (f *fakeCoordinator) Submit(_ context.Context, req runs.Request) (uuid.UUID, <-chan runs.Result, error) {
	f.submitted = append(f.submitted, req)
	id := uuid.New()
	f.inflight[id] = true
	return id, make(chan runs.Result), nil
}

func (f *fakeCoordinator) Cancel(id uuid.UUID) error {
	if !f.inflight[id] {
		return runs.ErrRunNotFound
	}
	f.canceled = append(f.canceled, id)
	return nil
}

func (f *fakeCoordinator) Get(_ context.Context, id uuid.UUID) (*models.ComputeRun, error) {
	row, ok := f.rows[id]
	if !ok {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "run not found")
	}
	return &row, nil
}

func (f *fakeCoordinator) List(_ context.Context, params runs.ListParams) ([]models.ComputeRun, *pagination.Cursor, error) {
	f.listed = params
	out := make([]models.ComputeRun, 0, len(f.rows))
	for _, row := range f.rows {
		out = append(out, row)
	}
	return out, f.next, nil
}

func withRunID(req *http.Request, id string) *http.Request {
	rc := chi.NewRouteContext()
	rc.URLParams.Add("runID", id)
	return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rc))
}

func TestSubmitRunAcceptsWithoutWaiting(t *testing.T) {
	coord := newFakeCoordinator()
	body := `{"aggregate_type":"funnel","key":" onboarding ","as_of":"2024-03-04T12:00:00+02:00","window":{"start":"2024-02-01T00:00:00Z","end":"2024-03-01T00:00:00Z"}}`

	resp := httptest.NewRecorder()
	SubmitRun(coord, nil).ServeHTTP(resp, httptest.NewRequest(http.MethodPost, "/api/v1/runs", strings.NewReader(body)))

	require.Equal(t, http.StatusAccepted, resp.Code)
	require.Len(t, coord.submitted, 1)
	req := coord.submitted[0]
	assert.Equal(t, enums.AggregateFunnel, req.AggregateType)
	assert.Equal(t, "onboarding", req.Key)
	assert.Equal(t, runs.TriggerAPI, req.Trigger)
	assert.Equal(t, time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC), req.AsOf)
	require.NotNil(t, req.Window)
	assert.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), req.Window.Start)

	var env struct {
		Data submitRunResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &env))
	assert.Equal(t, "pending", env.Data.Status)
	assert.NotEqual(t, uuid.Nil, env.Data.RunID)
}

func TestCancelRunInFlight(t *testing.T) {
	coord := newFakeCoordinator()
	id, _, _ := coord.Submit(context.Background(), runs.Request{})

	resp := httptest.NewRecorder()
	CancelRun(coord, nil).ServeHTTP(resp, withRunID(httptest.NewRequest(http.MethodDelete, "/", nil), id.String()))

	assert.Equal(t, http.StatusAccepted, resp.Code)
	assert.Equal(t, []uuid.UUID{id}, coord.canceled)
}

func TestCancelRunFinished(t *testing.T) {
	coord := newFakeCoordinator()
	id := uuid.New()
	coord.rows[id] = models.ComputeRun{ID: id, Status: enums.RunStatusCommitted}

	resp := httptest.NewRecorder()
	CancelRun(coord, nil).ServeHTTP(resp, withRunID(httptest.NewRequest(http.MethodDelete, "/", nil), id.String()))

	assert.Equal(t, http.StatusUnprocessableEntity, resp.Code)
	assert.Empty(t, coord.canceled)
}

func TestListRunsPassesFiltersAndCursor(t *testing.T) {
	coord := newFakeCoordinator()
	id := uuid.New()
	created := time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	coord.rows[id] = models.ComputeRun{ID: id, AggregateType: enums.AggregateChurn, Status: enums.RunStatusFailed, CreatedAt: created}
	coord.next = &pagination.Cursor{At: created, Key: id.String()}

	resp := httptest.NewRecorder()
	ListRuns(coord, nil).ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/v1/runs?aggregate_type=CHURN&status=failed&limit=1", nil))

	require.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, enums.AggregateChurn, coord.listed.AggregateType)
	assert.Equal(t, enums.RunStatusFailed, coord.listed.Status)
	assert.Equal(t, 1, coord.listed.Limit)

	var env struct {
		Data struct {
			Items []runResponse `json:"items"`
			Page  struct {
				NextCursor string `json:"next_cursor"`
				HasMore    bool   `json:"has_more"`
			} `json:"page"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &env))
	require.Len(t, env.Data.Items, 1)
	assert.Equal(t, id, env.Data.Items[0].ID)
	assert.True(t, env.Data.Page.HasMore)
	assert.Equal(t, pagination.EncodeCursor(*coord.next), env.Data.Page.NextCursor)
}

func TestListRunsRejectsUnknownStatus(t *testing.T) {
	resp := httptest.NewRecorder()
	ListRuns(newFakeCoordinator(), nil).ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/api/v1/runs?status=done", nil))
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}
