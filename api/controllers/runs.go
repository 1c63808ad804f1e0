package controllers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/pulse-engine/api/responses"
	"github.com/angelmondragon/pulse-engine/api/validators"
	"github.com/angelmondragon/pulse-engine/internal/funnels"
	"github.com/angelmondragon/pulse-engine/internal/runs"
	"github.com/angelmondragon/pulse-engine/pkg/db/models"
	"github.com/angelmondragon/pulse-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/pulse-engine/pkg/errors"
	"github.com/angelmondragon/pulse-engine/pkg/logger"
	"github.com/angelmondragon/pulse-engine/pkg/pagination"
)

// RunCoordinator is the slice of the run coordinator the API drives.
type RunCoordinator interface {
	Submit(ctx context.Context, req runs.Request) (uuid.UUID, <-chan runs.Result, error)
	Cancel(runID uuid.UUID) error
	Get(ctx context.Context, runID uuid.UUID) (*models.ComputeRun, error)
	List(ctx context.Context, params runs.ListParams) ([]models.ComputeRun, *pagination.Cursor, error)
}

type submitRunRequest struct {
	AggregateType string          `json:"aggregate_type" validate:"required,oneof=segment funnel retention churn"`
	Key           string          `json:"key" validate:"max=256"`
	AsOf          *time.Time      `json:"as_of,omitempty"`
	Window        *funnels.Window `json:"window,omitempty"`
}

type submitRunResponse struct {
	RunID  uuid.UUID    `json:"run_id"`
	Status string       `json:"status"`
	Result *runs.Result `json:"result,omitempty"`
	Error  string       `json:"error,omitempty"`
}

type runResponse struct {
	ID            uuid.UUID           `json:"id"`
	AggregateType enums.AggregateType `json:"aggregate_type"`
	Key           string              `json:"key"`
	Status        enums.RunStatus     `json:"status"`
	Trigger       string              `json:"trigger"`
	EventsScanned int64               `json:"events_scanned"`
	Error         *string             `json:"error,omitempty"`
	StartedAt     *time.Time          `json:"started_at,omitempty"`
	FinishedAt    *time.Time          `json:"finished_at,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
}

func newRunResponse(run models.ComputeRun) runResponse {
	return runResponse{
		ID:            run.ID,
		AggregateType: run.AggregateType,
		Key:           run.Key,
		Status:        run.Status,
		Trigger:       run.Trigger,
		EventsScanned: run.EventsScanned,
		Error:         run.Error,
		StartedAt:     run.StartedAt,
		FinishedAt:    run.FinishedAt,
		CreatedAt:     run.CreatedAt,
	}
}

// SubmitRun serves POST /api/v1/runs. The run continues in the background;
// with ?wait=true the handler blocks until it finishes or the client leaves.
func SubmitRun(coord RunCoordinator, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var body submitRunRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		req := runs.Request{
			AggregateType: enums.AggregateType(body.AggregateType),
			Key:           strings.TrimSpace(body.Key),
			Window:        body.Window,
			Trigger:       runs.TriggerAPI,
		}
		if body.AsOf != nil {
			req.AsOf = body.AsOf.UTC()
		}

		runID, results, err := coord.Submit(ctx, req)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		if logg != nil {
			logg.Info(logg.WithRunID(ctx, runID.String()), "run.submitted")
		}

		resp := submitRunResponse{RunID: runID, Status: string(enums.RunStatusPending)}
		if r.URL.Query().Get("wait") != "true" {
			responses.WriteSuccessStatus(w, http.StatusAccepted, resp)
			return
		}

		select {
		case res := <-results:
			resp.Status = string(res.Status)
			resp.Result = &res
			if res.Err != nil {
				resp.Error = res.Err.Error()
			}
			responses.WriteSuccessStatus(w, http.StatusOK, resp)
		case <-ctx.Done():
			responses.WriteSuccessStatus(w, http.StatusAccepted, resp)
		}
	}
}

// GetRun serves GET /api/v1/runs/{runID}.
func GetRun(coord RunCoordinator, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		runID, err := parseRunID(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		run, err := coord.Get(ctx, runID)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, newRunResponse(*run))
	}
}

// CancelRun serves DELETE /api/v1/runs/{runID}. Only runs still in flight
// can be canceled; a finished run answers 422.
func CancelRun(coord RunCoordinator, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		runID, err := parseRunID(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		if err := coord.Cancel(runID); err != nil {
			if !errors.Is(err, runs.ErrRunNotFound) {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "cancel run"))
				return
			}
			run, getErr := coord.Get(ctx, runID)
			if getErr != nil {
				responses.WriteError(ctx, logg, w, getErr)
				return
			}
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeStateConflict, "run is not in flight").
				WithDetails(map[string]any{"status": run.Status}))
			return
		}
		responses.WriteSuccessStatus(w, http.StatusAccepted, map[string]any{"run_id": runID, "status": "canceling"})
	}
}

// ListRuns serves GET /api/v1/runs?aggregate_type=&status=&limit=&cursor=.
func ListRuns(coord RunCoordinator, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		page, err := validators.ParsePage(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		cursor, _ := pagination.ParseCursor(page.Cursor)

		params := runs.ListParams{Limit: page.Limit, Cursor: cursor}
		if raw := strings.TrimSpace(r.URL.Query().Get("aggregate_type")); raw != "" {
			t, err := enums.ParseAggregateType(strings.ToLower(raw))
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid aggregate_type").WithDetails(map[string]any{"field": "aggregate_type"}))
				return
			}
			params.AggregateType = t
		}
		if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
			status, err := enums.ParseRunStatus(strings.ToLower(raw))
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid status").WithDetails(map[string]any{"field": "status"}))
				return
			}
			params.Status = status
		}

		rows, next, err := coord.List(ctx, params)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		items := make([]runResponse, 0, len(rows))
		for _, row := range rows {
			items = append(items, newRunResponse(row))
		}
		nextCursor := ""
		if next != nil {
			nextCursor = pagination.EncodeCursor(*next)
		}
		responses.WritePage(w, items, pagination.NormalizeLimit(page.Limit), nextCursor)
	}
}

func parseRunID(r *http.Request) (uuid.UUID, error) {
	raw := strings.TrimSpace(chi.URLParam(r, "runID"))
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid run id").WithDetails(map[string]any{"field": "runID"})
	}
	return id, nil
}
