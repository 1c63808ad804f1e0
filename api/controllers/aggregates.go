package controllers

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/pulse-engine/api/responses"
	"github.com/angelmondragon/pulse-engine/api/validators"
	"github.com/angelmondragon/pulse-engine/internal/funnels"
	"github.com/angelmondragon/pulse-engine/internal/query"
	"github.com/angelmondragon/pulse-engine/pkg/enums"
	pkgerrors "github.com/angelmondragon/pulse-engine/pkg/errors"
	"github.com/angelmondragon/pulse-engine/pkg/logger"
	"github.com/angelmondragon/pulse-engine/pkg/pagination"
)

const maxIDLength = 128

// ListSegments serves GET /api/v1/segments?status=&category=&limit=&cursor=.
func ListSegments(svc query.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		page, err := validators.ParsePage(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		category, err := validators.ParseIdentifier(r.URL.Query().Get("category"), "category", maxIDLength)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		filter := query.SegmentFilter{Category: category}
		if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
			status, err := enums.ParseSegmentStatus(strings.ToLower(raw))
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid status").WithDetails(map[string]any{"field": "status"}))
				return
			}
			filter.Status = status
		}

		result, err := svc.ListSegments(ctx, filter, page)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WritePage(w, result.Items, pagination.NormalizeLimit(page.Limit), result.Cursor)
	}
}

// GetFunnel serves GET /api/v1/funnels/{funnelID}?from=&to=. Without a
// window the most recent computation is returned.
func GetFunnel(svc query.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		funnelID, err := validators.ParseIdentifier(chi.URLParam(r, "funnelID"), "funnelID", maxIDLength)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		from, err := validators.ParseQueryTime(r, "from")
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		to, err := validators.ParseQueryTime(r, "to")
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		var window *funnels.Window
		switch {
		case from != nil && to != nil:
			window = &funnels.Window{Start: *from, End: *to}
		case from != nil || to != nil:
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "from and to must be provided together"))
			return
		}

		run, err := svc.GetFunnel(ctx, funnelID, window)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, run)
	}
}

// ListRetention serves GET /api/v1/retention?grain=&limit=&cursor=.
func ListRetention(svc query.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		page, err := validators.ParsePage(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		var filter query.RetentionFilter
		if raw := strings.TrimSpace(r.URL.Query().Get("grain")); raw != "" {
			grain, err := enums.ParseCohortGrain(strings.ToLower(raw))
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid grain").WithDetails(map[string]any{"field": "grain"}))
				return
			}
			filter.Grain = grain
		}

		result, err := svc.ListRetention(ctx, filter, page)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WritePage(w, result.Items, pagination.NormalizeLimit(page.Limit), result.Cursor)
	}
}

// ListChurnRisk serves GET /api/v1/churn?level=&limit=&cursor=.
func ListChurnRisk(svc query.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		page, err := validators.ParsePage(r)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		var filter query.ChurnFilter
		if raw := strings.TrimSpace(r.URL.Query().Get("level")); raw != "" {
			level, err := enums.ParseRiskLevel(strings.ToLower(raw))
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid level").WithDetails(map[string]any{"field": "level"}))
				return
			}
			filter.Level = level
		}

		result, err := svc.ListChurnRisk(ctx, filter, page)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WritePage(w, result.Items, pagination.NormalizeLimit(page.Limit), result.Cursor)
	}
}
