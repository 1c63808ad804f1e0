package controllers

import (
	"net/http"

	"github.com/angelmondragon/pulse-engine/api/responses"
	"github.com/angelmondragon/pulse-engine/internal/catalog"
	"github.com/angelmondragon/pulse-engine/internal/funnels"
	"github.com/angelmondragon/pulse-engine/internal/segments"
)

type catalogResponse struct {
	Segments []segments.Definition  `json:"segments"`
	Funnels  []funnels.Definition   `json:"funnels"`
	Cohorts  catalog.CohortSettings `json:"cohorts"`
}

// CatalogDefinitions serves GET /api/v1/catalog.
func CatalogDefinitions(cat *catalog.Catalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := catalogResponse{Segments: []segments.Definition{}, Funnels: []funnels.Definition{}}
		if cat != nil {
			if cat.Segments != nil {
				resp.Segments = cat.Segments
			}
			if cat.Funnels != nil {
				resp.Funnels = cat.Funnels
			}
			resp.Cohorts = cat.Cohorts
		}
		responses.WriteSuccess(w, resp)
	}
}
