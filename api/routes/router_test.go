package routes

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/pulse-engine/api/controllers"
	"github.com/angelmondragon/pulse-engine/internal/aggregates"
	"github.com/angelmondragon/pulse-engine/internal/catalog"
	"github.com/angelmondragon/pulse-engine/internal/condition"
	"github.com/angelmondragon/pulse-engine/internal/events"
	"github.com/angelmondragon/pulse-engine/internal/eventstore"
	"github.com/angelmondragon/pulse-engine/internal/query"
	"github.com/angelmondragon/pulse-engine/internal/runs"
	"github.com/angelmondragon/pulse-engine/internal/segments"
	"github.com/angelmondragon/pulse-engine/pkg/config"
	"github.com/angelmondragon/pulse-engine/pkg/enums"
	"github.com/angelmondragon/pulse-engine/pkg/logger"
	"github.com/angelmondragon/pulse-engine/pkg/metrics"
)

var asOf = time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)

type stubPinger struct {
	err error
}

func (s stubPinger) Ping(context.Context) error {
	return s.err
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type testServer struct {
	srv   *httptest.Server
	coord *runs.Coordinator
}

func newTestServer(t *testing.T, ready ...controllers.Dependency) testServer {
	t.Helper()
	logg := logger.New(logger.Options{ServiceName: "test", Output: io.Discard})
	cache := aggregates.NewMemoryStore()
	cat := &catalog.Catalog{
		Segments: []segments.Definition{{
			ID:   "pro",
			Name: "Pro",
			Conditions: []condition.Condition{
				{Property: "plan", Operator: enums.OperatorEquals, Value: events.String("pro")},
			},
		}},
	}
	reader := eventstore.NewMemoryReader(
		events.Event{UserID: "u1", Name: "signup", Timestamp: asOf.Add(-time.Hour), Properties: map[string]events.Value{"plan": events.String("pro")}},
		events.Event{UserID: "u2", Name: "signup", Timestamp: asOf.Add(-time.Hour), Properties: map[string]events.Value{"plan": events.String("free")}},
	)
	reg := prometheus.NewRegistry()
	coord, err := runs.NewCoordinator(runs.Params{
		Logger:   logg,
		Reader:   reader,
		Cache:    cache,
		Catalog:  cat,
		Policy:   config.DefaultPolicy(),
		Recorder: runs.NewMemoryRecorder(),
		Metrics:  metrics.NewComputeMetrics(reg),
		Now:      func() time.Time { return asOf },
	})
	require.NoError(t, err)
	querySvc, err := query.NewService(cache)
	require.NoError(t, err)

	cfg := &config.Config{App: config.AppConfig{Env: "dev"}}
	handler := NewRouter(Dependencies{
		Config:  cfg,
		Logger:  logg,
		Query:   querySvc,
		Runs:    coord,
		Catalog: cat,
		Metrics: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Ready:   ready,
	})
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		_ = coord.Shutdown(context.Background())
	})
	return testServer{srv: srv, coord: coord}
}

func (s testServer) do(t *testing.T, method, path, body string) (*http.Response, envelope) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, s.srv.URL+path, reader)
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var env envelope
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &env))
	}
	return resp, env
}

func TestHealthRoutes(t *testing.T) {
	s := newTestServer(t, controllers.Dependency{Name: "db", Pinger: stubPinger{}})

	resp, _ := s.do(t, http.MethodGet, "/health/live", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "dev", resp.Header.Get("X-Pulse-Env"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))

	resp, _ = s.do(t, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealthReadyReportsFailedDependency(t *testing.T) {
	s := newTestServer(t,
		controllers.Dependency{Name: "db", Pinger: stubPinger{}},
		controllers.Dependency{Name: "redis", Pinger: stubPinger{err: errors.New("refused")}},
	)

	resp, env := s.do(t, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, "DEPENDENCY_ERROR", env.Error.Code)
}

func TestSubmitRunAndReadBack(t *testing.T) {
	s := newTestServer(t)

	resp, env := s.do(t, http.MethodPost, "/api/v1/runs?wait=true", `{"aggregate_type":"segment","key":"pro"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var submitted struct {
		RunID  string `json:"run_id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &submitted))
	assert.Equal(t, "committed", submitted.Status)

	resp, env = s.do(t, http.MethodGet, "/api/v1/segments", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var segPage struct {
		Items []segments.Segment `json:"items"`
		Page  struct {
			HasMore bool `json:"has_more"`
		} `json:"page"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &segPage))
	require.Len(t, segPage.Items, 1)
	assert.Equal(t, []string{"u1"}, segPage.Items[0].MemberUserIDs)
	assert.Equal(t, submitted.RunID, segPage.Items[0].RunID)
	assert.False(t, segPage.Page.HasMore)

	resp, env = s.do(t, http.MethodGet, "/api/v1/runs/"+submitted.RunID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var run struct {
		Status        string `json:"status"`
		Trigger       string `json:"trigger"`
		EventsScanned int64  `json:"events_scanned"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &run))
	assert.Equal(t, "committed", run.Status)
	assert.Equal(t, runs.TriggerAPI, run.Trigger)
	assert.Equal(t, int64(2), run.EventsScanned)

	resp, env = s.do(t, http.MethodGet, "/api/v1/runs?aggregate_type=segment", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var runPage struct {
		Items []json.RawMessage `json:"items"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &runPage))
	assert.Len(t, runPage.Items, 1)

	resp, env = s.do(t, http.MethodDelete, "/api/v1/runs/"+submitted.RunID, "")
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	require.NotNil(t, env.Error)
	assert.Equal(t, "STATE_CONFLICT", env.Error.Code)

	resp, _ = s.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSubmitRunValidation(t *testing.T) {
	s := newTestServer(t)

	cases := map[string]string{
		"unknown type":    `{"aggregate_type":"revenue","key":"x"}`,
		"missing key":     `{"aggregate_type":"segment"}`,
		"unknown field":   `{"aggregate_type":"churn","extra":true}`,
		"window on churn": `{"aggregate_type":"churn","window":{"start":"2024-03-01T00:00:00Z","end":"2024-03-02T00:00:00Z"}}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			resp, env := s.do(t, http.MethodPost, "/api/v1/runs", body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			require.NotNil(t, env.Error)
			assert.Equal(t, "VALIDATION_ERROR", env.Error.Code)
		})
	}
}

func TestReadRoutesErrors(t *testing.T) {
	s := newTestServer(t)

	resp, _ := s.do(t, http.MethodGet, "/api/v1/funnels/onboarding", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = s.do(t, http.MethodGet, "/api/v1/funnels/onboarding?from=2024-03-01", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = s.do(t, http.MethodGet, "/api/v1/churn?level=severe", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = s.do(t, http.MethodGet, "/api/v1/retention?grain=year", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = s.do(t, http.MethodGet, "/api/v1/runs/not-a-uuid", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = s.do(t, http.MethodDelete, "/api/v1/runs/7b0c1f0e-2a43-4a8e-9a51-0d7f5c3f9e11", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, env := s.do(t, http.MethodGet, "/api/v1/churn", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"items":[],"page":{"limit":25,"has_more":false}}`, string(env.Data))
}

func TestCatalogRoute(t *testing.T) {
	s := newTestServer(t)

	resp, env := s.do(t, http.MethodGet, "/api/v1/catalog", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Segments []struct {
			ID string `json:"id"`
		} `json:"segments"`
		Funnels []json.RawMessage `json:"funnels"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &body))
	require.Len(t, body.Segments, 1)
	assert.Equal(t, "pro", body.Segments[0].ID)
	assert.Empty(t, body.Funnels)
}
