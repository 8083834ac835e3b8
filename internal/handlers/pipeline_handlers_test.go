package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"station-availability/internal/cache"
	"station-availability/internal/catalog"
	"station-availability/internal/fetch"
	"station-availability/internal/models"
	"station-availability/internal/repository"
	"station-availability/internal/services"
	"station-availability/internal/table"
	"station-availability/pkg/logging"
	"station-availability/pkg/metrics"
)

type stubBackend struct {
	rows   []models.Observation
	err    error
	silent bool // sensor resolves but never reported
}

func (b *stubBackend) Source() models.Source { return models.SourceVU }

func (b *stubBackend) MetadataFields() models.FieldSet { return models.FieldSiteID }

func (b *stubBackend) HealthCheck(context.Context) error { return b.err }

func (b *stubBackend) LookupStations(_ context.Context, names []string) (map[string]string, error) {
	if b.err != nil {
		return nil, b.err
	}
	out := make(map[string]string)
	for _, n := range names {
		if n == "StationX" {
			out[n] = "1"
		}
	}
	return out, nil
}

func (b *stubBackend) LookupSensors(context.Context, []repository.SensorLookup) ([]models.SensorMeta, error) {
	return []models.SensorMeta{
		{SensorID: 7, Source: models.SourceVU, SiteName: "StationX", SensorName: "T1", Unit: "degC", SiteID: 1},
	}, nil
}

func (b *stubBackend) FetchObservations(_ context.Context, filter repository.ObservationFilter) ([]models.Observation, error) {
	var out []models.Observation
	for _, o := range b.rows {
		if !o.Timestamp.Before(filter.Start) && !o.Timestamp.After(filter.End) {
			out = append(out, o)
		}
	}
	return out, nil
}

var day = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func newTestRouter(t *testing.T, backend *stubBackend) *mux.Router {
	t.Helper()
	for i, v := range []float64{10.5, 11, 11.5} {
		if backend.silent {
			break
		}
		backend.rows = append(backend.rows, models.Observation{
			Timestamp: day.Add(9*time.Hour + time.Duration(i)*30*time.Minute),
			SensorID:  7,
			Value:     models.Float(v),
		})
	}

	logger := logging.NewNopLogger()
	m := metrics.NewCollector("test", prometheus.NewRegistry())
	store, err := cache.NewStore(t.TempDir(), logger, m)
	require.NoError(t, err)

	retrieval := services.NewRetrievalService([]services.Backend{{
		Resolver: catalog.NewResolver(backend, time.Second, logger, m),
		Fetcher:  fetch.NewFetcher(backend, fetch.Config{QueryTimeout: time.Second}, logger, m),
	}}, store, services.RetrievalConfig{}, logger, m)

	checklist := models.Checklist{
		{Station: "StationX", Variable: "TA", Source: models.SourceVU, SensorName: "T1"},
		{Station: "StationX", Variable: "RH", Source: models.SourceVU},
	}
	h := NewPipelineHandler(
		retrieval,
		services.NewAvailabilityService(retrieval, logger, m),
		[]HealthChecker{backend},
		checklist,
		WindowDefaults{DaysBack: 1, Offset: 0},
		logger,
		m,
	)
	h.now = func() time.Time { return day.Add(48 * time.Hour) }

	router := mux.NewRouter()
	h.RegisterRoutes(router)
	return router
}

func serve(router *mux.Router, method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

const window = "start=2024-05-01%2009:00&end=2024-05-01%2010:00"

func TestGetRetrieval(t *testing.T) {
	router := newTestRouter(t, &stubBackend{})

	rec := serve(router, http.MethodGet, "/api/retrieval?"+window)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Status models.Status `json:"status"`
		Cached bool          `json:"cached"`
		Table  TableResponse `json:"table"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, models.StatusOK, body.Status)
	assert.False(t, body.Cached)
	assert.Equal(t, []string{"vu_db:7"}, body.Table.Columns)
	require.Len(t, body.Table.Index, 3)
	require.Len(t, body.Table.Values, 3)
	require.NotNil(t, body.Table.Values[1][0])
	assert.Equal(t, 11.0, *body.Table.Values[1][0])

	var raw struct {
		Table map[string]json.RawMessage `json:"table"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
	assert.Contains(t, raw.Table, table.IndexName)

	rec = serve(router, http.MethodGet, "/api/retrieval?"+window)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Cached)
}

func TestGetRetrieval_DropEmpty(t *testing.T) {
	router := newTestRouter(t, &stubBackend{silent: true})

	type response struct {
		Metadata       models.MetadataTable `json:"metadata"`
		Table          TableResponse        `json:"table"`
		DroppedSensors []string             `json:"dropped_sensors"`
	}

	rec := serve(router, http.MethodGet, "/api/retrieval?"+window)
	require.Equal(t, http.StatusOK, rec.Code)
	var kept response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &kept))
	assert.Equal(t, []string{"vu_db:7"}, kept.Table.Columns)
	assert.Empty(t, kept.DroppedSensors)

	rec = serve(router, http.MethodGet, "/api/retrieval?drop_empty=true&"+window)
	require.Equal(t, http.StatusOK, rec.Code)
	var dropped response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dropped))
	assert.Equal(t, []string{"vu_db:7"}, dropped.DroppedSensors)
	assert.Empty(t, dropped.Table.Columns)
	assert.Zero(t, dropped.Metadata.Len())

	// the cached retrieval keeps the sensor
	rec = serve(router, http.MethodGet, "/api/retrieval?"+window)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &kept))
	assert.Equal(t, []string{"vu_db:7"}, kept.Table.Columns)

	rec = serve(router, http.MethodGet, "/api/retrieval?drop_empty=maybe&"+window)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetRetrieval_InvalidWindow(t *testing.T) {
	router := newTestRouter(t, &stubBackend{})

	tests := []struct {
		name  string
		query string
	}{
		{"only start", "start=2024-05-01"},
		{"unparseable start", "start=yesterday&end=2024-05-01"},
		{"end before start", "start=2024-05-02&end=2024-05-01"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(router, http.MethodGet, "/api/retrieval?"+tt.query)
			assert.Equal(t, http.StatusBadRequest, rec.Code)

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, http.StatusBadRequest, resp.Code)
			assert.NotEmpty(t, resp.Message)
		})
	}
}

func TestGetRetrieval_BackendDown(t *testing.T) {
	router := newTestRouter(t, &stubBackend{err: errors.New("connection refused")})

	rec := serve(router, http.MethodGet, "/api/retrieval?"+window)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"failed"`)
}

func TestGetRetrieval_DefaultsToRollingWindow(t *testing.T) {
	router := newTestRouter(t, &stubBackend{})

	rec := serve(router, http.MethodGet, "/api/retrieval")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Window models.Window `json:"window"`
		Status models.Status `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Window.Start.Equal(day.Add(24*time.Hour)))
	assert.Equal(t, models.StatusEmpty, body.Status)
}

func TestGetAvailability(t *testing.T) {
	router := newTestRouter(t, &stubBackend{})

	rec := serve(router, http.MethodGet, "/api/availability?"+window)
	require.Equal(t, http.StatusOK, rec.Code)

	var body services.AvailabilityResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Report.Rows, 2)
	assert.Equal(t, models.ReasonDataAvailable, body.Report.Rows[0].Reason)
	assert.Equal(t, 100.0, body.Report.Rows[0].Percentage)
	assert.Equal(t, models.ReasonNoSensor, body.Report.Rows[1].Reason)
}

func TestGetAvailabilityMatrix(t *testing.T) {
	router := newTestRouter(t, &stubBackend{})

	rec := serve(router, http.MethodGet, "/api/availability/matrix?"+window)
	require.Equal(t, http.StatusOK, rec.Code)

	var body MatrixResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []string{"StationX"}, body.Matrix.Stations)
	assert.Equal(t, []string{"TA", "RH"}, body.Matrix.Variables)
	assert.Equal(t, [][]float64{{100, 0}}, body.Matrix.Percentages)
}

func TestGetSensorTimeline(t *testing.T) {
	router := newTestRouter(t, &stubBackend{})

	rec := serve(router, http.MethodGet, "/api/sensors/vu_db:7/timeline?"+window)
	require.Equal(t, http.StatusOK, rec.Code)
	var body services.Timeline
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "T1", body.Sensor.SensorName)
	assert.Len(t, body.Points, 3)

	rec = serve(router, http.MethodGet, "/api/sensors/vu_db:99/timeline?"+window)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(router, http.MethodGet, "/api/sensors/garbage/timeline?"+window)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRefreshRetrieval(t *testing.T) {
	router := newTestRouter(t, &stubBackend{})

	serve(router, http.MethodGet, "/api/retrieval?"+window)
	rec := serve(router, http.MethodPost, "/api/retrieval/refresh?"+window)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"cached":false`)
}

func TestHealthCheck(t *testing.T) {
	rec := serve(newTestRouter(t, &stubBackend{}), http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)

	rec = serve(newTestRouter(t, &stubBackend{err: errors.New("down")}), http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"degraded"`)
	assert.Contains(t, rec.Body.String(), `"vu_db":"unavailable"`)
}

func TestOpenAPISpec(t *testing.T) {
	rec := httptest.NewRecorder()
	OpenAPISpec(rec, httptest.NewRequest(http.MethodGet, "/api/docs/openapi.json", nil))

	var spec map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &spec))
	paths := spec["paths"].(map[string]interface{})
	assert.Contains(t, paths, "/api/retrieval")
	assert.Contains(t, paths, "/api/sensors/{key}/timeline")
}
