package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"station-availability/internal/analysis"
	"station-availability/internal/cache"
	"station-availability/internal/catalog"
	"station-availability/internal/fetch"
	"station-availability/internal/models"
	"station-availability/internal/repository"
	"station-availability/pkg/logging"
	"station-availability/pkg/metrics"
)

// memoryBackend is an in-memory backend that counts every query
type memoryBackend struct {
	source   models.Source
	fields   models.FieldSet
	stations map[string]string
	sensors  []models.SensorMeta
	rows     []models.Observation
	failWith error

	// gate, when set, holds every fetch until closed
	gate chan struct{}
	// ignoreWindow returns rows outside the requested window too
	ignoreWindow bool

	mu      sync.Mutex
	queries int
}

func (b *memoryBackend) count() {
	b.mu.Lock()
	b.queries++
	b.mu.Unlock()
}

func (b *memoryBackend) Queries() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.queries
}

func (b *memoryBackend) Source() models.Source { return b.source }

func (b *memoryBackend) MetadataFields() models.FieldSet { return b.fields }

func (b *memoryBackend) HealthCheck(context.Context) error { return b.failWith }

func (b *memoryBackend) LookupStations(_ context.Context, names []string) (map[string]string, error) {
	b.count()
	if b.failWith != nil {
		return nil, b.failWith
	}
	out := make(map[string]string)
	for _, n := range names {
		if id, ok := b.stations[n]; ok {
			out[n] = id
		}
	}
	return out, nil
}

func (b *memoryBackend) LookupSensors(_ context.Context, lookups []repository.SensorLookup) ([]models.SensorMeta, error) {
	b.count()
	var out []models.SensorMeta
	for _, s := range b.sensors {
		for _, l := range lookups {
			if s.SiteName == l.SiteName && s.SensorName == l.SensorName {
				out = append(out, s)
			}
		}
	}
	return out, nil
}

func (b *memoryBackend) FetchObservations(_ context.Context, filter repository.ObservationFilter) ([]models.Observation, error) {
	b.count()
	if b.gate != nil {
		<-b.gate
	}
	wanted := make(map[int64]bool)
	for _, id := range filter.SensorIDs {
		wanted[id] = true
	}
	var out []models.Observation
	for _, o := range b.rows {
		inWindow := !o.Timestamp.Before(filter.Start) && !o.Timestamp.After(filter.End)
		if wanted[o.SensorID] && (inWindow || b.ignoreWindow) {
			out = append(out, o)
		}
	}
	return out, nil
}

var day = time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

func testRequest() Request {
	return Request{
		Window: models.Window{Start: day.Add(9 * time.Hour), End: day.Add(11 * time.Hour)},
		Checklist: models.Checklist{
			{Station: "StationX", Variable: "ATMP", Source: models.SourceVU, SensorName: "P1"},
			{Station: "StationX", Variable: "RH", Source: models.SourceVU},
			{Station: "StationW", Variable: "TA", Source: models.SourceWUR, SensorName: "T1"},
			{Station: "StationY", Variable: "TA", Source: models.SourceVU, SensorName: "T9"},
		},
	}
}

// backendA covers 09:00-10:00 half-hourly, backendB 09:30-10:30
func testBackends() (*memoryBackend, *memoryBackend) {
	a := &memoryBackend{
		source:   models.SourceVU,
		fields:   models.FieldSiteID | models.FieldUnitID | models.FieldAggregationMethod,
		stations: map[string]string{"StationX": "1"},
		sensors: []models.SensorMeta{
			{SensorID: 42, Source: models.SourceVU, SiteName: "StationX", SensorName: "P1", Unit: "mbar", SiteID: 1, UnitID: 5, AggregationMethod: "avg"},
		},
	}
	for i, v := range []float64{94, 95, 96} {
		a.rows = append(a.rows, models.Observation{
			Timestamp: day.Add(9*time.Hour + time.Duration(i)*30*time.Minute),
			SensorID:  42,
			Value:     models.Float(v),
		})
	}

	b := &memoryBackend{
		source:   models.SourceWUR,
		stations: map[string]string{"StationW": "StationW"},
		sensors: []models.SensorMeta{
			{SensorID: 42, Source: models.SourceWUR, SiteName: "StationW", SensorName: "T1", Unit: "degC"},
		},
	}
	for i, v := range []float64{11, 12, 13} {
		b.rows = append(b.rows, models.Observation{
			Timestamp: day.Add(9*time.Hour + 30*time.Minute + time.Duration(i)*30*time.Minute),
			SensorID:  42,
			Value:     models.Float(v),
		})
	}
	return a, b
}

type fixture struct {
	a, b         *memoryBackend
	retrieval    *RetrievalService
	availability *AvailabilityService
}

func newFixture(t *testing.T, a, b *memoryBackend, corrector bool) *fixture {
	t.Helper()
	logger := logging.NewNopLogger()
	m := metrics.NewCollector("test", prometheus.NewRegistry())
	store, err := cache.NewStore(t.TempDir(), logger, m)
	require.NoError(t, err)

	var backends []Backend
	for _, repo := range []*memoryBackend{a, b} {
		backends = append(backends, Backend{
			Resolver: catalog.NewResolver(repo, time.Second, logger, m),
			Fetcher:  fetch.NewFetcher(repo, fetch.Config{QueryTimeout: time.Second}, logger, m),
		})
	}
	cfg := RetrievalConfig{LongNames: map[string]string{"ATMP": "Air pressure"}}
	if corrector {
		cfg.Corrector = analysis.NewCorrector(logger, m, analysis.PressureRule(200))
	}
	r := NewRetrievalService(backends, store, cfg, logger, m)
	return &fixture{a: a, b: b, retrieval: r, availability: NewAvailabilityService(r, logger, m)}
}

func TestRetrieve_MergesBothBackends(t *testing.T) {
	a, b := testBackends()
	f := newFixture(t, a, b, false)

	r, err := f.retrieval.Retrieve(context.Background(), testRequest())
	require.NoError(t, err)

	// StationY is unknown to backend A
	assert.Equal(t, models.StatusPartial, r.Status)
	assert.Equal(t, models.StatusPartial, r.Backends[models.SourceVU])
	assert.Equal(t, models.StatusOK, r.Backends[models.SourceWUR])
	assert.False(t, r.Cached)
	assert.Equal(t, []string{"vu_db:42", "wur_db:42"}, r.Metadata.Keys())
	assert.Equal(t, []string{"vu_db:42", "wur_db:42"}, r.Table.Columns())
	assert.Equal(t, "Air pressure", r.Metadata.Sensors[0].LongName)
	assert.Equal(t, []string{"site_id", "unit_id", "aggregation_method"}, r.DroppedFields)
	assert.Zero(t, r.Metadata.Sensors[0].SiteID)

	// axis spans 09:00-10:30; each backend is absent outside its own range
	index := r.Table.Index()
	require.Len(t, index, 4)
	assert.Equal(t, day.Add(9*time.Hour), index[0])
	assert.Equal(t, day.Add(10*time.Hour+30*time.Minute), index[3])
	_, ok := r.Table.Cell(3, "vu_db:42")
	assert.False(t, ok)
	_, ok = r.Table.Cell(0, "wur_db:42")
	assert.False(t, ok)

	require.Len(t, r.Gaps, 1)
	assert.Equal(t, models.GapStationNotFound, r.Gaps[0].Reason)
}

func TestRetrieve_SecondCallIsServedFromCache(t *testing.T) {
	a, b := testBackends()
	f := newFixture(t, a, b, false)
	ctx := context.Background()

	first, err := f.retrieval.Retrieve(ctx, testRequest())
	require.NoError(t, err)
	queriesA, queriesB := a.Queries(), b.Queries()
	require.NotZero(t, queriesA)

	second, err := f.retrieval.Retrieve(ctx, testRequest())
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, queriesA, a.Queries())
	assert.Equal(t, queriesB, b.Queries())
	assert.True(t, first.Table.Equal(second.Table))
	assert.True(t, first.Metadata.Equal(second.Metadata))
	assert.Equal(t, first.Gaps, second.Gaps)
	assert.Equal(t, first.Status, second.Status)
}

func TestRetrieve_BackendOutageDegradesAndIsNotCached(t *testing.T) {
	a, b := testBackends()
	b.failWith = errors.New("connection refused")
	f := newFixture(t, a, b, false)
	ctx := context.Background()

	r, err := f.retrieval.Retrieve(ctx, testRequest())
	require.NoError(t, err)
	assert.Equal(t, models.StatusPartial, r.Status)
	assert.Equal(t, models.StatusFailed, r.Backends[models.SourceWUR])
	assert.Equal(t, models.StatusPartial, r.Backends[models.SourceVU])
	assert.Equal(t, []string{"vu_db:42"}, r.Table.Columns())
	assert.Empty(t, r.DroppedFields)
	assert.Equal(t, 3, r.Table.Len())

	before := a.Queries()
	again, err := f.retrieval.Retrieve(ctx, testRequest())
	require.NoError(t, err)
	assert.False(t, again.Cached)
	assert.Greater(t, a.Queries(), before)
}

func TestRetrieve_EverythingUnresolved(t *testing.T) {
	a := &memoryBackend{source: models.SourceVU}
	b := &memoryBackend{source: models.SourceWUR}
	f := newFixture(t, a, b, true)

	req := testRequest()
	r, err := f.retrieval.Retrieve(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, models.StatusEmpty, r.Status)
	assert.True(t, r.Table.IsEmpty())
	assert.Equal(t, 0, r.Metadata.Len())

	res, err := f.availability.Report(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, res.Report.Rows, len(req.Checklist))
	for _, row := range res.Report.Rows {
		assert.Contains(t, []models.Reason{models.ReasonNoSensor, models.ReasonSensorNotFound}, row.Reason)
		assert.Zero(t, row.Percentage)
	}
}

func TestRetrieve_BothBackendsDown(t *testing.T) {
	a, b := testBackends()
	a.failWith = errors.New("timeout")
	b.failWith = errors.New("timeout")
	f := newFixture(t, a, b, false)

	r, err := f.retrieval.Retrieve(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, r.Status)
	assert.True(t, r.Table.IsEmpty())
}

func TestRetrieve_CorrectsPressureUnits(t *testing.T) {
	a, b := testBackends()
	f := newFixture(t, a, b, true)

	r, err := f.retrieval.Retrieve(context.Background(), testRequest())
	require.NoError(t, err)
	require.Len(t, r.Corrections, 1)
	assert.Equal(t, "vu_db:42", r.Corrections[0].SensorKey)
	assert.Equal(t, "hPa", r.Metadata.Sensors[0].Unit)
	v, ok := r.Table.Cell(0, "vu_db:42")
	require.True(t, ok)
	assert.Equal(t, 940.0, v)

	// corrections are reapplied to the raw cached values, not compounded
	cached, err := f.retrieval.Retrieve(context.Background(), testRequest())
	require.NoError(t, err)
	require.True(t, cached.Cached)
	v, _ = cached.Table.Cell(0, "vu_db:42")
	assert.Equal(t, 940.0, v)
}

func TestRetrieve_ConcurrentCallsRunOnce(t *testing.T) {
	a, b := testBackends()
	f := newFixture(t, a, b, false)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.retrieval.Retrieve(context.Background(), testRequest())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// one station lookup, one sensor lookup and one fetch
	assert.Equal(t, 3, a.Queries())
}

func TestRetrieve_RejectsInvalidRequests(t *testing.T) {
	a, b := testBackends()
	f := newFixture(t, a, b, false)

	inverted := testRequest()
	inverted.Window.Start, inverted.Window.End = inverted.Window.End, inverted.Window.Start

	duplicate := testRequest()
	duplicate.Checklist = append(duplicate.Checklist, duplicate.Checklist[0])

	for name, req := range map[string]Request{"inverted window": inverted, "duplicate entry": duplicate, "empty checklist": {Window: testRequest().Window}} {
		t.Run(name, func(t *testing.T) {
			_, err := f.retrieval.Retrieve(context.Background(), req)
			var vErr *models.ValidationError
			assert.ErrorAs(t, err, &vErr)
		})
	}
	assert.Zero(t, a.Queries())
}

func TestAvailabilityReport(t *testing.T) {
	a, b := testBackends()
	f := newFixture(t, a, b, false)

	res, err := f.availability.Report(context.Background(), testRequest())
	require.NoError(t, err)
	rows := res.Report.Rows
	require.Len(t, rows, 4)

	// merged axis has 4 half-hour rows; each backend covers 3 of them
	assert.Equal(t, models.ReasonDataAvailable, rows[0].Reason)
	assert.Equal(t, 75.0, rows[0].Percentage)
	assert.Equal(t, models.ReasonNoSensor, rows[1].Reason)
	assert.Equal(t, models.ReasonDataAvailable, rows[2].Reason)
	assert.Equal(t, 75.0, rows[2].Percentage)
	assert.Equal(t, models.ReasonSensorNotFound, rows[3].Reason)

	matrix, _, err := f.availability.Matrix(context.Background(), testRequest())
	require.NoError(t, err)
	assert.Equal(t, []string{"StationX", "StationW", "StationY"}, matrix.Stations)
	assert.Equal(t, []string{"ATMP", "RH", "TA"}, matrix.Variables)
	assert.Equal(t, 75.0, matrix.Percentages[1][2])
}

func TestTimeline(t *testing.T) {
	a, b := testBackends()
	f := newFixture(t, a, b, false)

	tl, err := f.retrieval.Timeline(context.Background(), testRequest(), "wur_db:42")
	require.NoError(t, err)
	assert.Equal(t, "T1", tl.Sensor.SensorName)
	require.Len(t, tl.Points, 4)
	assert.Nil(t, tl.Points[0].Value)
	require.NotNil(t, tl.Points[1].Value)
	assert.Equal(t, 11.0, *tl.Points[1].Value)

	_, err = f.retrieval.Timeline(context.Background(), testRequest(), "wur_db:99")
	var nf *models.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

// newService builds a retrieval service over the given backends only, on a shared cache dir
func newService(t *testing.T, dir string, repos ...*memoryBackend) *RetrievalService {
	t.Helper()
	logger := logging.NewNopLogger()
	m := metrics.NewCollector("test", prometheus.NewRegistry())
	store, err := cache.NewStore(dir, logger, m)
	require.NoError(t, err)

	var backends []Backend
	for _, repo := range repos {
		backends = append(backends, Backend{
			Resolver: catalog.NewResolver(repo, time.Second, logger, m),
			Fetcher:  fetch.NewFetcher(repo, fetch.Config{QueryTimeout: time.Second}, logger, m),
		})
	}
	return NewRetrievalService(backends, store, RetrievalConfig{}, logger, m)
}

func TestRetrieve_DisconnectedBackendIsAnOutage(t *testing.T) {
	a, b := testBackends()
	dir := t.TempDir()
	ctx := context.Background()

	r, err := newService(t, dir, b).Retrieve(ctx, testRequest())
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, r.Backends[models.SourceVU])
	assert.Equal(t, models.StatusOK, r.Backends[models.SourceWUR])
	assert.Equal(t, models.StatusPartial, r.Status)
	assert.Equal(t, []string{"wur_db:42"}, r.Table.Columns())

	// with the backend connected again nothing stale is served
	r, err = newService(t, dir, a, b).Retrieve(ctx, testRequest())
	require.NoError(t, err)
	assert.False(t, r.Cached)
	assert.NotZero(t, a.Queries())
	assert.Equal(t, []string{"vu_db:42", "wur_db:42"}, r.Table.Columns())
}

func TestRetrieve_DisconnectedBackendWithoutSensorsIsIgnored(t *testing.T) {
	_, b := testBackends()
	req := testRequest()
	req.Checklist = models.Checklist{
		{Station: "StationX", Variable: "RH", Source: models.SourceVU},
		{Station: "StationW", Variable: "TA", Source: models.SourceWUR, SensorName: "T1"},
	}

	r, err := newService(t, t.TempDir(), b).Retrieve(context.Background(), req)
	require.NoError(t, err)
	_, ok := r.Backends[models.SourceVU]
	assert.False(t, ok)
	assert.Equal(t, models.StatusOK, r.Status)
}

func TestRetrieve_TrimsRowsOutsideWindow(t *testing.T) {
	a, b := testBackends()
	a.ignoreWindow = true
	a.rows = append(a.rows, models.Observation{Timestamp: day.Add(12 * time.Hour), SensorID: 42, Value: models.Float(99)})
	f := newFixture(t, a, b, false)

	r, err := f.retrieval.Retrieve(context.Background(), testRequest())
	require.NoError(t, err)
	index := r.Table.Index()
	require.Len(t, index, 4)
	assert.Equal(t, day.Add(10*time.Hour+30*time.Minute), index[3])
}

func TestRefresh_ConcurrentCallsRunOnce(t *testing.T) {
	a, b := testBackends()
	a.gate = make(chan struct{})
	f := newFixture(t, a, b, false)

	const callers = 16
	runIDs := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := f.retrieval.Refresh(context.Background(), testRequest())
			if assert.NoError(t, err) {
				runIDs[i] = r.RunID
			}
		}()
	}

	// station lookup and sensor lookup done, fetch parked on the gate
	require.Eventually(t, func() bool { return a.Queries() == 3 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(a.gate)
	wg.Wait()

	assert.Equal(t, 3, a.Queries())
	for _, id := range runIDs {
		assert.Equal(t, runIDs[0], id)
	}
}

func TestRefresh_RetrieveWaitsForRunningRefresh(t *testing.T) {
	a, b := testBackends()
	a.gate = make(chan struct{})
	f := newFixture(t, a, b, false)
	ctx := context.Background()

	refreshed := make(chan *Retrieval, 1)
	go func() {
		r, err := f.retrieval.Refresh(ctx, testRequest())
		assert.NoError(t, err)
		refreshed <- r
	}()
	require.Eventually(t, func() bool { return a.Queries() == 3 }, time.Second, time.Millisecond)

	retrieved := make(chan *Retrieval, 1)
	go func() {
		r, err := f.retrieval.Retrieve(ctx, testRequest())
		assert.NoError(t, err)
		retrieved <- r
	}()
	time.Sleep(20 * time.Millisecond)
	close(a.gate)

	refresh := <-refreshed
	retrieve := <-retrieved
	require.NotNil(t, refresh)
	require.NotNil(t, retrieve)
	assert.False(t, refresh.Cached)
	assert.True(t, retrieve.Cached)
	assert.Equal(t, 3, a.Queries())
}

func TestAvailability_FromRefreshedRetrieval(t *testing.T) {
	a, b := testBackends()
	b.failWith = errors.New("connection refused")
	f := newFixture(t, a, b, false)
	ctx := context.Background()

	refreshed, err := f.retrieval.Refresh(ctx, testRequest())
	require.NoError(t, err)
	queries := a.Queries()

	res := f.availability.FromRetrieval(ctx, refreshed, testRequest().Checklist)
	assert.Equal(t, queries, a.Queries())
	assert.Equal(t, models.StatusPartial, res.Status)
	assert.Equal(t, models.StatusFailed, res.Backends[models.SourceWUR])
	require.Len(t, res.Report.Rows, 4)
	assert.Equal(t, models.ReasonDataAvailable, res.Report.Rows[0].Reason)
	assert.Equal(t, 100.0, res.Report.Rows[0].Percentage)
	assert.Equal(t, models.ReasonSensorNotFound, res.Report.Rows[2].Reason)
}
