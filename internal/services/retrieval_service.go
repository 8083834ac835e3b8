package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"station-availability/internal/analysis"
	"station-availability/internal/cache"
	"station-availability/internal/catalog"
	"station-availability/internal/checklist"
	"station-availability/internal/fetch"
	"station-availability/internal/models"
	"station-availability/internal/table"
	"station-availability/pkg/logging"
	"station-availability/pkg/metrics"
)

const tracerName = "station-availability/services"

// Backend pairs the resolver and fetcher of one observation source
type Backend struct {
	Resolver *catalog.Resolver
	Fetcher  *fetch.Fetcher
}

// Request identifies one retrieval
type Request struct {
	Window    models.Window
	Checklist models.Checklist
}

// Validate rejects windows and checklists the pipeline cannot run
func (r Request) Validate() error {
	if err := r.Window.Validate(); err != nil {
		return err
	}
	if len(r.Checklist) == 0 {
		return &models.ValidationError{Field: "checklist", Message: "checklist has no entries"}
	}
	return r.Checklist.Validate()
}

// Retrieval is the merged output of the pipeline for one request
type Retrieval struct {
	RunID         string                          `json:"run_id"`
	Window        models.Window                   `json:"window"`
	Status        models.Status                   `json:"status"`
	Backends      map[models.Source]models.Status `json:"backends"`
	Cached        bool                            `json:"cached"`
	Metadata      models.MetadataTable            `json:"metadata"`
	Table         *table.WideTable                `json:"-"`
	Gaps          []models.ResolutionGap          `json:"gaps"`
	DroppedFields []string                        `json:"dropped_fields,omitempty"`
	Corrections   []analysis.Correction           `json:"corrections,omitempty"`
}

// RetrievalConfig holds pipeline options that apply after merging
type RetrievalConfig struct {
	// LongNames maps variable codes to long names attached to the metadata
	LongNames map[string]string
	// Corrector is applied to every retrieval when set
	Corrector *analysis.Corrector
}

// RetrievalService runs the resolve, fetch, reshape and merge chain behind
// the retrieval cache
type RetrievalService struct {
	backends []Backend
	store    *cache.Store
	config   RetrievalConfig
	group    singleflight.Group
	locks    keyedMutex
	tracer   trace.Tracer
	logger   *logging.StructuredLogger
	metrics  *metrics.Collector
}

// NewRetrievalService creates the service. Backends are merged in the order given.
func NewRetrievalService(backends []Backend, store *cache.Store, cfg RetrievalConfig, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) *RetrievalService {
	return &RetrievalService{
		backends: backends,
		store:    store,
		config:   cfg,
		tracer:   otel.Tracer(tracerName),
		logger:   logger,
		metrics:  metricsCollector,
	}
}

// Retrieve returns the merged retrieval for the request, from cache when a
// valid entry exists. Concurrent calls for the same request share one run.
// Backend outages never produce an error: they show up in Status and Backends.
func (s *RetrievalService) Retrieve(ctx context.Context, req Request) (*Retrieval, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	req.Window = req.Window.UTC()

	fingerprint := cache.Fingerprint(req.Window, req.Checklist)
	v, err, shared := s.group.Do(fingerprint, func() (interface{}, error) {
		// the run outlives a caller that gives up while others wait on it
		return s.retrieve(context.WithoutCancel(ctx), req, fingerprint)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		s.logger.Debug(ctx, "[RETRIEVE_SHARED] Joined an in-flight retrieval", logging.Fields{
			"fingerprint": fingerprint,
		})
	}
	return v.(*Retrieval), nil
}

func (s *RetrievalService) retrieve(ctx context.Context, req Request, fingerprint string) (*Retrieval, error) {
	runID := uuid.NewString()
	if logging.RequestIDFromContext(ctx) == "" {
		ctx = logging.WithRequestID(ctx, runID)
	}
	ctx, span := s.tracer.Start(ctx, "retrieval.retrieve", trace.WithAttributes(
		attribute.String("fingerprint", fingerprint),
		attribute.String("window", req.Window.String()),
		attribute.Int("checklist.entries", len(req.Checklist)),
	))
	defer span.End()

	timer := s.metrics.NewTimer(s.metrics.RetrievalDuration)
	defer timer.ObserveDuration()

	s.logger.Info(ctx, "[RETRIEVE_START] Starting retrieval", logging.Fields{
		"run_id":      runID,
		"fingerprint": fingerprint,
		"start":       req.Window.Start,
		"end":         req.Window.End,
		"entries":     len(req.Checklist),
	})

	// a refresh of the same request may be repopulating the entry
	unlock := s.locks.lock(fingerprint)
	defer unlock()

	entry, err := s.store.Load(ctx, req.Window, req.Checklist)
	if err == nil {
		span.SetAttributes(attribute.Bool("cache.hit", true))
		r := &Retrieval{
			RunID:    runID,
			Window:   req.Window,
			Status:   combineBackends(entry.Backends),
			Backends: entry.Backends,
			Cached:   true,
			Metadata: entry.Metadata,
			Table:    entry.Table,
			Gaps:     entry.Gaps,
		}
		s.metrics.RetrievalsTotal.WithLabelValues(string(r.Status), "cache").Inc()
		s.logger.Info(ctx, "[RETRIEVE_CACHE_HIT] Serving retrieval from cache", logging.Fields{
			"run_id":      runID,
			"fingerprint": fingerprint,
			"sensors":     r.Metadata.Len(),
			"rows":        r.Table.Len(),
		})
		return s.finish(ctx, r), nil
	}
	if !errors.Is(err, cache.ErrMiss) {
		return nil, fmt.Errorf("load cache: %w", err)
	}
	span.SetAttributes(attribute.Bool("cache.hit", false))

	r, err := s.runPipeline(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	r.RunID = runID
	s.metrics.RetrievalsTotal.WithLabelValues(string(r.Status), "pipeline").Inc()
	if r.Status == models.StatusFailed {
		span.SetStatus(codes.Error, "every backend failed")
	}

	if s.cacheable(r) {
		err := s.store.Save(ctx, &cache.Entry{
			Window:    req.Window,
			Checklist: req.Checklist,
			Metadata:  r.Metadata,
			Table:     r.Table,
			Gaps:      r.Gaps,
			Backends:  r.Backends,
		})
		if err != nil {
			s.logger.Error(ctx, "[RETRIEVE_CACHE_ERROR] Failed to persist retrieval", logging.Fields{
				"run_id":      runID,
				"fingerprint": fingerprint,
			}, err)
		}
	} else {
		s.logger.Warn(ctx, "[RETRIEVE_NOT_CACHED] Backend failure, result not persisted", logging.Fields{
			"run_id":   runID,
			"backends": r.Backends,
		})
	}

	s.logger.Info(ctx, "[RETRIEVE_COMPLETE] Retrieval completed", logging.Fields{
		"run_id":   runID,
		"status":   r.Status,
		"sensors":  r.Metadata.Len(),
		"rows":     r.Table.Len(),
		"gaps":     len(r.Gaps),
		"backends": r.Backends,
	})
	return s.finish(ctx, r), nil
}

// cacheable reports whether no backend failed
func (s *RetrievalService) cacheable(r *Retrieval) bool {
	for _, status := range r.Backends {
		if status == models.StatusFailed {
			return false
		}
	}
	return true
}

// backendOutcome is what one backend contributes to the merge
type backendOutcome struct {
	source models.Source
	status models.Status
	meta   models.MetadataTable
	table  *table.WideTable
	gaps   []models.ResolutionGap
}

func (s *RetrievalService) runPipeline(ctx context.Context, req Request) (*Retrieval, error) {
	outcomes := make([]backendOutcome, len(s.backends))

	// Backends share no state; one failing never cancels the other.
	g, gctx := errgroup.WithContext(ctx)
	for i, b := range s.backends {
		g.Go(func() error {
			outcomes[i] = s.runBackend(gctx, b, req)
			return nil
		})
	}
	_ = g.Wait()

	_, span := s.tracer.Start(ctx, "retrieval.merge")
	defer span.End()

	r := &Retrieval{
		Window:   req.Window,
		Backends: make(map[models.Source]models.Status, len(outcomes)),
	}
	tables := make([]*table.WideTable, 0, len(outcomes))
	statuses := make([]models.Status, 0, len(outcomes))
	for _, o := range outcomes {
		r.Backends[o.source] = o.status
		statuses = append(statuses, o.status)
		r.Gaps = append(r.Gaps, o.gaps...)
		if o.table == nil {
			continue
		}
		tables = append(tables, o.table)

		var dropped []string
		r.Metadata, dropped = r.Metadata.Concat(o.meta)
		r.DroppedFields = append(r.DroppedFields, dropped...)
	}

	// configured sensors without a connected backend are an outage, never an empty result
	for _, source := range models.Sources {
		if _, ok := r.Backends[source]; ok || !hasSensors(req.Checklist.ForSource(source)) {
			continue
		}
		r.Backends[source] = models.StatusFailed
		statuses = append(statuses, models.StatusFailed)
		s.metrics.RecordBackendOutcome(string(source), "resolve", string(models.StatusFailed))
		s.logger.Warn(ctx, "[RETRIEVE_BACKEND_MISSING] Backend not connected, its sensors are unavailable", logging.Fields{
			"backend": source,
		})
	}

	merged, err := table.Merge(tables...)
	if err != nil {
		return nil, fmt.Errorf("merge backends: %w", err)
	}
	r.Table = merged
	r.Status = models.Combine(statuses...)

	if len(r.DroppedFields) > 0 {
		s.logger.Info(ctx, "[RETRIEVE_MERGE] Metadata fields not shared by every backend were dropped", logging.Fields{
			"fields": r.DroppedFields,
		})
	}
	span.SetAttributes(
		attribute.Int("merge.rows", merged.Len()),
		attribute.Int("merge.columns", merged.Width()),
	)
	return r, nil
}

// runBackend resolves and fetches one backend. A failure at either stage
// leaves the backend with no metadata and no table. Resolved sensors without
// observations keep their all-absent columns.
func (s *RetrievalService) runBackend(ctx context.Context, b Backend, req Request) backendOutcome {
	source := b.Resolver.Source()
	ctx, span := s.tracer.Start(ctx, "retrieval.backend", trace.WithAttributes(
		attribute.String("backend", string(source)),
	))
	defer span.End()

	out := backendOutcome{source: source}
	resolved := b.Resolver.Resolve(ctx, req.Checklist)
	out.gaps = resolved.Value.Gaps
	switch {
	case resolved.Status == models.StatusFailed:
		out.status = models.StatusFailed
		span.SetStatus(codes.Error, resolved.Err.Error())
		return out
	case resolved.Value.Metadata.Len() == 0:
		out.status = models.StatusEmpty
		return out
	}

	meta := resolved.Value.Metadata
	fetched := b.Fetcher.Fetch(ctx, fetch.SensorIDs(meta, source), req.Window)
	if fetched.Status == models.StatusFailed {
		out.status = models.StatusFailed
		span.SetStatus(codes.Error, fetched.Err.Error())
		return out
	}

	out.meta = meta
	out.table = table.Reshape(fetched.Value, source, meta.Keys()).Slice(req.Window.Start, req.Window.End)
	switch {
	case fetched.Status == models.StatusEmpty:
		out.status = models.StatusEmpty
	default:
		out.status = resolved.Status
	}
	span.SetAttributes(
		attribute.String("status", string(out.status)),
		attribute.Int("sensors", meta.Len()),
		attribute.Int("rows", out.table.Len()),
	)
	return out
}

// finish attaches long names and applies value corrections. The cached or
// shared retrieval is left untouched.
func (s *RetrievalService) finish(ctx context.Context, r *Retrieval) *Retrieval {
	out := *r
	if len(s.config.LongNames) > 0 {
		out.Metadata = checklist.ApplyLongNames(out.Metadata, s.config.LongNames)
	}
	if s.config.Corrector != nil && out.Table != nil {
		out.Metadata, out.Table, out.Corrections = s.config.Corrector.Apply(ctx, out.Metadata, out.Table)
	}
	return &out
}

// Refresh forces the pipeline for a request and replaces the cached entry.
// Concurrent refreshes of the same request share one run, and a refresh never
// overlaps a cache miss being filled for that request.
func (s *RetrievalService) Refresh(ctx context.Context, req Request) (*Retrieval, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	req.Window = req.Window.UTC()

	fingerprint := cache.Fingerprint(req.Window, req.Checklist)
	v, err, _ := s.group.Do("refresh:"+fingerprint, func() (interface{}, error) {
		return s.refresh(context.WithoutCancel(ctx), req, fingerprint)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Retrieval), nil
}

func (s *RetrievalService) refresh(ctx context.Context, req Request, fingerprint string) (*Retrieval, error) {
	unlock := s.locks.lock(fingerprint)
	defer unlock()

	r, err := s.runPipeline(ctx, req)
	if err != nil {
		return nil, err
	}
	r.RunID = uuid.NewString()
	s.metrics.RetrievalsTotal.WithLabelValues(string(r.Status), "refresh").Inc()
	if s.cacheable(r) {
		if err := s.store.Save(ctx, &cache.Entry{
			Window:    req.Window,
			Checklist: req.Checklist,
			Metadata:  r.Metadata,
			Table:     r.Table,
			Gaps:      r.Gaps,
			Backends:  r.Backends,
		}); err != nil {
			return nil, fmt.Errorf("persist refresh: %w", err)
		}
	} else {
		s.logger.Warn(ctx, "[RETRIEVE_NOT_CACHED] Backend failure, refreshed result not persisted", logging.Fields{
			"run_id":      r.RunID,
			"fingerprint": fingerprint,
			"backends":    r.Backends,
		})
	}
	return s.finish(ctx, r), nil
}

// Timeline returns the raw values of one sensor column over the request window
func (s *RetrievalService) Timeline(ctx context.Context, req Request, key string) (*Timeline, error) {
	r, err := s.Retrieve(ctx, req)
	if err != nil {
		return nil, err
	}
	sensor, ok := r.Metadata.ByKey(key)
	if !ok || !r.Table.HasColumn(key) {
		return nil, &models.NotFoundError{Resource: "sensor", ID: key}
	}

	col, _ := r.Table.Column(key)
	tl := &Timeline{Sensor: sensor, Points: make([]TimelinePoint, 0, len(col))}
	for i, ts := range r.Table.Index() {
		tl.Points = append(tl.Points, TimelinePoint{Timestamp: ts, Value: col[i]})
	}
	return tl, nil
}

// Timeline is one sensor's values along the merged axis
type Timeline struct {
	Sensor models.SensorMeta `json:"sensor"`
	Points []TimelinePoint   `json:"points"`
}

// TimelinePoint is a single timestamp; a nil value is absent
type TimelinePoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     *float64  `json:"value"`
}

func combineBackends(backends map[models.Source]models.Status) models.Status {
	statuses := make([]models.Status, 0, len(backends))
	for _, st := range backends {
		statuses = append(statuses, st)
	}
	return models.Combine(statuses...)
}

func hasSensors(list models.Checklist) bool {
	for _, e := range list {
		if e.HasSensor() {
			return true
		}
	}
	return false
}

// keyedMutex serializes work per key; the zero value is ready to use
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
