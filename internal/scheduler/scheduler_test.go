package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"station-availability/internal/models"
	"station-availability/internal/services"
	"station-availability/pkg/logging"
	"station-availability/pkg/metrics"
)

type recordingRetriever struct {
	requests []services.Request
	err      error
}

func (r *recordingRetriever) Retrieve(_ context.Context, req services.Request) (*services.Retrieval, error) {
	r.requests = append(r.requests, req)
	if r.err != nil {
		return nil, r.err
	}
	return &services.Retrieval{Status: models.StatusOK, Window: req.Window}, nil
}

type recordingPruner struct {
	cutoffs []time.Time
}

func (p *recordingPruner) Prune(cutoff time.Time) (int, error) {
	p.cutoffs = append(p.cutoffs, cutoff)
	return 2, nil
}

var checklist = models.Checklist{{Station: "StationX", Variable: "TA", Source: models.SourceVU, SensorName: "T1"}}

func newTestScheduler(r Retriever, p Pruner, cfg Config) (*Scheduler, *metrics.Collector) {
	m := metrics.NewCollector("test", prometheus.NewRegistry())
	s := New(r, p, checklist, cfg, logging.NewNopLogger(), m)
	s.now = func() time.Time { return time.Date(2024, 5, 10, 14, 0, 0, 0, time.UTC) }
	return s, m
}

func TestRunOnce_RetrievesRollingWindow(t *testing.T) {
	retriever := &recordingRetriever{}
	pruner := &recordingPruner{}
	s, m := newTestScheduler(retriever, pruner, Config{DaysBack: 6, Offset: 2, Retention: 48 * time.Hour})

	s.RunOnce(context.Background())

	require.Len(t, retriever.requests, 1)
	req := retriever.requests[0]
	assert.Equal(t, time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC), req.Window.Start)
	assert.Equal(t, time.Date(2024, 5, 8, 23, 59, 0, 0, time.UTC), req.Window.End)
	assert.True(t, req.Checklist.Equal(checklist))

	require.Len(t, pruner.cutoffs, 1)
	assert.Equal(t, time.Date(2024, 5, 8, 14, 0, 0, 0, time.UTC), pruner.cutoffs[0])
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SchedulerRunsTotal.WithLabelValues("ok")))
}

func TestRunOnce_FailureSkipsPrune(t *testing.T) {
	retriever := &recordingRetriever{err: errors.New("invalid checklist")}
	pruner := &recordingPruner{}
	s, m := newTestScheduler(retriever, pruner, Config{DaysBack: 1, Retention: time.Hour})

	s.RunOnce(context.Background())

	assert.Empty(t, pruner.cutoffs)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SchedulerRunsTotal.WithLabelValues("error")))
}

func TestRunOnce_NoRetentionKeepsEntries(t *testing.T) {
	pruner := &recordingPruner{}
	s, _ := newTestScheduler(&recordingRetriever{}, pruner, Config{DaysBack: 1})

	s.RunOnce(context.Background())
	assert.Empty(t, pruner.cutoffs)
}

func TestStartStop(t *testing.T) {
	retriever := &recordingRetriever{}
	s, _ := newTestScheduler(retriever, nil, Config{Interval: time.Hour, DaysBack: 1})

	require.NoError(t, s.Start())
	assert.Eventually(t, func() bool { return s.scheduler.Len() == 1 }, time.Second, 10*time.Millisecond)
	s.Stop()
}
