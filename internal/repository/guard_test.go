package repository

import (
	"context"
	"database/sql/driver"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"station-availability/internal/models"
	"station-availability/pkg/logging"
	"station-availability/pkg/metrics"
)

// scriptedRepo returns the scripted errors in order, then succeeds
type scriptedRepo struct {
	errs  []error
	calls int
}

func (r *scriptedRepo) Source() models.Source { return models.SourceVU }

func (r *scriptedRepo) MetadataFields() models.FieldSet { return 0 }

func (r *scriptedRepo) next() error {
	r.calls++
	if len(r.errs) == 0 {
		return nil
	}
	err := r.errs[0]
	r.errs = r.errs[1:]
	return err
}

func (r *scriptedRepo) LookupStations(context.Context, []string) (map[string]string, error) {
	if err := r.next(); err != nil {
		return nil, err
	}
	return map[string]string{"A": "1"}, nil
}

func (r *scriptedRepo) LookupSensors(context.Context, []SensorLookup) ([]models.SensorMeta, error) {
	return nil, r.next()
}

func (r *scriptedRepo) FetchObservations(context.Context, ObservationFilter) ([]models.Observation, error) {
	return nil, r.next()
}

func (r *scriptedRepo) HealthCheck(context.Context) error { return nil }

func fastGuardConfig() GuardConfig {
	cfg := DefaultGuardConfig()
	cfg.InitialInterval = time.Millisecond
	cfg.MaxInterval = time.Millisecond
	return cfg
}

func newGuardedTestRepo(repo SourceRepository, cfg GuardConfig) SourceRepository {
	return NewGuarded(repo, cfg, logging.NewNopLogger(), metrics.NewCollector("test", prometheus.NewRegistry()))
}

func transientErr() error {
	return &QueryError{Backend: models.SourceVU, QueryType: "lookup_sites", Err: driver.ErrBadConn}
}

func TestGuard_RetriesTransientErrors(t *testing.T) {
	inner := &scriptedRepo{errs: []error{transientErr(), transientErr()}}
	repo := newGuardedTestRepo(inner, fastGuardConfig())

	ids, err := repo.LookupStations(context.Background(), []string{"A"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"A": "1"}, ids)
	assert.Equal(t, 3, inner.calls)
}

func TestGuard_DoesNotRetryPermanentErrors(t *testing.T) {
	permanent := &QueryError{Backend: models.SourceVU, QueryType: "lookup_sites", Err: errors.New("syntax error")}
	inner := &scriptedRepo{errs: []error{permanent}}
	repo := newGuardedTestRepo(inner, fastGuardConfig())

	_, err := repo.LookupStations(context.Background(), []string{"A"})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, inner.calls)
}

func TestGuard_GivesUpAfterMaxRetries(t *testing.T) {
	inner := &scriptedRepo{errs: []error{transientErr(), transientErr(), transientErr(), transientErr(), transientErr()}}
	cfg := fastGuardConfig()
	cfg.MaxRetries = 2
	cfg.MinRequests = 100
	repo := newGuardedTestRepo(inner, cfg)

	_, err := repo.LookupSensors(context.Background(), nil)
	require.Error(t, err)
	assert.Equal(t, 3, inner.calls)
}

func TestGuard_OpensCircuit(t *testing.T) {
	var errs []error
	for i := 0; i < 10; i++ {
		errs = append(errs, errors.New("permanent failure"))
	}
	inner := &scriptedRepo{errs: errs}
	cfg := fastGuardConfig()
	cfg.MinRequests = 3
	repo := newGuardedTestRepo(inner, cfg)

	for i := 0; i < 3; i++ {
		_, err := repo.FetchObservations(context.Background(), ObservationFilter{})
		require.Error(t, err)
	}

	_, err := repo.FetchObservations(context.Background(), ObservationFilter{})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 3, inner.calls)
}

func TestGuard_ValidationErrorsDoNotTrip(t *testing.T) {
	var errs []error
	for i := 0; i < 5; i++ {
		errs = append(errs, &models.ValidationError{Field: "sensor_ids", Message: "bad"})
	}
	inner := &scriptedRepo{errs: errs}
	cfg := fastGuardConfig()
	cfg.MinRequests = 2
	repo := newGuardedTestRepo(inner, cfg)

	for i := 0; i < 5; i++ {
		_, err := repo.FetchObservations(context.Background(), ObservationFilter{})
		var vErr *models.ValidationError
		require.ErrorAs(t, err, &vErr)
	}
	assert.Equal(t, 5, inner.calls)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, isTransient(driver.ErrBadConn))
	assert.False(t, isTransient(context.DeadlineExceeded))
	assert.False(t, isTransient(errors.New("syntax error")))
	assert.True(t, transientState("08006"))
	assert.True(t, transientState("40001"))
	assert.False(t, transientState("42P01"))
}
