package repository

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"

	"station-availability/internal/models"
	"station-availability/pkg/logging"
	"station-availability/pkg/metrics"
)

// ErrCircuitOpen is returned while a backend's circuit breaker rejects calls
var ErrCircuitOpen = errors.New("circuit breaker is open")

// GuardConfig configures retries and circuit breaking for one backend
type GuardConfig struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration

	// Breaker opens after MinRequests calls with a failure ratio of at least
	// FailureRatio, and half-opens after OpenTimeout.
	MinRequests  uint32
	FailureRatio float64
	OpenTimeout  time.Duration
}

// DefaultGuardConfig returns the settings used for both backends
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		MaxRetries:      3,
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		MinRequests:     5,
		FailureRatio:    0.5,
		OpenTimeout:     60 * time.Second,
	}
}

// guardedRepository decorates a SourceRepository with a circuit breaker and
// exponential retries of transient query errors
type guardedRepository struct {
	next    SourceRepository
	breaker *gobreaker.CircuitBreaker[struct{}]
	config  GuardConfig
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
}

// NewGuarded wraps repo with retry and circuit breaking
func NewGuarded(repo SourceRepository, cfg GuardConfig, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) SourceRepository {
	source := repo.Source()
	settings := gobreaker.Settings{
		Name:        string(source),
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		// Rejected input is the caller's fault, not the backend's.
		IsSuccessful: func(err error) bool {
			var vErr *models.ValidationError
			return err == nil || errors.As(err, &vErr) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn(context.Background(), "[REPO_BREAKER] Circuit breaker state changed", logging.Fields{
				"backend": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		},
	}

	return &guardedRepository{
		next:    repo,
		breaker: gobreaker.NewCircuitBreaker[struct{}](settings),
		config:  cfg,
		logger:  logger,
		metrics: metricsCollector,
	}
}

// guard runs op through the breaker, retrying transient failures
func guard[T any](ctx context.Context, g *guardedRepository, queryType string, op func(context.Context) (T, error)) (T, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = g.config.InitialInterval
	bo.MaxInterval = g.config.MaxInterval
	bo.MaxElapsedTime = 0 // retries are bounded by MaxRetries and ctx

	var (
		result  T
		attempt int
	)
	operation := func() error {
		attempt++
		_, err := g.breaker.Execute(func() (struct{}, error) {
			var err error
			result, err = op(ctx)
			return struct{}{}, err
		})
		switch {
		case err == nil:
			return nil
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return backoff.Permanent(&QueryError{Backend: g.next.Source(), QueryType: queryType, Err: ErrCircuitOpen})
		case !isTransient(err):
			return backoff.Permanent(err)
		}

		g.metrics.RecordDBError(string(g.next.Source()), "transient")
		g.logger.Warn(ctx, "[REPO_RETRY] Transient backend error", logging.Fields{
			"backend":    g.next.Source(),
			"query_type": queryType,
			"attempt":    attempt,
			"error":      err.Error(),
		})
		return err
	}

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(bo, g.config.MaxRetries), ctx))
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

func (g *guardedRepository) Source() models.Source {
	return g.next.Source()
}

func (g *guardedRepository) MetadataFields() models.FieldSet {
	return g.next.MetadataFields()
}

func (g *guardedRepository) LookupStations(ctx context.Context, names []string) (map[string]string, error) {
	return guard(ctx, g, "lookup_stations", func(ctx context.Context) (map[string]string, error) {
		return g.next.LookupStations(ctx, names)
	})
}

func (g *guardedRepository) LookupSensors(ctx context.Context, lookups []SensorLookup) ([]models.SensorMeta, error) {
	return guard(ctx, g, "lookup_sensors", func(ctx context.Context) ([]models.SensorMeta, error) {
		return g.next.LookupSensors(ctx, lookups)
	})
}

func (g *guardedRepository) FetchObservations(ctx context.Context, filter ObservationFilter) ([]models.Observation, error) {
	return guard(ctx, g, "fetch_observations", func(ctx context.Context) ([]models.Observation, error) {
		return g.next.FetchObservations(ctx, filter)
	})
}

// HealthCheck bypasses the breaker so a probe can observe recovery
func (g *guardedRepository) HealthCheck(ctx context.Context) error {
	return g.next.HealthCheck(ctx)
}
