package database

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"station-availability/pkg/logging"
	"station-availability/pkg/metrics"
)

// ConnectionString returns the PostgreSQL URL form used by pgx
func (c *Config) ConnectionString() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   "/" + c.Database,
	}
	q := url.Values{}
	q.Set("sslmode", c.SSLMode)
	if c.SearchPath != "" {
		q.Set("search_path", c.SearchPath)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// PgxPool wraps pgxpool.Pool with the same metrics and logging as PostgresDB
type PgxPool struct {
	pool    *pgxpool.Pool
	logger  *logging.StructuredLogger
	metrics *metrics.Collector
	config  *Config

	stop     chan struct{}
	stopOnce sync.Once
}

// ConnectPool creates a pgx connection pool and verifies it with a ping
func ConnectPool(ctx context.Context, cfg *Config, logger *logging.StructuredLogger, metricsCollector *metrics.Collector) (*PgxPool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}
	if cfg.ConnMaxIdleTime > 0 {
		poolConfig.MaxConnIdleTime = cfg.ConnMaxIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	logger.Info(ctx, "[DB_INIT] pgx pool established", logging.Fields{
		"backend":   cfg.Backend,
		"host":      cfg.Host,
		"port":      cfg.Port,
		"database":  cfg.Database,
		"max_conns": poolConfig.MaxConns,
	})

	p := &PgxPool{
		pool:    pool,
		logger:  logger,
		metrics: metricsCollector,
		config:  cfg,
		stop:    make(chan struct{}),
	}
	go p.monitorConnectionPool()

	return p, nil
}

// Backend returns the backend label this pool was opened for
func (p *PgxPool) Backend() string {
	return p.config.Backend
}

// Query runs a query and records its duration under queryType
func (p *PgxPool) Query(ctx context.Context, queryType, sql string, args ...any) (pgx.Rows, error) {
	start := time.Now()
	rows, err := p.pool.Query(ctx, sql, args...)
	duration := time.Since(start)
	p.metrics.DBQueryDuration.WithLabelValues(p.config.Backend, queryType).Observe(duration.Seconds())

	if err != nil {
		p.metrics.RecordDBError(p.config.Backend, "query_error")
		p.logger.Error(ctx, "[DB_QUERY_ERROR] Query failed", logging.Fields{
			"backend":    p.config.Backend,
			"query_type": queryType,
		}, err)
		return nil, err
	}

	p.logger.Debug(ctx, "[DB_QUERY] Query executed", logging.Fields{
		"backend":     p.config.Backend,
		"query_type":  queryType,
		"duration_ms": duration.Milliseconds(),
	})
	return rows, nil
}

// Exec runs a command without returning rows
func (p *PgxPool) Exec(ctx context.Context, queryType, sql string, args ...any) error {
	start := time.Now()
	_, err := p.pool.Exec(ctx, sql, args...)
	p.metrics.DBQueryDuration.WithLabelValues(p.config.Backend, queryType).Observe(time.Since(start).Seconds())
	if err != nil {
		p.metrics.RecordDBError(p.config.Backend, "exec_error")
		return err
	}
	return nil
}

// HealthCheck pings the pool
func (p *PgxPool) HealthCheck(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := p.pool.Ping(pingCtx); err != nil {
		return fmt.Errorf("%s health check failed: %w", p.config.Backend, err)
	}
	return nil
}

// Close stops the monitor and closes the pool
func (p *PgxPool) Close() {
	p.stopOnce.Do(func() { close(p.stop) })
	p.logger.Info(context.Background(), "[DB_CLOSE] Closing pgx pool", logging.Fields{
		"backend": p.config.Backend,
	})
	p.pool.Close()
}

func (p *PgxPool) monitorConnectionPool() {
	interval := p.config.MonitorInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			stat := p.pool.Stat()
			p.metrics.UpdateDBConnectionPool(
				p.config.Backend,
				int(stat.AcquiredConns()),
				int(stat.IdleConns()),
				int(stat.TotalConns()),
			)
		}
	}
}
