package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"station-availability/pkg/database"
)

// Config holds runtime configuration for the server, the retrieve CLI and the migrator
type Config struct {
	Server    ServerConfig
	BackendA  BackendConfig
	BackendB  BackendConfig
	Cache     CacheConfig
	Pipeline  PipelineConfig
	Scheduler SchedulerConfig
	Logging   LoggingConfig
}

// ServerConfig configures the HTTP API
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	RateLimit    int // requests per minute per client IP, 0 disables
}

// BackendConfig configures the connection to one observation backend
type BackendConfig struct {
	Enabled         bool
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	SearchPath      string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	QueryTimeout    time.Duration
}

// CacheConfig configures the retrieval cache
type CacheConfig struct {
	Dir       string
	Retention time.Duration // entries older than this are pruned by the scheduler, 0 keeps them
}

// PipelineConfig configures checklist inputs and pipeline behavior
type PipelineConfig struct {
	ChecklistFile     string
	VariablesFile     string
	Timezone          string
	DaysBack          int
	Offset            int
	FetchLimit        int
	PageSize          int
	ApplyCorrections  bool
	PressureThreshold float64
}

// SchedulerConfig configures the cache pre-warm job
type SchedulerConfig struct {
	Enabled  bool
	Interval time.Duration
	Timeout  time.Duration
}

// LoggingConfig configures the structured logger
type LoggingConfig struct {
	Level string
}

// LoadConfig reads configuration from environment variables, after loading an optional .env file
func LoadConfig() (*Config, error) {
	_ = godotenv.Load() // ignore missing file

	env := &envReader{}

	cfg := &Config{
		Server: ServerConfig{
			Host:         env.str("SERVER_HOST", "0.0.0.0"),
			Port:         env.int("SERVER_PORT", 8080),
			ReadTimeout:  env.duration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: env.duration("SERVER_WRITE_TIMEOUT", 5*time.Minute),
			IdleTimeout:  env.duration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			RateLimit:    env.int("SERVER_RATE_LIMIT", 60),
		},
		BackendA: loadBackend(env, "VU_DB", "cdr"),
		BackendB: loadBackend(env, "WUR_DB", ""),
		Cache: CacheConfig{
			Dir:       env.str("CACHE_DIR", "data/cache"),
			Retention: env.duration("CACHE_RETENTION", 7*24*time.Hour),
		},
		Pipeline: PipelineConfig{
			ChecklistFile:     env.str("CHECKLIST_FILE", "config/check_table.csv"),
			VariablesFile:     env.str("VARIABLES_FILE", "config/variables.csv"),
			Timezone:          env.str("PIPELINE_TIMEZONE", "UTC"),
			DaysBack:          env.int("PIPELINE_DAYS_BACK", 6),
			Offset:            env.int("PIPELINE_OFFSET_DAYS", 2),
			FetchLimit:        env.int("PIPELINE_FETCH_LIMIT", 0),
			PageSize:          env.int("PIPELINE_PAGE_SIZE", 0),
			ApplyCorrections:  env.bool("PIPELINE_APPLY_CORRECTIONS", true),
			PressureThreshold: env.float("PIPELINE_PRESSURE_THRESHOLD", 200),
		},
		Scheduler: SchedulerConfig{
			Enabled:  env.bool("SCHEDULER_ENABLED", false),
			Interval: env.duration("SCHEDULER_INTERVAL", time.Hour),
			Timeout:  env.duration("SCHEDULER_TIMEOUT", 30*time.Minute),
		},
		Logging: LoggingConfig{
			Level: env.str("LOG_LEVEL", "info"),
		},
	}

	if err := errors.Join(env.errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadBackend(env *envReader, prefix, searchPath string) BackendConfig {
	return BackendConfig{
		Enabled:         env.bool(prefix+"_ENABLED", true),
		Host:            env.str(prefix+"_HOST", "localhost"),
		Port:            env.int(prefix+"_PORT", 5432),
		User:            env.str(prefix+"_USER", "postgres"),
		Password:        env.str(prefix+"_PASSWORD", ""),
		Database:        env.str(prefix+"_NAME", strings.ToLower(prefix)),
		SSLMode:         env.str(prefix+"_SSL_MODE", "disable"),
		SearchPath:      env.str(prefix+"_SEARCH_PATH", searchPath),
		MaxOpenConns:    env.int(prefix+"_MAX_OPEN_CONNS", 10),
		MaxIdleConns:    env.int(prefix+"_MAX_IDLE_CONNS", 2),
		ConnMaxLifetime: env.duration(prefix+"_CONN_MAX_LIFETIME", 30*time.Minute),
		ConnMaxIdleTime: env.duration(prefix+"_CONN_MAX_IDLE_TIME", 5*time.Minute),
		QueryTimeout:    env.duration(prefix+"_QUERY_TIMEOUT", 2*time.Minute),
	}
}

// Validate rejects configurations the pipeline cannot run with
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port: %d", c.Server.Port))
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("rate limit must not be negative: %d", c.Server.RateLimit))
	}
	if !c.BackendA.Enabled && !c.BackendB.Enabled {
		errs = append(errs, errors.New("at least one backend must be enabled"))
	}
	for name, b := range map[string]BackendConfig{"VU_DB": c.BackendA, "WUR_DB": c.BackendB} {
		if !b.Enabled {
			continue
		}
		if b.Host == "" || b.Database == "" {
			errs = append(errs, fmt.Errorf("%s host and name are required", name))
		}
		if b.Port <= 0 || b.Port > 65535 {
			errs = append(errs, fmt.Errorf("invalid %s port: %d", name, b.Port))
		}
		if b.MaxOpenConns < 1 {
			errs = append(errs, fmt.Errorf("%s max open conns must be at least 1", name))
		}
		if b.QueryTimeout <= 0 {
			errs = append(errs, fmt.Errorf("%s query timeout must be positive", name))
		}
	}
	if c.Cache.Dir == "" {
		errs = append(errs, errors.New("CACHE_DIR is required"))
	}
	if c.Cache.Retention < 0 {
		errs = append(errs, errors.New("cache retention must not be negative"))
	}
	if c.Pipeline.ChecklistFile == "" {
		errs = append(errs, errors.New("CHECKLIST_FILE is required"))
	}
	if _, err := time.LoadLocation(c.Pipeline.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("invalid PIPELINE_TIMEZONE %q: %w", c.Pipeline.Timezone, err))
	}
	if c.Pipeline.DaysBack < 0 || c.Pipeline.Offset < 0 {
		errs = append(errs, errors.New("days back and offset must not be negative"))
	}
	if c.Pipeline.FetchLimit < 0 || c.Pipeline.PageSize < 0 {
		errs = append(errs, errors.New("fetch limit and page size must not be negative"))
	}
	if c.Pipeline.PressureThreshold <= 0 {
		errs = append(errs, errors.New("pressure threshold must be positive"))
	}
	if c.Scheduler.Enabled && c.Scheduler.Interval < time.Minute {
		errs = append(errs, fmt.Errorf("scheduler interval too short: %s", c.Scheduler.Interval))
	}

	return errors.Join(errs...)
}

// Location returns the timezone used to interpret window strings
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Pipeline.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// DatabaseConfig converts a backend section into a connection configuration
func (b BackendConfig) DatabaseConfig(label string) *database.Config {
	return &database.Config{
		Backend:         label,
		Host:            b.Host,
		Port:            b.Port,
		User:            b.User,
		Password:        b.Password,
		Database:        b.Database,
		SSLMode:         b.SSLMode,
		SearchPath:      b.SearchPath,
		MaxOpenConns:    b.MaxOpenConns,
		MaxIdleConns:    b.MaxIdleConns,
		ConnMaxLifetime: b.ConnMaxLifetime,
		ConnMaxIdleTime: b.ConnMaxIdleTime,
	}
}

// envReader reads typed environment values and collects parse errors
type envReader struct {
	errs []error
}

func (e *envReader) str(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func (e *envReader) int(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s: %w", key, err))
		return def
	}
	return n
}

func (e *envReader) float(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s: %w", key, err))
		return def
	}
	return f
}

func (e *envReader) bool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s: %w", key, err))
		return def
	}
	return b
}

func (e *envReader) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s: %w", key, err))
		return def
	}
	return d
}
