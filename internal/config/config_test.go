package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "cdr", cfg.BackendA.SearchPath)
	assert.Equal(t, "", cfg.BackendB.SearchPath)
	assert.Equal(t, 6, cfg.Pipeline.DaysBack)
	assert.Equal(t, 2, cfg.Pipeline.Offset)
	assert.Equal(t, 200.0, cfg.Pipeline.PressureThreshold)
	assert.Equal(t, 7*24*time.Hour, cfg.Cache.Retention)
	assert.Equal(t, 30*time.Minute, cfg.Scheduler.Timeout)
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("VU_DB_HOST", "vu.example")
	t.Setenv("WUR_DB_ENABLED", "false")
	t.Setenv("PIPELINE_TIMEZONE", "Europe/Amsterdam")
	t.Setenv("VU_DB_QUERY_TIMEOUT", "30s")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "vu.example", cfg.BackendA.Host)
	assert.False(t, cfg.BackendB.Enabled)
	assert.Equal(t, 30*time.Second, cfg.BackendA.QueryTimeout)
	assert.Equal(t, "Europe/Amsterdam", cfg.Location().String())

	dbCfg := cfg.BackendA.DatabaseConfig("vu_db")
	assert.Equal(t, "vu_db", dbCfg.Backend)
	assert.Equal(t, "cdr", dbCfg.SearchPath)
}

func TestLoadConfig_ParseErrors(t *testing.T) {
	t.Setenv("SERVER_PORT", "eighty")
	t.Setenv("SCHEDULER_INTERVAL", "hourly")

	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SERVER_PORT")
	assert.Contains(t, err.Error(), "SCHEDULER_INTERVAL")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"no backends", func(c *Config) { c.BackendA.Enabled = false; c.BackendB.Enabled = false }, "at least one backend"},
		{"bad timezone", func(c *Config) { c.Pipeline.Timezone = "Mars/Olympus" }, "PIPELINE_TIMEZONE"},
		{"negative offset", func(c *Config) { c.Pipeline.Offset = -1 }, "offset"},
		{"negative retention", func(c *Config) { c.Cache.Retention = -time.Hour }, "retention"},
		{"short interval", func(c *Config) { c.Scheduler.Enabled = true; c.Scheduler.Interval = time.Second }, "scheduler interval"},
		{"disabled backend is not validated", func(c *Config) { c.BackendB.Enabled = false; c.BackendB.Port = 0 }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadConfig()
			require.NoError(t, err)
			tt.mutate(cfg)

			err = cfg.Validate()
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}
