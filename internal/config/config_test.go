package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 3, cfg.Processor.MaxTasksPerRun)
	assert.Equal(t, 25*time.Second, cfg.Processor.TimeBudget)
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store:
  backend: memory
scanner:
  events_file: /tmp/events.json
  start_block: 100
  confirmations: 2
processor:
  max_tasks_per_run: 5
  time_budget: 40s
task:
  timeout: 2m
log:
  level: debug
  format: json
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, uint64(100), cfg.Scanner.StartBlock)
	assert.Equal(t, uint64(2), cfg.Scanner.Confirmations)
	assert.Equal(t, 5, cfg.Processor.MaxTasksPerRun)
	assert.Equal(t, 40*time.Second, cfg.Processor.TimeBudget)
	assert.Equal(t, 2*time.Minute, cfg.Task.Timeout)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())

	// 未設定的欄位保留預設值
	assert.Equal(t, 3, cfg.Processor.MaxAttempts)
	assert.Equal(t, "data/process-state.json", cfg.State.Path)
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.yaml"))
	assert.ErrorContains(t, err, "failed to read config file")

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("store: [oops"), 0o644))
	_, err = Load(bad)
	assert.ErrorContains(t, err, "failed to parse config YAML")

	invalid := filepath.Join(dir, "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("store:\n  backend: redis\n"), 0o644))
	_, err = Load(invalid)
	assert.ErrorContains(t, err, "store.backend")
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("MINTFORGE_MAX_TASKS_PER_RUN", "7")
	t.Setenv("MINTFORGE_STORE_BACKEND", "memory")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Processor.MaxTasksPerRun)
	assert.Equal(t, "memory", cfg.Store.Backend)
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(envMap(map[string]string{
		"MINTFORGE_DATABASE_URL":      "postgres://forge@db/forge",
		"MINTFORGE_STORE_BACKEND":     "postgres",
		"MINTFORGE_STATE_BACKEND":     "postgres",
		"MINTFORGE_START_BLOCK":       " 4200 ",
		"MINTFORGE_TIME_BUDGET":       "10s",
		"MINTFORGE_TELEMETRY_ENABLED": "true",
		"MINTFORGE_GRPC_PORT":         "0",
		"UNRELATED":                   "x",
	}))
	require.NoError(t, err)

	assert.Equal(t, "postgres://forge@db/forge", cfg.Store.DSN)
	assert.Equal(t, "postgres://forge@db/forge", cfg.StateDSN())
	assert.Equal(t, uint64(4200), cfg.Scanner.StartBlock)
	assert.Equal(t, 10*time.Second, cfg.Processor.TimeBudget)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, 0, cfg.API.GRPCPort)
	assert.NoError(t, cfg.Validate())
}

func TestApplyEnvReportsAllBadValues(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(envMap(map[string]string{
		"MINTFORGE_MAX_ATTEMPTS":    "three",
		"MINTFORGE_TIME_BUDGET":     "soon",
		"MINTFORGE_METRICS_ENABLED": "maybe",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MINTFORGE_MAX_ATTEMPTS")
	assert.Contains(t, err.Error(), "MINTFORGE_TIME_BUDGET")
	assert.Contains(t, err.Error(), "MINTFORGE_METRICS_ENABLED")
	assert.Equal(t, 3, cfg.Processor.MaxAttempts, "bad values leave the field unchanged")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"journal without path", func(c *Config) { c.Store.JournalPath = "" }, "store.journal_path"},
		{"postgres without dsn", func(c *Config) { c.Store.Backend = "postgres" }, "store.dsn"},
		{"state postgres without dsn", func(c *Config) { c.State.Backend = "postgres" }, "state.dsn"},
		{"unknown state backend", func(c *Config) { c.State.Backend = "s3" }, "state.backend"},
		{"zero batch", func(c *Config) { c.Processor.MaxTasksPerRun = 0 }, "max_tasks_per_run"},
		{"zero budget", func(c *Config) { c.Processor.TimeBudget = 0 }, "time_budget"},
		{"inverted delays", func(c *Config) { c.Processor.RetryMaxDelay = time.Second }, "retry delays"},
		{"jitter too large", func(c *Config) { c.Processor.JitterFactor = 1 }, "jitter_factor"},
		{"no provider", func(c *Config) { c.Task.DefaultProvider = "" }, "default_provider"},
		{"port out of range", func(c *Config) { c.API.HTTPPort = 70000 }, "api.http_port"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"bad sample rate", func(c *Config) { c.Telemetry.SampleRate = 2 }, "sample_rate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
