// ============================================================================
// mint-forge 設定
// ============================================================================
//
// Package: internal/config
// 文件: config.go
//
// 載入順序（後者覆蓋前者）:
//   1. 內建預設值 Default()
//   2. YAML 設定檔（configs/default.yaml）
//   3. .env 檔案（godotenv，不覆蓋已存在的環境變數）
//   4. MINTFORGE_* 環境變數
// 最後執行 Validate()。
// ============================================================================

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ChuLiYu/mint-forge/internal/telemetry"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix 環境變數前綴
const EnvPrefix = "MINTFORGE_"

// Config 完整系統設定
type Config struct {
	Store     StoreConfig      `yaml:"store"`
	State     StateConfig      `yaml:"state"`
	Scanner   ScannerConfig    `yaml:"scanner"`
	Processor ProcessorConfig  `yaml:"processor"`
	Task      TaskConfig       `yaml:"task"`
	Artifact  ArtifactConfig   `yaml:"artifact"`
	Schedule  ScheduleConfig   `yaml:"schedule"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	API       APIConfig        `yaml:"api"`
	Log       LogConfig        `yaml:"log"`
	Telemetry telemetry.Config `yaml:"telemetry"`
}

// StoreConfig 任務儲存
type StoreConfig struct {
	Backend     string `yaml:"backend"` // memory, journal, postgres
	JournalPath string `yaml:"journal_path"`
	DSN         string `yaml:"dsn"`
}

// StateConfig 流程狀態儲存
type StateConfig struct {
	Backend     string `yaml:"backend"` // file, postgres
	Path        string `yaml:"path"`
	DSN         string `yaml:"dsn"` // 空白時沿用 store.dsn
	KeepBackups int    `yaml:"keep_backups"`
}

// ScannerConfig 事件掃描
type ScannerConfig struct {
	EventsFile    string `yaml:"events_file"`
	StartBlock    uint64 `yaml:"start_block"`
	Confirmations uint64 `yaml:"confirmations"`
	MaxBlockRange uint64 `yaml:"max_block_range"`
}

// ProcessorConfig 批次處理
type ProcessorConfig struct {
	MaxTasksPerRun int           `yaml:"max_tasks_per_run"`
	TimeBudget     time.Duration `yaml:"time_budget"`
	MaxAttempts    int           `yaml:"max_attempts"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay"`
	JitterFactor   float64       `yaml:"jitter_factor"`
}

// TaskConfig 新任務預設值
type TaskConfig struct {
	DefaultProvider string        `yaml:"default_provider"`
	Timeout         time.Duration `yaml:"timeout"` // 0 表示不設 timeoutAt
}

// ArtifactConfig 內建生成階段的協作者
type ArtifactConfig struct {
	BlobDir     string `yaml:"blob_dir"`
	PublicURL   string `yaml:"public_url"`
	LedgerPath  string `yaml:"ledger_path"`
	Seed        string `yaml:"seed"`
	Collection  string `yaml:"collection"`
	Description string `yaml:"description"`
	ImageSize   int    `yaml:"image_size"`
}

// ScheduleConfig serve 模式下的排程
type ScheduleConfig struct {
	Interval time.Duration `yaml:"interval"` // 0 表示只接受外部觸發
}

// MetricsConfig Prometheus
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"` // 0 表示掛在 HTTP API 的 /metrics
}

// APIConfig 對外介面
type APIConfig struct {
	HTTPPort int `yaml:"http_port"`
	GRPCPort int `yaml:"grpc_port"` // 0 表示不啟動 gRPC
}

// LogConfig slog 設定
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Default 內建預設值
func Default() Config {
	return Config{
		Store: StoreConfig{
			Backend:     "journal",
			JournalPath: "data/tasks.wal",
		},
		State: StateConfig{
			Backend:     "file",
			Path:        "data/process-state.json",
			KeepBackups: 3,
		},
		Scanner: ScannerConfig{
			EventsFile: "data/events.json",
		},
		Processor: ProcessorConfig{
			MaxTasksPerRun: 3,
			TimeBudget:     25 * time.Second,
			MaxAttempts:    3,
			RetryBaseDelay: 30 * time.Second,
			RetryMaxDelay:  10 * time.Minute,
			JitterFactor:   0.2,
		},
		Task: TaskConfig{
			DefaultProvider: "svg",
			Timeout:         10 * time.Minute,
		},
		Artifact: ArtifactConfig{
			BlobDir:    "data/blobs",
			LedgerPath: "data/ledger.jsonl",
			Seed:       "mint-forge",
			Collection: "Forge",
			ImageSize:  512,
		},
		Schedule: ScheduleConfig{
			Interval: time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		API: APIConfig{
			HTTPPort: 8080,
			GRPCPort: 50051,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: telemetry.Config{
			Exporter:   "stdout",
			SampleRate: 1.0,
		},
	}
}

// Load 讀取設定檔並套用 .env 與環境變數；path 為空時只用預設值
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ============================================================================
// 環境變數覆蓋
// ============================================================================

// ApplyEnv 以 MINTFORGE_* 覆蓋設定；lookup 通常是 os.LookupEnv
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	e := envReader{lookup: lookup}

	e.str("STORE_BACKEND", &c.Store.Backend)
	e.str("STORE_JOURNAL_PATH", &c.Store.JournalPath)
	e.str("DATABASE_URL", &c.Store.DSN)
	e.str("STATE_BACKEND", &c.State.Backend)
	e.str("STATE_PATH", &c.State.Path)
	e.str("EVENTS_FILE", &c.Scanner.EventsFile)
	e.uint("START_BLOCK", &c.Scanner.StartBlock)
	e.uint("CONFIRMATIONS", &c.Scanner.Confirmations)
	e.uint("MAX_BLOCK_RANGE", &c.Scanner.MaxBlockRange)
	e.int("MAX_TASKS_PER_RUN", &c.Processor.MaxTasksPerRun)
	e.duration("TIME_BUDGET", &c.Processor.TimeBudget)
	e.int("MAX_ATTEMPTS", &c.Processor.MaxAttempts)
	e.str("DEFAULT_PROVIDER", &c.Task.DefaultProvider)
	e.duration("TASK_TIMEOUT", &c.Task.Timeout)
	e.str("BLOB_DIR", &c.Artifact.BlobDir)
	e.str("PUBLIC_URL", &c.Artifact.PublicURL)
	e.str("LEDGER_PATH", &c.Artifact.LedgerPath)
	e.str("SEED", &c.Artifact.Seed)
	e.duration("SCHEDULE_INTERVAL", &c.Schedule.Interval)
	e.bool("METRICS_ENABLED", &c.Metrics.Enabled)
	e.int("METRICS_PORT", &c.Metrics.Port)
	e.int("HTTP_PORT", &c.API.HTTPPort)
	e.int("GRPC_PORT", &c.API.GRPCPort)
	e.str("LOG_LEVEL", &c.Log.Level)
	e.str("LOG_FORMAT", &c.Log.Format)
	e.bool("TELEMETRY_ENABLED", &c.Telemetry.Enabled)
	e.str("TELEMETRY_EXPORTER", &c.Telemetry.Exporter)
	e.str("OTLP_ENDPOINT", &c.Telemetry.OTLPEndpoint)

	return errors.Join(e.errs...)
}

type envReader struct {
	lookup func(string) (string, bool)
	errs   []error
}

func (e *envReader) get(key string) (string, bool) {
	v, ok := e.lookup(EnvPrefix + key)
	if !ok {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (e *envReader) fail(key string, err error) {
	e.errs = append(e.errs, fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, err))
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) int(key string, dst *int) {
	if v, ok := e.get(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) uint(key string, dst *uint64) {
	if v, ok := e.get(key); ok {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) bool(key string, dst *bool) {
	if v, ok := e.get(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) duration(key string, dst *time.Duration) {
	if v, ok := e.get(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = d
	}
}

// ============================================================================
// 驗證
// ============================================================================

// Validate 檢查設定是否可用
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	switch c.Store.Backend {
	case "memory":
	case "journal":
		if c.Store.JournalPath == "" {
			add("store.journal_path is required for the journal backend")
		}
	case "postgres":
		if c.Store.DSN == "" {
			add("store.dsn is required for the postgres backend")
		}
	default:
		add("store.backend must be memory, journal or postgres, got %q", c.Store.Backend)
	}

	switch c.State.Backend {
	case "file":
		if c.State.Path == "" {
			add("state.path is required for the file backend")
		}
	case "postgres":
		if c.StateDSN() == "" {
			add("state.dsn (or store.dsn) is required for the postgres backend")
		}
	default:
		add("state.backend must be file or postgres, got %q", c.State.Backend)
	}
	if c.State.KeepBackups < 0 {
		add("state.keep_backups must be >= 0")
	}

	if c.Processor.MaxTasksPerRun <= 0 {
		add("processor.max_tasks_per_run must be > 0")
	}
	if c.Processor.TimeBudget <= 0 {
		add("processor.time_budget must be > 0")
	}
	if c.Processor.MaxAttempts <= 0 {
		add("processor.max_attempts must be > 0")
	}
	if c.Processor.RetryBaseDelay <= 0 || c.Processor.RetryMaxDelay < c.Processor.RetryBaseDelay {
		add("processor retry delays must satisfy 0 < retry_base_delay <= retry_max_delay")
	}
	if c.Processor.JitterFactor < 0 || c.Processor.JitterFactor >= 1 {
		add("processor.jitter_factor must be in [0, 1)")
	}

	if c.Task.DefaultProvider == "" {
		add("task.default_provider is required")
	}
	if c.Task.Timeout < 0 {
		add("task.timeout must be >= 0")
	}
	if c.Artifact.BlobDir == "" || c.Artifact.LedgerPath == "" {
		add("artifact.blob_dir and artifact.ledger_path are required")
	}
	if c.Schedule.Interval < 0 {
		add("schedule.interval must be >= 0")
	}

	for name, port := range map[string]int{
		"api.http_port": c.API.HTTPPort,
		"api.grpc_port": c.API.GRPCPort,
		"metrics.port":  c.Metrics.Port,
	} {
		if port < 0 || port > 65535 {
			add("%s out of range: %d", name, port)
		}
	}

	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		add("log.format must be text or json, got %q", c.Log.Format)
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		add("telemetry.sample_rate must be in [0, 1]")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// StateDSN 狀態儲存使用的 DSN
func (c *Config) StateDSN() string {
	if c.State.DSN != "" {
		return c.State.DSN
	}
	return c.Store.DSN
}

// SlogLevel 對應的 slog 等級；Validate 之後呼叫
func (c *Config) SlogLevel() slog.Level {
	level, _ := parseLevel(c.Log.Level)
	return level
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}
