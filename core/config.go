package core

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration options for the math updater.
// It supports layered configuration priority:
//  1. Default values (lowest priority)
//  2. Config file named by MATHUPDATER_CONFIG_FILE (JSON or YAML)
//  3. Environment variables
//  4. Functional options (highest priority)
//
// Example usage:
//
//	cfg, err := NewConfig(
//	    WithConnectionString("postgres://localhost/agora"),
//	    WithEngineURL("http://localhost:8000"),
//	    WithBatchSize(10),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
type Config struct {
	Name        string `json:"name" yaml:"name" env:"MATHUPDATER_NAME" default:"math-updater"`
	Environment string `json:"environment" yaml:"environment" env:"NODE_ENV,MATHUPDATER_ENV" default:"development"`

	Database    DatabaseConfig    `json:"database" yaml:"database"`
	Queue       QueueConfig       `json:"queue" yaml:"queue"`
	Scanner     ScannerConfig     `json:"scanner" yaml:"scanner"`
	Worker      WorkerConfig      `json:"worker" yaml:"worker"`
	Watchdog    WatchdogConfig    `json:"watchdog" yaml:"watchdog"`
	Orphans     OrphanConfig      `json:"orphans" yaml:"orphans"`
	Engine      EngineConfig      `json:"engine" yaml:"engine"`
	AI          AIConfig          `json:"ai" yaml:"ai"`
	Translation TranslationConfig `json:"translation" yaml:"translation"`
	Telemetry   TelemetryConfig   `json:"telemetry" yaml:"telemetry"`
	Logging     LoggingConfig     `json:"logging" yaml:"logging"`
}

// DatabaseConfig contains PostgreSQL connection settings.
// MaxConns of zero sizes the pool to the worker batch size plus overhead.
type DatabaseConfig struct {
	ConnectionString string        `json:"connection_string" yaml:"connection_string" env:"CONNECTION_STRING,DATABASE_URL"`
	ApplicationName  string        `json:"application_name" yaml:"application_name" env:"MATHUPDATER_DB_APPLICATION_NAME" default:"agora-math-updater"`
	MaxConns         int32         `json:"max_conns" yaml:"max_conns" env:"MATHUPDATER_DB_MAX_CONNS"`
	ConnectTimeout   time.Duration `json:"connect_timeout" yaml:"connect_timeout" env:"MATHUPDATER_DB_CONNECT_TIMEOUT" default:"10s"`
	AutoMigrate      bool          `json:"auto_migrate" yaml:"auto_migrate" env:"MATHUPDATER_DB_AUTO_MIGRATE" default:"false"`
}

// QueueConfig selects and configures the job queue backend.
type QueueConfig struct {
	Backend   string        `json:"backend" yaml:"backend" env:"MATHUPDATER_QUEUE_BACKEND" default:"postgres"`
	Name      string        `json:"name" yaml:"name" env:"MATHUPDATER_QUEUE_NAME" default:"update-conversation-math"`
	RedisURL  string        `json:"redis_url" yaml:"redis_url" env:"MATHUPDATER_REDIS_URL,REDIS_URL"`
	Retention time.Duration `json:"retention" yaml:"retention" env:"MATHUPDATER_QUEUE_RETENTION" default:"24h"`
}

// ScannerConfig controls how often dirty conversations are looked up and
// how often a single conversation may be recomputed.
type ScannerConfig struct {
	Interval              time.Duration `json:"interval" yaml:"interval" env:"MATH_UPDATER_SCAN_INTERVAL_MS" default:"2000ms"`
	MinTimeBetweenUpdates time.Duration `json:"min_time_between_updates" yaml:"min_time_between_updates" env:"MATH_UPDATER_MIN_TIME_BETWEEN_UPDATES_MS" default:"20000ms"`
}

// WorkerConfig controls the job worker pool.
type WorkerConfig struct {
	BatchSize       int           `json:"batch_size" yaml:"batch_size" env:"MATH_UPDATER_BATCH_SIZE" default:"10"`
	Concurrency     int           `json:"concurrency" yaml:"concurrency" env:"MATH_UPDATER_JOB_CONCURRENCY" default:"3"`
	PollInterval    time.Duration `json:"poll_interval" yaml:"poll_interval" env:"MATHUPDATER_WORKER_POLL_INTERVAL" default:"2s"`
	JobTimeout      time.Duration `json:"job_timeout" yaml:"job_timeout" env:"MATHUPDATER_WORKER_JOB_TIMEOUT" default:"15m"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" env:"MATHUPDATER_WORKER_SHUTDOWN_TIMEOUT" default:"30s"`
}

// WatchdogConfig controls stall detection and stuck-job purging.
// ScanStallTimeout of zero derives a value from the scan interval.
type WatchdogConfig struct {
	Interval            time.Duration `json:"interval" yaml:"interval" env:"MATHUPDATER_WATCHDOG_INTERVAL" default:"15s"`
	WorkerStallTimeout  time.Duration `json:"worker_stall_timeout" yaml:"worker_stall_timeout" env:"MATHUPDATER_WATCHDOG_WORKER_STALL_TIMEOUT" default:"30s"`
	StuckCreatedTimeout time.Duration `json:"stuck_created_timeout" yaml:"stuck_created_timeout" env:"MATHUPDATER_WATCHDOG_STUCK_CREATED_TIMEOUT" default:"10s"`
	StuckActiveTimeout  time.Duration `json:"stuck_active_timeout" yaml:"stuck_active_timeout" env:"MATHUPDATER_WATCHDOG_STUCK_ACTIVE_TIMEOUT" default:"20m"`
	RestartDelay        time.Duration `json:"restart_delay" yaml:"restart_delay" env:"MATHUPDATER_WATCHDOG_RESTART_DELAY" default:"2s"`
	ScanStallTimeout    time.Duration `json:"scan_stall_timeout" yaml:"scan_stall_timeout" env:"MATHUPDATER_WATCHDOG_SCAN_STALL_TIMEOUT"`
}

// OrphanConfig controls cleanup of snapshots that were never activated.
// A zero Retention disables the sweep.
type OrphanConfig struct {
	Retention     time.Duration `json:"retention" yaml:"retention" env:"MATHUPDATER_ORPHAN_RETENTION" default:"168h"`
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval" env:"MATHUPDATER_ORPHAN_SWEEP_INTERVAL" default:"1h"`
}

// EngineConfig points at the clustering engine service.
type EngineConfig struct {
	BaseURL        string        `json:"base_url" yaml:"base_url" env:"POLIS_BASE_URL"`
	Timeout        time.Duration `json:"timeout" yaml:"timeout" env:"MATHUPDATER_ENGINE_TIMEOUT" default:"10m"`
	RetryAttempts  int           `json:"retry_attempts" yaml:"retry_attempts" env:"MATHUPDATER_ENGINE_RETRY_ATTEMPTS" default:"2"`
	RetryDelay     time.Duration `json:"retry_delay" yaml:"retry_delay" env:"MATHUPDATER_ENGINE_RETRY_DELAY" default:"1s"`
	CircuitBreaker bool          `json:"circuit_breaker" yaml:"circuit_breaker" env:"MATHUPDATER_ENGINE_CIRCUIT_BREAKER" default:"true"`
}

// DefaultAIModel is the Bedrock model id used for labeling by default.
const DefaultAIModel = "mistral.mistral-large-2402-v1:0"

// AIConfig contains labeling configuration.
// An empty Prompt selects the built-in labeling prompt.
type AIConfig struct {
	Enabled      bool          `json:"enabled" yaml:"enabled" env:"AWS_AI_LABEL_SUMMARY_ENABLE" default:"true"`
	Provider     string        `json:"provider" yaml:"provider" env:"MATHUPDATER_AI_PROVIDER" default:"bedrock"`
	Region       string        `json:"region" yaml:"region" env:"AWS_AI_LABEL_SUMMARY_REGION" default:"eu-west-1"`
	Model        string        `json:"model" yaml:"model" env:"AWS_AI_LABEL_SUMMARY_MODEL_ID" default:"mistral.mistral-large-2402-v1:0"`
	Temperature  float32       `json:"temperature" yaml:"temperature" env:"AWS_AI_LABEL_SUMMARY_TEMPERATURE" default:"0.4"`
	TopP         float32       `json:"top_p" yaml:"top_p" env:"AWS_AI_LABEL_SUMMARY_TOP_P" default:"0.8"`
	MaxTokens    int           `json:"max_tokens" yaml:"max_tokens" env:"AWS_AI_LABEL_SUMMARY_MAX_TOKENS" default:"8192"`
	Prompt       string        `json:"prompt" yaml:"prompt" env:"AWS_AI_LABEL_SUMMARY_PROMPT"`
	OpenAIAPIKey string        `json:"-" yaml:"-" env:"OPENAI_API_KEY"`
	OpenAIURL    string        `json:"openai_base_url" yaml:"openai_base_url" env:"OPENAI_BASE_URL"`
	Timeout      time.Duration `json:"timeout" yaml:"timeout" env:"MATHUPDATER_AI_TIMEOUT" default:"2m"`
}

// TranslationConfig contains Google Cloud Translation settings.
// Translation is enabled when a project is configured.
type TranslationConfig struct {
	ProjectID       string        `json:"project_id" yaml:"project_id" env:"GOOGLE_CLOUD_PROJECT_ID,GOOGLE_CLOUD_PROJECT"`
	Location        string        `json:"location" yaml:"location" env:"GOOGLE_CLOUD_TRANSLATION_LOCATION" default:"global"`
	Endpoint        string        `json:"endpoint" yaml:"endpoint" env:"GOOGLE_CLOUD_TRANSLATION_ENDPOINT" default:"https://translation.googleapis.com"`
	CredentialsFile string        `json:"credentials_file" yaml:"credentials_file" env:"GOOGLE_APPLICATION_CREDENTIALS"`
	SourceLanguage  string        `json:"source_language" yaml:"source_language" env:"MATHUPDATER_TRANSLATION_SOURCE" default:"en"`
	Languages       []string      `json:"languages" yaml:"languages" env:"MATHUPDATER_DISPLAY_LANGUAGES" default:"en,es,fr"`
	Timeout         time.Duration `json:"timeout" yaml:"timeout" env:"MATHUPDATER_TRANSLATION_TIMEOUT" default:"30s"`
}

// Enabled reports whether a translation collaborator should be built.
func (t TranslationConfig) Enabled() bool {
	return t.ProjectID != ""
}

// TelemetryConfig contains OpenTelemetry settings.
type TelemetryConfig struct {
	Enabled      bool    `json:"enabled" yaml:"enabled" env:"MATHUPDATER_TELEMETRY_ENABLED" default:"false"`
	Exporter     string  `json:"exporter" yaml:"exporter" env:"MATHUPDATER_TELEMETRY_EXPORTER" default:"otlp"`
	Endpoint     string  `json:"endpoint" yaml:"endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName  string  `json:"service_name" yaml:"service_name" env:"OTEL_SERVICE_NAME"`
	SamplingRate float64 `json:"sampling_rate" yaml:"sampling_rate" env:"MATHUPDATER_TELEMETRY_SAMPLING_RATE" default:"1.0"`
	Insecure     bool    `json:"insecure" yaml:"insecure" env:"MATHUPDATER_TELEMETRY_INSECURE" default:"true"`
}

// LoggingConfig contains logging configuration.
// An empty Format auto-detects: JSON in Kubernetes, text elsewhere.
type LoggingConfig struct {
	Level           string `json:"level" yaml:"level" env:"LOG_LEVEL,MATHUPDATER_LOG_LEVEL" default:"info"`
	Format          string `json:"format" yaml:"format" env:"MATHUPDATER_LOG_FORMAT"`
	Output          string `json:"output" yaml:"output" env:"MATHUPDATER_LOG_OUTPUT" default:"stdout"`
	TimeFormat      string `json:"time_format" yaml:"time_format" env:"MATHUPDATER_LOG_TIME_FORMAT" default:"2006-01-02T15:04:05.000Z07:00"`
	ErrorsPerSecond int    `json:"errors_per_second" yaml:"errors_per_second" env:"MATHUPDATER_LOG_ERRORS_PER_SECOND" default:"20"`
}

// Option is a functional option for configuring the updater
type Option func(*Config) error

// DefaultConfig returns a configuration populated with default values.
func DefaultConfig() *Config {
	return &Config{
		Name:        "math-updater",
		Environment: "development",
		Database: DatabaseConfig{
			ApplicationName: "agora-math-updater",
			ConnectTimeout:  10 * time.Second,
		},
		Queue: QueueConfig{
			Backend:   "postgres",
			Name:      "update-conversation-math",
			Retention: 24 * time.Hour,
		},
		Scanner: ScannerConfig{
			Interval:              2 * time.Second,
			MinTimeBetweenUpdates: 20 * time.Second,
		},
		Worker: WorkerConfig{
			BatchSize:       10,
			Concurrency:     3,
			PollInterval:    2 * time.Second,
			JobTimeout:      15 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
		},
		Watchdog: WatchdogConfig{
			Interval:            15 * time.Second,
			WorkerStallTimeout:  30 * time.Second,
			StuckCreatedTimeout: 10 * time.Second,
			StuckActiveTimeout:  20 * time.Minute,
			RestartDelay:        2 * time.Second,
		},
		Orphans: OrphanConfig{
			Retention:     7 * 24 * time.Hour,
			SweepInterval: time.Hour,
		},
		Engine: EngineConfig{
			Timeout:        10 * time.Minute,
			RetryAttempts:  2,
			RetryDelay:     time.Second,
			CircuitBreaker: true,
		},
		AI: AIConfig{
			Enabled:     true,
			Provider:    "bedrock",
			Region:      "eu-west-1",
			Model:       DefaultAIModel,
			Temperature: 0.4,
			TopP:        0.8,
			MaxTokens:   8192,
			Timeout:     2 * time.Minute,
		},
		Translation: TranslationConfig{
			Location:       "global",
			Endpoint:       "https://translation.googleapis.com",
			SourceLanguage: "en",
			Languages:      []string{"en", "es", "fr"},
			Timeout:        30 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Exporter:     "otlp",
			SamplingRate: 1.0,
			Insecure:     true,
		},
		Logging: LoggingConfig{
			Level:           "info",
			Output:          "stdout",
			TimeFormat:      "2006-01-02T15:04:05.000Z07:00",
			ErrorsPerSecond: 20,
		},
	}
}

// LoadFromEnv overrides configuration with environment variables.
// Millisecond variables inherited from the original deployment
// (MATH_UPDATER_*_MS) take plain integers; the others take Go durations.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("MATHUPDATER_NAME"); v != "" {
		c.Name = v
	}
	if v := firstEnv("NODE_ENV", "MATHUPDATER_ENV"); v != "" {
		c.Environment = v
	}

	// Database
	if v := firstEnv("CONNECTION_STRING", "DATABASE_URL"); v != "" {
		c.Database.ConnectionString = v
	}
	if v := os.Getenv("MATHUPDATER_DB_APPLICATION_NAME"); v != "" {
		c.Database.ApplicationName = v
	}
	if v := os.Getenv("MATHUPDATER_DB_MAX_CONNS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			return envError("MATHUPDATER_DB_MAX_CONNS", v, err)
		}
		c.Database.MaxConns = int32(n)
	}
	if err := envDuration("MATHUPDATER_DB_CONNECT_TIMEOUT", &c.Database.ConnectTimeout); err != nil {
		return err
	}
	if v := os.Getenv("MATHUPDATER_DB_AUTO_MIGRATE"); v != "" {
		c.Database.AutoMigrate = parseBool(v)
	}

	// Queue
	if v := os.Getenv("MATHUPDATER_QUEUE_BACKEND"); v != "" {
		c.Queue.Backend = strings.ToLower(v)
	}
	if v := os.Getenv("MATHUPDATER_QUEUE_NAME"); v != "" {
		c.Queue.Name = v
	}
	if v := firstEnv("MATHUPDATER_REDIS_URL", "REDIS_URL"); v != "" {
		c.Queue.RedisURL = v
	}
	if err := envDuration("MATHUPDATER_QUEUE_RETENTION", &c.Queue.Retention); err != nil {
		return err
	}

	// Scanner
	if err := envMillis("MATH_UPDATER_SCAN_INTERVAL_MS", &c.Scanner.Interval); err != nil {
		return err
	}
	if err := envMillis("MATH_UPDATER_MIN_TIME_BETWEEN_UPDATES_MS", &c.Scanner.MinTimeBetweenUpdates); err != nil {
		return err
	}

	// Worker
	if err := envInt("MATH_UPDATER_BATCH_SIZE", &c.Worker.BatchSize); err != nil {
		return err
	}
	if err := envInt("MATH_UPDATER_JOB_CONCURRENCY", &c.Worker.Concurrency); err != nil {
		return err
	}
	if err := envDuration("MATHUPDATER_WORKER_POLL_INTERVAL", &c.Worker.PollInterval); err != nil {
		return err
	}
	if err := envDuration("MATHUPDATER_WORKER_JOB_TIMEOUT", &c.Worker.JobTimeout); err != nil {
		return err
	}
	if err := envDuration("MATHUPDATER_WORKER_SHUTDOWN_TIMEOUT", &c.Worker.ShutdownTimeout); err != nil {
		return err
	}

	// Watchdog
	for name, target := range map[string]*time.Duration{
		"MATHUPDATER_WATCHDOG_INTERVAL":              &c.Watchdog.Interval,
		"MATHUPDATER_WATCHDOG_WORKER_STALL_TIMEOUT":  &c.Watchdog.WorkerStallTimeout,
		"MATHUPDATER_WATCHDOG_STUCK_CREATED_TIMEOUT": &c.Watchdog.StuckCreatedTimeout,
		"MATHUPDATER_WATCHDOG_STUCK_ACTIVE_TIMEOUT":  &c.Watchdog.StuckActiveTimeout,
		"MATHUPDATER_WATCHDOG_RESTART_DELAY":         &c.Watchdog.RestartDelay,
		"MATHUPDATER_WATCHDOG_SCAN_STALL_TIMEOUT":    &c.Watchdog.ScanStallTimeout,
		"MATHUPDATER_ORPHAN_RETENTION":               &c.Orphans.Retention,
		"MATHUPDATER_ORPHAN_SWEEP_INTERVAL":          &c.Orphans.SweepInterval,
	} {
		if err := envDuration(name, target); err != nil {
			return err
		}
	}

	// Engine
	if v := os.Getenv("POLIS_BASE_URL"); v != "" {
		c.Engine.BaseURL = v
	}
	if err := envDuration("MATHUPDATER_ENGINE_TIMEOUT", &c.Engine.Timeout); err != nil {
		return err
	}
	if err := envInt("MATHUPDATER_ENGINE_RETRY_ATTEMPTS", &c.Engine.RetryAttempts); err != nil {
		return err
	}
	if err := envDuration("MATHUPDATER_ENGINE_RETRY_DELAY", &c.Engine.RetryDelay); err != nil {
		return err
	}
	if v := os.Getenv("MATHUPDATER_ENGINE_CIRCUIT_BREAKER"); v != "" {
		c.Engine.CircuitBreaker = parseBool(v)
	}

	// AI labeling
	if v := os.Getenv("AWS_AI_LABEL_SUMMARY_ENABLE"); v != "" {
		// only an explicit "false"/"0" disables labeling
		normalized := strings.ToLower(strings.TrimSpace(v))
		c.AI.Enabled = normalized != "false" && normalized != "0"
	}
	if v := os.Getenv("MATHUPDATER_AI_PROVIDER"); v != "" {
		c.AI.Provider = strings.ToLower(v)
	}
	if v := os.Getenv("AWS_AI_LABEL_SUMMARY_REGION"); v != "" {
		c.AI.Region = v
	}
	if v := os.Getenv("AWS_AI_LABEL_SUMMARY_MODEL_ID"); v != "" {
		c.AI.Model = v
	}
	if err := envFloat32("AWS_AI_LABEL_SUMMARY_TEMPERATURE", &c.AI.Temperature); err != nil {
		return err
	}
	if err := envFloat32("AWS_AI_LABEL_SUMMARY_TOP_P", &c.AI.TopP); err != nil {
		return err
	}
	if err := envInt("AWS_AI_LABEL_SUMMARY_MAX_TOKENS", &c.AI.MaxTokens); err != nil {
		return err
	}
	if v := os.Getenv("AWS_AI_LABEL_SUMMARY_PROMPT"); v != "" {
		c.AI.Prompt = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.AI.OpenAIAPIKey = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		c.AI.OpenAIURL = v
	}
	if err := envDuration("MATHUPDATER_AI_TIMEOUT", &c.AI.Timeout); err != nil {
		return err
	}

	// Translation
	if v := firstEnv("GOOGLE_CLOUD_PROJECT_ID", "GOOGLE_CLOUD_PROJECT"); v != "" {
		c.Translation.ProjectID = v
	}
	if v := os.Getenv("GOOGLE_CLOUD_TRANSLATION_LOCATION"); v != "" {
		c.Translation.Location = v
	}
	if v := os.Getenv("GOOGLE_CLOUD_TRANSLATION_ENDPOINT"); v != "" {
		c.Translation.Endpoint = v
	}
	if v := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"); v != "" {
		c.Translation.CredentialsFile = v
	}
	if v := os.Getenv("MATHUPDATER_TRANSLATION_SOURCE"); v != "" {
		c.Translation.SourceLanguage = v
	}
	if v := os.Getenv("MATHUPDATER_DISPLAY_LANGUAGES"); v != "" {
		c.Translation.Languages = parseStringList(v)
	}
	if err := envDuration("MATHUPDATER_TRANSLATION_TIMEOUT", &c.Translation.Timeout); err != nil {
		return err
	}

	// Telemetry
	if v := os.Getenv("MATHUPDATER_TELEMETRY_ENABLED"); v != "" {
		c.Telemetry.Enabled = parseBool(v)
	}
	if v := os.Getenv("MATHUPDATER_TELEMETRY_EXPORTER"); v != "" {
		c.Telemetry.Exporter = strings.ToLower(v)
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.Endpoint = v
		if os.Getenv("MATHUPDATER_TELEMETRY_ENABLED") == "" {
			c.Telemetry.Enabled = true
		}
	}
	if v := os.Getenv("OTEL_SERVICE_NAME"); v != "" {
		c.Telemetry.ServiceName = v
	}
	if v := os.Getenv("MATHUPDATER_TELEMETRY_SAMPLING_RATE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return envError("MATHUPDATER_TELEMETRY_SAMPLING_RATE", v, err)
		}
		c.Telemetry.SamplingRate = f
	}
	if v := os.Getenv("MATHUPDATER_TELEMETRY_INSECURE"); v != "" {
		c.Telemetry.Insecure = parseBool(v)
	}

	// Logging
	if v := firstEnv("LOG_LEVEL", "MATHUPDATER_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("MATHUPDATER_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("MATHUPDATER_LOG_OUTPUT"); v != "" {
		c.Logging.Output = v
	}
	if v := os.Getenv("MATHUPDATER_LOG_TIME_FORMAT"); v != "" {
		c.Logging.TimeFormat = v
	}
	if err := envInt("MATHUPDATER_LOG_ERRORS_PER_SECOND", &c.Logging.ErrorsPerSecond); err != nil {
		return err
	}

	return nil
}

// LoadFromFile loads configuration from a JSON or YAML file.
// Values present in the file override the current configuration.
func (c *Config) LoadFromFile(path string) error {
	cleanPath := filepath.Clean(path)

	ext := strings.ToLower(filepath.Ext(cleanPath))
	if ext != ".json" && ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config file extension %s: %w", ext, ErrInvalidConfiguration)
	}

	data, err := os.ReadFile(cleanPath) // #nosec G304 -- operator supplied path
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", cleanPath, err)
	}

	switch ext {
	case ".json":
		if err := json.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to parse JSON config file: %v: %w", err, ErrInvalidConfiguration)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to parse YAML config file: %v: %w", err, ErrInvalidConfiguration)
		}
	}

	return nil
}

// Validate checks if the configuration is valid and returns an error if not.
//
// Validation rules:
//   - Database connection string and engine URL are required
//   - Scan interval >= 2s, min time between updates >= 5s
//   - Batch size 1..50, concurrency 1..10
//   - Watchdog timeouts must be positive
//   - Redis queue backend needs a Redis URL
//   - OpenAI labeling needs an API key
func (c *Config) Validate() error {
	if c.Database.ConnectionString == "" {
		return configError("database connection string is required", ErrMissingConfiguration)
	}

	if c.Engine.BaseURL == "" {
		return configError("clustering engine base URL is required", ErrMissingConfiguration)
	}
	if u, err := url.Parse(c.Engine.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return configError(fmt.Sprintf("invalid clustering engine URL: %q", c.Engine.BaseURL), ErrInvalidConfiguration)
	}

	if c.Scanner.Interval < 2*time.Second {
		return configError(fmt.Sprintf("scan interval must be at least 2s, got %v", c.Scanner.Interval), ErrInvalidConfiguration)
	}
	if c.Scanner.MinTimeBetweenUpdates < 5*time.Second {
		return configError(fmt.Sprintf("min time between updates must be at least 5s, got %v", c.Scanner.MinTimeBetweenUpdates), ErrInvalidConfiguration)
	}

	if c.Worker.BatchSize < 1 || c.Worker.BatchSize > 50 {
		return configError(fmt.Sprintf("batch size must be between 1 and 50, got %d", c.Worker.BatchSize), ErrInvalidConfiguration)
	}
	if c.Worker.Concurrency < 1 || c.Worker.Concurrency > 10 {
		return configError(fmt.Sprintf("job concurrency must be between 1 and 10, got %d", c.Worker.Concurrency), ErrInvalidConfiguration)
	}
	if c.Worker.PollInterval <= 0 || c.Worker.JobTimeout <= 0 {
		return configError("worker poll interval and job timeout must be positive", ErrInvalidConfiguration)
	}

	if c.Watchdog.Interval <= 0 ||
		c.Watchdog.WorkerStallTimeout <= 0 ||
		c.Watchdog.StuckCreatedTimeout <= 0 ||
		c.Watchdog.StuckActiveTimeout <= 0 {
		return configError("watchdog interval and timeouts must be positive", ErrInvalidConfiguration)
	}
	// An active job must outlive its own deadline before the watchdog may
	// delete it.
	if c.Watchdog.StuckActiveTimeout <= c.Worker.JobTimeout {
		return configError(fmt.Sprintf("stuck active timeout (%v) must exceed the job timeout (%v)",
			c.Watchdog.StuckActiveTimeout, c.Worker.JobTimeout), ErrInvalidConfiguration)
	}
	if c.Engine.Timeout > c.Worker.JobTimeout {
		return configError(fmt.Sprintf("engine timeout (%v) cannot exceed the job timeout (%v)",
			c.Engine.Timeout, c.Worker.JobTimeout), ErrInvalidConfiguration)
	}
	if c.Orphans.Retention < 0 {
		return configError("orphan retention cannot be negative", ErrInvalidConfiguration)
	}

	switch c.Queue.Backend {
	case "postgres":
	case "redis":
		if c.Queue.RedisURL == "" {
			return configError("redis URL is required for the redis queue backend", ErrMissingConfiguration)
		}
	default:
		return configError(fmt.Sprintf("unknown queue backend: %q", c.Queue.Backend), ErrInvalidConfiguration)
	}

	if c.AI.Enabled {
		switch c.AI.Provider {
		case "bedrock":
			if c.AI.Region == "" {
				return configError("AWS region is required for bedrock labeling", ErrMissingConfiguration)
			}
		case "openai":
			if c.AI.OpenAIAPIKey == "" {
				return configError("OpenAI API key is required for openai labeling", ErrMissingConfiguration)
			}
		default:
			return configError(fmt.Sprintf("unknown AI provider: %q", c.AI.Provider), ErrInvalidConfiguration)
		}
	}

	if c.Telemetry.Enabled && c.Telemetry.Exporter == "otlp" && c.Telemetry.Endpoint == "" {
		return configError("telemetry endpoint is required for the otlp exporter", ErrMissingConfiguration)
	}

	return nil
}

// ScanStallTimeout returns the configured scanner stall threshold, or
// four scan intervals (at least 30s) when unset.
func (c *Config) ScanStallTimeout() time.Duration {
	if c.Watchdog.ScanStallTimeout > 0 {
		return c.Watchdog.ScanStallTimeout
	}
	d := 4 * c.Scanner.Interval
	if d < 30*time.Second {
		d = 30 * time.Second
	}
	return d
}

// IsProduction reports whether the service runs in production mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// Helper functions

func configError(msg string, kind error) error {
	return &UpdaterError{
		Op:      "Config.Validate",
		Kind:    "config",
		Message: msg,
		Err:     kind,
	}
}

func envError(name, value string, err error) error {
	return &UpdaterError{
		Op:      "Config.LoadFromEnv",
		Kind:    "config",
		Message: fmt.Sprintf("invalid value %q for %s: %v", value, name, err),
		Err:     ErrInvalidConfiguration,
	}
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}

func envInt(name string, target *int) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return envError(name, v, err)
	}
	*target = n
	return nil
}

func envFloat32(name string, target *float32) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 32)
	if err != nil {
		return envError(name, v, err)
	}
	*target = float32(f)
	return nil
}

func envDuration(name string, target *time.Duration) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return envError(name, v, err)
	}
	*target = d
	return nil
}

func envMillis(name string, target *time.Duration) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	ms, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return envError(name, v, err)
	}
	*target = time.Duration(ms) * time.Millisecond
	return nil
}

// parseStringList splits a comma-separated string into a slice of strings.
// Whitespace is trimmed from each element, and empty strings are filtered out.
// Example: "a, b, c" -> ["a", "b", "c"]
func parseStringList(s string) []string {
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// parseBool converts a string to a boolean value.
// Accepts: "true", "1", "yes", "on" (case-insensitive) as true.
// Everything else is false.
func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

// Functional Options

// WithConnectionString sets the PostgreSQL connection string.
func WithConnectionString(dsn string) Option {
	return func(c *Config) error {
		c.Database.ConnectionString = dsn
		return nil
	}
}

// WithAutoMigrate applies the bundled schema migrations at startup.
func WithAutoMigrate(enabled bool) Option {
	return func(c *Config) error {
		c.Database.AutoMigrate = enabled
		return nil
	}
}

// WithEngineURL sets the clustering engine base URL.
func WithEngineURL(baseURL string) Option {
	return func(c *Config) error {
		c.Engine.BaseURL = baseURL
		return nil
	}
}

// WithQueueBackend selects "postgres" or "redis" as the job queue backend.
// The Redis URL is only used by the redis backend.
func WithQueueBackend(backend, redisURL string) Option {
	return func(c *Config) error {
		c.Queue.Backend = strings.ToLower(backend)
		if redisURL != "" {
			c.Queue.RedisURL = redisURL
		}
		return nil
	}
}

// WithScanInterval sets how often the scanner looks for dirty conversations.
func WithScanInterval(d time.Duration) Option {
	return func(c *Config) error {
		c.Scanner.Interval = d
		return nil
	}
}

// WithMinTimeBetweenUpdates sets the per-conversation rate limit.
func WithMinTimeBetweenUpdates(d time.Duration) Option {
	return func(c *Config) error {
		c.Scanner.MinTimeBetweenUpdates = d
		return nil
	}
}

// WithBatchSize sets how many jobs the worker claims at once.
// Returns an error if the size is outside 1..50.
func WithBatchSize(n int) Option {
	return func(c *Config) error {
		if n < 1 || n > 50 {
			return &UpdaterError{
				Op:      "WithBatchSize",
				Kind:    "config",
				Message: fmt.Sprintf("invalid batch size: %d", n),
				Err:     ErrInvalidConfiguration,
			}
		}
		c.Worker.BatchSize = n
		return nil
	}
}

// WithConcurrency sets how many jobs may run the update protocol at once.
// Returns an error if the value is outside 1..10.
func WithConcurrency(n int) Option {
	return func(c *Config) error {
		if n < 1 || n > 10 {
			return &UpdaterError{
				Op:      "WithConcurrency",
				Kind:    "config",
				Message: fmt.Sprintf("invalid job concurrency: %d", n),
				Err:     ErrInvalidConfiguration,
			}
		}
		c.Worker.Concurrency = n
		return nil
	}
}

// WithStuckJobTimeouts sets the created-state and active-state purge timeouts.
func WithStuckJobTimeouts(created, active time.Duration) Option {
	return func(c *Config) error {
		c.Watchdog.StuckCreatedTimeout = created
		c.Watchdog.StuckActiveTimeout = active
		return nil
	}
}

// WithAI enables or disables labeling with the given provider.
func WithAI(enabled bool, provider string) Option {
	return func(c *Config) error {
		c.AI.Enabled = enabled
		if provider != "" {
			c.AI.Provider = strings.ToLower(provider)
		}
		return nil
	}
}

// WithOpenAIAPIKey sets the OpenAI key and selects the openai provider.
func WithOpenAIAPIKey(key string) Option {
	return func(c *Config) error {
		c.AI.OpenAIAPIKey = key
		c.AI.Provider = "openai"
		return nil
	}
}

// WithTranslation configures Google Cloud Translation.
func WithTranslation(projectID, location string) Option {
	return func(c *Config) error {
		c.Translation.ProjectID = projectID
		if location != "" {
			c.Translation.Location = location
		}
		return nil
	}
}

// WithTelemetry enables OpenTelemetry export to endpoint.
func WithTelemetry(enabled bool, endpoint string) Option {
	return func(c *Config) error {
		c.Telemetry.Enabled = enabled
		if endpoint != "" {
			c.Telemetry.Endpoint = endpoint
		}
		return nil
	}
}

// WithLogLevel sets the logging level.
func WithLogLevel(level string) Option {
	return func(c *Config) error {
		c.Logging.Level = level
		return nil
	}
}

// WithLogFormat sets the logging format ("json" or "text").
func WithLogFormat(format string) Option {
	return func(c *Config) error {
		c.Logging.Format = format
		return nil
	}
}

// WithConfigFile loads configuration from a JSON or YAML file.
// Options after this one can override file settings.
func WithConfigFile(path string) Option {
	return func(c *Config) error {
		return c.LoadFromFile(path)
	}
}

// WithDevelopmentMode switches to text logs at debug level.
func WithDevelopmentMode(enabled bool) Option {
	return func(c *Config) error {
		if enabled {
			c.Environment = "development"
			c.Logging.Format = "text"
			c.Logging.Level = "debug"
		}
		return nil
	}
}

// NewConfig creates a new configuration with the provided options.
// Configuration is applied in the following order:
//  1. Default values from DefaultConfig()
//  2. The file named by MATHUPDATER_CONFIG_FILE, if set
//  3. Environment variables via LoadFromEnv()
//  4. Functional options (highest priority)
//  5. Validation via Validate()
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()

	if path := os.Getenv("MATHUPDATER_CONFIG_FILE"); path != "" {
		if err := cfg.LoadFromFile(path); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env config: %w", err)
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
