package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/artpar/fusion/internal/shell/dispatch"
)

// =============================================================================
// Config Types
// =============================================================================

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Log      LogConfig      `mapstructure:"log"`
	Source   SourceConfig   `mapstructure:"source"`
	GitHub   GitHubConfig   `mapstructure:"github"`
	Artifact ArtifactConfig `mapstructure:"artifact"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Search   SearchConfig   `mapstructure:"search"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	// APIToken guards POST /api/v1/runs and POST /api/v1/executions.
	// Empty leaves them open.
	APIToken string `mapstructure:"api_token"`
}

// Address returns the server address in host:port format.
func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SourceConfig holds the live configuration endpoint and the retry policy
// shared by every outbound HTTP call.
type SourceConfig struct {
	ConfigurationURL string        `mapstructure:"configuration_url"`
	Timeout          time.Duration `mapstructure:"timeout"`
	RetryMax         int           `mapstructure:"retry_max"`
	RetryWaitMin     time.Duration `mapstructure:"retry_wait_min"`
	RetryWaitMax     time.Duration `mapstructure:"retry_wait_max"`
}

// GitHubConfig holds the repository that carries the dependency graph and
// receives repository_dispatch events.
type GitHubConfig struct {
	Token     string `mapstructure:"token"`
	Owner     string `mapstructure:"owner"`
	Repo      string `mapstructure:"repo"`
	GraphPath string `mapstructure:"graph_path"`
	Ref       string `mapstructure:"ref"`
	BaseURL   string `mapstructure:"base_url"`
}

// Enabled reports whether a repository is configured.
func (c GitHubConfig) Enabled() bool {
	return c.Owner != "" && c.Repo != ""
}

// ArtifactConfig holds the object store receiving the next configuration.
type ArtifactConfig struct {
	Bucket          string `mapstructure:"bucket"`
	Key             string `mapstructure:"key"`
	BackupKey       string `mapstructure:"backup_key"`
	Region          string `mapstructure:"region"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	Endpoint        string `mapstructure:"endpoint"`
	UsePathStyle    bool   `mapstructure:"use_path_style"`
	Public          bool   `mapstructure:"public"`
}

// DispatchConfig selects the deployment trigger.
type DispatchConfig struct {
	// Kind is one of github, webhook or log.
	Kind         string `mapstructure:"kind"`
	EventType    string `mapstructure:"event_type"`
	WebhookURL   string `mapstructure:"webhook_url"`
	WebhookToken string `mapstructure:"webhook_token"`
	StagingStage string `mapstructure:"staging_stage"`
	StableStage  string `mapstructure:"stable_stage"`
}

// SearchConfig tunes candidate generation.
type SearchConfig struct {
	MetricsWindow     int      `mapstructure:"metrics_window"`
	MaxRandomAttempts int      `mapstructure:"max_random_attempts"`
	RequireValid      bool     `mapstructure:"require_valid"`
	Operators         []string `mapstructure:"operators"`
	Seed              uint64   `mapstructure:"seed"`
}

// ScheduleConfig controls periodic runs in serve mode.
type ScheduleConfig struct {
	// Interval between scheduled runs. Zero disables the scheduler.
	Interval   time.Duration `mapstructure:"interval"`
	RunTimeout time.Duration `mapstructure:"run_timeout"`
	RunOnStart bool          `mapstructure:"run_on_start"`
}

// =============================================================================
// Config Loading
// =============================================================================

// LoadConfig loads configuration from file and environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.api_token", "")
	v.SetDefault("database.dsn", "./data/fusion.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("source.configuration_url", "")
	v.SetDefault("source.timeout", "10s")
	v.SetDefault("source.retry_max", 3)
	v.SetDefault("source.retry_wait_min", "1s")
	v.SetDefault("source.retry_wait_max", "10s")
	v.SetDefault("github.token", "")
	v.SetDefault("github.owner", "")
	v.SetDefault("github.repo", "")
	v.SetDefault("github.graph_path", "dag.json")
	v.SetDefault("github.ref", "")
	v.SetDefault("github.base_url", "")
	v.SetDefault("artifact.bucket", "")
	v.SetDefault("artifact.key", "fusionConfiguration.json")
	v.SetDefault("artifact.backup_key", "")
	v.SetDefault("artifact.region", "us-east-1")
	v.SetDefault("artifact.access_key_id", "")
	v.SetDefault("artifact.secret_access_key", "")
	v.SetDefault("artifact.endpoint", "")
	v.SetDefault("artifact.use_path_style", false)
	v.SetDefault("artifact.public", false)
	v.SetDefault("dispatch.kind", dispatch.KindLog)
	v.SetDefault("dispatch.event_type", dispatch.DefaultEventType)
	v.SetDefault("dispatch.webhook_url", "")
	v.SetDefault("dispatch.webhook_token", "")
	v.SetDefault("dispatch.staging_stage", "staging")
	v.SetDefault("dispatch.stable_stage", "stable")
	v.SetDefault("search.metrics_window", 5)
	v.SetDefault("search.max_random_attempts", 100)
	v.SetDefault("search.require_valid", false)
	v.SetDefault("search.operators", []string{})
	v.SetDefault("search.seed", 0)
	v.SetDefault("schedule.interval", "0s")
	v.SetDefault("schedule.run_timeout", "5m")
	v.SetDefault("schedule.run_on_start", false)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// A missing file falls back to defaults; a broken one does not.
			if _, ok := err.(viper.ConfigParseError); ok {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	v.SetEnvPrefix("FUSION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// =============================================================================
// Validation
// =============================================================================

var (
	errMissingConfigurationURL = errors.New("source.configuration_url is required")
	errMissingBucket           = errors.New("artifact.bucket is required")
	errMissingRepository       = errors.New("github.owner and github.repo are required for the github dispatch kind")
	errMissingCredentials      = errors.New("artifact.access_key_id and artifact.secret_access_key are required unless artifact.endpoint is set")
	errPartialCredentials      = errors.New("artifact.access_key_id and artifact.secret_access_key must be set together")
)

// ValidateForRun checks the settings an optimization run cannot do without.
func (c *Config) ValidateForRun() error {
	var errs []error
	if c.Source.ConfigurationURL == "" {
		errs = append(errs, errMissingConfigurationURL)
	}
	if c.Artifact.Bucket == "" {
		errs = append(errs, errMissingBucket)
	}
	hasKey, hasSecret := c.Artifact.AccessKeyID != "", c.Artifact.SecretAccessKey != ""
	switch {
	case hasKey != hasSecret:
		errs = append(errs, errPartialCredentials)
	case !hasKey && c.Artifact.Endpoint == "":
		errs = append(errs, errMissingCredentials)
	}
	if c.Dispatch.Kind == dispatch.KindGitHub && !c.GitHub.Enabled() {
		errs = append(errs, errMissingRepository)
	}
	return errors.Join(errs...)
}

// =============================================================================
// Logger Setup
// =============================================================================

// SetupLogger creates a logger with the configured level and format.
func SetupLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	// Logs go to stderr so command output on stdout stays machine-readable.
	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "text" {
		handler = slog.NewTextHandler(os.Stderr, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}
