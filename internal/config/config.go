package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "AWM"

// Executor modes.
const (
	ExecutorNone    = "none"
	ExecutorGateway = "gateway"
	ExecutorCLI     = "cli"
)

// Store backends.
const (
	BackendJSON   = "json"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Config holds all application configuration. Values come from struct
// defaults, then AWM_* environment variables, then the optional YAML file
// named by AWM_CONFIG_FILE.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"production" yaml:"environment"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" yaml:"log_level"`
	ConfigFile  string `envconfig:"CONFIG_FILE" yaml:"-"`

	// Storage
	DataDir       string `envconfig:"DATA_DIR" yaml:"data_dir"` // default ~/.awm
	StoreBackend  string `envconfig:"STORE_BACKEND" default:"json" yaml:"store_backend"`
	SQLitePath    string `envconfig:"SQLITE_PATH" yaml:"sqlite_path"` // default <data_dir>/awm.db
	RedisAddr     string `envconfig:"REDIS_ADDR" default:"localhost:6379" yaml:"redis_addr"`
	RedisPassword string `envconfig:"REDIS_PASSWORD" yaml:"redis_password"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0" yaml:"redis_db"`
	RedisPrefix   string `envconfig:"REDIS_PREFIX" default:"awm" yaml:"redis_prefix"`

	// Scheduling
	MaxConcurrentSessions  int           `envconfig:"MAX_CONCURRENT_SESSIONS" default:"2" yaml:"max_concurrent_sessions"`
	DefaultSessionDuration time.Duration `envconfig:"DEFAULT_SESSION_DURATION" default:"30m" yaml:"default_session_duration"`
	DrainInterval          time.Duration `envconfig:"DRAIN_INTERVAL" default:"5s" yaml:"drain_interval"`
	PollInterval           time.Duration `envconfig:"POLL_INTERVAL" default:"5s" yaml:"poll_interval"`
	TimeoutBuffer          time.Duration `envconfig:"TIMEOUT_BUFFER" default:"1m" yaml:"timeout_buffer"`
	SimulationDelay        time.Duration `envconfig:"SIMULATION_DELAY" default:"2s" yaml:"simulation_delay"`
	HistoryLimit           int           `envconfig:"HISTORY_LIMIT" default:"10" yaml:"history_limit"`
	StatusLogInterval      time.Duration `envconfig:"STATUS_LOG_INTERVAL" default:"30s" yaml:"status_log_interval"`

	// Executor (OpenClaw)
	ExecutorMode    string        `envconfig:"EXECUTOR_MODE" default:"none" yaml:"executor_mode"` // none | gateway | cli
	GatewayURL      string        `envconfig:"GATEWAY_URL" default:"http://localhost:18789" yaml:"gateway_url"`
	GatewayToken    string        `envconfig:"GATEWAY_TOKEN" yaml:"gateway_token"`
	OpenClawBin     string        `envconfig:"OPENCLAW_BIN" default:"openclaw" yaml:"openclaw_bin"`
	ExecutorTimeout time.Duration `envconfig:"EXECUTOR_TIMEOUT" default:"30s" yaml:"executor_timeout"`

	// Slack notifications (optional)
	SlackBotToken string `envconfig:"SLACK_BOT_TOKEN" yaml:"slack_bot_token"`
	SlackChannel  string `envconfig:"SLACK_CHANNEL" yaml:"slack_channel"`

	// Management API
	MgmtListenAddr     string `envconfig:"MGMT_LISTEN_ADDR" default:":8090" yaml:"mgmt_listen_addr"`
	MgmtAuthMode       string `envconfig:"MGMT_AUTH_MODE" default:"api-key" yaml:"mgmt_auth_mode"`
	MgmtAPIKey         string `envconfig:"MGMT_API_KEY" yaml:"mgmt_api_key"`
	MgmtRateLimitRPS   int    `envconfig:"MGMT_RATE_LIMIT_RPS" default:"100" yaml:"mgmt_rate_limit_rps"`
	MgmtRateLimitBurst int    `envconfig:"MGMT_RATE_LIMIT_BURST" default:"200" yaml:"mgmt_rate_limit_burst"`
	MgmtCORSOrigins    string `envconfig:"MGMT_CORS_ORIGINS" yaml:"mgmt_cors_origins"`
}

// SlackEnabled returns true if Slack notifications are configured.
func (c *Config) SlackEnabled() bool {
	return c.SlackBotToken != "" && c.SlackChannel != ""
}

// ExecutorEnabled returns true unless the scheduler should run in simulation mode.
func (c *Config) ExecutorEnabled() bool {
	return c.ExecutorMode == ExecutorGateway || c.ExecutorMode == ExecutorCLI
}

// Validate checks that the loaded values are usable.
func (c *Config) Validate() error {
	if c.MaxConcurrentSessions <= 0 {
		return fmt.Errorf("max concurrent sessions must be positive, got %d", c.MaxConcurrentSessions)
	}
	for name, d := range map[string]time.Duration{
		"default session duration": c.DefaultSessionDuration,
		"drain interval":           c.DrainInterval,
		"poll interval":            c.PollInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.TimeoutBuffer < 0 || c.SimulationDelay < 0 {
		return fmt.Errorf("timeout buffer and simulation delay must not be negative")
	}
	switch c.ExecutorMode {
	case ExecutorNone, ExecutorGateway, ExecutorCLI:
	default:
		return fmt.Errorf("unknown executor mode %q", c.ExecutorMode)
	}
	switch c.StoreBackend {
	case BackendJSON, BackendSQLite, BackendRedis:
	default:
		return fmt.Errorf("unknown store backend %q", c.StoreBackend)
	}
	return nil
}

// Load reads configuration from AWM_* environment variables and, when
// AWM_CONFIG_FILE is set, overlays the YAML file on top.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	if cfg.ConfigFile != "" {
		raw, err := os.ReadFile(cfg.ConfigFile)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", cfg.ConfigFile, err)
		}
		if err := cfg.overlayYAML(raw); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", cfg.ConfigFile, err)
		}
	}

	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) overlayYAML(raw []byte) error {
	expanded := expandEnvVars(string(raw))
	return yaml.Unmarshal([]byte(expanded), c)
}

// applyDefaults fills in values that depend on the environment or on other fields.
func applyDefaults(cfg *Config) {
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil || home == "" {
			home = os.TempDir()
		}
		cfg.DataDir = filepath.Join(home, ".awm")
	}
	if cfg.SQLitePath == "" {
		cfg.SQLitePath = filepath.Join(cfg.DataDir, "awm.db")
	}
}

// envVarPattern matches ${VAR_NAME} and $VAR_NAME.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces ${VAR} and $VAR with the corresponding environment
// variable value. Missing vars are replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		name := strings.TrimPrefix(match, "${")
		name = strings.TrimSuffix(name, "}")
		name = strings.TrimPrefix(name, "$")
		return os.Getenv(name)
	})
}
