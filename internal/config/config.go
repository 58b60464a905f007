// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces every environment override, e.g. REGISCAN_SERVER_PORT.
const EnvPrefix = "REGISCAN"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Storage   StorageConfig   `mapstructure:"storage"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	DB        DBConfig        `mapstructure:"db"`
	Principal PrincipalConfig `mapstructure:"principal"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port       int    `mapstructure:"port"`
	CORSOrigin string `mapstructure:"cors_origin"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// EngineConfig governs the worker loop.
type EngineConfig struct {
	Cooldown     time.Duration `mapstructure:"cooldown"`
	HistoryLimit int           `mapstructure:"history_limit"`
}

// RegistryConfig bounds the in-memory job registry.
type RegistryConfig struct {
	MaxJobs int `mapstructure:"max_jobs"`
}

// RateLimitConfig sets the hourly admission limits.
type RateLimitConfig struct {
	GlobalMax    int           `mapstructure:"global_max"`
	UserMax      int           `mapstructure:"user_max"`
	Window       time.Duration `mapstructure:"window"`
	WarningRatio float64       `mapstructure:"warning_ratio"`
}

// ExecutionConfig selects and tunes the execution strategy.
type ExecutionConfig struct {
	Mode           string        `mapstructure:"mode"`
	Image          string        `mapstructure:"image"`
	DockerBinary   string        `mapstructure:"docker_binary"`
	TimeoutSeconds int           `mapstructure:"timeout_seconds"`
	ScratchDir     string        `mapstructure:"scratch_dir"`
	SamplePath     string        `mapstructure:"sample_path"`
	SyntheticDelay time.Duration `mapstructure:"synthetic_delay"`
}

// StorageConfig sets where documents are persisted.
type StorageConfig struct {
	Provider  string `mapstructure:"provider"`
	Dir       string `mapstructure:"dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for completion notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// DBConfig controls access to the retrieval archive.
type DBConfig struct {
	DSN   string `mapstructure:"dsn"`
	Table string `mapstructure:"table"`
}

// PrincipalConfig describes the fixed demo principal.
type PrincipalConfig struct {
	ID    string `mapstructure:"id"`
	Email string `mapstructure:"email"`
}

// Load builds a Config from .env, an optional file and the environment.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if raw := os.Getenv("PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse PORT: %w", err)
		}
		cfg.Server.Port = port
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 4000)
	v.SetDefault("server.cors_origin", "http://localhost:5173")
	v.SetDefault("logging.development", true)
	v.SetDefault("engine.cooldown", time.Second)
	v.SetDefault("engine.history_limit", 10)
	v.SetDefault("registry.max_jobs", 500)
	v.SetDefault("ratelimit.global_max", 60)
	v.SetDefault("ratelimit.user_max", 20)
	v.SetDefault("ratelimit.window", time.Hour)
	v.SetDefault("ratelimit.warning_ratio", 0.8)
	v.SetDefault("execution.mode", "synthetic")
	v.SetDefault("execution.image", "amacado/handelsregister-cli:latest")
	v.SetDefault("execution.docker_binary", "docker")
	v.SetDefault("execution.timeout_seconds", 90)
	v.SetDefault("execution.scratch_dir", os.TempDir())
	v.SetDefault("execution.sample_path", "assets/sample-pdfs/sample.pdf")
	v.SetDefault("execution.synthetic_delay", 800*time.Millisecond)
	v.SetDefault("storage.provider", "local")
	v.SetDefault("storage.dir", "data/pdfs")
	v.SetDefault("storage.prefix", "")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.table", "lookup_archive")
	v.SetDefault("principal.id", "user_dev_123")
	v.SetDefault("principal.email", "demo@regiscan.de")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Engine.Cooldown < 0 {
		return fmt.Errorf("engine.cooldown must be >= 0")
	}
	if c.Engine.HistoryLimit <= 0 {
		return fmt.Errorf("engine.history_limit must be > 0")
	}
	if c.RateLimit.GlobalMax <= 0 || c.RateLimit.UserMax <= 0 {
		return fmt.Errorf("ratelimit.global_max and ratelimit.user_max must be > 0")
	}
	if c.RateLimit.Window <= 0 {
		return fmt.Errorf("ratelimit.window must be > 0")
	}
	if c.RateLimit.WarningRatio <= 0 || c.RateLimit.WarningRatio > 1 {
		return fmt.Errorf("ratelimit.warning_ratio must be in (0, 1]")
	}
	switch c.Execution.Mode {
	case "synthetic":
	case "external":
		if c.Execution.Image == "" {
			return fmt.Errorf("execution.image is required in external mode")
		}
		if c.Execution.TimeoutSeconds <= 0 {
			return fmt.Errorf("execution.timeout_seconds must be > 0")
		}
	default:
		return fmt.Errorf("execution.mode %q is not supported", c.Execution.Mode)
	}
	switch c.Storage.Provider {
	case "local":
		if c.Storage.Dir == "" {
			return fmt.Errorf("storage.dir is required for the local provider")
		}
	case "memory":
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket is required for the gcs provider")
		}
	default:
		return fmt.Errorf("storage.provider %q is not supported", c.Storage.Provider)
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	if c.Principal.ID == "" {
		return fmt.Errorf("principal.id is required")
	}
	return nil
}

// ExecutionTimeout returns the external runner's wall-clock budget.
func (c Config) ExecutionTimeout() time.Duration {
	return time.Duration(c.Execution.TimeoutSeconds) * time.Second
}
