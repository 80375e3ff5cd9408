package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the JobGate server. Components receive
// the sub-structs they need at construction; nothing reads the environment
// after Load returns.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Worker    WorkerConfig
	Retry     RetryConfig
	Retention RetentionConfig
	Caps      CapsConfig
	Deploy    DeployConfig
	Repo      RepoConfig
	Model     ModelConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// WorkerConfig covers the internal worker trigger. Secret authenticates
// scheduler/handler dispatches to the worker endpoint; an empty secret
// degrades the scheduled sweeps to logged no-ops rather than crashing them.
type WorkerConfig struct {
	Secret            string
	BaseURL           string
	TriggerTimeout    time.Duration
	HeartbeatInterval time.Duration
	MaxAttempts       int
}

type RetryConfig struct {
	BatchLimit     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type RetentionConfig struct {
	Window           time.Duration
	SuccessRetention time.Duration
	BatchSize        int
	MaxBatches       int
}

type CapsConfig struct {
	DefaultMonthlyBytes int64
}

type DeployConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

type RepoConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

type ModelConfig struct {
	BaseURL      string
	APIKey       string
	DefaultModel string
	Timeout      time.Duration
}

// Load reads configuration from environment variables and returns a
// validated Config. Returns an error with a descriptive message if any
// required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("JOBGATE_PORT", 8080),
			Env:  envString("JOBGATE_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Worker: WorkerConfig{
			Secret:            os.Getenv("JOB_WORKER_SECRET"),
			BaseURL:           os.Getenv("JOB_WORKER_BASE_URL"),
			TriggerTimeout:    envDuration("JOB_WORKER_TRIGGER_TIMEOUT", 10*time.Second),
			HeartbeatInterval: envDuration("JOB_HEARTBEAT_INTERVAL", 15*time.Second),
			MaxAttempts:       envInt("JOB_MAX_ATTEMPTS", 10),
		},
		Retry: RetryConfig{
			BatchLimit:     envInt("RETRY_BATCH_LIMIT", 15),
			InitialBackoff: envDuration("RETRY_INITIAL_BACKOFF", 30*time.Second),
			MaxBackoff:     envDuration("RETRY_MAX_BACKOFF", 10*time.Minute),
		},
		Retention: RetentionConfig{
			Window:           envDuration("CHUNK_RETENTION_WINDOW", 48*time.Hour),
			SuccessRetention: envDuration("JOB_SUCCESS_RETENTION", 7*24*time.Hour),
			BatchSize:        envInt("RETENTION_BATCH_SIZE", 200),
			MaxBatches:       envInt("RETENTION_MAX_BATCHES", 5),
		},
		Caps: CapsConfig{
			DefaultMonthlyBytes: envInt64("PUSH_MONTHLY_BYTE_CAP", 10<<30),
		},
		Deploy: DeployConfig{
			BaseURL: os.Getenv("DEPLOY_API_BASE_URL"),
			Token:   os.Getenv("DEPLOY_API_TOKEN"),
			Timeout: envDuration("DEPLOY_API_TIMEOUT", 60*time.Second),
		},
		Repo: RepoConfig{
			BaseURL: envString("REPO_API_BASE_URL", "https://api.github.com"),
			Token:   os.Getenv("REPO_API_TOKEN"),
			Timeout: envDuration("REPO_API_TIMEOUT", 60*time.Second),
		},
		Model: ModelConfig{
			BaseURL:      os.Getenv("MODEL_API_BASE_URL"),
			APIKey:       os.Getenv("MODEL_API_KEY"),
			DefaultModel: envString("MODEL_DEFAULT", "gpt-base"),
			Timeout:      envDuration("MODEL_API_TIMEOUT", 120*time.Second),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Worker.BaseURL != "" &&
		!strings.HasPrefix(c.Worker.BaseURL, "http://") && !strings.HasPrefix(c.Worker.BaseURL, "https://") {
		return fmt.Errorf("JOB_WORKER_BASE_URL must start with http:// or https://, got %q", c.Worker.BaseURL)
	}

	if c.Retry.BatchLimit < 1 {
		return fmt.Errorf("RETRY_BATCH_LIMIT must be at least 1, got %d", c.Retry.BatchLimit)
	}

	if c.Retention.Window < time.Hour {
		return fmt.Errorf("CHUNK_RETENTION_WINDOW must be at least 1h, got %s", c.Retention.Window)
	}

	if c.Worker.MaxAttempts < 1 {
		return fmt.Errorf("JOB_MAX_ATTEMPTS must be at least 1, got %d", c.Worker.MaxAttempts)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
