// Package config loads jobq settings from the environment.
package config

import (
	"fmt"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/Abraxas-365/jobq/pkg/errx"
)

var configErrors = errx.NewRegistry("CONFIG")

var ErrInvalid = configErrors.Register("INVALID", errx.TypeValidation, http.StatusBadRequest, "Invalid configuration")

// Config is the full process configuration.
type Config struct {
	Server   ServerConfig
	Redis    RedisConfig
	Database DatabaseConfig
	Jobq     JobqConfig
	Archive  ArchiveConfig
	Alert    AlertConfig
}

// ServerConfig configures the HTTP adapter.
type ServerConfig struct {
	Port            string
	CORSOrigins     string
	Version         string
	ShutdownTimeout time.Duration
}

// RedisConfig configures the Redis client used by the redis backend.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// Address returns host:port.
func (r RedisConfig) Address() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// DatabaseConfig configures the Postgres connection used by the postgres backend.
type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Name            string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DSN returns a lib/pq connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// Backends.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// JobqConfig configures the queue, its workers and the janitor.
type JobqConfig struct {
	Queue           string
	Backend         string
	Concurrency     int
	DefaultAttempts int
	BackoffType     string
	BackoffDelay    time.Duration
	KeepCompleted   int
	KeepFailed      int
	PollInterval    time.Duration
	ShutdownTimeout time.Duration
	SweepSchedule   string
	StalledTimeout  time.Duration
}

// Archive modes.
const (
	ArchiveNone  = "none"
	ArchiveLocal = "local"
	ArchiveS3    = "s3"
)

// ArchiveConfig configures where evicted jobs are written.
type ArchiveConfig struct {
	Mode   string
	Dir    string
	Bucket string
	Region string
	Prefix string
}

// Alert providers.
const (
	AlertNone    = "none"
	AlertConsole = "console"
	AlertSES     = "ses"
)

// AlertConfig configures storage fault alerting.
type AlertConfig struct {
	Provider string
	To       []string
	From     string
	Region   string
	ConfigID string
	Every    time.Duration
	Burst    int
}

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnv("PORT", "8080"),
			CORSOrigins:     getEnv("CORS_ORIGINS", "*"),
			Version:         getEnv("APP_VERSION", "1.0.0"),
			ShutdownTimeout: getEnvDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvInt("DB_PORT", 5432),
			User:            getEnv("DB_USER", "postgres"),
			Password:        getEnv("DB_PASSWORD", "postgres"),
			Name:            getEnv("DB_NAME", "jobq"),
			SSLMode:         getEnv("DB_SSLMODE", "disable"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Jobq: JobqConfig{
			Queue:           getEnv("JOBQ_QUEUE", "default"),
			Backend:         strings.ToLower(getEnv("JOBQ_BACKEND", BackendMemory)),
			Concurrency:     getEnvInt("JOBQ_CONCURRENCY", runtime.NumCPU()),
			DefaultAttempts: getEnvInt("JOBQ_DEFAULT_ATTEMPTS", 3),
			BackoffType:     strings.ToLower(getEnv("JOBQ_BACKOFF_TYPE", "exponential")),
			BackoffDelay:    time.Duration(getEnvInt("JOBQ_BACKOFF_DELAY_MS", 3000)) * time.Millisecond,
			KeepCompleted:   getEnvInt("JOBQ_KEEP_COMPLETED", 1000),
			KeepFailed:      getEnvInt("JOBQ_KEEP_FAILED", 5000),
			PollInterval:    getEnvDuration("JOBQ_POLL_INTERVAL", time.Second),
			ShutdownTimeout: getEnvDuration("JOBQ_SHUTDOWN_TIMEOUT", 30*time.Second),
			SweepSchedule:   getEnv("JOBQ_SWEEP_SCHEDULE", "@every 30s"),
			StalledTimeout:  getEnvDuration("JOBQ_STALLED_TIMEOUT", 5*time.Minute),
		},
		Archive: ArchiveConfig{
			Mode:   strings.ToLower(getEnv("ARCHIVE_MODE", ArchiveNone)),
			Dir:    getEnv("ARCHIVE_DIR", "./archive"),
			Bucket: getEnv("ARCHIVE_BUCKET", "jobq-archive"),
			Region: getEnv("ARCHIVE_REGION", getEnv("AWS_REGION", "us-east-1")),
			Prefix: getEnv("ARCHIVE_PREFIX", "jobs"),
		},
		Alert: AlertConfig{
			Provider: strings.ToLower(getEnv("ALERT_PROVIDER", AlertNone)),
			To:       getEnvStringSlice("ALERT_TO", nil),
			From:     getEnv("ALERT_FROM", "jobq@localhost"),
			Region:   getEnv("ALERT_REGION", getEnv("AWS_REGION", "us-east-1")),
			ConfigID: getEnv("ALERT_CONFIG_SET", ""),
			Every:    getEnvDuration("ALERT_EVERY", 5*time.Minute),
			Burst:    getEnvInt("ALERT_BURST", 1),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the process cannot run with.
func (c *Config) Validate() error {
	invalid := func(key string, value interface{}) error {
		return configErrors.New(ErrInvalid).WithDetail("key", key).WithDetail("value", value)
	}

	switch c.Jobq.Backend {
	case BackendMemory, BackendRedis, BackendPostgres:
	default:
		return invalid("JOBQ_BACKEND", c.Jobq.Backend)
	}
	switch c.Jobq.BackoffType {
	case "fixed", "exponential":
	default:
		return invalid("JOBQ_BACKOFF_TYPE", c.Jobq.BackoffType)
	}
	if c.Jobq.Queue == "" {
		return invalid("JOBQ_QUEUE", c.Jobq.Queue)
	}
	if c.Jobq.Concurrency < 1 {
		return invalid("JOBQ_CONCURRENCY", c.Jobq.Concurrency)
	}
	if c.Jobq.DefaultAttempts < 1 {
		return invalid("JOBQ_DEFAULT_ATTEMPTS", c.Jobq.DefaultAttempts)
	}
	if c.Jobq.KeepCompleted < 0 {
		return invalid("JOBQ_KEEP_COMPLETED", c.Jobq.KeepCompleted)
	}
	if c.Jobq.KeepFailed < 0 {
		return invalid("JOBQ_KEEP_FAILED", c.Jobq.KeepFailed)
	}
	switch c.Archive.Mode {
	case ArchiveNone, ArchiveLocal, ArchiveS3:
	default:
		return invalid("ARCHIVE_MODE", c.Archive.Mode)
	}
	switch c.Alert.Provider {
	case AlertNone:
	case AlertConsole, AlertSES:
		if len(c.Alert.To) == 0 {
			return invalid("ALERT_TO", "")
		}
	default:
		return invalid("ALERT_PROVIDER", c.Alert.Provider)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvStringSlice(key string, fallback []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
