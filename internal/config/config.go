package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the dispatch engine.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Redis     RedisConfig     `yaml:"redis"`
	SMTP      SMTPConfig      `yaml:"smtp"`
	Engine    EngineConfig    `yaml:"engine"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Retention RetentionConfig `yaml:"retention"`
	Health    HealthConfig    `yaml:"health"`
	Alerts    AlertConfig     `yaml:"alerts"`
}

// ServerConfig holds the ops HTTP server configuration.
type ServerConfig struct {
	Port int    `yaml:"port"`
	Host string `yaml:"host"`
}

// GetHost returns the listen host, with container detection.
func (c ServerConfig) GetHost() string {
	// In a container, listen on all interfaces
	if os.Getenv("ECS_CONTAINER_METADATA_URI") != "" || os.Getenv("AWS_EXECUTION_ENV") != "" {
		return "0.0.0.0"
	}
	if host := os.Getenv("SERVER_HOST"); host != "" {
		return host
	}
	return c.Host
}

// StoreConfig holds the PostgreSQL connection settings.
type StoreConfig struct {
	DatabaseURL     string `yaml:"database_url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	OpTimeoutSec    int    `yaml:"op_timeout_sec"`
	ConnLifetimeMin int    `yaml:"conn_lifetime_min"`
}

// OpTimeout returns the per-operation store timeout.
func (c StoreConfig) OpTimeout() time.Duration {
	return time.Duration(c.OpTimeoutSec) * time.Second
}

// RedisConfig holds the optional Redis connection used for rate limiting
// and scheduler locking. Empty URL disables both (single-instance mode).
type RedisConfig struct {
	URL string `yaml:"url"`
}

// SMTPConfig holds the outbound SMTP server settings.
type SMTPConfig struct {
	Host              string `yaml:"host"`
	Port              int    `yaml:"port"`
	Username          string `yaml:"username"`
	Password          string `yaml:"password"`
	From              string `yaml:"from"`
	UseTLS            bool   `yaml:"use_tls"`
	SendTimeoutSec    int    `yaml:"send_timeout_sec"`
	MaxPerMinute      int    `yaml:"max_per_minute"`
	ConnectTimeoutSec int    `yaml:"connect_timeout_sec"`
}

// SendTimeout returns the per-message send timeout.
func (c SMTPConfig) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutSec) * time.Second
}

// ConnectTimeout returns the dial timeout used for sends and probes.
func (c SMTPConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSec) * time.Second
}

// EngineConfig holds the dispatcher and worker pool settings.
type EngineConfig struct {
	WorkerCount      int `yaml:"worker_count"`
	BatchSize        int `yaml:"batch_size"`
	PollIntervalSec  int `yaml:"poll_interval_sec"`
	MaxRetries       int `yaml:"max_retries"`
	RetryBaseSec     int `yaml:"retry_base_sec"`
	RetryMaxSec      int `yaml:"retry_max_sec"`
	StaleLeaseSec    int `yaml:"stale_lease_sec"`
	MaxAttachmentMB  int `yaml:"max_attachment_mb"`
	GraceShutdownSec int `yaml:"grace_shutdown_sec"`
	JobTimeoutSec    int `yaml:"job_timeout_sec"`
	MaxQueueDepth    int `yaml:"max_queue_depth"`
}

// PollInterval returns the dispatcher poll interval.
func (c EngineConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSec) * time.Second
}

// StaleLease returns how long a Processing lease may go untouched before
// the reclaimer returns the job to the queue.
func (c EngineConfig) StaleLease() time.Duration {
	return time.Duration(c.StaleLeaseSec) * time.Second
}

// GraceShutdown returns the in-flight drain window on shutdown.
func (c EngineConfig) GraceShutdown() time.Duration {
	return time.Duration(c.GraceShutdownSec) * time.Second
}

// JobTimeout returns the per-job wall-clock limit.
func (c EngineConfig) JobTimeout() time.Duration {
	return time.Duration(c.JobTimeoutSec) * time.Second
}

// SchedulerConfig holds the scheduled-email promotion loop settings.
type SchedulerConfig struct {
	TickSec int `yaml:"tick_sec"`
}

// Tick returns the scheduler tick interval.
func (c SchedulerConfig) Tick() time.Duration {
	return time.Duration(c.TickSec) * time.Second
}

// RetentionConfig holds the history/queue retention settings.
type RetentionConfig struct {
	HistoryRetentionDays int `yaml:"history_retention_days"`
	ArchiveAfterDays     int `yaml:"archive_after_days"`
}

// HealthConfig holds heartbeat and probe thresholds.
type HealthConfig struct {
	HeartbeatSec       int     `yaml:"heartbeat_sec"`
	StoreProbeWarnSec  int     `yaml:"store_probe_warn_sec"`
	SMTPProbeWarnSec   int     `yaml:"smtp_probe_warn_sec"`
	MemoryWarnMB       float64 `yaml:"memory_warn_mb"`
	MemoryCriticalMB   float64 `yaml:"memory_critical_mb"`
	GoroutineWarnCount int     `yaml:"goroutine_warn_count"`
	CPUWarnPercent     float64 `yaml:"cpu_warn_percent"`
}

// Heartbeat returns the heartbeat interval.
func (c HealthConfig) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatSec) * time.Second
}

// AlertConfig holds the alert evaluation settings.
type AlertConfig struct {
	EvalIntervalSec    int      `yaml:"eval_interval_sec"`
	DefaultCooldownMin int      `yaml:"default_cooldown_min"`
	NotifyFrom         string   `yaml:"notify_from"`
	NotifyTo           []string `yaml:"notify_to"`
}

// EvalInterval returns the alert evaluation tick.
func (c AlertConfig) EvalInterval() time.Duration {
	return time.Duration(c.EvalIntervalSec) * time.Second
}

// Load reads and parses the configuration file, then applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Store.MaxOpenConns == 0 {
		cfg.Store.MaxOpenConns = 25
	}
	if cfg.Store.MaxIdleConns == 0 {
		cfg.Store.MaxIdleConns = 5
	}
	if cfg.Store.OpTimeoutSec == 0 {
		cfg.Store.OpTimeoutSec = 10
	}
	if cfg.Store.ConnLifetimeMin == 0 {
		cfg.Store.ConnLifetimeMin = 5
	}
	if cfg.SMTP.Port == 0 {
		cfg.SMTP.Port = 587
	}
	if cfg.SMTP.SendTimeoutSec == 0 {
		cfg.SMTP.SendTimeoutSec = 30
	}
	if cfg.SMTP.ConnectTimeoutSec == 0 {
		cfg.SMTP.ConnectTimeoutSec = 10
	}
	if cfg.Engine.WorkerCount == 0 {
		cfg.Engine.WorkerCount = 8
	}
	if cfg.Engine.BatchSize == 0 {
		cfg.Engine.BatchSize = 50
	}
	if cfg.Engine.PollIntervalSec == 0 {
		cfg.Engine.PollIntervalSec = 5
	}
	if cfg.Engine.MaxRetries == 0 {
		cfg.Engine.MaxRetries = 5
	}
	if cfg.Engine.RetryBaseSec == 0 {
		cfg.Engine.RetryBaseSec = 30
	}
	if cfg.Engine.RetryMaxSec == 0 {
		cfg.Engine.RetryMaxSec = 3600
	}
	if cfg.Engine.StaleLeaseSec == 0 {
		cfg.Engine.StaleLeaseSec = 600
	}
	if cfg.Engine.MaxAttachmentMB == 0 {
		cfg.Engine.MaxAttachmentMB = 25
	}
	if cfg.Engine.GraceShutdownSec == 0 {
		cfg.Engine.GraceShutdownSec = 30
	}
	if cfg.Engine.JobTimeoutSec == 0 {
		cfg.Engine.JobTimeoutSec = 120
	}
	if cfg.Engine.MaxQueueDepth == 0 {
		cfg.Engine.MaxQueueDepth = 100000
	}
	if cfg.Scheduler.TickSec == 0 {
		cfg.Scheduler.TickSec = 30
	}
	if cfg.Retention.HistoryRetentionDays == 0 {
		cfg.Retention.HistoryRetentionDays = 7
	}
	if cfg.Retention.ArchiveAfterDays == 0 {
		cfg.Retention.ArchiveAfterDays = 30
	}
	if cfg.Health.HeartbeatSec == 0 {
		cfg.Health.HeartbeatSec = 30
	}
	if cfg.Health.StoreProbeWarnSec == 0 {
		cfg.Health.StoreProbeWarnSec = 5
	}
	if cfg.Health.SMTPProbeWarnSec == 0 {
		cfg.Health.SMTPProbeWarnSec = 10
	}
	if cfg.Health.MemoryWarnMB == 0 {
		cfg.Health.MemoryWarnMB = 1024
	}
	if cfg.Health.MemoryCriticalMB == 0 {
		cfg.Health.MemoryCriticalMB = 4096
	}
	if cfg.Health.GoroutineWarnCount == 0 {
		cfg.Health.GoroutineWarnCount = 5000
	}
	if cfg.Health.CPUWarnPercent == 0 {
		cfg.Health.CPUWarnPercent = 85
	}
	if cfg.Alerts.EvalIntervalSec == 0 {
		cfg.Alerts.EvalIntervalSec = 120
	}
	if cfg.Alerts.DefaultCooldownMin == 0 {
		cfg.Alerts.DefaultCooldownMin = 30
	}
}

// LoadFromEnv loads configuration with environment variable overrides.
// It loads a .env file (if present) first, so secrets can live in .env
// locally and in real env vars in deployment.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Store.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("SMTP_HOST"); v != "" {
		cfg.SMTP.Host = v
	}
	if v := os.Getenv("SMTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.SMTP.Port = port
		}
	}
	if v := os.Getenv("SMTP_USERNAME"); v != "" {
		cfg.SMTP.Username = v
	}
	if v := os.Getenv("SMTP_PASSWORD"); v != "" {
		cfg.SMTP.Password = v
	}
	if v := os.Getenv("SMTP_FROM"); v != "" {
		cfg.SMTP.From = v
	}
	if v := os.Getenv("WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Engine.WorkerCount = n
		}
	}

	return cfg, nil
}
