// Package config loads trackbridge settings from a config file, the
// environment and command flags.
//
// Precedence, highest first: flags bound with BindFlag, TRACKBRIDGE_*
// environment variables (dots become underscores, so sync.suppression_ttl is
// TRACKBRIDGE_SYNC_SUPPRESSION_TTL), the config file, and the defaults
// registered by SetDefaults.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/steveyegge/trackbridge/internal/types"
)

// EnvPrefix is the prefix of environment overrides.
const EnvPrefix = "TRACKBRIDGE"

// DefaultConfigName is the config file looked up when none is given.
const DefaultConfigName = "trackbridge"

// Config is the resolved configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Internal  InternalConfig  `mapstructure:"internal"`
	Import    ImportConfig    `mapstructure:"import"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

type ServerConfig struct {
	Addr           string        `mapstructure:"addr"`
	InternalSecret string        `mapstructure:"internal_secret"`
	GitLabToken    string        `mapstructure:"gitlab_token"`
	ShutdownGrace  time.Duration `mapstructure:"shutdown_grace"`
}

type LogConfig struct {
	Format string `mapstructure:"format"`
	Level  string `mapstructure:"level"`
}

type DatabaseConfig struct {
	Dialect string `mapstructure:"dialect"`
	DSN     string `mapstructure:"dsn"`
}

type CacheConfig struct {
	Backend   string `mapstructure:"backend"`
	RedisURL  string `mapstructure:"redis_url"`
	Namespace string `mapstructure:"namespace"`
}

type QueueConfig struct {
	Backend     string `mapstructure:"backend"`
	Size        int    `mapstructure:"size"`
	Consumers   int    `mapstructure:"consumers"`
	MaxAttempts int    `mapstructure:"max_attempts"`
	NATSURL     string `mapstructure:"nats_url"`
	NATSToken   string `mapstructure:"nats_token"`
	Durable     string `mapstructure:"durable"`
	// Embedded runs a NATS server in-process and ignores NATSURL.
	Embedded bool   `mapstructure:"embedded"`
	StoreDir string `mapstructure:"store_dir"`
}

type SyncConfig struct {
	SuppressionTTL   time.Duration `mapstructure:"suppression_ttl"`
	AppBaseURL       string        `mapstructure:"app_base_url"`
	AssetBaseURL     string        `mapstructure:"asset_base_url"`
	InternalLabel    string        `mapstructure:"internal_label"`
	ExternalLabel    string        `mapstructure:"external_label"`
	StateMappingFile string        `mapstructure:"state_mapping_file"`
	// RateLimit caps GitLab requests per second per client. Zero disables.
	RateLimit float64 `mapstructure:"rate_limit"`
}

type InternalConfig struct {
	APIBaseURL string  `mapstructure:"api_base_url"`
	RateLimit  float64 `mapstructure:"rate_limit"`
}

type ImportConfig struct {
	PageTimeout time.Duration `mapstructure:"page_timeout"`
	Concurrency int           `mapstructure:"concurrency"`
	// Checkpoints is "database" or "cache".
	Checkpoints string `mapstructure:"checkpoints"`
}

type WorkerConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Concurrency  int           `mapstructure:"concurrency"`
}

type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	Stdout      bool    `mapstructure:"stdout"`
	Endpoint    string  `mapstructure:"endpoint"`
	Insecure    bool    `mapstructure:"insecure"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Backends.
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"

	QueueInline = "inline"
	QueueMemory = "memory"
	QueueNATS   = "nats"

	CheckpointsDatabase = "database"
	CheckpointsCache    = "cache"
)

// SetDefaults registers every key on v. Keys without a default still need
// one here, or environment overrides are not seen by Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_grace", 15*time.Second)
	v.SetDefault("server.internal_secret", "")
	v.SetDefault("server.gitlab_token", "")

	v.SetDefault("log.format", "text")
	v.SetDefault("log.level", "info")

	v.SetDefault("database.dialect", "sqlite")
	v.SetDefault("database.dsn", "file:trackbridge.db")

	v.SetDefault("cache.backend", CacheMemory)
	v.SetDefault("cache.redis_url", "")
	v.SetDefault("cache.namespace", "trackbridge")

	v.SetDefault("queue.backend", QueueInline)
	v.SetDefault("queue.size", 1024)
	v.SetDefault("queue.consumers", 4)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.nats_url", "nats://127.0.0.1:4222")
	v.SetDefault("queue.nats_token", "")
	v.SetDefault("queue.durable", "trackbridge-sync")
	v.SetDefault("queue.embedded", false)
	v.SetDefault("queue.store_dir", "trackbridge-nats")

	v.SetDefault("sync.suppression_ttl", 60*time.Second)
	v.SetDefault("sync.internal_label", "gitlab")
	v.SetDefault("sync.external_label", "plane")
	v.SetDefault("sync.rate_limit", 10.0)
	v.SetDefault("sync.app_base_url", "")
	v.SetDefault("sync.asset_base_url", "")
	v.SetDefault("sync.state_mapping_file", "")

	v.SetDefault("internal.api_base_url", "http://localhost:8000")
	v.SetDefault("internal.rate_limit", 20.0)

	v.SetDefault("import.page_timeout", 2*time.Minute)
	v.SetDefault("import.concurrency", 2)
	v.SetDefault("import.checkpoints", CheckpointsDatabase)

	v.SetDefault("worker.poll_interval", 5*time.Second)
	v.SetDefault("worker.concurrency", 1)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "trackbridge")
	v.SetDefault("telemetry.stdout", false)
	v.SetDefault("telemetry.endpoint", "")
	v.SetDefault("telemetry.insecure", false)
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// New returns a viper instance with defaults and environment overrides.
// An empty path searches the working directory and /etc/trackbridge for
// trackbridge.{yaml,toml,json}.
func New(path string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(DefaultConfigName)
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/trackbridge")
	}
	return v
}

// Read loads the config file into v. A missing file is not an error when
// no explicit path was given.
func Read(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

// BindFlag binds a command flag to a config key.
func BindFlag(v *viper.Viper, key string, flag *pflag.Flag) {
	if flag != nil {
		_ = v.BindPFlag(key, flag)
	}
}

// Decode resolves v into a Config and validates it.
func Decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load is New, Read and Decode in one call.
func Load(path string) (*Config, *viper.Viper, error) {
	v := New(path)
	if err := Read(v); err != nil {
		return nil, nil, err
	}
	cfg, err := Decode(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	var problems []string
	if !oneOf(c.Cache.Backend, CacheMemory, CacheRedis) {
		problems = append(problems, fmt.Sprintf("cache.backend %q (valid: memory, redis)", c.Cache.Backend))
	}
	if c.Cache.Backend == CacheRedis && c.Cache.RedisURL == "" {
		problems = append(problems, "cache.redis_url is required with the redis backend")
	}
	if !oneOf(c.Queue.Backend, QueueInline, QueueMemory, QueueNATS) {
		problems = append(problems, fmt.Sprintf("queue.backend %q (valid: inline, memory, nats)", c.Queue.Backend))
	}
	if !oneOf(c.Database.Dialect, "sqlite", "mysql", "postgres") {
		problems = append(problems, fmt.Sprintf("database.dialect %q (valid: sqlite, mysql, postgres)", c.Database.Dialect))
	}
	if !oneOf(c.Import.Checkpoints, CheckpointsDatabase, CheckpointsCache) {
		problems = append(problems, fmt.Sprintf("import.checkpoints %q (valid: database, cache)", c.Import.Checkpoints))
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		problems = append(problems, "telemetry.sample_ratio must be between 0 and 1")
	}
	if c.Sync.SuppressionTTL < 0 {
		problems = append(problems, "sync.suppression_ttl must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// SlogLevel returns the configured log level, or info if it is unknown.
func (c LogConfig) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// StateMapping loads the default state mapping file, if one is configured.
func (c SyncConfig) StateMapping() (types.StateMapping, error) {
	if c.StateMappingFile == "" {
		return types.StateMapping{}, nil
	}
	return LoadStateMapping(c.StateMappingFile)
}

// Watch re-decodes the config whenever the file changes and passes the
// result to onChange. Invalid edits are logged and ignored.
func Watch(v *viper.Viper, logger *slog.Logger, onChange func(*Config)) {
	if v.ConfigFileUsed() == "" {
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := Decode(v)
		if err != nil {
			logger.Warn("ignoring config change", "file", e.Name, "error", err)
			return
		}
		logger.Info("config reloaded", "file", e.Name)
		onChange(cfg)
	})
	v.WatchConfig()
}

func oneOf(s string, options ...string) bool {
	for _, o := range options {
		if s == o {
			return true
		}
	}
	return false
}
