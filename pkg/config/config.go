// Package config loads the botfleetd configuration from defaults, an
// optional YAML file, BOTFLEET_* environment variables and bound flags.
package config

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/jrepp/botfleet/pkg/billing"
	"github.com/jrepp/botfleet/pkg/entitlement"
	"github.com/jrepp/botfleet/pkg/lifecycle"
	"github.com/jrepp/botfleet/pkg/observability"
	"github.com/jrepp/botfleet/pkg/supervisor"
)

// EnvPrefix prefixes every environment override, e.g. BOTFLEET_SERVER_LISTEN.
const EnvPrefix = "BOTFLEET"

// Supervisor backends.
const (
	BackendProcess   = "process"
	BackendContainer = "container"
)

// Dedupe stores for billing events.
const (
	DedupeSQLite = "sqlite"
	DedupeRedis  = "redis"
)

// Config is the full daemon configuration.
type Config struct {
	Server     ServerConfig                `mapstructure:"server" yaml:"server"`
	Storage    StorageConfig               `mapstructure:"storage" yaml:"storage"`
	Plans      entitlement.Plans           `mapstructure:"plans" yaml:"plans"`
	Supervisor SupervisorConfig            `mapstructure:"supervisor" yaml:"supervisor"`
	Workers    WorkersConfig               `mapstructure:"workers" yaml:"workers"`
	Lifecycle  LifecycleConfig             `mapstructure:"lifecycle" yaml:"lifecycle"`
	Billing    BillingConfig               `mapstructure:"billing" yaml:"billing"`
	Tracing    observability.TracingConfig `mapstructure:"tracing" yaml:"tracing"`
	Log        LogConfig                   `mapstructure:"log" yaml:"log"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Listen          string        `mapstructure:"listen" yaml:"listen"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// StorageConfig locates the SQLite database.
type StorageConfig struct {
	// DB is a database URN such as sqlite:///var/lib/botfleet/botfleet.db.
	DB string `mapstructure:"db" yaml:"db"`
}

// SupervisorConfig selects and configures the worker backend.
type SupervisorConfig struct {
	Backend   string                     `mapstructure:"backend" yaml:"backend"`
	Timeout   time.Duration              `mapstructure:"timeout" yaml:"timeout"`
	Process   supervisor.ProcessConfig   `mapstructure:"process" yaml:"process"`
	Container supervisor.ContainerConfig `mapstructure:"container" yaml:"container"`
}

// LogDir returns the log directory of the selected backend.
func (s SupervisorConfig) LogDir() string {
	if s.Backend == BackendContainer {
		return s.Container.LogDir
	}
	return s.Process.LogDir
}

// WorkersConfig holds defaults applied to every worker.
type WorkersConfig struct {
	DefaultPrefix string `mapstructure:"default_prefix" yaml:"default_prefix"`
}

// LifecycleConfig tunes the controller's background work.
type LifecycleConfig struct {
	ResyncInterval time.Duration `mapstructure:"resync_interval" yaml:"resync_interval"`
	BulkStartRate  float64       `mapstructure:"bulk_start_rate" yaml:"bulk_start_rate"`
	BulkStartBurst int           `mapstructure:"bulk_start_burst" yaml:"bulk_start_burst"`
}

// BillingConfig configures billing event ingestion.
type BillingConfig struct {
	Dedupe string                  `mapstructure:"dedupe" yaml:"dedupe"`
	Redis  entitlement.RedisConfig `mapstructure:"redis" yaml:"redis"`
	NATS   billing.NATSConfig      `mapstructure:"nats" yaml:"nats"`
}

// LogConfig selects the log handler.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	lc := lifecycle.DefaultConfig()
	return &Config{
		Server: ServerConfig{
			Listen:          ":8080",
			ShutdownTimeout: 30 * time.Second,
		},
		Storage: StorageConfig{DB: "sqlite://~/.botfleet/botfleet.db"},
		Plans:   entitlement.DefaultPlans(),
		Supervisor: SupervisorConfig{
			Backend:   BackendProcess,
			Timeout:   supervisor.DefaultTimeout,
			Process:   supervisor.DefaultProcessConfig(),
			Container: supervisor.DefaultContainerConfig(),
		},
		Workers: WorkersConfig{DefaultPrefix: lc.DefaultPrefix},
		Lifecycle: LifecycleConfig{
			ResyncInterval: lc.ResyncInterval,
			BulkStartRate:  lc.BulkStartRate,
			BulkStartBurst: lc.BulkStartBurst,
		},
		Billing: BillingConfig{
			Dedupe: DedupeSQLite,
			Redis: entitlement.RedisConfig{
				Addr: "localhost:6379",
				TTL:  30 * 24 * time.Hour,
			},
			NATS: billing.NATSConfig{Subject: "billing.events", Queue: "botfleet"},
		},
		Tracing: observability.TracingConfig{Exporter: "stdout"},
		Log:     LogConfig{Level: "info", Format: "text"},
	}
}

// SetDefaults registers every key with v so that environment overrides
// apply even when no config file mentions the key.
func SetDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("server.listen", d.Server.Listen)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("storage.db", d.Storage.DB)
	v.SetDefault("plans.free_max_workers", d.Plans.FreeMaxWorkers)
	v.SetDefault("plans.paid_max_workers", d.Plans.PaidMaxWorkers)

	v.SetDefault("supervisor.backend", d.Supervisor.Backend)
	v.SetDefault("supervisor.timeout", d.Supervisor.Timeout)
	v.SetDefault("supervisor.process.command", d.Supervisor.Process.Command)
	v.SetDefault("supervisor.process.args", d.Supervisor.Process.Args)
	v.SetDefault("supervisor.process.workdir", d.Supervisor.Process.WorkDir)
	v.SetDefault("supervisor.process.log_dir", d.Supervisor.Process.LogDir)
	v.SetDefault("supervisor.process.max_restarts", d.Supervisor.Process.MaxRestarts)
	v.SetDefault("supervisor.process.grace_period", d.Supervisor.Process.GracePeriod)
	v.SetDefault("supervisor.process.min_uptime", d.Supervisor.Process.MinUptime)
	v.SetDefault("supervisor.container.host", d.Supervisor.Container.Host)
	v.SetDefault("supervisor.container.image", d.Supervisor.Container.Image)
	v.SetDefault("supervisor.container.command", d.Supervisor.Container.Command)
	v.SetDefault("supervisor.container.workdir", d.Supervisor.Container.WorkDir)
	v.SetDefault("supervisor.container.binds", d.Supervisor.Container.Binds)
	v.SetDefault("supervisor.container.network", d.Supervisor.Container.Network)
	v.SetDefault("supervisor.container.max_restarts", d.Supervisor.Container.MaxRestarts)
	v.SetDefault("supervisor.container.log_dir", d.Supervisor.Container.LogDir)

	v.SetDefault("workers.default_prefix", d.Workers.DefaultPrefix)
	v.SetDefault("lifecycle.resync_interval", d.Lifecycle.ResyncInterval)
	v.SetDefault("lifecycle.bulk_start_rate", d.Lifecycle.BulkStartRate)
	v.SetDefault("lifecycle.bulk_start_burst", d.Lifecycle.BulkStartBurst)

	v.SetDefault("billing.dedupe", d.Billing.Dedupe)
	v.SetDefault("billing.redis.addr", d.Billing.Redis.Addr)
	v.SetDefault("billing.redis.password", d.Billing.Redis.Password)
	v.SetDefault("billing.redis.db", d.Billing.Redis.DB)
	v.SetDefault("billing.redis.ttl", d.Billing.Redis.TTL)
	v.SetDefault("billing.redis.prefix", d.Billing.Redis.Prefix)
	v.SetDefault("billing.nats.url", d.Billing.NATS.URL)
	v.SetDefault("billing.nats.subject", d.Billing.NATS.Subject)
	v.SetDefault("billing.nats.queue", d.Billing.NATS.Queue)

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.sample_ratio", d.Tracing.SampleRatio)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
}

// Load reads configuration into v and returns the validated result.
// configFile may be empty, in which case ./botfleet.yaml and
// $HOME/.botfleet/botfleet.yaml are tried and their absence is not an error.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("botfleet")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.botfleet")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Listen == "" {
		errs = append(errs, errors.New("server.listen must not be empty"))
	}
	if c.Storage.DB == "" {
		errs = append(errs, errors.New("storage.db must not be empty"))
	}
	if err := c.Plans.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("plans: %w", err))
	}

	switch c.Supervisor.Backend {
	case BackendProcess:
		if c.Supervisor.Process.Command == "" {
			errs = append(errs, errors.New("supervisor.process.command is required"))
		}
	case BackendContainer:
		if c.Supervisor.Container.Image == "" {
			errs = append(errs, errors.New("supervisor.container.image is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("supervisor.backend must be %q or %q, got %q",
			BackendProcess, BackendContainer, c.Supervisor.Backend))
	}
	if c.Supervisor.Timeout <= 0 {
		errs = append(errs, errors.New("supervisor.timeout must be positive"))
	}

	if strings.ContainsAny(c.Workers.DefaultPrefix, " \t\n") || c.Workers.DefaultPrefix == "" {
		errs = append(errs, errors.New("workers.default_prefix must be a non-empty token"))
	}
	if c.Lifecycle.ResyncInterval < 0 {
		errs = append(errs, errors.New("lifecycle.resync_interval must not be negative"))
	}

	switch c.Billing.Dedupe {
	case DedupeSQLite:
	case DedupeRedis:
		if c.Billing.Redis.Addr == "" {
			errs = append(errs, errors.New("billing.redis.addr is required for redis dedupe"))
		}
	default:
		errs = append(errs, fmt.Errorf("billing.dedupe must be %q or %q, got %q",
			DedupeSQLite, DedupeRedis, c.Billing.Dedupe))
	}

	return errors.Join(errs...)
}

// LifecycleConfig assembles the controller configuration.
func (c *Config) LifecycleConfig() lifecycle.Config {
	return lifecycle.Config{
		DefaultPrefix:  c.Workers.DefaultPrefix,
		LogDir:         c.Supervisor.LogDir(),
		ResyncInterval: c.Lifecycle.ResyncInterval,
		BulkStartRate:  c.Lifecycle.BulkStartRate,
		BulkStartBurst: c.Lifecycle.BulkStartBurst,
	}
}

// WriteExample writes the default configuration as YAML.
func WriteExample(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(Default()); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}
