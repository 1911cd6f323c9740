// Package config loads the service configuration from defaults, an
// optional YAML file and SUNDAYHUG_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/inkyojay/sundayhug-ai-workspace-sub000/internal/approval"
	"github.com/inkyojay/sundayhug-ai-workspace-sub000/internal/flags"
	"github.com/inkyojay/sundayhug-ai-workspace-sub000/internal/priority"
	"github.com/inkyojay/sundayhug-ai-workspace-sub000/internal/routing"
	"github.com/inkyojay/sundayhug-ai-workspace-sub000/pkg/api"
)

// EnvPrefix prefixes every environment override, e.g. SUNDAYHUG_SERVER_ADDR.
const EnvPrefix = "SUNDAYHUG"

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
)

// Config holds all configuration for the service.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Storage StorageConfig `mapstructure:"storage"`
	Engine  EngineConfig  `mapstructure:"engine"`

	Priority priority.Config `mapstructure:"priority"`
	Approval approval.Policy `mapstructure:"approval"`
	Routing  routing.Config  `mapstructure:"routing"`

	// Flags are feature flag overrides keyed by dotted flag name. Nested
	// YAML maps are flattened, so `workflow: {notify_failures: false}` and
	// `workflow.notify_failures: false` are equivalent.
	Flags map[string]bool `mapstructure:"-"`

	// WorkflowsDir holds workflow definition YAML files loaded at startup.
	WorkflowsDir string `mapstructure:"workflows_dir"`

	// Units is the fleet served by this process.
	Units []api.UnitConfig `mapstructure:"units"`
}

// ServerConfig holds HTTP settings.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Driver string `mapstructure:"driver"`

	// DSN is a file path for sqlite, an address for redis, a connection
	// string for postgres and a URI for mongo.
	DSN string `mapstructure:"dsn"`

	// Prefix namespaces Redis keys.
	Prefix string `mapstructure:"prefix"`

	// Database names the Mongo database.
	Database string `mapstructure:"database"`
}

// EngineConfig holds workflow engine and worker settings.
type EngineConfig struct {
	BaseRetryDelay time.Duration `mapstructure:"base_retry_delay"`
	TickInterval   time.Duration `mapstructure:"tick_interval"`
	Workers        int           `mapstructure:"workers"`
	ApprovalTTL    time.Duration `mapstructure:"approval_ttl"`
	TaskAttempts   int           `mapstructure:"task_attempts"`
}

// Load reads configuration. An empty path skips the file and uses
// defaults plus environment overrides.
// Precedence (highest to lowest):
// 1. Environment variables (SUNDAYHUG_ENGINE_WORKERS, ...)
// 2. The YAML file at path
// 3. Built-in defaults
func Load(path string) (*Config, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		return v, nil
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return v, nil
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("storage.driver", DriverMemory)
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.prefix", "sundayhug:")
	v.SetDefault("storage.database", "sundayhug")

	v.SetDefault("engine.base_retry_delay", "1s")
	v.SetDefault("engine.tick_interval", "30s")
	v.SetDefault("engine.workers", 2)
	v.SetDefault("engine.approval_ttl", approval.DefaultTTL.String())
	v.SetDefault("engine.task_attempts", 3)

	v.SetDefault("priority.financial_threshold", priority.DefaultFinancialThreshold)
	v.SetDefault("priority.negative_sentiment", priority.DefaultNegativeSentiment)

	v.SetDefault("approval.amount_threshold", approval.DefaultAmountThreshold)
	v.SetDefault("approval.amount_key", "amount")

	v.SetDefault("workflows_dir", "")
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(cfg, hook); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if !v.InConfig("routing") {
		cfg.Routing = routing.DefaultConfig()
	} else if cfg.Routing.AutoResponseThreshold == 0 {
		cfg.Routing.AutoResponseThreshold = routing.DefaultAutoResponseThreshold
	}

	// Units listed in the file are enabled unless they say otherwise.
	if raw, ok := v.Get("units").([]any); ok {
		for i, r := range raw {
			m, ok := r.(map[string]any)
			if !ok || i >= len(cfg.Units) {
				continue
			}
			if _, set := m["enabled"]; !set {
				cfg.Units[i].Enabled = true
			}
		}
	}

	fl, err := flattenFlags("", v.Get("flags"))
	if err != nil {
		return nil, err
	}
	cfg.Flags = fl

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// flattenFlags turns a nested flags section into dotted names.
func flattenFlags(prefix string, raw any) (map[string]bool, error) {
	out := make(map[string]bool)
	if raw == nil {
		return out, nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("flags: expected a map, got %T", raw)
	}
	for k, val := range m {
		name := k
		if prefix != "" {
			name = prefix + "." + k
		}
		switch x := val.(type) {
		case bool:
			out[name] = x
		case map[string]any:
			nested, err := flattenFlags(name, x)
			if err != nil {
				return nil, err
			}
			for nk, nv := range nested {
				out[nk] = nv
			}
		default:
			return nil, fmt.Errorf("flags: %s must be a boolean, got %T", name, val)
		}
	}
	return out, nil
}

// Validate checks the values Load cannot fix up on its own.
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverSQLite, DriverRedis, DriverPostgres, DriverMongo:
		if c.Storage.DSN == "" {
			errs = append(errs, fmt.Errorf("storage.dsn is required for driver %q", c.Storage.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver %q", c.Storage.Driver))
	}
	if c.Engine.Workers < 1 {
		errs = append(errs, fmt.Errorf("engine.workers must be at least 1, got %d", c.Engine.Workers))
	}
	if c.Engine.BaseRetryDelay < 0 || c.Engine.ApprovalTTL < 0 {
		errs = append(errs, errors.New("engine durations must not be negative"))
	}
	if err := c.Routing.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("routing: %w", err))
	}
	seen := make(map[string]bool, len(c.Units))
	for i, u := range c.Units {
		switch {
		case u.ID == "":
			errs = append(errs, fmt.Errorf("units[%d]: missing id", i))
		case seen[u.ID]:
			errs = append(errs, fmt.Errorf("units[%d]: duplicate id %q", i, u.ID))
		}
		seen[u.ID] = true
	}
	return errors.Join(errs...)
}

// ApplyFlags replaces the overrides of set with the configured flags.
// Unknown flag names are logged and applied anyway.
func (c *Config) ApplyFlags(set *flags.Set, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	known := flags.Defaults()
	names := make([]string, 0, len(c.Flags))
	for name := range c.Flags {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, ok := known[name]; !ok {
			logger.Warn("unknown feature flag in config", slog.String("flag", name))
		}
	}
	set.Replace(c.Flags)
}

// Watch loads the file at path and calls onChange with the new
// configuration each time the file changes. Reloads that fail to parse or
// validate are logged and skipped, leaving the previous values in effect.
func Watch(path string, logger *slog.Logger, onChange func(*Config)) (*Config, error) {
	if path == "" {
		return nil, errors.New("config: watch needs a file path")
	}
	if logger == nil {
		logger = slog.Default()
	}
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		next, err := decode(v)
		if err != nil {
			logger.Warn("config reload rejected", slog.String("file", e.Name), slog.String("error", err.Error()))
			return
		}
		logger.Info("config reloaded", slog.String("file", e.Name))
		onChange(next)
	})
	v.WatchConfig()
	return cfg, nil
}
