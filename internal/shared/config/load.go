package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const envPrefix = "SWITCHBOARD"

// ValueSource records where a configuration value came from.
type ValueSource string

const (
	SourceDefault  ValueSource = "default"
	SourceFile     ValueSource = "file"
	SourceEnv      ValueSource = "env"
	SourceOverride ValueSource = "override"
)

// Metadata describes a loaded configuration.
type Metadata struct {
	Path     string
	LoadedAt time.Time
	sources  map[string]ValueSource
}

// Source returns the provenance of a dotted key such as "scheduler.max_concurrent".
func (m Metadata) Source(key string) ValueSource {
	if src, ok := m.sources[key]; ok {
		return src
	}
	return SourceDefault
}

type loadOptions struct {
	configPath string
	envLookup  EnvLookup
	homeDir    func() (string, error)
	overrides  map[string]any
}

// Option customises Load.
type Option func(*loadOptions)

// WithConfigPath pins the configuration file path.
func WithConfigPath(path string) Option {
	return func(o *loadOptions) { o.configPath = path }
}

// WithEnv replaces the environment lookup.
func WithEnv(lookup EnvLookup) Option {
	return func(o *loadOptions) { o.envLookup = lookup }
}

// WithHomeDir replaces the home directory resolver.
func WithHomeDir(fn func() (string, error)) Option {
	return func(o *loadOptions) { o.homeDir = fn }
}

// WithOverride applies a caller value (e.g. a CLI flag) with highest precedence.
func WithOverride(key string, value any) Option {
	return func(o *loadOptions) {
		if o.overrides == nil {
			o.overrides = map[string]any{}
		}
		o.overrides[key] = value
	}
}

// Load resolves configuration from defaults, the YAML file, SWITCHBOARD_*
// environment variables and caller overrides, in increasing precedence.
func Load(opts ...Option) (Config, Metadata, error) {
	options := loadOptions{
		envLookup: DefaultEnvLookup,
		homeDir:   os.UserHomeDir,
	}
	for _, opt := range opts {
		opt(&options)
	}

	meta := Metadata{sources: map[string]ValueSource{}, LoadedAt: time.Now()}
	v := viper.New()
	setDefaults(v, Defaults())

	configPath := strings.TrimSpace(options.configPath)
	if configPath == "" {
		configPath, _ = ResolveConfigPath(options.envLookup, options.homeDir)
	}
	meta.Path = configPath
	if configPath != "" {
		if err := readConfigFile(v, configPath, &meta); err != nil {
			return Config{}, Metadata{}, err
		}
	}

	for _, key := range v.AllKeys() {
		if value, ok := options.envLookup(envName(key)); ok && strings.TrimSpace(value) != "" {
			v.Set(key, value)
			meta.sources[key] = SourceEnv
		}
	}
	for key, value := range options.overrides {
		v.Set(key, value)
		meta.sources[key] = SourceOverride
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, Metadata{}, fmt.Errorf("decode config: %w", err)
	}
	normalize(&cfg)
	if err := Validate(cfg); err != nil {
		return Config{}, Metadata{}, err
	}
	return cfg, meta, nil
}

func readConfigFile(v *viper.Viper, path string, meta *Metadata) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file: %w", err)
	}
	if info.Size() == 0 {
		return nil
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	for _, key := range v.AllKeys() {
		if v.InConfig(key) {
			meta.sources[key] = SourceFile
		}
	}
	return nil
}

func envName(key string) string {
	return envPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("executable.path", d.Executable.Path)
	v.SetDefault("executable.timeout", d.Executable.Timeout)
	v.SetDefault("executable.grace_period", d.Executable.GracePeriod)
	v.SetDefault("executable.default_model", d.Executable.DefaultModel)
	v.SetDefault("executable.extra_args", d.Executable.ExtraArgs)
	v.SetDefault("executable.api_key", d.Executable.APIKey)

	v.SetDefault("scheduler.max_concurrent", d.Scheduler.MaxConcurrent)
	v.SetDefault("scheduler.starts_per_second", d.Scheduler.StartsPerSecond)
	v.SetDefault("scheduler.burst", d.Scheduler.Burst)

	v.SetDefault("runs.root", d.Runs.Root)
	v.SetDefault("runs.retention", d.Runs.Retention)
	v.SetDefault("runs.cleanup_interval", d.Runs.CleanupInterval)
	v.SetDefault("runs.archive_dir", d.Runs.ArchiveDir)
	v.SetDefault("runs.cache_size", d.Runs.CacheSize)

	v.SetDefault("progress.retention", d.Progress.Retention)
	v.SetDefault("progress.sweep_interval", d.Progress.SweepInterval)

	v.SetDefault("sessions.idle_ttl", d.Sessions.IdleTTL)
	v.SetDefault("sessions.sweep_interval", d.Sessions.SweepInterval)

	v.SetDefault("batch.max_fanout", d.Batch.MaxFanout)
	v.SetDefault("batch.default_model", d.Batch.DefaultModel)
	v.SetDefault("batch.temperature", d.Batch.Temperature)

	v.SetDefault("server.host", d.Server.Host)
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.allowed_origins", d.Server.AllowedOrigins)
	v.SetDefault("server.debug", d.Server.Debug)
	v.SetDefault("server.read_timeout", d.Server.ReadTimeout)
	v.SetDefault("server.shutdown_grace", d.Server.ShutdownGrace)

	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.otlp_endpoint", d.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.zipkin_endpoint", d.Tracing.ZipkinEndpoint)
	v.SetDefault("tracing.sample_rate", d.Tracing.SampleRate)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)

	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.dir", d.Log.Dir)
	v.SetDefault("log.console", d.Log.Console)

	v.SetDefault("ids.strategy", d.IDs.Strategy)
}

func normalize(cfg *Config) {
	cfg.Executable.Path = strings.TrimSpace(cfg.Executable.Path)
	if cfg.Executable.Path == "" {
		cfg.Executable.Path = DefaultExecutable
	}
	if cfg.Scheduler.Burst <= 0 {
		cfg.Scheduler.Burst = 1
	}
	if cfg.Runs.CacheSize <= 0 {
		cfg.Runs.CacheSize = DefaultRunCacheSize
	}
	if cfg.Batch.MaxFanout <= 0 {
		cfg.Batch.MaxFanout = DefaultMaxFanout
	}
	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	cfg.IDs.Strategy = strings.ToLower(strings.TrimSpace(cfg.IDs.Strategy))
	if cfg.IDs.Strategy == "" {
		cfg.IDs.Strategy = DefaultIDStrategy
	}
}

// Render returns the YAML form of cfg with secrets redacted.
func Render(cfg Config) ([]byte, error) {
	if cfg.Executable.APIKey != "" {
		cfg.Executable.APIKey = "********"
	}
	return yaml.Marshal(cfg)
}
