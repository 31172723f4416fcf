package config

import "time"

// Config is the full runtime configuration of the orchestrator.
type Config struct {
	Executable ExecutableConfig `mapstructure:"executable" yaml:"executable"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler" yaml:"scheduler"`
	Runs       RunsConfig       `mapstructure:"runs" yaml:"runs"`
	Progress   ProgressConfig   `mapstructure:"progress" yaml:"progress"`
	Sessions   SessionsConfig   `mapstructure:"sessions" yaml:"sessions"`
	Batch      BatchConfig      `mapstructure:"batch" yaml:"batch"`
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	Tracing    TracingConfig    `mapstructure:"tracing" yaml:"tracing"`
	Log        LogConfig        `mapstructure:"log" yaml:"log"`
	IDs        IDsConfig        `mapstructure:"ids" yaml:"ids"`
}

// IDsConfig selects how session, run and batch ids are generated.
type IDsConfig struct {
	Strategy string `mapstructure:"strategy" yaml:"strategy"` // ksuid, uuidv7
}

// ExecutableConfig describes the external coding-assistant CLI.
type ExecutableConfig struct {
	Path         string            `mapstructure:"path" yaml:"path"`
	Timeout      time.Duration     `mapstructure:"timeout" yaml:"timeout"`
	GracePeriod  time.Duration     `mapstructure:"grace_period" yaml:"grace_period"`
	DefaultModel string            `mapstructure:"default_model" yaml:"default_model"`
	ExtraArgs    []string          `mapstructure:"extra_args" yaml:"extra_args"`
	Env          map[string]string `mapstructure:"env" yaml:"env"`
	APIKey       string            `mapstructure:"api_key" yaml:"api_key,omitempty"`
}

// SchedulerConfig bounds concurrent and per-second process starts.
type SchedulerConfig struct {
	MaxConcurrent   int     `mapstructure:"max_concurrent" yaml:"max_concurrent"`
	StartsPerSecond float64 `mapstructure:"starts_per_second" yaml:"starts_per_second"`
	Burst           int     `mapstructure:"burst" yaml:"burst"`
}

// RunsConfig configures the durable run store.
type RunsConfig struct {
	Root            string        `mapstructure:"root" yaml:"root"`
	Retention       time.Duration `mapstructure:"retention" yaml:"retention"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" yaml:"cleanup_interval"`
	ArchiveDir      string        `mapstructure:"archive_dir" yaml:"archive_dir"`
	CacheSize       int           `mapstructure:"cache_size" yaml:"cache_size"`
}

// ProgressConfig configures batch progress retention.
type ProgressConfig struct {
	Retention     time.Duration `mapstructure:"retention" yaml:"retention"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
}

// SessionsConfig configures idle session eviction.
type SessionsConfig struct {
	IdleTTL       time.Duration `mapstructure:"idle_ttl" yaml:"idle_ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" yaml:"sweep_interval"`
}

// BatchConfig configures batch fan-out and prompt defaults.
type BatchConfig struct {
	MaxFanout    int     `mapstructure:"max_fanout" yaml:"max_fanout"`
	DefaultModel string  `mapstructure:"default_model" yaml:"default_model"`
	Temperature  float64 `mapstructure:"temperature" yaml:"temperature"`
}

// ServerConfig configures the HTTP transport.
type ServerConfig struct {
	Host           string        `mapstructure:"host" yaml:"host"`
	Port           int           `mapstructure:"port" yaml:"port"`
	AllowedOrigins []string      `mapstructure:"allowed_origins" yaml:"allowed_origins"`
	Debug          bool          `mapstructure:"debug" yaml:"debug"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	ShutdownGrace  time.Duration `mapstructure:"shutdown_grace" yaml:"shutdown_grace"`
}

// TracingConfig configures distributed tracing.
type TracingConfig struct {
	Enabled        bool    `mapstructure:"enabled" yaml:"enabled"`
	Exporter       string  `mapstructure:"exporter" yaml:"exporter"` // otlp, zipkin
	OTLPEndpoint   string  `mapstructure:"otlp_endpoint" yaml:"otlp_endpoint"`
	ZipkinEndpoint string  `mapstructure:"zipkin_endpoint" yaml:"zipkin_endpoint"`
	SampleRate     float64 `mapstructure:"sample_rate" yaml:"sample_rate"`
	ServiceName    string  `mapstructure:"service_name" yaml:"service_name"`
}

// LogConfig configures the file loggers.
type LogConfig struct {
	Level   string `mapstructure:"level" yaml:"level"`
	Dir     string `mapstructure:"dir" yaml:"dir"`
	Console bool   `mapstructure:"console" yaml:"console"`
}
