package config

import "time"

const (
	DefaultExecutable        = "claude"
	DefaultInvocationTimeout = 30 * time.Minute
	DefaultGracePeriod       = 5 * time.Second
	DefaultMaxConcurrent     = 4
	DefaultStartsPerSecond   = 2.0
	DefaultStartBurst        = 2
	DefaultRunsRoot          = "~/.switchboard/runs"
	DefaultRunRetention      = 30 * 24 * time.Hour
	DefaultCleanupInterval   = 24 * time.Hour
	DefaultRunCacheSize      = 256
	DefaultProgressRetention = time.Hour
	DefaultSweepInterval     = time.Hour
	DefaultSessionIdleTTL    = 48 * time.Hour
	DefaultMaxFanout         = 8
	DefaultTemperature       = 0.3
	DefaultServerHost        = "127.0.0.1"
	DefaultServerPort        = 8088
	DefaultIDStrategy        = "ksuid"
)

// Defaults returns the configuration used when no file or env overrides exist.
func Defaults() Config {
	return Config{
		Executable: ExecutableConfig{
			Path:        DefaultExecutable,
			Timeout:     DefaultInvocationTimeout,
			GracePeriod: DefaultGracePeriod,
		},
		Scheduler: SchedulerConfig{
			MaxConcurrent:   DefaultMaxConcurrent,
			StartsPerSecond: DefaultStartsPerSecond,
			Burst:           DefaultStartBurst,
		},
		Runs: RunsConfig{
			Root:            DefaultRunsRoot,
			Retention:       DefaultRunRetention,
			CleanupInterval: DefaultCleanupInterval,
			CacheSize:       DefaultRunCacheSize,
		},
		Progress: ProgressConfig{
			Retention:     DefaultProgressRetention,
			SweepInterval: DefaultSweepInterval,
		},
		Sessions: SessionsConfig{
			IdleTTL:       DefaultSessionIdleTTL,
			SweepInterval: DefaultSweepInterval,
		},
		Batch: BatchConfig{
			MaxFanout:   DefaultMaxFanout,
			Temperature: DefaultTemperature,
		},
		Server: ServerConfig{
			Host:          DefaultServerHost,
			Port:          DefaultServerPort,
			ReadTimeout:   30 * time.Second,
			ShutdownGrace: 10 * time.Second,
		},
		Tracing: TracingConfig{
			Exporter:    "otlp",
			SampleRate:  1.0,
			ServiceName: "switchboard",
		},
		Log: LogConfig{
			Level: "info",
		},
		IDs: IDsConfig{
			Strategy: DefaultIDStrategy,
		},
	}
}
