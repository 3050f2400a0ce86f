// Package config loads orchestrator configuration from a file and
// environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the buildd manager.
type Config struct {
	// Database connection string.
	DatabaseURL string `mapstructure:"database_url"`

	// Address the metrics endpoint listens on.
	MetricsAddr string `mapstructure:"metrics_addr"`

	// OTLP collector endpoint for traces. Empty disables tracing.
	OTELEndpoint string `mapstructure:"otel_endpoint"`

	// Directory swept for stale in-progress upload markers on startup.
	UploadDir string `mapstructure:"upload_dir"`

	// Transport-level timeout applied to every worker RPC.
	RPCTimeout time.Duration `mapstructure:"rpc_timeout"`

	// How often each builder is scanned.
	ScanInterval time.Duration `mapstructure:"scan_interval"`

	// How often the manager looks for newly registered builders.
	DiscoveryInterval time.Duration `mapstructure:"discovery_interval"`

	// How often buffered log tails are flushed to the database.
	FlushInterval time.Duration `mapstructure:"flush_interval"`

	// Wall-clock budget for a cancelling build to stop after abort.
	CancelTimeout time.Duration `mapstructure:"cancel_timeout"`

	// Consecutive transient scan failures tolerated before the failure
	// is judged and persisted counters move.
	ScanRetryThreshold int `mapstructure:"scan_retry_threshold"`

	// Judged failures before a job is requeued rather than retried.
	JobResetThreshold int `mapstructure:"job_reset_threshold"`

	// Judged failures before a builder is disabled rather than dirtied.
	BuilderFailureThreshold int `mapstructure:"builder_failure_threshold"`

	// Log level: debug, info, warn, error.
	LogLevel string `mapstructure:"log_level"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("metrics_addr", ":6172")
	v.SetDefault("upload_dir", "/var/lib/buildfarm/incoming")
	v.SetDefault("rpc_timeout", 30*time.Second)
	v.SetDefault("scan_interval", 15*time.Second)
	v.SetDefault("discovery_interval", 60*time.Second)
	v.SetDefault("flush_interval", 15*time.Second)
	v.SetDefault("cancel_timeout", 180*time.Second)
	v.SetDefault("scan_retry_threshold", 5)
	v.SetDefault("job_reset_threshold", 5)
	v.SetDefault("builder_failure_threshold", 5)
	v.SetDefault("log_level", "info")
}

// Load reads configuration, optionally from an explicit file path.
// Every key can be overridden via BUILDFARM_* environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("BUILDFARM")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("buildfarm")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/buildfarm/")
		v.AddConfigPath(".")
	}

	// Config file is optional; env vars alone are enough.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && path != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("database_url is required")
	}

	return &cfg, nil
}
