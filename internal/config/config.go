package config

import (
	"encoding/base64"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Source     SourceConfig     `yaml:"source" mapstructure:"source"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Vault      VaultConfig      `yaml:"vault" mapstructure:"vault"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ServerConfig configures the migration API server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// SourceConfig configures source CRM clients.
type SourceConfig struct {
	PageSize         int     `yaml:"page_size" mapstructure:"page_size"`
	PageTimeoutSecs  int     `yaml:"page_timeout_secs" mapstructure:"page_timeout_secs"`
	RatePerSec       float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	Burst            int     `yaml:"burst" mapstructure:"burst"`
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	SourceABaseURL   string  `yaml:"source_a_base_url" mapstructure:"source_a_base_url"`
	SourceBBaseURL   string  `yaml:"source_b_base_url" mapstructure:"source_b_base_url"`
}

// PipelineConfig configures execution behavior.
type PipelineConfig struct {
	WriteConcurrency        int `yaml:"write_concurrency" mapstructure:"write_concurrency"`
	ErrorReportLimit        int `yaml:"error_report_limit" mapstructure:"error_report_limit"`
	LeaseTTLSecs            int `yaml:"lease_ttl_secs" mapstructure:"lease_ttl_secs"`
	StorageFailureThreshold int `yaml:"storage_failure_threshold" mapstructure:"storage_failure_threshold"`
}

// VaultConfig holds the base64-encoded 32-byte key used to seal source
// credentials at rest.
type VaultConfig struct {
	Key string `yaml:"key" mapstructure:"key"`
}

// MonitoringConfig configures the background job health checks.
type MonitoringConfig struct {
	WebhookURL             string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold   float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	RecordFailureThreshold float64 `yaml:"record_failure_threshold" mapstructure:"record_failure_threshold"`
	StalledAfterMins       int     `yaml:"stalled_after_mins" mapstructure:"stalled_after_mins"`
	CheckIntervalSecs      int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours    int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	RepeatAfterMins        int     `yaml:"repeat_after_mins" mapstructure:"repeat_after_mins"`
}

// Load reads configuration from ./config.yaml (optional) and environment.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile is Load with an explicit config file. An explicit file that
// cannot be read is an error.
func LoadFile(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	// Environment
	v.SetEnvPrefix("CRM_MIGRATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("source.page_size", 100)
	v.SetDefault("source.page_timeout_secs", 30)
	v.SetDefault("source.rate_per_sec", 5.0)
	v.SetDefault("source.burst", 5)
	v.SetDefault("source.max_attempts", 4)
	v.SetDefault("source.initial_backoff_ms", 500)
	v.SetDefault("source.source_a_base_url", "https://api.source-a.example.com")
	v.SetDefault("source.source_b_base_url", "https://api.source-b.example.com")
	v.SetDefault("pipeline.write_concurrency", 5)
	v.SetDefault("pipeline.error_report_limit", 50)
	v.SetDefault("pipeline.lease_ttl_secs", 120)
	v.SetDefault("pipeline.storage_failure_threshold", 5)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.record_failure_threshold", 0.10)
	v.SetDefault("monitoring.stalled_after_mins", 15)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.repeat_after_mins", 60)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command mode depends on. Modes: "serve",
// "pipeline" (CLI commands that touch sources and the store) and "store"
// (commands that only need the database).
func (c *Config) Validate(mode string) error {
	var problems []string

	storeChecks := func() {
		switch c.Store.Driver {
		case "postgres":
			if c.Store.DatabaseURL == "" {
				problems = append(problems, "store.database_url is required for postgres")
			}
		case "sqlite":
		default:
			problems = append(problems, "store.driver must be postgres or sqlite")
		}
	}
	pipelineChecks := func() {
		if c.Source.PageSize < 1 || c.Source.PageSize > 500 {
			problems = append(problems, "source.page_size must be between 1 and 500")
		}
		if c.Source.MaxAttempts < 1 {
			problems = append(problems, "source.max_attempts must be >= 1")
		}
		if c.Source.RatePerSec <= 0 {
			problems = append(problems, "source.rate_per_sec must be > 0")
		}
		if c.Pipeline.WriteConcurrency < 1 || c.Pipeline.WriteConcurrency > 50 {
			problems = append(problems, "pipeline.write_concurrency must be between 1 and 50")
		}
		if key, err := base64.StdEncoding.DecodeString(c.Vault.Key); err != nil || len(key) != 32 {
			problems = append(problems, "vault.key must be a base64-encoded 32-byte key")
		}
	}

	switch mode {
	case "store":
		storeChecks()
	case "pipeline":
		storeChecks()
		pipelineChecks()
	case "serve":
		storeChecks()
		pipelineChecks()
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.Errorf("config: invalid (%s)", strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
