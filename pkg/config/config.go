// Package config provides configuration loading and validation for tabrecon.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Sentinel validation errors.
var (
	ErrInvalidPort            = errors.New("invalid server port")
	ErrInvalidWorkers         = errors.New("workers must be positive")
	ErrInvalidRetention       = errors.New("retention days must be positive")
	ErrInvalidChunkRows       = errors.New("max rows per chunk must be positive")
	ErrInvalidSampleThreshold = errors.New("sample threshold must be positive")
	ErrInvalidDataDir         = errors.New("data directory must be set")
)

// Default configuration values.
const (
	defaultPort             = 8080
	defaultHost             = "0.0.0.0"
	defaultDataDir          = "./data"
	defaultWorkers          = 2
	defaultSampleThreshold  = 50_000
	defaultMaxCombinations  = 1000
	defaultMaxAutoReconcile = 3
	defaultRetentionDays    = 30
	defaultChunkRows        = 10_000
	maxPort                 = 65535
)

// Config holds all configuration for tabrecon.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Data      DataConfig      `mapstructure:"data"`
	Runner    RunnerConfig    `mapstructure:"runner"`
	Export    ExportConfig    `mapstructure:"export"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig holds gateway-specific configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
	IdleTimeout  string `mapstructure:"idle_timeout"`
	Port         int    `mapstructure:"port"`
}

// DataConfig holds the persisted-state layout configuration.
type DataConfig struct {
	Dir           string `mapstructure:"dir"`
	RetentionDays int    `mapstructure:"retention_days"`
}

// RunnerConfig holds job-execution configuration.
type RunnerConfig struct {
	Workers          int   `mapstructure:"workers"`
	SampleThreshold  int64 `mapstructure:"sample_threshold"`
	MaxCombinations  int   `mapstructure:"max_combinations"`
	MaxAutoReconcile int   `mapstructure:"max_auto_reconcile"`
	MemoryCapMB      int64 `mapstructure:"memory_cap_mb"`
	TempBudgetMB     int64 `mapstructure:"temp_budget_mb"`
}

// ExportConfig holds chunked-export configuration.
type ExportConfig struct {
	MaxRowsPerChunk int64 `mapstructure:"max_rows_per_chunk"`
	MaxChunkBytes   int64 `mapstructure:"max_chunk_bytes"`
}

// LoggingConfig holds logging-specific configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig holds OpenTelemetry export configuration.
type TelemetryConfig struct {
	OTLPEndpoint string  `mapstructure:"otlp_endpoint"`
	OTLPHeaders  string  `mapstructure:"otlp_headers"`
	OTLPInsecure bool    `mapstructure:"otlp_insecure"`
	SampleRatio  float64 `mapstructure:"sample_ratio"`
	Environment  string  `mapstructure:"environment"`
}

// Load loads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	viperCfg := viper.New()

	setDefaults(viperCfg)

	if configPath != "" {
		viperCfg.SetConfigFile(configPath)
	} else {
		viperCfg.SetConfigName("config")
		viperCfg.SetConfigType("yaml")
		viperCfg.AddConfigPath(".")
		viperCfg.AddConfigPath("/etc/tabrecon")
	}

	viperCfg.SetEnvPrefix("TABRECON")
	viperCfg.AutomaticEnv()
	viperCfg.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	readErr := viperCfg.ReadInConfig()
	if readErr != nil {
		var notFoundErr viper.ConfigFileNotFoundError
		if !errors.As(readErr, &notFoundErr) {
			return nil, fmt.Errorf("failed to read config file: %w", readErr)
		}
	}

	var config Config

	unmarshalErr := viperCfg.Unmarshal(&config)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", unmarshalErr)
	}

	validateErr := validate(&config)
	if validateErr != nil {
		return nil, fmt.Errorf("invalid configuration: %w", validateErr)
	}

	return &config, nil
}

func setDefaults(viperCfg *viper.Viper) {
	// Server defaults.
	viperCfg.SetDefault("server.port", defaultPort)
	viperCfg.SetDefault("server.host", defaultHost)
	viperCfg.SetDefault("server.read_timeout", "30s")
	viperCfg.SetDefault("server.write_timeout", "60s")
	viperCfg.SetDefault("server.idle_timeout", "120s")

	// Data defaults.
	viperCfg.SetDefault("data.dir", defaultDataDir)
	viperCfg.SetDefault("data.retention_days", defaultRetentionDays)

	// Runner defaults.
	viperCfg.SetDefault("runner.workers", defaultWorkers)
	viperCfg.SetDefault("runner.sample_threshold", defaultSampleThreshold)
	viperCfg.SetDefault("runner.max_combinations", defaultMaxCombinations)
	viperCfg.SetDefault("runner.max_auto_reconcile", defaultMaxAutoReconcile)
	viperCfg.SetDefault("runner.memory_cap_mb", 512)
	viperCfg.SetDefault("runner.temp_budget_mb", 10_240)

	// Export defaults.
	viperCfg.SetDefault("export.max_rows_per_chunk", defaultChunkRows)
	viperCfg.SetDefault("export.max_chunk_bytes", 1<<20)

	// Logging defaults.
	viperCfg.SetDefault("logging.level", "info")
	viperCfg.SetDefault("logging.format", "text")

	// Telemetry defaults.
	viperCfg.SetDefault("telemetry.sample_ratio", 0.0)
}

func validate(config *Config) error {
	if config.Server.Port <= 0 || config.Server.Port > maxPort {
		return fmt.Errorf("%w: %d", ErrInvalidPort, config.Server.Port)
	}

	if config.Data.Dir == "" {
		return ErrInvalidDataDir
	}

	if config.Data.RetentionDays <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidRetention, config.Data.RetentionDays)
	}

	if config.Runner.Workers <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidWorkers, config.Runner.Workers)
	}

	if config.Runner.SampleThreshold <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidSampleThreshold, config.Runner.SampleThreshold)
	}

	if config.Export.MaxRowsPerChunk <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidChunkRows, config.Export.MaxRowsPerChunk)
	}

	return nil
}
