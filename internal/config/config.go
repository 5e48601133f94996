// Package config loads PipelineConfig: per-stage batch/listener tuning for
// the grouper and filter stages plus the raw file source's path, loaded
// from an optional YAML file, defaulted, then overridden by environment
// variables, in that order, grounded on the teacher's
// internal/config/config.go LoadConfig pipeline.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"

	"ssw-logs-capture/pkg/apperrors"
)

// StageConfig tunes one pipeline stage's batch size and listener
// coalescing window, shared shape for the grouper and the filter.
type StageConfig struct {
	BatchSize        int64         `yaml:"batch_size"`
	ListenerMaxWait  time.Duration `yaml:"listener_max_wait"`
	ListenerMaxBatch int64         `yaml:"listener_max_batch"`
	IdleDelay        time.Duration `yaml:"idle_delay"`
}

// PipelineConfig is the root configuration for a logviewerd process: the
// file being tailed and the tuning for each derived stage.
type PipelineConfig struct {
	LogFilePath string `yaml:"log_file_path"`

	Source  StageConfig `yaml:"source"`
	Grouper StageConfig `yaml:"grouper"`
	Filter  StageConfig `yaml:"filter"`

	Server struct {
		Enabled bool   `yaml:"enabled"`
		Host    string `yaml:"host"`
		Port    int    `yaml:"port"`
	} `yaml:"server"`

	Metrics struct {
		Enabled   bool   `yaml:"enabled"`
		Path      string `yaml:"path"`
		Namespace string `yaml:"namespace"`
	} `yaml:"metrics"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Load builds a PipelineConfig from an optional YAML file, filling
// anything the file doesn't set with defaults, then letting environment
// variables override both.
func Load(configFile string) (*PipelineConfig, error) {
	cfg := &PipelineConfig{}

	if configFile != "" {
		if err := loadFile(configFile, cfg); err != nil {
			return nil, apperrors.New(apperrors.CodeProgrammerError, apperrors.SeverityCritical, "config", "Load", "failed to load config file").Wrap(err)
		}
	}

	applyDefaults(cfg)
	applyEnvironmentOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func loadFile(path string, cfg *PipelineConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func applyDefaults(cfg *PipelineConfig) {
	defaultStage := func(s *StageConfig, batch int64, wait time.Duration, maxBatch int64, idle time.Duration) {
		if s.BatchSize == 0 {
			s.BatchSize = batch
		}
		if s.ListenerMaxWait == 0 {
			s.ListenerMaxWait = wait
		}
		if s.ListenerMaxBatch == 0 {
			s.ListenerMaxBatch = maxBatch
		}
		if s.IdleDelay == 0 {
			s.IdleDelay = idle
		}
	}
	defaultStage(&cfg.Source, 500, 100*time.Millisecond, 500, 100*time.Millisecond)
	defaultStage(&cfg.Grouper, 10000, 250*time.Millisecond, 1000, 200*time.Millisecond)
	defaultStage(&cfg.Filter, 10000, 250*time.Millisecond, 1000, 200*time.Millisecond)

	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8090
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Metrics.Namespace == "" {
		cfg.Metrics.Namespace = "logview"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
	}
}

func applyEnvironmentOverrides(cfg *PipelineConfig) {
	cfg.LogFilePath = getEnvString("LOGVIEW_FILE", cfg.LogFilePath)
	cfg.LogLevel = getEnvString("LOGVIEW_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnvString("LOGVIEW_LOG_FORMAT", cfg.LogFormat)

	cfg.Server.Enabled = getEnvBool("LOGVIEW_SERVER_ENABLED", cfg.Server.Enabled)
	cfg.Server.Host = getEnvString("LOGVIEW_SERVER_HOST", cfg.Server.Host)
	cfg.Server.Port = getEnvInt("LOGVIEW_SERVER_PORT", cfg.Server.Port)

	cfg.Metrics.Enabled = getEnvBool("LOGVIEW_METRICS_ENABLED", cfg.Metrics.Enabled)
	cfg.Metrics.Path = getEnvString("LOGVIEW_METRICS_PATH", cfg.Metrics.Path)
	cfg.Metrics.Namespace = getEnvString("LOGVIEW_METRICS_NAMESPACE", cfg.Metrics.Namespace)

	overrideStage := func(prefix string, s *StageConfig) {
		s.BatchSize = int64(getEnvInt(prefix+"_BATCH_SIZE", int(s.BatchSize)))
		s.ListenerMaxWait = getEnvDuration(prefix+"_LISTENER_MAX_WAIT", s.ListenerMaxWait)
		s.ListenerMaxBatch = int64(getEnvInt(prefix+"_LISTENER_MAX_BATCH", int(s.ListenerMaxBatch)))
		s.IdleDelay = getEnvDuration(prefix+"_IDLE_DELAY", s.IdleDelay)
	}
	overrideStage("LOGVIEW_SOURCE", &cfg.Source)
	overrideStage("LOGVIEW_GROUPER", &cfg.Grouper)
	overrideStage("LOGVIEW_FILTER", &cfg.Filter)
}

func getEnvString(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

// Validate rejects configurations that would make a stage unable to make
// progress or a server listen on a nonsensical port.
func Validate(cfg *PipelineConfig) error {
	if cfg.LogFilePath == "" {
		return fmt.Errorf("log_file_path (or LOGVIEW_FILE) must be set")
	}
	checkStage := func(name string, s StageConfig) error {
		if s.BatchSize <= 0 {
			return fmt.Errorf("%s.batch_size must be positive, got %d", name, s.BatchSize)
		}
		if s.ListenerMaxBatch <= 0 {
			return fmt.Errorf("%s.listener_max_batch must be positive, got %d", name, s.ListenerMaxBatch)
		}
		if s.ListenerMaxWait < 0 {
			return fmt.Errorf("%s.listener_max_wait must not be negative", name)
		}
		return nil
	}
	if err := checkStage("source", cfg.Source); err != nil {
		return err
	}
	if err := checkStage("grouper", cfg.Grouper); err != nil {
		return err
	}
	if err := checkStage("filter", cfg.Filter); err != nil {
		return err
	}
	if cfg.Server.Enabled && (cfg.Server.Port <= 0 || cfg.Server.Port > 65535) {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	return nil
}
