package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// AppName names fallback directories, config files and the env prefix
const AppName = "autosave"

// Bounds for the checkpoint interval, in generation steps
const (
	MinIntervalSteps = 1
	MaxIntervalSteps = 10
)

// Config holds all configuration options for the checkpoint subsystem
type Config struct {
	// Checkpoint scheduling and writing
	AutoSave AutoSaveConfig `yaml:"autosave" json:"autosave"`

	// Host load sampling
	Monitor MonitorConfig `yaml:"monitor" json:"monitor"`

	// Retry and recovery policy
	Recovery RecoveryConfig `yaml:"recovery" json:"recovery"`

	// Artifact format
	Audio AudioConfig `yaml:"audio" json:"audio"`

	// Optional remote copy of finalized artifacts
	Mirror MirrorConfig `yaml:"mirror" json:"mirror"`

	// Prometheus endpoint
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// AutoSaveConfig holds checkpoint scheduling and storage options
type AutoSaveConfig struct {
	Enabled                bool          `yaml:"enabled" json:"enabled"`
	Interval               int           `yaml:"interval" json:"interval"`
	MinInterval            int           `yaml:"min_interval" json:"min_interval"`
	MaxInterval            int           `yaml:"max_interval" json:"max_interval"`
	Adaptive               bool          `yaml:"adaptive" json:"adaptive"`
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures" json:"max_consecutive_failures"`
	IntervalBackoffStep    int           `yaml:"interval_backoff_step" json:"interval_backoff_step"`
	FastWriteThreshold     time.Duration `yaml:"fast_write_threshold" json:"fast_write_threshold"`
	WriteSampleWindow      int           `yaml:"write_sample_window" json:"write_sample_window"`
	LoadCheckDebounce      time.Duration `yaml:"load_check_debounce" json:"load_check_debounce"`
	LoadBackoffFactor      float64       `yaml:"load_backoff_factor" json:"load_backoff_factor"`
	FallbackLocations      []string      `yaml:"fallback_locations" json:"fallback_locations"`
	TempDir                string        `yaml:"temp_dir" json:"temp_dir"`
	CleanupOnSuccess       bool          `yaml:"cleanup_on_success" json:"cleanup_on_success"`
	BackupEnabled          bool          `yaml:"backup_enabled" json:"backup_enabled"`
	MaxBackups             int           `yaml:"max_backups" json:"max_backups"`
	Workers                int           `yaml:"workers" json:"workers"`
	KeepLastSegments       int           `yaml:"keep_last_segments" json:"keep_last_segments"`
}

// MonitorConfig holds load sampling options
type MonitorConfig struct {
	Interval             time.Duration `yaml:"interval" json:"interval"`
	HistorySize          int           `yaml:"history_size" json:"history_size"`
	CPUThreshold         float64       `yaml:"cpu_threshold" json:"cpu_threshold"`
	MemoryThreshold      float64       `yaml:"memory_threshold" json:"memory_threshold"`
	AcceleratorThreshold float64       `yaml:"accelerator_threshold" json:"accelerator_threshold"`
	SmoothingWindow      int           `yaml:"smoothing_window" json:"smoothing_window"`
}

// RecoveryConfig holds retry and recovery-mode options
type RecoveryConfig struct {
	MaxAttempts           int           `yaml:"max_attempts" json:"max_attempts"`
	BaseDelay             time.Duration `yaml:"base_delay" json:"base_delay"`
	MaxDelay              time.Duration `yaml:"max_delay" json:"max_delay"`
	Multiplier            float64       `yaml:"multiplier" json:"multiplier"`
	RecoveryModeThreshold int           `yaml:"recovery_mode_threshold" json:"recovery_mode_threshold"`
	HistorySize           int           `yaml:"history_size" json:"history_size"`
}

// AudioConfig describes the artifact PCM layout
type AudioConfig struct {
	SampleRate int `yaml:"sample_rate" json:"sample_rate"`
	Channels   int `yaml:"channels" json:"channels"`
	BitDepth   int `yaml:"bit_depth" json:"bit_depth"`
}

// MirrorConfig holds the S3 mirror options
type MirrorConfig struct {
	Enabled      bool   `yaml:"enabled" json:"enabled"`
	Bucket       string `yaml:"bucket" json:"bucket"`
	Prefix       string `yaml:"prefix" json:"prefix"`
	Region       string `yaml:"region" json:"region"`
	Endpoint     string `yaml:"endpoint" json:"endpoint"`
	UsePathStyle bool   `yaml:"use_path_style" json:"use_path_style"`
	// Profile names stored mirror credentials; empty uses the AWS default chain
	Profile string `yaml:"profile" json:"profile"`
}

// MetricsConfig holds the metrics listener options
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Listen  string `yaml:"listen" json:"listen"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level string `yaml:"level" json:"level"`
	File  string `yaml:"file" json:"file"`
}

// DefaultFallbackLocations returns the fallback storage roots in priority order
func DefaultFallbackLocations() []string {
	var locs []string
	if home, err := os.UserHomeDir(); err == nil {
		locs = append(locs, filepath.Join(home, "tmp", AppName+"_autosave"))
	}
	locs = append(locs,
		filepath.Join(os.TempDir(), AppName+"_autosave"),
		filepath.Join(".", "temp_autosave"),
	)
	return locs
}

// DefaultConfig returns a Config instance with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		AutoSave: AutoSaveConfig{
			Enabled:                true,
			Interval:               5,
			MinInterval:            MinIntervalSteps,
			MaxInterval:            MaxIntervalSteps,
			Adaptive:               true,
			MaxConsecutiveFailures: 3,
			IntervalBackoffStep:    1,
			FastWriteThreshold:     time.Second,
			WriteSampleWindow:      10,
			LoadCheckDebounce:      5 * time.Second,
			LoadBackoffFactor:      0.9,
			FallbackLocations:      DefaultFallbackLocations(),
			CleanupOnSuccess:       true,
			BackupEnabled:          true,
			MaxBackups:             5,
			Workers:                1,
		},
		Monitor: MonitorConfig{
			Interval:             time.Second,
			HistorySize:          100,
			CPUThreshold:         80,
			MemoryThreshold:      85,
			AcceleratorThreshold: 90,
			SmoothingWindow:      3,
		},
		Recovery: RecoveryConfig{
			MaxAttempts:           3,
			BaseDelay:             time.Second,
			MaxDelay:              8 * time.Second,
			Multiplier:            2.0,
			RecoveryModeThreshold: 3,
			HistorySize:           20,
		},
		Audio: AudioConfig{
			SampleRate: 22050,
			Channels:   1,
			BitDepth:   16,
		},
		Mirror: MirrorConfig{
			Prefix: AppName,
		},
		Metrics: MetricsConfig{
			Listen: ":9464",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// envPrefix is prepended to every environment variable name
const envPrefix = "AUTOSAVE_"

func envInt(key string, dst *int) error {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s%s: %w", envPrefix, key, err)
	}
	*dst = n
	return nil
}

func envBool(key string, dst *bool) error {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s%s: %w", envPrefix, key, err)
	}
	*dst = b
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s%s: %w", envPrefix, key, err)
	}
	*dst = d
	return nil
}

func envStr(key string, dst *string) {
	if v := os.Getenv(envPrefix + key); v != "" {
		*dst = v
	}
}

// LoadFromEnv loads configuration from AUTOSAVE_* environment variables
func (c *Config) LoadFromEnv() error {
	var errs []error

	errs = append(errs,
		envBool("ENABLED", &c.AutoSave.Enabled),
		envInt("INTERVAL", &c.AutoSave.Interval),
		envBool("ADAPTIVE", &c.AutoSave.Adaptive),
		envInt("MAX_CONSECUTIVE_FAILURES", &c.AutoSave.MaxConsecutiveFailures),
		envBool("CLEANUP_ON_SUCCESS", &c.AutoSave.CleanupOnSuccess),
		envInt("WORKERS", &c.AutoSave.Workers),
		envInt("MAX_BACKUPS", &c.AutoSave.MaxBackups),
		envDuration("MONITOR_INTERVAL", &c.Monitor.Interval),
		envInt("RETRY_MAX_ATTEMPTS", &c.Recovery.MaxAttempts),
		envDuration("RETRY_BASE_DELAY", &c.Recovery.BaseDelay),
		envInt("SAMPLE_RATE", &c.Audio.SampleRate),
		envBool("MIRROR_ENABLED", &c.Mirror.Enabled),
		envBool("METRICS_ENABLED", &c.Metrics.Enabled),
	)

	if v := os.Getenv(envPrefix + "FALLBACK_LOCATIONS"); v != "" {
		c.AutoSave.FallbackLocations = filepath.SplitList(v)
	}
	envStr("TEMP_DIR", &c.AutoSave.TempDir)
	envStr("MIRROR_BUCKET", &c.Mirror.Bucket)
	envStr("MIRROR_PREFIX", &c.Mirror.Prefix)
	envStr("MIRROR_REGION", &c.Mirror.Region)
	envStr("MIRROR_ENDPOINT", &c.Mirror.Endpoint)
	envStr("MIRROR_PROFILE", &c.Mirror.Profile)
	envStr("METRICS_LISTEN", &c.Metrics.Listen)
	envStr("LOG_LEVEL", &c.Logging.Level)
	envStr("LOG_FILE", &c.Logging.File)

	return errors.Join(errs...)
}

// LoadFromFile loads configuration from a YAML file
func (c *Config) LoadFromFile(path string) error {
	if path == "" {
		path = c.findConfigFile()
		if path == "" {
			return nil // No config file found, not an error
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// findConfigFile searches for config file in standard locations
func (c *Config) findConfigFile() string {
	home, _ := os.UserHomeDir()
	locations := []string{
		"." + AppName + ".yaml",
		"." + AppName + ".yml",
		filepath.Join(home, ".config", AppName, "config.yaml"),
		filepath.Join(home, ".config", AppName, "config.yml"),
	}

	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc
		}
	}

	return ""
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error
	a := c.AutoSave

	if a.MinInterval < MinIntervalSteps || a.MaxInterval > MaxIntervalSteps || a.MinInterval > a.MaxInterval {
		errs = append(errs, fmt.Errorf("interval bounds must satisfy %d <= min <= max <= %d", MinIntervalSteps, MaxIntervalSteps))
	}
	if a.Interval < a.MinInterval || a.Interval > a.MaxInterval {
		errs = append(errs, fmt.Errorf("interval %d outside [%d, %d]", a.Interval, a.MinInterval, a.MaxInterval))
	}
	if a.MaxConsecutiveFailures <= 0 {
		errs = append(errs, errors.New("max consecutive failures must be positive"))
	}
	if a.IntervalBackoffStep <= 0 {
		errs = append(errs, errors.New("interval backoff step must be positive"))
	}
	if a.WriteSampleWindow <= 0 {
		errs = append(errs, errors.New("write sample window must be positive"))
	}
	if a.Workers < 1 || a.Workers > 2 {
		errs = append(errs, errors.New("workers must be 1 or 2"))
	}
	if a.MaxBackups < 0 {
		errs = append(errs, errors.New("max backups cannot be negative"))
	}
	if a.KeepLastSegments < 0 {
		errs = append(errs, errors.New("keep last segments cannot be negative"))
	}

	if c.Monitor.Interval <= 0 {
		errs = append(errs, errors.New("monitor interval must be positive"))
	}
	if c.Monitor.HistorySize <= 0 {
		errs = append(errs, errors.New("monitor history size must be positive"))
	}
	if c.Monitor.SmoothingWindow <= 0 {
		errs = append(errs, errors.New("monitor smoothing window must be positive"))
	}
	for name, v := range map[string]float64{
		"cpu":         c.Monitor.CPUThreshold,
		"memory":      c.Monitor.MemoryThreshold,
		"accelerator": c.Monitor.AcceleratorThreshold,
	} {
		if v <= 0 || v > 100 {
			errs = append(errs, fmt.Errorf("%s threshold must be in (0, 100]", name))
		}
	}

	if c.Recovery.MaxAttempts < 0 {
		errs = append(errs, errors.New("retry attempts cannot be negative"))
	}
	if c.Recovery.BaseDelay < 0 || c.Recovery.MaxDelay < c.Recovery.BaseDelay {
		errs = append(errs, errors.New("retry delays must satisfy 0 <= base <= max"))
	}
	if c.Recovery.Multiplier < 1 {
		errs = append(errs, errors.New("retry multiplier must be at least 1"))
	}
	if c.Recovery.RecoveryModeThreshold <= 0 {
		errs = append(errs, errors.New("recovery mode threshold must be positive"))
	}
	if c.Recovery.HistorySize <= 0 {
		errs = append(errs, errors.New("recovery history size must be positive"))
	}

	if c.Audio.SampleRate <= 0 {
		errs = append(errs, errors.New("sample rate must be positive"))
	}
	if c.Audio.Channels < 1 || c.Audio.Channels > 2 {
		errs = append(errs, errors.New("channels must be 1 or 2"))
	}
	if c.Audio.BitDepth != 16 && c.Audio.BitDepth != 24 {
		errs = append(errs, errors.New("bit depth must be 16 or 24"))
	}

	if c.Mirror.Enabled && c.Mirror.Bucket == "" {
		errs = append(errs, errors.New("mirror bucket is required when mirror is enabled"))
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		errs = append(errs, errors.New("metrics listen address is required when metrics are enabled"))
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, errors.New("invalid log level"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

// Save saves the configuration to a file
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// MergeCommandLineFlags merges command line flags into the configuration.
// Only keys present in the map are applied.
func (c *Config) MergeCommandLineFlags(flags map[string]interface{}) {
	if v, ok := flags["interval"].(int); ok && v > 0 {
		c.AutoSave.Interval = v
	}
	if v, ok := flags["adaptive"].(bool); ok {
		c.AutoSave.Adaptive = v
	}
	if v, ok := flags["enabled"].(bool); ok {
		c.AutoSave.Enabled = v
	}
	if v, ok := flags["workers"].(int); ok && v > 0 {
		c.AutoSave.Workers = v
	}
	if v, ok := flags["temp-dir"].(string); ok && v != "" {
		c.AutoSave.TempDir = v
	}
	if v, ok := flags["fallback"].([]string); ok && len(v) > 0 {
		c.AutoSave.FallbackLocations = v
	}
	if v, ok := flags["sample-rate"].(int); ok && v > 0 {
		c.Audio.SampleRate = v
	}
	if v, ok := flags["metrics"].(bool); ok {
		c.Metrics.Enabled = v
	}
	if v, ok := flags["log-level"].(string); ok && v != "" {
		c.Logging.Level = v
	}
	if v, ok := flags["log-file"].(string); ok && v != "" {
		c.Logging.File = v
	}
}

// Load loads configuration from all sources with proper precedence
// Precedence order: Command line flags > Environment variables > .env file > Config file > Defaults
func Load(configPath string, flags map[string]interface{}) (*Config, error) {
	_ = godotenv.Load(".env")
	if home, err := os.UserHomeDir(); err == nil {
		_ = godotenv.Load(filepath.Join(home, "."+AppName+".env"))
	}

	config := DefaultConfig()

	if err := config.LoadFromFile(configPath); err != nil {
		return nil, fmt.Errorf("failed to load config file: %w", err)
	}

	if err := config.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	config.MergeCommandLineFlags(flags)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}
