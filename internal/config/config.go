// Package config provides configuration management for msebuf using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort          = 8080
	defaultServerTimeout       = 30 * time.Second
	defaultShutdownTimeout     = 10 * time.Second
	defaultIdleTimeout         = 120 * time.Second
	defaultSizeLimit           = 16 << 20
	defaultEvictionMargin      = 5 * time.Second
	defaultRangeMergeGap       = 10 * time.Millisecond
	defaultFeedBackoff         = time.Second
	defaultTrackQueueSize      = 64
	defaultSampleDuration      = time.Second / 60
	defaultFutureDataThreshold = 5 * time.Second
	defaultEnoughDataThreshold = 50 * time.Second
	defaultAppendChunkSize     = 64 << 10
)

// Config holds all configuration for the application.
type Config struct {
	Server   ServerConfig   `mapstructure:"server" yaml:"server"`
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
	Buffer   BufferConfig   `mapstructure:"buffer" yaml:"buffer"`
	Pipeline PipelineConfig `mapstructure:"pipeline" yaml:"pipeline"`
	Playback PlaybackConfig `mapstructure:"playback" yaml:"playback"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins" yaml:"cors_origins"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`   // trace, debug, info, warn, error
	Format     string `mapstructure:"format" yaml:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source" yaml:"add_source"`
	TimeFormat string `mapstructure:"time_format" yaml:"time_format"`
}

// BufferConfig holds source buffer storage configuration.
type BufferConfig struct {
	// SizeLimit caps the bytes held by one source buffer.
	// Supports human-readable values like "16MiB" or raw byte counts.
	SizeLimit ByteSize `mapstructure:"size_limit" yaml:"size_limit"`
	// SizeLimitMemoryFraction, when > 0, replaces SizeLimit with that
	// fraction of the currently available system memory.
	SizeLimitMemoryFraction float64       `mapstructure:"size_limit_memory_fraction" yaml:"size_limit_memory_fraction"`
	EvictionMargin          time.Duration `mapstructure:"eviction_margin" yaml:"eviction_margin"`
	RangeMergeGap           time.Duration `mapstructure:"range_merge_gap" yaml:"range_merge_gap"`
	FeedBackoff             time.Duration `mapstructure:"feed_backoff" yaml:"feed_backoff"`
	TrackQueueSize          int           `mapstructure:"track_queue_size" yaml:"track_queue_size"`
}

// PipelineConfig holds append pipeline configuration.
type PipelineConfig struct {
	DefaultSampleDuration time.Duration `mapstructure:"default_sample_duration" yaml:"default_sample_duration"`
	// AppendChunkSize is the chunk size used when appending files.
	AppendChunkSize ByteSize `mapstructure:"append_chunk_size" yaml:"append_chunk_size"`
}

// PlaybackConfig holds output readiness thresholds.
type PlaybackConfig struct {
	FutureDataThreshold time.Duration `mapstructure:"future_data_threshold" yaml:"future_data_threshold"`
	EnoughDataThreshold time.Duration `mapstructure:"enough_data_threshold" yaml:"enough_data_threshold"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with MSEBUF_ and use underscores for nesting.
// Example: MSEBUF_BUFFER_SIZE_LIMIT=32MiB.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/msebuf")
		v.AddConfigPath("$HOME/.msebuf")
	}

	v.SetEnvPrefix("MSEBUF")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - defaults and env vars apply
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Default returns the configuration produced by the defaults alone.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	cfg, err := decode(v)
	if err != nil {
		panic(fmt.Sprintf("decoding default config: %v", err))
	}
	return cfg
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults are in place.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.idle_timeout", defaultIdleTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.cors_origins", []string{"*"})

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Buffer defaults
	v.SetDefault("buffer.size_limit", ByteSize(defaultSizeLimit).String())
	v.SetDefault("buffer.size_limit_memory_fraction", 0.0)
	v.SetDefault("buffer.eviction_margin", defaultEvictionMargin)
	v.SetDefault("buffer.range_merge_gap", defaultRangeMergeGap)
	v.SetDefault("buffer.feed_backoff", defaultFeedBackoff)
	v.SetDefault("buffer.track_queue_size", defaultTrackQueueSize)

	// Pipeline defaults
	v.SetDefault("pipeline.default_sample_duration", defaultSampleDuration)
	v.SetDefault("pipeline.append_chunk_size", ByteSize(defaultAppendChunkSize).String())

	// Playback defaults
	v.SetDefault("playback.future_data_threshold", defaultFutureDataThreshold)
	v.SetDefault("playback.enough_data_threshold", defaultEnoughDataThreshold)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: trace, debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Buffer.SizeLimit <= 0 && c.Buffer.SizeLimitMemoryFraction <= 0 {
		return fmt.Errorf("buffer.size_limit must be positive")
	}
	if c.Buffer.SizeLimitMemoryFraction < 0 || c.Buffer.SizeLimitMemoryFraction > 1 {
		return fmt.Errorf("buffer.size_limit_memory_fraction must be between 0 and 1")
	}
	if c.Buffer.EvictionMargin < 0 {
		return fmt.Errorf("buffer.eviction_margin must not be negative")
	}
	if c.Buffer.RangeMergeGap < 0 {
		return fmt.Errorf("buffer.range_merge_gap must not be negative")
	}
	if c.Buffer.FeedBackoff <= 0 {
		return fmt.Errorf("buffer.feed_backoff must be positive")
	}
	if c.Buffer.TrackQueueSize < 1 {
		return fmt.Errorf("buffer.track_queue_size must be at least 1")
	}

	if c.Pipeline.DefaultSampleDuration <= 0 {
		return fmt.Errorf("pipeline.default_sample_duration must be positive")
	}
	if c.Pipeline.AppendChunkSize <= 0 {
		return fmt.Errorf("pipeline.append_chunk_size must be positive")
	}

	if c.Playback.FutureDataThreshold <= 0 || c.Playback.EnoughDataThreshold < c.Playback.FutureDataThreshold {
		return fmt.Errorf("playback thresholds must satisfy 0 < future_data_threshold <= enough_data_threshold")
	}
	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// availableMemory is replaced in tests.
var availableMemory = func() (uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, err
	}
	return vm.Available, nil
}

// EffectiveSizeLimit returns the configured size limit, or the memory
// fraction of available system memory when one is set.
func (c *BufferConfig) EffectiveSizeLimit() (int64, error) {
	if c.SizeLimitMemoryFraction <= 0 {
		return c.SizeLimit.Bytes(), nil
	}
	avail, err := availableMemory()
	if err != nil {
		return 0, fmt.Errorf("reading available memory: %w", err)
	}
	limit := int64(float64(avail) * c.SizeLimitMemoryFraction)
	if limit <= 0 {
		return 0, fmt.Errorf("memory fraction %.3f of %d bytes leaves no room", c.SizeLimitMemoryFraction, avail)
	}
	return limit, nil
}
