package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validTestConfig() *Config {
	return &Config{
		Server:  ServerConfig{Port: 8080},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Buffer: BufferConfig{
			SizeLimit:      16 << 20,
			EvictionMargin: 5 * time.Second,
			RangeMergeGap:  10 * time.Millisecond,
			FeedBackoff:    time.Second,
			TrackQueueSize: 64,
		},
		Pipeline: PipelineConfig{
			DefaultSampleDuration: time.Second / 60,
			AppendChunkSize:       64 << 10,
		},
		Playback: PlaybackConfig{
			FutureDataThreshold: 5 * time.Second,
			EnoughDataThreshold: 50 * time.Second,
		},
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.NotNil(t, cfg)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, 120*time.Second, cfg.Server.IdleTimeout)
	assert.Equal(t, []string{"*"}, cfg.Server.CORSOrigins)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)

	assert.Equal(t, ByteSize(16<<20), cfg.Buffer.SizeLimit)
	assert.Zero(t, cfg.Buffer.SizeLimitMemoryFraction)
	assert.Equal(t, 5*time.Second, cfg.Buffer.EvictionMargin)
	assert.Equal(t, 10*time.Millisecond, cfg.Buffer.RangeMergeGap)
	assert.Equal(t, time.Second, cfg.Buffer.FeedBackoff)
	assert.Equal(t, 64, cfg.Buffer.TrackQueueSize)

	assert.Equal(t, time.Second/60, cfg.Pipeline.DefaultSampleDuration)
	assert.Equal(t, ByteSize(64<<10), cfg.Pipeline.AppendChunkSize)

	assert.Equal(t, 5*time.Second, cfg.Playback.FutureDataThreshold)
	assert.Equal(t, 50*time.Second, cfg.Playback.EnoughDataThreshold)
}

func TestDefault_MatchesLoad(t *testing.T) {
	loaded, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, loaded, Default())
}

func TestLoad_FromFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")

	configContent := `
server:
  port: 9090
  read_timeout: 60s

logging:
  level: "trace"
  format: "json"

buffer:
  size_limit: "32MiB"
  eviction_margin: 10s
  range_merge_gap: 20ms

playback:
  enough_data_threshold: 30s
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0o600))

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 60*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "trace", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, ByteSize(32<<20), cfg.Buffer.SizeLimit)
	assert.Equal(t, 10*time.Second, cfg.Buffer.EvictionMargin)
	assert.Equal(t, 20*time.Millisecond, cfg.Buffer.RangeMergeGap)
	assert.Equal(t, 30*time.Second, cfg.Playback.EnoughDataThreshold)
	// untouched keys keep their defaults
	assert.Equal(t, 5*time.Second, cfg.Playback.FutureDataThreshold)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("MSEBUF_SERVER_PORT", "3000")
	t.Setenv("MSEBUF_LOGGING_LEVEL", "warn")
	t.Setenv("MSEBUF_BUFFER_SIZE_LIMIT", "1MiB")
	t.Setenv("MSEBUF_BUFFER_FEED_BACKOFF", "250ms")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, ByteSize(1<<20), cfg.Buffer.SizeLimit)
	assert.Equal(t, 250*time.Millisecond, cfg.Buffer.FeedBackoff)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("server:\n  port: 8080\nlogging:\n  format: json\n"), 0o600))

	t.Setenv("MSEBUF_SERVER_PORT", "9000")

	cfg, err := Load(configPath)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_InvalidConfigFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	invalidContent := `
server:
  port: "not a number"
  invalid yaml structure
`
	require.NoError(t, os.WriteFile(configPath, []byte(invalidContent), 0o600))

	_, err := Load(configPath)
	assert.Error(t, err)
}

func TestLoad_InvalidByteSize(t *testing.T) {
	t.Setenv("MSEBUF_BUFFER_SIZE_LIMIT", "lots")
	_, err := Load("")
	assert.Error(t, err)
}

func TestLoad_NonExistentFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"port zero", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"port too large", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"zero size limit", func(c *Config) { c.Buffer.SizeLimit = 0 }, "buffer.size_limit"},
		{"zero size limit with fraction", func(c *Config) {
			c.Buffer.SizeLimit = 0
			c.Buffer.SizeLimitMemoryFraction = 0.25
		}, ""},
		{"fraction above one", func(c *Config) { c.Buffer.SizeLimitMemoryFraction = 1.5 }, "size_limit_memory_fraction"},
		{"negative margin", func(c *Config) { c.Buffer.EvictionMargin = -time.Second }, "eviction_margin"},
		{"negative merge gap", func(c *Config) { c.Buffer.RangeMergeGap = -time.Millisecond }, "range_merge_gap"},
		{"zero backoff", func(c *Config) { c.Buffer.FeedBackoff = 0 }, "feed_backoff"},
		{"zero queue", func(c *Config) { c.Buffer.TrackQueueSize = 0 }, "track_queue_size"},
		{"zero sample duration", func(c *Config) { c.Pipeline.DefaultSampleDuration = 0 }, "default_sample_duration"},
		{"zero chunk size", func(c *Config) { c.Pipeline.AppendChunkSize = 0 }, "append_chunk_size"},
		{"thresholds inverted", func(c *Config) { c.Playback.EnoughDataThreshold = time.Second }, "playback thresholds"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validTestConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestServerConfig_Address(t *testing.T) {
	cfg := ServerConfig{Host: "localhost", Port: 9000}
	assert.Equal(t, "localhost:9000", cfg.Address())
}

func TestBufferConfig_EffectiveSizeLimit(t *testing.T) {
	orig := availableMemory
	t.Cleanup(func() { availableMemory = orig })

	cfg := BufferConfig{SizeLimit: 1 << 20}
	limit, err := cfg.EffectiveSizeLimit()
	require.NoError(t, err)
	assert.Equal(t, int64(1<<20), limit)

	availableMemory = func() (uint64, error) { return 1 << 30, nil }
	cfg.SizeLimitMemoryFraction = 0.25
	limit, err = cfg.EffectiveSizeLimit()
	require.NoError(t, err)
	assert.Equal(t, int64(1<<28), limit)

	availableMemory = func() (uint64, error) { return 0, errors.New("no procfs") }
	_, err = cfg.EffectiveSizeLimit()
	assert.Error(t, err)
}
