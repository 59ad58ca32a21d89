// ABOUTME: YAML configuration parsing with environment overrides
// ABOUTME: Defines listen, fetch, transcode, buffering, and logging settings
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override, e.g. AUDIOPROXY_LISTEN_PORT.
const EnvPrefix = "AUDIOPROXY_"

type Config struct {
	Listen    ListenConfig    `yaml:"listen" envPrefix:"LISTEN_"`
	Fetch     FetchConfig     `yaml:"fetch" envPrefix:"FETCH_"`
	Transcode TranscodeConfig `yaml:"transcode" envPrefix:"TRANSCODE_"`
	Buffering BufferingConfig `yaml:"buffering" envPrefix:"BUFFERING_"`
	Response  ResponseConfig  `yaml:"response" envPrefix:"RESPONSE_"`
	Logging   LoggingConfig   `yaml:"logging" envPrefix:"LOGGING_"`
	Metrics   MetricsConfig   `yaml:"metrics" envPrefix:"METRICS_"`
}

type ListenConfig struct {
	Host string `yaml:"host" env:"HOST"`
	Port int    `yaml:"port" env:"PORT"`
}

type FetchConfig struct {
	ConnectTimeoutMs int               `yaml:"connect_timeout_ms" env:"CONNECT_TIMEOUT_MS"`
	HeaderTimeoutMs  int               `yaml:"header_timeout_ms" env:"HEADER_TIMEOUT_MS"`
	IdleTimeoutMs    int               `yaml:"idle_timeout_ms" env:"IDLE_TIMEOUT_MS"`
	UserAgent        string            `yaml:"user_agent" env:"USER_AGENT"`
	RequestHeaders   map[string]string `yaml:"request_headers" env:"REQUEST_HEADERS"`
}

type TranscodeConfig struct {
	FFmpegPath  string `yaml:"ffmpeg_path" env:"FFMPEG_PATH"`
	Codec       string `yaml:"codec" env:"CODEC"`
	Bitrate     string `yaml:"bitrate" env:"BITRATE"`
	SampleRate  int    `yaml:"sample_rate" env:"SAMPLE_RATE"`
	Channels    int    `yaml:"channels" env:"CHANNELS"`
	KillGraceMs int    `yaml:"kill_grace_ms" env:"KILL_GRACE_MS"`
}

type BufferingConfig struct {
	PipeBytes  int `yaml:"pipe_bytes" env:"PIPE_BYTES"`
	ChunkBytes int `yaml:"chunk_bytes" env:"CHUNK_BYTES"`
}

type ResponseConfig struct {
	// PropagateUpstreamStatus answers a failed fetch with the upstream 4xx/5xx instead of 500.
	PropagateUpstreamStatus bool `yaml:"propagate_upstream_status" env:"PROPAGATE_UPSTREAM_STATUS"`
}

type LoggingConfig struct {
	Level string `yaml:"level" env:"LEVEL"`
	JSON  bool   `yaml:"json" env:"JSON"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Path    string `yaml:"path" env:"PATH"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Host: "0.0.0.0", Port: 8000},
		Fetch: FetchConfig{
			ConnectTimeoutMs: 10000,
			HeaderTimeoutMs:  15000,
			IdleTimeoutMs:    30000,
			UserAgent:        "audioproxy/1.0",
		},
		Transcode: TranscodeConfig{
			FFmpegPath:  "ffmpeg",
			Codec:       "libmp3lame",
			Bitrate:     "192k",
			SampleRate:  44100,
			Channels:    2,
			KillGraceMs: 2000,
		},
		Buffering: BufferingConfig{
			PipeBytes:  262144,
			ChunkBytes: 32768,
		},
		Logging: LoggingConfig{Level: "info"},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
	}
}

// Load reads the YAML file over the defaults, then applies .env and
// environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	if c.Fetch.ConnectTimeoutMs < 0 || c.Fetch.HeaderTimeoutMs < 0 || c.Fetch.IdleTimeoutMs < 0 {
		errs = append(errs, errors.New("fetch timeouts must not be negative"))
	}
	if c.Transcode.Codec == "" {
		errs = append(errs, errors.New("transcode.codec is required"))
	}
	if c.Transcode.Channels < 0 || c.Transcode.SampleRate < 0 {
		errs = append(errs, errors.New("transcode.channels and transcode.sample_rate must not be negative"))
	}
	if c.Buffering.PipeBytes <= 0 {
		errs = append(errs, fmt.Errorf("buffering.pipe_bytes must be positive, got %d", c.Buffering.PipeBytes))
	}
	if c.Buffering.ChunkBytes <= 0 || c.Buffering.ChunkBytes > c.Buffering.PipeBytes {
		errs = append(errs, fmt.Errorf("buffering.chunk_bytes must be in (0, pipe_bytes], got %d", c.Buffering.ChunkBytes))
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		errs = append(errs, fmt.Errorf("metrics.path must start with /, got %q", c.Metrics.Path))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Listen.Host, c.Listen.Port)
}

func (f FetchConfig) ConnectTimeout() time.Duration {
	return time.Duration(f.ConnectTimeoutMs) * time.Millisecond
}

func (f FetchConfig) HeaderTimeout() time.Duration {
	return time.Duration(f.HeaderTimeoutMs) * time.Millisecond
}

func (f FetchConfig) IdleTimeout() time.Duration {
	return time.Duration(f.IdleTimeoutMs) * time.Millisecond
}

func (t TranscodeConfig) KillGrace() time.Duration {
	return time.Duration(t.KillGraceMs) * time.Millisecond
}
