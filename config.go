// Package roomcast synchronizes playout of a single PCM audio stream
// across many network-connected sinks.
package roomcast

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Session-wide PCM format. A sink that cannot match these refuses the
// session descriptor and disconnects.
const (
	SampleRate      = 48000
	Channels        = 2
	BitDepth        = 16
	ChunkDurationMs = 20

	SamplesPerFrame = SampleRate * ChunkDurationMs / 1000
	BytesPerFrame   = SamplesPerFrame * Channels * (BitDepth / 8)
)

// Tuning constants. All but PlayoutPollMs, PlayoutDrainMs and
// StatsIntervalSecs are exposed via the `info` CLI subcommand.
const (
	DefaultPort       = 8765
	SyncIntervalMs    = 1000
	SyncSamples       = 5
	TargetBufferMs    = 60
	MinBufferMs       = 30
	MaxBufferMs       = 200
	MaxDriftMs        = 5
	PlayoutPollMs     = 5
	PlayoutDrainMs    = 1
	StatsIntervalSecs = 5
)

// Config holds the handful of values an operator can override; almost
// everything else in this system is a compile-time constant (above).
type Config struct {
	Port           int
	CaptureDevice  string
	PlaybackDevice string
	ServerURL      string

	TargetBufferMs int
	MaxBufferMs    int
}

type yamlConfig struct {
	Port           int    `yaml:"port"`
	CaptureDevice  string `yaml:"capture_device"`
	PlaybackDevice string `yaml:"playback_device"`
	ServerURL      string `yaml:"server_url"`
	Buffer         struct {
		TargetMs int `yaml:"target_ms"`
		MaxMs    int `yaml:"max_ms"`
	} `yaml:"buffer"`
}

// DefaultConfig returns the built-in defaults; callers apply CLI flags
// or LoadConfig on top of this.
func DefaultConfig() Config {
	return Config{
		Port:           DefaultPort,
		TargetBufferMs: TargetBufferMs,
		MaxBufferMs:    MaxBufferMs,
	}
}

// LoadConfig reads an optional YAML override file on top of
// DefaultConfig. A missing path is not an error: the defaults apply.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file: %w", err)
	}

	if yc.Port > 0 {
		cfg.Port = yc.Port
	}
	if yc.CaptureDevice != "" {
		cfg.CaptureDevice = yc.CaptureDevice
	}
	if yc.PlaybackDevice != "" {
		cfg.PlaybackDevice = yc.PlaybackDevice
	}
	if yc.ServerURL != "" {
		cfg.ServerURL = yc.ServerURL
	}
	if yc.Buffer.TargetMs > 0 {
		cfg.TargetBufferMs = yc.Buffer.TargetMs
	}
	if yc.Buffer.MaxMs > 0 {
		cfg.MaxBufferMs = yc.Buffer.MaxMs
	}
	if cfg.MaxBufferMs < cfg.TargetBufferMs {
		return Config{}, fmt.Errorf("buffer.max_ms (%d) must be >= buffer.target_ms (%d)", cfg.MaxBufferMs, cfg.TargetBufferMs)
	}

	return cfg, nil
}

// ChunkDuration is ChunkDurationMs as a time.Duration, for callers
// that want to drive a ticker.
func ChunkDuration() time.Duration {
	return ChunkDurationMs * time.Millisecond
}

// InfoTable renders the configuration constants for the `info` CLI
// subcommand.
func InfoTable() map[string]any {
	return map[string]any{
		"sampleRate":      SampleRate,
		"channels":        Channels,
		"bitDepth":        BitDepth,
		"chunkDurationMs": ChunkDurationMs,
		"defaultPort":     DefaultPort,
		"syncIntervalMs":  SyncIntervalMs,
		"syncSamples":     SyncSamples,
		"targetBufferMs":  TargetBufferMs,
		"minBufferMs":     MinBufferMs,
		"maxBufferMs":     MaxBufferMs,
		"maxDriftMs":      MaxDriftMs,
	}
}
