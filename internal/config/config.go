// Package config holds the YAML-backed configuration for the server and
// client commands, with sane defaults so an optional -c/--config file only
// needs to override what differs from them.
package config

import (
	"fmt"
	"os"

	"github.com/c2h5oh/datasize"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/caststream/caststream/internal/logging"
)

const DefaultPort = 8060

// ServerConfig is the configuration for the caststream server.
type ServerConfig struct {
	Logging logging.Config `yaml:"logging"`

	// ListenAddr is the TCP address to accept connections on.
	ListenAddr string `yaml:"listen_addr"`

	// MP3Path is the file streamed to every connecting client.
	MP3Path string `yaml:"mp3_path"`

	// OutputRingSize sizes the per-connection write-side ring buffer used
	// to stage the time/envelope messages (the MP3 body itself bypasses
	// this ring via FileSender).
	OutputRingSize datasize.ByteSize `yaml:"output_ring_size"`

	// HousekeepingIntervalSeconds controls the fixed-period logging tick.
	HousekeepingIntervalSeconds int `yaml:"housekeeping_interval_seconds"`
}

// DefaultServerConfig returns the default server configuration.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Logging: logging.Config{
			Level: zapcore.InfoLevel,
		},
		ListenAddr:                  fmt.Sprintf("0.0.0.0:%d", DefaultPort),
		OutputRingSize:              64 * datasize.KB,
		HousekeepingIntervalSeconds: 4,
	}
}

// LoadServerConfig loads a ServerConfig from path, overriding the defaults
// with whatever the file specifies.
func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := DefaultServerConfig()
	if path == "" {
		return cfg, nil
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(buf, cfg); err != nil {
		return nil, fmt.Errorf("failed to deserialize config: %w", err)
	}
	return cfg, nil
}

// ClientConfig is the configuration for the caststream client.
type ClientConfig struct {
	Logging logging.Config `yaml:"logging"`

	// DialAddr is the server address to connect to.
	DialAddr string `yaml:"dial_addr"`

	// InputRingSize sizes the compressed-bytes ring fed by socket reads.
	InputRingSize datasize.ByteSize `yaml:"input_ring_size"`
	// InputLowWatermark/InputHighWatermark are the input channel's
	// watermarks. The read loop does not consult them: it reads whenever the
	// ring has at least one free byte and otherwise waits on a WakeRequest.
	InputLowWatermark  datasize.ByteSize `yaml:"input_low_watermark"`
	InputHighWatermark datasize.ByteSize `yaml:"input_high_watermark"`

	// PCMRingSize sizes the decoded-audio ring feeding the sink.
	PCMRingSize      datasize.ByteSize `yaml:"pcm_ring_size"`
	PCMLowWatermark  datasize.ByteSize `yaml:"pcm_low_watermark"`
	PCMHighWatermark datasize.ByteSize `yaml:"pcm_high_watermark"`

	Audio AudioConfig `yaml:"audio"`

	// HousekeepingIntervalSeconds controls the fixed-period stats logging
	// tick (underflow count).
	HousekeepingIntervalSeconds int `yaml:"housekeeping_interval_seconds"`
}

// AudioConfig fixes the audio device parameters.
type AudioConfig struct {
	SampleRate      float64 `yaml:"sample_rate"`
	Channels        int     `yaml:"channels"`
	FramesPerBuffer int     `yaml:"frames_per_buffer"`
}

// DefaultClientConfig returns the default client configuration.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Logging: logging.Config{
			Level: zapcore.InfoLevel,
		},
		DialAddr:           fmt.Sprintf("localhost:%d", DefaultPort),
		InputRingSize:      256 * datasize.KB,
		InputLowWatermark:  16 * datasize.KB,
		InputHighWatermark: 192 * datasize.KB,
		PCMRingSize:        256 * datasize.KB,
		PCMLowWatermark:    32 * datasize.KB,
		PCMHighWatermark:   224 * datasize.KB,
		Audio: AudioConfig{
			SampleRate:      44100,
			Channels:        2,
			FramesPerBuffer: 1024,
		},
		HousekeepingIntervalSeconds: 4,
	}
}

// LoadClientConfig loads a ClientConfig from path, overriding the defaults
// with whatever the file specifies.
func LoadClientConfig(path string) (*ClientConfig, error) {
	cfg := DefaultClientConfig()
	if path == "" {
		return cfg, nil
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(buf, cfg); err != nil {
		return nil, fmt.Errorf("failed to deserialize config: %w", err)
	}
	return cfg, nil
}
