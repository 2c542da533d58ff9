package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrConfiguration marks invalid or incompatible session parameters
var ErrConfiguration = errors.New("configuration error")

// Defaults for the session parameters
const (
	DefaultNumberOfChannels = 2
	DefaultFramesPerSecond  = 44100
	DefaultFramesPerChunk   = 1024
	DefaultLocalPort        = 4444
	DefaultPeerPort         = 4444
	DefaultPeerAddress      = "localhost"
	DefaultMaxDatagramSize  = 32768
	DefaultQueueCapacity    = 100000
	DefaultPeerTimeout      = 5.0

	// BytesPerSample is the width of one signed 16-bit sample on the wire
	BytesPerSample = 2

	// maxUDPPayload is the largest payload an IPv4 UDP datagram can carry
	maxUDPPayload = 65507

	// maxPeerTimeout keeps the peer timeout well inside time.Duration
	maxPeerTimeout = 3600.0
)

// Config represents the complete intercom configuration
type Config struct {
	Session   Session         `yaml:"session"`
	Audio     AudioConfig     `yaml:"audio"`
	HTTP      HTTPConfig      `yaml:"http"`
	Recording RecordingConfig `yaml:"recording"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// Session holds the immutable parameters shared by every component of a session.
// It is passed by value; nothing mutates it after startup.
type Session struct {
	NumberOfChannels  int     `yaml:"number_of_channels" json:"number_of_channels"`
	FramesPerSecond   int     `yaml:"frames_per_second" json:"frames_per_second"`
	FramesPerChunk    int     `yaml:"frames_per_chunk" json:"frames_per_chunk"`
	LocalPort         int     `yaml:"local_port" json:"local_port"`
	PeerAddress       string  `yaml:"peer_address" json:"peer_address"`
	PeerPort          int     `yaml:"peer_port" json:"peer_port"`
	MaxDatagramSize   int     `yaml:"max_datagram_size" json:"max_datagram_size"`
	QueueCapacity     int     `yaml:"queue_capacity" json:"queue_capacity"`
	SendBufferSize    int     `yaml:"send_buffer_size" json:"send_buffer_size"`       // bytes, 0 keeps the OS default
	ReceiveBufferSize int     `yaml:"receive_buffer_size" json:"receive_buffer_size"` // bytes, 0 keeps the OS default
	PeerTimeout       float64 `yaml:"peer_timeout" json:"peer_timeout"`               // seconds of silence before the peer is reported gone, 0 disables
}

// AudioConfig selects the audio device backend
type AudioConfig struct {
	Backend string  `yaml:"backend"` // portaudio or virtual
	ToneHz  float64 `yaml:"tone_hz"` // virtual backend only, 0 captures silence
}

// HTTPConfig contains HTTP status API configuration
type HTTPConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// RecordingConfig controls the optional WAV recording of played audio
type RecordingConfig struct {
	Path          string  `yaml:"path"`
	BufferSeconds float64 `yaml:"buffer_seconds"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Audio backends
const (
	BackendPortAudio = "portaudio"
	BackendVirtual   = "virtual"
)

// Default returns the configuration used when no file or flag overrides a value
func Default() *Config {
	return &Config{
		Session: DefaultSession(),
		Audio: AudioConfig{
			Backend: BackendPortAudio,
		},
		HTTP: HTTPConfig{
			Port:    9090,
			Address: "127.0.0.1",
		},
		Recording: RecordingConfig{
			BufferSeconds: 2,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
	}
}

// DefaultSession returns the session parameters of a stock intercom
func DefaultSession() Session {
	return Session{
		NumberOfChannels: DefaultNumberOfChannels,
		FramesPerSecond:  DefaultFramesPerSecond,
		FramesPerChunk:   DefaultFramesPerChunk,
		LocalPort:        DefaultLocalPort,
		PeerAddress:      DefaultPeerAddress,
		PeerPort:         DefaultPeerPort,
		MaxDatagramSize:  DefaultMaxDatagramSize,
		QueueCapacity:    DefaultQueueCapacity,
		PeerTimeout:      DefaultPeerTimeout,
	}
}

// Load reads the configuration file on top of the defaults.
// An empty path returns the defaults unvalidated so flags can still be applied.
func Load(path string) (*Config, error) {
	config := Default()
	if path == "" {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("%w: failed to parse config file %s: %v", ErrConfiguration, path, err)
	}

	return config, nil
}

// Validate performs validation of the whole configuration
func (c *Config) Validate() error {
	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Recording.Validate(); err != nil {
		return fmt.Errorf("recording config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate checks the session invariants; a chunk must always fit one datagram
func (s Session) Validate() error {
	if s.NumberOfChannels < 1 {
		return fmt.Errorf("%w: number_of_channels must be at least 1, got %d", ErrConfiguration, s.NumberOfChannels)
	}

	if s.FramesPerSecond < 1 {
		return fmt.Errorf("%w: frames_per_second must be positive, got %d", ErrConfiguration, s.FramesPerSecond)
	}

	if s.FramesPerChunk < 1 {
		return fmt.Errorf("%w: frames_per_chunk must be at least 1, got %d", ErrConfiguration, s.FramesPerChunk)
	}

	// Port 0 binds an ephemeral port
	if s.LocalPort < 0 || s.LocalPort > 65535 {
		return fmt.Errorf("%w: local_port must be between 0 and 65535, got %d", ErrConfiguration, s.LocalPort)
	}

	if s.PeerPort < 1 || s.PeerPort > 65535 {
		return fmt.Errorf("%w: peer_port must be between 1 and 65535, got %d", ErrConfiguration, s.PeerPort)
	}

	if s.PeerAddress == "" {
		return fmt.Errorf("%w: peer_address cannot be empty", ErrConfiguration)
	}

	if s.MaxDatagramSize < 1 || s.MaxDatagramSize > maxUDPPayload {
		return fmt.Errorf("%w: max_datagram_size must be between 1 and %d bytes, got %d",
			ErrConfiguration, maxUDPPayload, s.MaxDatagramSize)
	}

	// Divide before multiplying so huge frame or channel counts cannot wrap around
	if s.NumberOfChannels > s.MaxDatagramSize/BytesPerSample ||
		s.FramesPerChunk > s.MaxDatagramSize/(s.NumberOfChannels*BytesPerSample) {
		return fmt.Errorf("%w: chunk of %d frames x %d channels exceeds max_datagram_size %d",
			ErrConfiguration, s.FramesPerChunk, s.NumberOfChannels, s.MaxDatagramSize)
	}

	if s.ChunkPeriod() <= 0 {
		return fmt.Errorf("%w: frames_per_second %d is too high for a chunk of %d frames",
			ErrConfiguration, s.FramesPerSecond, s.FramesPerChunk)
	}

	if s.QueueCapacity < 1 {
		return fmt.Errorf("%w: queue_capacity must be at least 1, got %d", ErrConfiguration, s.QueueCapacity)
	}

	if s.SendBufferSize < 0 || s.ReceiveBufferSize < 0 {
		return fmt.Errorf("%w: socket buffer sizes cannot be negative", ErrConfiguration)
	}

	// Also rejects NaN
	if !(s.PeerTimeout >= 0) {
		return fmt.Errorf("%w: peer_timeout cannot be negative, got %f", ErrConfiguration, s.PeerTimeout)
	}

	if s.PeerTimeout > maxPeerTimeout {
		return fmt.Errorf("%w: peer_timeout cannot exceed %.0f seconds, got %f", ErrConfiguration, maxPeerTimeout, s.PeerTimeout)
	}

	if s.PeerTimeout > 0 && s.GetPeerTimeout() < s.ChunkPeriod() {
		return fmt.Errorf("%w: peer_timeout %s is shorter than one chunk period %s",
			ErrConfiguration, s.GetPeerTimeout(), s.ChunkPeriod())
	}

	return nil
}

// Validate validates the audio backend selection
func (a *AudioConfig) Validate() error {
	switch a.Backend {
	case BackendPortAudio, BackendVirtual:
	default:
		return fmt.Errorf("%w: backend must be '%s' or '%s', got '%s'",
			ErrConfiguration, BackendPortAudio, BackendVirtual, a.Backend)
	}

	if a.ToneHz < 0 {
		return fmt.Errorf("%w: tone_hz cannot be negative, got %f", ErrConfiguration, a.ToneHz)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Enabled {
		if h.Port < 1 || h.Port > 65535 {
			return fmt.Errorf("%w: http port must be between 1 and 65535, got %d", ErrConfiguration, h.Port)
		}

		if h.Address == "" {
			return fmt.Errorf("%w: http address cannot be empty when HTTP is enabled", ErrConfiguration)
		}
	}

	return nil
}

// Validate validates recording configuration
func (r *RecordingConfig) Validate() error {
	if r.Path != "" && r.BufferSeconds <= 0 {
		return fmt.Errorf("%w: buffer_seconds must be positive, got %f", ErrConfiguration, r.BufferSeconds)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("%w: level must be one of [debug, info, warn, error], got '%s'", ErrConfiguration, l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("%w: format must be 'json' or 'text', got '%s'", ErrConfiguration, l.Format)
	}

	return nil
}

// SamplesPerChunk returns the number of interleaved samples in one chunk
func (s Session) SamplesPerChunk() int {
	return s.FramesPerChunk * s.NumberOfChannels
}

// BytesPerChunk returns the encoded size of one chunk
func (s Session) BytesPerChunk() int {
	return s.SamplesPerChunk() * BytesPerSample
}

// ChunkPeriod returns the time budget of one chunk at the configured rate
func (s Session) ChunkPeriod() time.Duration {
	return time.Duration(s.FramesPerChunk) * time.Second / time.Duration(s.FramesPerSecond)
}

// ListenAddr returns the local receive endpoint on all interfaces
func (s Session) ListenAddr() string {
	return net.JoinHostPort("0.0.0.0", strconv.Itoa(s.LocalPort))
}

// PeerAddr returns the destination endpoint of outgoing datagrams
func (s Session) PeerAddr() string {
	return net.JoinHostPort(s.PeerAddress, strconv.Itoa(s.PeerPort))
}

// GetPeerTimeout returns the peer timeout as a time.Duration
func (s Session) GetPeerTimeout() time.Duration {
	return time.Duration(s.PeerTimeout * float64(time.Second))
}
