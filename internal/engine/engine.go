// Package engine drives the real-time side of the intercom: it owns the audio
// stream and, once per device period, sends the captured chunk to the peer and
// fills the playback buffer from the playout queue.
package engine

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skypro1111/udp-intercom/internal/audio"
	"github.com/skypro1111/udp-intercom/internal/config"
	"github.com/skypro1111/udp-intercom/internal/device"
	"github.com/skypro1111/udp-intercom/internal/metrics"
)

// State of the audio engine
type State int32

const (
	Stopped State = iota
	Running
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Running:
		return "running"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// ChunkSender transmits a captured chunk without blocking. It must not retain chunk.
type ChunkSender interface {
	Send(chunk audio.Chunk)
}

// ChunkSource yields the next chunk to play, or silence, without blocking
type ChunkSource interface {
	PopOrDefault() audio.Chunk
}

// ChunkRecorder receives a copy of every played chunk without blocking
type ChunkRecorder interface {
	Record(chunk audio.Chunk)
}

// Engine owns the audio device stream and its periodic callback
type Engine struct {
	config   config.Session
	backend  device.Backend
	sender   ChunkSender
	source   ChunkSource
	recorder ChunkRecorder
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu     sync.Mutex
	state  atomic.Int32
	stream device.Stream

	callbacks atomic.Uint64
}

// New creates a stopped engine
func New(cfg config.Session, backend device.Backend, sender ChunkSender, source ChunkSource,
	logger *slog.Logger, m *metrics.Metrics) *Engine {
	return &Engine{
		config:  cfg,
		backend: backend,
		sender:  sender,
		source:  source,
		metrics: m,
		logger:  logger,
	}
}

// SetRecorder attaches a recorder for played chunks. It must be called before Start.
func (e *Engine) SetRecorder(r ChunkRecorder) {
	e.recorder = r
}

// Start opens the bidirectional stream with a period of frames_per_chunk frames
// and begins invoking the callback. Starting a running engine does nothing.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.State() == Running {
		return nil
	}

	params := device.Params{
		SampleRate:      e.config.FramesPerSecond,
		FramesPerBuffer: e.config.FramesPerChunk,
		Channels:        e.config.NumberOfChannels,
	}

	stream, err := e.backend.Open(params, e.process)
	if err != nil {
		return fmt.Errorf("%w: %v", device.ErrDeviceFailure, err)
	}

	if err := stream.Start(); err != nil {
		stream.Close()
		return fmt.Errorf("%w: %v", device.ErrDeviceFailure, err)
	}

	e.stream = stream
	e.state.Store(int32(Running))

	e.logger.Info("Audio stream started",
		slog.Int("sample_rate", params.SampleRate),
		slog.Int("frames_per_buffer", params.FramesPerBuffer),
		slog.Int("channels", params.Channels),
		slog.Duration("period", e.config.ChunkPeriod()),
	)

	return nil
}

// Stop tears down the stream. Stopping a stopped engine does nothing.
func (e *Engine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.State() == Stopped {
		return nil
	}

	stopErr := e.stream.Stop()
	closeErr := e.stream.Close()
	e.stream = nil
	e.state.Store(int32(Stopped))

	e.logger.Info("Audio stream stopped", slog.Uint64("callbacks", e.callbacks.Load()))

	if stopErr != nil {
		return fmt.Errorf("failed to stop audio stream: %w", stopErr)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close audio stream: %w", closeErr)
	}
	return nil
}

// State returns the current engine state
func (e *Engine) State() State {
	return State(e.state.Load())
}

// Err delivers an unrecoverable failure of the running stream.
// It returns nil while the engine is stopped.
func (e *Engine) Err() <-chan error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stream == nil {
		return nil
	}
	return e.stream.Err()
}

// Callbacks returns the number of device periods served
func (e *Engine) Callbacks() uint64 {
	return e.callbacks.Load()
}

// process is the real-time callback: send the capture, then play the next chunk.
// It never blocks and never logs.
func (e *Engine) process(in, out []int16, status device.Status) {
	start := time.Now()

	if status != 0 {
		for _, kind := range status.Kinds() {
			e.metrics.RecordDeviceXrun(kind)
		}
	}

	e.sender.Send(in)

	chunk := e.source.PopOrDefault()
	if n := copy(out, chunk); n < len(out) {
		clear(out[n:])
	}

	if e.recorder != nil {
		e.recorder.Record(chunk)
	}

	e.callbacks.Add(1)
	e.metrics.RecordCallback(time.Since(start).Seconds())
}
