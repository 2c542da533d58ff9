// Package session assembles one intercom session from its configuration and
// owns its lifecycle: the playout queue, the network sender and receiver, the
// audio engine and the optional playback recording.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/skypro1111/udp-intercom/internal/audio"
	"github.com/skypro1111/udp-intercom/internal/config"
	"github.com/skypro1111/udp-intercom/internal/device"
	"github.com/skypro1111/udp-intercom/internal/engine"
	"github.com/skypro1111/udp-intercom/internal/metrics"
	"github.com/skypro1111/udp-intercom/internal/transport"
)

// minPeerPoll bounds how often the peer watcher samples the receive counters
const minPeerPoll = time.Millisecond

// Session is one running intercom between this host and a single peer
type Session struct {
	config   *config.Config
	logger   *slog.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	queue    *audio.PlayoutQueue
	sender   *transport.Sender
	receiver *transport.Receiver
	engine   *engine.Engine
	recorder *audio.Recorder

	startTime  time.Time
	peerActive atomic.Bool
	closeOnce  sync.Once
}

// Stats is a snapshot of the session counters
type Stats struct {
	State      string                       `json:"state"`
	Uptime     string                       `json:"uptime"`
	PeerActive bool                         `json:"peer_active"`
	Callbacks  uint64                       `json:"callbacks"`
	Sender     transport.SenderStatistics   `json:"sender"`
	Receiver   transport.ReceiverStatistics `json:"receiver"`
	Queue      audio.QueueStats             `json:"queue"`
	Recorder   *audio.RecorderStats         `json:"recorder,omitempty"`
}

// New validates cfg and builds every component of the session. The receive
// socket is bound here, so a port conflict surfaces before any audio flows.
// Errors wrap config.ErrConfiguration, transport.ErrBindFailure or a
// recording failure.
func New(cfg *config.Config, backend device.Backend, logger *slog.Logger) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	sc := cfg.Session

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)

	queue := audio.NewPlayoutQueue(sc.QueueCapacity, sc.SamplesPerChunk())
	m.TrackQueue(queue.GetStats)

	sender, err := transport.NewSender(sc, logger.With(slog.String("component", "sender")), m)
	if err != nil {
		return nil, err
	}

	receiver, err := transport.NewReceiver(sc, queue, logger.With(slog.String("component", "receiver")), m)
	if err != nil {
		sender.Close()
		return nil, err
	}

	s := &Session{
		config:    cfg,
		logger:    logger,
		registry:  registry,
		metrics:   m,
		queue:     queue,
		sender:    sender,
		receiver:  receiver,
		startTime: time.Now(),
	}

	s.engine = engine.New(sc, backend, sender, queue, logger.With(slog.String("component", "engine")), m)

	if cfg.Recording.Path != "" {
		bufferBytes := int(cfg.Recording.BufferSeconds * float64(sc.FramesPerSecond*sc.NumberOfChannels*config.BytesPerSample))
		recorder, err := audio.NewRecorder(cfg.Recording.Path, sc.FramesPerSecond, sc.NumberOfChannels,
			bufferBytes, logger.With(slog.String("component", "recorder")))
		if err != nil {
			receiver.Close()
			sender.Close()
			return nil, err
		}
		s.recorder = recorder
		s.engine.SetRecorder(recorder)
	}

	logger.Info("Session configured",
		slog.Int("number_of_channels", sc.NumberOfChannels),
		slog.Int("frames_per_second", sc.FramesPerSecond),
		slog.Int("frames_per_chunk", sc.FramesPerChunk),
		slog.Int("samples_per_chunk", sc.SamplesPerChunk()),
		slog.Int("bytes_per_chunk", sc.BytesPerChunk()),
		slog.Duration("chunk_period", sc.ChunkPeriod()),
		slog.Int("local_port", receiver.LocalAddr().Port),
		slog.String("peer_address", sc.PeerAddress),
		slog.Int("peer_port", sc.PeerPort),
		slog.Int("queue_capacity", sc.QueueCapacity),
	)

	return s, nil
}

// Run starts the receive loop and the audio engine and blocks until ctx is
// cancelled or a component fails. The session is torn down before Run
// returns. Cancellation is a clean stop and returns nil; a failing device
// returns an error wrapping device.ErrDeviceFailure and a receive socket that
// goes away returns one wrapping transport.ErrSocketClosed.
func (s *Session) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.receiver.Run(gctx)
	})

	g.Go(func() error {
		if err := s.engine.Start(); err != nil {
			return err
		}

		select {
		case <-gctx.Done():
			return nil
		case err := <-s.engine.Err():
			return fmt.Errorf("%w: %v", device.ErrDeviceFailure, err)
		}
	})

	if timeout := s.config.Session.GetPeerTimeout(); timeout > 0 {
		g.Go(func() error {
			s.watchPeer(gctx, timeout)
			return nil
		})
	}

	s.logger.Info("Session running",
		slog.String("listen_address", s.receiver.LocalAddr().String()),
		slog.String("peer", s.config.Session.PeerAddr()),
	)

	err := g.Wait()
	if err != nil {
		s.logger.Error("Session failed", slog.String("error", err.Error()))
	}

	if closeErr := s.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	return err
}

// watchPeer reports when audio from the peer starts and when it has been
// missing for longer than timeout
func (s *Session) watchPeer(ctx context.Context, timeout time.Duration) {
	ticker := time.NewTicker(max(timeout/4, minPeerPoll))
	defer ticker.Stop()

	last := s.receiver.GetStatistics().ChunksQueued
	lastSeen := time.Now()

	for {
		select {
		case <-ctx.Done():
			return

		case now := <-ticker.C:
			queued := s.receiver.GetStatistics().ChunksQueued
			if queued != last {
				last = queued
				lastSeen = now
				if !s.peerActive.Swap(true) {
					s.logger.Info("Receiving audio from peer", slog.String("peer", s.config.Session.PeerAddr()))
				}
				continue
			}

			if now.Sub(lastSeen) >= timeout && s.peerActive.Swap(false) {
				s.logger.Warn("No audio received from peer",
					slog.String("peer", s.config.Session.PeerAddr()),
					slog.Duration("silent_for", now.Sub(lastSeen).Round(time.Millisecond)),
				)
			}
		}
	}
}

// Close stops the engine and releases the sockets and the recording. It is
// safe to call more than once and on a session that never ran.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		// Engine first so the callback stops touching the sender and the queue
		errs := []error{s.engine.Stop(), s.receiver.Close(), s.sender.Close()}
		if s.recorder != nil {
			errs = append(errs, s.recorder.Close())
		}
		err = errors.Join(errs...)

		stats := s.Stats()
		s.logger.Info("Final session statistics",
			slog.Uint64("callbacks", stats.Callbacks),
			slog.Uint64("datagrams_sent", stats.Sender.DatagramsSent),
			slog.Uint64("send_failures", stats.Sender.SendFailures),
			slog.Uint64("datagrams_received", stats.Receiver.DatagramsReceived),
			slog.Uint64("chunks_queued", stats.Receiver.ChunksQueued),
			slog.Uint64("malformed", stats.Receiver.Malformed),
			slog.Uint64("oversized", stats.Receiver.Oversized),
			slog.Uint64("queue_full", stats.Receiver.QueueFull),
			slog.Uint64("read_errors", stats.Receiver.ReadErrors),
			slog.Uint64("underruns", stats.Queue.Underruns),
		)
	})
	return err
}

// Stats returns a snapshot of all session counters
func (s *Session) Stats() Stats {
	stats := Stats{
		State:      s.engine.State().String(),
		Uptime:     time.Since(s.startTime).Round(time.Millisecond).String(),
		PeerActive: s.peerActive.Load(),
		Callbacks:  s.engine.Callbacks(),
		Sender:     s.sender.GetStatistics(),
		Receiver:   s.receiver.GetStatistics(),
		Queue:      s.queue.GetStats(),
	}
	if s.recorder != nil {
		rs := s.recorder.GetStats()
		stats.Recorder = &rs
	}
	return stats
}

// State returns the audio engine state
func (s *Session) State() engine.State {
	return s.engine.State()
}

// Queue returns the playout queue of received chunks
func (s *Session) Queue() *audio.PlayoutQueue {
	return s.queue
}

// LocalAddr returns the bound receive address
func (s *Session) LocalAddr() string {
	return s.receiver.LocalAddr().String()
}

// LocalPort returns the bound receive port
func (s *Session) LocalPort() int {
	return s.receiver.LocalAddr().Port
}

// Config returns the configuration the session was built from
func (s *Session) Config() *config.Config {
	return s.config
}

// Gatherer exposes the session's metrics registry for scraping
func (s *Session) Gatherer() prometheus.Gatherer {
	return s.registry
}

// Metrics returns the session's collectors
func (s *Session) Metrics() *metrics.Metrics {
	return s.metrics
}
