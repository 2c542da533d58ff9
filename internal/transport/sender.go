// Package transport moves audio chunks between peers: one UDP datagram per
// chunk, sent best-effort from the audio callback and received by a blocking
// loop that feeds the playout queue.
package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"

	"github.com/skypro1111/udp-intercom/internal/audio"
	"github.com/skypro1111/udp-intercom/internal/config"
	"github.com/skypro1111/udp-intercom/internal/metrics"
	"github.com/skypro1111/udp-intercom/internal/protocol"
)

// ErrSendFailure marks an outgoing datagram that could not be sent.
// It is counted and logged, never returned to the audio callback.
var ErrSendFailure = errors.New("transient send failure")

// logEvery is how often a repeating per-packet anomaly is logged
const logEvery = 100

// Sender fires one datagram per captured chunk at the peer
type Sender struct {
	conn    *net.UDPConn
	peer    *net.UDPAddr
	metrics *metrics.Metrics
	logger  *slog.Logger

	// payload is reused for every datagram; Send has a single caller
	payload []byte

	sent     atomic.Uint64
	failures atomic.Uint64
}

// SenderStatistics represents sender counters
type SenderStatistics struct {
	DatagramsSent uint64 `json:"datagrams_sent"`
	SendFailures  uint64 `json:"send_failures"`
}

// NewSender resolves the peer address and opens the sending socket.
// An unresolvable peer is a configuration error.
func NewSender(cfg config.Session, logger *slog.Logger, m *metrics.Metrics) (*Sender, error) {
	peer, err := net.ResolveUDPAddr("udp4", cfg.PeerAddr())
	if err != nil {
		return nil, fmt.Errorf("%w: failed to resolve peer %s: %v", config.ErrConfiguration, cfg.PeerAddr(), err)
	}

	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open sending socket: %v", ErrBindFailure, err)
	}

	if cfg.SendBufferSize > 0 {
		if err := conn.SetWriteBuffer(cfg.SendBufferSize); err != nil {
			logger.Warn("Failed to set UDP write buffer size",
				slog.Int("buffer_size", cfg.SendBufferSize),
				slog.String("error", err.Error()),
			)
		}
	}

	logger.Info("UDP sender ready",
		slog.String("peer", peer.String()),
		slog.String("local_address", conn.LocalAddr().String()),
	)

	return &Sender{
		conn:    conn,
		peer:    peer,
		metrics: m,
		logger:  logger,
		payload: make([]byte, cfg.BytesPerChunk()),
	}, nil
}

// Send encodes chunk and transmits it to the peer. Failures are counted and
// never propagated; a lost chunk is never resent.
func (s *Sender) Send(chunk audio.Chunk) {
	if err := s.send(chunk); err != nil {
		failures := s.failures.Add(1)
		s.metrics.RecordSendFailure()
		if failures%logEvery == 1 {
			s.logger.Warn("Failed to send audio datagram",
				slog.String("peer", s.peer.String()),
				slog.Uint64("failures", failures),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	s.sent.Add(1)
	s.metrics.RecordSent()
}

func (s *Sender) send(chunk audio.Chunk) error {
	// Every datagram carries exactly one chunk of the configured length
	if want := len(s.payload) / protocol.SampleSize; len(chunk) != want {
		return fmt.Errorf("%w: chunk of %d samples, expected %d", ErrSendFailure, len(chunk), want)
	}

	payload := protocol.EncodeInto(s.payload, chunk)
	if _, err := s.conn.WriteToUDP(payload, s.peer); err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailure, err)
	}
	return nil
}

// Close closes the sending socket
func (s *Sender) Close() error {
	return s.conn.Close()
}

// GetStatistics returns current sender statistics
func (s *Sender) GetStatistics() SenderStatistics {
	return SenderStatistics{
		DatagramsSent: s.sent.Load(),
		SendFailures:  s.failures.Load(),
	}
}
