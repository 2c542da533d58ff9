package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/skypro1111/udp-intercom/internal/audio"
	"github.com/skypro1111/udp-intercom/internal/config"
	"github.com/skypro1111/udp-intercom/internal/metrics"
	"github.com/skypro1111/udp-intercom/internal/protocol"
)

var (
	// ErrBindFailure marks a socket that could not be opened on the configured port
	ErrBindFailure = errors.New("bind failure")

	// ErrSocketClosed marks a receive socket that went away while the session was running
	ErrSocketClosed = errors.New("socket closed")
)

// readErrorBackoff keeps a persistently failing socket from spinning the receive loop
const readErrorBackoff = time.Millisecond

// ChunkQueue accepts decoded chunks without blocking
type ChunkQueue interface {
	Push(chunk audio.Chunk) error
}

// Receiver reads datagrams from the peer, decodes them and feeds the playout queue
type Receiver struct {
	conn    *net.UDPConn
	config  config.Session
	queue   ChunkQueue
	logger  *slog.Logger
	metrics *metrics.Metrics

	closing atomic.Bool

	datagramsReceived atomic.Uint64
	chunksQueued      atomic.Uint64
	malformed         atomic.Uint64
	oversized         atomic.Uint64
	queueFull         atomic.Uint64
	readErrors        atomic.Uint64
}

// ReceiverStatistics represents receiver counters
type ReceiverStatistics struct {
	DatagramsReceived uint64 `json:"datagrams_received"`
	ChunksQueued      uint64 `json:"chunks_queued"`
	Malformed         uint64 `json:"malformed"`
	Oversized         uint64 `json:"oversized"`
	QueueFull         uint64 `json:"queue_full"`
	ReadErrors        uint64 `json:"read_errors"`
}

// NewReceiver binds the receive socket on all local interfaces
func NewReceiver(cfg config.Session, queue ChunkQueue, logger *slog.Logger, m *metrics.Metrics) (*Receiver, error) {
	addr, err := net.ResolveUDPAddr("udp4", cfg.ListenAddr())
	if err != nil {
		return nil, fmt.Errorf("%w: failed to resolve UDP address: %v", ErrBindFailure, err)
	}

	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to listen on %s: %v", ErrBindFailure, addr, err)
	}

	if cfg.ReceiveBufferSize > 0 {
		if err := conn.SetReadBuffer(cfg.ReceiveBufferSize); err != nil {
			logger.Warn("Failed to set UDP read buffer size",
				slog.Int("buffer_size", cfg.ReceiveBufferSize),
				slog.String("error", err.Error()),
			)
		}
	}

	logger.Info("UDP receiver bound",
		slog.String("address", conn.LocalAddr().String()),
		slog.Int("max_datagram_size", cfg.MaxDatagramSize),
	)

	return &Receiver{
		conn:    conn,
		config:  cfg,
		queue:   queue,
		logger:  logger,
		metrics: m,
	}, nil
}

// LocalAddr returns the bound receive address
func (r *Receiver) LocalAddr() *net.UDPAddr {
	return r.conn.LocalAddr().(*net.UDPAddr)
}

// Run blocks receiving datagrams until the socket is closed. Cancelling ctx
// closes the socket. Malformed, oversized and overflowing datagrams are
// discarded and the loop continues. Run returns nil after Close or
// cancellation and ErrSocketClosed if the socket failed underneath it.
func (r *Receiver) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		r.Close()
	})
	defer stop()

	// One extra byte tells an oversized datagram apart from one at the ceiling
	buffer := make([]byte, r.config.MaxDatagramSize+1)

	for {
		n, remoteAddr, err := r.conn.ReadFromUDP(buffer)
		if err != nil {
			if r.closing.Load() {
				r.logger.Info("Receive loop stopping")
				return nil
			}

			if errors.Is(err, net.ErrClosed) {
				return fmt.Errorf("%w: %v", ErrSocketClosed, err)
			}

			// ICMP errors and similar are per-packet noise
			count := r.readErrors.Add(1)
			r.metrics.RecordReadError()
			if count%logEvery == 1 {
				r.logger.Warn("Failed to read UDP datagram",
					slog.Uint64("read_errors", count),
					slog.String("error", err.Error()),
				)
			}
			time.Sleep(readErrorBackoff)
			continue
		}

		r.handleDatagram(buffer[:n], remoteAddr)
	}
}

// handleDatagram decodes one datagram and pushes the chunk into the playout queue
func (r *Receiver) handleDatagram(data []byte, remoteAddr *net.UDPAddr) {
	r.datagramsReceived.Add(1)
	r.metrics.RecordReceived()

	if len(data) > r.config.MaxDatagramSize {
		count := r.oversized.Add(1)
		r.metrics.RecordOversized()
		if count%logEvery == 1 {
			r.logger.Warn("Discarding oversized datagram",
				slog.String("remote_addr", remoteAddr.String()),
				slog.Int("max_datagram_size", r.config.MaxDatagramSize),
				slog.Uint64("oversized", count),
			)
		}
		return
	}

	chunk, err := protocol.Decode(data, r.config.FramesPerChunk, r.config.NumberOfChannels)
	if err != nil {
		count := r.malformed.Add(1)
		r.metrics.RecordMalformed()
		if count%logEvery == 1 {
			r.logger.Warn("Discarding malformed datagram",
				slog.String("remote_addr", remoteAddr.String()),
				slog.Int("packet_size", len(data)),
				slog.Uint64("malformed", count),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	if err := r.queue.Push(chunk); err != nil {
		count := r.queueFull.Add(1)
		r.metrics.RecordQueueFull()
		if count%logEvery == 1 {
			r.logger.Warn("Playout queue full, dropping chunk",
				slog.String("remote_addr", remoteAddr.String()),
				slog.Uint64("dropped", count),
			)
		}
		return
	}

	r.chunksQueued.Add(1)
	r.metrics.RecordQueued()
}

// Close closes the receive socket, unblocking Run. It is safe to call more than once.
func (r *Receiver) Close() error {
	if r.closing.Swap(true) {
		return nil
	}
	return r.conn.Close()
}

// GetStatistics returns current receiver statistics
func (r *Receiver) GetStatistics() ReceiverStatistics {
	return ReceiverStatistics{
		DatagramsReceived: r.datagramsReceived.Load(),
		ChunksQueued:      r.chunksQueued.Load(),
		Malformed:         r.malformed.Load(),
		Oversized:         r.oversized.Load(),
		QueueFull:         r.queueFull.Load(),
		ReadErrors:        r.readErrors.Load(),
	}
}
