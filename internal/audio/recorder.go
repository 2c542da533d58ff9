package audio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/smallnest/ringbuffer"
)

// recordSliceBytes is the most the writer copies out of the ring in one read
const recordSliceBytes = 4096

// Recorder writes every played chunk to a WAV file.
// Record is called from the audio callback and never touches the disk: chunks are
// copied into a bounded ring and a background goroutine drains the ring into the
// file. When the ring is full the chunk is dropped and counted.
type Recorder struct {
	ring    *ringbuffer.RingBuffer
	mu      sync.Mutex
	cond    *sync.Cond
	closed  bool
	scratch []byte

	file   *os.File
	wav    *WAVWriter
	logger *slog.Logger

	recorded atomic.Uint64
	dropped  atomic.Uint64
	writeErr error
	done     chan struct{}
}

// RecorderStats represents recorder statistics for monitoring
type RecorderStats struct {
	Recorded uint64 `json:"recorded_chunks"`
	Dropped  uint64 `json:"dropped_chunks"`
	Bytes    uint32 `json:"bytes_written"`
}

// NewRecorder creates the WAV file at path and starts the writer goroutine.
// bufferBytes bounds the audio held in memory between the callback and the disk.
func NewRecorder(path string, sampleRate, channels, bufferBytes int, logger *slog.Logger) (*Recorder, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create recording %s: %w", path, err)
	}

	wav, err := NewWAVWriter(file, sampleRate, channels)
	if err != nil {
		file.Close()
		return nil, err
	}

	r := &Recorder{
		ring:   ringbuffer.New(bufferBytes),
		file:   file,
		wav:    wav,
		logger: logger,
		done:   make(chan struct{}),
	}
	r.cond = sync.NewCond(&r.mu)

	go r.writeLoop()

	logger.Info("Recording played audio",
		slog.String("path", path),
		slog.Int("sample_rate", sampleRate),
		slog.Int("channels", channels),
		slog.Int("buffer_bytes", bufferBytes),
	)

	return r, nil
}

// Record queues a copy of chunk for writing. It must only be called from one goroutine.
func (r *Recorder) Record(chunk Chunk) {
	size := len(chunk) * 2
	if cap(r.scratch) < size {
		r.scratch = make([]byte, size)
	}
	buf := r.scratch[:size]
	for i, s := range chunk {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}

	r.mu.Lock()
	if r.closed || r.ring.Free() < size {
		r.mu.Unlock()
		r.dropped.Add(1)
		return
	}
	_, _ = r.ring.Write(buf)
	r.cond.Signal()
	r.mu.Unlock()

	r.recorded.Add(1)
}

// writeLoop drains the ring into the WAV file until the recorder is closed and empty.
// r.mu only guards the wait; the ring is read outside it, one slice at a time, so
// Record never waits behind a large copy.
func (r *Recorder) writeLoop() {
	defer close(r.done)

	buf := make([]byte, recordSliceBytes)
	for {
		r.mu.Lock()
		for r.ring.IsEmpty() && !r.closed {
			r.cond.Wait()
		}
		if r.ring.IsEmpty() && r.closed {
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()

		// Only this goroutine reads, so the ring cannot drain underneath us
		n, _ := r.ring.Read(buf)

		if r.writeErr != nil {
			continue
		}
		if _, err := r.wav.Write(buf[:n]); err != nil {
			r.writeErr = err
			r.logger.Error("Recording write failed, discarding further audio", slog.String("error", err.Error()))
		}
	}
}

// Close flushes pending audio, finalizes the WAV header and closes the file
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.cond.Broadcast()
	r.mu.Unlock()

	<-r.done

	finalizeErr := r.wav.Finalize()
	closeErr := r.file.Close()

	stats := r.GetStats()
	r.logger.Info("Recording closed",
		slog.Uint64("recorded_chunks", stats.Recorded),
		slog.Uint64("dropped_chunks", stats.Dropped),
		slog.Uint64("bytes_written", uint64(stats.Bytes)),
	)

	if r.writeErr != nil {
		return fmt.Errorf("recording write failed: %w", r.writeErr)
	}
	if finalizeErr != nil {
		return finalizeErr
	}
	return closeErr
}

// GetStats returns current recorder statistics
func (r *Recorder) GetStats() RecorderStats {
	stats := RecorderStats{
		Recorded: r.recorded.Load(),
		Dropped:  r.dropped.Load(),
	}
	select {
	case <-r.done:
		stats.Bytes = r.wav.DataSize()
	default:
	}
	return stats
}
