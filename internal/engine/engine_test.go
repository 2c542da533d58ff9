package engine

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/skypro1111/udp-intercom/internal/audio"
	"github.com/skypro1111/udp-intercom/internal/config"
	"github.com/skypro1111/udp-intercom/internal/device"
	"github.com/skypro1111/udp-intercom/internal/metrics"
)

// fakeBackend hands the callback to the test instead of a driver thread
type fakeBackend struct {
	params  device.Params
	cb      device.Callback
	opens   int
	openErr error
	stream  *fakeStream
}

type fakeStream struct {
	started  bool
	stops    int
	closes   int
	startErr error
	errs     chan error
}

func (b *fakeBackend) Open(params device.Params, cb device.Callback) (device.Stream, error) {
	b.opens++
	if b.openErr != nil {
		return nil, b.openErr
	}
	b.params = params
	b.cb = cb
	b.stream = &fakeStream{startErr: b.stream.startErrOrNil(), errs: make(chan error, 1)}
	return b.stream, nil
}

func (s *fakeStream) startErrOrNil() error {
	if s == nil {
		return nil
	}
	return s.startErr
}

func (s *fakeStream) Start() error {
	if s.startErr != nil {
		return s.startErr
	}
	s.started = true
	return nil
}

func (s *fakeStream) Stop() error       { s.stops++; return nil }
func (s *fakeStream) Close() error      { s.closes++; return nil }
func (s *fakeStream) Err() <-chan error { return s.errs }

type recordingSender struct {
	sent []audio.Chunk
}

func (r *recordingSender) Send(chunk audio.Chunk) {
	r.sent = append(r.sent, chunk.Clone())
}

type recordingTap struct {
	chunks []audio.Chunk
}

func (r *recordingTap) Record(chunk audio.Chunk) {
	r.chunks = append(r.chunks, chunk.Clone())
}

func testSession() config.Session {
	cfg := config.DefaultSession()
	cfg.FramesPerChunk = 4
	cfg.NumberOfChannels = 2
	return cfg
}

func newTestEngine(backend device.Backend, sender ChunkSender, source ChunkSource) (*Engine, *metrics.Metrics) {
	m := metrics.New(prometheus.NewRegistry())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(testSession(), backend, sender, source, logger, m), m
}

func TestEngineStartOpensStreamWithChunkPeriod(t *testing.T) {
	backend := &fakeBackend{}
	e, _ := newTestEngine(backend, &recordingSender{}, audio.NewPlayoutQueue(4, 8))

	require.Equal(t, Stopped, e.State())
	require.Nil(t, e.Err())

	require.NoError(t, e.Start())
	require.Equal(t, Running, e.State())
	require.Equal(t, device.Params{SampleRate: 44100, FramesPerBuffer: 4, Channels: 2}, backend.params)
	require.True(t, backend.stream.started)
	require.NotNil(t, e.Err())

	// Starting again is a no-op
	require.NoError(t, e.Start())
	require.Equal(t, 1, backend.opens)
}

func TestEngineCallbackSendsThenPlays(t *testing.T) {
	backend := &fakeBackend{}
	sender := &recordingSender{}
	queue := audio.NewPlayoutQueue(4, 8)
	tap := &recordingTap{}

	e, m := newTestEngine(backend, sender, queue)
	e.SetRecorder(tap)
	require.NoError(t, e.Start())

	queued := audio.Chunk{1, 2, 3, 4, 5, 6, 7, 8}
	require.NoError(t, queue.Push(queued))

	captured := []int16{10, 11, 12, 13, 14, 15, 16, 17}
	out := make([]int16, 8)
	backend.cb(captured, out, 0)

	require.Len(t, sender.sent, 1)
	require.Equal(t, audio.Chunk(captured), sender.sent[0])
	require.Equal(t, []int16(queued), out)

	// Nothing queued: silence, not a stall
	for i := range out {
		out[i] = 99
	}
	backend.cb(captured, out, 0)
	require.Equal(t, make([]int16, 8), out)

	require.Len(t, sender.sent, 2)
	require.Equal(t, []audio.Chunk{queued, audio.NewChunk(4, 2)}, tap.chunks)
	require.Equal(t, uint64(2), e.Callbacks())
	require.Equal(t, uint64(1), queue.GetStats().Underruns)
	require.Equal(t, 2.0, testutil.ToFloat64(m.Callbacks))
}

func TestEngineCountsDeviceXruns(t *testing.T) {
	backend := &fakeBackend{}
	e, m := newTestEngine(backend, &recordingSender{}, audio.NewPlayoutQueue(4, 8))
	require.NoError(t, e.Start())

	backend.cb(make([]int16, 8), make([]int16, 8), device.OutputUnderflow|device.InputOverflow)

	require.Equal(t, 1.0, testutil.ToFloat64(m.DeviceXruns.WithLabelValues("output_underflow")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.DeviceXruns.WithLabelValues("input_overflow")))
}

func TestEngineStopIsIdempotent(t *testing.T) {
	backend := &fakeBackend{}
	e, _ := newTestEngine(backend, &recordingSender{}, audio.NewPlayoutQueue(4, 8))

	require.NoError(t, e.Stop())

	require.NoError(t, e.Start())
	stream := backend.stream
	require.NoError(t, e.Stop())
	require.NoError(t, e.Stop())

	require.Equal(t, Stopped, e.State())
	require.Equal(t, 1, stream.stops)
	require.Equal(t, 1, stream.closes)
	require.Nil(t, e.Err())

	// A stopped engine can be started again
	require.NoError(t, e.Start())
	require.Equal(t, 2, backend.opens)
	require.NoError(t, e.Stop())
}

func TestEngineStartFailures(t *testing.T) {
	backend := &fakeBackend{openErr: errors.New("no such device")}
	e, _ := newTestEngine(backend, &recordingSender{}, audio.NewPlayoutQueue(4, 8))

	err := e.Start()
	require.ErrorIs(t, err, device.ErrDeviceFailure)
	require.Equal(t, Stopped, e.State())

	backend = &fakeBackend{stream: &fakeStream{startErr: errors.New("device busy")}}
	e, _ = newTestEngine(backend, &recordingSender{}, audio.NewPlayoutQueue(4, 8))

	err = e.Start()
	require.ErrorIs(t, err, device.ErrDeviceFailure)
	require.Equal(t, Stopped, e.State())
	require.Equal(t, 1, backend.stream.closes)
}

func TestStateString(t *testing.T) {
	require.Equal(t, "stopped", Stopped.String())
	require.Equal(t, "running", Running.String())
	require.Equal(t, "State(7)", State(7).String())
}
