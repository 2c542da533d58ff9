package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/skypro1111/udp-intercom/internal/audio"
	"github.com/skypro1111/udp-intercom/internal/config"
	"github.com/skypro1111/udp-intercom/internal/device"
	"github.com/skypro1111/udp-intercom/internal/engine"
	"github.com/skypro1111/udp-intercom/internal/protocol"
	"github.com/skypro1111/udp-intercom/internal/transport"
)

// manualBackend lets a test play the role of the audio driver and fire the
// callback one period at a time
type manualBackend struct {
	mu   sync.Mutex
	cb   device.Callback
	errs chan error
}

func newManualBackend() *manualBackend {
	return &manualBackend{errs: make(chan error, 1)}
}

func (b *manualBackend) Open(_ device.Params, cb device.Callback) (device.Stream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cb = cb
	return manualStream{errs: b.errs}, nil
}

// period fires one callback and returns what the engine played
func (b *manualBackend) period(t *testing.T, in []int16) []int16 {
	t.Helper()
	b.mu.Lock()
	cb := b.cb
	b.mu.Unlock()
	require.NotNil(t, cb, "stream not opened")

	out := make([]int16, len(in))
	cb(in, out, 0)
	return out
}

type manualStream struct {
	errs chan error
}

func (manualStream) Start() error        { return nil }
func (manualStream) Stop() error         { return nil }
func (manualStream) Close() error        { return nil }
func (s manualStream) Err() <-chan error { return s.errs }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(peerPort int) *config.Config {
	cfg := config.Default()
	cfg.Session.FramesPerChunk = 1024
	cfg.Session.NumberOfChannels = 2
	cfg.Session.FramesPerSecond = 44100
	cfg.Session.LocalPort = 0
	cfg.Session.PeerAddress = "127.0.0.1"
	cfg.Session.PeerPort = peerPort
	cfg.Session.QueueCapacity = 64
	return cfg
}

func ramp(n int, offset int) []int16 {
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(offset + i)
	}
	return samples
}

// runSession runs s until the test ends and checks it stopped cleanly
func runSession(t *testing.T, s *Session) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-errCh:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("session did not stop")
		}
	})

	require.Eventually(t, func() bool { return s.State() == engine.Running }, 2*time.Second, 5*time.Millisecond)
}

func dial(t *testing.T, port int) *net.UDPConn {
	t.Helper()
	conn, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestEndToEndLoopback(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	backendB := newManualBackend()
	b, err := New(testConfig(9), backendB, testLogger())
	require.NoError(t, err)
	runSession(t, b)

	backendA := newManualBackend()
	a, err := New(testConfig(b.LocalPort()), backendA, testLogger())
	require.NoError(t, err)
	runSession(t, a)

	pattern := ramp(2048, 0)
	played := backendA.period(t, pattern)
	require.Equal(t, make([]int16, 2048), played, "A has received nothing yet")

	require.Eventually(t, func() bool { return b.Queue().Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	chunk, ok := b.Queue().Pop()
	require.True(t, ok)
	require.Equal(t, audio.Chunk(pattern), chunk)
	require.Equal(t, 0, b.Queue().Len())

	require.Equal(t, uint64(1), a.Stats().Sender.DatagramsSent)
	require.Equal(t, uint64(1), b.Stats().Receiver.ChunksQueued)
	require.Equal(t, 1.0, testutil.ToFloat64(b.Metrics().ChunksQueued))
}

func TestLostDatagramPlaysSilence(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	backend := newManualBackend()
	s, err := New(testConfig(9), backend, testLogger())
	require.NoError(t, err)
	runSession(t, s)

	conn := dial(t, s.LocalPort())
	c1, c3 := ramp(2048, 0), ramp(2048, 6000)
	capture := make([]int16, 2048)

	_, err = conn.Write(protocol.Encode(c1))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.Queue().Len() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, c1, backend.period(t, capture))

	// The second chunk is lost in transit
	require.Equal(t, make([]int16, 2048), backend.period(t, capture))

	_, err = conn.Write(protocol.Encode(c3))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.Queue().Len() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, c3, backend.period(t, capture))

	stats := s.Stats()
	require.Equal(t, uint64(1), stats.Queue.Underruns)
	require.Equal(t, uint64(3), stats.Callbacks)
}

func TestMalformedDatagramIsDiscarded(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	backend := newManualBackend()
	s, err := New(testConfig(9), backend, testLogger())
	require.NoError(t, err)
	runSession(t, s)

	conn := dial(t, s.LocalPort())
	good := ramp(2048, 10)
	payload := protocol.Encode(good)

	_, err = conn.Write(payload[:len(payload)-1])
	require.NoError(t, err)
	_, err = conn.Write(payload)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return s.Stats().Receiver.DatagramsReceived == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, uint64(1), s.Stats().Receiver.Malformed)
	require.Equal(t, good, backend.period(t, make([]int16, 2048)))
}

func TestPeerActivityIsTracked(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	cfg := testConfig(9)
	cfg.Session.PeerTimeout = 0.1

	s, err := New(cfg, newManualBackend(), testLogger())
	require.NoError(t, err)
	runSession(t, s)
	require.False(t, s.Stats().PeerActive)

	conn := dial(t, s.LocalPort())
	_, err = conn.Write(protocol.Encode(ramp(2048, 0)))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return s.Stats().PeerActive }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !s.Stats().PeerActive }, 2*time.Second, 5*time.Millisecond)
}

func TestPeerWatcherPollsShortTimeouts(t *testing.T) {
	defer goleak.VerifyNone(t)

	s, err := New(testConfig(9), newManualBackend(), testLogger())
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.watchPeer(ctx, time.Nanosecond)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("peer watcher did not stop")
	}
	require.False(t, s.Stats().PeerActive)
}

func TestDeviceFailureEndsSession(t *testing.T) {
	defer goleak.VerifyNone(t)

	backend := newManualBackend()
	s, err := New(testConfig(9), backend, testLogger())
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(context.Background()) }()

	require.Eventually(t, func() bool { return s.State() == engine.Running }, 2*time.Second, 5*time.Millisecond)
	backend.errs <- errors.New("device unplugged")

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, device.ErrDeviceFailure)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not stop after device failure")
	}
	require.Equal(t, engine.Stopped, s.State())
}

func TestSessionStartupErrors(t *testing.T) {
	taken, err := New(testConfig(9), newManualBackend(), testLogger())
	require.NoError(t, err)
	defer taken.Close()

	tests := []struct {
		name    string
		modify  func(cfg *config.Config)
		wantErr error
	}{
		{
			name: "chunk larger than datagram",
			modify: func(cfg *config.Config) {
				cfg.Session.MaxDatagramSize = 4095
			},
			wantErr: config.ErrConfiguration,
		},
		{
			name: "invalid peer port",
			modify: func(cfg *config.Config) {
				cfg.Session.PeerPort = 0
			},
			wantErr: config.ErrConfiguration,
		},
		{
			name: "peer timeout shorter than a chunk",
			modify: func(cfg *config.Config) {
				cfg.Session.PeerTimeout = 3e-9
			},
			wantErr: config.ErrConfiguration,
		},
		{
			name: "chunk byte count wraps around",
			modify: func(cfg *config.Config) {
				cfg.Session.FramesPerChunk = 1 << 62
				cfg.Session.NumberOfChannels = 4
			},
			wantErr: config.ErrConfiguration,
		},
		{
			name: "port already bound",
			modify: func(cfg *config.Config) {
				cfg.Session.LocalPort = taken.LocalPort()
			},
			wantErr: transport.ErrBindFailure,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(9)
			tt.modify(cfg)

			_, err := New(cfg, newManualBackend(), testLogger())
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestRecordingCapturesPlayedAudio(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := testConfig(9)
	cfg.Session.FramesPerChunk = 4
	cfg.Recording.Path = filepath.Join(t.TempDir(), "played.wav")

	backend := newManualBackend()
	s, err := New(cfg, backend, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()
	require.Eventually(t, func() bool { return s.State() == engine.Running }, 2*time.Second, 5*time.Millisecond)

	conn := dial(t, s.LocalPort())
	chunk := ramp(8, 1)
	_, err = conn.Write(protocol.Encode(chunk))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return s.Queue().Len() == 1 }, 2*time.Second, 5*time.Millisecond)

	backend.period(t, make([]int16, 8))
	backend.period(t, make([]int16, 8))

	cancel()
	require.NoError(t, <-errCh)

	data, err := os.ReadFile(cfg.Recording.Path)
	require.NoError(t, err)

	samples, rate, channels, err := audio.DecodeWAV(data)
	require.NoError(t, err)
	require.Equal(t, 44100, rate)
	require.Equal(t, 2, channels)
	require.Equal(t, append(chunk, make([]int16, 8)...), samples)
}

func TestCloseWithoutRun(t *testing.T) {
	s, err := New(testConfig(9), newManualBackend(), testLogger())
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	stats := s.Stats()
	require.Equal(t, "stopped", stats.State)
	require.Equal(t, 64, stats.Queue.Capacity)
	require.Nil(t, stats.Recorder)
}
