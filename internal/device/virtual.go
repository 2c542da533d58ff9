package device

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

// Virtual is a clocked software device. Every block period it captures a sine
// tone (or silence when ToneHz is zero) and hands the played block to Playback
// if set. It needs no hardware, which makes the intercom runnable headless.
type Virtual struct {
	ToneHz    float64
	Amplitude int16
	Playback  func(out []int16)
}

// NewVirtual creates a virtual backend capturing a tone at toneHz
func NewVirtual(toneHz float64) *Virtual {
	return &Virtual{
		ToneHz:    toneHz,
		Amplitude: 8192,
	}
}

type virtualStream struct {
	backend *Virtual
	params  Params
	cb      Callback
	period  time.Duration

	mu      sync.Mutex
	running bool
	closed  bool
	stop    chan struct{}
	done    chan struct{}
	phase   float64
	errs    chan error
}

// Open validates params and prepares a stream clocked at the block period
func (v *Virtual) Open(params Params, cb Callback) (Stream, error) {
	if params.SampleRate <= 0 || params.FramesPerBuffer <= 0 || params.Channels <= 0 {
		return nil, errors.New("virtual device: invalid stream parameters")
	}

	period := time.Duration(params.FramesPerBuffer) * time.Second / time.Duration(params.SampleRate)
	if period <= 0 {
		return nil, fmt.Errorf("virtual device: block of %d frames at %d Hz has no usable period",
			params.FramesPerBuffer, params.SampleRate)
	}

	return &virtualStream{
		backend: v,
		params:  params,
		cb:      cb,
		period:  period,
		errs:    make(chan error, 1),
	}, nil
}

func (s *virtualStream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New("virtual device: stream closed")
	}
	if s.running {
		return nil
	}

	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.run(s.stop, s.done)
	return nil
}

func (s *virtualStream) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stop)
	done := s.done
	s.mu.Unlock()

	<-done
	return nil
}

func (s *virtualStream) Close() error {
	err := s.Stop()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return err
}

func (s *virtualStream) Err() <-chan error {
	return s.errs
}

// run plays the role of the driver's real-time thread
func (s *virtualStream) run(stop, done chan struct{}) {
	defer close(done)

	samples := s.params.FramesPerBuffer * s.params.Channels
	in := make([]int16, samples)
	out := make([]int16, samples)

	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.capture(in)
			s.cb(in, out, 0)
			if s.backend.Playback != nil {
				s.backend.Playback(out)
			}
		}
	}
}

// capture fills in with the next block of the tone, the same on every channel
func (s *virtualStream) capture(in []int16) {
	if s.backend.ToneHz == 0 {
		clear(in)
		return
	}

	step := 2 * math.Pi * s.backend.ToneHz / float64(s.params.SampleRate)
	channels := s.params.Channels
	for frame := 0; frame < s.params.FramesPerBuffer; frame++ {
		sample := int16(float64(s.backend.Amplitude) * math.Sin(s.phase))
		for ch := 0; ch < channels; ch++ {
			in[frame*channels+ch] = sample
		}
		s.phase += step
		if s.phase > 2*math.Pi {
			s.phase -= 2 * math.Pi
		}
	}
}
