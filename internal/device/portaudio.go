package device

import (
	"fmt"
	"log/slog"

	"github.com/gordonklaus/portaudio"
)

// PortAudio opens full-duplex streams on the default input and output devices
type PortAudio struct {
	logger *slog.Logger
}

// NewPortAudio creates a PortAudio backend
func NewPortAudio(logger *slog.Logger) *PortAudio {
	return &PortAudio{logger: logger}
}

type portAudioStream struct {
	stream *portaudio.Stream
	errs   chan error
}

// Open initializes PortAudio and opens a 16-bit stream with the requested block size
func (p *PortAudio) Open(params Params, cb Callback) (Stream, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: failed to initialize portaudio: %v", ErrDeviceFailure, err)
	}

	if in, err := portaudio.DefaultInputDevice(); err == nil {
		p.logger.Info("Input device", slog.String("name", in.Name))
	}
	if out, err := portaudio.DefaultOutputDevice(); err == nil {
		p.logger.Info("Output device", slog.String("name", out.Name))
	}

	callback := func(in, out []int16, _ portaudio.StreamCallbackTimeInfo, flags portaudio.StreamCallbackFlags) {
		cb(in, out, statusFromFlags(flags))
	}

	stream, err := portaudio.OpenDefaultStream(
		params.Channels,
		params.Channels,
		float64(params.SampleRate),
		params.FramesPerBuffer,
		callback,
	)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("%w: failed to open stream: %v", ErrDeviceFailure, err)
	}

	return &portAudioStream{
		stream: stream,
		errs:   make(chan error, 1),
	}, nil
}

func (s *portAudioStream) Start() error {
	if err := s.stream.Start(); err != nil {
		return fmt.Errorf("%w: failed to start stream: %v", ErrDeviceFailure, err)
	}
	return nil
}

func (s *portAudioStream) Stop() error {
	return s.stream.Stop()
}

func (s *portAudioStream) Close() error {
	err := s.stream.Close()
	if terr := portaudio.Terminate(); err == nil {
		err = terr
	}
	return err
}

// PortAudio reports stream failures synchronously, so nothing is ever delivered here
func (s *portAudioStream) Err() <-chan error {
	return s.errs
}

func statusFromFlags(flags portaudio.StreamCallbackFlags) Status {
	var status Status
	if flags&portaudio.InputUnderflow != 0 {
		status |= InputUnderflow
	}
	if flags&portaudio.InputOverflow != 0 {
		status |= InputOverflow
	}
	if flags&portaudio.OutputUnderflow != 0 {
		status |= OutputUnderflow
	}
	if flags&portaudio.OutputOverflow != 0 {
		status |= OutputOverflow
	}
	return status
}
