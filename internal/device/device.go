// Package device is the boundary to the audio hardware. A Backend opens a
// full-duplex stream that calls back once per block with the captured samples
// and a buffer to fill for playback.
package device

import "errors"

// ErrDeviceFailure marks an unrecoverable audio stream error
var ErrDeviceFailure = errors.New("audio device failure")

// Params describes the stream requested from a backend.
// Samples are always signed 16-bit, interleaved by channel.
type Params struct {
	SampleRate      int
	FramesPerBuffer int
	Channels        int
}

// Status carries the under/overflow conditions a backend observed for one block
type Status uint8

const (
	InputUnderflow Status = 1 << iota
	InputOverflow
	OutputUnderflow
	OutputOverflow
)

// Kinds lists the names of the conditions set in s
func (s Status) Kinds() []string {
	var kinds []string
	if s&InputUnderflow != 0 {
		kinds = append(kinds, "input_underflow")
	}
	if s&InputOverflow != 0 {
		kinds = append(kinds, "input_overflow")
	}
	if s&OutputUnderflow != 0 {
		kinds = append(kinds, "output_underflow")
	}
	if s&OutputOverflow != 0 {
		kinds = append(kinds, "output_overflow")
	}
	return kinds
}

// Callback is invoked by the backend once per block from its real-time context.
// in holds FramesPerBuffer*Channels captured samples; out must be filled with
// the same number of samples to play. It must not block.
type Callback func(in, out []int16, status Status)

// Stream is an opened full-duplex audio stream
type Stream interface {
	Start() error
	Stop() error
	Close() error

	// Err delivers an unrecoverable failure of a running stream
	Err() <-chan error
}

// Backend opens streams on an audio device
type Backend interface {
	Open(params Params, cb Callback) (Stream, error)
}
