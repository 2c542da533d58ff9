package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/skypro1111/udp-intercom/internal/audio"
)

// SampleSize is the number of bytes of one encoded sample
const SampleSize = 2

// ErrMalformedPayload is returned when a datagram does not hold exactly one chunk
var ErrMalformedPayload = errors.New("malformed payload")

// PayloadSize returns the encoded size of a chunk of frames x channels samples
func PayloadSize(frames, channels int) int {
	return frames * channels * SampleSize
}

// Encode serializes a chunk as little-endian 16-bit samples in interleaved order.
// Layout: [s0:2][s1:2]...[sN-1:2], no header.
func Encode(chunk audio.Chunk) []byte {
	return EncodeInto(make([]byte, len(chunk)*SampleSize), chunk)
}

// EncodeInto serializes chunk into dst, which must hold len(chunk)*2 bytes,
// and returns the written slice. It does not allocate.
func EncodeInto(dst []byte, chunk audio.Chunk) []byte {
	dst = dst[:len(chunk)*SampleSize]
	for i, s := range chunk {
		binary.LittleEndian.PutUint16(dst[i*SampleSize:], uint16(s))
	}
	return dst
}

// Decode parses a datagram payload into a chunk of frames x channels samples.
// Any payload whose length is not exactly frames*channels*2 bytes is rejected
// with ErrMalformedPayload; no other validation is performed.
func Decode(data []byte, frames, channels int) (audio.Chunk, error) {
	expected := PayloadSize(frames, channels)
	if len(data) != expected {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrMalformedPayload, expected, len(data))
	}

	chunk := make(audio.Chunk, len(data)/SampleSize)
	for i := range chunk {
		chunk[i] = int16(binary.LittleEndian.Uint16(data[i*SampleSize:]))
	}

	return chunk, nil
}
