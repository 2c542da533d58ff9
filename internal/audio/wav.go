package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// wavHeaderSize is the size of the canonical 44-byte PCM WAV header
const wavHeaderSize = 44

// WAVHeader represents the header structure of a WAV file
type WAVHeader struct {
	ChunkID       [4]byte // "RIFF"
	ChunkSize     uint32  // File size - 8 bytes
	Format        [4]byte // "WAVE"
	Subchunk1ID   [4]byte // "fmt "
	Subchunk1Size uint32  // 16 for PCM
	AudioFormat   uint16  // 1 for PCM
	NumChannels   uint16  // Number of channels
	SampleRate    uint32  // Sample rate
	ByteRate      uint32  // SampleRate * NumChannels * BitsPerSample / 8
	BlockAlign    uint16  // NumChannels * BitsPerSample / 8
	BitsPerSample uint16  // Bits per sample
	Subchunk2ID   [4]byte // "data"
	Subchunk2Size uint32  // Number of bytes in the data
}

// newWAVHeader builds a PCM-16 header for dataSize bytes of interleaved samples
func newWAVHeader(channels, sampleRate int, dataSize uint32) WAVHeader {
	numChannels := uint16(channels)
	bitsPerSample := uint16(16)

	return WAVHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		Subchunk1ID:   [4]byte{'f', 'm', 't', ' '},
		Subchunk1Size: 16,
		AudioFormat:   1, // PCM
		NumChannels:   numChannels,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate) * uint32(numChannels) * uint32(bitsPerSample) / 8,
		BlockAlign:    numChannels * bitsPerSample / 8,
		BitsPerSample: bitsPerSample,
		Subchunk2ID:   [4]byte{'d', 'a', 't', 'a'},
		Subchunk2Size: dataSize,
	}
}

// EncodeWAV encodes interleaved PCM-16 samples into WAV format
func EncodeWAV(samples []int16, sampleRate, channels int) ([]byte, error) {
	if len(samples) == 0 {
		return nil, fmt.Errorf("cannot encode empty audio samples")
	}

	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	if channels <= 0 || len(samples)%channels != 0 {
		return nil, fmt.Errorf("%d samples do not split into %d channels", len(samples), channels)
	}

	header := newWAVHeader(channels, sampleRate, uint32(len(samples)*2))

	buf := bytes.NewBuffer(make([]byte, 0, wavHeaderSize+len(samples)*2))

	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}

	if err := binary.Write(buf, binary.LittleEndian, samples); err != nil {
		return nil, fmt.Errorf("failed to write audio data: %w", err)
	}

	return buf.Bytes(), nil
}

// DecodeWAV decodes PCM-16 WAV data back to interleaved samples, sample rate and channel count
func DecodeWAV(data []byte) ([]int16, int, int, error) {
	if len(data) < wavHeaderSize {
		return nil, 0, 0, fmt.Errorf("WAV data too short: need at least %d bytes, got %d", wavHeaderSize, len(data))
	}

	buf := bytes.NewReader(data)
	var header WAVHeader

	if err := binary.Read(buf, binary.LittleEndian, &header); err != nil {
		return nil, 0, 0, fmt.Errorf("failed to read WAV header: %w", err)
	}

	if string(header.ChunkID[:]) != "RIFF" {
		return nil, 0, 0, fmt.Errorf("invalid WAV file: missing RIFF header")
	}

	if string(header.Format[:]) != "WAVE" {
		return nil, 0, 0, fmt.Errorf("invalid WAV file: missing WAVE format")
	}

	if string(header.Subchunk2ID[:]) != "data" {
		return nil, 0, 0, fmt.Errorf("invalid WAV file: missing data chunk")
	}

	if header.AudioFormat != 1 || header.BitsPerSample != 16 {
		return nil, 0, 0, fmt.Errorf("unsupported WAV encoding: format %d, %d bits", header.AudioFormat, header.BitsPerSample)
	}

	numSamples := int(header.Subchunk2Size) / 2
	if numSamples > buf.Len()/2 {
		return nil, 0, 0, fmt.Errorf("WAV data truncated: header claims %d samples, have %d", numSamples, buf.Len()/2)
	}

	samples := make([]int16, numSamples)
	if err := binary.Read(buf, binary.LittleEndian, samples); err != nil {
		return nil, 0, 0, fmt.Errorf("failed to read audio samples: %w", err)
	}

	return samples, int(header.SampleRate), int(header.NumChannels), nil
}

// WAVWriter streams PCM-16 audio of unknown length into a seekable file.
// The header sizes are patched when the writer is closed.
type WAVWriter struct {
	w          io.WriteSeeker
	channels   int
	sampleRate int
	dataSize   uint32
}

// NewWAVWriter writes a placeholder header and returns a writer positioned at the data chunk
func NewWAVWriter(w io.WriteSeeker, sampleRate, channels int) (*WAVWriter, error) {
	if err := binary.Write(w, binary.LittleEndian, newWAVHeader(channels, sampleRate, 0)); err != nil {
		return nil, fmt.Errorf("failed to write WAV header: %w", err)
	}

	return &WAVWriter{
		w:          w,
		channels:   channels,
		sampleRate: sampleRate,
	}, nil
}

// Write appends raw little-endian PCM-16 bytes
func (ww *WAVWriter) Write(p []byte) (int, error) {
	n, err := ww.w.Write(p)
	ww.dataSize += uint32(n)
	return n, err
}

// Finalize rewrites the header with the final data size
func (ww *WAVWriter) Finalize() error {
	if _, err := ww.w.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind WAV file: %w", err)
	}

	if err := binary.Write(ww.w, binary.LittleEndian, newWAVHeader(ww.channels, ww.sampleRate, ww.dataSize)); err != nil {
		return fmt.Errorf("failed to rewrite WAV header: %w", err)
	}

	_, err := ww.w.Seek(0, io.SeekEnd)
	return err
}

// DataSize returns the number of audio bytes written so far
func (ww *WAVWriter) DataSize() uint32 {
	return ww.dataSize
}
