package audio

// Chunk is a fixed-length block of interleaved signed 16-bit samples:
// frames_per_chunk frames of number_of_channels samples each.
// Every chunk of a session has the same length.
type Chunk []int16

// NewChunk allocates a zeroed chunk holding frames x channels samples
func NewChunk(frames, channels int) Chunk {
	return make(Chunk, frames*channels)
}

// Clone returns a copy that does not share storage with c
func (c Chunk) Clone() Chunk {
	out := make(Chunk, len(c))
	copy(out, c)
	return out
}

// IsSilent reports whether every sample is zero
func (c Chunk) IsSilent() bool {
	for _, s := range c {
		if s != 0 {
			return false
		}
	}
	return true
}

// Equal reports whether both chunks hold the same samples
func (c Chunk) Equal(other Chunk) bool {
	if len(c) != len(other) {
		return false
	}
	for i := range c {
		if c[i] != other[i] {
			return false
		}
	}
	return true
}
