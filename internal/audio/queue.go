package audio

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrQueueFull is returned by Push when the playout queue is at capacity
var ErrQueueFull = errors.New("playout queue full")

// PlayoutQueue is the bounded FIFO of decoded chunks waiting for playback.
// One producer (the network receiver) and one consumer (the audio callback)
// use it concurrently; every operation holds the lock for O(1) work and
// neither side ever waits for the other to make progress.
type PlayoutQueue struct {
	mu    sync.Mutex
	ring  []Chunk
	head  int // index of the oldest chunk
	count int

	// silence is returned on underrun; callers must not modify it
	silence Chunk

	pushed    atomic.Uint64
	dropped   atomic.Uint64
	popped    atomic.Uint64
	underruns atomic.Uint64
}

// QueueStats represents playout queue statistics for monitoring
type QueueStats struct {
	Length    int    `json:"length"`
	Capacity  int    `json:"capacity"`
	Pushed    uint64 `json:"pushed"`
	Dropped   uint64 `json:"dropped"`
	Popped    uint64 `json:"popped"`
	Underruns uint64 `json:"underruns"`
}

// NewPlayoutQueue creates a queue holding at most capacity chunks of
// samplesPerChunk samples each
func NewPlayoutQueue(capacity, samplesPerChunk int) *PlayoutQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &PlayoutQueue{
		ring:    make([]Chunk, capacity),
		silence: make(Chunk, samplesPerChunk),
	}
}

// Push enqueues chunk without blocking. When the queue is full the new chunk
// is dropped, the existing contents are left untouched and ErrQueueFull is
// returned. The queue takes ownership of chunk.
func (q *PlayoutQueue) Push(chunk Chunk) error {
	q.mu.Lock()
	if q.count == len(q.ring) {
		q.mu.Unlock()
		q.dropped.Add(1)
		return ErrQueueFull
	}
	q.ring[(q.head+q.count)%len(q.ring)] = chunk
	q.count++
	q.mu.Unlock()

	q.pushed.Add(1)
	return nil
}

// Pop dequeues the oldest chunk without blocking; ok is false when the queue is empty
func (q *PlayoutQueue) Pop() (chunk Chunk, ok bool) {
	q.mu.Lock()
	if q.count == 0 {
		q.mu.Unlock()
		return nil, false
	}
	chunk = q.ring[q.head]
	q.ring[q.head] = nil
	q.head = (q.head + 1) % len(q.ring)
	q.count--
	q.mu.Unlock()

	q.popped.Add(1)
	return chunk, true
}

// PopOrDefault returns the oldest chunk, or a silent chunk of the configured
// length when nothing is queued. It never blocks and never fails. The silent
// chunk is shared and read-only.
func (q *PlayoutQueue) PopOrDefault() Chunk {
	if chunk, ok := q.Pop(); ok {
		return chunk
	}
	q.underruns.Add(1)
	return q.silence
}

// Len returns the number of queued chunks
func (q *PlayoutQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Capacity returns the maximum number of queued chunks
func (q *PlayoutQueue) Capacity() int {
	return len(q.ring)
}

// Reset discards every queued chunk
func (q *PlayoutQueue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.ring {
		q.ring[i] = nil
	}
	q.head = 0
	q.count = 0
}

// GetStats returns current queue statistics
func (q *PlayoutQueue) GetStats() QueueStats {
	return QueueStats{
		Length:    q.Len(),
		Capacity:  q.Capacity(),
		Pushed:    q.pushed.Load(),
		Dropped:   q.dropped.Load(),
		Popped:    q.popped.Load(),
		Underruns: q.underruns.Load(),
	}
}
