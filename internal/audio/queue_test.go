package audio

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func chunkOf(value int16, samples int) Chunk {
	c := make(Chunk, samples)
	for i := range c {
		c[i] = value
	}
	return c
}

func TestPlayoutQueueUnderrunReturnsSilence(t *testing.T) {
	q := NewPlayoutQueue(8, 2048)

	chunk := q.PopOrDefault()
	require.Len(t, chunk, 2048)
	require.True(t, chunk.IsSilent())

	// Deterministic: the same silence every time
	require.True(t, q.PopOrDefault().Equal(chunk))
	require.Equal(t, uint64(2), q.GetStats().Underruns)
	require.Equal(t, uint64(0), q.GetStats().Popped)
}

func TestPlayoutQueueFIFO(t *testing.T) {
	q := NewPlayoutQueue(8, 4)

	c1, c2, c3 := chunkOf(1, 4), chunkOf(2, 4), chunkOf(3, 4)
	require.NoError(t, q.Push(c1))
	require.NoError(t, q.Push(c2))
	require.NoError(t, q.Push(c3))
	require.Equal(t, 3, q.Len())

	require.Equal(t, c1, q.PopOrDefault())
	require.Equal(t, c2, q.PopOrDefault())
	require.Equal(t, c3, q.PopOrDefault())
	require.True(t, q.PopOrDefault().IsSilent())
	require.Equal(t, 0, q.Len())
}

func TestPlayoutQueueOverrunDropsNewest(t *testing.T) {
	q := NewPlayoutQueue(2, 4)

	require.NoError(t, q.Push(chunkOf(1, 4)))
	require.NoError(t, q.Push(chunkOf(2, 4)))

	err := q.Push(chunkOf(3, 4))
	require.ErrorIs(t, err, ErrQueueFull)
	require.Equal(t, 2, q.Len())

	// Existing contents are untouched
	require.Equal(t, chunkOf(1, 4), q.PopOrDefault())
	require.Equal(t, chunkOf(2, 4), q.PopOrDefault())

	stats := q.GetStats()
	require.Equal(t, uint64(2), stats.Pushed)
	require.Equal(t, uint64(1), stats.Dropped)
	require.Equal(t, 2, stats.Capacity)
}

func TestPlayoutQueueWrapAround(t *testing.T) {
	q := NewPlayoutQueue(3, 1)

	// Cycle through the ring several times so head wraps
	for i := int16(0); i < 10; i++ {
		require.NoError(t, q.Push(Chunk{i}))
		require.NoError(t, q.Push(Chunk{i + 100}))

		got, ok := q.Pop()
		require.True(t, ok)
		require.Equal(t, Chunk{i}, got)

		got, ok = q.Pop()
		require.True(t, ok)
		require.Equal(t, Chunk{i + 100}, got)
	}

	_, ok := q.Pop()
	require.False(t, ok)
}

func TestPlayoutQueueReset(t *testing.T) {
	q := NewPlayoutQueue(4, 2)
	require.NoError(t, q.Push(chunkOf(7, 2)))
	require.NoError(t, q.Push(chunkOf(8, 2)))

	q.Reset()

	require.Equal(t, 0, q.Len())
	require.True(t, q.PopOrDefault().IsSilent())
	require.NoError(t, q.Push(chunkOf(9, 2)))
	require.Equal(t, chunkOf(9, 2), q.PopOrDefault())
}

func TestPlayoutQueueMinimumCapacity(t *testing.T) {
	q := NewPlayoutQueue(0, 2)
	require.Equal(t, 1, q.Capacity())
	require.NoError(t, q.Push(chunkOf(1, 2)))
	require.ErrorIs(t, q.Push(chunkOf(2, 2)), ErrQueueFull)
}

func TestPlayoutQueueConcurrentProducerConsumer(t *testing.T) {
	const total = 5000
	q := NewPlayoutQueue(total, 1)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			_ = q.Push(Chunk{int16(i % 30000)})
		}
	}()

	// The consumer never blocks: it sees either data in order or silence
	next := 0
	for next < total {
		chunk, ok := q.Pop()
		if !ok {
			continue
		}
		require.Equal(t, int16(next%30000), chunk[0])
		next++
	}
	wg.Wait()

	stats := q.GetStats()
	require.Equal(t, uint64(total), stats.Pushed)
	require.Equal(t, uint64(total), stats.Popped)
	require.Equal(t, uint64(0), stats.Dropped)
}

func BenchmarkPlayoutQueuePushPop(b *testing.B) {
	q := NewPlayoutQueue(1024, 2048)
	chunk := NewChunk(1024, 2)
	for i := 0; i < b.N; i++ {
		_ = q.Push(chunk)
		_ = q.PopOrDefault()
	}
}
