package audio

import (
	"sync"
)

// ChunkRing is a thread-safe bounded FIFO of audio chunks. Once full, each
// push evicts the oldest chunk.
type ChunkRing struct {
	chunks [][]byte
	size   int
	head   int
	count  int

	dropped int64
	mu      sync.Mutex
}

// NewChunkRing creates a ring holding at most size chunks
func NewChunkRing(size int) *ChunkRing {
	if size <= 0 {
		size = 1
	}
	return &ChunkRing{
		chunks: make([][]byte, size),
		size:   size,
	}
}

// Push appends a chunk and reports whether an older chunk was evicted
func (r *ChunkRing) Push(chunk []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	tail := (r.head + r.count) % r.size
	if r.count == r.size {
		// Full: overwrite the oldest slot and advance head
		r.chunks[r.head] = chunk
		r.head = (r.head + 1) % r.size
		r.dropped++
		return true
	}

	r.chunks[tail] = chunk
	r.count++
	return false
}

// Drain removes and returns every buffered chunk, oldest first
func (r *ChunkRing) Drain() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == 0 {
		return nil
	}

	out := make([][]byte, r.count)
	for i := 0; i < r.count; i++ {
		idx := (r.head + i) % r.size
		out[i] = r.chunks[idx]
		r.chunks[idx] = nil
	}
	r.head = 0
	r.count = 0
	return out
}

// Len returns the number of buffered chunks
func (r *ChunkRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Cap returns the ring capacity in chunks
func (r *ChunkRing) Cap() int {
	return r.size
}

// Dropped returns how many chunks have been evicted since creation
func (r *ChunkRing) Dropped() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Clear discards all buffered chunks
func (r *ChunkRing) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.chunks {
		r.chunks[i] = nil
	}
	r.head = 0
	r.count = 0
}
