package audio

import "time"

// Chunker cuts an interleaved PCM stream into fixed-duration chunks encoded
// as little-endian 16-bit bytes, the unit the transcription client sends
type Chunker struct {
	channels      int
	samplesPerOut int
	pending       []int16
}

// NewChunker creates a chunker emitting chunks of duration d
func NewChunker(sampleRate, channels int, d time.Duration) *Chunker {
	frames := int(int64(sampleRate) * int64(d) / int64(time.Second))
	if frames <= 0 {
		frames = 1
	}
	return &Chunker{
		channels:      channels,
		samplesPerOut: frames * channels,
	}
}

// ChunkBytes returns the byte size of one full chunk
func (c *Chunker) ChunkBytes() int {
	return c.samplesPerOut * 2
}

// Push appends interleaved samples and returns every chunk now complete
func (c *Chunker) Push(samples []int16) [][]byte {
	c.pending = append(c.pending, samples...)

	var chunks [][]byte
	for len(c.pending) >= c.samplesPerOut {
		chunks = append(chunks, EncodePCM16(c.pending[:c.samplesPerOut]))
		c.pending = c.pending[c.samplesPerOut:]
	}

	// Compact so the backing array does not grow without bound
	if len(c.pending) > 0 && cap(c.pending) > 4*c.samplesPerOut {
		c.pending = append([]int16(nil), c.pending...)
	}
	return chunks
}

// Flush returns the partial chunk, if any, trimmed to whole frames
func (c *Chunker) Flush() []byte {
	n := len(c.pending) - len(c.pending)%c.channels
	if n <= 0 {
		c.pending = nil
		return nil
	}
	out := EncodePCM16(c.pending[:n])
	c.pending = nil
	return out
}

// Pending returns the number of buffered samples
func (c *Chunker) Pending() int {
	return len(c.pending)
}
