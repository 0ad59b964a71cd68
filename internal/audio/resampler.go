package audio

// Resampler converts a continuous mono float stream from a native rate to a
// target rate using linear interpolation. It keeps the fractional read
// position and the last sample of the previous block, so feeding a stream in
// arbitrary block sizes yields the same output as feeding it in one piece.
//
// A Resampler belongs to a single stream and is not safe for concurrent use.
type Resampler struct {
	ratio float64 // native samples consumed per output sample
	pos   float64 // read position relative to the next block; -1 addresses prev
	prev  float32
}

// NewResampler creates a resampler from nativeRate to targetRate
func NewResampler(nativeRate, targetRate int) *Resampler {
	ratio := 1.0
	if nativeRate > 0 && targetRate > 0 {
		ratio = float64(nativeRate) / float64(targetRate)
	}
	return &Resampler{ratio: ratio}
}

// Ratio returns nativeRate/targetRate
func (r *Resampler) Ratio() float64 {
	return r.ratio
}

// Process resamples one block and returns the output samples it completes
func (r *Resampler) Process(in []float32) []float32 {
	n := len(in)
	if n == 0 {
		return nil
	}

	// An output at position p needs samples floor(p) and floor(p)+1
	last := float64(n - 1)
	out := make([]float32, 0, int(float64(n)/r.ratio)+1)
	for r.pos < last {
		idx := int(r.pos)
		if r.pos < 0 {
			idx = -1
		}
		frac := float32(r.pos - float64(idx))

		a := r.prev
		if idx >= 0 {
			a = in[idx]
		}
		b := in[idx+1]
		out = append(out, a+(b-a)*frac)
		r.pos += r.ratio
	}

	r.pos -= float64(n)
	r.prev = in[n-1]
	return out
}

// Reset discards the carried position and anchor sample
func (r *Resampler) Reset() {
	r.pos = 0
	r.prev = 0
}
