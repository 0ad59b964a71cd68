package audio

// Channels carried by the mixed stream
const (
	ChannelMic    = 0
	ChannelSystem = 1
	MixedChannels = 2
)

// Mixer combines a microphone block and an optional system-audio block into
// interleaved 2-channel 16-bit PCM at the target rate. Channel 0 is the
// microphone, channel 1 the system audio (zeros when absent).
//
// Both channels run through their own Resampler fed with equally sized
// blocks, so the two read positions stay in lockstep even when the system
// source disappears mid-session.
type Mixer struct {
	mic *Resampler
	sys *Resampler

	zeros []float32
}

// NewMixer creates a mixer for sources captured at nativeRate
func NewMixer(nativeRate, targetRate int) *Mixer {
	return &Mixer{
		mic: NewResampler(nativeRate, targetRate),
		sys: NewResampler(nativeRate, targetRate),
	}
}

// Mix resamples one block of each source and interleaves the result.
// A nil or short system block is padded with silence; a longer one is
// truncated to the microphone block length.
func (m *Mixer) Mix(mic, sys []float32) []int16 {
	if len(mic) == 0 {
		return nil
	}

	sys = m.alignSystem(sys, len(mic))

	micOut := m.mic.Process(mic)
	sysOut := m.sys.Process(sys)

	frames := len(micOut)
	if len(sysOut) < frames {
		frames = len(sysOut)
	}

	out := make([]int16, frames*MixedChannels)
	for i := 0; i < frames; i++ {
		out[i*MixedChannels+ChannelMic] = FloatToInt16(micOut[i])
		out[i*MixedChannels+ChannelSystem] = FloatToInt16(sysOut[i])
	}
	return out
}

func (m *Mixer) alignSystem(sys []float32, n int) []float32 {
	if len(sys) == n {
		return sys
	}
	if len(sys) > n {
		return sys[:n]
	}

	if cap(m.zeros) < n {
		m.zeros = make([]float32, n)
	}
	padded := m.zeros[:n]
	copy(padded, sys)
	for i := len(sys); i < n; i++ {
		padded[i] = 0
	}
	return padded
}
