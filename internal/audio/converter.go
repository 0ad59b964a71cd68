package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// FloatToInt16 converts a [-1, 1] float sample to signed 16-bit PCM.
// Negative values scale by 0x8000 and positive by 0x7FFF so both
// extremes map onto the full int16 range.
func FloatToInt16(f float32) int16 {
	if f > 1 {
		f = 1
	} else if f < -1 {
		f = -1
	}
	if f < 0 {
		return int16(f * 0x8000)
	}
	return int16(f * 0x7FFF)
}

// EncodePCM16 encodes samples as little-endian 16-bit PCM
func EncodePCM16(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(s))
	}
	return out
}

// DecodeFloat32 decodes little-endian IEEE-754 float32 samples
func DecodeFloat32(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("float32 data length must be a multiple of 4, got %d bytes", len(data))
	}

	samples := make([]float32, len(data)/4)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return samples, nil
}

// Deinterleave splits interleaved samples into one slice per channel
func Deinterleave(samples []int16, channels int) [][]int16 {
	if channels <= 1 {
		return [][]int16{samples}
	}

	frames := len(samples) / channels
	out := make([][]int16, channels)
	for c := range out {
		out[c] = make([]int16, frames)
	}
	for i := 0; i < frames; i++ {
		for c := 0; c < channels; c++ {
			out[c][i] = samples[i*channels+c]
		}
	}
	return out
}

// CalculateRMS calculates the root mean square (RMS) of audio samples
// Useful for detecting audio levels and silence
func CalculateRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, sample := range samples {
		sum += float64(sample) * float64(sample)
	}

	return math.Sqrt(sum / float64(len(samples)))
}
