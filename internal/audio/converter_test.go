package audio

import (
	"encoding/binary"
	"math"
	"testing"
)

func TestFloatToInt16(t *testing.T) {
	tests := []struct {
		in   float32
		want int16
	}{
		{0, 0},
		{1, 32767},
		{-1, -32768},
		{0.5, 16383},
		{-0.5, -16384},
		{2, 32767},   // clipped
		{-3, -32768}, // clipped
	}

	for _, tt := range tests {
		if got := FloatToInt16(tt.in); got != tt.want {
			t.Errorf("FloatToInt16(%v): expected %d, got %d", tt.in, tt.want, got)
		}
	}
}

func TestEncodePCM16(t *testing.T) {
	samples := []int16{0, 1, -1, 32767, -32768}
	data := EncodePCM16(samples)

	if len(data) != len(samples)*2 {
		t.Fatalf("Expected %d bytes, got %d", len(samples)*2, len(data))
	}
	// 1 little-endian
	if data[2] != 0x01 || data[3] != 0x00 {
		t.Errorf("Expected little-endian encoding of 1, got % x", data[2:4])
	}
	for i, want := range samples {
		if got := int16(binary.LittleEndian.Uint16(data[i*2:])); got != want {
			t.Errorf("Sample %d: expected %d, got %d", i, want, got)
		}
	}
}

func TestDecodeFloat32(t *testing.T) {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint32(data[0:], math.Float32bits(0.25))
	binary.LittleEndian.PutUint32(data[4:], math.Float32bits(-1))

	got, err := DecodeFloat32(data)
	if err != nil {
		t.Fatalf("DecodeFloat32 failed: %v", err)
	}
	if len(got) != 2 || got[0] != 0.25 || got[1] != -1 {
		t.Errorf("Expected [0.25 -1], got %v", got)
	}

	if _, err := DecodeFloat32([]byte{1, 2, 3}); err == nil {
		t.Error("Expected error for misaligned float32 data")
	}
}

func TestDeinterleave(t *testing.T) {
	got := Deinterleave([]int16{1, 10, 2, 20, 3, 30}, 2)

	if len(got) != 2 {
		t.Fatalf("Expected 2 channels, got %d", len(got))
	}
	for i, want := range []int16{1, 2, 3} {
		if got[0][i] != want {
			t.Errorf("Channel 0 frame %d: expected %d, got %d", i, want, got[0][i])
		}
		if got[1][i] != want*10 {
			t.Errorf("Channel 1 frame %d: expected %d, got %d", i, want*10, got[1][i])
		}
	}
}

func TestCalculateRMS(t *testing.T) {
	samples := []int16{1000, -1000, 1000, -1000}
	rms := CalculateRMS(samples)
	if rms < 999.0 || rms > 1001.0 {
		t.Errorf("Expected RMS around 1000, got %.2f", rms)
	}
}

func TestCalculateRMS_Empty(t *testing.T) {
	if rms := CalculateRMS(nil); rms != 0.0 {
		t.Errorf("Expected RMS 0.0 for empty samples, got %.2f", rms)
	}
}
