/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

package audio

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodePCM(t *testing.T) {
	tests := []struct {
		name     string
		input    []byte
		expected []int16
	}{
		{
			name:     "empty input",
			input:    []byte{},
			expected: []int16{},
		},
		{
			name:     "odd number of bytes - should drop last byte",
			input:    []byte{0x00, 0x01, 0xFF},
			expected: []int16{256},
		},
		{
			name:     "negative value",
			input:    []byte{0x00, 0x80},
			expected: []int16{-32768},
		},
		{
			name:     "multiple samples",
			input:    []byte{0x00, 0x00, 0xFF, 0x7F, 0x00, 0x80, 0xFF, 0xFF},
			expected: []int16{0, 32767, -32768, -1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, DecodePCM(tt.input))
		})
	}
}

func TestEncodePCM_InverseOfDecode(t *testing.T) {
	samples := []int16{0, 1, -1, 12345, -12345, math.MaxInt16, math.MinInt16}
	assert.Equal(t, samples, DecodePCM(EncodePCM(samples)))
}

func TestNormalize(t *testing.T) {
	out := Normalize([]int16{0, 32767, -32767, -32768, 16384})

	require.Len(t, out, 5)
	assert.Equal(t, 0.0, out[0])
	assert.InDelta(t, 1.0, out[1], 1e-12)
	assert.InDelta(t, -1.0, out[2], 1e-12)
	assert.Less(t, out[3], -1.0, "-32768 sits just below -1.0")
	assert.InDelta(t, 0.5, out[4], 1e-4)
}

func TestDenormalize_Saturates(t *testing.T) {
	out := Denormalize([]float64{2.0, -2.0, 0.0, 0.5, -0.5})

	assert.Equal(t, int16(math.MaxInt16), out[0])
	assert.Equal(t, int16(math.MinInt16), out[1])
	assert.Equal(t, int16(0), out[2])
	assert.Equal(t, int16(16383), out[3], "truncated toward zero")
	assert.Equal(t, int16(-16383), out[4], "truncated toward zero")
}

func TestPCMRoundTrip_WithinOneStep(t *testing.T) {
	samples := make([]int16, 0, 65536/7+1)
	for v := math.MinInt16 + 1; v <= math.MaxInt16; v += 7 {
		samples = append(samples, int16(v))
	}

	raw := EncodePCM(samples)
	back := DecodePCM(EncodePCM(Denormalize(Normalize(DecodePCM(raw)))))

	require.Len(t, back, len(samples))
	for i := range samples {
		diff := int(samples[i]) - int(back[i])
		if diff < -1 || diff > 1 {
			t.Fatalf("sample %d: got %d, want %d (±1)", i, back[i], samples[i])
		}
	}
}

func TestDeinterleave(t *testing.T) {
	t.Run("stereo", func(t *testing.T) {
		out := Deinterleave([]float64{1, -1, 2, -2, 3, -3}, 2)
		require.Len(t, out, 2)
		assert.Equal(t, []float64{1, 2, 3}, out[0])
		assert.Equal(t, []float64{-1, -2, -3}, out[1])
	})

	t.Run("mono returns input", func(t *testing.T) {
		in := []float64{0.1, 0.2}
		out := Deinterleave(in, 1)
		require.Len(t, out, 1)
		assert.Equal(t, in, out[0])
	})
}

func TestFormat(t *testing.T) {
	f := DefaultFormat()

	assert.Equal(t, 44100, f.SampleRate)
	assert.Equal(t, 1024, f.FrameSize)
	assert.Equal(t, 2, f.Channels)
	assert.Equal(t, 2048, f.Samples())
	assert.Equal(t, 4096, f.FrameBytes())
	assert.Equal(t, 22050.0, f.Nyquist())
	assert.NoError(t, f.Validate())

	assert.Error(t, Format{SampleRate: 0, FrameSize: 1024, Channels: 2}.Validate())
	assert.Error(t, Format{SampleRate: 44100, FrameSize: 0, Channels: 2}.Validate())
	assert.Error(t, Format{SampleRate: 44100, FrameSize: 1024, Channels: 0}.Validate())
}
