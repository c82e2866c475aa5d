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
	"encoding/binary"
	"fmt"
	"math"
)

// PCMScale maps 16-bit samples to and from the normalized [-1, 1] range
const PCMScale = 32767.0

// Format describes the fixed stream format of a session. Samples are always
// signed 16-bit little-endian PCM, interleaved by channel.
type Format struct {
	SampleRate int
	FrameSize  int // samples per channel per read/write cycle
	Channels   int
}

// DefaultFormat returns 44.1kHz stereo with 1024-sample frames
func DefaultFormat() Format {
	return Format{
		SampleRate: 44100,
		FrameSize:  1024,
		Channels:   2,
	}
}

// Samples returns the number of interleaved samples in one frame
func (f Format) Samples() int {
	return f.FrameSize * f.Channels
}

// FrameBytes returns the size in bytes of one encoded frame
func (f Format) FrameBytes() int {
	return f.Samples() * 2
}

// Nyquist returns half the sample rate
func (f Format) Nyquist() float64 {
	return float64(f.SampleRate) / 2
}

// Validate checks that every field is usable for opening a stream
func (f Format) Validate() error {
	if f.SampleRate <= 0 {
		return fmt.Errorf("invalid sample rate: %d", f.SampleRate)
	}
	if f.FrameSize <= 0 {
		return fmt.Errorf("invalid frame size: %d", f.FrameSize)
	}
	if f.Channels <= 0 || f.Channels > 255 {
		return fmt.Errorf("invalid channel count: %d", f.Channels)
	}
	return nil
}

// DecodePCM converts little-endian 16-bit PCM bytes to samples.
// A trailing odd byte is dropped.
func DecodePCM(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(data[i*2:])) // #nosec G115 - reinterpreting two's complement
	}
	return samples
}

// EncodePCM converts samples to little-endian 16-bit PCM bytes
func EncodePCM(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(s)) // #nosec G115 - reinterpreting two's complement
	}
	return data
}

// Normalize scales samples into floats by PCMScale. -32768 maps slightly
// below -1.0, the same as every other int16/32767 conversion.
func Normalize(samples []int16) []float64 {
	out := make([]float64, len(samples))
	for i, s := range samples {
		out[i] = float64(s) / PCMScale
	}
	return out
}

// Denormalize scales floats back to 16-bit samples. Values are truncated
// toward zero and saturate at the int16 limits.
func Denormalize(samples []float64) []int16 {
	out := make([]int16, len(samples))
	for i, v := range samples {
		scaled := math.Trunc(v * PCMScale)
		switch {
		case scaled > math.MaxInt16:
			scaled = math.MaxInt16
		case scaled < math.MinInt16:
			scaled = math.MinInt16
		}
		out[i] = int16(scaled)
	}
	return out
}

// Deinterleave splits interleaved samples into one slice per channel
func Deinterleave(samples []float64, channels int) [][]float64 {
	if channels <= 1 {
		return [][]float64{samples}
	}
	perChannel := len(samples) / channels
	out := make([][]float64, channels)
	for c := range out {
		out[c] = make([]float64, perChannel)
		for i := 0; i < perChannel; i++ {
			out[c][i] = samples[i*channels+c]
		}
	}
	return out
}
