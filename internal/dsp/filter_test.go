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

package dsp

import (
	"errors"
	"math"
	"math/cmplx"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDesignBandPass_PassBandAndStopBand(t *testing.T) {
	tests := []struct {
		name       string
		low, high  float64
		sampleRate float64
	}{
		{"footstep band", 200, 800, 44100},
		{"voice band", 300, 3000, 44100},
		{"48k mid band", 1000, 4000, 48000},
		{"16k low band", 100, 400, 16000},
		{"narrow sub band", 50, 100, 44100},
		{"upper band", 5000, 10000, 44100},
		{"near nyquist", 15000, 21000, 44100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			coeffs, err := DesignBandPass(tt.low, tt.high, tt.sampleRate)
			require.NoError(t, err)

			assert.Equal(t, 2*ButterworthOrder, coeffs.Order())
			assert.Len(t, coeffs.B, 2*ButterworthOrder+1)
			assert.Len(t, coeffs.A, 2*ButterworthOrder+1)
			assert.InDelta(t, 1.0, coeffs.A[0], 1e-12)

			center := coeffs.CenterHz()
			assert.Greater(t, center, tt.low)
			assert.Less(t, center, tt.high)
			assert.InDelta(t, 0.0, coeffs.GainDB(center, tt.sampleRate), 0.01, "unity gain at band centre")

			// Butterworth corners sit at -3 dB
			assert.InDelta(t, -3.01, coeffs.GainDB(tt.low, tt.sampleRate), 0.05)
			assert.InDelta(t, -3.01, coeffs.GainDB(tt.high, tt.sampleRate), 0.05)

			assert.LessOrEqual(t, coeffs.GainDB(tt.low/2, tt.sampleRate), -12.0, "octave below the band")
			if 2*tt.high < tt.sampleRate/2 {
				assert.LessOrEqual(t, coeffs.GainDB(2*tt.high, tt.sampleRate), -12.0, "octave above the band")
			}
		})
	}
}

func TestDesignBandPass_MonotonicRollOff(t *testing.T) {
	const sampleRate = 44100.0
	coeffs, err := DesignBandPass(200, 800, sampleRate)
	require.NoError(t, err)

	t.Run("above_band", func(t *testing.T) {
		prev := coeffs.GainDB(800, sampleRate)
		for f := 800 * 1.1; f < 0.95*sampleRate/2; f *= 1.1 {
			g := coeffs.GainDB(f, sampleRate)
			require.Less(t, g, prev, "gain must keep falling at %.1f Hz", f)
			prev = g
		}
	})

	t.Run("below_band", func(t *testing.T) {
		prev := coeffs.GainDB(200, sampleRate)
		for f := 200 / 1.1; f > 10; f /= 1.1 {
			g := coeffs.GainDB(f, sampleRate)
			require.Less(t, g, prev, "gain must keep falling at %.1f Hz", f)
			prev = g
		}
	})
}

func TestDesignBandPass_InvalidBands(t *testing.T) {
	tests := []struct {
		name       string
		low, high  float64
		sampleRate float64
	}{
		{"low equals high", 500, 500, 44100},
		{"low above high", 800, 200, 44100},
		{"zero low", 0, 800, 44100},
		{"negative low", -10, 800, 44100},
		{"high at nyquist", 200, 22050, 44100},
		{"high above nyquist", 200, 30000, 44100},
		{"low above nyquist", 23000, 24000, 44100},
		{"NaN corner", math.NaN(), 800, 44100},
		{"zero sample rate", 200, 800, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			coeffs, err := DesignBandPass(tt.low, tt.high, tt.sampleRate)
			require.Error(t, err)
			assert.Nil(t, coeffs)

			var bandErr *InvalidBandError
			require.True(t, errors.As(err, &bandErr), "error should be an InvalidBandError")
			assert.Equal(t, tt.sampleRate, bandErr.SampleRate)
		})
	}
}

// evalTransferFunction evaluates B/A directly, independent of the sections
func evalTransferFunction(b, a []float64, freqHz, sampleRate float64) complex128 {
	w := 2 * math.Pi * freqHz / sampleRate
	var num, den complex128
	for k := range b {
		e := cmplx.Exp(complex(0, -w*float64(k)))
		num += complex(b[k], 0) * e
		den += complex(a[k], 0) * e
	}
	return num / den
}

func TestCoefficients_TransferFunctionMatchesSections(t *testing.T) {
	const sampleRate = 44100.0
	coeffs, err := DesignBandPass(200, 800, sampleRate)
	require.NoError(t, err)

	for _, f := range []float64{150, 300, 400, 600, 1200} {
		want := coeffs.Response(f, sampleRate)
		got := evalTransferFunction(coeffs.B, coeffs.A, f, sampleRate)
		assert.InDelta(t, cmplx.Abs(want), cmplx.Abs(got), 1e-3*cmplx.Abs(want), "at %.0f Hz", f)
	}
}

func TestFilter_SilenceStaysSilent(t *testing.T) {
	coeffs, err := DesignBandPass(200, 800, 44100)
	require.NoError(t, err)

	out := coeffs.Filter(make([]float64, 1024))
	for i, v := range out {
		require.Zero(t, v, "sample %d", i)
	}
}

func TestFilter_ImpulseResponseDecays(t *testing.T) {
	coeffs, err := DesignBandPass(200, 800, 44100)
	require.NoError(t, err)

	impulse := make([]float64, 8192)
	impulse[0] = 1
	out := coeffs.Filter(impulse)

	for _, v := range out[len(out)-100:] {
		assert.Less(t, math.Abs(v), 1e-12)
	}
}

func TestFilter_DoesNotModifyInput(t *testing.T) {
	coeffs, err := DesignBandPass(200, 800, 44100)
	require.NoError(t, err)

	in := sineFrame(400, 0.5, 44100, 0, 256)
	orig := append([]float64(nil), in...)
	_ = coeffs.Filter(in)

	assert.Equal(t, orig, in)
}

func TestFilterState_MatchesSinglePass(t *testing.T) {
	coeffs, err := DesignBandPass(200, 800, 44100)
	require.NoError(t, err)

	signal := sineFrame(400, 0.5, 44100, 0, 2048)
	whole := coeffs.Filter(signal)

	var state FilterState
	first := state.Process(coeffs, signal[:1024])
	second := state.Process(coeffs, signal[1024:])
	joined := append(first, second...)

	require.Len(t, joined, len(whole))
	for i := range whole {
		require.InDelta(t, whole[i], joined[i], 1e-12, "sample %d", i)
	}

	// Filtering the second half from rest differs at the boundary
	fresh := coeffs.Filter(signal[1024:])
	assert.Greater(t, math.Abs(fresh[0]-second[0])+math.Abs(fresh[10]-second[10]), 1e-6)
}

func TestFilterState_ResetsOnNewCoefficients(t *testing.T) {
	a, err := DesignBandPass(200, 800, 44100)
	require.NoError(t, err)
	b, err := DesignBandPass(300, 900, 44100)
	require.NoError(t, err)

	signal := sineFrame(400, 0.5, 44100, 0, 512)

	var state FilterState
	_ = state.Process(a, signal)
	got := state.Process(b, signal)

	assert.Equal(t, b.Filter(signal), got, "history from other coefficients must be dropped")

	state.Reset()
	assert.Equal(t, b.Filter(signal), state.Process(b, signal))
}

func TestSpectrum_PeakInsideBand(t *testing.T) {
	const n = 8192
	coeffs, err := DesignBandPass(200, 800, 44100)
	require.NoError(t, err)

	mag := coeffs.Spectrum(n)
	require.Len(t, mag, n/2+1)

	peakHz, peakDB := coeffs.PeakHz(n)
	assert.GreaterOrEqual(t, peakHz, 200.0)
	assert.LessOrEqual(t, peakHz, 800.0)
	assert.InDelta(t, 0.0, peakDB, 0.5)

	// FFT of the impulse response agrees with the analytic response
	bin := 100
	f := float64(bin) * coeffs.SampleRate / n
	assert.InDelta(t, cmplx.Abs(coeffs.Response(f, coeffs.SampleRate)), mag[bin], 1e-6)

	assert.Nil(t, coeffs.Spectrum(1))
}
