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

// Package dsp holds the per-frame signal path of the enhancer: band-pass
// design and filtering, RMS footstep detection and soft-clipped gain.
package dsp

import (
	"fmt"
	"math"
	"math/cmplx"

	"github.com/mjibson/go-dsp/fft"
)

// ButterworthOrder is the order of the analog low-pass prototype. The
// band-pass transform doubles it.
const ButterworthOrder = 4

// InvalidBandError reports corner frequencies that cannot form a band-pass
// filter at the given sample rate
type InvalidBandError struct {
	LowHz      float64
	HighHz     float64
	SampleRate float64
	Reason     string
}

func (e *InvalidBandError) Error() string {
	return fmt.Sprintf("invalid band [%g, %g] Hz at %g Hz: %s", e.LowHz, e.HighHz, e.SampleRate, e.Reason)
}

// Section is one second-order stage of the cascade, with A[0] == 1
type Section struct {
	B [3]float64
	A [3]float64
}

// Coefficients describe a designed band-pass filter. B and A are the taps of
// the full transfer function; Sections hold the same filter factored into
// second-order stages, which is what Filter and Response run on since the
// expanded polynomial loses precision for narrow low bands. A value is never
// modified after DesignBandPass returns it, so it can be shared between
// goroutines.
type Coefficients struct {
	B        []float64
	A        []float64
	Sections []Section

	LowHz      float64
	HighHz     float64
	SampleRate float64
}

// DesignBandPass computes a Butterworth band-pass filter over [lowHz, highHz].
// The analog prototype is transformed to a band-pass around the pre-warped
// corners and mapped to the z-plane with the bilinear transform.
func DesignBandPass(lowHz, highHz, sampleRate float64) (*Coefficients, error) {
	invalid := func(reason string) error {
		return &InvalidBandError{LowHz: lowHz, HighHz: highHz, SampleRate: sampleRate, Reason: reason}
	}

	nyquist := sampleRate / 2
	switch {
	case !(sampleRate > 0):
		return nil, invalid("sample rate must be positive")
	case !(lowHz > 0 && lowHz < nyquist):
		return nil, invalid("low corner must be inside (0, nyquist)")
	case !(highHz > 0 && highHz < nyquist):
		return nil, invalid("high corner must be inside (0, nyquist)")
	case lowHz >= highHz:
		return nil, invalid("low corner must be below high corner")
	}

	// Pre-warp the normalized corners so the bilinear transform lands them
	// on the requested frequencies.
	const fs = 2.0
	w1 := 2 * fs * math.Tan(math.Pi*(lowHz/nyquist)/fs)
	w2 := 2 * fs * math.Tan(math.Pi*(highHz/nyquist)/fs)
	bw := w2 - w1
	w0 := math.Sqrt(w1 * w2)

	// Analog Butterworth prototype: poles on the left half of the unit circle.
	proto := make([]complex128, ButterworthOrder)
	for k := range proto {
		m := float64(2*k - ButterworthOrder + 1)
		proto[k] = -cmplx.Exp(complex(0, math.Pi*m/(2*ButterworthOrder)))
	}

	// Low-pass to band-pass: each pole splits in two, and the prototype's
	// missing zeros land at the origin.
	poles := make([]complex128, 0, 2*ButterworthOrder)
	for _, p := range proto {
		lp := p * complex(bw/2, 0)
		root := cmplx.Sqrt(lp*lp - complex(w0*w0, 0))
		poles = append(poles, lp+root, lp-root)
	}
	zeros := make([]complex128, ButterworthOrder)
	gain := math.Pow(bw, ButterworthOrder)

	// Bilinear transform.
	fs2 := complex(2*fs, 0)
	num, den := complex(1, 0), complex(1, 0)
	digitalZeros := make([]complex128, 0, 2*ButterworthOrder)
	for _, z := range zeros {
		digitalZeros = append(digitalZeros, (fs2+z)/(fs2-z))
		num *= fs2 - z
	}
	for range len(poles) - len(zeros) {
		digitalZeros = append(digitalZeros, -1)
	}
	digitalPoles := make([]complex128, 0, len(poles))
	for _, p := range poles {
		zp := (fs2 + p) / (fs2 - p)
		if cmplx.Abs(zp) >= 1 {
			return nil, invalid("design produced an unstable pole")
		}
		digitalPoles = append(digitalPoles, zp)
		den *= fs2 - p
	}
	gain *= real(num / den)

	// Every stage gets one conjugate pole pair plus one zero at z=1 and one
	// at z=-1. The overall gain goes on the first stage.
	var sections []Section
	for _, p := range digitalPoles {
		if imag(p) <= 0 {
			continue
		}
		g := 1.0
		if len(sections) == 0 {
			g = gain
		}
		sections = append(sections, Section{
			B: [3]float64{g, 0, -g},
			A: [3]float64{1, -2 * real(p), real(p)*real(p) + imag(p)*imag(p)},
		})
	}
	if 2*len(sections) != len(digitalPoles) {
		return nil, invalid("design produced unpaired poles")
	}

	b := realPoly(digitalZeros)
	for i := range b {
		b[i] *= gain
	}

	return &Coefficients{
		B:          b,
		A:          realPoly(digitalPoles),
		Sections:   sections,
		LowHz:      lowHz,
		HighHz:     highHz,
		SampleRate: sampleRate,
	}, nil
}

// realPoly expands prod(x - r) for conjugate-paired roots and returns the
// real coefficients, highest power first
func realPoly(roots []complex128) []float64 {
	c := make([]complex128, 1, len(roots)+1)
	c[0] = 1
	for _, r := range roots {
		c = append(c, 0)
		for j := len(c) - 1; j > 0; j-- {
			c[j] -= r * c[j-1]
		}
	}
	out := make([]float64, len(c))
	for i, v := range c {
		out[i] = real(v)
	}
	return out
}

// Order returns the order of the digital filter
func (c *Coefficients) Order() int {
	return 2 * len(c.Sections)
}

// CenterHz returns the centre of the pass band, where the gain is unity.
// It is the geometric mean of the corners taken on the warped axis.
func (c *Coefficients) CenterHz() float64 {
	t1 := math.Tan(math.Pi * c.LowHz / c.SampleRate)
	t2 := math.Tan(math.Pi * c.HighHz / c.SampleRate)
	return c.SampleRate / math.Pi * math.Atan(math.Sqrt(t1*t2))
}

// Filter runs x through the filter starting from rest and returns the output.
// No history is kept between calls.
func (c *Coefficients) Filter(x []float64) []float64 {
	return c.run(x, make([][2]float64, len(c.Sections)))
}

func (c *Coefficients) run(x []float64, z [][2]float64) []float64 {
	y := make([]float64, len(x))
	copy(y, x)
	for i := range c.Sections {
		c.Sections[i].process(y, &z[i])
	}
	return y
}

// process filters buf in place in direct form II transposed
func (s *Section) process(buf []float64, z *[2]float64) {
	for i, x := range buf {
		y := s.B[0]*x + z[0]
		z[0] = s.B[1]*x + z[1] - s.A[1]*y
		z[1] = s.B[2]*x - s.A[2]*y
		buf[i] = y
	}
}

func (s *Section) response(w float64) complex128 {
	e1 := cmplx.Exp(complex(0, -w))
	e2 := e1 * e1
	num := complex(s.B[0], 0) + complex(s.B[1], 0)*e1 + complex(s.B[2], 0)*e2
	den := complex(s.A[0], 0) + complex(s.A[1], 0)*e1 + complex(s.A[2], 0)*e2
	return num / den
}

// Response evaluates the complex frequency response at freqHz
func (c *Coefficients) Response(freqHz, sampleRate float64) complex128 {
	w := 2 * math.Pi * freqHz / sampleRate
	h := complex(1, 0)
	for i := range c.Sections {
		h *= c.Sections[i].response(w)
	}
	return h
}

// GainDB returns the magnitude response at freqHz in decibels
func (c *Coefficients) GainDB(freqHz, sampleRate float64) float64 {
	return 20 * math.Log10(cmplx.Abs(c.Response(freqHz, sampleRate)))
}

// Spectrum returns the FFT magnitude of the first n samples of the impulse
// response, bins 0 through n/2
func (c *Coefficients) Spectrum(n int) []float64 {
	if n < 2 {
		return nil
	}
	impulse := make([]float64, n)
	impulse[0] = 1

	bins := fft.FFTReal(c.Filter(impulse))
	mag := make([]float64, n/2+1)
	for i := range mag {
		mag[i] = cmplx.Abs(bins[i])
	}
	return mag
}

// PeakHz finds the strongest bin of an n-point Spectrum and returns its
// frequency and gain in decibels
func (c *Coefficients) PeakHz(n int) (float64, float64) {
	mag := c.Spectrum(n)
	if len(mag) == 0 {
		return 0, math.Inf(-1)
	}
	best := 0
	for i, m := range mag {
		if m > mag[best] {
			best = i
		}
	}
	return float64(best) * c.SampleRate / float64(n), 20 * math.Log10(mag[best])
}

// FilterState carries filter history for one channel across frames
type FilterState struct {
	coeffs *Coefficients
	z      [][2]float64
}

// Process filters x continuing from the previous call. The history is
// cleared when the coefficients change.
func (s *FilterState) Process(coeffs *Coefficients, x []float64) []float64 {
	if s.coeffs != coeffs {
		s.coeffs = coeffs
		s.z = make([][2]float64, len(coeffs.Sections))
	}
	return coeffs.run(x, s.z)
}

// Reset clears the carried history
func (s *FilterState) Reset() {
	s.coeffs = nil
	s.z = nil
}
