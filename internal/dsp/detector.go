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
	"math"

	"gonum.org/v1/gonum/floats"
)

// RMS returns the root-mean-square of x, or 0 for an empty slice
func RMS(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	return floats.Norm(x, 2) / math.Sqrt(float64(len(x)))
}

// Detection is the outcome of analyzing one frame
type Detection struct {
	Level    float64 // RMS of the band-passed frame
	Detected bool    // Level above threshold
	Changed  bool    // Detected differs from the previous frame
}

// Detector decides per frame whether band-limited energy marks a footstep.
// It remembers only the previous frame's flag, which makes detection
// edge-triggered. A Detector belongs to a single goroutine.
type Detector struct {
	carryState bool
	states     []FilterState
	detected   bool
}

// NewDetector returns a detector in the not-detected state. With carryState
// set, filter history flows across frame boundaries; otherwise every frame
// is filtered from rest.
func NewDetector(carryState bool) *Detector {
	return &Detector{carryState: carryState}
}

// Detect compares the RMS of an already filtered frame with threshold
func (d *Detector) Detect(filtered []float64, threshold float64) Detection {
	level := RMS(filtered)
	detected := level > threshold
	changed := detected != d.detected
	d.detected = detected
	return Detection{Level: level, Detected: detected, Changed: changed}
}

// Analyze band-passes every channel of a de-interleaved frame and runs
// Detect over the pooled filtered samples
func (d *Detector) Analyze(channels [][]float64, coeffs *Coefficients, threshold float64) Detection {
	if d.carryState && len(d.states) != len(channels) {
		d.states = make([]FilterState, len(channels))
	}

	total := 0
	for _, ch := range channels {
		total += len(ch)
	}
	filtered := make([]float64, 0, total)
	for i, ch := range channels {
		if d.carryState {
			filtered = append(filtered, d.states[i].Process(coeffs, ch)...)
		} else {
			filtered = append(filtered, coeffs.Filter(ch)...)
		}
	}

	return d.Detect(filtered, threshold)
}

// Detected returns the flag of the most recent frame
func (d *Detector) Detected() bool {
	return d.detected
}

// Reset returns the detector to the not-detected state and drops filter history
func (d *Detector) Reset() {
	d.detected = false
	d.states = nil
}
