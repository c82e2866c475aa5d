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

	"github.com/loqalabs/footstep-enhancer/internal/audio"
)

// softLimit is the largest float64 below 1. tanh rounds to exactly ±1 once
// |x| passes about 19, so its output is clamped here to stay inside (-1, 1).
var softLimit = math.Nextafter(1, 0)

// Enhance applies factor to every sample and saturates the result with tanh
func Enhance(samples []float64, factor float64) []float64 {
	out := make([]float64, len(samples))
	copy(out, samples)
	floats.Scale(factor, out)
	for i, v := range out {
		out[i] = math.Max(-softLimit, math.Min(softLimit, math.Tanh(v)))
	}
	return out
}

// ProcessFrame returns the PCM frame to play back. Without a detection the
// captured bytes are returned as they are; with one, the normalized samples
// are enhanced and converted back to PCM.
func ProcessFrame(raw []byte, normalized []float64, detected bool, factor float64) []byte {
	if !detected {
		return raw
	}
	return audio.EncodePCM(audio.Denormalize(Enhance(normalized, factor)))
}
