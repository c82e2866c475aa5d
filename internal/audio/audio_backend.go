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

import "errors"

// Stream-level conditions reported by backends. Neither is fatal: an overflow
// still delivers a usable frame and an underflow still accepts the write.
var (
	ErrInputOverflowed   = errors.New("input overflowed")
	ErrOutputUnderflowed = errors.New("output underflowed")
)

// AudioBackend provides an abstraction layer for audio operations
// This enables dependency injection and makes testing hardware-independent
type AudioBackend interface {
	// Initialize the audio subsystem
	Initialize() error

	// Terminate the audio subsystem
	Terminate() error

	// OpenDuplexStream opens a stream that captures and plays back
	// interleaved 16-bit samples with the same format in both directions
	OpenDuplexStream(params StreamParams) (StreamInterface, error)
}

// StreamInterface abstracts audio stream operations
type StreamInterface interface {
	// Start the audio stream
	Start() error

	// Stop the audio stream
	Stop() error

	// Close the audio stream and release resources
	Close() error

	// Write blocks until one buffer of interleaved samples is accepted
	Write(data []int16) error

	// Read blocks until one buffer of interleaved samples is captured
	Read(data []int16) error

	// IsActive returns true if the stream is currently active
	IsActive() bool
}

// StreamParams holds parameters for stream creation
type StreamParams struct {
	SampleRate      float64
	Channels        int
	FramesPerBuffer int
}
