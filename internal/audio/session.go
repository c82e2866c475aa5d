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
	"errors"
	"fmt"
	"sync/atomic"
)

// ErrSessionClosed is returned by frame I/O on a session that has been
// closed. Callers must treat it as fatal.
var ErrSessionClosed = errors.New("audio session closed")

// DeviceError reports that no device could be opened in the requested format
type DeviceError struct {
	Format Format
	Err    error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("cannot open full-duplex device at %d Hz, %d ch, %d frames: %v",
		e.Format.SampleRate, e.Format.Channels, e.Format.FrameSize, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// Session owns one full-duplex device stream for its whole lifetime. Each
// session initializes the backend on Open and terminates it on Close, so no
// device state outlives the session.
type Session struct {
	backend AudioBackend
	stream  StreamInterface
	format  Format

	readBuf  []int16
	writeBuf []int16

	closed atomic.Bool

	overflows  atomic.Uint64
	underflows atomic.Uint64
}

// Open initializes the backend and starts a duplex stream in the given format
func Open(backend AudioBackend, format Format) (*Session, error) {
	if err := format.Validate(); err != nil {
		return nil, &DeviceError{Format: format, Err: err}
	}

	if err := backend.Initialize(); err != nil {
		return nil, &DeviceError{Format: format, Err: err}
	}

	stream, err := backend.OpenDuplexStream(StreamParams{
		SampleRate:      float64(format.SampleRate),
		Channels:        format.Channels,
		FramesPerBuffer: format.FrameSize,
	})
	if err != nil {
		_ = backend.Terminate() // Ignore errors during cleanup
		return nil, &DeviceError{Format: format, Err: err}
	}

	if err := stream.Start(); err != nil {
		_ = stream.Close()      // Ignore errors during cleanup
		_ = backend.Terminate() // Ignore errors during cleanup
		return nil, &DeviceError{Format: format, Err: fmt.Errorf("failed to start stream: %w", err)}
	}

	return &Session{
		backend:  backend,
		stream:   stream,
		format:   format,
		readBuf:  make([]int16, format.Samples()),
		writeBuf: make([]int16, format.Samples()),
	}, nil
}

// Format returns the session's fixed stream format
func (s *Session) Format() Format {
	return s.format
}

// ReadFrame blocks until one full frame has been captured and returns it as
// little-endian PCM bytes. An input overflow is counted but not reported.
func (s *Session) ReadFrame() ([]byte, error) {
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}

	err := s.stream.Read(s.readBuf)
	if s.closed.Load() {
		return nil, ErrSessionClosed
	}
	if err != nil {
		if !errors.Is(err, ErrInputOverflowed) {
			return nil, fmt.Errorf("read frame: %w", err)
		}
		s.overflows.Add(1)
	}

	return EncodePCM(s.readBuf), nil
}

// WriteFrame blocks until the device has accepted one frame of PCM bytes.
// Short frames are padded with silence and long frames are truncated.
func (s *Session) WriteFrame(data []byte) error {
	if s.closed.Load() {
		return ErrSessionClosed
	}

	samples := DecodePCM(data)
	n := copy(s.writeBuf, samples)
	clear(s.writeBuf[n:])

	err := s.stream.Write(s.writeBuf)
	if s.closed.Load() {
		return ErrSessionClosed
	}
	if err != nil {
		if !errors.Is(err, ErrOutputUnderflowed) {
			return fmt.Errorf("write frame: %w", err)
		}
		s.underflows.Add(1)
	}
	return nil
}

// Overflows returns how many reads reported an input overflow
func (s *Session) Overflows() uint64 {
	return s.overflows.Load()
}

// Underflows returns how many writes reported an output underflow
func (s *Session) Underflows() uint64 {
	return s.underflows.Load()
}

// Closed reports whether Close has been called
func (s *Session) Closed() bool {
	return s.closed.Load()
}

// Close stops the stream and releases the device. It does not wait for an
// in-flight read or write; those return ErrSessionClosed once they unblock.
// Closing twice is a no-op.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error
	if s.stream.IsActive() {
		if err := s.stream.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop stream: %w", err))
		}
	}
	if err := s.stream.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close stream: %w", err))
	}
	if err := s.backend.Terminate(); err != nil {
		errs = append(errs, fmt.Errorf("terminate backend: %w", err))
	}
	return errors.Join(errs...)
}
