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

package transport

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sync/atomic"
	"time"
)

// Binary event frames published by the engine
// Fixed 20-byte header so embedded control panels can parse without allocation

// FrameType represents the type of frame being transmitted
type FrameType uint8

const (
	// Meter frame types
	FrameTypeLevel     FrameType = 0x01
	FrameTypeDetection FrameType = 0x02

	// Lifecycle frame types
	FrameTypeStatus FrameType = 0x10
)

// Frame represents a binary event frame
type Frame struct {
	Type      FrameType
	Sequence  uint32
	Timestamp uint64
	Data      []byte
}

// FrameHeader represents the fixed-size frame header (20 bytes)
type FrameHeader struct {
	Magic     uint32    // 0x53544550 ("STEP")
	Type      FrameType // Frame type (1 byte)
	Reserved  uint8     // Reserved for future use (1 byte)
	Length    uint16    // Data payload length (2 bytes)
	Sequence  uint32    // Sequence number (4 bytes)
	Timestamp uint64    // Unix timestamp microseconds (8 bytes)
}

const (
	// Magic number for frame validation
	FrameMagic = 0x53544550 // "STEP" in big-endian

	MaxFrameSize = 256
	HeaderSize   = 20 // Fixed header size
	MaxDataSize  = MaxFrameSize - HeaderSize
)

// Serialize converts a frame to binary format
func (f *Frame) Serialize() ([]byte, error) {
	if len(f.Data) > MaxDataSize {
		return nil, fmt.Errorf("frame data too large: %d bytes (max %d)", len(f.Data), MaxDataSize)
	}

	header := FrameHeader{
		Magic:     FrameMagic,
		Type:      f.Type,
		Length:    uint16(len(f.Data)), //nolint:gosec // G115: bounded by MaxDataSize above
		Sequence:  f.Sequence,
		Timestamp: f.Timestamp,
	}

	buf := bytes.NewBuffer(make([]byte, 0, HeaderSize+len(f.Data)))

	// Write header in big-endian format
	if err := binary.Write(buf, binary.BigEndian, header); err != nil {
		return nil, fmt.Errorf("failed to write frame header: %w", err)
	}
	buf.Write(f.Data)

	return buf.Bytes(), nil
}

// DeserializeFrame converts binary data to a frame
func DeserializeFrame(data []byte) (*Frame, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("frame too small: %d bytes (min %d)", len(data), HeaderSize)
	}

	header, err := parseFrameHeader(data[:HeaderSize])
	if err != nil {
		return nil, err
	}

	// Validate frame size
	expectedSize := HeaderSize + int(header.Length)
	if len(data) != expectedSize {
		return nil, fmt.Errorf("frame size mismatch: got %d bytes, expected %d", len(data), expectedSize)
	}

	frame := &Frame{
		Type:      header.Type,
		Sequence:  header.Sequence,
		Timestamp: header.Timestamp,
	}
	if header.Length > 0 {
		frame.Data = append([]byte(nil), data[HeaderSize:]...)
	}

	return frame, nil
}

// ReadFrame reads one frame from a stream, header first, then data
func ReadFrame(r io.Reader) (*Frame, error) {
	headerData := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerData); err != nil {
		return nil, fmt.Errorf("failed to read frame header: %w", err)
	}

	header, err := parseFrameHeader(headerData)
	if err != nil {
		return nil, err
	}

	frame := &Frame{
		Type:      header.Type,
		Sequence:  header.Sequence,
		Timestamp: header.Timestamp,
	}
	if header.Length > 0 {
		frame.Data = make([]byte, header.Length)
		if _, err := io.ReadFull(r, frame.Data); err != nil {
			return nil, fmt.Errorf("failed to read frame data: %w", err)
		}
	}

	return frame, nil
}

// parseFrameHeader parses just the header portion of frame data
func parseFrameHeader(headerData []byte) (*FrameHeader, error) {
	if len(headerData) != HeaderSize {
		return nil, fmt.Errorf("invalid header size: %d bytes (expected %d)", len(headerData), HeaderSize)
	}

	var header FrameHeader
	if err := binary.Read(bytes.NewReader(headerData), binary.BigEndian, &header); err != nil {
		return nil, fmt.Errorf("failed to read frame header: %w", err)
	}

	// Validate magic number
	if header.Magic != FrameMagic {
		return nil, fmt.Errorf("invalid frame magic: 0x%08X (expected 0x%08X)", header.Magic, FrameMagic)
	}

	// Validate data length doesn't exceed maximum
	if header.Length > MaxDataSize {
		return nil, fmt.Errorf("frame data too large: %d bytes (max %d)", header.Length, MaxDataSize)
	}

	return &header, nil
}

// NewFrame creates a new frame with the specified parameters
func NewFrame(frameType FrameType, sequence uint32, timestamp uint64, data []byte) *Frame {
	return &Frame{
		Type:      frameType,
		Sequence:  sequence,
		Timestamp: timestamp,
		Data:      data,
	}
}

// IsValid checks if the frame is structurally valid
func (f *Frame) IsValid() bool {
	return len(f.Data) <= MaxDataSize
}

// Size returns the total serialized size of the frame
func (f *Frame) Size() int {
	return HeaderSize + len(f.Data)
}

// Time returns the frame timestamp
func (f *Frame) Time() time.Time {
	return time.UnixMicro(int64(f.Timestamp)) //nolint:gosec // G115: microsecond timestamps fit int64
}

// Level decodes the payload of a level frame
func (f *Frame) Level() (float64, error) {
	if f.Type != FrameTypeLevel {
		return 0, fmt.Errorf("not a level frame: type 0x%02X", f.Type)
	}
	if len(f.Data) != 8 {
		return 0, fmt.Errorf("level payload must be 8 bytes, got %d", len(f.Data))
	}
	return math.Float64frombits(binary.BigEndian.Uint64(f.Data)), nil
}

// Detected decodes the payload of a detection frame
func (f *Frame) Detected() (bool, error) {
	if f.Type != FrameTypeDetection {
		return false, fmt.Errorf("not a detection frame: type 0x%02X", f.Type)
	}
	if len(f.Data) != 1 {
		return false, fmt.Errorf("detection payload must be 1 byte, got %d", len(f.Data))
	}
	return f.Data[0] != 0, nil
}

// Status decodes the payload of a status frame
func (f *Frame) Status() (string, error) {
	if f.Type != FrameTypeStatus {
		return "", fmt.Errorf("not a status frame: type 0x%02X", f.Type)
	}
	return string(f.Data), nil
}

// Sequencer stamps outgoing frames with a per-stream sequence number and
// the current time. It is safe for concurrent use.
type Sequencer struct {
	seq atomic.Uint32
	now func() time.Time
}

// NewSequencer returns a sequencer whose first frame has sequence 1
func NewSequencer() *Sequencer {
	return &Sequencer{now: time.Now}
}

func (s *Sequencer) next(frameType FrameType, data []byte) *Frame {
	return NewFrame(frameType, s.seq.Add(1), uint64(s.now().UnixMicro()), data) //nolint:gosec // G115: post-1970 clock
}

// LevelFrame builds a level frame
func (s *Sequencer) LevelFrame(level float64) *Frame {
	data := make([]byte, 8)
	binary.BigEndian.PutUint64(data, math.Float64bits(level))
	return s.next(FrameTypeLevel, data)
}

// DetectionFrame builds a detection frame
func (s *Sequencer) DetectionFrame(detected bool) *Frame {
	var b byte
	if detected {
		b = 1
	}
	return s.next(FrameTypeDetection, []byte{b})
}

// StatusFrame builds a status frame
func (s *Sequencer) StatusFrame(status string) *Frame {
	return s.next(FrameTypeStatus, []byte(status))
}
