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
	"fmt"
	"math"
	"sync"
	"time"
)

// InputGenerator fills buf with the interleaved samples of the given frame
type InputGenerator func(frame int, buf []int16)

// MockAudioBackend implements AudioBackend for testing without hardware dependencies
type MockAudioBackend struct {
	mu                 sync.Mutex
	initialized        bool
	streams            []*MockStream
	initCount          int
	terminateCount     int
	initError          error
	terminateError     error
	openError          error
	startError         error
	writeError         error
	readErrors         []error
	persistentReadErr  error
	readBlock          chan struct{}
	simulateRealTiming bool
	generator          InputGenerator
	capturedAudioData  [][]int16
	playbackAudioData  [][]int16
}

// NewMockAudioBackend creates a new mock audio backend
func NewMockAudioBackend() *MockAudioBackend {
	return &MockAudioBackend{
		capturedAudioData: make([][]int16, 0),
		playbackAudioData: make([][]int16, 0),
	}
}

// SetInitError configures the backend to return an error on Initialize()
func (m *MockAudioBackend) SetInitError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initError = err
}

// SetTerminateError configures the backend to return an error on Terminate()
func (m *MockAudioBackend) SetTerminateError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminateError = err
}

// SetOpenError configures the backend to return an error on stream creation
func (m *MockAudioBackend) SetOpenError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openError = err
}

// SetStartError configures new streams to fail on Start()
func (m *MockAudioBackend) SetStartError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startError = err
}

// SetWriteError configures every Write() to fail until cleared with nil
func (m *MockAudioBackend) SetWriteError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeError = err
}

// QueueReadErrors makes the next Read() calls return the given errors in
// order. A nil entry is a successful read.
func (m *MockAudioBackend) QueueReadErrors(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readErrors = append(m.readErrors, errs...)
}

// SetPersistentReadError makes every Read() fail until cleared with nil
func (m *MockAudioBackend) SetPersistentReadError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.persistentReadErr = err
}

// SetReadBlock makes Read() wait until ch is closed. Pass nil to stop blocking.
func (m *MockAudioBackend) SetReadBlock(ch chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readBlock = ch
}

// SetSimulateRealTiming controls whether the mock simulates real audio timing
func (m *MockAudioBackend) SetSimulateRealTiming(simulate bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.simulateRealTiming = simulate
}

// SetInputGenerator sets the function producing captured audio
func (m *MockAudioBackend) SetInputGenerator(generator InputGenerator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.generator = generator
}

// GetCapturedAudioData returns all frames that were "captured"
func (m *MockAudioBackend) GetCapturedAudioData() [][]int16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([][]int16, len(m.capturedAudioData))
	copy(result, m.capturedAudioData)
	return result
}

// GetPlaybackAudioData returns all frames that were "played back"
func (m *MockAudioBackend) GetPlaybackAudioData() [][]int16 {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([][]int16, len(m.playbackAudioData))
	copy(result, m.playbackAudioData)
	return result
}

// PlaybackCount returns the number of frames written so far
func (m *MockAudioBackend) PlaybackCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.playbackAudioData)
}

// InitializeCount returns how many times Initialize succeeded
func (m *MockAudioBackend) InitializeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initCount
}

// TerminateCount returns how many times Terminate was called
func (m *MockAudioBackend) TerminateCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminateCount
}

// Streams returns every stream opened so far
func (m *MockAudioBackend) Streams() []*MockStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]*MockStream, len(m.streams))
	copy(result, m.streams)
	return result
}

// IsInitialized reports whether the backend is between Initialize and Terminate
func (m *MockAudioBackend) IsInitialized() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initialized
}

// Initialize initializes the mock audio subsystem
func (m *MockAudioBackend) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initError != nil {
		return m.initError
	}

	m.initialized = true
	m.initCount++
	return nil
}

// Terminate terminates the mock audio subsystem
func (m *MockAudioBackend) Terminate() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.terminateCount++
	if m.terminateError != nil {
		return m.terminateError
	}

	m.initialized = false
	return nil
}

// OpenDuplexStream creates a mock duplex stream
func (m *MockAudioBackend) OpenDuplexStream(params StreamParams) (StreamInterface, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.initialized {
		return nil, fmt.Errorf("mock audio backend not initialized")
	}

	if m.openError != nil {
		return nil, m.openError
	}

	stream := &MockStream{
		id:         len(m.streams),
		backend:    m,
		params:     params,
		isOpen:     true,
		startError: m.startError,
	}

	m.streams = append(m.streams, stream)
	return stream, nil
}

// MockStream implements StreamInterface for testing
type MockStream struct {
	mu         sync.Mutex
	id         int
	backend    *MockAudioBackend
	params     StreamParams
	isOpen     bool
	isActive   bool
	frameIndex int
	startError error
}

// ID returns the stream's creation index on its backend
func (m *MockStream) ID() int {
	return m.id
}

// Params returns the parameters the stream was opened with
func (m *MockStream) Params() StreamParams {
	return m.params
}

// IsOpen reports whether Close has not been called yet
func (m *MockStream) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isOpen
}

// Start starts the mock stream
func (m *MockStream) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.startError != nil {
		return m.startError
	}

	if m.isActive {
		return fmt.Errorf("stream already active")
	}

	m.isActive = true
	return nil
}

// Stop stops the mock stream
func (m *MockStream) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.isActive = false
	return nil
}

// Close closes the mock stream
func (m *MockStream) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.isOpen {
		return nil // Already closed
	}

	m.isOpen = false
	m.isActive = false
	return nil
}

// Write records one buffer of playback audio
func (m *MockStream) Write(data []int16) error {
	m.mu.Lock()
	isOpen := m.isOpen
	m.mu.Unlock()

	if !isOpen {
		return fmt.Errorf("stream not open")
	}

	m.backend.mu.Lock()
	writeErr := m.backend.writeError
	realTiming := m.backend.simulateRealTiming
	if writeErr == nil {
		dataCopy := make([]int16, len(data))
		copy(dataCopy, data)
		m.backend.playbackAudioData = append(m.backend.playbackAudioData, dataCopy)
	}
	m.backend.mu.Unlock()

	if writeErr != nil {
		return writeErr
	}

	if realTiming {
		m.sleepOneBuffer()
	}
	return nil
}

// Read produces one buffer of capture audio from the configured generator
func (m *MockStream) Read(data []int16) error {
	m.backend.mu.Lock()
	block := m.backend.readBlock
	m.backend.mu.Unlock()

	if block != nil {
		<-block
	}

	m.mu.Lock()
	if !m.isOpen {
		m.mu.Unlock()
		return fmt.Errorf("stream not open")
	}
	frame := m.frameIndex
	m.frameIndex++
	m.mu.Unlock()

	m.backend.mu.Lock()
	var readErr error
	if m.backend.persistentReadErr != nil {
		readErr = m.backend.persistentReadErr
	} else if len(m.backend.readErrors) > 0 {
		readErr = m.backend.readErrors[0]
		m.backend.readErrors = m.backend.readErrors[1:]
	}
	generator := m.backend.generator
	realTiming := m.backend.simulateRealTiming
	m.backend.mu.Unlock()

	// An overflow still delivers data; every other error does not
	if readErr != nil && readErr != ErrInputOverflowed {
		return readErr
	}

	if generator != nil {
		generator(frame, data)
	} else {
		// Default: 440 Hz sine wave at -20 dBFS on every channel
		channels := max(m.params.Channels, 1)
		for i := 0; i < len(data)/channels; i++ {
			t := float64(frame*m.params.FramesPerBuffer+i) / m.params.SampleRate
			v := int16(0.1 * PCMScale * math.Sin(2*math.Pi*440*t))
			for c := 0; c < channels; c++ {
				data[i*channels+c] = v
			}
		}
	}

	dataCopy := make([]int16, len(data))
	copy(dataCopy, data)

	m.backend.mu.Lock()
	m.backend.capturedAudioData = append(m.backend.capturedAudioData, dataCopy)
	m.backend.mu.Unlock()

	if realTiming {
		m.sleepOneBuffer()
	}

	return readErr
}

// IsActive returns true if the mock stream is active
func (m *MockStream) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.isActive
}

func (m *MockStream) sleepOneBuffer() {
	if m.params.SampleRate <= 0 {
		return
	}
	duration := time.Duration(float64(m.params.FramesPerBuffer) / m.params.SampleRate * float64(time.Second))
	time.Sleep(duration)
}
