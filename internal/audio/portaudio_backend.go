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
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"
)

// PortAudioBackend implements AudioBackend using the real PortAudio library.
// PortAudio reference-counts Initialize and Terminate, so every session that
// initializes the backend must terminate it exactly once. The backend keeps
// the same count so a late Terminate from one session cannot tear down
// PortAudio under another.
type PortAudioBackend struct {
	mu   sync.Mutex
	refs int

	initialize func() error
	terminate  func() error
}

// NewPortAudioBackend creates a new PortAudio backend
func NewPortAudioBackend() *PortAudioBackend {
	return &PortAudioBackend{
		initialize: portaudio.Initialize,
		terminate:  portaudio.Terminate,
	}
}

// Initialize takes one reference on the PortAudio subsystem
func (p *PortAudioBackend) Initialize() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.initialize(); err != nil {
		return fmt.Errorf("failed to initialize PortAudio: %w", err)
	}
	p.refs++
	return nil
}

// Terminate releases one reference taken by Initialize. Calls without a
// matching Initialize are ignored.
func (p *PortAudioBackend) Terminate() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.refs == 0 {
		return nil
	}
	p.refs--
	return p.terminate()
}

func (p *PortAudioBackend) initialized() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refs > 0
}

// OpenDuplexStream opens the default input and output devices as one
// full-duplex stream
func (p *PortAudioBackend) OpenDuplexStream(params StreamParams) (StreamInterface, error) {
	if !p.initialized() {
		return nil, fmt.Errorf("PortAudio not initialized")
	}

	in, err := portaudio.DefaultInputDevice()
	if err != nil {
		return nil, fmt.Errorf("no default input device: %w", err)
	}
	if in.MaxInputChannels < params.Channels {
		return nil, fmt.Errorf("input device %q supports %d channels, need %d",
			in.Name, in.MaxInputChannels, params.Channels)
	}
	out, err := portaudio.DefaultOutputDevice()
	if err != nil {
		return nil, fmt.Errorf("no default output device: %w", err)
	}
	if out.MaxOutputChannels < params.Channels {
		return nil, fmt.Errorf("output device %q supports %d channels, need %d",
			out.Name, out.MaxOutputChannels, params.Channels)
	}

	size := params.FramesPerBuffer * params.Channels
	inputBuffer := make([]int16, size)
	outputBuffer := make([]int16, size)

	stream, err := portaudio.OpenDefaultStream(
		params.Channels, // input channels
		params.Channels, // output channels
		params.SampleRate,
		params.FramesPerBuffer,
		inputBuffer,
		outputBuffer,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open duplex stream: %w", err)
	}

	return &PortAudioStream{
		stream:       stream,
		inputBuffer:  inputBuffer,
		outputBuffer: outputBuffer,
	}, nil
}

// PortAudioStream implements StreamInterface using PortAudio streams
type PortAudioStream struct {
	stream       *portaudio.Stream
	inputBuffer  []int16
	outputBuffer []int16
	active       atomic.Bool
}

// Start starts the audio stream
func (p *PortAudioStream) Start() error {
	if p.stream == nil {
		return fmt.Errorf("stream is nil")
	}
	if err := p.stream.Start(); err != nil {
		return err
	}
	p.active.Store(true)
	return nil
}

// Stop stops the audio stream
func (p *PortAudioStream) Stop() error {
	if p.stream == nil {
		return fmt.Errorf("stream is nil")
	}
	p.active.Store(false)
	return p.stream.Stop()
}

// Close closes the audio stream
func (p *PortAudioStream) Close() error {
	if p.stream == nil {
		return fmt.Errorf("stream is nil")
	}
	p.active.Store(false)
	return p.stream.Close()
}

// Write writes audio data to the output side of the stream
func (p *PortAudioStream) Write(data []int16) error {
	if p.stream == nil {
		return fmt.Errorf("stream is nil")
	}

	copy(p.outputBuffer, data)
	if err := p.stream.Write(); err != nil {
		if errors.Is(err, portaudio.OutputUnderflowed) {
			return ErrOutputUnderflowed
		}
		return err
	}
	return nil
}

// Read reads audio data from the input side of the stream. On overflow the
// buffer still holds the captured samples, so they are copied out before
// the condition is reported.
func (p *PortAudioStream) Read(data []int16) error {
	if p.stream == nil {
		return fmt.Errorf("stream is nil")
	}

	err := p.stream.Read()
	if err != nil && !errors.Is(err, portaudio.InputOverflowed) {
		return err
	}

	copy(data, p.inputBuffer)
	if err != nil {
		return ErrInputOverflowed
	}
	return nil
}

// IsActive returns true between Start and Stop/Close
func (p *PortAudioStream) IsActive() bool {
	if p.stream == nil {
		return false
	}
	return p.active.Load()
}

// DeviceInfo describes one PortAudio device for listing purposes
type DeviceInfo struct {
	Name              string
	HostAPI           string
	MaxInputChannels  int
	MaxOutputChannels int
	DefaultSampleRate float64
}

// FullDuplex reports whether the device can capture and play back the given
// number of channels at once
func (d DeviceInfo) FullDuplex(channels int) bool {
	return d.MaxInputChannels >= channels && d.MaxOutputChannels >= channels
}

// ListDevices enumerates the devices known to the initialized backend
func (p *PortAudioBackend) ListDevices() ([]DeviceInfo, error) {
	if !p.initialized() {
		return nil, fmt.Errorf("PortAudio not initialized")
	}

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	infos := make([]DeviceInfo, 0, len(devices))
	for _, d := range devices {
		info := DeviceInfo{
			Name:              d.Name,
			MaxInputChannels:  d.MaxInputChannels,
			MaxOutputChannels: d.MaxOutputChannels,
			DefaultSampleRate: d.DefaultSampleRate,
		}
		if d.HostApi != nil {
			info.HostAPI = d.HostApi.Name
		}
		infos = append(infos, info)
	}
	return infos, nil
}
