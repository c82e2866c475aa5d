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

// Package engine runs the capture, detect, enhance and playback loop and
// owns its start/stop lifecycle.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/loqalabs/footstep-enhancer/internal/audio"
	"github.com/loqalabs/footstep-enhancer/internal/dsp"
	"github.com/loqalabs/footstep-enhancer/internal/observe"
)

// Options configure a Controller. Start from DefaultOptions.
type Options struct {
	Backend audio.AudioBackend
	Format  audio.Format

	LowHz  float64
	HighHz float64

	EnhancementFactor  float64
	DetectionThreshold float64
	CarryFilterState   bool

	// StopTimeout bounds how long Stop waits for the worker to exit
	StopTimeout time.Duration
	// ErrorBackoff is the pause after a transient read or write failure
	ErrorBackoff time.Duration
	// MaxConsecutiveErrors moves the engine to Error after that many
	// transient failures in a row. Zero retries forever.
	MaxConsecutiveErrors int

	Listener Listener
	Logger   *zap.Logger
	Metrics  *observe.Metrics
}

// DefaultOptions returns the stock footstep configuration without a backend
func DefaultOptions() Options {
	return Options{
		Format:               audio.DefaultFormat(),
		LowHz:                200,
		HighHz:               800,
		EnhancementFactor:    2.0,
		DetectionThreshold:   0.05,
		StopTimeout:          time.Second,
		ErrorBackoff:         100 * time.Millisecond,
		MaxConsecutiveErrors: 50,
	}
}

// run is the record of one Start. The worker it spawned only ever touches
// this record, so a worker outliving its Stop cannot disturb a later run.
type run struct {
	running atomic.Bool
	done    chan struct{}

	mu       sync.Mutex
	session  *audio.Session
	released bool
}

// attach publishes the opened session unless the run was already released
func (r *run) attach(s *audio.Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released || !r.running.Load() {
		return false
	}
	r.session = s
	return true
}

// detach marks the run released and hands back its session, if any
func (r *run) detach() *audio.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = true
	s := r.session
	r.session = nil
	return s
}

// Controller drives a single processing worker
type Controller struct {
	opts    Options
	logger  *zap.Logger
	metrics *observe.Metrics
	ctx     context.Context

	// mu serializes Start and Stop; the worker never takes it
	mu sync.Mutex
	// stateMu makes a state change and the owning run's flag check atomic
	stateMu sync.Mutex
	state   atomic.Int32
	current *run

	coeffs    atomic.Pointer[dsp.Coefficients]
	factor    atomicFloat
	threshold atomicFloat

	level       atomicFloat
	enhancement atomicFloat
	detected    atomic.Bool
	faults      atomic.Uint64
}

// NewController validates opts and designs the initial band-pass filter
func NewController(opts Options) (*Controller, error) {
	if opts.Backend == nil {
		return nil, errors.New("audio backend is required")
	}
	if opts.Format == (audio.Format{}) {
		opts.Format = audio.DefaultFormat()
	}
	if err := opts.Format.Validate(); err != nil {
		return nil, err
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = time.Second
	}
	if opts.ErrorBackoff <= 0 {
		opts.ErrorBackoff = 100 * time.Millisecond
	}

	coeffs, err := dsp.DesignBandPass(opts.LowHz, opts.HighHz, float64(opts.Format.SampleRate))
	if err != nil {
		return nil, err
	}

	c := &Controller{
		opts:    opts,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		ctx:     context.Background(),
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.metrics == nil {
		c.metrics = observe.NopMetrics()
	}
	c.coeffs.Store(coeffs)
	c.factor.Store(opts.EnhancementFactor)
	c.threshold.Store(opts.DetectionThreshold)
	c.enhancement.Store(1.0)
	return c, nil
}

// Start launches the worker. It returns false when the engine is already
// starting or running.
func (c *Controller) Start() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stateMu.Lock()
	switch State(c.state.Load()) {
	case StateStarting, StateRunning:
		c.stateMu.Unlock()
		return false
	}
	r := &run{done: make(chan struct{})}
	r.running.Store(true)
	c.current = r
	c.state.Store(int32(StateStarting))
	c.stateMu.Unlock()

	c.level.Store(0)
	c.enhancement.Store(1.0)
	c.detected.Store(false)

	c.logger.Info("🚀 Starting footstep enhancer",
		zap.Int("sample_rate", c.opts.Format.SampleRate),
		zap.Int("frame_size", c.opts.Format.FrameSize),
		zap.Int("channels", c.opts.Format.Channels))

	go c.work(r)
	return true
}

// Stop ends the current run. It returns false, without touching the device,
// when the engine is not starting or running.
func (c *Controller) Stop() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stateMu.Lock()
	switch State(c.state.Load()) {
	case StateStarting, StateRunning:
	default:
		c.stateMu.Unlock()
		return false
	}
	r := c.current
	c.state.Store(int32(StateStopping))
	r.running.Store(false)
	c.stateMu.Unlock()

	select {
	case <-r.done:
	case <-time.After(c.opts.StopTimeout):
		c.logger.Warn("⚠️  Worker did not exit in time, closing the device anyway",
			zap.Duration("timeout", c.opts.StopTimeout))
	}
	c.release(r)

	c.state.Store(int32(StateStopped))
	c.logger.Info("🛑 Footstep enhancer stopped")
	c.notify("status", func(l Listener) { l.OnStatusChange(StatusStopped) })
	return true
}

// SetEnhancementFactor replaces the gain applied to detected frames
func (c *Controller) SetEnhancementFactor(v float64) {
	c.factor.Store(v)
}

// SetDetectionThreshold replaces the RMS level a frame must exceed
func (c *Controller) SetDetectionThreshold(v float64) {
	c.threshold.Store(v)
}

// SetBand redesigns the band-pass filter. The worker picks the new
// coefficients up on its next frame; on error the old filter stays.
func (c *Controller) SetBand(lowHz, highHz float64) error {
	coeffs, err := dsp.DesignBandPass(lowHz, highHz, float64(c.opts.Format.SampleRate))
	if err != nil {
		return err
	}
	c.coeffs.Store(coeffs)
	c.logger.Info("🎚️  Band updated", zap.Float64("low_hz", lowHz), zap.Float64("high_hz", highHz))
	return nil
}

// EnhancementFactor returns the configured gain
func (c *Controller) EnhancementFactor() float64 { return c.factor.Load() }

// DetectionThreshold returns the configured threshold
func (c *Controller) DetectionThreshold() float64 { return c.threshold.Load() }

// Band returns the current filter corners in Hz
func (c *Controller) Band() (float64, float64) {
	coeffs := c.coeffs.Load()
	return coeffs.LowHz, coeffs.HighHz
}

// Coefficients returns the filter the worker is using
func (c *Controller) Coefficients() *dsp.Coefficients { return c.coeffs.Load() }

// State returns the lifecycle state
func (c *Controller) State() State { return State(c.state.Load()) }

// Level returns the RMS of the most recent frame
func (c *Controller) Level() float64 { return c.level.Load() }

// Detected reports whether the most recent frame held a footstep
func (c *Controller) Detected() bool { return c.detected.Load() }

// Enhancement returns the gain applied to the most recent frame: the
// enhancement factor on detection, 1 otherwise
func (c *Controller) Enhancement() float64 { return c.enhancement.Load() }

// CallbackFaults returns how many listener calls have panicked
func (c *Controller) CallbackFaults() uint64 { return c.faults.Load() }

func (c *Controller) work(r *run) {
	defer close(r.done)

	sess, err := audio.Open(c.opts.Backend, c.opts.Format)
	if err != nil {
		c.fail(r, err)
		return
	}
	c.metrics.ActiveSessions.Add(c.ctx, 1)
	if !r.attach(sess) {
		// Stop gave up on this run while the device was opening
		c.closeSession(sess)
		return
	}

	c.stateMu.Lock()
	ok := r.running.Load() && c.state.CompareAndSwap(int32(StateStarting), int32(StateRunning))
	c.stateMu.Unlock()
	if !ok {
		return
	}
	c.logger.Info("✅ Audio session open, processing")
	c.notify("status", func(l Listener) { l.OnStatusChange(StatusRunning) })

	detector := dsp.NewDetector(c.opts.CarryFilterState)
	failures := 0
	for r.running.Load() {
		err := c.process(sess, detector)
		if err == nil {
			failures = 0
			continue
		}
		if errors.Is(err, audio.ErrSessionClosed) {
			c.fail(r, err)
			return
		}
		failures++
		if c.opts.MaxConsecutiveErrors > 0 && failures >= c.opts.MaxConsecutiveErrors {
			c.fail(r, fmt.Errorf("giving up after %d consecutive errors: %w", failures, err))
			return
		}
		c.logger.Warn("⚠️  Audio I/O error, retrying", zap.Error(err), zap.Int("consecutive", failures))
		time.Sleep(c.opts.ErrorBackoff)
	}
}

// process handles one frame from capture to playback
func (c *Controller) process(sess *audio.Session, detector *dsp.Detector) error {
	began := time.Now()

	raw, err := sess.ReadFrame()
	if err != nil {
		c.metrics.IOErrors.Add(c.ctx, 1, metric.WithAttributes(attribute.String("op", "read")))
		return err
	}

	normalized := audio.Normalize(audio.DecodePCM(raw))
	channels := audio.Deinterleave(normalized, c.opts.Format.Channels)
	res := detector.Analyze(channels, c.coeffs.Load(), c.threshold.Load())

	factor := c.factor.Load()
	path := "passthrough"
	applied := 1.0
	if res.Detected {
		path = "enhanced"
		applied = factor
	}
	c.level.Store(res.Level)
	c.detected.Store(res.Detected)
	c.enhancement.Store(applied)
	c.metrics.Level.Record(c.ctx, res.Level)

	// The detector has already moved to this frame, so its edge is reported
	// even when the write below fails
	c.notify("level", func(l Listener) { l.OnLevelChange(res.Level) })
	if res.Changed {
		if res.Detected {
			c.metrics.Detections.Add(c.ctx, 1)
			c.logger.Debug("👣 Footstep detected", zap.Float64("level", res.Level))
		}
		c.notify("footstep", func(l Listener) { l.OnFootstepDetected(res.Detected) })
	}

	out := dsp.ProcessFrame(raw, normalized, res.Detected, factor)
	if err := sess.WriteFrame(out); err != nil {
		c.metrics.IOErrors.Add(c.ctx, 1, metric.WithAttributes(attribute.String("op", "write")))
		return err
	}

	c.metrics.FramesProcessed.Add(c.ctx, 1, metric.WithAttributes(attribute.String("path", path)))
	c.metrics.IterationDuration.Record(c.ctx, time.Since(began).Seconds())
	return nil
}

// fail ends the run from inside the worker. It is a no-op for the state when
// Stop already claimed the run.
func (c *Controller) fail(r *run, err error) {
	c.stateMu.Lock()
	owned := r.running.CompareAndSwap(true, false)
	if owned {
		c.state.Store(int32(StateError))
	}
	c.stateMu.Unlock()

	c.release(r)
	if !owned {
		return
	}
	c.logger.Error("❌ Footstep enhancer failed", zap.Error(err))
	c.notify("status", func(l Listener) { l.OnStatusChange(StatusError) })
}

// release closes the run's session if it still has one
func (c *Controller) release(r *run) {
	if sess := r.detach(); sess != nil {
		c.closeSession(sess)
	}
}

func (c *Controller) closeSession(sess *audio.Session) {
	if err := sess.Close(); err != nil {
		c.logger.Warn("⚠️  Error closing audio session", zap.Error(err))
	}
	c.metrics.ActiveSessions.Add(c.ctx, -1)
	if n := sess.Overflows(); n > 0 {
		c.metrics.DeviceXruns.Add(c.ctx, int64(n), metric.WithAttributes(attribute.String("kind", "overflow"))) // #nosec G115
	}
	if n := sess.Underflows(); n > 0 {
		c.metrics.DeviceXruns.Add(c.ctx, int64(n), metric.WithAttributes(attribute.String("kind", "underflow"))) // #nosec G115
	}
}

// notify calls each registered listener and contains any panic it raises, so
// one faulty listener does not starve the others of the event
func (c *Controller) notify(event string, call func(Listener)) {
	if c.opts.Listener == nil {
		return
	}
	if fan, ok := c.opts.Listener.(multiListener); ok {
		for _, l := range fan {
			c.deliver(event, l, call)
		}
		return
	}
	c.deliver(event, c.opts.Listener, call)
}

func (c *Controller) deliver(event string, l Listener, call func(Listener)) {
	defer func() {
		if p := recover(); p != nil {
			c.faults.Add(1)
			c.metrics.CallbackFaults.Add(c.ctx, 1, metric.WithAttributes(attribute.String("event", event)))
			c.logger.Error("❌ Listener panicked", zap.String("event", event), zap.Any("panic", p))
		}
	}()
	call(l)
}
