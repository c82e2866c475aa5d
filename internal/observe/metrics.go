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

// Package observe provides the engine's logging and metrics plumbing.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exposed to
// Prometheus through the exporter bridge set up by [InitProvider]. Tests
// should build their own [Metrics] with [NewMetrics] and a manual reader.
package observe

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// meterName is the instrumentation scope of every engine metric
const meterName = "github.com/loqalabs/footstep-enhancer"

// Metrics holds the OpenTelemetry instruments recorded by the engine.
// The instruments are safe for concurrent use.
type Metrics struct {
	// FramesProcessed counts frames written back to the device. Use with
	// attribute.String("path", "enhanced"|"passthrough").
	FramesProcessed metric.Int64Counter

	// Detections counts footstep onsets.
	Detections metric.Int64Counter

	// IOErrors counts transient device failures. Use with
	// attribute.String("op", "read"|"write").
	IOErrors metric.Int64Counter

	// CallbackFaults counts listener panics. Use with
	// attribute.String("event", ...).
	CallbackFaults metric.Int64Counter

	// DeviceXruns counts overflows and underflows reported by the device.
	// Use with attribute.String("kind", "overflow"|"underflow").
	DeviceXruns metric.Int64Counter

	// Level records the band-limited RMS of every frame.
	Level metric.Float64Histogram

	// IterationDuration tracks one read, process, write cycle.
	IterationDuration metric.Float64Histogram

	// ActiveSessions is the number of open device sessions.
	ActiveSessions metric.Int64UpDownCounter
}

// levelBuckets cover normalized RMS values
var levelBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.2, 0.35, 0.5, 0.75,
}

// iterationBuckets are in seconds; a 1024-sample frame at 44.1kHz lasts 23ms
var iterationBuckets = []float64{
	0.001, 0.005, 0.01, 0.02, 0.025, 0.03, 0.05, 0.1, 0.25, 1,
}

// NewMetrics creates every instrument on the given provider
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.FramesProcessed, err = m.Int64Counter("footstep.frames.processed",
		metric.WithDescription("Frames written back to the output device by processing path."),
	); err != nil {
		return nil, err
	}
	if met.Detections, err = m.Int64Counter("footstep.detections",
		metric.WithDescription("Footstep onsets detected."),
	); err != nil {
		return nil, err
	}
	if met.IOErrors, err = m.Int64Counter("footstep.io.errors",
		metric.WithDescription("Transient device read and write failures."),
	); err != nil {
		return nil, err
	}
	if met.CallbackFaults, err = m.Int64Counter("footstep.callback.faults",
		metric.WithDescription("Listener callbacks that panicked."),
	); err != nil {
		return nil, err
	}
	if met.DeviceXruns, err = m.Int64Counter("footstep.device.xruns",
		metric.WithDescription("Input overflows and output underflows reported by the device."),
	); err != nil {
		return nil, err
	}

	if met.Level, err = m.Float64Histogram("footstep.level",
		metric.WithDescription("Band-limited RMS level per frame."),
		metric.WithExplicitBucketBoundaries(levelBuckets...),
	); err != nil {
		return nil, err
	}
	if met.IterationDuration, err = m.Float64Histogram("footstep.iteration.duration",
		metric.WithDescription("Duration of one read, process and write cycle."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(iterationBuckets...),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("footstep.active_sessions",
		metric.WithDescription("Number of open audio device sessions."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// NopMetrics returns instruments that record nothing
func NopMetrics() *Metrics {
	met, err := NewMetrics(noop.NewMeterProvider())
	if err != nil {
		panic("observe: noop instruments: " + err.Error())
	}
	return met
}
