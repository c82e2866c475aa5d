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

package observe

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns Metrics backed by a ManualReader
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	require.NoError(t, err)
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	enhanced := metric.WithAttributes(attribute.String("path", "enhanced"))
	m.FramesProcessed.Add(ctx, 1, enhanced)
	m.FramesProcessed.Add(ctx, 1, enhanced)
	m.FramesProcessed.Add(ctx, 1, metric.WithAttributes(attribute.String("path", "passthrough")))
	m.Detections.Add(ctx, 3)
	m.IOErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("op", "read")))
	m.CallbackFaults.Add(ctx, 1, metric.WithAttributes(attribute.String("event", "level")))
	m.DeviceXruns.Add(ctx, 4, metric.WithAttributes(attribute.String("kind", "overflow")))

	rm := collect(t, reader)

	frames := findMetric(rm, "footstep.frames.processed")
	require.NotNil(t, frames)
	sum, ok := frames.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	assert.Len(t, sum.DataPoints, 2)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	assert.Equal(t, int64(3), total)

	tests := []struct {
		name string
		want int64
	}{
		{"footstep.detections", 3},
		{"footstep.io.errors", 1},
		{"footstep.callback.faults", 1},
		{"footstep.device.xruns", 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			met := findMetric(rm, tt.name)
			require.NotNil(t, met)
			sum, ok := met.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			require.Len(t, sum.DataPoints, 1)
			assert.Equal(t, tt.want, sum.DataPoints[0].Value)
		})
	}
}

func TestHistograms(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.Level.Record(ctx, 0.02)
	m.Level.Record(ctx, 0.3)
	m.IterationDuration.Record(ctx, 0.023)

	rm := collect(t, reader)

	for name, count := range map[string]uint64{
		"footstep.level":              2,
		"footstep.iteration.duration": 1,
	} {
		met := findMetric(rm, name)
		require.NotNil(t, met, name)
		hist, ok := met.Data.(metricdata.Histogram[float64])
		require.True(t, ok, name)
		require.NotEmpty(t, hist.DataPoints)
		assert.Equal(t, count, hist.DataPoints[0].Count, name)
	}
}

func TestActiveSessions(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, 1)
	m.ActiveSessions.Add(ctx, -1)

	met := findMetric(collect(t, reader), "footstep.active_sessions")
	require.NotNil(t, met)
	sum, ok := met.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	assert.False(t, sum.IsMonotonic)
	assert.Equal(t, int64(1), sum.DataPoints[0].Value)
}

func TestNopMetrics(t *testing.T) {
	m := NopMetrics()
	require.NotNil(t, m)

	assert.NotPanics(t, func() {
		m.Detections.Add(context.Background(), 1)
		m.Level.Record(context.Background(), 0.1)
	})
}

func TestInitProvider_ServesPrometheus(t *testing.T) {
	prev := otel.GetMeterProvider()
	t.Cleanup(func() { otel.SetMeterProvider(prev) })

	reg := prometheus.NewRegistry()
	shutdown, err := InitProvider(context.Background(), ProviderConfig{
		ServiceVersion: "test",
		Registry:       reg,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = shutdown(context.Background()) })

	m, err := NewMetrics(otel.GetMeterProvider())
	require.NoError(t, err)
	m.Detections.Add(context.Background(), 2)

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`footstep[._]detections`), string(body))
}
