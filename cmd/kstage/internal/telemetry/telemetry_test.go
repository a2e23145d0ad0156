// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "kstage", cfg.ServiceName)
	assert.Equal(t, ExporterNone, cfg.TraceExporter)
	assert.Equal(t, ExporterNone, cfg.MetricExporter)
}

func TestInit_NilContext(t *testing.T) {
	//nolint:staticcheck // exercising the nil guard
	_, err := Init(nil, DefaultConfig())
	assert.ErrorIs(t, err, ErrNilContext)
}

func TestInit_Noop(t *testing.T) {
	tel, err := Init(context.Background(), DefaultConfig())
	require.NoError(t, err)

	ctx, span := tel.StartSpan(context.Background(), "init", "k")
	tel.RecordOperation(ctx, "init", time.Millisecond, nil)
	span.End()
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestInit_UnknownExporter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TraceExporter = "zipkin"
	_, err := Init(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrUnknownExporter)

	cfg = DefaultConfig()
	cfg.MetricExporter = "statsd"
	_, err = Init(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrUnknownExporter)
}

func TestInit_TextfileRequiresPrometheus(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MetricsTextfile = filepath.Join(t.TempDir(), "kstage.prom")
	_, err := Init(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrTextfileRequiresPrometheus)
}

func TestInit_PrometheusTextfile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kstage.prom")
	cfg := DefaultConfig()
	cfg.MetricExporter = ExporterPrometheus
	cfg.MetricsTextfile = path

	tel, err := Init(context.Background(), cfg)
	require.NoError(t, err)

	ctx := context.Background()
	tel.RecordOperation(ctx, "contribute", 10*time.Millisecond, nil)
	tel.RecordOperation(ctx, "finalize", time.Second, errors.New("build failed"))
	tel.RecordLockWait(ctx, "contribute", time.Millisecond)
	tel.RecordFragments(ctx, 3)
	require.NoError(t, tel.Shutdown(ctx))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, "kstage_operations")
	assert.Contains(t, text, `op="finalize"`)
	assert.Contains(t, text, `outcome="failure"`)
	assert.Contains(t, text, "kstage_lock_wait")
	assert.Contains(t, text, "kstage_unit_fragments")
}

func TestInit_StdoutTrace(t *testing.T) {
	var buf bytes.Buffer
	cfg := DefaultConfig()
	cfg.TraceExporter = ExporterStdout
	cfg.Output = &buf

	tel, err := Init(context.Background(), cfg)
	require.NoError(t, err)

	_, span := tel.StartSpan(context.Background(), "finalize", "demo_kernel")
	span.End()
	require.NoError(t, tel.Shutdown(context.Background()))

	assert.Contains(t, buf.String(), "kstage.finalize")
	assert.Contains(t, buf.String(), "demo_kernel")
}

func TestNewWithProviders_RecordsSpansAndMetrics(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	tel, err := NewWithProviders(tp, mp)
	require.NoError(t, err)

	ctx, span := tel.StartSpan(context.Background(), "contribute", "k")
	RecordError(span, errors.New("lock failed"))
	span.End()
	tel.RecordOperation(ctx, "contribute", time.Millisecond, nil)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "kstage.contribute", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	names := map[string]bool{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			names[m.Name] = true
		}
	}
	assert.True(t, names["kstage_operations"])
	assert.True(t, names["kstage_operation_duration"])
}

func TestNilTelemetryIsNoop(t *testing.T) {
	var tel *Telemetry
	ctx, span := tel.StartSpan(context.Background(), "init", "k")
	tel.RecordOperation(ctx, "init", time.Second, nil)
	tel.RecordLockWait(ctx, "init", time.Second)
	tel.RecordFragments(ctx, 1)
	SetSpanOK(span)
	span.End()
	assert.NoError(t, tel.Shutdown(ctx))
}

func TestNoop(t *testing.T) {
	tel := Noop()
	require.NotNil(t, tel)
	_, span := tel.StartSpan(context.Background(), "init", "k")
	span.End()
}
