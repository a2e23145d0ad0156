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
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/AleutianAI/kstage"

// Telemetry holds the tracer and metric instruments used by the orchestrator.
//
// # Thread Safety
//
// Safe for concurrent use. A nil *Telemetry records nothing.
type Telemetry struct {
	tracer trace.Tracer

	opTotal   metric.Int64Counter
	opLatency metric.Float64Histogram
	lockWait  metric.Float64Histogram
	fragments metric.Int64Histogram

	shutdownFuncs []func(context.Context) error
}

// Noop returns a Telemetry that records nothing.
func Noop() *Telemetry {
	t, _ := newTelemetry(tracenoop.NewTracerProvider(), metricnoop.NewMeterProvider())
	return t
}

// NewWithProviders binds instruments to the given providers without
// touching the otel globals.
func NewWithProviders(tp trace.TracerProvider, mp metric.MeterProvider) (*Telemetry, error) {
	return newTelemetry(tp, mp)
}

func newTelemetry(tp trace.TracerProvider, mp metric.MeterProvider) (*Telemetry, error) {
	meter := mp.Meter(instrumentationName)
	t := &Telemetry{tracer: tp.Tracer(instrumentationName)}

	var err error
	t.opTotal, err = meter.Int64Counter(
		"kstage_operations",
		metric.WithDescription("Orchestrator operations by kind and outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("create operations counter: %w", err)
	}

	t.opLatency, err = meter.Float64Histogram(
		"kstage_operation_duration",
		metric.WithDescription("Duration of orchestrator operations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create operation histogram: %w", err)
	}

	t.lockWait, err = meter.Float64Histogram(
		"kstage_lock_wait",
		metric.WithDescription("Time spent blocked on the project lock"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create lock wait histogram: %w", err)
	}

	t.fragments, err = meter.Int64Histogram(
		"kstage_unit_fragments",
		metric.WithDescription("Fragments per reconstructed unit"),
	)
	if err != nil {
		return nil, fmt.Errorf("create fragments histogram: %w", err)
	}
	return t, nil
}

// Shutdown flushes exporters and writes the metrics textfile, if configured.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	var errs []error
	for _, fn := range t.shutdownFuncs {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	t.shutdownFuncs = nil
	return errors.Join(errs...)
}

// StartSpan starts a span named "kstage.<op>" tagged with the project.
// Caller must End the span.
func (t *Telemetry) StartSpan(ctx context.Context, op, project string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if t == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	attrs = append(attrs, attribute.String("kstage.project", project))
	return t.tracer.Start(ctx, "kstage."+op, trace.WithAttributes(attrs...))
}

// RecordOperation counts one operation and records its duration.
func (t *Telemetry) RecordOperation(ctx context.Context, op string, d time.Duration, err error) {
	if t == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	attrs := metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	)
	t.opTotal.Add(ctx, 1, attrs)
	t.opLatency.Record(ctx, d.Seconds(), attrs)
}

// RecordLockWait records time spent acquiring the project lock.
func (t *Telemetry) RecordLockWait(ctx context.Context, op string, d time.Duration) {
	if t == nil {
		return
	}
	t.lockWait.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("op", op)))
}

// RecordFragments records how many fragments a reconstructed unit held.
func (t *Telemetry) RecordFragments(ctx context.Context, n int) {
	if t == nil {
		return
	}
	t.fragments.Record(ctx, int64(n))
}

// RecordError records err on span and marks it failed. Nil span or err is a no-op.
func RecordError(span trace.Span, err error, attrs ...attribute.KeyValue) {
	if span == nil || err == nil {
		return
	}
	opts := make([]trace.EventOption, 0, 1)
	if len(attrs) > 0 {
		opts = append(opts, trace.WithAttributes(attrs...))
	}
	span.RecordError(err, opts...)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK marks span successful.
func SetSpanOK(span trace.Span) {
	if span == nil {
		return
	}
	span.SetStatus(codes.Ok, "")
}
