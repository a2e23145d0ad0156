// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry wires OpenTelemetry tracing and metrics for kstage.
//
// Each CLI invocation is short-lived, so metrics are not served over HTTP.
// With the prometheus exporter they are written to a node_exporter
// textfile on Shutdown.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

var (
	// ErrNilContext is returned when Init is called with a nil context.
	ErrNilContext = errors.New("telemetry: nil context")

	// ErrUnknownExporter is returned for an unrecognized exporter name.
	ErrUnknownExporter = errors.New("telemetry: unknown exporter type")

	// ErrTextfileRequiresPrometheus is returned when a metrics textfile is
	// configured without the prometheus exporter.
	ErrTextfileRequiresPrometheus = errors.New("telemetry: metrics textfile requires the prometheus exporter")
)

// Exporter names.
const (
	ExporterNone       = "none"
	ExporterStdout     = "stdout"
	ExporterOTLP       = "otlp"
	ExporterPrometheus = "prometheus"
)

// Config controls telemetry behavior.
type Config struct {
	// ServiceName identifies this process in traces and metrics.
	ServiceName string

	// ServiceVersion is the version string reported as a resource attribute.
	ServiceVersion string

	// TraceExporter selects "none", "stdout" or "otlp".
	TraceExporter string

	// MetricExporter selects "none", "stdout" or "prometheus".
	MetricExporter string

	// OTLPEndpoint is the OTLP/gRPC receiver for traces.
	OTLPEndpoint string

	// OTLPInsecure disables TLS for the OTLP connection.
	OTLPInsecure bool

	// MetricsTextfile is where prometheus metrics are written on Shutdown.
	// Empty disables the textfile.
	MetricsTextfile string

	// Output receives stdout exporter output. Nil uses os.Stderr.
	Output io.Writer
}

// DefaultConfig returns a configuration with every exporter disabled.
func DefaultConfig() Config {
	return Config{
		ServiceName:    "kstage",
		ServiceVersion: "dev",
		TraceExporter:  ExporterNone,
		MetricExporter: ExporterNone,
		OTLPEndpoint:   "localhost:4317",
		OTLPInsecure:   true,
	}
}

// Init builds the tracer and meter providers described by cfg and installs
// them as the otel globals.
//
// # Outputs
//
//   - *Telemetry: Instruments bound to the new providers. Call Shutdown.
//   - error: ErrNilContext, ErrUnknownExporter, or exporter construction errors.
func Init(ctx context.Context, cfg Config) (*Telemetry, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if cfg.MetricsTextfile != "" && cfg.MetricExporter != ExporterPrometheus {
		return nil, ErrTextfileRequiresPrometheus
	}
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	res := resource.NewWithAttributes(
		"",
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)

	var shutdownFuncs []func(context.Context) error

	var tp trace.TracerProvider = tracenoop.NewTracerProvider()
	if cfg.TraceExporter != ExporterNone && cfg.TraceExporter != "" {
		sdkTP, err := initTracer(ctx, cfg, res, out)
		if err != nil {
			return nil, fmt.Errorf("init tracer: %w", err)
		}
		tp = sdkTP
		shutdownFuncs = append(shutdownFuncs, sdkTP.Shutdown)
	}

	var mp metric.MeterProvider = metricnoop.NewMeterProvider()
	if cfg.MetricExporter != ExporterNone && cfg.MetricExporter != "" {
		sdkMP, registry, err := initMeter(cfg, res, out)
		if err != nil {
			return nil, fmt.Errorf("init meter: %w", err)
		}
		mp = sdkMP
		if cfg.MetricsTextfile != "" {
			path := cfg.MetricsTextfile
			shutdownFuncs = append(shutdownFuncs, func(context.Context) error {
				return prometheus.WriteToTextfile(path, registry)
			})
		}
		shutdownFuncs = append(shutdownFuncs, sdkMP.Shutdown)
	}

	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)

	t, err := newTelemetry(tp, mp)
	if err != nil {
		return nil, err
	}
	t.shutdownFuncs = shutdownFuncs
	return t, nil
}

func initTracer(ctx context.Context, cfg Config, res *resource.Resource, out io.Writer) (*sdktrace.TracerProvider, error) {
	var exporter sdktrace.SpanExporter
	var err error

	switch cfg.TraceExporter {
	case ExporterOTLP:
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	case ExporterStdout:
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(out), stdouttrace.WithPrettyPrint())
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownExporter, cfg.TraceExporter)
	}
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}

	// Spans are exported synchronously; the process may exit right after.
	return sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	), nil
}

func initMeter(cfg Config, res *resource.Resource, out io.Writer) (*sdkmetric.MeterProvider, *prometheus.Registry, error) {
	switch cfg.MetricExporter {
	case ExporterPrometheus:
		registry := prometheus.NewRegistry()
		exporter, err := promexporter.New(promexporter.WithRegisterer(registry))
		if err != nil {
			return nil, nil, fmt.Errorf("create prometheus exporter: %w", err)
		}
		return sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(exporter),
		), registry, nil

	case ExporterStdout:
		exporter, err := stdoutmetric.New(stdoutmetric.WithWriter(out), stdoutmetric.WithPrettyPrint())
		if err != nil {
			return nil, nil, fmt.Errorf("create stdout metric exporter: %w", err)
		}
		return sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		), nil, nil

	default:
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownExporter, cfg.MetricExporter)
	}
}
