// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry wires the process-wide OpenTelemetry tracer provider
// and exports Prometheus metrics at the end of a run.
package telemetry

import (
	"context"
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// ServiceName is reported as the service.name resource attribute.
const ServiceName = "ilindex"

// ShutdownFunc flushes and stops what a setup function started.
type ShutdownFunc func(ctx context.Context) error

// SetupTracing installs a global tracer provider printing finished spans
// to w as JSON.
//
// Description:
//
//	Spans are exported synchronously so that every span of a run is
//	written before the process exits, even on an error path.
//
// Inputs:
//
//	w - Destination of the span JSON, typically os.Stdout.
//	version - Reported as service.version.
//
// Outputs:
//
//	ShutdownFunc - Flushes and shuts the provider down. Call once.
//	error - Non-nil if the exporter cannot be created.
func SetupTracing(w io.Writer, version string) (ShutdownFunc, error) {
	exporter, err := stdouttrace.New(
		stdouttrace.WithWriter(w),
		stdouttrace.WithPrettyPrint(),
	)
	if err != nil {
		return nil, fmt.Errorf("creating stdout trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", ServiceName),
			attribute.String("service.version", version),
		)),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// WriteMetrics writes every metric of the default Prometheus registry to
// path in the text exposition format.
func WriteMetrics(path string) error {
	return WriteMetricsFrom(prometheus.DefaultGatherer, path)
}

// WriteMetricsFrom writes the metrics of g to path. The file is written
// to a temporary name and renamed into place.
func WriteMetricsFrom(g prometheus.Gatherer, path string) error {
	if err := prometheus.WriteToTextfile(path, g); err != nil {
		return fmt.Errorf("writing metrics to %s: %w", path, err)
	}
	return nil
}
