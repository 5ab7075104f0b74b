// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package telemetry wires OpenTelemetry tracing and metrics for the flow
// recovery pipeline.
//
// Init installs a TracerProvider and MeterProvider according to Config.
// Graph phases open spans through the global tracer, so a caller that never
// calls Init still runs against the no-op providers.
//
// # Metrics
//
// NewMetrics registers the pipeline instruments (methods processed, pipeline
// duration, modification rounds, diagnostics, blocks per method). With the
// "prometheus" exporter they are served by MetricsHandler.
//
// # Logging
//
// LoggerWithTrace adds trace_id and span_id to a slog.Logger so log lines from
// a phase can be joined with its span.
//
// # Environment Variables
//
//   - OTEL_TRACES_EXPORTER: otlp, stdout, or none (default: none)
//   - OTEL_METRICS_EXPORTER: prometheus, stdout, or none (default: none)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OTLP endpoint (default: localhost:4317)
//   - FLOW_ENV: environment name (default: development)
//
// # Thread Safety
//
// All exported functions are safe for concurrent use after Init returns.
package telemetry
