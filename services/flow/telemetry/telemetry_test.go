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
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

func TestDefaultConfig(t *testing.T) {
	t.Setenv("OTEL_TRACES_EXPORTER", "")
	t.Setenv("OTEL_METRICS_EXPORTER", "")
	cfg := DefaultConfig()

	if cfg.ServiceName != "flowdump" {
		t.Errorf("ServiceName = %q, want %q", cfg.ServiceName, "flowdump")
	}
	if cfg.TraceExporter != "none" {
		t.Errorf("TraceExporter = %q, want %q", cfg.TraceExporter, "none")
	}
	if cfg.MetricExporter != "none" {
		t.Errorf("MetricExporter = %q, want %q", cfg.MetricExporter, "none")
	}
}

func TestDefaultConfig_EnvOverride(t *testing.T) {
	t.Setenv("OTEL_TRACES_EXPORTER", "stdout")
	t.Setenv("FLOW_ENV", "ci")
	cfg := DefaultConfig()

	if cfg.TraceExporter != "stdout" {
		t.Errorf("TraceExporter = %q, want %q", cfg.TraceExporter, "stdout")
	}
	if cfg.Environment != "ci" {
		t.Errorf("Environment = %q, want %q", cfg.Environment, "ci")
	}
}

func TestInit_NilContext(t *testing.T) {
	//nolint:staticcheck // exercising the nil guard
	_, err := Init(nil, DefaultConfig())
	if !errors.Is(err, ErrNilContext) {
		t.Errorf("Init(nil) error = %v, want ErrNilContext", err)
	}
}

func TestInit_NoopExporter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TraceExporter = "none"
	cfg.MetricExporter = "none"

	shutdown, err := Init(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown() error = %v", err)
	}
}

func TestInit_UnknownExporter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TraceExporter = "carrier_pigeon"

	_, err := Init(context.Background(), cfg)
	if !errors.Is(err, ErrUnknownExporter) {
		t.Fatalf("Init() error = %v, want ErrUnknownExporter", err)
	}
	if !strings.Contains(err.Error(), "carrier_pigeon") {
		t.Errorf("error = %v, want exporter name", err)
	}
}

func TestInit_PrometheusHandler(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TraceExporter = "none"
	cfg.MetricExporter = "prometheus"

	shutdown, err := Init(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	defer shutdown(context.Background())

	metrics, err := NewMetrics(otel.Meter("flow.telemetry.test"))
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}
	metrics.RecordMethod(context.Background(), "ok", 2*time.Millisecond, 3, 7)
	metrics.RecordDiagnostic(context.Background(), "unreachable-code")

	handler := MetricsHandler()
	if handler == nil {
		t.Fatal("MetricsHandler() = nil with prometheus exporter")
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(string(body), "flow_methods_total") {
		t.Errorf("metrics output missing flow_methods_total:\n%s", body)
	}
	if !strings.Contains(string(body), "flow_diagnostics_total") {
		t.Errorf("metrics output missing flow_diagnostics_total:\n%s", body)
	}
}

func TestMetrics_NilReceiver(t *testing.T) {
	var m *Metrics
	m.RecordMethod(context.Background(), "ok", time.Second, 1, 1)
	m.RecordDiagnostic(context.Background(), "x")
}

func TestLoggerWithTrace_NoSpan(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	LoggerWithTrace(context.Background(), logger).Info("test message")

	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("output should not contain trace_id when no span: %s", buf.String())
	}
}

func TestLoggerWithTrace_NilLogger(t *testing.T) {
	if LoggerWithTrace(context.Background(), nil) == nil {
		t.Error("result should not be nil")
	}
}

func TestLoggerWithTrace_WithSpan(t *testing.T) {
	traceID := trace.TraceID{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x10}
	spanID := trace.SpanID{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	LoggerWithTrace(ctx, logger).Info("test message")

	output := buf.String()
	if !strings.Contains(output, traceID.String()) {
		t.Errorf("output should contain trace ID: %s", output)
	}
	if !strings.Contains(output, spanID.String()) {
		t.Errorf("output should contain span ID: %s", output)
	}
	if TraceID(ctx) != traceID.String() {
		t.Errorf("TraceID() = %q, want %q", TraceID(ctx), traceID.String())
	}
}
