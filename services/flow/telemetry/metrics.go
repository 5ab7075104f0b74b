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
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics contains the instruments recorded by the flow pipeline.
//
// Description:
//
//	All instrument names use the "flow_" prefix. A nil *Metrics is valid and
//	records nothing, so callers that run without telemetry need no checks.
//
// Thread Safety: Safe for concurrent use after creation.
type Metrics struct {
	// MethodsTotal counts processed methods by status ("ok", "error").
	MethodsTotal metric.Int64Counter

	// PipelineDuration records the wall time of one method run in seconds.
	PipelineDuration metric.Float64Histogram

	// ModificationRounds records local-edit rounds used per method.
	ModificationRounds metric.Int64Histogram

	// DiagnosticsTotal counts emitted diagnostics by code.
	DiagnosticsTotal metric.Int64Counter

	// BlocksPerMethod records the live block count of each finished graph.
	BlocksPerMethod metric.Int64Histogram
}

// NewMetrics registers the pipeline instruments on meter.
//
// Inputs:
//
//	meter - The OTel meter to register with.
//
// Outputs:
//
//	*Metrics - Initialized instruments.
//	error - Non-nil if any registration fails.
//
// Thread Safety: Safe for concurrent use after creation.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.MethodsTotal, err = meter.Int64Counter(
		"flow_methods_total",
		metric.WithDescription("Methods processed by the recovery pipeline"),
		metric.WithUnit("{method}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create methods_total: %w", err)
	}

	m.PipelineDuration, err = meter.Float64Histogram(
		"flow_pipeline_duration_seconds",
		metric.WithDescription("Recovery pipeline duration per method in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1),
	)
	if err != nil {
		return nil, fmt.Errorf("create pipeline_duration: %w", err)
	}

	m.ModificationRounds, err = meter.Int64Histogram(
		"flow_modification_rounds",
		metric.WithDescription("Local edit rounds applied per method"),
		metric.WithUnit("{round}"),
		metric.WithExplicitBucketBoundaries(0, 1, 2, 5, 10, 25, 50, 100),
	)
	if err != nil {
		return nil, fmt.Errorf("create modification_rounds: %w", err)
	}

	m.DiagnosticsTotal, err = meter.Int64Counter(
		"flow_diagnostics_total",
		metric.WithDescription("Diagnostics emitted by the recovery pipeline"),
		metric.WithUnit("{diagnostic}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create diagnostics_total: %w", err)
	}

	m.BlocksPerMethod, err = meter.Int64Histogram(
		"flow_blocks_per_method",
		metric.WithDescription("Live basic blocks in each recovered graph"),
		metric.WithUnit("{block}"),
		metric.WithExplicitBucketBoundaries(2, 4, 8, 16, 32, 64, 128, 256, 512, 1024),
	)
	if err != nil {
		return nil, fmt.Errorf("create blocks_per_method: %w", err)
	}

	return m, nil
}

// RecordMethod records the outcome of one pipeline run.
func (m *Metrics) RecordMethod(ctx context.Context, status string, elapsed time.Duration, rounds, blocks int) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.MethodsTotal.Add(ctx, 1, attrs)
	m.PipelineDuration.Record(ctx, elapsed.Seconds(), attrs)
	m.ModificationRounds.Record(ctx, int64(rounds))
	if blocks > 0 {
		m.BlocksPerMethod.Record(ctx, int64(blocks))
	}
}

// RecordDiagnostic counts one diagnostic with the given code.
func (m *Metrics) RecordDiagnostic(ctx context.Context, code string) {
	if m == nil {
		return
	}
	m.DiagnosticsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("code", code)))
}
