// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pipeline drives control-flow recovery for one method at a time.
//
// A Driver builds the block graph from decoded instructions, runs the
// dominance, loop and exception passes in a fixed order, applies local
// edits until the graph is stable, and locks the result for structuring.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianFlow/services/flow/config"
	"github.com/AleutianAI/AleutianFlow/services/flow/graph"
	"github.com/AleutianAI/AleutianFlow/services/flow/insn"
	"github.com/AleutianAI/AleutianFlow/services/flow/telemetry"
)

var tracer = otel.Tracer("flow.pipeline")

// Driver runs the recovery pipeline.
//
// Thread Safety: Safe for concurrent use. Every Run owns its graph.
type Driver struct {
	cfg     config.Config
	opts    graph.Options
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// Option configures a Driver.
type Option func(*Driver)

// WithHierarchy installs a type hierarchy oracle used to order handlers.
func WithHierarchy(h graph.TypeHierarchy) Option {
	return func(d *Driver) {
		d.opts.Hierarchy = h
	}
}

// NewDriver creates a Driver.
//
// Inputs:
//   - cfg: Pipeline configuration. Zero limits fall back to defaults.
//   - logger: Base logger. nil uses slog.Default().
//   - metrics: Instruments to record into. May be nil.
//
// Outputs:
//   - *Driver: Ready to run.
func NewDriver(cfg config.Config, logger *slog.Logger, metrics *telemetry.Metrics, opts ...Option) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Pipeline.ModificationLimit <= 0 {
		cfg.Pipeline.ModificationLimit = config.Default().Pipeline.ModificationLimit
	}
	d := &Driver{
		cfg:     cfg,
		opts:    cfg.GraphOptions(),
		logger:  logger,
		metrics: metrics,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Result is the outcome of one method run.
type Result struct {
	// Name is the method name.
	Name string

	// Method is the locked graph. nil when the run failed.
	Method *graph.Method

	// RunID identifies this run in logs and spans.
	RunID uuid.UUID

	// Diagnostics collected on the method, also on failure.
	Diagnostics []graph.Diagnostic

	// Passes counts dominance recomputations.
	Passes int

	// Rounds counts local edit rounds that changed the graph.
	Rounds int

	// Duration is the wall time of the run.
	Duration time.Duration

	// Err is the fatal error, nil on success.
	Err error
}

// Failed reports whether the run ended with a fatal error.
func (r *Result) Failed() bool {
	return r.Err != nil
}

// Placeholder renders the explanation attached to the body substituted for
// a failed method. It is empty for successful runs.
func (r *Result) Placeholder() string {
	if r.Err == nil {
		return ""
	}
	s := fmt.Sprintf("Method %s could not be recovered: %v\n", r.Name, r.Err)
	for _, d := range r.Diagnostics {
		s += fmt.Sprintf("  %s [%s]: %s\n", d.Severity, d.Code, d.Message)
	}
	return s
}

// run carries the per-method counters of one Run.
type run struct {
	m      *graph.Method
	passes int
	rounds int
}

// Run builds and processes one method.
//
// Description:
//
//	Steps, in order: prune unreachable blocks; compute dominance and mark
//	loops; hoist duplicated loop-entry instructions, rebuild exception
//	regions and strip empty blocks; repair multi-entry loops; refresh clean
//	successors; apply local edits until none fire; compute the dominance
//	frontier, register and nest loops, refresh clean successors and lock.
//	Dominance is recomputed after every step that changed the graph.
//
// Inputs:
//   - ctx: Carries the trace context.
//   - src: Decoded method body.
//
// Outputs:
//   - *Result: Always non-nil. Method is locked on success.
//   - error: *PipelineError for fatal failures.
//
// Thread Safety: Safe for concurrent use with distinct src values.
func (d *Driver) Run(ctx context.Context, src *insn.Method) (*Result, error) {
	start := time.Now()
	if src == nil {
		src = &insn.Method{}
	}
	res := &Result{Name: src.Name, RunID: uuid.New()}

	ctx, span := tracer.Start(ctx, "Driver.Run",
		trace.WithAttributes(
			attribute.String("method", src.Name),
			attribute.String("run_id", res.RunID.String()),
			attribute.Int("instructions", len(src.Instructions)),
		),
	)
	defer span.End()

	logger := telemetry.LoggerWithTrace(ctx, d.logger).With(
		slog.String("method", src.Name),
		slog.String("run_id", res.RunID.String()),
	)

	r := &run{}
	err := d.process(ctx, src, r, logger)

	res.Duration = time.Since(start)
	res.Passes = r.passes
	res.Rounds = r.rounds
	if r.m != nil {
		res.Diagnostics = r.m.Diagnostics()
	}
	d.report(ctx, logger, res)

	if err != nil {
		res.Err = err
		telemetry.RecordError(span, err)
		d.metrics.RecordMethod(ctx, "error", res.Duration, res.Rounds, 0)
		logger.Error("flow recovery failed", slog.String("error", err.Error()))
		return res, err
	}

	res.Method = r.m
	span.SetAttributes(
		attribute.Int("blocks", r.m.BlockCount()),
		attribute.Int("passes", res.Passes),
		attribute.Int("rounds", res.Rounds),
	)
	telemetry.SetSpanOK(span)
	d.metrics.RecordMethod(ctx, "ok", res.Duration, res.Rounds, r.m.BlockCount())
	logger.Debug("flow recovered",
		slog.Int("blocks", r.m.BlockCount()),
		slog.Int("loops", len(r.m.Loops())),
		slog.Int("regions", len(r.m.TryRegions())),
		slog.Duration("duration", res.Duration),
	)
	return res, nil
}

func (d *Driver) process(ctx context.Context, src *insn.Method, r *run, logger *slog.Logger) error {
	fail := func(phase Phase, err error) error {
		return &PipelineError{Method: src.Name, Phase: phase, Err: err}
	}

	m, err := graph.Build(ctx, src, d.opts)
	if err != nil {
		return fail(PhaseBuild, err)
	}
	r.m = m

	if err := d.recompute(ctx, r); err != nil {
		return fail(PhaseDominance, err)
	}

	changed := m.DeduplicateLoopEntries()
	exChanged, err := m.BuildExceptionRegions(ctx)
	if err != nil {
		return fail(PhaseExceptions, err)
	}
	if m.RemoveEmptyBlocks() || changed || exChanged {
		if err := d.recompute(ctx, r); err != nil {
			return fail(PhaseDominance, err)
		}
	}

	if m.FixMultiEntryLoops(ctx) {
		if err := d.recompute(ctx, r); err != nil {
			return fail(PhaseDominance, err)
		}
	}

	m.UpdateCleanSuccessors()

	limit := d.cfg.Pipeline.ModificationLimit
	for {
		phase, n := m.ApplyLocalEdits()
		if n == 0 {
			break
		}
		r.rounds++
		if r.rounds > limit {
			return fail(PhaseEdits, fmt.Errorf("%w: %d rounds, last phase %s", graph.ErrModificationLimit, limit, phase))
		}
		logger.Debug("local edits applied",
			slog.String("phase", phase.String()),
			slog.Int("edits", n),
			slog.Int("round", r.rounds),
		)
		if err := d.recompute(ctx, r); err != nil {
			return fail(PhaseDominance, err)
		}
	}

	d.finalize(m)
	return nil
}

// recompute prunes unreachable blocks, recomputes dominance and re-marks
// loops. Stale facts from an earlier pass are never reused.
func (d *Driver) recompute(ctx context.Context, r *run) error {
	r.passes++
	r.m.PruneUnreachable()
	if err := r.m.ComputeDominance(ctx); err != nil {
		return err
	}
	r.m.MarkLoops()
	return nil
}

func (d *Driver) finalize(m *graph.Method) {
	m.ComputeDominanceFrontier()
	m.RegisterLoops()
	m.ResolveNesting()
	m.UpdateCleanSuccessors()
	m.Lock()
}

// report logs diagnostics at warn level and counts them.
func (d *Driver) report(ctx context.Context, logger *slog.Logger, res *Result) {
	for _, diag := range res.Diagnostics {
		d.metrics.RecordDiagnostic(ctx, diag.Code)
		blocks := make([]string, len(diag.Blocks))
		for i, b := range diag.Blocks {
			blocks[i] = b.String()
		}
		logger.Warn(diag.Message,
			slog.String("code", diag.Code),
			slog.String("severity", diag.Severity.String()),
			slog.Any("blocks", blocks),
		)
	}
}

// LocalEdits reports how many edits one more round of local edits would
// make on m. m is left untouched.
//
// Inputs:
//   - m: A method returned by Run.
//
// Outputs:
//   - int: Zero for a converged method.
func (d *Driver) LocalEdits(m *graph.Method) int {
	_, n := m.Clone().ApplyLocalEdits()
	return n
}
