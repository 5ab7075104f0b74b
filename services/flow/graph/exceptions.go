// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"context"
	"log/slog"
	"slices"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianFlow/services/flow/insn"
	"github.com/AleutianAI/AleutianFlow/services/flow/telemetry"
)

// =============================================================================
// Exception Region Reconstruction
// =============================================================================

var exceptionTracer = otel.Tracer("flow.graph.exceptions")

// unusedArgName names the exception value of a handler that discards it.
const unusedArgName = "unused"

// BuildExceptionRegions reconstructs try/catch structure from the
// per-instruction handler candidates.
//
// Description:
//
//	Runs in six steps: catch attributes are normalized and hoisted to
//	block level; handlers are bound to their blocks and the temporary
//	handler edges are detached; protected block groups become try regions
//	that are merged and nested to a bounded fixpoint; single-instruction
//	handlers sharing a join block are merged into one multi-catch;
//	every surviving region gets top and bottom splitter blocks connected to
//	its handlers and those of enclosing regions; finally monitor-exit
//	copies are stripped from handler bodies and orphaned blocks dropped.
//
// Inputs:
//
//   - ctx: Context for tracing. Must not be nil.
//
// Outputs:
//
//   - bool: True when the graph was modified.
//   - error: ErrRegionBounds or ErrWrapLimit. Both are fatal.
//
// Assumptions:
//
//   - ComputeDominance ran on the graph that still holds the temporary
//     handler edges added by Build.
//
// Limitations:
//
//   - Splitter placement reads the dominance facts of that same pass.
//     Inserted splitter blocks do not change dominance between the
//     blocks that existed before, so later regions still see consistent
//     facts for the blocks they protect.
func (m *Method) BuildExceptionRegions(ctx context.Context) (bool, error) {
	m.mutable()
	if len(m.handlers) == 0 {
		return false, nil
	}
	ctx, span := exceptionTracer.Start(ctx, "graph.BuildExceptionRegions",
		trace.WithAttributes(
			attribute.String("method", m.name),
			attribute.Int("handler_count", len(m.handlers)),
		),
	)
	defer span.End()

	m.processCatchAttrs()
	m.bindHandlers()
	m.connectExits()

	m.prepareRegions()
	for _, r := range m.regions {
		m.mergeMultiCatch(r)
	}
	m.DetachMarked()
	for _, r := range m.regions {
		m.orderHandlers(r)
	}
	m.dropEmptyRegions()
	m.DetachMarked()

	if err := m.wrapRegions(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return true, err
	}

	m.stripMonitorExits()
	m.DetachMarked()
	m.removeOrphans()
	m.UpdateCleanSuccessors()

	span.SetAttributes(
		attribute.Int("region_count", len(m.regions)),
		attribute.Int("handler_count_final", len(m.handlers)),
	)
	telemetry.LoggerWithTrace(ctx, slog.Default()).Debug("exception regions built",
		slog.String("method", m.name),
		slog.Int("regions", len(m.regions)),
		slog.Int("handlers", len(m.handlers)),
	)
	return true, nil
}

// processCatchAttrs drops catch lists from instructions that cannot throw
// and hoists a list shared by every remaining instruction of a block to
// the block, together with the try range markers.
func (m *Method) processCatchAttrs() {
	for in := range m.insnCatch {
		if !in.CanThrow() {
			delete(m.insnCatch, in)
		}
	}
	for _, b := range m.Blocks() {
		var common *CatchAttr
		shared := true
		for _, in := range b.insns {
			c := m.insnCatch[in]
			if c == nil {
				continue
			}
			if common == nil {
				common = c
			} else if !common.Equal(c) {
				shared = false
				break
			}
		}
		if !shared || common == nil {
			continue
		}
		m.attr(b.id).catch = &CatchAttr{Handlers: slices.Clone(common.Handlers)}
		for _, in := range b.insns {
			if in.TryEnter {
				b.flags |= FlagTryEnter
			}
			if in.TryLeave {
				b.flags |= FlagTryLeave
			}
		}
	}
}

// bindHandlers assigns every handler its entry and owned blocks and
// detaches the temporary edges. Ownership is read from the dominance facts
// computed while those edges still existed.
func (m *Method) bindHandlers() {
	for _, h := range m.handlers {
		entry := h.entry
		owned := []BlockID{entry}
		for _, b := range m.Blocks() {
			if b.id != entry && b.doms.Test(uint(entry)) {
				owned = append(owned, b.id)
			}
		}
		for _, e := range m.tempEdges {
			if e.To == entry {
				m.Disconnect(e.From, e.To)
			}
		}
		m.attr(entry).handler = nil

		if len(m.blocks[entry].preds) == 0 {
			m.attr(entry).handler = h
			h.blocks = owned
		} else {
			nb := m.NewSynthetic()
			m.attr(nb).handler = h
			m.Connect(nb, entry)
			h.entry = nb
			h.blocks = []BlockID{nb}
		}
		m.fixMoveException(h, entry)
	}
	m.tempEdges = nil
}

// fixMoveException types the move-exception of the handler body starting
// at body, or binds a placeholder when the exception value is discarded.
func (m *Method) fixMoveException(h *ExceptionHandler, body BlockID) {
	h.argType = m.opts.CatchAllType
	if !h.catchAll && len(h.types) == 1 {
		h.argType = h.types[0]
	}
	first := m.blocks[body].firstInsn()
	if first != nil && first.Kind == insn.KindMoveException {
		first.ResultType = h.argType
		h.arg = first.Result
		h.argName = ""
		return
	}
	h.arg = insn.NoRegister
	h.argName = unusedArgName
}

// discardHandler removes a handler that protects nothing. Owned blocks that
// still hold instructions raise an unreachable-code diagnostic.
func (m *Method) discardHandler(h *ExceptionHandler) {
	if h.removed {
		return
	}
	var lost []BlockID
	for _, b := range h.blocks {
		if blk := m.blocks[b]; !blk.dead && len(blk.insns) > 0 && b != m.enter && b != m.exit {
			lost = append(lost, b)
		}
	}
	if len(lost) > 0 {
		m.warn(CodeUnreachableCode, lost, "handler %s protects nothing, removed %d blocks with instructions", h, len(lost))
	}
	m.removeHandler(h)
}

// removeHandler unlinks h from every catch list and region and schedules
// its owned blocks for removal.
func (m *Method) removeHandler(h *ExceptionHandler) {
	if h.removed {
		return
	}
	h.removed = true
	for _, b := range h.blocks {
		if b != m.enter && b != m.exit {
			m.MarkRemoved(b)
		}
	}
	for _, a := range m.attrs {
		if a.catch != nil {
			a.catch.remove(h)
			if len(a.catch.Handlers) == 0 {
				a.catch = nil
			}
		}
		if a.handler == h {
			a.handler = nil
		}
	}
	for _, c := range m.insnCatch {
		c.remove(h)
	}
	for _, r := range m.regions {
		r.handlers = slices.DeleteFunc(r.handlers, func(x *ExceptionHandler) bool { return x == h })
	}
	m.handlers = slices.DeleteFunc(m.handlers, func(x *ExceptionHandler) bool { return x == h })
}

// stripMonitorExits removes the monitor-exit instructions of each handler
// that no monitor-enter of the same handler precedes, either earlier in the
// block or in a dominating handler block. Blocks emptied this way are
// spliced out.
func (m *Method) stripMonitorExits() {
	for _, h := range m.handlers {
		var enters []BlockID
		for _, id := range h.blocks {
			b := m.blocks[id]
			if !b.dead && slices.ContainsFunc(b.insns, isMonitorEnter) {
				enters = append(enters, id)
			}
		}
		for _, id := range h.Blocks() {
			b := m.blocks[id]
			if b.dead || len(b.insns) == 0 {
				continue
			}
			entered := b.doms != nil && slices.ContainsFunc(enters, func(e BlockID) bool {
				return b.doms.Test(uint(e))
			})
			kept := b.insns[:0]
			stripped := false
			for _, in := range b.insns {
				if isMonitorEnter(in) {
					entered = true
				}
				if !entered && in.Kind == insn.KindMonitorExit {
					delete(m.insnCatch, in)
					stripped = true
					continue
				}
				kept = append(kept, in)
			}
			b.insns = kept
			if !stripped || len(kept) != 0 {
				continue
			}
			m.attr(id).catch = nil
			if m.canRemoveEmpty(b) {
				m.spliceEmpty(b)
			}
		}
	}
}

func isMonitorEnter(in *insn.Instruction) bool { return in.Kind == insn.KindMonitorEnter }

// removeOrphans drops empty blocks left without predecessors.
func (m *Method) removeOrphans() {
	for _, b := range m.Blocks() {
		if b.id == m.enter || b.id == m.exit || len(b.insns) != 0 || len(b.preds) != 0 {
			continue
		}
		m.Remove(b.id)
	}
}

// concatDistinct appends the elements of b missing from a.
func concatDistinct[T comparable](a, b []T) []T {
	out := slices.Clone(a)
	for _, x := range b {
		if !slices.Contains(out, x) {
			out = append(out, x)
		}
	}
	return out
}

// sameSet compares two id lists as sets.
func sameSet(a, b []BlockID) bool {
	x, y := slices.Clone(a), slices.Clone(b)
	slices.Sort(x)
	slices.Sort(y)
	return slices.Equal(slices.Compact(x), slices.Compact(y))
}
