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
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianFlow/services/flow/telemetry"
)

// =============================================================================
// Dominator Trees - Cooper-Harvey-Kennedy Algorithm
// =============================================================================

var dominatorTracer = otel.Tracer("flow.graph.dominators")

// domWalk is a reverse postorder numbering from one root.
type domWalk struct {
	order []BlockID
	pos   []int
}

// reversePostorder numbers the blocks reachable from root over next using
// an explicit stack, so deep graphs cannot exhaust the goroutine stack.
func (m *Method) reversePostorder(root BlockID, next func(*Block) []BlockID) domWalk {
	n := len(m.blocks)
	w := domWalk{pos: make([]int, n)}
	for i := range w.pos {
		w.pos[i] = -1
	}
	type frame struct {
		id   BlockID
		edge int
	}
	visited := make([]bool, n)
	post := make([]BlockID, 0, n)
	stack := []frame{{id: root}}
	visited[root] = true
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		succs := next(m.blocks[top.id])
		if top.edge < len(succs) {
			s := succs[top.edge]
			top.edge++
			if !visited[s] && !m.blocks[s].dead {
				visited[s] = true
				stack = append(stack, frame{id: s})
			}
			continue
		}
		post = append(post, top.id)
		stack = stack[:len(stack)-1]
	}
	w.order = make([]BlockID, len(post))
	for i, id := range post {
		rpo := len(post) - 1 - i
		w.order[rpo] = id
		w.pos[id] = rpo
	}
	return w
}

// iterateDominators runs the Cooper-Harvey-Kennedy fixpoint over w.
// The returned slice maps every numbered block to its immediate dominator;
// the root maps to itself and unnumbered blocks to NoBlock.
func (m *Method) iterateDominators(w domWalk, prev func(*Block) []BlockID) ([]BlockID, int, error) {
	idom := make([]BlockID, len(m.blocks))
	for i := range idom {
		idom[i] = NoBlock
	}
	root := w.order[0]
	idom[root] = root

	intersect := func(a, b BlockID) BlockID {
		for a != b {
			for w.pos[a] > w.pos[b] {
				a = idom[a]
			}
			for w.pos[b] > w.pos[a] {
				b = idom[b]
			}
		}
		return a
	}

	for iter := 1; ; iter++ {
		if iter > m.opts.MaxDominatorIterations {
			return nil, iter - 1, fmt.Errorf("%w: %s after %d iterations", ErrNoConvergence, m.name, iter-1)
		}
		changed := false
		for _, id := range w.order[1:] {
			newIdom := NoBlock
			for _, p := range prev(m.blocks[id]) {
				if w.pos[p] < 0 || idom[p] == NoBlock {
					continue
				}
				if newIdom == NoBlock {
					newIdom = p
				} else {
					newIdom = intersect(p, newIdom)
				}
			}
			if newIdom != NoBlock && idom[id] != newIdom {
				idom[id] = newIdom
				changed = true
			}
		}
		if !changed {
			return idom, iter, nil
		}
	}
}

// ComputeDominance clears every dominance fact and recomputes dominators
// and post-dominators.
//
// Description:
//
//	Blocks are numbered in reverse postorder from the enter sentinel and
//	the immediate dominators are found with the iterative algorithm from
//	"A Simple, Fast Dominance Algorithm" (Cooper, Harvey, Kennedy 2001).
//	Strict dominator sets are derived from the idom chains and the
//	dominator tree children are recorded. Post-dominators are computed the
//	same way from the exit sentinel over predecessors in a separate
//	numbering; blocks that cannot reach the exit keep empty post-dominance
//	facts and raise an infinite-loop diagnostic.
//
// Outputs:
//
//   - error: ErrUnreachable when a live block other than a predecessor-less
//     exit sentinel is not reachable from enter; ErrNoConvergence when the
//     iteration cap is hit.
//
// Limitations:
//
//   - The dominance frontier is derived separately by
//     ComputeDominanceFrontier.
//
// Complexity: O(E) typical, O(V²) worst case.
func (m *Method) ComputeDominance(ctx context.Context) error {
	m.mutable()
	ctx, span := dominatorTracer.Start(ctx, "graph.ComputeDominance",
		trace.WithAttributes(
			attribute.String("method", m.name),
			attribute.Int("block_count", m.BlockCount()),
		),
	)
	defer span.End()

	for _, b := range m.Blocks() {
		b.clearFacts()
	}

	w := m.reversePostorder(m.enter, func(b *Block) []BlockID { return b.succs })
	for _, b := range m.Blocks() {
		if w.pos[b.id] >= 0 || (b.id == m.exit && len(b.preds) == 0) {
			continue
		}
		err := &BlockError{Block: b.id, Err: ErrUnreachable}
		span.RecordError(err)
		return fmt.Errorf("dominators of %s: %w", m.name, err)
	}

	idom, iters, err := m.iterateDominators(w, func(b *Block) []BlockID { return b.preds })
	if err != nil {
		span.RecordError(err)
		return err
	}
	for _, id := range w.order {
		b := m.blocks[id]
		b.pos = w.pos[id]
		if id == m.enter {
			continue
		}
		b.idom = idom[id]
		parent := m.blocks[b.idom]
		b.doms = parent.doms.Clone()
		b.doms.Set(uint(b.idom))
		parent.domChildren = append(parent.domChildren, id)
	}
	span.SetAttributes(attribute.Int("iterations", iters))

	postIters, err := m.computePostDominance()
	if err != nil {
		span.RecordError(err)
		return err
	}
	span.AddEvent("post_dominators_computed", trace.WithAttributes(attribute.Int("iterations", postIters)))

	telemetry.LoggerWithTrace(ctx, slog.Default()).Debug("dominance computed",
		slog.String("method", m.name),
		slog.Int("blocks", len(w.order)),
		slog.Int("iterations", iters),
		slog.Int("post_iterations", postIters),
	)
	return nil
}

// computePostDominance runs the dominator engine on the reversed graph.
func (m *Method) computePostDominance() (int, error) {
	exit := m.blocks[m.exit]
	if len(exit.preds) == 0 {
		var lost []BlockID
		for _, b := range m.Blocks() {
			if b.id != m.exit && b.id != m.enter {
				lost = append(lost, b.id)
			}
		}
		m.warnOnce(CodeInfiniteLoop, lost, "no block reaches the method exit")
		return 0, nil
	}

	w := m.reversePostorder(m.exit, func(b *Block) []BlockID { return b.preds })
	idom, iters, err := m.iterateDominators(w, func(b *Block) []BlockID { return b.succs })
	if err != nil {
		return iters, fmt.Errorf("post-dominators: %w", err)
	}
	for _, id := range w.order {
		if id == m.exit {
			continue
		}
		b := m.blocks[id]
		b.ipostdom = idom[id]
		b.postDoms = m.blocks[b.ipostdom].postDoms.Clone()
		b.postDoms.Set(uint(b.ipostdom))
	}

	var lost []BlockID
	for _, b := range m.Blocks() {
		if w.pos[b.id] < 0 && b.id != m.enter {
			lost = append(lost, b.id)
		}
	}
	if len(lost) > 0 {
		m.warnOnce(CodeInfiniteLoop, lost, "%d blocks cannot reach the method exit", len(lost))
	}
	return iters, nil
}

// =============================================================================
// Dominance Frontier
// =============================================================================

// ComputeDominanceFrontier derives the dominance frontier of every block
// from the current immediate dominators.
//
// Description:
//
//	For each block with at least two predecessors, each predecessor's
//	idom chain is walked up to, but not including, the block's own idom;
//	every block passed on the way gets the join block in its frontier.
//
// Assumptions:
//
//   - ComputeDominance ran after the last structural edit.
//
// Complexity: O(V + E + |DF|).
func (m *Method) ComputeDominanceFrontier() {
	m.mutable()
	for _, b := range m.Blocks() {
		b.frontier.ClearAll()
	}
	for _, b := range m.Blocks() {
		if len(b.preds) < 2 || b.pos < 0 {
			continue
		}
		for _, p := range b.preds {
			for r := p; r != NoBlock && r != b.idom; r = m.blocks[r].idom {
				if m.blocks[r].pos < 0 {
					break
				}
				m.blocks[r].frontier.Set(uint(b.id))
			}
		}
	}
}
