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
	"github.com/bits-and-blooms/bitset"
)

// =============================================================================
// Natural Loop Detection
// =============================================================================

// MarkLoops finds back edges and materializes one LoopInfo per edge.
//
// Description:
//
//	An edge whose target dominates its source, or a self edge, is a back
//	edge. The target is flagged FlagLoopStart, the source FlagLoopEnd and
//	the loop body is every block on a path from the header back to the
//	tail. Previous loop flags and loop attributes are discarded first.
//	Found loops are visible to later phases but are not registered on the
//	method until RegisterLoops.
//
// Assumptions:
//
//   - ComputeDominance ran after the last structural edit.
//
// Complexity: O(L * (V + E)) for L back edges.
func (m *Method) MarkLoops() {
	m.mutable()
	for _, a := range m.attrs {
		a.loops = nil
	}
	m.marked = m.marked[:0]
	for _, b := range m.Blocks() {
		b.flags &^= loopFlags
	}
	for _, b := range m.Blocks() {
		if b.pos < 0 {
			continue
		}
		for _, s := range b.succs {
			if s != b.id && !m.Dominates(s, b.id) {
				continue
			}
			l := m.naturalLoop(s, b.id)
			m.marked = append(m.marked, l)
			m.setFlag(s, FlagLoopStart)
			m.setFlag(b.id, FlagLoopEnd)
			m.attr(s).loops = append(m.attr(s).loops, l)
			if s != b.id {
				m.attr(b.id).loops = append(m.attr(b.id).loops, l)
			}
		}
	}
}

// naturalLoop collects the header plus every block reaching tail without
// passing through the header.
func (m *Method) naturalLoop(header, tail BlockID) *LoopInfo {
	body := bitset.New(m.arenaSize())
	body.Set(uint(header))
	l := &LoopInfo{id: -1, header: header, tail: tail, body: body, m: m}
	if header == tail {
		return l
	}
	body.Set(uint(tail))
	stack := []BlockID{tail}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, p := range m.blocks[id].preds {
			if body.Test(uint(p)) || m.blocks[p].pos < 0 {
				continue
			}
			body.Set(uint(p))
			stack = append(stack, p)
		}
	}
	return l
}

// loopsAt returns the loops whose header is id, in marking order.
func (m *Method) loopsAt(id BlockID) []*LoopInfo {
	a := m.attrs[id]
	if a == nil {
		return nil
	}
	var out []*LoopInfo
	for _, l := range a.loops {
		if l.header == id {
			out = append(out, l)
		}
	}
	return out
}

// RegisterLoops publishes the marked loops on the method and numbers them.
func (m *Method) RegisterLoops() {
	m.mutable()
	m.loops = make([]*LoopInfo, len(m.marked))
	for i, l := range m.marked {
		l.id = i
		l.parent = nil
		m.loops[i] = l
	}
}

// ResolveNesting links every registered loop to its immediate parent: the
// smallest other loop whose body strictly contains its body.
func (m *Method) ResolveNesting() {
	m.mutable()
	for _, inner := range m.loops {
		var best *LoopInfo
		for _, outer := range m.loops {
			if outer == inner || !outer.body.IsStrictSuperSet(inner.body) {
				continue
			}
			if best == nil || outer.body.Count() < best.body.Count() {
				best = outer
			}
		}
		inner.parent = best
	}
}
