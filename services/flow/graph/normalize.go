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
	"slices"
)

// =============================================================================
// Normalization
// =============================================================================

// canRemoveEmpty reports whether b is a trivial block that can be spliced
// out: no instructions, no flags or attributes, at most one successor, at
// least one predecessor, not a sentinel, no self loop and not an endpoint
// of a temporary handler edge.
func (m *Method) canRemoveEmpty(b *Block) bool {
	if len(b.insns) != 0 || b.flags != 0 || !m.attrs[b.id].empty() {
		return false
	}
	if len(b.succs) > 1 || len(b.preds) == 0 || slices.Contains(b.succs, b.id) {
		return false
	}
	for _, e := range m.tempEdges {
		if e.From == b.id || e.To == b.id {
			return false
		}
	}
	return true
}

// RemoveEmptyBlocks splices out trivial empty blocks, retargeting branch
// targets of their predecessors. It reports whether anything changed.
func (m *Method) RemoveEmptyBlocks() bool {
	m.mutable()
	changed := false
	for _, b := range m.Blocks() {
		if !m.canRemoveEmpty(b) {
			continue
		}
		m.spliceEmpty(b)
		changed = true
	}
	return changed
}

// spliceEmpty removes an empty block, handing its predecessors to its
// single successor.
func (m *Method) spliceEmpty(b *Block) {
	if len(b.succs) == 1 {
		s := b.succs[0]
		for _, p := range b.Preds() {
			m.ReplaceSuccessor(p, b.id, s)
		}
	}
	m.Remove(b.id)
}

// removeDetachedEmpty drops empty blocks without any edge.
func (m *Method) removeDetachedEmpty() bool {
	changed := false
	for _, b := range m.Blocks() {
		if b.id == m.enter || b.id == m.exit || len(b.insns) != 0 {
			continue
		}
		if len(b.preds) == 0 && len(b.succs) == 0 {
			m.Remove(b.id)
			changed = true
		}
	}
	return changed
}

// connectExits links every block without successors to the exit sentinel
// and flags blocks ending in a return.
func (m *Method) connectExits() {
	for _, b := range m.Blocks() {
		if b.id == m.exit || len(b.succs) != 0 {
			continue
		}
		if last := b.lastInsn(); last != nil && last.Kind.IsReturn() {
			b.flags |= FlagReturn
		}
		m.Connect(b.id, m.exit)
	}
}

// PruneUnreachable removes every block not reachable from the enter
// sentinel. The exit sentinel is kept even when no block reaches it.
// Blocks that held instructions raise an unreachable-code diagnostic.
func (m *Method) PruneUnreachable() bool {
	m.mutable()
	seen := m.reachable()
	var lost []BlockID
	changed := false
	for _, b := range m.Blocks() {
		if seen[b.id] || b.id == m.exit {
			continue
		}
		if len(b.insns) > 0 {
			lost = append(lost, b.id)
		}
		m.Remove(b.id)
		changed = true
	}
	if len(lost) > 0 {
		m.warn(CodeUnreachableCode, lost, "removed %d unreachable blocks with instructions", len(lost))
	}
	return changed
}

// reachable marks blocks reachable from enter over successors.
func (m *Method) reachable() []bool {
	seen := make([]bool, len(m.blocks))
	stack := []BlockID{m.enter}
	seen[m.enter] = true
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, s := range m.blocks[id].succs {
			if !seen[s] {
				seen[s] = true
				stack = append(stack, s)
			}
		}
	}
	return seen
}

// UpdateCleanSuccessors refreshes the clean successor list of every block:
// successors minus handler entries and minus the headers of loops the
// block closes.
func (m *Method) UpdateCleanSuccessors() {
	m.mutable()
	for _, b := range m.Blocks() {
		m.updateClean(b)
	}
}

func (m *Method) updateClean(b *Block) {
	b.clean = b.clean[:0]
	for _, s := range b.succs {
		if m.isHandlerPath(s) {
			continue
		}
		if b.flags&FlagLoopEnd != 0 && m.closesLoop(b.id, s) {
			continue
		}
		b.clean = append(b.clean, s)
	}
}

func (m *Method) closesLoop(tail, header BlockID) bool {
	a := m.attrs[header]
	if a == nil {
		return false
	}
	for _, l := range a.loops {
		if l.header == header && l.tail == tail {
			return true
		}
	}
	return false
}
