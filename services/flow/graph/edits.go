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

	"github.com/AleutianAI/AleutianFlow/services/flow/insn"
)

// =============================================================================
// Local CFG Edits
// =============================================================================

// EditPhase names one local edit of the fixpoint round.
type EditPhase int

const (
	PhaseNone EditPhase = iota
	PhaseBreak
	PhaseContinue
	PhasePredecessor
	PhasePreHeader
	PhaseSharedHeader
	PhaseConstReturn
	PhaseSplitReturn
)

var phaseNames = [...]string{
	PhaseNone:         "none",
	PhaseBreak:        "break-blocks",
	PhaseContinue:     "continue-blocks",
	PhasePredecessor:  "loop-predecessor",
	PhasePreHeader:    "pre-header",
	PhaseSharedHeader: "shared-header",
	PhaseConstReturn:  "const-return",
	PhaseSplitReturn:  "split-return",
}

func (p EditPhase) String() string {
	if p >= 0 && int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return "unknown"
}

// ApplyLocalEdits runs one round of local edits and stops at the first
// phase that changes the graph.
//
// Description:
//
//	Loops are visited by header. A header with one loop gets, in order:
//	synthetic blocks on exit edges (future break points), synthetic
//	blocks in front of the tail (future continue points), one merging
//	predecessor when more than two edges enter the header, and a
//	pre-header when the number of outside predecessors is not one. A
//	header shared by several loops gets one common synthetic tail. Then
//	constant blocks feeding a return are merged into it and return blocks
//	with several predecessors are split.
//
// Outputs:
//
//   - EditPhase: The phase that fired, PhaseNone when the graph is stable.
//   - int: Number of edits made.
//
// Assumptions:
//
//   - ComputeDominance and MarkLoops ran after the last structural edit.
func (m *Method) ApplyLocalEdits() (EditPhase, int) {
	m.mutable()
	if p, n := m.editLoops(); n > 0 {
		return p, n
	}
	if n := m.mergeConstReturn(); n > 0 {
		return PhaseConstReturn, n
	}
	if n := m.splitReturnBlocks(); n > 0 {
		return PhaseSplitReturn, n
	}
	return PhaseNone, 0
}

func (m *Method) editLoops() (EditPhase, int) {
	for _, b := range m.Blocks() {
		if !b.Has(FlagLoopStart) {
			continue
		}
		loops := m.loopsAt(b.id)
		switch {
		case len(loops) == 1:
			l := loops[0]
			if n := m.insertBreakBlocks(l); n > 0 {
				return PhaseBreak, n
			}
			if n := m.insertContinueBlocks(l); n > 0 {
				return PhaseContinue, n
			}
			if n := m.insertLoopPredecessor(l); n > 0 {
				return PhasePredecessor, n
			}
			if n := m.insertPreHeader(l); n > 0 {
				return PhasePreHeader, n
			}
		case len(loops) > 1:
			return PhaseSharedHeader, m.splitSharedHeader(b.id, loops)
		}
	}
	return PhaseNone, 0
}

func (m *Method) synthetic(id BlockID) bool { return m.blocks[id].Has(FlagSynthetic) }

func (m *Method) insertBreakBlocks(l *LoopInfo) int {
	n := 0
	for _, e := range l.ExitEdges() {
		if m.synthetic(e.From) || m.synthetic(e.To) {
			continue
		}
		m.InsertBetween(e.From, e.To)
		n++
	}
	return n
}

func (m *Method) insertContinueBlocks(l *LoopInfo) int {
	tail := m.blocks[l.tail]
	if len(tail.preds) < 2 {
		return 0
	}
	n := 0
	for _, p := range tail.Preds() {
		if m.synthetic(p) || !l.Contains(p) {
			continue
		}
		m.InsertBetween(p, l.tail)
		n++
	}
	return n
}

// outsidePreds returns the header predecessors that are not back edges.
func (m *Method) outsidePreds(l *LoopInfo) []BlockID {
	var out []BlockID
	for _, p := range m.blocks[l.header].preds {
		if !l.Contains(p) {
			out = append(out, p)
		}
	}
	return out
}

func (m *Method) funnelPreds(header BlockID, preds []BlockID) {
	nb := m.NewSynthetic()
	for _, p := range preds {
		m.ReplaceSuccessor(p, header, nb)
	}
	m.Connect(nb, header)
}

func (m *Method) insertLoopPredecessor(l *LoopInfo) int {
	if len(m.blocks[l.header].preds) <= 2 {
		return 0
	}
	outside := m.outsidePreds(l)
	if len(outside) < 2 {
		return 0
	}
	m.funnelPreds(l.header, outside)
	return 1
}

func (m *Method) insertPreHeader(l *LoopInfo) int {
	outside := m.outsidePreds(l)
	switch len(outside) {
	case 1:
		return 0
	case 0:
		m.warn(CodeMissingPreHeader, []BlockID{l.header}, "loop header %s has no outside predecessor", l.header)
		return 0
	}
	m.funnelPreds(l.header, outside)
	return 1
}

// splitSharedHeader routes every back edge of loops sharing header through
// one new synthetic tail.
func (m *Method) splitSharedHeader(header BlockID, loops []*LoopInfo) int {
	nb := m.NewSynthetic()
	for _, l := range loops {
		m.ReplaceSuccessor(l.tail, header, nb)
	}
	m.Connect(nb, header)
	return 1
}

// mergeConstReturn folds a block holding only a constant assignment into
// the return block it feeds when the return reads that constant. Void
// methods are left alone.
func (m *Method) mergeConstReturn() int {
	if m.src != nil && !m.src.ReturnsValue {
		return 0
	}
	n := 0
	for _, id := range m.blocks[m.exit].Preds() {
		b := m.blocks[id]
		if b.dead || len(b.preds) != 1 || m.isHandlerPath(id) {
			continue
		}
		pred := m.blocks[b.preds[0]]
		if pred.id == m.enter || len(pred.insns) != 1 || len(pred.succs) != 1 {
			continue
		}
		c := pred.insns[0]
		ret := b.lastInsn()
		if c.Kind != insn.KindConst || ret == nil || !ret.Kind.IsReturn() || len(ret.Args) == 0 {
			continue
		}
		if c.Result != ret.Args[0] {
			continue
		}
		pred.insns = append(pred.insns, b.insns...)
		pred.flags |= FlagReturn
		b.insns = nil
		m.Remove(id)
		m.Connect(pred.id, m.exit)
		n++
	}
	return n
}

// splitReturnBlocks gives every predecessor of a shared return block its
// own copy of the return. The first predecessor keeps the original.
func (m *Method) splitReturnBlocks() int {
	n := 0
	for _, id := range m.blocks[m.exit].Preds() {
		b := m.blocks[id]
		if b.dead || b.Has(FlagSynthetic) || b.Has(FlagOrigReturn) || m.isHandlerPath(id) {
			continue
		}
		ret := b.lastInsn()
		if ret == nil || !ret.Kind.IsReturn() || len(b.preds) < 2 {
			continue
		}
		if len(ret.Args) == 1 && len(b.insns) == 1 && !m.assignedInPred(b, ret.Args[0]) {
			continue
		}
		preds := b.Preds()
		b.flags |= FlagOrigReturn
		for _, p := range preds[1:] {
			nb := m.NewSynthetic()
			cp := m.blocks[nb]
			cp.flags |= FlagReturn
			for _, in := range b.insns {
				dup := in.Clone()
				dup.Synthetic = true
				cp.insns = append(cp.insns, dup)
			}
			m.ReplaceSuccessor(p, id, nb)
			m.Connect(nb, m.exit)
			n++
		}
	}
	return n
}

func (m *Method) assignedInPred(b *Block, reg insn.Register) bool {
	for _, p := range b.preds {
		if last := m.blocks[p].lastInsn(); last != nil && last.Result == reg {
			return true
		}
	}
	return false
}

// =============================================================================
// Loop Entry Deduplication
// =============================================================================

// DeduplicateLoopEntries moves instructions repeated at the end of every
// predecessor of a loop header into the header itself. Terminators and
// throwing instructions are never moved.
func (m *Method) DeduplicateLoopEntries() bool {
	m.mutable()
	changed := false
	for _, b := range m.Blocks() {
		if !b.Has(FlagLoopStart) || len(b.preds) < 2 || m.isHandlerPath(b.id) {
			continue
		}
		if last := b.lastInsn(); last != nil && last.Kind == insn.KindIf {
			continue
		}
		if slices.Contains(b.preds, b.id) {
			continue
		}
		n := m.sameTrailingInsns(b.preds)
		if n == 0 {
			continue
		}
		first := m.blocks[b.preds[0]]
		moved := slices.Clone(first.insns[len(first.insns)-n:])
		b.insns = append(moved, b.insns...)
		for i, p := range b.preds {
			pb := m.blocks[p]
			if i > 0 {
				for _, in := range pb.insns[len(pb.insns)-n:] {
					delete(m.insnCatch, in)
				}
			}
			pb.insns = pb.insns[:len(pb.insns)-n]
		}
		m.AddDiagnostic(Diagnostic{
			Severity: SeverityInfo,
			Code:     CodeDuplicateInsns,
			Message:  "moved duplicated instructions into loop header",
			Blocks:   []BlockID{b.id},
		})
		changed = true
	}
	return changed
}

func (m *Method) sameTrailingInsns(preds []BlockID) int {
	count := 0
	for {
		var ref *insn.Instruction
		for _, p := range preds {
			pb := m.blocks[p]
			if len(pb.insns) <= count {
				return count
			}
			in := pb.insns[len(pb.insns)-1-count]
			if ref == nil {
				if in.Kind.IsTerminator() || in.CanThrow() {
					return count
				}
				ref = in
			} else if !ref.Equal(in) {
				return count
			}
		}
		count++
	}
}
