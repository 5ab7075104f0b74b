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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianFlow/services/flow/insn"
)

func handAnalyze(t *testing.T, m *Method) {
	t.Helper()
	require.NoError(t, m.ComputeDominance(context.Background()))
	m.MarkLoops()
}

func TestApplyLocalEdits_BreakBlocks(t *testing.T) {
	m := counted(t)
	analyze(t, m)
	header, exit := at(t, m, 1), at(t, m, 4)

	phase, n := m.ApplyLocalEdits()
	assert.Equal(t, PhaseBreak, phase)
	assert.Equal(t, 1, n)

	preds := m.Block(exit).Preds()
	require.Len(t, preds, 1)
	brk := m.Block(preds[0])
	assert.True(t, brk.Has(FlagSynthetic))
	assert.Equal(t, []BlockID{header}, brk.Preds())
	assert.Equal(t, brk.ID(), m.Branch(header).Then())

	analyze(t, m)
	phase, n = m.ApplyLocalEdits()
	assert.Equal(t, PhaseNone, phase)
	assert.Zero(t, n)
}

func TestApplyLocalEdits_ContinueBlocks(t *testing.T) {
	// Header 2 branches to 3 and 4 which both reach the tail 5.
	m := blocks(4, [][2]BlockID{
		{0, 2}, {2, 3}, {2, 4}, {2, 1}, {3, 5}, {4, 5}, {5, 2},
	})
	handAnalyze(t, m)

	phase, n := m.ApplyLocalEdits()
	assert.Equal(t, PhaseContinue, phase)
	assert.Equal(t, 2, n)
	for _, p := range m.Block(5).Preds() {
		assert.True(t, m.Block(p).Has(FlagSynthetic))
	}
}

func TestApplyLocalEdits_LoopPredecessor(t *testing.T) {
	// Two outside blocks 3 and 4 enter the loop 5 <-> 6.
	m := blocks(5, [][2]BlockID{
		{0, 2}, {2, 3}, {2, 4}, {3, 5}, {4, 5}, {5, 6}, {6, 5}, {5, 1},
	})
	handAnalyze(t, m)

	phase, n := m.ApplyLocalEdits()
	assert.Equal(t, PhasePredecessor, phase)
	assert.Equal(t, 1, n)

	preds := m.Block(5).Preds()
	require.Len(t, preds, 2)
	assert.Contains(t, preds, BlockID(6))
	funnel := m.Block(preds[0])
	if funnel.ID() == 6 {
		funnel = m.Block(preds[1])
	}
	assert.True(t, funnel.Has(FlagSynthetic))
	assert.ElementsMatch(t, []BlockID{3, 4}, funnel.Preds())
}

func TestApplyLocalEdits_SharedHeader(t *testing.T) {
	m := blocks(3, [][2]BlockID{
		{0, 2}, {2, 3}, {2, 4}, {3, 2}, {4, 2}, {2, 1},
	})
	handAnalyze(t, m)
	require.Len(t, m.loopsAt(2), 2)

	phase, n := m.ApplyLocalEdits()
	assert.Equal(t, PhaseSharedHeader, phase)
	assert.Equal(t, 1, n)

	handAnalyze(t, m)
	require.Len(t, m.loopsAt(2), 1)
	tail := m.loopsAt(2)[0].Tail()
	assert.True(t, m.Block(tail).Has(FlagSynthetic))
	assert.ElementsMatch(t, []BlockID{3, 4}, m.Block(tail).Preds())
}

func TestApplyLocalEdits_ConstReturn(t *testing.T) {
	listing := []*insn.Instruction{
		jump(0, insn.KindIf, 3, 0),
		constant(1, 1, 1),
		op(2, insn.KindReturn, 1),
		constant(3, 1, 0),
		op(4, insn.KindReturn, 1),
	}

	m := build(t, true, listing...)
	analyze(t, m)
	phase, n := m.ApplyLocalEdits()
	assert.Equal(t, PhaseConstReturn, phase)
	assert.Equal(t, 2, n)
	for _, off := range []int{1, 3} {
		b := m.Block(at(t, m, off))
		require.Equal(t, 2, b.Len())
		assert.Equal(t, insn.KindReturn, b.Instructions()[1].Kind)
		assert.True(t, b.Has(FlagReturn))
		assert.Equal(t, []BlockID{m.Exit()}, b.Succs())
	}
	for _, b := range m.Blocks() {
		assert.NotContains(t, []int{2, 4}, b.Offset())
	}

	void := build(t, false, listing...)
	analyze(t, void)
	phase, _ = void.ApplyLocalEdits()
	assert.Equal(t, PhaseNone, phase)
}

func TestApplyLocalEdits_SplitReturn(t *testing.T) {
	m := build(t, true,
		jump(0, insn.KindIf, 3, 0),
		write(1, insn.KindArith, 1, 0),
		jump(2, insn.KindGoto, 4),
		write(3, insn.KindArith, 1, 2),
		op(4, insn.KindReturn, 1),
	)
	analyze(t, m)
	ret := at(t, m, 4)

	phase, n := m.ApplyLocalEdits()
	assert.Equal(t, PhaseSplitReturn, phase)
	assert.Equal(t, 1, n)
	assert.True(t, m.Block(ret).Has(FlagOrigReturn))
	require.Len(t, m.Block(ret).Preds(), 1)

	var copies []*Block
	for _, b := range m.Blocks() {
		if b.Has(FlagSynthetic) && b.Has(FlagReturn) {
			copies = append(copies, b)
		}
	}
	require.Len(t, copies, 1)
	require.Equal(t, 1, copies[0].Len())
	assert.True(t, copies[0].Instructions()[0].Synthetic)
	assert.Equal(t, []BlockID{m.Exit()}, copies[0].Succs())

	analyze(t, m)
	phase, _ = m.ApplyLocalEdits()
	assert.Equal(t, PhaseNone, phase)
}

func TestApplyLocalEdits_SharedPlainReturnKept(t *testing.T) {
	m := diamond(t)
	analyze(t, m)
	phase, n := m.ApplyLocalEdits()
	assert.Equal(t, PhaseNone, phase)
	assert.Zero(t, n)
}

func TestDeduplicateLoopEntries(t *testing.T) {
	m := build(t, true,
		constant(0, 5, 7),
		write(1, insn.KindArith, 1, 5),
		jump(2, insn.KindIf, 5, 1),
		constant(3, 5, 7),
		jump(4, insn.KindGoto, 1),
		op(5, insn.KindReturn, 1),
	)
	analyze(t, m)
	header, before, latch := at(t, m, 1), at(t, m, 0), at(t, m, 3)
	require.True(t, m.Block(header).Has(FlagLoopStart))

	assert.True(t, m.DeduplicateLoopEntries())
	ins := m.Block(header).Instructions()
	require.Len(t, ins, 2)
	assert.Equal(t, insn.KindConst, ins[0].Kind)
	assert.Equal(t, insn.KindArith, ins[1].Kind)
	assert.Zero(t, m.Block(before).Len())
	assert.Zero(t, m.Block(latch).Len())

	require.True(t, hasDiagnostic(m, CodeDuplicateInsns))
	for _, d := range m.Diagnostics() {
		if d.Code == CodeDuplicateInsns {
			assert.Equal(t, SeverityInfo, d.Severity)
		}
	}

	assert.True(t, m.RemoveEmptyBlocks())
	assert.Nil(t, m.Block(before))
	assert.NotNil(t, m.Block(latch), "loop tails are never spliced")

	analyze(t, m)
	assert.False(t, m.DeduplicateLoopEntries())
}

func TestEditPhaseString(t *testing.T) {
	assert.Equal(t, "break-blocks", PhaseBreak.String())
	assert.Equal(t, "split-return", PhaseSplitReturn.String())
	assert.Equal(t, "none", PhaseNone.String())
}
