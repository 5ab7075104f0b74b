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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertLocked(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		r := recover()
		require.NotNil(t, r, "expected a panic")
		err, ok := r.(error)
		require.True(t, ok, "panic value %v is not an error", r)
		assert.True(t, errors.Is(err, ErrLocked))
	}()
	fn()
}

func TestNewMethod(t *testing.T) {
	m := NewMethod("m", Options{})
	assert.Equal(t, BlockID(0), m.Enter())
	assert.Equal(t, BlockID(1), m.Exit())
	assert.Equal(t, 2, m.BlockCount())
	assert.Equal(t, DefaultCatchAllType, m.Options().CatchAllType)
	assert.Equal(t, DefaultMaxDominatorIterations, m.Options().MaxDominatorIterations)
	assert.Nil(t, m.Block(7))
	assert.Nil(t, m.Block(NoBlock))
}

func TestEdgeOperations(t *testing.T) {
	m := blocks(3, [][2]BlockID{{0, 2}, {2, 3}, {3, 1}})

	m.Connect(2, 3)
	assert.Equal(t, []BlockID{3}, m.Block(2).Succs(), "duplicate edges are ignored")

	mid := m.InsertBetween(2, 3)
	assert.True(t, m.Block(mid).Has(FlagSynthetic))
	assert.Equal(t, []BlockID{mid}, m.Block(2).Succs())
	assert.Equal(t, []BlockID{mid}, m.Block(3).Preds())

	m.ReplaceSuccessor(2, mid, 4)
	assert.Equal(t, []BlockID{4}, m.Block(2).Succs())
	assert.Empty(t, m.Block(mid).Preds())

	top := m.SplitTop(4)
	assert.Equal(t, []BlockID{top}, m.Block(2).Succs())
	assert.Equal(t, []BlockID{4}, m.Block(top).Succs())

	m.Disconnect(2, top)
	assert.Empty(t, m.Block(2).Succs())
	assert.Empty(t, m.Block(top).Preds())

	m.MarkRemoved(mid)
	assert.True(t, m.DetachMarked())
	assert.Nil(t, m.Block(mid))
	assert.False(t, m.DetachMarked())
}

func TestCopyBlock(t *testing.T) {
	m := diamond(t)
	head := at(t, m, 0)

	cp := m.CopyBlock(head)
	assert.NotEqual(t, head, cp)
	assert.True(t, m.Block(cp).Has(FlagSynthetic))
	assert.Empty(t, m.Block(cp).Preds())
	assert.Empty(t, m.Block(cp).Succs())
	require.Equal(t, m.Block(head).Len(), m.Block(cp).Len())
	assert.NotSame(t, m.Block(head).Instructions()[0], m.Block(cp).Instructions()[0])
	require.NotNil(t, m.Branch(cp))
	assert.Equal(t, m.Branch(head).Targets, m.Branch(cp).Targets)
}

func TestAddDiagnostic_DropsRepeats(t *testing.T) {
	m := NewMethod("m", DefaultOptions())
	d := Diagnostic{Severity: SeverityWarning, Code: CodeInfiniteLoop, Message: "x", Blocks: []BlockID{2}}
	m.AddDiagnostic(d)
	m.AddDiagnostic(d)
	d.Blocks = []BlockID{3}
	m.AddDiagnostic(d)

	require.Len(t, m.Diagnostics(), 2)
	assert.Equal(t, "warn [infinite-loop] x [B2]", m.Diagnostics()[0].String())
}

func TestLock(t *testing.T) {
	m := counted(t)
	analyze(t, m)
	m.RegisterLoops()
	m.Lock()
	m.Lock()
	assert.True(t, m.Locked())

	assertLocked(t, func() { m.Connect(m.Enter(), m.Exit()) })
	assertLocked(t, func() { m.NewBlock(0) })
	assertLocked(t, func() { _ = m.ComputeDominance(context.Background()) })
	assertLocked(t, func() { m.ApplyLocalEdits() })
	assertLocked(t, func() { m.MarkLoops() })
	assertLocked(t, func() { m.AddDiagnostic(Diagnostic{Code: "x"}) })

	// Reads stay available.
	assert.Len(t, m.Loops(), 1)
	assert.NotEmpty(t, m.Blocks())
	assert.True(t, m.Dominates(at(t, m, 1), at(t, m, 2)))
}

func TestClone(t *testing.T) {
	m := counted(t)
	analyze(t, m)
	m.RegisterLoops()
	m.Lock()

	c := m.Clone()
	assert.False(t, c.Locked())
	assert.Equal(t, m.BlockCount(), c.BlockCount())
	assert.Equal(t, m.Name(), c.Name())

	header, body := at(t, m, 1), at(t, m, 2)
	assert.True(t, c.Dominates(header, body))
	require.Len(t, c.Loops(), 1)
	assert.NotSame(t, m.Loops()[0], c.Loops()[0])
	assert.Equal(t, m.Loops()[0].Body(), c.Loops()[0].Body())

	phase, n := c.ApplyLocalEdits()
	assert.Equal(t, PhaseBreak, phase)
	assert.Equal(t, 1, n)
	assert.Equal(t, m.BlockCount()+1, c.BlockCount())
	assert.Len(t, m.Block(header).Succs(), 2)
	assert.NotEqual(t, m.Block(header).Succs(), c.Block(header).Succs())
}

func TestFlagAndIDStrings(t *testing.T) {
	assert.Equal(t, "B3", BlockID(3).String())
	assert.Equal(t, "B-", NoBlock.String())
	assert.Equal(t, "", Flag(0).String())
	assert.Equal(t, "RETURN|SYNTHETIC", (FlagReturn | FlagSynthetic).String())
	assert.Equal(t, "info", SeverityInfo.String())
}
