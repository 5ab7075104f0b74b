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

	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianFlow/services/flow/insn"
)

// =============================================================================
// Instruction Helpers
// =============================================================================

func op(off int, k insn.Kind, args ...insn.Register) *insn.Instruction {
	in := insn.New(off, k)
	in.Args = args
	return in
}

func write(off int, k insn.Kind, result insn.Register, args ...insn.Register) *insn.Instruction {
	in := op(off, k, args...)
	in.Result = result
	return in
}

func constant(off int, result insn.Register, v int64) *insn.Instruction {
	in := write(off, insn.KindConst, result)
	in.Literal = &v
	return in
}

func jump(off int, k insn.Kind, target int, args ...insn.Register) *insn.Instruction {
	in := op(off, k, args...)
	in.Jumps = []int{target}
	return in
}

func catching(in *insn.Instruction, cs ...insn.Candidate) *insn.Instruction {
	in.Catches = cs
	return in
}

// =============================================================================
// Graph Helpers
// =============================================================================

func build(t *testing.T, returnsValue bool, insns ...*insn.Instruction) *Method {
	t.Helper()
	m, err := Build(context.Background(), &insn.Method{
		Name:         t.Name(),
		Instructions: insns,
		ReturnsValue: returnsValue,
	}, DefaultOptions())
	require.NoError(t, err)
	return m
}

// analyze refreshes the facts every edit phase relies on.
func analyze(t *testing.T, m *Method) {
	t.Helper()
	m.PruneUnreachable()
	require.NoError(t, m.ComputeDominance(context.Background()))
	m.MarkLoops()
}

// at returns the original block starting at off.
func at(t *testing.T, m *Method, off int) BlockID {
	t.Helper()
	for _, b := range m.Blocks() {
		if b.Offset() == off && !b.Has(FlagSynthetic) {
			return b.ID()
		}
	}
	t.Fatalf("no block at offset %d", off)
	return NoBlock
}

// blocks builds a bare graph from edge pairs. Every id named in edges
// past the sentinels is allocated in order.
func blocks(n int, edges [][2]BlockID) *Method {
	m := NewMethod("hand", DefaultOptions())
	for i := 0; i < n; i++ {
		m.NewBlock(i)
	}
	for _, e := range edges {
		m.Connect(e[0], e[1])
	}
	return m
}

func hasDiagnostic(m *Method, code string) bool {
	for _, d := range m.Diagnostics() {
		if d.Code == code {
			return true
		}
	}
	return false
}
