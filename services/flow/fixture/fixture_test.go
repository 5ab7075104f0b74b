// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package fixture

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianFlow/services/flow/insn"
)

const maxListing = `
methods:
  - name: max
    returns_value: true
    code:
      - {at: 0, op: if, args: [0, 1], jumps: [3]}
      - {at: 1, op: move, result: 2, args: [1]}
      - {at: 2, op: goto, jumps: [4]}
      - {at: 3, op: move, result: 2, args: [0]}
      - {at: 4, op: return, args: [2]}
  - name: guarded
    code:
      - {at: 0, op: invoke, text: "call()", catch: [{handler: 2, types: [java.io.IOException]}, {handler: 3}]}
      - {at: 1, op: return}
      - {at: 2, op: move-exception, result: 0}
      - {at: 3, op: const, result: 1, literal: -4}
`

func TestParse(t *testing.T) {
	methods, err := Parse([]byte(maxListing))
	require.NoError(t, err)
	require.Len(t, methods, 2)

	m := methods[0]
	assert.Equal(t, "max", m.Name)
	assert.True(t, m.ReturnsValue)
	require.Len(t, m.Instructions, 5)
	assert.Equal(t, insn.KindIf, m.Instructions[0].Kind)
	assert.Equal(t, []int{3}, m.Instructions[0].Jumps)
	assert.Equal(t, []insn.Register{0, 1}, m.Instructions[0].Args)
	assert.Equal(t, insn.NoRegister, m.Instructions[0].Result)
	assert.Equal(t, insn.Register(2), m.Instructions[1].Result)

	g := methods[1]
	assert.False(t, g.ReturnsValue)
	call := g.Instructions[0]
	require.Len(t, call.Catches, 2)
	assert.Equal(t, 2, call.Catches[0].Offset)
	assert.Equal(t, []string{"java.io.IOException"}, call.Catches[0].Types)
	assert.True(t, call.Catches[1].CatchAll())
	require.NotNil(t, g.Instructions[3].Literal)
	assert.Equal(t, int64(-4), *g.Instructions[3].Literal)
}

func TestParse_UnknownOp(t *testing.T) {
	_, err := Parse([]byte("methods:\n  - name: bad\n    code:\n      - {at: 0, op: teleport}\n"))
	require.Error(t, err)
	assert.ErrorIs(t, err, insn.ErrInvalidInstruction)
	assert.Contains(t, err.Error(), "method bad")
}

func TestParse_InvalidStream(t *testing.T) {
	_, err := Parse([]byte("methods:\n  - name: bad\n    code:\n      - {at: 0, op: goto}\n"))
	assert.ErrorIs(t, err, insn.ErrInvalidInstruction)
}

func TestParse_Empty(t *testing.T) {
	_, err := Parse([]byte("methods: []\n"))
	assert.ErrorIs(t, err, ErrNoMethods)
}

func TestParse_BadYAML(t *testing.T) {
	_, err := Parse([]byte("methods: [\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse fixture")
}

func TestLoadAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "max.yaml")
	require.NoError(t, os.WriteFile(path, []byte(maxListing), 0o600))

	fromFile, err := Load(path)
	require.NoError(t, err)
	fromReader, err := Read(strings.NewReader(maxListing))
	require.NoError(t, err)
	assert.Equal(t, len(fromFile), len(fromReader))

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
