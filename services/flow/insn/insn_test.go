// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package insn

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lit(v int64) *int64 { return &v }

func TestParseKind(t *testing.T) {
	for k := KindNop; k <= KindSwitch; k++ {
		got, err := ParseKind(k.String())
		require.NoError(t, err)
		assert.Equal(t, k, got)
	}

	got, err := ParseKind("  Move-Exception ")
	require.NoError(t, err)
	assert.Equal(t, KindMoveException, got)

	_, err = ParseKind("jsr")
	assert.ErrorIs(t, err, ErrInvalidInstruction)
	assert.Equal(t, "unknown", Kind(99).String())
}

func TestKindClasses(t *testing.T) {
	assert.True(t, KindGoto.IsTerminator())
	assert.True(t, KindThrow.IsTerminator())
	assert.False(t, KindInvoke.IsTerminator())

	assert.True(t, KindMonitorEnter.Separate())
	assert.True(t, KindReturn.Separate())
	assert.False(t, KindGoto.Separate())

	assert.True(t, KindReturn.IsReturn())
	assert.False(t, KindThrow.IsReturn())
}

func TestCanThrow(t *testing.T) {
	assert.True(t, New(0, KindInvoke).CanThrow())
	assert.False(t, New(0, KindConst).CanThrow())

	div := New(0, KindArith)
	assert.False(t, div.CanThrow())
	div.MayThrow = true
	assert.True(t, div.CanThrow())
	assert.False(t, div.CanReorder())

	var nilInsn *Instruction
	assert.False(t, nilInsn.CanThrow())
}

func TestEqualIgnoresOffset(t *testing.T) {
	a := &Instruction{Offset: 1, Kind: KindConst, Result: 2, Literal: lit(7)}
	b := &Instruction{Offset: 9, Kind: KindConst, Result: 2, Literal: lit(7), TryEnter: true}
	assert.True(t, a.Equal(b))

	b.Literal = lit(8)
	assert.False(t, a.Equal(b))

	b.Literal = nil
	assert.False(t, a.Equal(b))

	c := &Instruction{Kind: KindArith, Result: 1, Args: []Register{2, 3}}
	d := &Instruction{Kind: KindArith, Result: 1, Args: []Register{3, 2}}
	assert.False(t, c.Equal(d))
	assert.False(t, c.Equal(nil))
}

func TestCloneIsDeep(t *testing.T) {
	in := &Instruction{
		Kind:    KindInvoke,
		Result:  NoRegister,
		Args:    []Register{1},
		Catches: []Candidate{{Offset: 4, Types: []string{"E"}}},
		Literal: lit(3),
	}
	cp := in.Clone()
	cp.Args[0] = 5
	cp.Catches[0].Types[0] = "F"
	*cp.Literal = 4

	assert.Equal(t, Register(1), in.Args[0])
	assert.Equal(t, "E", in.Catches[0].Types[0])
	assert.Equal(t, int64(3), *in.Literal)
}

func TestString(t *testing.T) {
	in := &Instruction{Offset: 0x10, Kind: KindIf, Result: NoRegister, Args: []Register{0}, Jumps: []int{0x20}}
	assert.Equal(t, "0010: if r0 ->0020", in.String())

	named := &Instruction{Offset: 2, Kind: KindInvoke, Text: "call foo()"}
	assert.Equal(t, "0002: call foo()", named.String())
}

func TestCandidateCatchAll(t *testing.T) {
	assert.True(t, Candidate{Offset: 1}.CatchAll())
	assert.False(t, Candidate{Offset: 1, Types: []string{"E"}}.CatchAll())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		insns   []*Instruction
		wantErr bool
	}{
		{
			name:  "valid",
			insns: []*Instruction{New(0, KindConst), {Offset: 1, Kind: KindGoto, Jumps: []int{0}}},
		},
		{
			name:    "offsets not increasing",
			insns:   []*Instruction{New(2, KindConst), New(2, KindReturn)},
			wantErr: true,
		},
		{
			name:    "goto without target",
			insns:   []*Instruction{New(0, KindGoto)},
			wantErr: true,
		},
		{
			name:    "if with two targets",
			insns:   []*Instruction{{Offset: 0, Kind: KindIf, Jumps: []int{1, 2}}},
			wantErr: true,
		},
		{
			name:    "switch without cases",
			insns:   []*Instruction{New(0, KindSwitch)},
			wantErr: true,
		},
		{
			name:    "nil instruction",
			insns:   []*Instruction{nil},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := (&Method{Name: "m", Instructions: tt.insns}).Validate()
			if tt.wantErr {
				assert.True(t, errors.Is(err, ErrInvalidInstruction), "got %v", err)
				return
			}
			assert.NoError(t, err)
		})
	}

	var nilMethod *Method
	assert.ErrorIs(t, nilMethod.Validate(), ErrInvalidInstruction)
}
