// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package insn defines the decoded instruction records consumed by the
// control-flow recovery pipeline.
//
// Instructions arrive already decoded and ordered by offset. Each record
// carries its kind, the explicit jump destinations it may transfer control
// to, and the ordered exception handler candidates that may intercept it.
// Nothing in this package knows about basic blocks; see the graph package.
package insn

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Kind is the instruction kind tag.
type Kind int

const (
	KindNop Kind = iota
	KindConst
	KindMove
	KindInvoke
	KindArith
	KindOther
	KindMoveException
	KindMonitorEnter
	KindMonitorExit
	KindReturn
	KindThrow
	KindGoto
	KindIf
	KindSwitch
)

var kindNames = [...]string{
	KindNop:           "nop",
	KindConst:         "const",
	KindMove:          "move",
	KindInvoke:        "invoke",
	KindArith:         "arith",
	KindOther:         "other",
	KindMoveException: "move-exception",
	KindMonitorEnter:  "monitor-enter",
	KindMonitorExit:   "monitor-exit",
	KindReturn:        "return",
	KindThrow:         "throw",
	KindGoto:          "goto",
	KindIf:            "if",
	KindSwitch:        "switch",
}

// String returns the mnemonic of the kind.
func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// ParseKind maps a mnemonic back to its Kind.
func ParseKind(s string) (Kind, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for k, n := range kindNames {
		if n == name {
			return Kind(k), nil
		}
	}
	return KindNop, fmt.Errorf("%w: unknown kind %q", ErrInvalidInstruction, s)
}

// IsTerminator reports whether an instruction of this kind ends a basic block.
func (k Kind) IsTerminator() bool {
	switch k {
	case KindReturn, KindThrow, KindGoto, KindIf, KindSwitch:
		return true
	}
	return false
}

// IsReturn reports whether the kind is a return.
func (k Kind) IsReturn() bool { return k == KindReturn }

// Separate reports whether an instruction of this kind always starts its
// own basic block.
func (k Kind) Separate() bool {
	switch k {
	case KindReturn, KindIf, KindSwitch, KindMonitorEnter, KindMonitorExit:
		return true
	}
	return false
}

// Register is a virtual register number. NoRegister marks an absent operand.
type Register int

// NoRegister is the zero operand.
const NoRegister Register = -1

// ErrInvalidInstruction is returned for malformed instruction records.
var ErrInvalidInstruction = errors.New("invalid instruction")

// Candidate is one exception handler that may intercept a throwing
// instruction. An empty Types list catches everything.
type Candidate struct {
	// Offset is the handler entry offset.
	Offset int `json:"offset" yaml:"offset"`

	// Types lists the caught exception type names.
	Types []string `json:"types,omitempty" yaml:"types,omitempty"`
}

// CatchAll reports whether the candidate catches every exception.
func (c Candidate) CatchAll() bool {
	return len(c.Types) == 0
}

// Instruction is one decoded bytecode instruction.
//
// Thread Safety: Not safe for concurrent mutation. The pipeline owns the
// instructions of the method it processes.
type Instruction struct {
	// Offset is the instruction address within the method.
	Offset int

	// Kind is the instruction kind tag.
	Kind Kind

	// Jumps lists explicit jump destinations. For KindIf the first entry
	// is the taken branch, the fall-through is implicit. For KindSwitch
	// every entry is a case target and the fall-through is the default.
	Jumps []int

	// Catches lists handler candidates in the order the runtime tries them.
	Catches []Candidate

	// TryEnter marks the first instruction of a protected range.
	TryEnter bool

	// TryLeave marks the last instruction of a protected range.
	TryLeave bool

	// MayThrow forces CanThrow for kinds that only sometimes throw.
	MayThrow bool

	// Result is the written register, NoRegister if none.
	Result Register

	// ResultType is the declared type of Result. The exception builder
	// fills it in for move-exception.
	ResultType string

	// Args are the read registers.
	Args []Register

	// Literal holds the constant of a KindConst instruction.
	Literal *int64

	// Text is a printable rendering used in dumps.
	Text string

	// Synthetic marks instructions copied by the pipeline.
	Synthetic bool
}

// New creates an instruction with no operands.
func New(offset int, kind Kind) *Instruction {
	return &Instruction{Offset: offset, Kind: kind, Result: NoRegister}
}

// CanThrow reports whether the instruction may raise an exception.
func (in *Instruction) CanThrow() bool {
	if in == nil {
		return false
	}
	switch in.Kind {
	case KindInvoke, KindThrow, KindMonitorEnter, KindMonitorExit, KindOther:
		return true
	}
	return in.MayThrow
}

// CanReorder reports whether the instruction has no side effects and can
// be moved across block boundaries.
func (in *Instruction) CanReorder() bool {
	switch in.Kind {
	case KindConst, KindMove:
		return true
	case KindArith:
		return !in.MayThrow
	}
	return false
}

// Equal compares two instructions structurally, ignoring offsets,
// handler candidates and range markers.
func (in *Instruction) Equal(other *Instruction) bool {
	if in == nil || other == nil {
		return in == other
	}
	if in.Kind != other.Kind || in.Result != other.Result || in.Text != other.Text {
		return false
	}
	if !slices.Equal(in.Args, other.Args) || !slices.Equal(in.Jumps, other.Jumps) {
		return false
	}
	switch {
	case in.Literal == nil && other.Literal == nil:
		return true
	case in.Literal == nil || other.Literal == nil:
		return false
	}
	return *in.Literal == *other.Literal
}

// Clone returns a deep copy with no shared slices.
func (in *Instruction) Clone() *Instruction {
	cp := *in
	cp.Jumps = slices.Clone(in.Jumps)
	cp.Args = slices.Clone(in.Args)
	if in.Catches != nil {
		cp.Catches = make([]Candidate, len(in.Catches))
		for i, c := range in.Catches {
			cp.Catches[i] = Candidate{Offset: c.Offset, Types: slices.Clone(c.Types)}
		}
	}
	if in.Literal != nil {
		v := *in.Literal
		cp.Literal = &v
	}
	return &cp
}

// String renders the instruction for dumps and diagnostics.
func (in *Instruction) String() string {
	if in.Text != "" {
		return fmt.Sprintf("%04x: %s", in.Offset, in.Text)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%04x: %s", in.Offset, in.Kind)
	if in.Result != NoRegister {
		fmt.Fprintf(&b, " r%d", in.Result)
		if in.ResultType != "" {
			fmt.Fprintf(&b, ":%s", in.ResultType)
		}
	}
	if in.Literal != nil {
		fmt.Fprintf(&b, " #%d", *in.Literal)
	}
	for _, a := range in.Args {
		fmt.Fprintf(&b, " r%d", a)
	}
	for _, j := range in.Jumps {
		fmt.Fprintf(&b, " ->%04x", j)
	}
	return b.String()
}

// Method is the decoded body of one method.
type Method struct {
	// Name identifies the method in logs and diagnostics.
	Name string

	// Instructions are ordered by strictly increasing offset.
	Instructions []*Instruction

	// ReturnsValue is false for void methods.
	ReturnsValue bool
}

// Validate checks the structural contract of the instruction stream.
//
// Offsets must be strictly increasing, goto carries exactly one jump,
// if carries exactly one jump and switch at least one.
func (m *Method) Validate() error {
	if m == nil {
		return fmt.Errorf("%w: nil method", ErrInvalidInstruction)
	}
	prev := -1
	for i, in := range m.Instructions {
		if in == nil {
			return fmt.Errorf("%w: nil instruction at index %d", ErrInvalidInstruction, i)
		}
		if in.Offset <= prev {
			return fmt.Errorf("%w: offset %#x not after %#x", ErrInvalidInstruction, in.Offset, prev)
		}
		prev = in.Offset
		switch in.Kind {
		case KindGoto, KindIf:
			if len(in.Jumps) != 1 {
				return fmt.Errorf("%w: %s at %#x needs one jump, has %d",
					ErrInvalidInstruction, in.Kind, in.Offset, len(in.Jumps))
			}
		case KindSwitch:
			if len(in.Jumps) == 0 {
				return fmt.Errorf("%w: switch at %#x has no cases", ErrInvalidInstruction, in.Offset)
			}
		}
	}
	return nil
}
