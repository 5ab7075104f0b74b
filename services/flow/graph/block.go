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
	"fmt"
	"slices"
	"strings"

	"github.com/bits-and-blooms/bitset"

	"github.com/AleutianAI/AleutianFlow/services/flow/insn"
)

// BlockID addresses a block inside its method's arena. IDs are stable for
// the life of the method; removed blocks keep their slot.
type BlockID int

// NoBlock is the absent block.
const NoBlock BlockID = -1

func (id BlockID) String() string {
	if id == NoBlock {
		return "B-"
	}
	return fmt.Sprintf("B%d", int(id))
}

// Flag is a block marker.
type Flag uint32

const (
	// FlagEnter marks the method entry sentinel.
	FlagEnter Flag = 1 << iota
	// FlagExit marks the method exit sentinel.
	FlagExit
	// FlagReturn marks a block that ends in a return instruction.
	FlagReturn
	// FlagOrigReturn marks the return block kept by return splitting.
	FlagOrigReturn
	// FlagSynthetic marks a block created by a repair step.
	FlagSynthetic
	// FlagRemoved marks a block scheduled for removal.
	FlagRemoved
	// FlagLoopStart marks a loop header.
	FlagLoopStart
	// FlagLoopEnd marks the source of a back edge.
	FlagLoopEnd
	// FlagTopSplitter marks the entry splitter of a try region.
	FlagTopSplitter
	// FlagBottomSplitter marks the exit splitter of a try region.
	FlagBottomSplitter
	// FlagTryEnter marks a block holding the first protected instruction.
	FlagTryEnter
	// FlagTryLeave marks a block holding the last protected instruction.
	FlagTryLeave
)

var flagNames = []struct {
	flag Flag
	name string
}{
	{FlagEnter, "ENTER"},
	{FlagExit, "EXIT"},
	{FlagReturn, "RETURN"},
	{FlagOrigReturn, "ORIG_RETURN"},
	{FlagSynthetic, "SYNTHETIC"},
	{FlagRemoved, "REMOVED"},
	{FlagLoopStart, "LOOP_START"},
	{FlagLoopEnd, "LOOP_END"},
	{FlagTopSplitter, "TOP_SPLITTER"},
	{FlagBottomSplitter, "BOTTOM_SPLITTER"},
	{FlagTryEnter, "TRY_ENTER"},
	{FlagTryLeave, "TRY_LEAVE"},
}

// String lists the set flags separated by '|'.
func (f Flag) String() string {
	if f == 0 {
		return ""
	}
	var parts []string
	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			parts = append(parts, fn.name)
		}
	}
	return strings.Join(parts, "|")
}

// loopFlags are recomputed by every loop marking pass.
const loopFlags = FlagLoopStart | FlagLoopEnd

// Block is one basic block.
//
// Edges and attributes are owned by the method; a Block only exposes
// read accessors so every mutation goes through the Method edge API and
// keeps both edge lists in sync.
type Block struct {
	id     BlockID
	pos    int
	offset int
	insns  []*insn.Instruction
	succs  []BlockID
	preds  []BlockID
	clean  []BlockID
	flags  Flag
	dead   bool

	// Dominance facts, cleared at the start of every pass.
	idom        BlockID
	doms        *bitset.BitSet
	frontier    *bitset.BitSet
	domChildren []BlockID
	ipostdom    BlockID
	postDoms    *bitset.BitSet
}

func newBlock(id BlockID, offset int) *Block {
	return &Block{
		id:       id,
		pos:      -1,
		offset:   offset,
		idom:     NoBlock,
		ipostdom: NoBlock,
		doms:     bitset.New(0),
		frontier: bitset.New(0),
		postDoms: bitset.New(0),
	}
}

// ID returns the stable block identity.
func (b *Block) ID() BlockID { return b.id }

// Pos returns the reverse postorder position from the last dominance pass,
// or -1 when the block was not numbered.
func (b *Block) Pos() int { return b.pos }

// Offset returns the offset of the first instruction, -1 for synthetic
// blocks.
func (b *Block) Offset() int { return b.offset }

// Instructions returns a copy of the instruction list.
func (b *Block) Instructions() []*insn.Instruction { return slices.Clone(b.insns) }

// Len returns the number of instructions.
func (b *Block) Len() int { return len(b.insns) }

// Succs returns a copy of the successor list.
func (b *Block) Succs() []BlockID { return slices.Clone(b.succs) }

// Preds returns a copy of the predecessor list.
func (b *Block) Preds() []BlockID { return slices.Clone(b.preds) }

// CleanSuccs returns successors excluding exception paths and loop back
// edges, as of the last refresh.
func (b *Block) CleanSuccs() []BlockID { return slices.Clone(b.clean) }

// Flags returns the flag set.
func (b *Block) Flags() Flag { return b.flags }

// Has reports whether every flag in f is set.
func (b *Block) Has(f Flag) bool { return b.flags&f == f }

// IDom returns the immediate dominator, NoBlock for the root.
func (b *Block) IDom() BlockID { return b.idom }

// IPostDom returns the immediate post-dominator, NoBlock when unknown.
func (b *Block) IPostDom() BlockID { return b.ipostdom }

// DomChildren returns the blocks immediately dominated by b.
func (b *Block) DomChildren() []BlockID { return slices.Clone(b.domChildren) }

// Frontier returns the dominance frontier of b in id order.
func (b *Block) Frontier() []BlockID { return setToIDs(b.frontier) }

// Dominators returns the strict dominators of b in id order.
func (b *Block) Dominators() []BlockID { return setToIDs(b.doms) }

// PostDominators returns the strict post-dominators of b in id order.
func (b *Block) PostDominators() []BlockID { return setToIDs(b.postDoms) }

func (b *Block) firstInsn() *insn.Instruction {
	if len(b.insns) == 0 {
		return nil
	}
	return b.insns[0]
}

func (b *Block) lastInsn() *insn.Instruction {
	if len(b.insns) == 0 {
		return nil
	}
	return b.insns[len(b.insns)-1]
}

func (b *Block) String() string {
	if b.offset < 0 {
		return b.id.String()
	}
	return fmt.Sprintf("%s@%04x", b.id, b.offset)
}

func (b *Block) clearFacts() {
	b.pos = -1
	b.idom = NoBlock
	b.ipostdom = NoBlock
	b.doms.ClearAll()
	b.frontier.ClearAll()
	b.postDoms.ClearAll()
	b.domChildren = b.domChildren[:0]
}

func setToIDs(s *bitset.BitSet) []BlockID {
	out := make([]BlockID, 0, s.Count())
	for i, ok := s.NextSet(0); ok; i, ok = s.NextSet(i + 1) {
		out = append(out, BlockID(i))
	}
	return out
}

func removeID(list []BlockID, id BlockID) []BlockID {
	if i := slices.Index(list, id); i >= 0 {
		return slices.Delete(list, i, i+1)
	}
	return list
}
