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

	"github.com/AleutianAI/AleutianFlow/services/flow/insn"
)

// Method is the block arena of one method body.
//
// Description:
//
//	Blocks live in an owned slice indexed by BlockID. Edges are stored as
//	ids on both endpoints, flags as a bitmask on the block and everything
//	else (branch targets, catch lists, handler entries, loops, try regions)
//	in a side table keyed by block id.
//
// Thread Safety: Not safe for concurrent use until Lock is called. After
// Lock every mutator panics with ErrLocked and readers may share the value.
type Method struct {
	name   string
	src    *insn.Method
	opts   Options
	blocks []*Block
	attrs  map[BlockID]*attrs
	enter  BlockID
	exit   BlockID

	handlers  []*ExceptionHandler
	regions   []*TryRegion
	loops     []*LoopInfo
	marked    []*LoopInfo
	tempEdges []Edge
	insnCatch map[*insn.Instruction]*CatchAttr

	diags  []Diagnostic
	locked bool
}

// NewMethod creates an empty arena holding only the enter and exit
// sentinels.
func NewMethod(name string, opts Options) *Method {
	m := &Method{
		name:      name,
		opts:      opts.withDefaults(),
		attrs:     make(map[BlockID]*attrs),
		insnCatch: make(map[*insn.Instruction]*CatchAttr),
	}
	m.enter = m.NewBlock(-1)
	m.blocks[m.enter].flags |= FlagEnter
	m.exit = m.NewBlock(-1)
	m.blocks[m.exit].flags |= FlagExit
	return m
}

// Name returns the method name.
func (m *Method) Name() string { return m.name }

// Source returns the instruction stream the method was built from.
func (m *Method) Source() *insn.Method { return m.src }

// Options returns the algorithm options.
func (m *Method) Options() Options { return m.opts }

// Enter returns the entry sentinel.
func (m *Method) Enter() BlockID { return m.enter }

// Exit returns the exit sentinel.
func (m *Method) Exit() BlockID { return m.exit }

// Locked reports whether the method is read-only.
func (m *Method) Locked() bool { return m.locked }

// Lock freezes the method. It is idempotent.
func (m *Method) Lock() { m.locked = true }

func (m *Method) mutable() {
	if m.locked {
		panic(fmt.Errorf("%w: %s", ErrLocked, m.name))
	}
}

// Block returns the block with the given id, nil when id is out of range
// or the block was removed.
func (m *Method) Block(id BlockID) *Block {
	if id < 0 || int(id) >= len(m.blocks) || m.blocks[id].dead {
		return nil
	}
	return m.blocks[id]
}

// Blocks returns the live blocks in id order.
func (m *Method) Blocks() []*Block {
	out := make([]*Block, 0, len(m.blocks))
	for _, b := range m.blocks {
		if !b.dead {
			out = append(out, b)
		}
	}
	return out
}

// BlockCount returns the number of live blocks, sentinels included.
func (m *Method) BlockCount() int {
	n := 0
	for _, b := range m.blocks {
		if !b.dead {
			n++
		}
	}
	return n
}

// arenaSize is the bitset width covering every id ever allocated.
func (m *Method) arenaSize() uint { return uint(len(m.blocks)) }

// Branch returns a copy of the branch targets of id, nil when the block
// does not end in if or switch.
func (m *Method) Branch(id BlockID) *Branch {
	if a := m.attrs[id]; a != nil && a.branch != nil {
		return a.branch.clone()
	}
	return nil
}

// Catch returns the block level catch attribute of id, nil if none.
func (m *Method) Catch(id BlockID) *CatchAttr {
	if a := m.attrs[id]; a != nil {
		return a.catch
	}
	return nil
}

// HandlerAt returns the handler entered at id, nil if id is no handler
// entry.
func (m *Method) HandlerAt(id BlockID) *ExceptionHandler {
	if a := m.attrs[id]; a != nil {
		return a.handler
	}
	return nil
}

// RegionOf returns the innermost try region protecting id.
func (m *Method) RegionOf(id BlockID) *TryRegion {
	if a := m.attrs[id]; a != nil {
		return a.region
	}
	return nil
}

// Handlers returns the live exception handlers.
func (m *Method) Handlers() []*ExceptionHandler { return slices.Clone(m.handlers) }

// TryRegions returns the try regions surviving construction.
func (m *Method) TryRegions() []*TryRegion { return slices.Clone(m.regions) }

// Loops returns the registered loops.
func (m *Method) Loops() []*LoopInfo { return slices.Clone(m.loops) }

// LoopsOf returns the registered loops whose body contains id, innermost
// first.
func (m *Method) LoopsOf(id BlockID) []*LoopInfo {
	var out []*LoopInfo
	for _, l := range m.loops {
		if l.Contains(id) {
			out = append(out, l)
		}
	}
	slices.SortStableFunc(out, func(a, b *LoopInfo) int { return b.Depth() - a.Depth() })
	return out
}

// InnermostLoop returns the deepest loop containing id, nil if none.
func (m *Method) InnermostLoop(id BlockID) *LoopInfo {
	if loops := m.LoopsOf(id); len(loops) > 0 {
		return loops[0]
	}
	return nil
}

// Dominates reports whether a strictly dominates b.
func (m *Method) Dominates(a, b BlockID) bool {
	blk := m.Block(b)
	return blk != nil && a >= 0 && blk.doms.Test(uint(a))
}

// PostDominates reports whether a strictly post-dominates b.
func (m *Method) PostDominates(a, b BlockID) bool {
	blk := m.Block(b)
	return blk != nil && a >= 0 && blk.postDoms.Test(uint(a))
}

// Diagnostics returns the recorded anomalies in insertion order.
func (m *Method) Diagnostics() []Diagnostic { return slices.Clone(m.diags) }

// AddDiagnostic records an anomaly. Exact repeats are dropped.
func (m *Method) AddDiagnostic(d Diagnostic) {
	m.mutable()
	for _, old := range m.diags {
		if old.Code == d.Code && old.Message == d.Message && slices.Equal(old.Blocks, d.Blocks) {
			return
		}
	}
	m.diags = append(m.diags, d)
}

func (m *Method) warn(code string, blocks []BlockID, format string, args ...any) {
	m.AddDiagnostic(Diagnostic{
		Severity: SeverityWarning,
		Code:     code,
		Message:  fmt.Sprintf(format, args...),
		Blocks:   blocks,
	})
}

// warnOnce records a warning unless one with the same code is already
// attached. Used for conditions that every dominance pass re-detects.
func (m *Method) warnOnce(code string, blocks []BlockID, format string, args ...any) {
	for _, d := range m.diags {
		if d.Code == code {
			return
		}
	}
	m.warn(code, blocks, format, args...)
}

func (m *Method) attr(id BlockID) *attrs {
	a := m.attrs[id]
	if a == nil {
		a = &attrs{}
		m.attrs[id] = a
	}
	return a
}

func (m *Method) isHandlerPath(id BlockID) bool {
	a := m.attrs[id]
	return a != nil && a.handler != nil
}

// =============================================================================
// Edge Operations
// =============================================================================

// NewBlock allocates an unconnected block starting at offset.
func (m *Method) NewBlock(offset int) BlockID {
	m.mutable()
	id := BlockID(len(m.blocks))
	m.blocks = append(m.blocks, newBlock(id, offset))
	return id
}

// NewSynthetic allocates an unconnected empty block flagged synthetic.
func (m *Method) NewSynthetic() BlockID {
	id := m.NewBlock(-1)
	m.blocks[id].flags |= FlagSynthetic
	return id
}

// Connect adds the edge from -> to unless it already exists.
func (m *Method) Connect(from, to BlockID) {
	m.mutable()
	f, t := m.blocks[from], m.blocks[to]
	if slices.Contains(f.succs, to) {
		return
	}
	f.succs = append(f.succs, to)
	t.preds = append(t.preds, from)
}

// Disconnect removes the edge from -> to from both endpoints.
func (m *Method) Disconnect(from, to BlockID) {
	m.mutable()
	f, t := m.blocks[from], m.blocks[to]
	f.succs = removeID(f.succs, to)
	t.preds = removeID(t.preds, from)
}

// ReplaceSuccessor redirects the edge from -> old to from -> repl, keeping
// the successor position and retargeting branch targets of from.
func (m *Method) ReplaceSuccessor(from, old, repl BlockID) {
	m.mutable()
	f := m.blocks[from]
	i := slices.Index(f.succs, old)
	if i < 0 {
		return
	}
	if slices.Contains(f.succs, repl) {
		f.succs = slices.Delete(f.succs, i, i+1)
	} else {
		f.succs[i] = repl
		m.blocks[repl].preds = append(m.blocks[repl].preds, from)
	}
	m.blocks[old].preds = removeID(m.blocks[old].preds, from)
	if a := m.attrs[from]; a != nil && a.branch != nil {
		a.branch.retarget(old, repl)
	}
}

// InsertBetween splices a new synthetic block into the edge from -> to and
// returns it.
func (m *Method) InsertBetween(from, to BlockID) BlockID {
	nb := m.NewSynthetic()
	m.ReplaceSuccessor(from, to, nb)
	m.Connect(nb, to)
	return nb
}

// SplitTop inserts a new synthetic block in front of id. Every
// predecessor of id is redirected to it.
func (m *Method) SplitTop(id BlockID) BlockID {
	nb := m.NewSynthetic()
	for _, p := range m.blocks[id].Preds() {
		m.ReplaceSuccessor(p, id, nb)
	}
	m.Connect(nb, id)
	return nb
}

// CopyBlock creates an unconnected synthetic duplicate of id with deep
// copies of its instructions and attributes.
func (m *Method) CopyBlock(id BlockID) BlockID {
	src := m.blocks[id]
	nb := m.NewBlock(src.offset)
	dst := m.blocks[nb]
	dst.flags = src.flags&^(FlagEnter|FlagExit|FlagRemoved|loopFlags|FlagTopSplitter|FlagBottomSplitter) | FlagSynthetic
	dst.insns = make([]*insn.Instruction, len(src.insns))
	for i, in := range src.insns {
		cp := in.Clone()
		dst.insns[i] = cp
		if c := m.insnCatch[in]; c != nil {
			m.insnCatch[cp] = &CatchAttr{Handlers: slices.Clone(c.Handlers)}
		}
	}
	if a := m.attrs[id]; a != nil {
		na := m.attr(nb)
		if a.branch != nil {
			na.branch = a.branch.clone()
		}
		if a.catch != nil {
			na.catch = &CatchAttr{Handlers: slices.Clone(a.catch.Handlers)}
		}
		if a.region != nil {
			na.region = a.region
			a.region.blocks = append(a.region.blocks, nb)
		}
	}
	return nb
}

// MarkRemoved schedules id for removal by DetachMarked.
func (m *Method) MarkRemoved(id BlockID) {
	m.mutable()
	m.blocks[id].flags |= FlagRemoved
}

// Remove disconnects id from every neighbour and retires its slot.
func (m *Method) Remove(id BlockID) {
	m.mutable()
	b := m.blocks[id]
	for _, p := range b.Preds() {
		m.Disconnect(p, id)
	}
	for _, s := range b.Succs() {
		m.Disconnect(id, s)
	}
	b.flags |= FlagRemoved
	b.dead = true
	b.insns = nil
	b.clean = nil
	delete(m.attrs, id)
	for _, r := range m.regions {
		r.blocks = removeID(r.blocks, id)
	}
	for _, h := range m.handlers {
		h.blocks = removeID(h.blocks, id)
	}
	m.tempEdges = slices.DeleteFunc(m.tempEdges, func(e Edge) bool { return e.From == id || e.To == id })
}

// DetachMarked removes every block flagged FlagRemoved. It reports whether
// anything was removed.
func (m *Method) DetachMarked() bool {
	m.mutable()
	changed := false
	for _, b := range m.blocks {
		if !b.dead && b.flags&FlagRemoved != 0 {
			m.Remove(b.id)
			changed = true
		}
	}
	return changed
}

func (m *Method) setFlag(id BlockID, f Flag) { m.blocks[id].flags |= f }

func (m *Method) clearFlag(id BlockID, f Flag) { m.blocks[id].flags &^= f }
