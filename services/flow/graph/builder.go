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
	"fmt"
	"log/slog"
	"slices"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianFlow/services/flow/insn"
	"github.com/AleutianAI/AleutianFlow/services/flow/telemetry"
)

// =============================================================================
// Block Splitting
// =============================================================================

var builderTracer = otel.Tracer("flow.graph.builder")

// Build turns the linear instruction stream of src into an initial block
// graph.
//
// Description:
//
//	Instructions are cloned, so src is never modified. A new block starts
//	after every terminator, at jump targets and handler entries, around
//	try range boundaries, between throwing instructions with different
//	handler lists, around separate kinds (return, if, switch,
//	monitor-enter, monitor-exit) and after a move-exception. Jump edges and
//	branch targets are wired and goto instructions dropped. A temporary
//	edge is added from the predecessor of each throwing block to each of
//	its handlers so that a dominance pass can see the handlers, then
//	trivial blocks are pruned and every block without successors is
//	connected to the exit sentinel.
//
// Inputs:
//
//   - ctx: Context for tracing. Must not be nil.
//   - src: Decoded method. Must contain at least one non-nop instruction.
//   - opts: Algorithm options stored on the method. Zero fields take defaults.
//
// Outputs:
//
//   - *Method: The unlocked block graph.
//   - error: ErrEmptyMethod, insn.ErrInvalidInstruction or ErrMissingBlock.
//
// Thread Safety: Safe for concurrent use on distinct inputs.
//
// Complexity: O(I + E) for I instructions and E edges.
func Build(ctx context.Context, src *insn.Method, opts Options) (*Method, error) {
	if src == nil || len(src.Instructions) == 0 {
		return nil, ErrEmptyMethod
	}
	if err := src.Validate(); err != nil {
		return nil, fmt.Errorf("build %s: %w", src.Name, err)
	}

	ctx, span := builderTracer.Start(ctx, "graph.Build",
		trace.WithAttributes(
			attribute.String("method", src.Name),
			attribute.Int("insn_count", len(src.Instructions)),
		),
	)
	defer span.End()

	b := &builder{
		m:         NewMethod(src.Name, opts),
		byOffset:  make(map[int]BlockID),
		byHandler: make(map[int]*ExceptionHandler),
		targets:   make(map[int]bool),
		entries:   make(map[int]bool),
	}
	b.m.src = src

	if err := b.prepare(src); err != nil {
		span.RecordError(err)
		return nil, err
	}
	b.split()
	if err := b.wire(); err != nil {
		span.RecordError(err)
		return nil, err
	}
	b.dropGotos()
	if err := b.bindHandlerEntries(); err != nil {
		span.RecordError(err)
		return nil, err
	}
	b.addTempHandlerEdges()

	m := b.m
	m.RemoveEmptyBlocks()
	m.removeDetachedEmpty()
	m.connectExits()

	span.SetAttributes(
		attribute.Int("block_count", m.BlockCount()),
		attribute.Int("handler_count", len(m.handlers)),
	)
	telemetry.LoggerWithTrace(ctx, slog.Default()).Debug("graph built",
		slog.String("method", m.name),
		slog.Int("blocks", m.BlockCount()),
		slog.Int("handlers", len(m.handlers)),
		slog.Int("temp_edges", len(m.tempEdges)),
	)
	return m, nil
}

type builder struct {
	m         *Method
	insns     []*insn.Instruction
	byOffset  map[int]BlockID
	byHandler map[int]*ExceptionHandler
	targets   map[int]bool
	entries   map[int]bool

	// Handler list of the first throwing instruction of the block under
	// construction.
	throwing   bool
	blockCatch *CatchAttr
}

// prepare clones the real instructions, folds nop offsets onto the next
// real instruction and interns handler candidates by entry offset.
func (b *builder) prepare(src *insn.Method) error {
	alias := make(map[int]int)
	var pending []int
	for _, raw := range src.Instructions {
		if raw.Kind == insn.KindNop {
			pending = append(pending, raw.Offset)
			continue
		}
		for _, off := range pending {
			alias[off] = raw.Offset
		}
		pending = pending[:0]
		b.insns = append(b.insns, raw.Clone())
	}
	if len(b.insns) == 0 {
		return ErrEmptyMethod
	}
	last := b.insns[len(b.insns)-1].Offset
	for _, off := range pending {
		alias[off] = last
	}
	resolve := func(off int) int {
		if a, ok := alias[off]; ok {
			return a
		}
		return off
	}

	for _, in := range b.insns {
		for i, j := range in.Jumps {
			in.Jumps[i] = resolve(j)
			b.targets[in.Jumps[i]] = true
		}
		if len(in.Catches) == 0 {
			continue
		}
		attr := &CatchAttr{}
		for i := range in.Catches {
			c := &in.Catches[i]
			c.Offset = resolve(c.Offset)
			b.entries[c.Offset] = true
			h := b.handler(*c)
			if !slices.Contains(attr.Handlers, h) {
				attr.Handlers = append(attr.Handlers, h)
			}
		}
		b.m.insnCatch[in] = attr
	}
	return nil
}

func (b *builder) handler(c insn.Candidate) *ExceptionHandler {
	h, ok := b.byHandler[c.Offset]
	if !ok {
		h = &ExceptionHandler{offset: c.Offset, entry: NoBlock, arg: insn.NoRegister}
		b.byHandler[c.Offset] = h
		b.m.handlers = append(b.m.handlers, h)
	}
	if c.CatchAll() {
		h.catchAll = true
	}
	for _, t := range c.Types {
		h.addType(t)
	}
	return h
}

func (b *builder) split() {
	m := b.m
	cur := b.connectNew(m.enter, b.insns[0].Offset)
	var prev *insn.Instruction
	for _, in := range b.insns {
		if prev != nil {
			switch {
			case prev.Kind.IsTerminator():
				cur = m.NewBlock(in.Offset)
				b.resetCatch()
			case b.forceSplit(prev, in):
				cur = b.connectNew(cur, in.Offset)
				b.resetCatch()
			}
		}
		if in.CanThrow() && !b.throwing {
			b.throwing = true
			b.blockCatch = m.insnCatch[in]
		}
		b.byOffset[in.Offset] = cur
		m.blocks[cur].insns = append(m.blocks[cur].insns, in)
		prev = in
	}
}

func (b *builder) resetCatch() {
	b.throwing = false
	b.blockCatch = nil
}

func (b *builder) connectNew(from BlockID, offset int) BlockID {
	nb := b.m.NewBlock(offset)
	b.m.Connect(from, nb)
	return nb
}

// forceSplit reports whether in must open a new block that the previous
// block falls through into. A throwing instruction whose handler list
// differs from the throwing instructions already in the block starts a new
// one, so try boundaries do not depend on the upstream range markers.
func (b *builder) forceSplit(prev, in *insn.Instruction) bool {
	switch {
	case prev.Kind.Separate(), in.Kind.Separate():
		return true
	case in.TryEnter, prev.TryLeave:
		return true
	case b.entries[in.Offset], prev.Kind == insn.KindMoveException:
		return true
	case len(prev.Jumps) > 0, b.targets[in.Offset]:
		return true
	case b.throwing && in.CanThrow() && !b.blockCatch.Equal(b.m.insnCatch[in]):
		return true
	}
	return false
}

func (b *builder) block(off int) (BlockID, error) {
	id, ok := b.byOffset[off]
	if !ok {
		return NoBlock, fmt.Errorf("%w: %#x in %s", ErrMissingBlock, off, b.m.name)
	}
	return id, nil
}

// next returns the offset of the instruction after index i.
func (b *builder) next(i int) (int, bool) {
	if i+1 >= len(b.insns) {
		return 0, false
	}
	return b.insns[i+1].Offset, true
}

func (b *builder) wire() error {
	m := b.m
	for i, in := range b.insns {
		switch in.Kind {
		case insn.KindGoto, insn.KindIf, insn.KindSwitch:
		default:
			continue
		}
		src := b.byOffset[in.Offset]
		targets := make([]BlockID, 0, len(in.Jumps))
		for _, j := range in.Jumps {
			t, err := b.block(j)
			if err != nil {
				return err
			}
			targets = append(targets, t)
			m.Connect(src, t)
		}
		if in.Kind == insn.KindGoto {
			continue
		}
		off, ok := b.next(i)
		if !ok {
			return fmt.Errorf("%w: fall-through of %s at %#x in %s", ErrMissingBlock, in.Kind, in.Offset, m.name)
		}
		fall, err := b.block(off)
		if err != nil {
			return err
		}
		m.Connect(src, fall)
		m.attr(src).branch = &Branch{Kind: in.Kind, Targets: targets, Fallthrough: fall}
	}
	return nil
}

// dropGotos removes goto instructions once their edges are wired. A block
// left empty is spliced out by normalization.
func (b *builder) dropGotos() {
	for _, blk := range b.m.blocks {
		blk.insns = slices.DeleteFunc(blk.insns, func(in *insn.Instruction) bool {
			return in.Kind == insn.KindGoto
		})
	}
}

func (b *builder) bindHandlerEntries() error {
	for _, h := range b.m.handlers {
		id, err := b.block(h.offset)
		if err != nil {
			return err
		}
		h.entry = id
		b.m.attr(id).handler = h
	}
	return nil
}

// addTempHandlerEdges connects the single predecessor of every throwing
// block, or the block itself when it has several, to each handler.
func (b *builder) addTempHandlerEdges() {
	m := b.m
	for _, blk := range m.Blocks() {
		for _, in := range blk.insns {
			c := m.insnCatch[in]
			if c == nil {
				continue
			}
			start := blk.id
			if len(blk.preds) == 1 {
				start = blk.preds[0]
			}
			for _, h := range c.Handlers {
				if start == h.entry || slices.Contains(m.blocks[start].succs, h.entry) {
					continue
				}
				m.Connect(start, h.entry)
				m.tempEdges = append(m.tempEdges, Edge{From: start, To: h.entry})
			}
		}
	}
}
