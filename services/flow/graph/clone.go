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

// Clone returns an unlocked deep copy of m. The copy shares nothing with
// m except the source instruction stream.
//
// Thread Safety: Safe to call on a locked method from several goroutines.
func (m *Method) Clone() *Method {
	c := &Method{
		name:      m.name,
		src:       m.src,
		opts:      m.opts,
		enter:     m.enter,
		exit:      m.exit,
		attrs:     make(map[BlockID]*attrs, len(m.attrs)),
		insnCatch: make(map[*insn.Instruction]*CatchAttr, len(m.insnCatch)),
		tempEdges: slices.Clone(m.tempEdges),
		diags:     slices.Clone(m.diags),
	}

	regions := make(map[*TryRegion]*TryRegion)
	for _, r := range m.regions {
		nr := *r
		nr.blocks = slices.Clone(r.blocks)
		regions[r] = &nr
	}
	mapRegion := func(r *TryRegion) *TryRegion {
		return regions[r]
	}
	handlers := make(map[*ExceptionHandler]*ExceptionHandler)
	mapHandler := func(h *ExceptionHandler) *ExceptionHandler {
		if h == nil {
			return nil
		}
		if nh, ok := handlers[h]; ok {
			return nh
		}
		nh := *h
		nh.types = slices.Clone(h.types)
		nh.blocks = slices.Clone(h.blocks)
		nh.region = mapRegion(h.region)
		handlers[h] = &nh
		return &nh
	}
	mapCatch := func(ca *CatchAttr) *CatchAttr {
		if ca == nil {
			return nil
		}
		out := &CatchAttr{Handlers: make([]*ExceptionHandler, len(ca.Handlers))}
		for i, h := range ca.Handlers {
			out.Handlers[i] = mapHandler(h)
		}
		return out
	}

	for old, nr := range regions {
		nr.outer = mapRegion(old.outer)
		nr.inners = nil
		for _, in := range old.inners {
			if x := mapRegion(in); x != nil {
				nr.inners = append(nr.inners, x)
			}
		}
		nr.handlers = make([]*ExceptionHandler, len(old.handlers))
		for i, h := range old.handlers {
			nr.handlers[i] = mapHandler(h)
		}
	}

	loops := make(map[*LoopInfo]*LoopInfo)
	mapLoop := func(l *LoopInfo) *LoopInfo {
		if l == nil {
			return nil
		}
		if nl, ok := loops[l]; ok {
			return nl
		}
		nl := *l
		nl.body = l.body.Clone()
		nl.m = c
		loops[l] = &nl
		return &nl
	}
	for _, l := range m.loops {
		mapLoop(l)
	}
	for _, l := range m.marked {
		mapLoop(l)
	}
	for old, nl := range loops {
		nl.parent = mapLoop(old.parent)
	}

	c.blocks = make([]*Block, len(m.blocks))
	for i, b := range m.blocks {
		nb := *b
		nb.insns = make([]*insn.Instruction, len(b.insns))
		for j, in := range b.insns {
			cp := in.Clone()
			nb.insns[j] = cp
			if ca := m.insnCatch[in]; ca != nil {
				c.insnCatch[cp] = mapCatch(ca)
			}
		}
		nb.succs = slices.Clone(b.succs)
		nb.preds = slices.Clone(b.preds)
		nb.clean = slices.Clone(b.clean)
		nb.domChildren = slices.Clone(b.domChildren)
		nb.doms = b.doms.Clone()
		nb.frontier = b.frontier.Clone()
		nb.postDoms = b.postDoms.Clone()
		c.blocks[i] = &nb
	}

	for id, a := range m.attrs {
		na := &attrs{
			catch:   mapCatch(a.catch),
			handler: mapHandler(a.handler),
			region:  mapRegion(a.region),
		}
		if a.branch != nil {
			na.branch = a.branch.clone()
		}
		for _, l := range a.loops {
			na.loops = append(na.loops, mapLoop(l))
		}
		c.attrs[id] = na
	}

	for _, h := range m.handlers {
		c.handlers = append(c.handlers, mapHandler(h))
	}
	for _, r := range m.regions {
		c.regions = append(c.regions, regions[r])
	}
	for _, l := range m.loops {
		c.loops = append(c.loops, loops[l])
	}
	for _, l := range m.marked {
		c.marked = append(c.marked, loops[l])
	}
	return c
}
