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
	"strings"

	"github.com/AleutianAI/AleutianFlow/services/flow/insn"
)

// prepareRegions groups catch-bearing blocks by handler into try regions,
// drops handlers that protect nothing, merges groups protecting the same
// blocks and then nests or merges overlapping groups.
func (m *Method) prepareRegions() {
	groups := make(map[*ExceptionHandler][]BlockID)
	for _, b := range m.Blocks() {
		c := m.Catch(b.id)
		if c == nil {
			continue
		}
		for _, h := range c.Handlers {
			groups[h] = append(groups[h], b.id)
		}
	}
	for _, h := range slices.Clone(m.handlers) {
		if len(groups[h]) == 0 {
			m.discardHandler(h)
		}
	}
	m.DetachMarked()

	m.regions = nil
	for _, h := range slices.Clone(m.handlers) {
		protected := slices.DeleteFunc(groups[h], func(b BlockID) bool {
			return m.blocks[b].dead || slices.Contains(h.blocks, b)
		})
		if len(protected) == 0 {
			m.discardHandler(h)
			continue
		}
		m.regions = append(m.regions, newRegion([]*ExceptionHandler{h}, protected))
	}
	m.DetachMarked()

	m.mergeSameBlocks()
	m.relateRegions()
}

func newRegion(handlers []*ExceptionHandler, blocks []BlockID) *TryRegion {
	return &TryRegion{blocks: blocks, handlers: handlers, top: NoBlock, bottom: NoBlock}
}

func (m *Method) mergeSameBlocks() {
	rs := m.regions
	for i := 0; i < len(rs); i++ {
		for j := i + 1; j < len(rs); {
			if sameSet(rs[i].blocks, rs[j].blocks) {
				rs[i].handlers = concatDistinct(rs[i].handlers, rs[j].handlers)
				rs = slices.Delete(rs, j, j+1)
				continue
			}
			j++
		}
	}
	m.regions = rs
}

// relateRegions repeats pairwise nesting and merging until no pair
// changes the region list or the iteration cap is reached.
func (m *Method) relateRegions() {
	for iter := 0; iter < m.opts.MaxRelationIterations; iter++ {
		if !m.relateOnce() {
			return
		}
	}
}

func (m *Method) relateOnce() bool {
	for _, outer := range m.regions {
		for _, inner := range m.regions {
			if outer != inner && m.relate(outer, inner) {
				return true
			}
		}
	}
	return false
}

// relate classifies one ordered region pair. It reports true when the
// region list itself was replaced; nesting and absorption edit the
// regions in place and report false.
func (m *Method) relate(outer, inner *TryRegion) bool {
	if len(outer.blocks) == 0 || len(inner.blocks) == 0 {
		return false
	}
	if sameSet(outer.blocks, inner.blocks) {
		m.replaceRegions(outer, inner, concatDistinct(outer.handlers, inner.handlers), outer.blocks)
		return true
	}

	var handlerBlocks []BlockID
	for _, h := range inner.handlers {
		handlerBlocks = append(handlerBlocks, h.blocks...)
	}
	catchesLikeOuter := func(b BlockID) bool {
		c := m.Catch(b)
		return c != nil && slices.Equal(c.Handlers, outer.handlers)
	}
	catchInHandler := slices.ContainsFunc(handlerBlocks, catchesLikeOuter)
	catchInTry := slices.ContainsFunc(inner.blocks, catchesLikeOuter)
	outsideHandler := slices.ContainsFunc(outer.blocks, func(b BlockID) bool {
		return !slices.Contains(handlerBlocks, b)
	})
	makeInner := (catchInHandler && (catchInTry || outsideHandler)) || strictSubset(inner.blocks, outer.blocks)

	if makeInner && (inner.outer == outer || nestedIn(outer, inner)) {
		return false
	}
	if makeInner && inner.hasCatchAll() {
		outer.blocks = concatDistinct(outer.blocks, inner.blocks)
		outer.handlers = concatDistinct(outer.handlers, inner.handlers)
		for _, in := range inner.inners {
			in.outer = outer
			outer.inners = append(outer.inners, in)
		}
		inner.inners = nil
		inner.clear()
		return false
	}
	if makeInner {
		if inner.outer != nil {
			inner.outer.inners = slices.DeleteFunc(inner.outer.inners, func(r *TryRegion) bool { return r == inner })
		}
		outer.blocks = concatDistinct(outer.blocks, inner.blocks)
		inner.handlers = slices.DeleteFunc(inner.handlers, func(h *ExceptionHandler) bool {
			return slices.Contains(outer.handlers, h)
		})
		inner.outer = outer
		outer.inners = append(outer.inners, inner)
		return false
	}
	if containsAll(inner.handlers, outer.handlers) {
		m.replaceRegions(outer, inner,
			concatDistinct(outer.handlers, inner.handlers),
			concatDistinct(outer.blocks, inner.blocks))
		return true
	}
	return false
}

// replaceRegions substitutes a and b with one merged region that takes
// over their nesting links.
func (m *Method) replaceRegions(a, b *TryRegion, handlers []*ExceptionHandler, blocks []BlockID) {
	merged := newRegion(handlers, slices.Clone(blocks))
	merged.outer = a.outer
	if merged.outer == b {
		merged.outer = b.outer
	}
	for _, in := range concatDistinct(a.inners, b.inners) {
		if in == a || in == b {
			continue
		}
		in.outer = merged
		merged.inners = append(merged.inners, in)
	}
	for _, r := range m.regions {
		r.inners = slices.DeleteFunc(r.inners, func(x *TryRegion) bool { return x == a || x == b })
	}
	if merged.outer != nil {
		merged.outer.inners = append(merged.outer.inners, merged)
	}
	m.regions = slices.DeleteFunc(m.regions, func(r *TryRegion) bool { return r == a || r == b })
	m.regions = append(m.regions, merged)
}

// dropEmptyRegions removes regions left without blocks or handlers,
// reparents their inner regions and removes handlers no region uses.
func (m *Method) dropEmptyRegions() {
	var kept []*TryRegion
	for _, r := range m.regions {
		if len(r.blocks) > 0 && len(r.handlers) > 0 {
			kept = append(kept, r)
			continue
		}
		for _, in := range r.inners {
			in.outer = r.outer
			if r.outer != nil {
				r.outer.inners = append(r.outer.inners, in)
			}
		}
		if r.outer != nil {
			r.outer.inners = slices.DeleteFunc(r.outer.inners, func(x *TryRegion) bool { return x == r })
		}
	}
	m.regions = kept
	for _, h := range slices.Clone(m.handlers) {
		if !m.inAnyRegion(h) {
			m.discardHandler(h)
		}
	}
	for i, r := range m.regions {
		r.id = i
		for _, h := range r.handlers {
			h.region = r
		}
	}
}

func (m *Method) inAnyRegion(h *ExceptionHandler) bool {
	for _, r := range m.regions {
		if slices.Contains(r.handlers, h) {
			return true
		}
	}
	return false
}

// mergeMultiCatch collapses handlers of r whose entry holds only a
// move-exception and that all continue into one join block reachable
// only from them, with the same exception register. The first handler
// keeps the union of caught types and the join block.
func (m *Method) mergeMultiCatch(r *TryRegion) {
	type key struct {
		join BlockID
		reg  insn.Register
	}
	var order []key
	groups := make(map[key][]*ExceptionHandler)
	for _, h := range r.handlers {
		if h.catchAll {
			continue
		}
		e := m.blocks[h.entry]
		if len(e.insns) != 1 || e.insns[0].Kind != insn.KindMoveException || len(e.succs) != 1 {
			continue
		}
		k := key{join: e.succs[0], reg: e.insns[0].Result}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], h)
	}
	for _, k := range order {
		hs := groups[k]
		if len(hs) < 2 {
			continue
		}
		entries := make([]BlockID, len(hs))
		for i, h := range hs {
			entries[i] = h.entry
		}
		if !sameSet(m.blocks[k.join].preds, entries) {
			continue
		}
		first := hs[0]
		for _, other := range hs[1:] {
			for _, t := range other.types {
				first.addType(t)
			}
			m.removeHandler(other)
		}
		first.blocks = concatDistinct(first.blocks, []BlockID{k.join})
		for _, b := range m.Blocks() {
			if b.doms.Test(uint(k.join)) {
				first.blocks = concatDistinct(first.blocks, []BlockID{b.id})
			}
		}
		m.fixMoveException(first, first.entry)
	}
}

// orderHandlers sorts the handlers of r most specific first, catch-all
// last and otherwise by type name. Extra catch-all handlers are dropped
// with a diagnostic.
func (m *Method) orderHandlers(r *TryRegion) {
	specificity := make(map[*ExceptionHandler]int, len(r.handlers))
	for _, h := range r.handlers {
		specificity[h] = m.knownSupertypes(h, r.handlers)
	}
	slices.SortStableFunc(r.handlers, func(a, b *ExceptionHandler) int {
		if a.catchAll != b.catchAll {
			if a.catchAll {
				return 1
			}
			return -1
		}
		if sa, sb := specificity[a], specificity[b]; sa != sb {
			return sb - sa
		}
		return strings.Compare(strings.Join(a.types, "|"), strings.Join(b.types, "|"))
	})

	var alls []*ExceptionHandler
	for _, h := range r.handlers {
		if h.catchAll {
			alls = append(alls, h)
		}
	}
	if len(alls) < 2 {
		return
	}
	blocks := make([]BlockID, len(alls))
	for i, h := range alls {
		blocks[i] = h.entry
	}
	m.warn(CodeMultipleCatchAll, blocks, "try region has %d catch-all handlers, keeping %s", len(alls), alls[0])
	for _, h := range alls[1:] {
		r.handlers = slices.DeleteFunc(r.handlers, func(x *ExceptionHandler) bool { return x == h })
		if !m.inAnyRegion(h) {
			m.removeHandler(h)
		}
	}
}

// knownSupertypes counts the types of the other handlers in group that
// are supertypes of one of h's types.
func (m *Method) knownSupertypes(h *ExceptionHandler, group []*ExceptionHandler) int {
	th := m.opts.Hierarchy
	if th == nil {
		return 0
	}
	best := 0
	for _, t := range h.types {
		n := 0
		for _, o := range group {
			if o == h {
				continue
			}
			for _, super := range o.types {
				if super != t && th.IsSubtype(t, super) {
					n++
				}
			}
		}
		best = max(best, n)
	}
	return best
}

func strictSubset(a, b []BlockID) bool {
	return len(a) < len(b) && containsAll(b, a)
}

func containsAll[T comparable](set, items []T) bool {
	for _, x := range items {
		if !slices.Contains(set, x) {
			return false
		}
	}
	return true
}

// nestedIn reports whether r sits somewhere inside anc.
func nestedIn(r, anc *TryRegion) bool {
	for p := r.outer; p != nil; p = p.outer {
		if p == anc {
			return true
		}
	}
	return false
}
