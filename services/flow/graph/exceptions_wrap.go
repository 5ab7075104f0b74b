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
)

// wrapRegions materializes splitter blocks for every region. A region
// whose top block is not reachable yet, because it lies in a handler of a
// region still waiting in the queue, is postponed.
func (m *Method) wrapRegions() error {
	limit := 3 * len(m.regions)
	queue := slices.Clone(m.regions)
	for count := 0; len(queue) > 0; count++ {
		if count >= limit {
			return fmt.Errorf("%w: %s has %d pending regions", ErrWrapLimit, m.name, len(queue))
		}
		r := queue[0]
		queue = queue[1:]
		done, err := m.wrapRegion(r)
		if err != nil {
			return err
		}
		if !done {
			queue = append(queue, r)
		}
	}
	return nil
}

func (m *Method) wrapRegion(r *TryRegion) (bool, error) {
	top, err := m.searchTopBlock(r.blocks)
	if err != nil {
		return false, fmt.Errorf("wrap %s in %s: %w", r, m.name, err)
	}
	if len(m.blocks[top].preds) == 0 && top != m.enter {
		return false, nil
	}
	bottom := m.searchBottomBlock(r)

	topSplitter := m.topSplitterFor(top)
	m.setFlag(topSplitter, FlagTopSplitter|FlagSynthetic)

	bottomSplitter := NoBlock
	if bottom != NoBlock {
		bottomSplitter = m.withFlag(m.blocks[bottom].succs, FlagBottomSplitter)
		if bottomSplitter == NoBlock {
			bottomSplitter = m.NewSynthetic()
		}
		m.setFlag(bottomSplitter, FlagBottomSplitter|FlagSynthetic)
		m.Connect(bottom, bottomSplitter)
	}

	for cur := r; cur != nil; cur = cur.outer {
		for _, h := range cur.handlers {
			m.Connect(topSplitter, h.entry)
			if bottomSplitter != NoBlock {
				m.Connect(bottomSplitter, h.entry)
			}
		}
	}

	for _, b := range r.blocks {
		a := m.attr(b)
		if a.region == nil || nestedIn(r, a.region) {
			a.region = r
		}
	}
	r.top = topSplitter
	r.bottom = bottomSplitter
	m.updateClean(m.blocks[topSplitter])
	return true, nil
}

// searchTopBlock returns the block of the set dominating all others, or
// failing that their common dominator, or the single successor of the
// common dominator when it belongs to the set.
func (m *Method) searchTopBlock(blocks []BlockID) (BlockID, error) {
	for _, c := range blocks {
		if m.dominatesAll(c, blocks) {
			return c, nil
		}
	}
	dom, err := m.commonDominator(blocks)
	if err != nil {
		return NoBlock, err
	}
	if d := m.blocks[dom]; len(d.succs) == 1 && slices.Contains(blocks, d.succs[0]) {
		return d.succs[0], nil
	}
	return dom, nil
}

func (m *Method) dominatesAll(c BlockID, blocks []BlockID) bool {
	for _, o := range blocks {
		if o != c && !m.Dominates(c, o) {
			return false
		}
	}
	return true
}

// commonDominator returns the nearest block dominating or equal to every
// block of the set.
func (m *Method) commonDominator(blocks []BlockID) (BlockID, error) {
	if len(blocks) == 0 {
		return NoBlock, ErrRegionBounds
	}
	var common []BlockID
	for i, id := range blocks {
		b := m.blocks[id]
		if b.pos < 0 {
			return NoBlock, &BlockError{Block: id, Err: ErrRegionBounds}
		}
		chain := append(b.Dominators(), id)
		if i == 0 {
			common = chain
			continue
		}
		common = slices.DeleteFunc(common, func(x BlockID) bool { return !slices.Contains(chain, x) })
	}
	best := NoBlock
	for _, c := range common {
		if best == NoBlock || m.blocks[c].doms.Count() > m.blocks[best].doms.Count() {
			best = c
		}
	}
	if best == NoBlock {
		return NoBlock, &BlockError{Block: blocks[0], Err: ErrRegionBounds}
	}
	return best, nil
}

// searchBottomBlock returns the region block post-dominating all others,
// or the nearest common post-dominator outside the region. When that block
// is also entered from outside the region, the region's exit edges are
// first funnelled through a new synthetic block which is returned instead.
// Regions that only leave through returns and throws, or whose blocks
// have no post-dominance facts, have no bottom block.
func (m *Method) searchBottomBlock(r *TryRegion) BlockID {
	for _, c := range r.blocks {
		if m.postDominatesAll(c, r.blocks) {
			return c
		}
	}
	var common []BlockID
	for i, id := range r.blocks {
		b := m.blocks[id]
		if b.ipostdom == NoBlock {
			return NoBlock
		}
		chain := append(b.PostDominators(), id)
		if i == 0 {
			common = chain
			continue
		}
		common = slices.DeleteFunc(common, func(x BlockID) bool { return !slices.Contains(chain, x) })
	}
	best := NoBlock
	for _, c := range common {
		if best == NoBlock || m.blocks[c].postDoms.Count() > m.blocks[best].postDoms.Count() {
			best = c
		}
	}
	if best == NoBlock || best == m.exit || m.blocks[best].Has(FlagReturn) {
		return NoBlock
	}

	var inside, outside []BlockID
	for _, p := range m.blocks[best].preds {
		if r.Protects(p) {
			inside = append(inside, p)
		} else {
			outside = append(outside, p)
		}
	}
	if len(inside) == 0 || len(outside) == 0 {
		return best
	}
	join := m.NewSynthetic()
	for _, p := range inside {
		m.ReplaceSuccessor(p, best, join)
	}
	m.Connect(join, best)
	return join
}

func (m *Method) postDominatesAll(c BlockID, blocks []BlockID) bool {
	for _, o := range blocks {
		if o != c && !m.PostDominates(c, o) {
			return false
		}
	}
	return true
}

// topSplitterFor returns the block exceptions of a region starting at top
// enter from: an existing top splitter in front of top, or a new block
// split off above it.
func (m *Method) topSplitterFor(top BlockID) BlockID {
	if top == m.enter {
		return m.SplitTop(m.blocks[m.enter].succs[0])
	}
	tb := m.blocks[top]
	if s := m.withFlag(tb.preds, FlagTopSplitter); s != NoBlock {
		return s
	}
	if len(tb.clean) == 1 && len(tb.insns) == 0 {
		s := tb.clean[0]
		if m.blocks[s].Has(FlagTopSplitter) && len(m.blocks[s].preds) == 1 {
			return s
		}
	}
	return m.SplitTop(top)
}

func (m *Method) withFlag(ids []BlockID, f Flag) BlockID {
	for _, id := range ids {
		if m.blocks[id].Has(f) {
			return id
		}
	}
	return NoBlock
}
