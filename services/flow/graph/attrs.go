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

// attrs is the typed side table entry of one block.
type attrs struct {
	branch  *Branch
	catch   *CatchAttr
	handler *ExceptionHandler
	loops   []*LoopInfo
	region  *TryRegion
}

func (a *attrs) empty() bool {
	return a == nil || (a.branch == nil && a.catch == nil && a.handler == nil &&
		len(a.loops) == 0 && a.region == nil)
}

// Branch records the targets of a block ending in if or switch.
//
// For if, Targets holds the taken branch and Fallthrough the else branch.
// For switch, Targets are the cases and Fallthrough is the default.
type Branch struct {
	Kind        insn.Kind
	Targets     []BlockID
	Fallthrough BlockID
}

// Then returns the taken target of an if.
func (br *Branch) Then() BlockID {
	if len(br.Targets) == 0 {
		return NoBlock
	}
	return br.Targets[0]
}

// Else returns the fall-through target of an if.
func (br *Branch) Else() BlockID { return br.Fallthrough }

func (br *Branch) retarget(from, to BlockID) {
	for i, t := range br.Targets {
		if t == from {
			br.Targets[i] = to
		}
	}
	if br.Fallthrough == from {
		br.Fallthrough = to
	}
}

func (br *Branch) clone() *Branch {
	cp := *br
	cp.Targets = slices.Clone(br.Targets)
	return &cp
}

// CatchAttr is an ordered handler list attached to an instruction or,
// when every throwing instruction of a block agrees, to the block.
type CatchAttr struct {
	Handlers []*ExceptionHandler
}

// Equal compares handler lists by identity and order.
func (c *CatchAttr) Equal(other *CatchAttr) bool {
	if c == nil || other == nil {
		return c == other
	}
	return slices.Equal(c.Handlers, other.Handlers)
}

func (c *CatchAttr) remove(h *ExceptionHandler) {
	if i := slices.Index(c.Handlers, h); i >= 0 {
		c.Handlers = slices.Delete(c.Handlers, i, i+1)
	}
}

// ExceptionHandler is one catch target.
type ExceptionHandler struct {
	offset   int
	types    []string
	catchAll bool
	entry    BlockID
	blocks   []BlockID
	region   *TryRegion
	arg      insn.Register
	argName  string
	argType  string
	removed  bool
}

// Offset returns the handler entry offset in the instruction stream.
func (h *ExceptionHandler) Offset() int { return h.offset }

// Types returns the caught type names.
func (h *ExceptionHandler) Types() []string { return slices.Clone(h.types) }

// CatchAll reports whether the handler catches every exception.
func (h *ExceptionHandler) CatchAll() bool { return h.catchAll }

// Entry returns the block control enters when the handler fires.
func (h *ExceptionHandler) Entry() BlockID { return h.entry }

// Blocks returns the blocks owned by the handler body.
func (h *ExceptionHandler) Blocks() []BlockID { return slices.Clone(h.blocks) }

// Region returns the try region the handler is attached to.
func (h *ExceptionHandler) Region() *TryRegion { return h.region }

// Arg returns the register receiving the exception, NoRegister when the
// value is discarded.
func (h *ExceptionHandler) Arg() insn.Register { return h.arg }

// ArgName returns the placeholder name of a discarded exception value.
func (h *ExceptionHandler) ArgName() string { return h.argName }

// ArgType returns the declared type of the exception value.
func (h *ExceptionHandler) ArgType() string { return h.argType }

func (h *ExceptionHandler) addType(t string) {
	if !slices.Contains(h.types, t) {
		h.types = append(h.types, t)
	}
}

func (h *ExceptionHandler) String() string {
	if h.catchAll && len(h.types) == 0 {
		return fmt.Sprintf("catch(all)@%04x", h.offset)
	}
	names := strings.Join(h.types, "|")
	if h.catchAll {
		names += "|all"
	}
	return fmt.Sprintf("catch(%s)@%04x", names, h.offset)
}

// TryRegion is a protected block set with its handlers.
type TryRegion struct {
	id       int
	blocks   []BlockID
	handlers []*ExceptionHandler
	outer    *TryRegion
	inners   []*TryRegion
	top      BlockID
	bottom   BlockID
}

// ID returns the region number inside its method.
func (r *TryRegion) ID() int { return r.id }

// Blocks returns the protected blocks.
func (r *TryRegion) Blocks() []BlockID { return slices.Clone(r.blocks) }

// Handlers returns the handlers, most specific first.
func (r *TryRegion) Handlers() []*ExceptionHandler { return slices.Clone(r.handlers) }

// Outer returns the enclosing region, nil at top level.
func (r *TryRegion) Outer() *TryRegion { return r.outer }

// Inners returns the directly nested regions.
func (r *TryRegion) Inners() []*TryRegion { return slices.Clone(r.inners) }

// TopSplitter returns the synthetic entry splitter.
func (r *TryRegion) TopSplitter() BlockID { return r.top }

// BottomSplitter returns the synthetic exit splitter, NoBlock when the
// region only leaves through returns or throws.
func (r *TryRegion) BottomSplitter() BlockID { return r.bottom }

// Protects reports whether b is in the protected set.
func (r *TryRegion) Protects(b BlockID) bool { return slices.Contains(r.blocks, b) }

func (r *TryRegion) hasCatchAll() bool {
	return slices.ContainsFunc(r.handlers, func(h *ExceptionHandler) bool { return h.catchAll })
}

func (r *TryRegion) clear() {
	r.blocks = nil
	r.handlers = nil
}

func (r *TryRegion) String() string {
	return fmt.Sprintf("try#%d%v", r.id, r.handlers)
}

// LoopInfo describes one natural loop.
type LoopInfo struct {
	id     int
	header BlockID
	tail   BlockID
	body   *bitset.BitSet
	parent *LoopInfo
	m      *Method
}

// ID returns the loop number inside its method, -1 before registration.
func (l *LoopInfo) ID() int { return l.id }

// Header returns the loop start block.
func (l *LoopInfo) Header() BlockID { return l.header }

// Tail returns the source of the back edge.
func (l *LoopInfo) Tail() BlockID { return l.tail }

// Parent returns the immediately enclosing loop, nil at top level.
func (l *LoopInfo) Parent() *LoopInfo { return l.parent }

// Contains reports whether b is in the loop body.
func (l *LoopInfo) Contains(b BlockID) bool { return b >= 0 && l.body.Test(uint(b)) }

// Body returns the loop body in id order.
func (l *LoopInfo) Body() []BlockID { return setToIDs(l.body) }

// Depth returns the nesting depth, 0 for outermost loops.
func (l *LoopInfo) Depth() int {
	d := 0
	for p := l.parent; p != nil; p = p.parent {
		d++
	}
	return d
}

// Edge is a directed block pair.
type Edge struct {
	From BlockID
	To   BlockID
}

func (e Edge) String() string { return fmt.Sprintf("%s->%s", e.From, e.To) }

// ExitEdges returns edges from the body to blocks outside it, excluding
// exception handler paths and the exit sentinel.
func (l *LoopInfo) ExitEdges() []Edge {
	var out []Edge
	for _, id := range l.Body() {
		for _, s := range l.m.blocks[id].succs {
			if l.Contains(s) || l.m.isHandlerPath(s) || s == l.m.exit {
				continue
			}
			out = append(out, Edge{From: id, To: s})
		}
	}
	return out
}

// ExitBlocks returns the distinct targets of ExitEdges.
func (l *LoopInfo) ExitBlocks() []BlockID {
	var out []BlockID
	for _, e := range l.ExitEdges() {
		if !slices.Contains(out, e.To) {
			out = append(out, e.To)
		}
	}
	return out
}

func (l *LoopInfo) String() string {
	return fmt.Sprintf("loop#%d(%s<-%s)", l.id, l.header, l.tail)
}

// Severity grades a diagnostic.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
)

func (s Severity) String() string {
	if s == SeverityWarning {
		return "warn"
	}
	return "info"
}

// Diagnostic codes.
const (
	CodeUnreachableCode  = "unreachable-code"
	CodeMultiEntryLoop   = "multi-entry-loop"
	CodeInfiniteLoop     = "infinite-loop"
	CodeMultipleCatchAll = "multiple-catch-all"
	CodeMissingPreHeader = "missing-pre-header"
	CodeRepairFailed     = "repair-failed"
	CodeDuplicateInsns   = "duplicate-insns"
	CodeHeaderDuplicated = "header-duplicated"
)

// Diagnostic is a recovered input anomaly.
type Diagnostic struct {
	Severity Severity
	Code     string
	Message  string
	Blocks   []BlockID
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s [%s] %s %v", d.Severity, d.Code, d.Message, d.Blocks)
}

// TypeHierarchy answers subtype queries for exception types. The graph
// package works without one; handler ordering then falls back to names.
type TypeHierarchy interface {
	// IsSubtype reports whether sub extends or equals super.
	IsSubtype(sub, super string) bool
}

// Options tune the algorithms of one method.
type Options struct {
	// MaxDominatorIterations caps the dominator fixpoint.
	MaxDominatorIterations int

	// MaxRelationIterations caps the try region relation fixpoint.
	MaxRelationIterations int

	// CatchAllType types the exception value of catch-all and
	// multi-type handlers.
	CatchAllType string

	// Hierarchy orders handlers by type specificity. Optional.
	Hierarchy TypeHierarchy
}

// Defaults for Options.
const (
	DefaultMaxDominatorIterations = 100
	DefaultMaxRelationIterations  = 100
	DefaultCatchAllType           = "java.lang.Throwable"
)

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{
		MaxDominatorIterations: DefaultMaxDominatorIterations,
		MaxRelationIterations:  DefaultMaxRelationIterations,
		CatchAllType:           DefaultCatchAllType,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxDominatorIterations <= 0 {
		o.MaxDominatorIterations = d.MaxDominatorIterations
	}
	if o.MaxRelationIterations <= 0 {
		o.MaxRelationIterations = d.MaxRelationIterations
	}
	if o.CatchAllType == "" {
		o.CatchAllType = d.CatchAllType
	}
	return o
}
