// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dump

import (
	"fmt"
	"io"
	"strings"

	"github.com/AleutianAI/AleutianFlow/services/flow/graph"
)

// DOT writes m as a Graphviz digraph.
//
// Description:
//
//	Blocks become record nodes holding their instructions. Normal edges
//	are solid, edges that are not clean successors (loop back edges and
//	handler edges) are dashed. Try regions become clusters.
//
// Outputs:
//   - error: The first write error.
func DOT(w io.Writer, m *graph.Method) error {
	p := &printer{w: w}
	p.printf("digraph %q {\n", m.Name())
	p.printf("  node [shape=box fontname=\"monospace\"];\n")

	inRegion := make(map[graph.BlockID]bool)
	for _, r := range m.TryRegions() {
		p.printf("  subgraph cluster_try%d {\n    label=\"try %d\";\n    style=dashed;\n", r.ID(), r.ID())
		for _, id := range r.Blocks() {
			if b := m.Block(id); b != nil && !inRegion[id] {
				inRegion[id] = true
				p.printf("    %s\n", dotNode(m, b))
			}
		}
		p.printf("  }\n")
	}

	for _, b := range m.Blocks() {
		if !inRegion[b.ID()] {
			p.printf("  %s\n", dotNode(m, b))
		}
	}

	for _, b := range m.Blocks() {
		clean := make(map[graph.BlockID]bool)
		for _, s := range b.CleanSuccs() {
			clean[s] = true
		}
		for _, s := range b.Succs() {
			style := ""
			if !clean[s] && s != m.Exit() {
				style = " [style=dashed]"
			}
			p.printf("  b%d -> b%d%s;\n", b.ID(), s, style)
		}
	}
	p.printf("}\n")
	return p.err
}

func dotNode(m *graph.Method, b *graph.Block) string {
	var lines []string
	head := b.String()
	if f := b.Flags(); f != 0 {
		head += " " + f.String()
	}
	if h := m.HandlerAt(b.ID()); h != nil {
		head += " " + h.String()
	}
	lines = append(lines, head)
	for _, in := range b.Instructions() {
		lines = append(lines, in.String())
	}
	label := strings.Join(lines, "\\l") + "\\l"
	return fmt.Sprintf("b%d [label=\"%s\"];", b.ID(), escapeDOT(label))
}

// escapeDOT escapes double quotes. Backslash sequences are left alone so
// the \l line breaks survive.
func escapeDOT(s string) string {
	return strings.ReplaceAll(s, `"`, `\"`)
}
