// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dump renders recovered method graphs for people and for Graphviz.
//
// Both renderers only read the method. They are meant for locked methods
// returned by the pipeline, but work on any graph whose dominance facts
// are current.
package dump

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/AleutianAI/AleutianFlow/services/flow/graph"
)

// Format selects a renderer.
type Format string

const (
	FormatText Format = "text"
	FormatDOT  Format = "dot"
)

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(s)) {
	case FormatText, "":
		return FormatText, nil
	case FormatDOT:
		return FormatDOT, nil
	}
	return "", fmt.Errorf("unknown format %q (want text or dot)", s)
}

// Options controls the text renderer.
type Options struct {
	// Color enables terminal styling.
	Color bool
}

// Write renders m in the given format.
func Write(w io.Writer, m *graph.Method, format Format, opts Options) error {
	if format == FormatDOT {
		return DOT(w, m)
	}
	return Text(w, m, opts)
}

var (
	colorTeal  = lipgloss.Color("#2CD7C7")
	colorDeep  = lipgloss.Color("#16858E")
	colorSlate = lipgloss.Color("#2C4A54")
	colorGold  = lipgloss.Color("#F4D03F")
)

type styles struct {
	title lipgloss.Style
	block lipgloss.Style
	flags lipgloss.Style
	muted lipgloss.Style
	warn  lipgloss.Style
}

func newStyles() styles {
	return styles{
		title: lipgloss.NewStyle().Bold(true).Foreground(colorTeal),
		block: lipgloss.NewStyle().Bold(true).Foreground(colorDeep),
		flags: lipgloss.NewStyle().Foreground(colorTeal),
		muted: lipgloss.NewStyle().Foreground(colorSlate),
		warn:  lipgloss.NewStyle().Foreground(colorGold),
	}
}

type printer struct {
	w     io.Writer
	color bool
	st    styles
	err   error
}

func (p *printer) paint(s lipgloss.Style, text string) string {
	if !p.color || text == "" {
		return text
	}
	return s.Render(text)
}

func (p *printer) printf(format string, args ...any) {
	if p.err != nil {
		return
	}
	_, p.err = fmt.Fprintf(p.w, format, args...)
}

// Text writes a block listing of m.
//
// Description:
//
//	One header line per block with flags, successors, clean successors
//	and the immediate dominator, followed by its instructions. Loops, try
//	regions and diagnostics are listed after the blocks.
//
// Outputs:
//   - error: The first write error.
func Text(w io.Writer, m *graph.Method, opts Options) error {
	p := &printer{w: w, color: opts.Color, st: newStyles()}

	blocks := m.Blocks()
	p.printf("%s %s\n", p.paint(p.st.title, "method"), p.paint(p.st.title, m.Name()))
	p.printf("%s\n", p.paint(p.st.muted, fmt.Sprintf("%d blocks, %d loops, %d try regions",
		len(blocks), len(m.Loops()), len(m.TryRegions()))))

	for _, b := range blocks {
		p.printf("\n%s", p.paint(p.st.block, b.String()))
		if f := b.Flags(); f != 0 {
			p.printf(" %s", p.paint(p.st.flags, "["+f.String()+"]"))
		}
		if succs := b.Succs(); len(succs) > 0 {
			p.printf(" -> %s", ids(succs))
		}
		p.printf("\n")

		var facts []string
		if b.IDom() != graph.NoBlock {
			facts = append(facts, "idom="+b.IDom().String())
		}
		if clean := b.CleanSuccs(); len(clean) > 0 {
			facts = append(facts, "clean="+ids(clean))
		}
		if r := m.RegionOf(b.ID()); r != nil {
			facts = append(facts, fmt.Sprintf("try=%d", r.ID()))
		}
		if h := m.HandlerAt(b.ID()); h != nil {
			facts = append(facts, "handler="+h.String())
		}
		if len(facts) > 0 {
			p.printf("    %s\n", p.paint(p.st.muted, strings.Join(facts, " ")))
		}
		for _, in := range b.Instructions() {
			p.printf("    %s\n", in)
		}
	}

	if loops := m.Loops(); len(loops) > 0 {
		p.printf("\n%s\n", p.paint(p.st.title, "loops"))
		for _, l := range loops {
			parent := "-"
			if l.Parent() != nil {
				parent = fmt.Sprintf("%d", l.Parent().ID())
			}
			p.printf("  %d header=%s tail=%s depth=%d parent=%s body=%s\n",
				l.ID(), l.Header(), l.Tail(), l.Depth(), parent, ids(l.Body()))
		}
	}

	if regions := m.TryRegions(); len(regions) > 0 {
		p.printf("\n%s\n", p.paint(p.st.title, "try regions"))
		for _, r := range regions {
			handlers := make([]string, 0, len(r.Handlers()))
			for _, h := range r.Handlers() {
				handlers = append(handlers, fmt.Sprintf("%s->%s", h, h.Entry()))
			}
			p.printf("  %d top=%s bottom=%s blocks=%s handlers=[%s]\n",
				r.ID(), r.TopSplitter(), r.BottomSplitter(), ids(r.Blocks()), strings.Join(handlers, ", "))
		}
	}

	if diags := m.Diagnostics(); len(diags) > 0 {
		p.printf("\n%s\n", p.paint(p.st.title, "diagnostics"))
		for _, d := range diags {
			p.printf("  %s %s %s\n", p.paint(p.st.warn, d.Severity.String()), d.Code, d.Message)
		}
	}
	return p.err
}

func ids(list []graph.BlockID) string {
	parts := make([]string, len(list))
	for i, id := range list {
		parts[i] = id.String()
	}
	return "{" + strings.Join(parts, ",") + "}"
}
