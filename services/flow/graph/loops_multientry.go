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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianFlow/services/flow/telemetry"
)

// =============================================================================
// Multi-Entry Loop Repair
// =============================================================================

var loopTracer = otel.Tracer("flow.graph.loops")

type color uint8

const (
	white color = iota
	gray
	black
)

// specialEdges are the non-tree edges of a depth-first traversal.
type specialEdges struct {
	back  []Edge
	cross []Edge
}

// headerRepair duplicates header so the back edge from tail enters the
// loop at subEntry.
type headerRepair struct {
	tail     BlockID
	header   BlockID
	subEntry BlockID
}

// FixMultiEntryLoops converts loops entered from outside through a block
// other than their header into single-entry loops by duplicating the
// header.
//
// Description:
//
//	An independent white/gray/black DFS from enter classifies edges: an
//	edge into a gray block is a back edge, an edge into a black block is a
//	cross edge. A back edge tail -> header is single-entry when header ==
//	tail or header dominates tail. For the other ones the supported shape
//	is a single cross edge leaving the header's immediate dominator whose
//	destination is also the header's only successor; the header is then
//	copied, the tail redirected to the copy and the copy linked to that
//	destination. Other shapes raise a multi-entry-loop warning.
//
// Outputs:
//
//   - bool: True when the graph was modified.
//
// Limitations:
//
//   - Detection runs before any edit; a failure during detection leaves
//     the graph unmodified and only records a repair-failed warning.
func (m *Method) FixMultiEntryLoops(ctx context.Context) bool {
	m.mutable()
	ctx, span := loopTracer.Start(ctx, "graph.FixMultiEntryLoops",
		trace.WithAttributes(attribute.String("method", m.name)),
	)
	defer span.End()

	var repairs []headerRepair
	err := recovered(func() {
		edges := m.detectSpecialEdges()
		for _, e := range edges.back {
			if m.singleEntry(e) {
				continue
			}
			r, ok := m.planHeaderRepair(e, edges.cross)
			if !ok {
				m.warn(CodeMultiEntryLoop, []BlockID{e.To, e.From}, "unsupported multi-entry loop %s", e)
				continue
			}
			repairs = append(repairs, r)
		}
	})
	if err != nil {
		span.RecordError(err)
		m.warn(CodeRepairFailed, nil, "multi-entry loop detection failed: %v", err)
		return false
	}

	for _, r := range repairs {
		cp := m.CopyBlock(r.header)
		m.ReplaceSuccessor(r.tail, r.header, cp)
		m.Connect(cp, r.subEntry)
		m.AddDiagnostic(Diagnostic{
			Severity: SeverityInfo,
			Code:     CodeHeaderDuplicated,
			Message:  fmt.Sprintf("duplicated %s to fix multi-entry loop", r.header),
			Blocks:   []BlockID{r.header, cp},
		})
	}
	span.SetAttributes(attribute.Int("repairs", len(repairs)))
	if len(repairs) > 0 {
		telemetry.LoggerWithTrace(ctx, slog.Default()).Debug("multi-entry loops repaired",
			slog.String("method", m.name),
			slog.Int("repairs", len(repairs)),
		)
	}
	return len(repairs) > 0
}

func (m *Method) singleEntry(e Edge) bool {
	return e.To == e.From || m.Dominates(e.To, e.From)
}

func (m *Method) planHeaderRepair(back Edge, cross []Edge) (headerRepair, bool) {
	header := m.blocks[back.To]
	if header.idom == NoBlock {
		return headerRepair{}, false
	}
	var entry *Edge
	for i := range cross {
		if cross[i].From != header.idom {
			continue
		}
		if entry != nil {
			return headerRepair{}, false
		}
		entry = &cross[i]
	}
	if entry == nil {
		return headerRepair{}, false
	}
	if len(header.succs) != 1 || header.succs[0] != entry.To {
		return headerRepair{}, false
	}
	return headerRepair{tail: back.From, header: back.To, subEntry: entry.To}, true
}

// detectSpecialEdges colors the graph depth-first from enter.
func (m *Method) detectSpecialEdges() specialEdges {
	type frame struct {
		id   BlockID
		edge int
	}
	var out specialEdges
	colors := make([]color, len(m.blocks))
	stack := []frame{{id: m.enter}}
	colors[m.enter] = gray
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		succs := m.blocks[top.id].succs
		if top.edge >= len(succs) {
			colors[top.id] = black
			stack = stack[:len(stack)-1]
			continue
		}
		s := succs[top.edge]
		top.edge++
		switch colors[s] {
		case white:
			colors[s] = gray
			stack = append(stack, frame{id: s})
		case gray:
			out.back = append(out.back, Edge{From: top.id, To: s})
		case black:
			out.cross = append(out.cross, Edge{From: top.id, To: s})
		}
	}
	return out
}

// recovered runs fn and converts a panic into an error.
func recovered(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("recovered: %v", r)
		}
	}()
	fn()
	return nil
}
