// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package fixture reads YAML instruction listings into insn.Method values.
//
// A listing holds one or more methods:
//
//	methods:
//	  - name: max
//	    returns_value: true
//	    code:
//	      - {at: 0, op: if, args: [0, 1], jumps: [3]}
//	      - {at: 1, op: move, result: 2, args: [1]}
//	      - {at: 2, op: goto, jumps: [4]}
//	      - {at: 3, op: move, result: 2, args: [0]}
//	      - {at: 4, op: return, args: [2]}
//
// Handler candidates are listed under catch, each with a handler offset
// and optional types (none means catch-all).
package fixture

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianFlow/services/flow/insn"
)

// ErrNoMethods is returned for a listing without methods.
var ErrNoMethods = errors.New("fixture has no methods")

// File is the top-level YAML document.
type File struct {
	Methods []MethodDoc `yaml:"methods"`
}

// MethodDoc is one method listing.
type MethodDoc struct {
	Name         string    `yaml:"name"`
	ReturnsValue bool      `yaml:"returns_value"`
	Code         []InsnDoc `yaml:"code"`
}

// InsnDoc is one instruction line.
type InsnDoc struct {
	At       int        `yaml:"at"`
	Op       string     `yaml:"op"`
	Jumps    []int      `yaml:"jumps,omitempty"`
	Catch    []CatchDoc `yaml:"catch,omitempty"`
	TryEnter bool       `yaml:"try_enter,omitempty"`
	TryLeave bool       `yaml:"try_leave,omitempty"`
	MayThrow bool       `yaml:"may_throw,omitempty"`
	Result   *int       `yaml:"result,omitempty"`
	Args     []int      `yaml:"args,omitempty"`
	Literal  *int64     `yaml:"literal,omitempty"`
	Text     string     `yaml:"text,omitempty"`
}

// CatchDoc is one handler candidate.
type CatchDoc struct {
	Handler int      `yaml:"handler"`
	Types   []string `yaml:"types,omitempty"`
}

// Parse decodes a YAML listing.
//
// Inputs:
//   - data: YAML document.
//
// Outputs:
//   - []*insn.Method: Methods in document order, each validated.
//   - error: Non-nil for YAML errors, unknown ops, invalid streams or an
//     empty listing.
func Parse(data []byte) ([]*insn.Method, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture: %w", err)
	}
	if len(f.Methods) == 0 {
		return nil, ErrNoMethods
	}

	out := make([]*insn.Method, 0, len(f.Methods))
	for i, md := range f.Methods {
		m, err := md.toMethod()
		if err != nil {
			name := md.Name
			if name == "" {
				name = fmt.Sprintf("#%d", i)
			}
			return nil, fmt.Errorf("method %s: %w", name, err)
		}
		out = append(out, m)
	}
	return out, nil
}

// Read decodes a listing from r.
func Read(r io.Reader) ([]*insn.Method, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}
	return Parse(data)
}

// Load decodes the listing stored at path.
func Load(path string) ([]*insn.Method, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}
	return Parse(data)
}

func (md MethodDoc) toMethod() (*insn.Method, error) {
	m := &insn.Method{
		Name:         md.Name,
		ReturnsValue: md.ReturnsValue,
		Instructions: make([]*insn.Instruction, 0, len(md.Code)),
	}
	for _, d := range md.Code {
		kind, err := insn.ParseKind(d.Op)
		if err != nil {
			return nil, fmt.Errorf("offset %d: %w", d.At, err)
		}
		in := insn.New(d.At, kind)
		in.Jumps = d.Jumps
		in.TryEnter = d.TryEnter
		in.TryLeave = d.TryLeave
		in.MayThrow = d.MayThrow
		in.Literal = d.Literal
		in.Text = d.Text
		if d.Result != nil {
			in.Result = insn.Register(*d.Result)
		}
		for _, a := range d.Args {
			in.Args = append(in.Args, insn.Register(a))
		}
		for _, c := range d.Catch {
			in.Catches = append(in.Catches, insn.Candidate{Offset: c.Handler, Types: c.Types})
		}
		m.Instructions = append(m.Instructions, in)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}
