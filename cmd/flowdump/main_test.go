// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const listing = `
methods:
  - name: max
    returns_value: true
    code:
      - {at: 0, op: if, args: [0, 1], jumps: [3]}
      - {at: 1, op: move, result: 2, args: [1]}
      - {at: 2, op: goto, jumps: [4]}
      - {at: 3, op: move, result: 2, args: [0]}
      - {at: 4, op: return, args: [2]}
`

func writeListing(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "listing.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func execute(ctx context.Context, args ...string) (string, string, error) {
	var out, errOut bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	err := root.ExecuteContext(ctx)
	return out.String(), errOut.String(), err
}

func TestRun_Text(t *testing.T) {
	path := writeListing(t, listing)

	out, _, err := execute(context.Background(), "run", "--log-level", "error", path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "method max\n"), out)
	assert.NotContains(t, out, "\x1b[")
}

func TestRun_DOT(t *testing.T) {
	path := writeListing(t, listing)

	out, _, err := execute(context.Background(), "run", "--log-level", "error", "-f", "dot", path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "digraph \"max\" {\n"), out)
}

func TestRun_FailureExitsWithPlaceholder(t *testing.T) {
	path := writeListing(t, listing+`  - name: empty
    code: []
`)

	out, errOut, err := execute(context.Background(), "run", "--log-level", "error", path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRecoveryFailed)
	assert.Contains(t, out, "method max\n")
	assert.Contains(t, out, "Method empty could not be recovered: ")
	assert.Contains(t, errOut, "methods could not be recovered: 1")
}

func TestRun_MissingListing(t *testing.T) {
	_, _, err := execute(context.Background(), "run", "--log-level", "error",
		filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorIs(t, err, ErrRecoveryFailed)
}

func TestRun_BadFlags(t *testing.T) {
	path := writeListing(t, listing)

	_, _, err := execute(context.Background(), "run", "-f", "svg", path)
	assert.ErrorContains(t, err, "unknown format")

	_, _, err = execute(context.Background(), "run", "--log-level", "loud", path)
	assert.ErrorContains(t, err, "invalid flags")

	_, _, err = execute(context.Background(), "run")
	assert.Error(t, err)
}

func TestRun_WatchStopsOnCancel(t *testing.T) {
	path := writeListing(t, listing)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := execute(ctx, "run", "--log-level", "error", "--watch", path)
	assert.NoError(t, err)
}

func TestVersion(t *testing.T) {
	out, _, err := execute(context.Background(), "version")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "flowdump dev ("), out)
}
