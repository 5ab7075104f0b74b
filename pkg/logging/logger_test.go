// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Level Tests
// =============================================================================

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.level.String())
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{"warning", LevelWarn, false},
		{" error ", LevelError, false},
		{"loud", LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLevel_SlogRoundTrip(t *testing.T) {
	for _, l := range []Level{LevelDebug, LevelInfo, LevelWarn, LevelError} {
		assert.Equal(t, l, fromSlogLevel(l.toSlogLevel()), l.String())
	}
}

// =============================================================================
// Logger Tests
// =============================================================================

func TestNew_TextOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Output: &buf, Service: "flowdump"})
	logger.Info("recovered", "method", "max")

	out := buf.String()
	assert.Contains(t, out, "msg=recovered")
	assert.Contains(t, out, "method=max")
	assert.Contains(t, out, "service=flowdump")
}

func TestNew_JSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Output: &buf, JSON: true})
	logger.Warn("multi-entry loop", "code", "multi-entry-loop")

	assert.Contains(t, buf.String(), `"code":"multi-entry-loop"`)
	assert.Contains(t, buf.String(), `"level":"WARN"`)
}

func TestNew_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Output: &buf, Level: LevelWarn})
	logger.Debug("hidden")
	logger.Info("hidden")
	logger.Warn("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestNew_QuietWithExporter(t *testing.T) {
	exporter := NewBufferedExporter()
	logger := New(Config{Quiet: true, Exporter: exporter, Service: "flow"})

	logger.Slog().With("method", "max").Warn("unreachable code", "blocks", []string{"B3"})

	entries := exporter.Entries()
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, LevelWarn, e.Level)
	assert.Equal(t, "unreachable code", e.Message)
	assert.Equal(t, "flow", e.Service)
	assert.Equal(t, "max", e.Attrs["method"])
	assert.Equal(t, "flow", e.Attrs["service"])
	assert.Equal(t, []string{"B3"}, e.Attrs["blocks"])
}

func TestExporter_RespectsLevel(t *testing.T) {
	exporter := NewBufferedExporter()
	logger := New(Config{Quiet: true, Exporter: exporter, Level: LevelInfo})
	logger.Debug("skip")
	logger.Info("keep")
	logger.Error("keep too")

	assert.Len(t, exporter.Entries(), 2)
	assert.Len(t, exporter.ByLevel(LevelError), 1)
}

func TestExporter_Groups(t *testing.T) {
	exporter := NewBufferedExporter()
	logger := New(Config{Quiet: true, Exporter: exporter})
	logger.Slog().WithGroup("graph").Info("stats", "blocks", 4)

	entries := exporter.Entries()
	require.Len(t, entries, 1)
	assert.EqualValues(t, 4, entries[0].Attrs["graph.blocks"])
}

func TestLogger_WithSharesExporter(t *testing.T) {
	exporter := NewBufferedExporter()
	parent := New(Config{Quiet: true, Exporter: exporter})
	child := parent.With("run_id", "abc")
	child.Info("child")
	parent.Info("parent")

	entries := exporter.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "abc", entries[0].Attrs["run_id"])
	_, ok := entries[1].Attrs["run_id"]
	assert.False(t, ok)
	assert.NoError(t, parent.Close())
}

func TestNew_WithLogDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	logger := New(Config{Quiet: true, LogDir: dir, Service: "flowdump"})
	logger.Info("to file", "k", "v")
	require.NoError(t, logger.Close())

	files, err := filepath.Glob(filepath.Join(dir, "flowdump_*.log"))
	require.NoError(t, err)
	require.Len(t, files, 1)
	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"to file"`)
}

func TestClose_NoResources(t *testing.T) {
	logger := New(Config{Output: &bytes.Buffer{}})
	assert.NoError(t, logger.Close())
	assert.NoError(t, logger.Close())
}

type failingExporter struct{ BufferedExporter }

func (e *failingExporter) Flush(context.Context) error { return errors.New("flush boom") }
func (e *failingExporter) Close() error { return errors.New("close boom") }

func TestClose_JoinsErrors(t *testing.T) {
	logger := New(Config{Quiet: true, Exporter: &failingExporter{}})
	err := logger.Close()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "flush boom")
	assert.Contains(t, err.Error(), "close boom")
}

func TestLogger_ConcurrentUse(t *testing.T) {
	exporter := NewBufferedExporter()
	logger := New(Config{Quiet: true, Exporter: exporter})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			logger.Info("worker", "n", n)
		}(i)
	}
	wg.Wait()
	assert.Len(t, exporter.Entries(), 16)
}

func TestMultiHandler_Enabled(t *testing.T) {
	h := &multiHandler{handlers: []slog.Handler{
		slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}),
		slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelInfo}),
	}}
	assert.True(t, h.Enabled(context.Background(), slog.LevelInfo))
	assert.False(t, h.Enabled(context.Background(), slog.LevelDebug))
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".flow"), expandPath("~/.flow"))
	assert.Equal(t, "/var/log", expandPath("/var/log"))
	assert.True(t, strings.HasPrefix(expandPath("rel/dir"), "rel"))
}
