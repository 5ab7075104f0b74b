// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianFlow/services/flow/graph"
)

func TestDefault_Valid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 100, cfg.Pipeline.ModificationLimit)
	assert.Equal(t, "java.lang.Throwable", cfg.Exceptions.CatchAllType)
}

func TestGraphOptions(t *testing.T) {
	cfg := Default()
	cfg.Exceptions.CatchAllType = "Exception"

	opts := cfg.GraphOptions()
	def := graph.DefaultOptions()
	assert.Equal(t, "Exception", opts.CatchAllType)
	assert.Equal(t, def.MaxDominatorIterations, opts.MaxDominatorIterations)
	assert.Equal(t, def.MaxRelationIterations, opts.MaxRelationIterations)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Pipeline, cfg.Pipeline)
}

func TestLoad_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
pipeline:
  modification_limit: 7
exceptions:
  catch_all_type: System.Exception
batch:
  concurrency: 2
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Pipeline.ModificationLimit)
	assert.Equal(t, "System.Exception", cfg.Exceptions.CatchAllType)
	assert.Equal(t, 2, cfg.Batch.Concurrency)
	assert.Equal(t, Default().Pipeline.MaxDominatorIterations, cfg.Pipeline.MaxDominatorIterations)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pipeline:\n  modification_limit: 7\n"), 0o600))
	t.Setenv("FLOW_MODIFICATION_LIMIT", "9")
	t.Setenv("FLOW_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Pipeline.ModificationLimit)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pipeline:\n  modification_limit: 0\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ModificationLimit")
}

func TestLoad_Unparsable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pipeline: [unclosed\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

func TestValidate_BadLogLevel(t *testing.T) {
	cfg := Default()
	cfg.Logging.Level = "verbose"
	assert.Error(t, cfg.Validate())
}

func TestValidate_BadExporter(t *testing.T) {
	cfg := Default()
	cfg.Telemetry.TraceExporter = "smoke-signals"
	assert.Error(t, cfg.Validate())
}
