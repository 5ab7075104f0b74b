// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the flow pipeline configuration.
//
// Priority is environment > file > defaults. Files may be YAML or JSON.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianFlow/services/flow/graph"
	"github.com/AleutianAI/AleutianFlow/services/flow/telemetry"
)

// Config is the full configuration of a flow run.
type Config struct {
	Pipeline   PipelineConfig   `json:"pipeline" yaml:"pipeline"`
	Exceptions ExceptionsConfig `json:"exceptions" yaml:"exceptions"`
	Logging    LoggingConfig    `json:"logging" yaml:"logging"`
	Telemetry  telemetry.Config `json:"telemetry" yaml:"telemetry"`
	Batch      BatchConfig      `json:"batch" yaml:"batch"`
}

// PipelineConfig bounds the fixpoint loops of the pipeline.
type PipelineConfig struct {
	// ModificationLimit caps local edit rounds per method.
	ModificationLimit int `json:"modification_limit" yaml:"modification_limit" validate:"gte=1,lte=100000"`

	// MaxDominatorIterations caps one dominator computation.
	MaxDominatorIterations int `json:"max_dominator_iterations" yaml:"max_dominator_iterations" validate:"gte=1,lte=100000"`
}

// ExceptionsConfig tunes try region reconstruction.
type ExceptionsConfig struct {
	// CatchAllType is the type given to catch-all and multi-type handlers.
	CatchAllType string `json:"catch_all_type" yaml:"catch_all_type" validate:"required"`

	// MaxRelationIterations caps the region nesting fixpoint.
	MaxRelationIterations int `json:"max_relation_iterations" yaml:"max_relation_iterations" validate:"gte=1,lte=100000"`
}

// LoggingConfig selects the log level and format.
type LoggingConfig struct {
	Level string `json:"level" yaml:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `json:"json" yaml:"json"`
	Quiet bool   `json:"quiet" yaml:"quiet"`
}

// BatchConfig controls parallel processing of many methods.
type BatchConfig struct {
	// Concurrency is the number of methods processed at once.
	Concurrency int `json:"concurrency" yaml:"concurrency" validate:"gte=1,lte=1024"`
}

var validate = validator.New()

// Default returns the configuration used when nothing is set.
//
// Outputs:
//   - Config: Defaults matching graph.DefaultOptions and a limit of 100 edit rounds.
func Default() Config {
	opts := graph.DefaultOptions()
	return Config{
		Pipeline: PipelineConfig{
			ModificationLimit:      100,
			MaxDominatorIterations: opts.MaxDominatorIterations,
		},
		Exceptions: ExceptionsConfig{
			CatchAllType:          opts.CatchAllType,
			MaxRelationIterations: opts.MaxRelationIterations,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Telemetry: telemetry.DefaultConfig(),
		Batch: BatchConfig{
			Concurrency: 4,
		},
	}
}

// Load loads configuration with priority: env > file > defaults.
//
// Inputs:
//   - path: Path to a YAML or JSON file. Empty means defaults only. A
//     missing file is not an error.
//
// Outputs:
//   - Config: Merged configuration.
//   - error: Non-nil if the file is unreadable, unparsable or the result is invalid.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}

	loadEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Validate checks struct tag constraints.
func (c Config) Validate() error {
	return validate.Struct(c)
}

// GraphOptions maps the configuration onto graph.Options.
func (c Config) GraphOptions() graph.Options {
	return graph.Options{
		MaxDominatorIterations: c.Pipeline.MaxDominatorIterations,
		MaxRelationIterations:  c.Exceptions.MaxRelationIterations,
		CatchAllType:           c.Exceptions.CatchAllType,
	}
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
			return fmt.Errorf("parse config (tried YAML and JSON): YAML error: %v, JSON error: %w", err, jsonErr)
		}
	}
	return nil
}

func loadEnv(cfg *Config) {
	envInt("FLOW_MODIFICATION_LIMIT", &cfg.Pipeline.ModificationLimit)
	envInt("FLOW_MAX_DOMINATOR_ITERATIONS", &cfg.Pipeline.MaxDominatorIterations)
	envInt("FLOW_MAX_RELATION_ITERATIONS", &cfg.Exceptions.MaxRelationIterations)
	envInt("FLOW_CONCURRENCY", &cfg.Batch.Concurrency)

	if v := os.Getenv("FLOW_CATCH_ALL_TYPE"); v != "" {
		cfg.Exceptions.CatchAllType = v
	}
	if v := os.Getenv("FLOW_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("FLOW_LOG_JSON"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Logging.JSON = b
		}
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			*dst = i
		}
	}
}
