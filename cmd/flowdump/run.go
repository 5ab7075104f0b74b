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
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/AleutianAI/AleutianFlow/pkg/logging"
	"github.com/AleutianAI/AleutianFlow/services/flow/config"
	"github.com/AleutianAI/AleutianFlow/services/flow/dump"
	"github.com/AleutianAI/AleutianFlow/services/flow/fixture"
	"github.com/AleutianAI/AleutianFlow/services/flow/pipeline"
	"github.com/AleutianAI/AleutianFlow/services/flow/telemetry"
)

// ErrRecoveryFailed is returned by the run command when at least one
// method fell back to its placeholder.
var ErrRecoveryFailed = errors.New("methods could not be recovered")

// runner recovers listings and prints the results.
type runner struct {
	driver      *pipeline.Driver
	logger      *logging.Logger
	out         io.Writer
	format      dump.Format
	color       bool
	concurrency int
}

// runFiles is the body of "flowdump run".
//
// Description:
//
//	Loads configuration, applies flag overrides, installs logging and
//	telemetry, then recovers every method of every listing. With --watch
//	it keeps re-running changed listings until the context is cancelled.
//
// Outputs:
//
//	error - Configuration or setup errors, or ErrRecoveryFailed when any
//	        method could not be recovered outside watch mode.
func runFiles(cmd *cobra.Command, opts *options, files []string) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if opts.jsonLogs {
		cfg.Logging.JSON = true
	}
	if opts.concurrency > 0 {
		cfg.Batch.Concurrency = opts.concurrency
	}
	if opts.metricsAddr != "" {
		cfg.Telemetry.MetricExporter = "prometheus"
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	format, err := dump.ParseFormat(opts.format)
	if err != nil {
		return err
	}
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}

	logger := logging.New(logging.Config{
		Level:   level,
		Output:  cmd.ErrOrStderr(),
		Service: cfg.Telemetry.ServiceName,
		JSON:    cfg.Logging.JSON,
		Quiet:   cfg.Logging.Quiet,
	})
	defer logger.Close()

	ctx := cmd.Context()
	shutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(flushCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	metrics, err := telemetry.NewMetrics(otel.Meter("flow.pipeline"))
	if err != nil {
		return fmt.Errorf("create metrics: %w", err)
	}

	if opts.metricsAddr != "" {
		srv := serveMetrics(opts.metricsAddr, logger)
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(closeCtx)
		}()
	}

	out := cmd.OutOrStdout()
	r := &runner{
		driver:      pipeline.NewDriver(cfg, logger.Slog(), metrics),
		logger:      logger,
		out:         out,
		format:      format,
		color:       format == dump.FormatText && isTerminal(out),
		concurrency: cfg.Batch.Concurrency,
	}

	failed := 0
	for _, path := range files {
		failed += r.processFile(ctx, path)
	}

	if opts.watch {
		return r.watch(ctx, files)
	}
	if failed > 0 {
		return fmt.Errorf("%w: %d", ErrRecoveryFailed, failed)
	}
	return nil
}

// processFile recovers every method of one listing and returns the number
// of methods that failed, counting an unreadable listing as one failure.
func (r *runner) processFile(ctx context.Context, path string) int {
	methods, err := fixture.Load(path)
	if err != nil {
		r.logger.Error("listing rejected", "path", path, "error", err)
		return 1
	}

	results, err := r.driver.RunBatch(ctx, methods, r.concurrency)
	if errors.Is(err, context.Canceled) {
		return 0
	}

	failed := 0
	for i, res := range results {
		if res == nil {
			continue
		}
		if i > 0 {
			fmt.Fprintln(r.out)
		}
		if res.Failed() {
			failed++
			fmt.Fprint(r.out, res.Placeholder())
			continue
		}
		if err := dump.Write(r.out, res.Method, r.format, dump.Options{Color: r.color}); err != nil {
			r.logger.Error("write dump", "path", path, "method", res.Name, "error", err)
			failed++
		}
	}
	r.logger.Info("listing processed", "path", path, "methods", len(methods), "failed", failed)
	return failed
}

// serveMetrics starts an HTTP server exposing /metrics in the background.
func serveMetrics(addr string, logger *logging.Logger) *http.Server {
	mux := http.NewServeMux()
	if h := telemetry.MetricsHandler(); h != nil {
		mux.Handle("/metrics", h)
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("serving metrics", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server stopped", "error", err)
		}
	}()
	return srv
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
