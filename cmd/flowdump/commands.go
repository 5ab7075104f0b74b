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
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// options holds flag values shared by the subcommands.
type options struct {
	configPath  string
	logLevel    string
	jsonLogs    bool
	format      string
	concurrency int
	watch       bool
	metricsAddr string
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "flowdump",
		Short: "Recover control flow graphs from bytecode listings",
		Long: `flowdump runs the control flow recovery pipeline over YAML method
listings and prints the resulting block graphs, loops and try regions.`,
		SilenceUsage: true,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", "", "configuration file (YAML or JSON)")
	pf.StringVar(&opts.logLevel, "log-level", "", "log level override: debug, info, warn or error")
	pf.BoolVar(&opts.jsonLogs, "json", false, "write logs as JSON")

	root.AddCommand(newRunCmd(opts), newVersionCmd())
	return root
}

func newRunCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run FILE...",
		Short: "Recover every method in the given listings",
		Example: `  flowdump run testdata/loops.yaml
  flowdump run --format dot method.yaml | dot -Tsvg > method.svg
  flowdump run --watch --metrics-addr :9464 listing.yaml`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFiles(cmd, opts, args)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.format, "format", "f", "text", "output format: text or dot")
	f.IntVar(&opts.concurrency, "concurrency", 0, "methods recovered at once (default from config)")
	f.BoolVarP(&opts.watch, "watch", "w", false, "re-run a listing whenever it changes")
	f.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the flowdump version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "flowdump %s (%s %s/%s)\n",
				version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}
