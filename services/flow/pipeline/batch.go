// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pipeline

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianFlow/services/flow/insn"
)

// RunBatch processes many methods in parallel.
//
// Description:
//
//	Each method is run by exactly one goroutine and its graph is never
//	shared. A fatal failure of one method does not stop the others; the
//	failures are joined into the returned error. Cancelling ctx stops
//	scheduling new methods.
//
// Inputs:
//   - ctx: Cancellation and trace context.
//   - methods: Decoded method bodies.
//   - concurrency: Maximum methods in flight. Values below 1 mean 1.
//
// Outputs:
//   - []*Result: One result per input, in input order. Entries for methods
//     that were never started (after cancellation) are nil.
//   - error: errors.Join of every *PipelineError, or ctx.Err() on cancellation.
//
// Thread Safety: Safe for concurrent use.
func (d *Driver) RunBatch(ctx context.Context, methods []*insn.Method, concurrency int) ([]*Result, error) {
	if concurrency < 1 {
		concurrency = 1
	}
	results := make([]*Result, len(methods))
	failures := make([]error, len(methods))

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for i, src := range methods {
		i, src := i, src
		g.Go(func() error {
			if err := gCtx.Err(); err != nil {
				return err
			}
			res, err := d.Run(gCtx, src)
			results[i] = res
			failures[i] = err
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, errors.Join(failures...)
}
