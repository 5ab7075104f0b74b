// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graph recovers structured control flow from a decoded
// instruction stream.
//
// A Method owns an arena of basic blocks addressed by BlockID. Building,
// dominance, loop marking and exception region reconstruction all mutate
// the arena in place until the owner calls Lock, after which the method
// is a read-only view for structuring stages downstream.
//
// Thread Safety: A Method is owned by exactly one goroutine until it is
// locked. Locked methods are safe for concurrent reads.
package graph

import (
	"errors"
	"fmt"
)

// Sentinel errors for internal-consistency failures. These are fatal for
// the method being processed. Input anomalies are recorded as Diagnostic
// values instead and never surface as errors.
var (
	// ErrMissingBlock indicates a referenced offset has no mapped block.
	ErrMissingBlock = errors.New("missing block for offset")

	// ErrUnreachable indicates dominance was requested over a block set
	// that is not fully reachable from the root.
	ErrUnreachable = errors.New("block unreachable from root")

	// ErrNoConvergence indicates the dominator iteration hit its cap.
	ErrNoConvergence = errors.New("dominator computation did not converge")

	// ErrRegionBounds indicates the top block of a try region could not
	// be determined.
	ErrRegionBounds = errors.New("try region bounds not found")

	// ErrWrapLimit indicates the try region wrapping queue did not drain.
	ErrWrapLimit = errors.New("try region wrap limit reached")

	// ErrModificationLimit indicates the local edit fixpoint did not settle.
	ErrModificationLimit = errors.New("modification limit reached")

	// ErrLocked is the panic value for mutations on a locked method.
	ErrLocked = errors.New("method graph is locked")

	// ErrEmptyMethod indicates a method body without instructions.
	ErrEmptyMethod = errors.New("method has no instructions")
)

// BlockError attaches the offending block to a sentinel error.
type BlockError struct {
	Block BlockID
	Err   error
}

func (e *BlockError) Error() string {
	return fmt.Sprintf("%v: %s", e.Err, e.Block)
}

func (e *BlockError) Unwrap() error {
	return e.Err
}
