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

import "fmt"

// Phase names the pipeline step that was running when a method failed.
type Phase string

const (
	PhaseBuild      Phase = "build"
	PhaseDominance  Phase = "dominance"
	PhaseExceptions Phase = "exceptions"
	PhaseEdits      Phase = "local-edits"
)

// PipelineError is the fatal outcome of one method run.
//
// Description:
//
//	Wraps one of the graph sentinel errors together with the method name
//	and the pipeline phase. Callers use errors.Is against the graph
//	sentinels and errors.As to reach the method name.
type PipelineError struct {
	Method string
	Phase  Phase
	Err    error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("method %s: %s: %v", e.Method, e.Phase, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}
