// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package job

import (
	"strings"

	"github.com/bureau-foundation/jobworker/lib/gitactivity"
)

// CompletionMarker is the text an iterative agent prints when it has
// finished the task, as opposed to running out of iterations.
const CompletionMarker = "<promise>COMPLETE</promise>"

// Completion is the authoritative outcome of a run that exited
// without a categorized error.
type Completion string

const (
	// CompletionComplete means the agent finished the task.
	CompletionComplete Completion = "complete"

	// CompletionIterationLimit means an iterative agent stopped at its
	// iteration ceiling without printing CompletionMarker.
	CompletionIterationLimit Completion = "iteration_limit"
)

// DetectCompletion decides whether a run that exited cleanly actually
// finished its task. It is the only function that interprets the
// completion marker.
//
// Single-shot runs complete by exiting zero. Iterative runs complete
// only if their output carries CompletionMarker; the exit code (0 or
// 1) does not matter, because the loop may print the marker on its
// final permitted iteration and still report the ceiling.
func DetectCompletion(mode Mode, output string) Completion {
	if mode != ModeIterative {
		return CompletionComplete
	}
	if strings.Contains(output, CompletionMarker) {
		return CompletionComplete
	}
	return CompletionIterationLimit
}

// ExecutionResult is produced once per job and not modified after.
type ExecutionResult struct {
	JobID      string     `json:"job_id"`
	RawOutput  string     `json:"raw_output"`
	Summary    string     `json:"summary,omitempty"`
	BranchName string     `json:"branch_name,omitempty"`
	DurationMS int64      `json:"duration_ms"`
	ExitCode   int        `json:"exit_code"`
	Completion Completion `json:"completion"`

	// GitActivity is set for flows that ran inside a workspace.
	GitActivity *gitactivity.Summary `json:"git_activity,omitempty"`

	// LogPath is the per-job transcript file, when one was written.
	LogPath string `json:"log_path,omitempty"`

	// ArchivePath is the compressed artifact archive, when one was
	// written.
	ArchivePath string `json:"archive_path,omitempty"`
}
