// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"errors"
	"fmt"
	"os"
)

// Exit codes returned by the worker binary.
const (
	// ExitOK means the job completed.
	ExitOK = 0

	// ExitFailure means the job failed or the worker could not start.
	ExitFailure = 1

	// ExitRejected means a guard rejected the job before anything was
	// spawned.
	ExitRejected = 2

	// ExitIncomplete means the agent stopped at its iteration ceiling
	// without signalling completion.
	ExitIncomplete = 3
)

// Fatal writes "error: err" to stderr and exits with ExitFailure, or
// with the code carried by err when it implements ExitCoder.
func Fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(ExitCodeFor(err))
}

// ExitCoder is implemented by errors that know which exit status the
// binary should use.
type ExitCoder interface {
	ExitCode() int
}

// ExitCodeFor returns the exit status for err: ExitOK for nil, the
// code of the first ExitCoder in the chain, else ExitFailure.
func ExitCodeFor(err error) int {
	if err == nil {
		return ExitOK
	}
	var coder ExitCoder
	if errors.As(err, &coder) {
		return coder.ExitCode()
	}
	return ExitFailure
}
