// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package guard

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/jobworker/lib/process"
)

// ValidationError is returned when a guard rejects its input.
type ValidationError struct {
	// Guard names the guard that rejected the input: "path",
	// "prompt", or "environment".
	Guard string

	// Reason is a stable identifier for the rejection, suitable for
	// metrics and job metadata (e.g., "blocked_system_directory").
	Reason string

	// Detail is a human-readable elaboration. It never contains the
	// raw rejected input.
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s guard: %s", e.Guard, e.Reason)
	}
	return fmt.Sprintf("%s guard: %s: %s", e.Guard, e.Reason, e.Detail)
}

// ExitCode maps validation failures to the rejected-input exit code
// used by the worker binary.
func (e *ValidationError) ExitCode() int { return process.ExitRejected }

// IsValidation reports whether err (or anything it wraps) is a
// [*ValidationError].
func IsValidation(err error) bool {
	var validation *ValidationError
	return errors.As(err, &validation)
}

// ReasonOf returns the rejection reason carried by err, or "" when err
// is not a validation error.
func ReasonOf(err error) string {
	var validation *ValidationError
	if errors.As(err, &validation) {
		return validation.Reason
	}
	return ""
}
