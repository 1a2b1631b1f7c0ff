// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package supervisor

import (
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"regexp"
	"strings"
	"syscall"

	"github.com/bureau-foundation/jobworker/lib/process"
)

// Category is the stable taxonomy tag of a failed run.
type Category string

const (
	CategoryNotInstalled     Category = "claude_not_installed"
	CategoryNotAuthenticated Category = "not_authenticated"
	CategoryOutOfTokens      Category = "out_of_tokens"
	CategoryRateLimited      Category = "rate_limited"
	CategoryPermissionDenied Category = "permission_denied"
	CategoryTimeout          Category = "execution_timeout"
	CategoryNetwork          Category = "network_error"
	CategoryExecution        Category = "execution_error"
	CategoryUnknown          Category = "unknown"
)

// Error is a failed run, enriched for both the user and the operator.
// Every failure returned by [Supervisor.Run] other than [ErrBusy] is an
// *Error.
type Error struct {
	Category Category

	// UserMessage is a short explanation suitable for an end user.
	UserMessage string

	// TechnicalDetails combines the underlying error message, the
	// captured standard error, and the exit code.
	TechnicalDetails string

	// PartialOutput is the standard output captured before the
	// failure.
	PartialOutput string

	// ChildExitCode is the agent's exit status, or -1 when it did not
	// exit normally (spawn failure, signal, timeout).
	ChildExitCode int

	// Err is the underlying error, if any.
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.UserMessage, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.UserMessage)
}

func (e *Error) Unwrap() error { return e.Err }

// ExitCode is the worker's exit status for a failed run. It shadows
// the child's exit status, which may be carried by Err.
func (e *Error) ExitCode() int { return process.ExitFailure }

// Signals is everything observed about a failed run.
type Signals struct {
	// Err is the spawn error or the wait error.
	Err error

	// ExitCode is the child's exit status, or -1 when unknown.
	ExitCode int

	Stderr string
	Output string

	// TimedOut is set when the supervisor's timer fired. It is
	// authoritative and overrides text matching.
	TimedOut bool
}

type categoryRule struct {
	category Category
	message  string
	matches  func(signals Signals, text string) bool
}

func textMatches(pattern string) func(Signals, string) bool {
	compiled := regexp.MustCompile(pattern)
	return func(_ Signals, text string) bool { return compiled.MatchString(text) }
}

// categoryRules are evaluated in order against the spawn error, the
// exit code, and the lowercased error-plus-stderr text. The first
// match wins.
var categoryRules = []categoryRule{
	{
		category: CategoryNotInstalled,
		message:  "The Claude CLI is not installed or not on PATH.",
		matches: func(signals Signals, text string) bool {
			if errors.Is(signals.Err, exec.ErrNotFound) || errors.Is(signals.Err, fs.ErrNotExist) {
				return true
			}
			if signals.ExitCode == 127 {
				return true
			}
			return strings.Contains(text, "command not found") || strings.Contains(text, "claude: not found")
		},
	},
	{
		category: CategoryNotAuthenticated,
		message:  "The Claude CLI is not authenticated. Log in and retry.",
		matches: textMatches(`not (?:logged in|authenticated)|authentication (?:failed|required|error)|invalid (?:api key|x-api-key)|unauthorized|please run /login|\b401\b`),
	},
	{
		category: CategoryOutOfTokens,
		message:  "The account has run out of credits or usage quota.",
		matches: textMatches(`credit balance is too low|insufficient (?:credits|quota)|out of (?:tokens|credits)|usage limit|quota exceeded`),
	},
	{
		category: CategoryRateLimited,
		message:  "The API rate limit was reached. Retry later.",
		matches: textMatches(`rate.?limit|too many requests|\b429\b|overloaded`),
	},
	{
		category: CategoryPermissionDenied,
		message:  "The agent was denied permission to a file or command.",
		matches: func(signals Signals, text string) bool {
			if errors.Is(signals.Err, fs.ErrPermission) || errors.Is(signals.Err, syscall.EACCES) {
				return true
			}
			return strings.Contains(text, "permission denied") ||
				strings.Contains(text, "eacces") ||
				strings.Contains(text, "operation not permitted")
		},
	},
	{
		category: CategoryTimeout,
		message:  "The run exceeded its time limit.",
		matches:  textMatches(`timed out|etimedout|deadline exceeded`),
	},
	{
		category: CategoryNetwork,
		message:  "A network error interrupted the run.",
		matches: textMatches(`econnrefused|econnreset|enotfound|eai_again|network (?:error|is unreachable)|connection (?:refused|reset)|could not resolve host|no such host|getaddrinfo`),
	},
	{
		category: CategoryExecution,
		message:  "The agent exited with an error.",
		matches: func(signals Signals, _ string) bool {
			return signals.ExitCode > 0
		},
	},
}

var timeoutRule = categoryRule{category: CategoryTimeout, message: "The run exceeded its time limit."}

// Categorize maps the observed signals of a failed run to an [*Error].
func Categorize(signals Signals) *Error {
	var text strings.Builder
	if signals.Err != nil {
		text.WriteString(signals.Err.Error())
		text.WriteByte('\n')
	}
	text.WriteString(signals.Stderr)
	lowered := strings.ToLower(text.String())

	rule := categoryRule{category: CategoryUnknown, message: "The run failed for an unknown reason."}
	if signals.TimedOut {
		rule = timeoutRule
	} else {
		for _, candidate := range categoryRules {
			if candidate.matches(signals, lowered) {
				rule = candidate
				break
			}
		}
	}

	return &Error{
		Category:         rule.category,
		UserMessage:      rule.message,
		TechnicalDetails: technicalDetails(signals),
		PartialOutput:    signals.Output,
		ChildExitCode:    signals.ExitCode,
		Err:              signals.Err,
	}
}

func technicalDetails(signals Signals) string {
	var details strings.Builder
	if signals.Err != nil {
		fmt.Fprintf(&details, "error: %v\n", signals.Err)
	}
	if signals.ExitCode >= 0 {
		fmt.Fprintf(&details, "exit code: %d\n", signals.ExitCode)
	}
	if stderr := strings.TrimSpace(signals.Stderr); stderr != "" {
		fmt.Fprintf(&details, "stderr:\n%s\n", stderr)
	}
	return strings.TrimSuffix(details.String(), "\n")
}
