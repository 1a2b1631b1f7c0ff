// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package guard

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/bureau-foundation/jobworker/lib/redact"
)

const (
	// MaxPromptLength is the ceiling on prompt size, in characters.
	MaxPromptLength = 500_000

	// PreviewLength is the number of characters of an accepted prompt
	// written to the audit log.
	PreviewLength = 200
)

// Rejection reasons produced by [PromptGuard] besides the per-pattern
// reasons in the denylist.
const (
	ReasonEmptyPrompt   = "empty_prompt"
	ReasonPromptTooLong = "prompt_too_long"
	ReasonNotText       = "not_text"
)

type promptRule struct {
	reason  string
	pattern *regexp.Regexp
}

// promptDenylist holds instruction shapes that are rejected outright.
// Patterns are anchored on word boundaries so that ordinary prose
// ("remove the build directory", "rm -rf ./dist") passes.
var promptDenylist = []promptRule{
	{"recursive_root_deletion", regexp.MustCompile(
		`\brm\s+(?:-[\w-]+\s+)*(?:-[a-zA-Z]*[rR][a-zA-Z]*|--recursive)\s+(?:-[\w-]+\s+)*(?:/|~|\$HOME|\$\{HOME\})/?\*?(?:\s|$|[;&|])`)},
	{"system_credential_file", regexp.MustCompile(`/etc/(?:passwd|shadow)\b`)},
	{"remote_script_execution", regexp.MustCompile(
		`(?i)\b(?:curl|wget)\b[^|\n]*\|\s*(?:sudo\s+)?(?:ba|z|k|da)?sh\b`)},
	{"dynamic_evaluation", regexp.MustCompile(`\b(?:eval|exec)\s*\(`)},
	{"substituted_deletion", regexp.MustCompile("(?:\\$\\(|`)[^)`]*\\brm\\s+-[a-zA-Z]*[rf]")},
	{"encoded_evaluation", regexp.MustCompile(
		`(?i)base64\s+(?:-d|--decode)\b[^\n]*\|\s*(?:eval|(?:ba|z)?sh)\b`)},
	{"encoded_evaluation", regexp.MustCompile(
		`(?i)\beval\s+["']?\$\([^)]*base64\s+(?:-d|--decode)`)},
	{"credential_file_reference", regexp.MustCompile(
		`(?:~|\$HOME)/\.ssh/|\.ssh/id_[a-z0-9]+|(?:~|\$HOME)?/?\.aws/credentials`)},
}

// PromptGuard rejects prompts that are empty, oversized, not text, or
// that contain known-dangerous instruction shapes.
type PromptGuard struct {
	logger *slog.Logger
}

// NewPromptGuard creates a PromptGuard that audits to logger.
func NewPromptGuard(logger *slog.Logger) *PromptGuard {
	if logger == nil {
		logger = slog.Default()
	}
	return &PromptGuard{logger: logger}
}

// Validate checks text. On success the prompt length and a redacted
// preview of its start are logged.
func (g *PromptGuard) Validate(text string) error {
	if strings.TrimSpace(text) == "" {
		return g.reject(ReasonEmptyPrompt, "prompt is empty")
	}
	if !utf8.ValidString(text) || strings.ContainsRune(text, 0) {
		return g.reject(ReasonNotText, "prompt is not valid text")
	}
	length := utf8.RuneCountInString(text)
	if length > MaxPromptLength {
		return g.reject(ReasonPromptTooLong,
			fmt.Sprintf("%d characters exceeds the limit of %d", length, MaxPromptLength))
	}

	for _, rule := range promptDenylist {
		if rule.pattern.MatchString(text) {
			return g.reject(rule.reason, "prompt contains a disallowed instruction")
		}
	}

	g.logger.Info("prompt accepted",
		"guard", "prompt",
		"length", length,
		"preview", Preview(text),
	)
	return nil
}

func (g *PromptGuard) reject(reason, detail string) error {
	g.logger.Warn("prompt rejected", "guard", "prompt", "reason", reason)
	return &ValidationError{Guard: "prompt", Reason: reason, Detail: detail}
}

// Preview returns the first [PreviewLength] characters of text with
// line breaks collapsed to spaces and credential-shaped substrings
// masked. A trailing ellipsis marks truncation.
func Preview(text string) string {
	collapsed := strings.Join(strings.Fields(text), " ")
	truncated := false
	if utf8.RuneCountInString(collapsed) > PreviewLength {
		runes := []rune(collapsed)
		collapsed = string(runes[:PreviewLength])
		truncated = true
	}
	collapsed = redact.String(collapsed)
	if truncated {
		collapsed += "..."
	}
	return collapsed
}
