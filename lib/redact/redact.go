// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package redact masks credential-shaped substrings before text
// reaches a log sink. It is deliberately pattern-based: the worker
// never knows the actual secret values the agent may print, only what
// common API keys and tokens look like.
package redact

import "regexp"

// Mask replaces every redacted span.
const Mask = "[REDACTED]"

type rule struct {
	pattern     *regexp.Regexp
	replacement string
}

// rules are applied in order. Rules with a capture group keep the
// prefix (the key name) and mask only the value.
var rules = []rule{
	{regexp.MustCompile(`sk-ant-[A-Za-z0-9_\-]{10,}`), Mask},
	{regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`), Mask},
	{regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{20,}`), Mask},
	{regexp.MustCompile(`github_pat_[A-Za-z0-9_]{20,}`), Mask},
	{regexp.MustCompile(`xox[abposr]-[A-Za-z0-9\-]{10,}`), Mask},
	{regexp.MustCompile(`AKIA[0-9A-Z]{16}`), Mask},
	{regexp.MustCompile(`(?i)(bearer\s+)[A-Za-z0-9._\-~+/]{8,}=*`), "${1}" + Mask},
	{regexp.MustCompile(`(?i)((?:api[_-]?key|token|secret|password|passwd)["']?\s*[:=]\s*["']?)[^\s"',;]{4,}`), "${1}" + Mask},
}

// String returns text with credential-shaped substrings masked.
func String(text string) string {
	for _, r := range rules {
		text = r.pattern.ReplaceAllString(text, r.replacement)
	}
	return text
}

// Value masks strings and recurses into string maps and slices. Other
// values are returned unchanged.
func Value(value any) any {
	switch typed := value.(type) {
	case string:
		return String(typed)
	case error:
		return String(typed.Error())
	case map[string]any:
		masked := make(map[string]any, len(typed))
		for key, inner := range typed {
			masked[key] = Value(inner)
		}
		return masked
	case []string:
		masked := make([]string, len(typed))
		for index, inner := range typed {
			masked[index] = String(inner)
		}
		return masked
	case []any:
		masked := make([]any, len(typed))
		for index, inner := range typed {
			masked[index] = Value(inner)
		}
		return masked
	default:
		return value
	}
}
