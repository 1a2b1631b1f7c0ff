// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package guard

import (
	"log/slog"
	"regexp"
	"slices"
	"sort"
	"strings"
)

// DefaultAllowedVariables are inherited by every agent process.
var DefaultAllowedVariables = []string{
	"PATH", "HOME", "USER", "LANG", "LC_ALL", "TERM", "TMPDIR", "SHELL",
}

// credentialName matches variable names that conventionally carry
// secrets. It is applied after the allow-list, so an allow-listed name
// that looks like a credential is still dropped.
var credentialName = regexp.MustCompile(
	`(?i)(?:_TOKEN|_SECRET|_KEY|_PASSWORD)$|^(?:AWS|AZURE|GCP|GOOGLE)_`)

// EnvironmentGuard builds the environment passed to an agent process
// from the worker's own environment.
type EnvironmentGuard struct {
	allowed []string
	logger  *slog.Logger
}

// NewEnvironmentGuard creates an EnvironmentGuard allowing
// [DefaultAllowedVariables] plus extra.
func NewEnvironmentGuard(extra []string, logger *slog.Logger) *EnvironmentGuard {
	if logger == nil {
		logger = slog.Default()
	}
	allowed := append([]string(nil), DefaultAllowedVariables...)
	for _, name := range extra {
		if name != "" && !slices.Contains(allowed, name) {
			allowed = append(allowed, name)
		}
	}
	return &EnvironmentGuard{allowed: allowed, logger: logger}
}

// Sanitize filters environ (in os.Environ "KEY=VALUE" form) down to the
// allow-list minus credential-shaped names. The result is sorted by
// key. Only variable names are logged, never values, and HOME is
// omitted from the logged list.
func (g *EnvironmentGuard) Sanitize(environ []string) []string {
	var kept []string
	var keptNames []string
	var dropped []string
	for _, entry := range environ {
		name, _, found := strings.Cut(entry, "=")
		if !found || name == "" {
			continue
		}
		if !slices.Contains(g.allowed, name) {
			continue
		}
		if credentialName.MatchString(name) {
			dropped = append(dropped, name)
			continue
		}
		kept = append(kept, entry)
		if name != "HOME" {
			keptNames = append(keptNames, name)
		}
	}
	sort.Strings(kept)
	sort.Strings(keptNames)

	g.logger.Debug("sanitized agent environment",
		"guard", "environment",
		"variables", keptNames,
	)
	if len(dropped) > 0 {
		g.logger.Warn("dropped credential-shaped variables from allow-list",
			"guard", "environment",
			"variables", dropped,
		)
	}
	return kept
}

// WithVariables returns environ with variables set, replacing existing
// entries of the same name. The result is sorted by key.
func WithVariables(environ []string, variables map[string]string) []string {
	merged := make(map[string]string, len(environ)+len(variables))
	for _, entry := range environ {
		name, value, found := strings.Cut(entry, "=")
		if found {
			merged[name] = value
		}
	}
	for name, value := range variables {
		merged[name] = value
	}
	result := make([]string, 0, len(merged))
	for name, value := range merged {
		result = append(result, name+"="+value)
	}
	sort.Strings(result)
	return result
}
