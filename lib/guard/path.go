// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package guard

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// Rejection reasons produced by [PathGuard].
const (
	ReasonEmptyPath          = "empty_path"
	ReasonNullByte           = "null_byte"
	ReasonInvalidEncoding    = "invalid_encoding"
	ReasonUnresolvable       = "unresolvable"
	ReasonBlockedSystemDir   = "blocked_system_directory"
	ReasonSensitivePath      = "sensitive_path"
	ReasonOutsideAllowedPath = "outside_allowed_paths"
	ReasonNotFound           = "not_found"
	ReasonNotDirectory       = "not_directory"
)

// blockedSystemDirectories may never be an agent's working directory
// or contain one. The Windows entries are matched case-insensitively
// against both drive-letter and drive-less forms.
// Only the binary directories under /usr are listed, so /usr/local
// checkouts remain usable.
var blockedSystemDirectories = []string{
	"/etc", "/bin", "/sbin", "/usr/bin", "/usr/sbin",
	"/System", "/Library", "/private",
	"/root", "/boot", "/dev", "/proc", "/sys",
}

var blockedWindowsDirectories = []string{
	`windows`, `program files`, `program files (x86)`, `programdata`,
}

// sensitiveSegments are segment sequences that mark credential stores.
// A path is sensitive when any of these sequences appears contiguously
// anywhere along its resolved segments.
var sensitiveSegments = [][]string{
	{".ssh"},
	{".aws"},
	{".azure"},
	{".kube"},
	{".docker"},
	{".gnupg"},
	{".password-store"},
	{".config", "gcloud"},
	{"Keychains"},
}

// homeRoots are the conventional parents of user home directories.
// Paths outside them are allowed but logged as a warning.
var homeRoots = []string{"/home", "/Users"}

// PathGuardOptions configures a [PathGuard].
type PathGuardOptions struct {
	// AllowedBases, when non-empty, restricts every accepted path to
	// one of these directories or a descendant. Bases are resolved
	// the same way validated paths are, at construction.
	AllowedBases []string

	// HomeDirectory is added to the home roots used for the soft
	// out-of-home warning. Defaults to os.UserHomeDir.
	HomeDirectory string

	Logger *slog.Logger
}

// PathGuard resolves and validates filesystem paths before the worker
// operates on them.
type PathGuard struct {
	allowedBases []string
	homeRoots    []string
	logger       *slog.Logger
}

// NewPathGuard creates a PathGuard.
func NewPathGuard(options PathGuardOptions) *PathGuard {
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var bases []string
	for _, base := range options.AllowedBases {
		base = strings.TrimSpace(base)
		if base == "" {
			continue
		}
		resolved, err := resolve(base)
		if err != nil {
			logger.Warn("ignoring unresolvable allowed path base", "error", err)
			continue
		}
		bases = append(bases, resolved)
	}

	roots := append([]string(nil), homeRoots...)
	home := options.HomeDirectory
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	if home != "" {
		roots = append(roots, filepath.Clean(home))
	}

	return &PathGuard{
		allowedBases: bases,
		homeRoots:    roots,
		logger:       logger,
	}
}

// SplitAllowedBases parses a colon-separated allow-list as found in
// BUREAU_WORKER_ALLOWED_PATHS. Empty entries are dropped.
func SplitAllowedBases(value string) []string {
	var bases []string
	for _, entry := range strings.Split(value, ":") {
		if entry = strings.TrimSpace(entry); entry != "" {
			bases = append(bases, entry)
		}
	}
	return bases
}

// Validate resolves raw to an absolute, cleaned path and checks it
// against the blocked system directories, the sensitive credential
// stores, and the configured allow-list. Symbolic links are resolved
// when the path exists, so a link into a blocked directory is caught.
// The returned path is the resolved form.
func (g *PathGuard) Validate(raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", g.reject(ReasonEmptyPath, "", "path is empty")
	}
	if strings.ContainsRune(raw, 0) {
		return "", g.reject(ReasonNullByte, "", "path contains a NUL byte")
	}
	if !utf8.ValidString(raw) {
		return "", g.reject(ReasonInvalidEncoding, "", "path is not valid UTF-8")
	}

	if blocked, directory := isBlockedWindowsPath(raw); blocked {
		return "", g.reject(ReasonBlockedSystemDir, "", "inside "+directory)
	}

	resolved, err := resolve(raw)
	if err != nil {
		return "", g.reject(ReasonUnresolvable, "", err.Error())
	}

	if blocked, directory := isBlockedSystemPath(resolved); blocked {
		return "", g.reject(ReasonBlockedSystemDir, resolved, "inside "+directory)
	}
	if sensitive, segment := isSensitivePath(resolved); sensitive {
		return "", g.reject(ReasonSensitivePath, resolved, "matches "+segment)
	}

	if len(g.allowedBases) > 0 {
		if !g.underAny(resolved, g.allowedBases) {
			return "", g.reject(ReasonOutsideAllowedPath, resolved, "not under any allowed base")
		}
	} else if !g.underAny(resolved, g.homeRoots) {
		g.logger.Warn("path is outside conventional home directories",
			"guard", "path",
			"path", resolved,
		)
	}

	g.logger.Debug("path accepted", "guard", "path", "path", resolved)
	return resolved, nil
}

// ValidateDirectory is Validate plus a check that the resolved path
// exists and is a directory.
func (g *PathGuard) ValidateDirectory(raw string) (string, error) {
	resolved, err := g.Validate(raw)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(resolved)
	if errors.Is(err, fs.ErrNotExist) {
		return "", g.reject(ReasonNotFound, resolved, "directory does not exist")
	}
	if err != nil {
		return "", g.reject(ReasonUnresolvable, resolved, err.Error())
	}
	if !info.IsDir() {
		return "", g.reject(ReasonNotDirectory, resolved, "not a directory")
	}
	return resolved, nil
}

func (g *PathGuard) reject(reason, resolved, detail string) error {
	if resolved == "" {
		g.logger.Warn("path rejected", "guard", "path", "reason", reason)
	} else {
		g.logger.Warn("path rejected", "guard", "path", "reason", reason, "path", resolved)
	}
	return &ValidationError{Guard: "path", Reason: reason, Detail: detail}
}

func (g *PathGuard) underAny(path string, bases []string) bool {
	for _, base := range bases {
		if isWithin(path, base) {
			return true
		}
	}
	return false
}

// resolve makes raw absolute and clean, then follows symbolic links
// for the longest existing prefix of the path.
func resolve(raw string) (string, error) {
	absolute, err := filepath.Abs(raw)
	if err != nil {
		return "", fmt.Errorf("resolving path: %w", err)
	}
	absolute = filepath.Clean(absolute)

	existing := absolute
	var remainder []string
	for {
		evaluated, err := filepath.EvalSymlinks(existing)
		if err == nil {
			return filepath.Join(append([]string{evaluated}, remainder...)...), nil
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return absolute, nil
		}
		remainder = append([]string{filepath.Base(existing)}, remainder...)
		existing = parent
	}
}

func isWithin(path, base string) bool {
	if path == base {
		return true
	}
	if base == string(filepath.Separator) {
		return true
	}
	return strings.HasPrefix(path, base+string(filepath.Separator))
}

func isBlockedSystemPath(path string) (bool, string) {
	for _, directory := range blockedSystemDirectories {
		if isWithin(path, directory) {
			return true, directory
		}
	}
	return false, ""
}

// isBlockedWindowsPath inspects the raw input, since a drive-letter
// path handed to a Unix worker resolves as relative.
func isBlockedWindowsPath(raw string) (bool, string) {
	segments := splitSegments(raw)
	if len(segments) == 0 {
		return false, ""
	}
	first := strings.ToLower(segments[0])
	if len(first) == 2 && first[1] == ':' {
		if len(segments) == 1 {
			return false, ""
		}
		first = strings.ToLower(segments[1])
	} else if !strings.HasPrefix(raw, "/") && !strings.HasPrefix(raw, `\`) {
		return false, ""
	}
	for _, windows := range blockedWindowsDirectories {
		if first == windows {
			return true, windows
		}
	}
	return false, ""
}

func isSensitivePath(path string) (bool, string) {
	segments := splitSegments(path)
	for _, pattern := range sensitiveSegments {
		for start := 0; start+len(pattern) <= len(segments); start++ {
			matched := true
			for offset, want := range pattern {
				if segments[start+offset] != want {
					matched = false
					break
				}
			}
			if matched {
				return true, strings.Join(pattern, "/")
			}
		}
	}
	return false, ""
}

// splitSegments splits on both separators so that Windows-style input
// handed to a Unix worker is still inspected segment by segment.
func splitSegments(path string) []string {
	fields := strings.FieldsFunc(path, func(r rune) bool {
		return r == '/' || r == '\\'
	})
	return fields
}
