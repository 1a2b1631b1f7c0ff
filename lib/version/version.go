// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
)

// These variables are set via -ldflags at build time:
//
//	go build -ldflags "-X github.com/bureau-foundation/jobworker/lib/version.GitCommit=$(git rev-parse --short HEAD)"
var (
	GitCommit = "unknown"
	GitDirty  = "false"
	BuildTime = "unknown"
	Version   = "0.1.0-dev"
)

// buildSettings reads the VCS stamp embedded by the toolchain.
func buildSettings() (commit, modified, when string) {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "", "", ""
	}
	for _, setting := range info.Settings {
		switch setting.Key {
		case "vcs.revision":
			commit = setting.Value
		case "vcs.modified":
			modified = setting.Value
		case "vcs.time":
			when = setting.Value
		}
	}
	if len(commit) > 12 {
		commit = commit[:12]
	}
	return commit, modified, when
}

// Info returns a formatted version string suitable for --version output.
func Info() string {
	commit, dirty, built := GitCommit, GitDirty, BuildTime
	if commit == "unknown" {
		if stamped, modified, when := buildSettings(); stamped != "" {
			commit, dirty, built = stamped, modified, when
		}
	}
	suffix := ""
	if dirty == "true" {
		suffix = "-dirty"
	}
	return fmt.Sprintf("%s (%s%s, %s)", Version, commit, suffix, built)
}

// Full returns Info plus the Go version and platform.
func Full() string {
	return fmt.Sprintf("%s\n  Go: %s\n  Platform: %s/%s",
		Info(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// Print writes "name Info()" to stdout.
func Print(name string) {
	fmt.Fprintf(os.Stdout, "%s %s\n", name, Info())
}
