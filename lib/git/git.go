// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package git provides typed access to the git CLI. The worker uses
// git for two things: creating and removing the per-job worktree a
// coding agent operates in, and reading back what the agent did to
// it once the run is over (commit count, dirtiness, diff statistics,
// whether the branch reached the remote).
//
// All commands target a specific directory via "git -C <dir>", which
// Repository injects. Query helpers accept the narrower Runner
// interface so callers can substitute a scripted fake.
package git

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Runner executes one git invocation and returns its stdout.
type Runner interface {
	Run(ctx context.Context, args ...string) (string, error)
}

// Repository represents a git repository or worktree at a specific
// directory. There is no default directory: callers must always say
// which checkout they mean.
type Repository struct {
	dir string
}

// NewRepository returns a Repository targeting dir.
func NewRepository(dir string) *Repository {
	return &Repository{dir: dir}
}

// Dir returns the repository directory.
func (r *Repository) Dir() string {
	return r.dir
}

// Run executes a git command targeting this repository and returns
// stdout. Stderr is captured separately and included in the error on
// failure. Interactive credential prompts are disabled so that a
// remote query against a private repository fails instead of hanging
// the worker.
func (r *Repository) Run(ctx context.Context, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	command := r.Command(ctx, args...)
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return "", fmt.Errorf("git %s in %s: %w (stderr: %s)",
			strings.Join(args, " "), r.dir, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.String(), nil
}

// Command returns an *exec.Cmd for a git command without running it.
// The -C flag targeting this repository is prepended.
func (r *Repository) Command(ctx context.Context, args ...string) *exec.Cmd {
	fullArgs := append([]string{"-C", r.dir}, args...)
	command := exec.CommandContext(ctx, "git", fullArgs...)
	command.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	return command
}
