// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package workspace gives each code execution job its own git
// worktree on a dedicated branch, so the agent never edits the main
// checkout.
package workspace

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/bureau-foundation/jobworker/lib/git"
	"github.com/bureau-foundation/jobworker/lib/job"
)

// BranchPrefix is prepended to the job id to name a workspace branch.
const BranchPrefix = "bureau/job-"

// Repository is the subset of [git.Repository] the provider needs.
type Repository interface {
	Run(ctx context.Context, args ...string) (string, error)
	AddWorktree(ctx context.Context, path, branch, base string) error
	RemoveWorktree(ctx context.Context, path string) error
}

// Options configures a Worktrees provider.
type Options struct {
	// DefaultProject is the main repository for jobs that carry no
	// project path.
	DefaultProject string

	// Root holds the worktrees. When empty, worktrees are placed in a
	// "<repo>-worktrees" directory next to the main repository.
	Root string

	// BaseRef is the ref new branches start from. Default "HEAD".
	BaseRef string

	// OpenRepository returns a handle on the main repository at dir.
	// Default wraps [git.NewRepository].
	OpenRepository func(dir string) Repository

	Logger *slog.Logger
}

// Worktrees implements [job.WorkspaceProvider] with git worktrees.
type Worktrees struct {
	options Options
	logger  *slog.Logger

	mutex  sync.Mutex
	active map[string]workspace
}

type workspace struct {
	path string
	base string
}

var _ job.WorkspaceProvider = (*Worktrees)(nil)

// New returns a provider configured by options.
func New(options Options) *Worktrees {
	if options.BaseRef == "" {
		options.BaseRef = "HEAD"
	}
	if options.OpenRepository == nil {
		options.OpenRepository = func(dir string) Repository { return git.NewRepository(dir) }
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worktrees{
		options: options,
		logger:  logger.With("component", "workspace"),
		active:  make(map[string]workspace),
	}
}

var unsafeBranchCharacters = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// BranchNameFor returns "bureau/job-<id>" with characters git rejects
// in ref names replaced by dashes.
func (worktrees *Worktrees) BranchNameFor(j job.Job) string {
	id := strings.Trim(unsafeBranchCharacters.ReplaceAllString(j.ID, "-"), "-.")
	return BranchPrefix + id
}

// ProjectFor returns the main repository path for j.
func (worktrees *Worktrees) ProjectFor(j job.Job) string {
	if j.ProjectPath != "" {
		return j.ProjectPath
	}
	return worktrees.options.DefaultProject
}

// PathFor returns where the worktree for j lives.
func (worktrees *Worktrees) PathFor(j job.Job) string {
	name := strings.TrimPrefix(worktrees.BranchNameFor(j), BranchPrefix)
	if worktrees.options.Root != "" {
		return filepath.Join(worktrees.options.Root, name)
	}
	project := filepath.Clean(worktrees.ProjectFor(j))
	return filepath.Join(filepath.Dir(project), filepath.Base(project)+"-worktrees", name)
}

// CreateWorkspace adds a worktree for j on a fresh branch.
func (worktrees *Worktrees) CreateWorkspace(ctx context.Context, j job.Job) (string, error) {
	project := worktrees.ProjectFor(j)
	if project == "" {
		return "", fmt.Errorf("job %s: no project path and no default project configured", j.ID)
	}
	path := worktrees.PathFor(j)
	branch := worktrees.BranchNameFor(j)

	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("workspace %s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating worktree root: %w", err)
	}
	repository := worktrees.options.OpenRepository(project)
	base, err := repository.Run(ctx, "rev-parse", "--verify", worktrees.options.BaseRef+"^{commit}")
	if err != nil {
		return "", fmt.Errorf("resolving base ref %q for job %s: %w", worktrees.options.BaseRef, j.ID, err)
	}
	base = strings.TrimSpace(base)
	if err := repository.AddWorktree(ctx, path, branch, base); err != nil {
		return "", fmt.Errorf("creating workspace for job %s: %w", j.ID, err)
	}

	worktrees.mutex.Lock()
	worktrees.active[j.ID] = workspace{path: path, base: base}
	worktrees.mutex.Unlock()

	worktrees.logger.Info("workspace created", "job_id", j.ID, "path", path, "branch", branch, "base", base)
	return path, nil
}

// BaseRefFor returns the commit the job's branch was started from, so
// commit counts and diffs cover only the agent's work. Before the
// workspace exists it returns the configured base ref.
func (worktrees *Worktrees) BaseRefFor(j job.Job) string {
	worktrees.mutex.Lock()
	defer worktrees.mutex.Unlock()
	if active, ok := worktrees.active[j.ID]; ok {
		return active.base
	}
	return worktrees.options.BaseRef
}

// RemoveWorkspace removes the worktree for j. The branch is kept so
// the agent's commits remain reachable.
func (worktrees *Worktrees) RemoveWorkspace(ctx context.Context, j job.Job) error {
	worktrees.mutex.Lock()
	active, ok := worktrees.active[j.ID]
	delete(worktrees.active, j.ID)
	worktrees.mutex.Unlock()
	path := active.path
	if !ok {
		path = worktrees.PathFor(j)
	}

	repository := worktrees.options.OpenRepository(worktrees.ProjectFor(j))
	if err := repository.RemoveWorktree(ctx, path); err != nil {
		return fmt.Errorf("removing workspace for job %s: %w", j.ID, err)
	}
	worktrees.logger.Info("workspace removed", "job_id", j.ID, "path", path)
	return nil
}
