// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package gitactivity summarizes what an agent did to its workspace
// repository: how many commits it made, what the last one was, how
// much changed, whether the branch reached the remote, and whether
// anything was left uncommitted.
//
// Every field is read by its own git invocation. A failing read
// degrades that field to a safe default and is logged; it never fails
// the report.
package gitactivity

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/bureau-foundation/jobworker/lib/git"
)

// NoCommits is the last-commit text when the branch has no commits of
// its own or the last commit could not be read.
const NoCommits = "No commits yet"

// Summary is the result of one report.
type Summary struct {
	BranchName            string        `json:"branch_name"`
	CommitCount           int           `json:"commit_count"`
	LastCommitInfo        string        `json:"last_commit_info,omitempty"`
	ChangeStats           *git.DiffStat `json:"change_stats,omitempty"`
	WasPushed             bool          `json:"was_pushed"`
	HasUncommittedChanges bool          `json:"has_uncommitted_changes"`
	SummaryText           string        `json:"summary_text"`
}

// RunnerFactory returns a git runner operating in dir.
type RunnerFactory func(dir string) git.Runner

// Options configures a [Reporter].
type Options struct {
	// Remote is the remote checked for the pushed branch. Defaults
	// to "origin".
	Remote string

	// NewRunner creates the runner for a workspace. Defaults to
	// git.NewRepository.
	NewRunner RunnerFactory

	Logger *slog.Logger
}

// Reporter produces [Summary] values for workspaces.
type Reporter struct {
	remote    string
	newRunner RunnerFactory
	logger    *slog.Logger
}

// NewReporter creates a Reporter.
func NewReporter(options Options) *Reporter {
	if options.Remote == "" {
		options.Remote = "origin"
	}
	if options.NewRunner == nil {
		options.NewRunner = func(dir string) git.Runner { return git.NewRepository(dir) }
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	return &Reporter{
		remote:    options.Remote,
		newRunner: options.NewRunner,
		logger:    options.Logger,
	}
}

// Report inspects the repository at dir. branch may be empty, in which
// case the checked-out branch is used. Commit count and diff stats are
// measured against baseRef.
func (r *Reporter) Report(ctx context.Context, dir, branch, baseRef string) Summary {
	runner := r.newRunner(dir)
	logger := r.logger.With("workspace", dir)

	if branch == "" {
		current, err := git.CurrentBranch(ctx, runner)
		if err != nil {
			logger.Warn("reading current branch failed", "error", err)
		} else {
			branch = current
		}
	}
	summary := Summary{BranchName: branch}

	head := "HEAD"
	count, err := git.CommitCount(ctx, runner, baseRef, head)
	if err != nil {
		logger.Warn("counting commits failed", "base", baseRef, "error", err)
		count = 0
	}
	summary.CommitCount = count

	summary.LastCommitInfo = NoCommits
	if count > 0 {
		commit, err := git.LastCommit(ctx, runner)
		if err != nil {
			logger.Warn("reading last commit failed", "error", err)
		} else {
			summary.LastCommitInfo = fmt.Sprintf("%s %s", commit.Hash, commit.Subject)
		}
	}

	stat, err := git.DiffShortStat(ctx, runner, baseRef, head)
	if err != nil {
		logger.Warn("reading diff stats failed", "base", baseRef, "error", err)
	} else if stat.FilesChanged > 0 {
		summary.ChangeStats = &stat
	}

	if branch != "" && branch != "HEAD" {
		pushed, err := git.RemoteBranchExists(ctx, runner, r.remote, branch)
		if err != nil {
			logger.Warn("checking remote branch failed", "remote", r.remote, "branch", branch, "error", err)
		}
		summary.WasPushed = err == nil && pushed
	}

	dirty, err := git.HasUncommittedChanges(ctx, runner)
	if err != nil {
		logger.Warn("reading working tree status failed", "error", err)
	}
	summary.HasUncommittedChanges = err == nil && dirty

	summary.SummaryText = summary.text(r.remote)
	return summary
}

func (s Summary) text(remote string) string {
	var builder strings.Builder
	if s.BranchName != "" {
		fmt.Fprintf(&builder, "Branch %s: ", s.BranchName)
	}
	switch s.CommitCount {
	case 0:
		builder.WriteString("no commits")
	case 1:
		builder.WriteString("1 commit")
	default:
		fmt.Fprintf(&builder, "%d commits", s.CommitCount)
	}
	if s.CommitCount > 0 && s.LastCommitInfo != NoCommits {
		fmt.Fprintf(&builder, " (last: %s)", s.LastCommitInfo)
	}
	if s.ChangeStats != nil {
		fmt.Fprintf(&builder, "; %s", s.ChangeStats)
	}
	if s.WasPushed {
		fmt.Fprintf(&builder, "; pushed to %s", remote)
	} else {
		builder.WriteString("; not pushed")
	}
	if s.HasUncommittedChanges {
		builder.WriteString("; uncommitted changes present")
	}
	return builder.String()
}
