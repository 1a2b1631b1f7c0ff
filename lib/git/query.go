// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package git

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Commit describes one commit as printed by "git log -1".
type Commit struct {
	Hash    string `json:"hash"`
	Subject string `json:"subject"`
	Author  string `json:"author"`
}

// DiffStat is the parsed form of "git diff --shortstat".
type DiffStat struct {
	FilesChanged int `json:"files_changed"`
	Insertions   int `json:"insertions"`
	Deletions    int `json:"deletions"`
}

// String renders the stat the way git does: singular forms for one,
// and insertions or deletions omitted when zero.
func (s DiffStat) String() string {
	parts := []string{plural(s.FilesChanged, "file changed", "files changed")}
	if s.Insertions > 0 {
		parts = append(parts, plural(s.Insertions, "insertion(+)", "insertions(+)"))
	}
	if s.Deletions > 0 {
		parts = append(parts, plural(s.Deletions, "deletion(-)", "deletions(-)"))
	}
	return strings.Join(parts, ", ")
}

func plural(count int, singular, plural string) string {
	if count == 1 {
		return "1 " + singular
	}
	return strconv.Itoa(count) + " " + plural
}

// CommitCount returns the number of commits reachable from head but
// not from base.
func CommitCount(ctx context.Context, runner Runner, base, head string) (int, error) {
	output, err := runner.Run(ctx, "rev-list", "--count", base+".."+head)
	if err != nil {
		return 0, err
	}
	count, err := strconv.Atoi(strings.TrimSpace(output))
	if err != nil {
		return 0, fmt.Errorf("parsing rev-list count %q: %w", strings.TrimSpace(output), err)
	}
	return count, nil
}

// HasUncommittedChanges reports whether the working tree has staged,
// unstaged, or untracked changes.
func HasUncommittedChanges(ctx context.Context, runner Runner) (bool, error) {
	output, err := runner.Run(ctx, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(output) != "", nil
}

// LastCommit returns the commit at HEAD.
func LastCommit(ctx context.Context, runner Runner) (Commit, error) {
	output, err := runner.Run(ctx, "log", "-1", "--pretty=format:%h%x1f%an%x1f%s")
	if err != nil {
		return Commit{}, err
	}
	fields := strings.SplitN(strings.TrimSpace(output), "\x1f", 3)
	if len(fields) != 3 {
		return Commit{}, fmt.Errorf("unexpected git log output %q", output)
	}
	return Commit{Hash: fields[0], Author: fields[1], Subject: fields[2]}, nil
}

// DiffShortStat returns the change statistics between base and head.
// The three-dot form compares head against the merge base, so commits
// that landed on base after the branch was cut are not counted.
func DiffShortStat(ctx context.Context, runner Runner, base, head string) (DiffStat, error) {
	output, err := runner.Run(ctx, "diff", "--shortstat", base+"..."+head)
	if err != nil {
		return DiffStat{}, err
	}
	return ParseShortStat(output), nil
}

// RemoteBranchExists reports whether branch exists on remote.
func RemoteBranchExists(ctx context.Context, runner Runner, remote, branch string) (bool, error) {
	output, err := runner.Run(ctx, "ls-remote", "--heads", remote, "refs/heads/"+branch)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(output) != "", nil
}

var shortStatPattern = regexp.MustCompile(`(\d+) (files? changed|insertions?\(\+\)|deletions?\(-\))`)

// ParseShortStat parses the summary line printed by --shortstat, e.g.
// " 3 files changed, 10 insertions(+), 2 deletions(-)". Missing parts
// are zero; git omits insertions or deletions when there are none.
func ParseShortStat(output string) DiffStat {
	var stat DiffStat
	for _, match := range shortStatPattern.FindAllStringSubmatch(output, -1) {
		value, err := strconv.Atoi(match[1])
		if err != nil {
			continue
		}
		switch {
		case strings.HasPrefix(match[2], "file"):
			stat.FilesChanged = value
		case strings.HasPrefix(match[2], "insertion"):
			stat.Insertions = value
		case strings.HasPrefix(match[2], "deletion"):
			stat.Deletions = value
		}
	}
	return stat
}

// CurrentBranch returns the short name of the checked-out branch, or
// "HEAD" when detached.
func CurrentBranch(ctx context.Context, runner Runner) (string, error) {
	output, err := runner.Run(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(output), nil
}
