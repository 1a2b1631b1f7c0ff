// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package gitactivity

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/bureau-foundation/jobworker/lib/git"
)

// scriptedRunner answers git invocations keyed by their first
// argument. Unlisted subcommands fail.
type scriptedRunner struct {
	outputs map[string]string
	failing map[string]bool
	calls   []string
}

func (r *scriptedRunner) Run(_ context.Context, args ...string) (string, error) {
	r.calls = append(r.calls, strings.Join(args, " "))
	if r.failing[args[0]] {
		return "", errors.New("git " + args[0] + ": exit status 128")
	}
	output, ok := r.outputs[args[0]]
	if !ok {
		return "", errors.New("unexpected git " + args[0])
	}
	return output, nil
}

func newTestReporter(runner *scriptedRunner) *Reporter {
	return NewReporter(Options{
		NewRunner: func(string) git.Runner { return runner },
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func TestReportFullActivity(t *testing.T) {
	t.Parallel()

	runner := &scriptedRunner{outputs: map[string]string{
		"rev-list":  "3\n",
		"log":       "abc1234\x1fAgent\x1fAdd parser",
		"diff":      " 4 files changed, 120 insertions(+), 8 deletions(-)\n",
		"ls-remote": "deadbeef\trefs/heads/job/42\n",
		"status":    " M README.md\n",
	}}
	summary := newTestReporter(runner).Report(context.Background(), "/work", "job/42", "origin/main")

	if summary.BranchName != "job/42" {
		t.Errorf("BranchName = %q", summary.BranchName)
	}
	if summary.CommitCount != 3 {
		t.Errorf("CommitCount = %d, want 3", summary.CommitCount)
	}
	if summary.LastCommitInfo != "abc1234 Add parser" {
		t.Errorf("LastCommitInfo = %q", summary.LastCommitInfo)
	}
	if summary.ChangeStats == nil || *summary.ChangeStats != (git.DiffStat{FilesChanged: 4, Insertions: 120, Deletions: 8}) {
		t.Errorf("ChangeStats = %+v", summary.ChangeStats)
	}
	if !summary.WasPushed {
		t.Error("WasPushed = false, want true")
	}
	if !summary.HasUncommittedChanges {
		t.Error("HasUncommittedChanges = false, want true")
	}
	want := "Branch job/42: 3 commits (last: abc1234 Add parser); 4 files changed, 120 insertions(+), 8 deletions(-); pushed to origin; uncommitted changes present"
	if summary.SummaryText != want {
		t.Errorf("SummaryText = %q\nwant %q", summary.SummaryText, want)
	}
}

func TestReportDegradesEachFieldIndependently(t *testing.T) {
	t.Parallel()

	runner := &scriptedRunner{
		outputs: map[string]string{
			"diff":   " 1 file changed, 2 insertions(+)\n",
			"status": "",
		},
		failing: map[string]bool{"rev-list": true, "log": true, "ls-remote": true},
	}
	summary := newTestReporter(runner).Report(context.Background(), "/work", "job/7", "origin/main")

	if summary.CommitCount != 0 {
		t.Errorf("CommitCount = %d, want 0", summary.CommitCount)
	}
	if summary.LastCommitInfo != NoCommits {
		t.Errorf("LastCommitInfo = %q, want %q", summary.LastCommitInfo, NoCommits)
	}
	if summary.WasPushed {
		t.Error("WasPushed = true after failed ls-remote")
	}
	if summary.ChangeStats == nil || summary.ChangeStats.FilesChanged != 1 {
		t.Errorf("ChangeStats = %+v, want 1 file changed", summary.ChangeStats)
	}
	if summary.HasUncommittedChanges {
		t.Error("HasUncommittedChanges = true for clean status")
	}
	if summary.SummaryText != "Branch job/7: no commits; 1 file changed, 2 insertions(+); not pushed" {
		t.Errorf("SummaryText = %q", summary.SummaryText)
	}
}

func TestReportEverythingFails(t *testing.T) {
	t.Parallel()

	runner := &scriptedRunner{failing: map[string]bool{
		"rev-parse": true, "rev-list": true, "log": true,
		"diff": true, "ls-remote": true, "status": true,
	}}
	summary := newTestReporter(runner).Report(context.Background(), "/work", "", "origin/main")

	if summary.CommitCount != 0 || summary.WasPushed || summary.HasUncommittedChanges || summary.ChangeStats != nil {
		t.Errorf("expected all defaults, got %+v", summary)
	}
	if summary.LastCommitInfo != NoCommits {
		t.Errorf("LastCommitInfo = %q", summary.LastCommitInfo)
	}
	if summary.SummaryText != "no commits; not pushed" {
		t.Errorf("SummaryText = %q", summary.SummaryText)
	}
}

func TestReportResolvesCurrentBranch(t *testing.T) {
	t.Parallel()

	runner := &scriptedRunner{outputs: map[string]string{
		"rev-parse": "feature/x\n",
		"rev-list":  "1",
		"log":       "fff0000\x1fAgent\x1fInitial",
		"diff":      "",
		"ls-remote": "",
		"status":    "",
	}}
	summary := newTestReporter(runner).Report(context.Background(), "/work", "", "main")

	if summary.BranchName != "feature/x" {
		t.Errorf("BranchName = %q, want feature/x", summary.BranchName)
	}
	if summary.WasPushed {
		t.Error("WasPushed = true for empty ls-remote output")
	}
	if summary.SummaryText != "Branch feature/x: 1 commit (last: fff0000 Initial); not pushed" {
		t.Errorf("SummaryText = %q", summary.SummaryText)
	}
}
