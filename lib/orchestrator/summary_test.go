// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package orchestrator

import (
	"strings"
	"testing"

	"github.com/bureau-foundation/jobworker/lib/job"
)

func TestDocumentSummary(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		document string
		want     string
	}{
		{"heading and paragraph", "# Export\n\nUsers export *reports* as `CSV`.\n", "Export: Users export reports as CSV."},
		{"paragraph only", "Plain text answer\nover two lines.", "Plain text answer over two lines."},
		{"heading only", "## Only a title\n", "Only a title"},
		{"empty", "", ""},
	}
	for _, test := range tests {
		if got := documentSummary(test.document); got != test.want {
			t.Errorf("%s: documentSummary = %q, want %q", test.name, got, test.want)
		}
	}
}

func TestSummaryIsTruncated(t *testing.T) {
	t.Parallel()

	summary := documentSummary(strings.Repeat("word ", 200))
	if !strings.HasSuffix(summary, "...") {
		t.Errorf("summary not marked as truncated: %q", summary)
	}
	if len([]rune(summary)) > maxSummaryLength {
		t.Errorf("summary has %d runes, limit %d", len([]rune(summary)), maxSummaryLength)
	}
}

func TestQuestionSummary(t *testing.T) {
	t.Parallel()

	if got := questionSummary("1. Who are the users?\n"); got != "1 clarifying question: Who are the users?" {
		t.Errorf("single = %q", got)
	}
	if got := questionSummary("# No list here\n\nJust prose."); got != "No list here: Just prose." {
		t.Errorf("fallback = %q", got)
	}
}

func TestBuildCommand(t *testing.T) {
	t.Parallel()

	command := buildCommand(job.Job{Type: job.TypeCodeExecution, Prompt: "fix the bug"}, commandSpec{
		binary:      "claude",
		extraArgs:   []string{"--model", "opus"},
		workingDir:  "/work/wt",
		projectPath: "/work/main",
		mode:        job.ModeIterative,
		environ:     []string{"PATH=/bin"},
	})
	if strings.Join(command.Args, " ") != "--print --permission-mode acceptEdits --model opus" {
		t.Errorf("Args = %v", command.Args)
	}
	if command.Stdin != "fix the bug" {
		t.Errorf("Stdin = %q", command.Stdin)
	}
	want := []string{
		"INSTANCE_DIR=/work/wt/.bureau-worker/instance",
		"MAIN_REPO_PATH=/work/main",
		"PATH=/bin",
		"RUNTIME_MODE=iterative",
		"WORKSPACE_PATH=/work/wt",
	}
	if strings.Join(command.Env, "\n") != strings.Join(want, "\n") {
		t.Errorf("Env = %v", command.Env)
	}
}
