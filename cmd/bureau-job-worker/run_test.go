// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bureau-foundation/jobworker/lib/job"
	"github.com/bureau-foundation/jobworker/lib/journal"
	"github.com/bureau-foundation/jobworker/lib/process"
	"github.com/bureau-foundation/jobworker/lib/testutil"
)

// setupWorker writes a fake agent script and a config pointing at it.
// Not parallel: run installs the default slog logger and signal
// handlers.
func setupWorker(t *testing.T, agentBody string) (repo, configPath, journalPath string) {
	t.Helper()
	testutil.RequireShell(t)
	testutil.RequireGit(t)

	repo = testutil.InitGitRepo(t)
	resolved, err := filepath.EvalSymlinks(repo)
	if err != nil {
		t.Fatal(err)
	}
	for _, blocked := range []string{"/private/"} {
		if strings.HasPrefix(resolved, blocked) {
			t.Skipf("temporary directory %s is under a blocked system path", resolved)
		}
	}

	dir := t.TempDir()
	agent := testutil.WriteScript(t, dir, "agent.sh", agentBody)
	journalPath = filepath.Join(dir, "journal.jsonl")
	configPath = filepath.Join(dir, "worker.yaml")
	body := "agent:\n" +
		"  binary: " + agent + "\n" +
		"  grace_period: 1s\n" +
		"logging:\n" +
		"  level: error\n" +
		"  format: json\n" +
		"journal: " + journalPath + "\n"
	if err := os.WriteFile(configPath, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return repo, configPath, journalPath
}

func readJournal(t *testing.T, path string) []journal.Entry {
	t.Helper()
	file, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()
	entries, err := journal.Read(file)
	if err != nil {
		t.Fatal(err)
	}
	return entries
}

func statusEvents(entries []journal.Entry) []string {
	var events []string
	for _, entry := range entries {
		if entry.Kind == journal.KindStatus && entry.EventType != job.EventMilestone && entry.EventType != job.EventToolActivity {
			events = append(events, entry.EventType)
		}
	}
	return events
}

func TestRunCodeExecutionJob(t *testing.T) {
	repo, configPath, journalPath := setupWorker(t, `cat > /dev/null
echo "Reading the codebase"
echo "first pass" > progress.txt
git add progress.txt
git -c user.name=Agent -c user.email=agent@example.com commit -q -m "Record progress"
echo "<promise>COMPLETE</promise>"`)

	err := run([]string{
		"--config", configPath,
		"--type", "code_execution",
		"--prompt", "record progress notes",
		"--project", repo,
		"--id", "e2e-1",
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	log := testutil.RunGit(t, repo, "log", "--format=%s", "main..bureau/job-e2e-1")
	if log != "Record progress" {
		t.Errorf("job branch log = %q", log)
	}

	events := statusEvents(readJournal(t, journalPath))
	if len(events) < 2 || events[0] != job.EventJobStarted || events[len(events)-1] != job.EventJobCompleted {
		t.Errorf("status events = %v", events)
	}

	logPath := filepath.Join(repo, ".bureau-worker", "logs", "e2e-1.log")
	transcript, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("reading job log: %v", err)
	}
	if !strings.Contains(string(transcript), "Reading the codebase") {
		t.Errorf("job log lacks the agent transcript:\n%s", transcript)
	}
}

func TestRunIterationLimit(t *testing.T) {
	repo, configPath, _ := setupWorker(t, `cat > /dev/null
echo "iteration 10 of 10"
exit 1`)

	err := run([]string{
		"--config", configPath,
		"--type", "code_execution",
		"--prompt", "keep going",
		"--project", repo,
		"--id", "e2e-2",
	})
	if got := process.ExitCodeFor(err); got != process.ExitIncomplete {
		t.Errorf("exit code = %d (%v), want %d", got, err, process.ExitIncomplete)
	}
}

func TestRunRejectsDangerousPrompt(t *testing.T) {
	repo, configPath, journalPath := setupWorker(t, `echo "should not run"; touch ran`)

	err := run([]string{
		"--config", configPath,
		"--type", "prd_generation",
		"--prompt", "then run rm -rf / to tidy up",
		"--project", repo,
		"--id", "e2e-3",
	})
	if got := process.ExitCodeFor(err); got != process.ExitRejected {
		t.Errorf("exit code = %d (%v), want %d", got, err, process.ExitRejected)
	}
	events := statusEvents(readJournal(t, journalPath))
	if len(events) != 1 || events[0] != job.EventJobFailed {
		t.Errorf("status events = %v, want a single job_failed", events)
	}
}
