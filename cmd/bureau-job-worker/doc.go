// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// bureau-job-worker runs one job: it validates the job against the
// path, prompt, and environment guards, runs the coding agent under
// supervision (inside a fresh git worktree for code execution jobs),
// streams progress and milestones to the journal, and prints a
// summary.
//
// The job comes from a JSON or JSONC file (--job) or from flags:
//
//	bureau-job-worker --type prd_generation --prompt "..." --project ~/src/app
//
// Exit status is 0 when the job completed, 1 when the run failed, 2
// when a guard rejected the job, and 3 when an iterative agent stopped
// at its iteration ceiling without signalling completion.
//
// The first SIGINT or SIGTERM terminates the agent gracefully (SIGTERM,
// then SIGKILL after the configured grace period); a second one
// cancels the run outright.
package main
