// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package orchestrator runs one job at a time from validation to
// result.
//
// Every job type goes through the same pipeline: the prompt and
// project path are checked by the guards before anything is created
// or spawned; the agent runs under a [supervisor.Supervisor] with a
// sanitized environment and the prompt on stdin; its output streams to
// a milestone extractor and to the reporter's progress buffer; the
// per-job log file receives every pipeline record and, at the end, the
// full transcript.
//
// Code execution jobs additionally run in a workspace obtained from a
// [job.WorkspaceProvider]. After the run the orchestrator summarizes
// the git activity in the workspace, archives the job's artifacts, and
// then releases the workspace unless the job asked to keep it.
// Release happens on every path out of the flow, including failures.
//
// Whether a run finished its task is decided once, by
// [job.DetectCompletion], and recorded in the result.
package orchestrator
