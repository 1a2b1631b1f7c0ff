// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds test helpers shared across the worker's
// packages.
//
// [RequireReceive] and [RequireClosed] wrap the select-with-deadline
// pattern so individual tests never hang when a goroutine fails to
// deliver. They are the only helpers that read the wall clock.
//
// [RequireShell] and [WriteScript] support the supervisor and
// orchestrator tests that spawn real child processes: they skip on
// hosts without a POSIX shell and materialise small executable
// scripts that stand in for the coding agent.
//
// Helpers call t.Fatalf on failure; setup problems are not
// recoverable.
package testutil
