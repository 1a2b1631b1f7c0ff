// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package supervisor runs one agent process at a time and turns its
// lifecycle into either an [Outcome] or a categorized [*Error].
//
// A [Supervisor] moves through Idle, Spawning, Running, and one of
// Completed, Failed, or TimedOut before returning to Idle. A second
// [Supervisor.Run] while a process is active returns [ErrBusy].
//
// Output is delivered through a single event loop. Standard output
// chunks go to an accumulator and then to every [Subscriber] in the
// order the child wrote them; the exit event is handled only after
// the last chunk has been delivered. Standard error is accumulated
// separately and logged at warning level. Timeouts and external
// termination requests arrive on the same loop as control messages,
// so nothing outside the loop touches the process handle.
//
// Termination is graceful-then-forceful: SIGTERM to the process group,
// then SIGKILL once the grace period elapses without an exit. Both
// the timeout and the grace period run on an injectable
// [clock.Clock], so tests drive them deterministically.
package supervisor
