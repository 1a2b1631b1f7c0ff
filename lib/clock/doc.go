// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock is the time source for every component of the job
// worker that waits on something: the supervisor's run timeout and
// kill grace period, the batching decorator's flush ticker, and the
// milestone extractor's emission throttles.
//
// Production code receives [Real]. Tests receive [Fake] and move time
// explicitly with [FakeClock.Advance], which makes timeout and
// throttle behaviour deterministic instead of racing the wall clock:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	supervisor := supervisor.New(supervisor.Options{Clock: fake, ...})
//	go supervisor.Run(ctx, request)
//	fake.WaitForTimers(1)         // the run timeout is armed
//	fake.Advance(request.Timeout) // fire it
//
// WaitForTimers closes the window between a goroutine registering a
// timer and the test advancing past it.
package clock
