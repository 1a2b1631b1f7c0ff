// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock is a manually advanced Clock. Time only moves when
// Advance is called. It is safe for concurrent use.
//
// AfterFunc callbacks run synchronously inside Advance, in deadline
// order. A callback must not call Advance.
type FakeClock struct {
	mutex   sync.Mutex
	now     time.Time
	pending []*pendingTimer
	changed *sync.Cond
}

// pendingTimer is one registered After, AfterFunc, or ticker.
type pendingTimer struct {
	deadline time.Time

	// Exactly one of channel and callback is set.
	channel  chan time.Time
	callback func()

	// period is non-zero for tickers, which are rescheduled after
	// each fire instead of being retired.
	period time.Duration

	cancelled bool
	fired     bool
}

// Fake returns a FakeClock reading initial.
func Fake(initial time.Time) *FakeClock {
	fake := &FakeClock{now: initial}
	fake.changed = sync.NewCond(&fake.mutex)
	return fake
}

// Now returns the fake time.
func (f *FakeClock) Now() time.Time {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.now
}

// After registers a one-shot channel timer.
func (f *FakeClock) After(d time.Duration) <-chan time.Time {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- f.now
		return channel
	}
	f.registerLocked(&pendingTimer{deadline: f.now.Add(d), channel: channel})
	return channel
}

// AfterFunc registers f to run when the clock is advanced past d. A
// non-positive d runs f before AfterFunc returns.
func (f *FakeClock) AfterFunc(d time.Duration, callback func()) *Timer {
	if d <= 0 {
		callback()
		return &Timer{stop: func() bool { return false }}
	}

	f.mutex.Lock()
	defer f.mutex.Unlock()

	timer := &pendingTimer{deadline: f.now.Add(d), callback: callback}
	f.registerLocked(timer)
	return &Timer{stop: func() bool {
		f.mutex.Lock()
		defer f.mutex.Unlock()
		if timer.cancelled || timer.fired {
			return false
		}
		timer.cancelled = true
		return true
	}}
}

// NewTicker registers a periodic timer.
func (f *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: NewTicker requires a positive interval")
	}

	f.mutex.Lock()
	defer f.mutex.Unlock()

	channel := make(chan time.Time, 1)
	timer := &pendingTimer{deadline: f.now.Add(d), channel: channel, period: d}
	f.registerLocked(timer)
	return &Ticker{C: channel, stop: func() {
		f.mutex.Lock()
		defer f.mutex.Unlock()
		timer.cancelled = true
	}}
}

func (f *FakeClock) registerLocked(timer *pendingTimer) {
	f.pending = append(f.pending, timer)
	f.changed.Broadcast()
}

// Advance moves the clock forward by d and fires everything whose
// deadline is now due. Channel sends never block: a full channel drops
// the value, as time.Ticker does.
func (f *FakeClock) Advance(d time.Duration) {
	f.mutex.Lock()
	f.now = f.now.Add(d)
	target := f.now
	f.mutex.Unlock()

	for {
		due := f.takeDue(target)
		if len(due) == 0 {
			return
		}
		for _, timer := range due {
			if timer.callback != nil {
				timer.callback()
				continue
			}
			select {
			case timer.channel <- target:
			default:
			}
		}
	}
}

// takeDue removes one-shot timers that are due, reschedules due
// tickers, and returns what must fire, ordered by deadline.
func (f *FakeClock) takeDue(target time.Time) []*pendingTimer {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	var due, keep []*pendingTimer
	for _, timer := range f.pending {
		switch {
		case timer.cancelled:
		case timer.deadline.After(target):
			keep = append(keep, timer)
		default:
			due = append(due, timer)
		}
	}
	sort.SliceStable(due, func(i, j int) bool {
		return due[i].deadline.Before(due[j].deadline)
	})
	for _, timer := range due {
		if timer.period > 0 {
			timer.deadline = timer.deadline.Add(timer.period)
			keep = append(keep, timer)
		} else {
			timer.fired = true
		}
	}
	f.pending = keep
	return due
}

// WaitForTimers blocks until at least n timers are pending.
func (f *FakeClock) WaitForTimers(n int) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	for f.pendingLocked() < n {
		f.changed.Wait()
	}
}

// PendingCount returns the number of live timers.
func (f *FakeClock) PendingCount() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.pendingLocked()
}

func (f *FakeClock) pendingLocked() int {
	count := 0
	for _, timer := range f.pending {
		if !timer.cancelled {
			count++
		}
	}
	return count
}
