// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"slices"
	"sync"
	"time"
)

// FakeClock is a Clock whose time moves only through Advance. It is
// safe for concurrent use.
//
// AfterFunc callbacks run synchronously inside Advance, in deadline
// order, without the clock's lock held. A callback may register new
// timers but must not call Advance.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	pending []*fakeTimer
	changed *sync.Cond
}

type fakeTimer struct {
	deadline time.Time
	// Exactly one of channel and callback is set.
	channel  chan time.Time
	callback func()
}

// Fake returns a FakeClock reading initial.
func Fake(initial time.Time) *FakeClock {
	clock := &FakeClock{current: initial}
	clock.changed = sync.NewCond(&clock.mu)
	return clock
}

// Now returns the fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// After registers a one-shot channel timer.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- c.current
		return channel
	}
	c.addLocked(&fakeTimer{deadline: c.current.Add(d), channel: channel})
	return channel
}

// AfterFunc registers f to run during the Advance that crosses d. A
// non-positive d runs f before AfterFunc returns.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	timer := &fakeTimer{callback: f}
	handle := &Timer{
		stop: func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			return c.removeLocked(timer)
		},
		reset: func(d time.Duration) bool {
			c.mu.Lock()
			wasPending := c.removeLocked(timer)
			if d <= 0 {
				c.mu.Unlock()
				f()
				return wasPending
			}
			timer.deadline = c.current.Add(d)
			c.addLocked(timer)
			c.mu.Unlock()
			return wasPending
		},
	}

	if d <= 0 {
		f()
		return handle
	}
	c.mu.Lock()
	timer.deadline = c.current.Add(d)
	c.addLocked(timer)
	c.mu.Unlock()
	return handle
}

// Sleep blocks until the clock has been advanced by at least d.
func (c *FakeClock) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	<-c.After(d)
}

// Advance moves time forward by d and fires every timer whose
// deadline is now due, earliest first. Timers registered by a
// callback with a deadline inside the advanced window fire in the
// same call.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	now := c.current
	c.mu.Unlock()

	for {
		c.mu.Lock()
		if len(c.pending) == 0 || c.pending[0].deadline.After(now) {
			c.mu.Unlock()
			return
		}
		next := c.pending[0]
		c.pending = c.pending[1:]
		c.mu.Unlock()

		if next.callback != nil {
			next.callback()
			continue
		}
		select {
		case next.channel <- now:
		default:
		}
	}
}

// WaitForTimers blocks until at least n timers are pending.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.pending) < n {
		c.changed.Wait()
	}
}

// PendingCount returns how many timers have not fired or been
// stopped.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// addLocked inserts timer keeping pending sorted by deadline. Equal
// deadlines keep registration order.
func (c *FakeClock) addLocked(timer *fakeTimer) {
	index, _ := slices.BinarySearchFunc(c.pending, timer.deadline, func(existing *fakeTimer, deadline time.Time) int {
		if existing.deadline.After(deadline) {
			return 1
		}
		return -1
	})
	c.pending = slices.Insert(c.pending, index, timer)
	c.changed.Broadcast()
}

func (c *FakeClock) removeLocked(timer *fakeTimer) bool {
	index := slices.Index(c.pending, timer)
	if index < 0 {
		return false
	}
	c.pending = slices.Delete(c.pending, index, index+1)
	return true
}
