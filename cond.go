// Copyright 2020 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ksync

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"v.io/x/ksync/host"
)

// Bits in Cond.state: the low 30 bits count sleepers (goroutines between
// registration and the end of their post-wait bookkeeping); the top two bits
// are the pending wakeup mode.  The mode is never anything but none while
// the sleeper count is zero and the condvar is idle.
const (
	wakeModeNone = uint32(0)
	wakeModeOne  = uint32(1) << 30
	wakeModeAll  = uint32(1) << 31
	wakeModeMask = wakeModeOne | wakeModeAll
	sleeperMask  = ^wakeModeMask
)

// waitForever converts to host.Infinite in TimeoutMillis; Wait is
// WaitTimeout with this duration.
const waitForever = time.Duration(math.MaxInt64)

// A Cond is a condition variable in the style of Mesa and sync.Cond, built
// from one counting semaphore and two event objects.  The semaphore, with
// initial and maximum count 1, is the control token: it serializes waiter
// registration against notification, and doubles as the baton by which a
// notifier hands the cleanup of a pending wakeup to a waiter.  The
// auto-reset event carries Signal wakeups, the manual-reset event Broadcast
// wakeups.
//
// A Cond is always used with an externally supplied Locker, held by the
// caller across the predicate test and the wait:
//
//	mu.Lock()
//	for !predicate() {
//		cv.Wait(&mu)
//	}
//	// predicate is true, mu is held
//	mu.Unlock()
//
// As with all Mesa-style condition variables the wait belongs in a loop:
// there is no guarantee which waiter a Signal wakes, and a waiter that times
// out must re-test its predicate.  Signal and Broadcast never touch the
// external Locker.
type Cond struct {
	state   atomic.Uint32
	token   host.Semaphore
	wakeOne host.Event
	wakeAll host.Event
	prov    host.Provider
}

// NewCond creates a Cond whose host objects come from p.  A nil p selects
// the process-default provider.  It panics if the host refuses to create any
// of the three objects.
func NewCond(p host.Provider) *Cond {
	p = pick(p)
	token, err := p.NewSemaphore(1, 1)
	if err != nil {
		panic("ksync: host refused to create the control token: " + err.Error())
	}
	one, err := p.NewEvent(false, false)
	if err != nil {
		panic("ksync: host refused to create the wake-one event: " + err.Error())
	}
	all, err := p.NewEvent(true, false)
	if err != nil {
		panic("ksync: host refused to create the wake-all event: " + err.Error())
	}
	return &Cond{token: token, wakeOne: one, wakeAll: all, prov: p}
}

// Wait atomically releases mu and blocks the calling goroutine on c until a
// Signal or Broadcast wakes it, then reacquires mu before returning.  mu
// must be held on entry.
func (c *Cond) Wait(mu sync.Locker) {
	c.WaitTimeout(mu, waitForever)
}

// WaitTimeout is Wait with a timeout: it returns false if the wait ended
// because d elapsed, true otherwise.  mu is reacquired before returning in
// either case, so callers re-test their predicate and may simply retry.
func (c *Cond) WaitTimeout(mu sync.Locker, d time.Duration) bool {
	// Registration is serialized by the control token, not by mu.  A
	// wakeup may only be pending while someone is asleep, so after the
	// increment the mode must be none.
	c.acquireToken()
	word := c.state.Add(1)
	if word&wakeModeMask != wakeModeNone {
		panic("ksync: waiter registered while a wakeup is pending")
	}
	c.releaseToken()

	mu.Unlock()

	timeout := host.TimeoutMillis(d)
	idx, res := c.prov.WaitAny([]host.Event{c.wakeOne, c.wakeAll}, timeout)
	wokeOne := res == host.Signaled && idx == 0

	// A wake-one wakeup consumed the pending one-notify credit along with
	// this sleeper's registration; every other outcome undoes the
	// registration only.
	sub := uint32(1)
	if wokeOne {
		sub = 1 | wakeModeOne
	}
	word = c.state.Add(^(sub - 1))
	mode := word & wakeModeMask
	sleepers := word & sleeperMask

	// Decide whether this goroutine now holds the baton and must return
	// the control token once the pending transition is complete.
	releaseToken := false
	switch {
	case wokeOne:
		// Consumed the credit; the notifier left the token to us.
		releaseToken = true
	case res == host.TimedOut && mode == wakeModeOne && sleepers == 0:
		// A notifier raced with the last waiter timing out and its
		// credit was never consumed; clear the stale credit.
		c.resetEvent(c.wakeOne)
		c.state.Store(wakeModeNone)
		releaseToken = true
	case mode == wakeModeAll && sleepers == 0:
		// Last sleeper out of a broadcast drains it, however it woke.
		c.resetEvent(c.wakeAll)
		c.state.Store(wakeModeNone)
		releaseToken = true
	case res == host.TimedOut && timeout != host.Infinite,
		res == host.Signaled && idx == 1 && mode == wakeModeAll:
		// Some other sleeper is destined to perform the cleanup.
	default:
		panic("ksync: invalid wakeup condition")
	}

	if releaseToken {
		c.releaseToken()
	}

	mu.Lock()
	return res != host.TimedOut
}

// Signal wakes one goroutine blocked on c, if there is one.
func (c *Cond) Signal() {
	c.wakeup(wakeModeOne, c.wakeOne)
}

// Broadcast wakes every goroutine currently blocked on c.
func (c *Cond) Broadcast() {
	c.wakeup(wakeModeAll, c.wakeAll)
}

// wakeup publishes a pending wakeup of the given mode.  If there are
// sleepers the event is signaled and the control token is deliberately not
// released: responsibility for clearing the state word, resetting the event
// and returning the token transfers to whichever waiter runs the matching
// cleanup branch of WaitTimeout.  With no sleepers there is nothing to hand
// off, so the word is cleared and the token returned here.
//
// Every reachable state must leave exactly one party destined to return the
// token.  That invariant is assumed rather than proven; the invalid-wakeup
// panic in WaitTimeout and the stress tests are its guards.
func (c *Cond) wakeup(mode uint32, ev host.Event) {
	c.acquireToken()
	sleepers := (c.state.Add(mode) - mode) & sleeperMask
	if sleepers > 0 {
		if err := ev.Set(); err != nil {
			panic("ksync: host failed to signal an event: " + err.Error())
		}
		return // token handed off
	}
	c.state.Store(wakeModeNone)
	c.releaseToken()
}

// Destroy releases c's host objects.  No goroutine may be waiting on c or
// still inside its post-wait bookkeeping, and c must not be used afterwards.
func (c *Cond) Destroy() {
	if c.state.Load() != 0 {
		panic("ksync: condition variable destroyed while in use")
	}
	if err := c.token.Close(); err != nil {
		panic("ksync: failed to destroy the control token: " + err.Error())
	}
	if err := c.wakeOne.Close(); err != nil {
		panic("ksync: failed to destroy the wake-one event: " + err.Error())
	}
	if err := c.wakeAll.Close(); err != nil {
		panic("ksync: failed to destroy the wake-all event: " + err.Error())
	}
}

func (c *Cond) acquireToken() {
	if c.token.Wait(host.Infinite) != host.Signaled {
		panic("ksync: control token wait failed")
	}
}

func (c *Cond) releaseToken() {
	if err := c.token.Release(1); err != nil {
		panic("ksync: control token release failed: " + err.Error())
	}
}

func (c *Cond) resetEvent(ev host.Event) {
	if err := ev.Reset(); err != nil {
		panic("ksync: host failed to reset an event: " + err.Error())
	}
}
