// Copyright 2020 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package host defines the kernel-object capability surface consumed by the
// ksync primitives: a counting semaphore, auto- and manual-reset events, a
// reentrant critical section, and a multi-object wait.  The interfaces mirror
// the classic Windows kernel objects (CreateSemaphore, CreateEvent,
// CRITICAL_SECTION, WaitForMultipleObjects), but any process-local
// implementation with the same semantics will do; see the gohost subpackage
// for the default one.
package host

import "time"

// A WaitResult reports how a blocking wait ended.
type WaitResult int

const (
	// Signaled means the wait was satisfied by an object.
	Signaled WaitResult = iota
	// TimedOut means the timeout elapsed before any object was signaled.
	TimedOut
)

// Infinite is the timeout sentinel accepted by Semaphore.Wait and
// Provider.WaitAny: the wait never times out.
const Infinite = ^uint32(0)

// TimeoutMillis converts a duration to the host's millisecond timeout
// representation.  Non-positive durations become 0 (a pure poll),
// sub-millisecond remainders round up so a wait never returns early, and
// durations too large for the representation become Infinite.
func TimeoutMillis(d time.Duration) uint32 {
	if d <= 0 {
		return 0
	}
	ms := d / time.Millisecond
	if d%time.Millisecond != 0 {
		ms++
	}
	if ms >= time.Duration(Infinite) {
		return Infinite
	}
	return uint32(ms)
}

// A Semaphore is a counting semaphore.  Wait decrements the count, blocking
// while it is zero; Release increments it, failing if the count would exceed
// the maximum the semaphore was created with.
type Semaphore interface {
	Wait(timeoutMillis uint32) WaitResult
	Release(n int) error
	Close() error
}

// An Event is a waitable boolean flag.  Set signals the event; Reset returns
// it to the unsignaled state.  An auto-reset event releases exactly one
// waiter per Set and resets itself as it does so; a manual-reset event
// releases every waiter, current and future, until it is explicitly Reset.
// Events are waited on through Provider.WaitAny.
type Event interface {
	Set() error
	Reset() error
	Close() error
}

// A RecursiveLock is a reentrant critical section.  The goroutine holding it
// may re-enter any number of times; each Enter must be balanced by a Leave.
type RecursiveLock interface {
	Enter()
	TryEnter() bool
	Leave()
	Close() error
}

// A Provider supplies the kernel synchronization objects and the multi-object
// wait over its own events.
type Provider interface {
	NewSemaphore(initial, max int) (Semaphore, error)
	NewEvent(manualReset, initiallySet bool) (Event, error)
	NewRecursiveLock() (RecursiveLock, error)

	// WaitAny blocks until one of events is signaled or timeoutMillis
	// elapses.  It returns the index of the satisfying event and Signaled,
	// or -1 and TimedOut.  When several events are signaled at the same
	// instant the lowest index wins, and only the returned event's signal
	// is consumed.  All events must have been created by this provider.
	WaitAny(events []Event, timeoutMillis uint32) (int, WaitResult)
}
