// Copyright 2020 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ksync implements mutual-exclusion and condition-variable
// primitives for hosts that supply only a counting semaphore, auto- and
// manual-reset event objects, and a reentrant critical section.  It provides
// a non-reentrant Mutex, an exclusive-only RWMutex emulation, and a Cond
// built from those kernel objects with a hand-rolled wait/notify state
// machine.
//
// The host objects are consumed through the host.Provider capability
// interface; the gohost subpackage supplies a process-local implementation,
// used by default.
package ksync

import (
	"v.io/x/ksync/host"
	"v.io/x/ksync/host/gohost"
)

// Implementation notes
//
// Mutex and RWMutex share one trick: the host's only blocking lock is
// reentrant, but callers (Cond in particular) depend on a non-reentrant
// contract, so each lock carries a "held" flag that turns a silent recursive
// acquisition into a panic.  The backing reentrant lock is allocated lazily
// and published with a compare-and-swap; the loser of a publication race
// destroys its own allocation, so exactly one backing lock survives no
// matter how many goroutines race on first use.
//
// Cond is the delicate part.  Its single atomic word tracks how many
// goroutines are asleep and whether a wake-one or wake-all is pending, and a
// binary semaphore serializes registration against notification.  That
// semaphore is a baton rather than a lock: a notifier that finds sleepers
// signals the event and returns without releasing the semaphore, leaving the
// release to whichever waiter completes the corresponding cleanup.  The
// goroutine that finishes a critical section is often not the one that began
// it; see Cond.wakeup and Cond.WaitTimeout.

// defaultProvider backs zero-value Mutex and RWMutex values and NewCond(nil).
var defaultProvider = gohost.New()

func pick(p host.Provider) host.Provider {
	if p == nil {
		return defaultProvider
	}
	return p
}
