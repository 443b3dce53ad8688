// Copyright 2020 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ksync

import (
	"sync/atomic"

	"v.io/x/ksync/host"
)

// A Mutex is a non-reentrant exclusive lock built from the host's reentrant
// critical section.  The backing lock is allocated lazily on first use and
// shared by all acquisition paths of this Mutex; a held flag downgrades it
// to a non-reentrant contract, so a second acquisition from the holder
// panics instead of silently succeeding.  Cond depends on that contract: the
// external mutex of a wait must be released and re-acquired exactly once per
// wait cycle.
//
// The zero value is valid, unlocked, and bound to the process-default
// provider.  A Mutex must not be copied after first use.
type Mutex struct {
	prov    host.Provider
	backing atomic.Pointer[ReentrantLock]
	held    bool // only touched while the backing lock is engaged
}

// NewMutex returns a Mutex whose host objects come from p.  A nil p selects
// the process-default provider.
func NewMutex(p host.Provider) *Mutex {
	return &Mutex{prov: p}
}

// backingLock returns the backing reentrant lock, creating and publishing it
// on first use.  The loser of a publication race destroys its throwaway
// allocation and adopts the winner's; exactly one backing lock survives.
func (m *Mutex) backingLock() *ReentrantLock {
	if l := m.backing.Load(); l != nil {
		return l
	}
	l := new(ReentrantLock)
	l.init(pick(m.prov))
	if m.backing.CompareAndSwap(nil, l) {
		return l
	}
	l.Destroy()
	return m.backing.Load()
}

// Lock blocks until m is acquired.  Locking a Mutex already held by the
// caller panics.
func (m *Mutex) Lock() {
	l := m.backingLock()
	l.Lock()
	if !m.flagHeld() {
		l.Unlock()
		panic("ksync: cannot recursively lock a mutex")
	}
}

// TryLock acquires m without blocking and reports whether it succeeded.  It
// returns false, without side effects, both when another goroutine holds m
// and when the caller already does.
func (m *Mutex) TryLock() bool {
	l := m.backingLock()
	if !l.TryLock() {
		return false
	}
	if !m.flagHeld() {
		l.Unlock()
		return false
	}
	return true
}

// Unlock releases m.  It must be called exactly once per successful
// acquisition, by the acquirer.  The held flag is cleared before the backing
// lock is released so that it is never true while m is free.
func (m *Mutex) Unlock() {
	m.held = false
	m.backingLock().Unlock()
}

// AssertHeld panics if the caller does not hold m.
func (m *Mutex) AssertHeld() {
	if !m.held {
		panic("ksync: Mutex not held")
	}
}

// Destroy releases the backing lock if it was ever created; a Mutex that was
// never locked has nothing to release.  No acquisition may be outstanding,
// and m must not be used afterwards.
func (m *Mutex) Destroy() {
	if l := m.backing.Load(); l != nil {
		l.Destroy()
	}
}

// flagHeld marks m held, or reports that it already was.
func (m *Mutex) flagHeld() bool {
	if m.held {
		return false
	}
	m.held = true
	return true
}
