// Copyright 2020 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ksync

import "v.io/x/ksync/host"

// A ReentrantLock is a thin wrapper over the host's reentrant critical
// section.  The goroutine holding it may lock it again without deadlocking;
// each Lock or successful TryLock must be balanced by an Unlock from the
// same goroutine.  It exists mostly as the backing primitive for Mutex and
// RWMutex, which layer a non-reentrant contract on top.
type ReentrantLock struct {
	h host.RecursiveLock
}

// NewReentrantLock creates a ReentrantLock whose host object comes from p.
// A nil p selects the process-default provider.  It panics if the host
// refuses to create the object.
func NewReentrantLock(p host.Provider) *ReentrantLock {
	l := new(ReentrantLock)
	l.init(pick(p))
	return l
}

// init creates the host handle.  It is separate from allocation so that a
// lock embedded behind a not-yet-published backing slot can exist before its
// handle does.
func (l *ReentrantLock) init(p host.Provider) {
	h, err := p.NewRecursiveLock()
	if err != nil {
		panic("ksync: host refused to create a recursive lock: " + err.Error())
	}
	l.h = h
}

// Lock blocks until l is acquired.  Re-acquisition by the holder succeeds.
func (l *ReentrantLock) Lock() { l.h.Enter() }

// TryLock acquires l without blocking and reports whether it succeeded.
func (l *ReentrantLock) TryLock() bool { return l.h.TryEnter() }

// Unlock releases one acquisition of l.
func (l *ReentrantLock) Unlock() { l.h.Leave() }

// Destroy releases the host handle.  The lock must not be held, and must not
// be used afterwards.
func (l *ReentrantLock) Destroy() {
	if err := l.h.Close(); err != nil {
		panic("ksync: destroy of a held recursive lock: " + err.Error())
	}
}
