// Copyright 2020 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ksync

import "v.io/x/ksync/host"

// An RWMutex is a reader/writer lock degraded to exclusive-only semantics:
// hosts with no native reader-writer primitive get a correctness-preserving
// emulation in which read and write acquisitions share the Mutex path and
// readers are serialized.  Its contract to callers is identical to Mutex's;
// in particular recursive read locking panics, unlike sync.RWMutex, because
// the read path is the exclusive path.
//
// The zero value is valid, unlocked, and bound to the process-default
// provider.  An RWMutex must not be copied after first use.
type RWMutex struct {
	w Mutex
}

// NewRWMutex returns an RWMutex whose host objects come from p.  A nil p
// selects the process-default provider.
func NewRWMutex(p host.Provider) *RWMutex {
	return &RWMutex{w: Mutex{prov: p}}
}

// Lock locks rw for writing.
func (rw *RWMutex) Lock() { rw.w.Lock() }

// TryLock locks rw for writing without blocking and reports whether it
// succeeded.
func (rw *RWMutex) TryLock() bool { return rw.w.TryLock() }

// Unlock releases a write acquisition of rw.
func (rw *RWMutex) Unlock() { rw.w.Unlock() }

// RLock locks rw for reading.  Readers exclude one another here; see the
// type comment.
func (rw *RWMutex) RLock() { rw.w.Lock() }

// TryRLock locks rw for reading without blocking and reports whether it
// succeeded.
func (rw *RWMutex) TryRLock() bool { return rw.w.TryLock() }

// RUnlock releases a read acquisition of rw.
func (rw *RWMutex) RUnlock() { rw.w.Unlock() }

// Destroy releases the backing lock if it was ever created.  No acquisition
// may be outstanding, and rw must not be used afterwards.
func (rw *RWMutex) Destroy() { rw.w.Destroy() }
