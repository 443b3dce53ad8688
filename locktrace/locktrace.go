// Copyright 2020 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package locktrace provides instrumented wrappers around the ksync locks
// for debugging contention: acquisitions that wait too long and critical
// sections that run too long are counted and logged.  The wrappers present
// the same contract as the locks they wrap; the cost is two clock reads per
// acquisition.
package locktrace

import (
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"v.io/x/lib/vlog"

	"v.io/x/ksync"
	"v.io/x/ksync/host"
)

// DefaultThreshold is the wait or hold duration above which an acquisition
// is reported when no explicit threshold is given.
const DefaultThreshold = 100 * time.Millisecond

// A tracker accumulates slow-path statistics for one acquisition kind.
type tracker struct {
	name      string
	kind      string
	threshold time.Duration
	clock     clockwork.Clock
	slowWaits atomic.Int64
	slowHolds atomic.Int64
}

func newTracker(name, kind string, threshold time.Duration, clock clockwork.Clock) tracker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return tracker{name: name, kind: kind, threshold: threshold, clock: clock}
}

func (tr *tracker) acquireStart() time.Time { return tr.clock.Now() }

func (tr *tracker) acquired(start time.Time) time.Time {
	if waited := tr.clock.Since(start); waited > tr.threshold {
		tr.slowWaits.Add(1)
		vlog.VI(1).Infof("locktrace: %s: %s acquired after waiting %v", tr.name, tr.kind, waited)
	}
	return tr.clock.Now()
}

func (tr *tracker) releasing(acquired time.Time) {
	if held := tr.clock.Since(acquired); held > tr.threshold {
		tr.slowHolds.Add(1)
		vlog.VI(1).Infof("locktrace: %s: %s held for %v", tr.name, tr.kind, held)
	}
}

// A Mutex is a ksync.Mutex that reports slow acquisitions and long holds.
type Mutex struct {
	tr       tracker
	acquired time.Time // only touched while the lock is held
	mu       *ksync.Mutex
}

// NewMutex returns an instrumented Mutex named name.  A non-positive
// threshold selects DefaultThreshold; a nil provider selects the
// process-default one.
func NewMutex(name string, threshold time.Duration, p host.Provider) *Mutex {
	return &Mutex{
		tr: newTracker(name, "lock", threshold, clockwork.NewRealClock()),
		mu: ksync.NewMutex(p),
	}
}

// Lock blocks until m is acquired.
func (m *Mutex) Lock() {
	start := m.tr.acquireStart()
	m.mu.Lock()
	m.acquired = m.tr.acquired(start)
}

// TryLock acquires m without blocking and reports whether it succeeded.
func (m *Mutex) TryLock() bool {
	if !m.mu.TryLock() {
		return false
	}
	m.acquired = m.tr.clock.Now()
	return true
}

// Unlock releases m.
func (m *Mutex) Unlock() {
	m.tr.releasing(m.acquired)
	m.mu.Unlock()
}

// SlowWaits returns the number of acquisitions that waited longer than the
// threshold.
func (m *Mutex) SlowWaits() int64 { return m.tr.slowWaits.Load() }

// SlowHolds returns the number of critical sections that ran longer than the
// threshold.
func (m *Mutex) SlowHolds() int64 { return m.tr.slowHolds.Load() }

// An RWMutex is a ksync.RWMutex that reports slow acquisitions and long
// holds, with read and write paths accounted separately.  Like the lock it
// wraps, readers exclude one another.
type RWMutex struct {
	read     tracker
	write    tracker
	acquired time.Time // only touched while the lock is held
	rw       *ksync.RWMutex
}

// NewRWMutex returns an instrumented RWMutex named name.  A non-positive
// threshold selects DefaultThreshold; a nil provider selects the
// process-default one.
func NewRWMutex(name string, threshold time.Duration, p host.Provider) *RWMutex {
	clock := clockwork.NewRealClock()
	return &RWMutex{
		read:  newTracker(name, "read lock", threshold, clock),
		write: newTracker(name, "write lock", threshold, clock),
		rw:    ksync.NewRWMutex(p),
	}
}

// Lock locks rw for writing.
func (rw *RWMutex) Lock() {
	start := rw.write.acquireStart()
	rw.rw.Lock()
	rw.acquired = rw.write.acquired(start)
}

// Unlock releases a write acquisition of rw.
func (rw *RWMutex) Unlock() {
	rw.write.releasing(rw.acquired)
	rw.rw.Unlock()
}

// RLock locks rw for reading.
func (rw *RWMutex) RLock() {
	start := rw.read.acquireStart()
	rw.rw.RLock()
	rw.acquired = rw.read.acquired(start)
}

// RUnlock releases a read acquisition of rw.
func (rw *RWMutex) RUnlock() {
	rw.read.releasing(rw.acquired)
	rw.rw.RUnlock()
}

// SlowWaits returns the slow-acquisition counts for the read and write
// paths.
func (rw *RWMutex) SlowWaits() (read, write int64) {
	return rw.read.slowWaits.Load(), rw.write.slowWaits.Load()
}

// SlowHolds returns the long-hold counts for the read and write paths.
func (rw *RWMutex) SlowHolds() (read, write int64) {
	return rw.read.slowHolds.Load(), rw.write.slowHolds.Load()
}
