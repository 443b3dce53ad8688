// Copyright 2020 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package gohost_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"v.io/x/ksync/host"
	"v.io/x/ksync/host/gohost"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestSemaphoreCounts(t *testing.T) {
	p := gohost.New()

	_, err := p.NewSemaphore(-1, 2)
	assert.Error(t, err)
	_, err = p.NewSemaphore(3, 2)
	assert.Error(t, err)
	_, err = p.NewSemaphore(0, 0)
	assert.Error(t, err)

	s, err := p.NewSemaphore(2, 3)
	require.NoError(t, err)

	// Two tokens available, then the count is exhausted.
	assert.Equal(t, host.Signaled, s.Wait(0))
	assert.Equal(t, host.Signaled, s.Wait(0))
	assert.Equal(t, host.TimedOut, s.Wait(0))

	// Release up to the maximum, then overflow.
	require.NoError(t, s.Release(3))
	assert.Error(t, s.Release(1))

	assert.Equal(t, host.Signaled, s.Wait(host.Infinite))
	require.NoError(t, s.Close())
}

func TestSemaphoreReleaseAllOrNothing(t *testing.T) {
	p := gohost.New()
	s, err := p.NewSemaphore(1, 3)
	require.NoError(t, err)

	// An overflowing release must not add a partial increment: exactly the
	// original token remains.
	assert.Error(t, s.Release(3))
	assert.Equal(t, host.Signaled, s.Wait(0))
	assert.Equal(t, host.TimedOut, s.Wait(0))

	require.NoError(t, s.Release(3))
	for i := 0; i != 3; i++ {
		assert.Equal(t, host.Signaled, s.Wait(0))
	}

	assert.Error(t, s.Release(0))
	assert.Error(t, s.Release(-1))
	require.NoError(t, s.Close())
}

func TestSemaphoreTimedWait(t *testing.T) {
	p := gohost.New()
	s, err := p.NewSemaphore(0, 1)
	require.NoError(t, err)

	start := time.Now()
	assert.Equal(t, host.TimedOut, s.Wait(30))
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	// A wait in flight is satisfied by a release.
	done := make(chan host.WaitResult)
	go func() { done <- s.Wait(10000) }()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, s.Release(1))
	assert.Equal(t, host.Signaled, <-done)
}

func TestAutoResetEvent(t *testing.T) {
	p := gohost.New()
	e, err := p.NewEvent(false, false)
	require.NoError(t, err)

	// Unset: a poll-style wait times out.
	idx, res := p.WaitAny([]host.Event{e}, 0)
	assert.Equal(t, host.TimedOut, res)
	assert.Equal(t, -1, idx)

	// Setting twice coalesces into a single signal, which one wait
	// consumes.
	require.NoError(t, e.Set())
	require.NoError(t, e.Set())
	idx, res = p.WaitAny([]host.Event{e}, 0)
	assert.Equal(t, host.Signaled, res)
	assert.Equal(t, 0, idx)
	_, res = p.WaitAny([]host.Event{e}, 0)
	assert.Equal(t, host.TimedOut, res)

	// Reset clears a pending signal.
	require.NoError(t, e.Set())
	require.NoError(t, e.Reset())
	_, res = p.WaitAny([]host.Event{e}, 0)
	assert.Equal(t, host.TimedOut, res)
	require.NoError(t, e.Close())
}

func TestManualResetEvent(t *testing.T) {
	p := gohost.New()
	e, err := p.NewEvent(true, false)
	require.NoError(t, err)

	// A set manual event satisfies any number of waits without being
	// consumed.
	require.NoError(t, e.Set())
	for i := 0; i != 3; i++ {
		idx, res := p.WaitAny([]host.Event{e}, 0)
		assert.Equal(t, host.Signaled, res)
		assert.Equal(t, 0, idx)
	}

	require.NoError(t, e.Reset())
	_, res := p.WaitAny([]host.Event{e}, 0)
	assert.Equal(t, host.TimedOut, res)

	// Blocked waiters are all released by one Set.
	const nWaiters = 3
	done := make(chan host.WaitResult, nWaiters)
	for i := 0; i != nWaiters; i++ {
		go func() {
			_, r := p.WaitAny([]host.Event{e}, 10000)
			done <- r
		}()
	}
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, e.Set())
	for i := 0; i != nWaiters; i++ {
		assert.Equal(t, host.Signaled, <-done)
	}
	require.NoError(t, e.Close())
}

func TestEventInitiallySet(t *testing.T) {
	p := gohost.New()
	for _, manual := range []bool{false, true} {
		e, err := p.NewEvent(manual, true)
		require.NoError(t, err)
		idx, res := p.WaitAny([]host.Event{e}, 0)
		assert.Equal(t, host.Signaled, res, "manual=%v", manual)
		assert.Equal(t, 0, idx, "manual=%v", manual)
	}
}

func TestWaitAnyPriority(t *testing.T) {
	p := gohost.New()
	auto, err := p.NewEvent(false, false)
	require.NoError(t, err)
	manual, err := p.NewEvent(true, false)
	require.NoError(t, err)
	events := []host.Event{auto, manual}

	// Both signaled: the lower index wins and only its signal is
	// consumed; the manual event remains set for the next wait.
	require.NoError(t, auto.Set())
	require.NoError(t, manual.Set())
	idx, res := p.WaitAny(events, 0)
	require.Equal(t, host.Signaled, res)
	assert.Equal(t, 0, idx)

	idx, res = p.WaitAny(events, 0)
	require.Equal(t, host.Signaled, res)
	assert.Equal(t, 1, idx)

	// A blocked wait returns the index of the event that fires.
	require.NoError(t, manual.Reset())
	done := make(chan int)
	go func() {
		i, _ := p.WaitAny(events, 10000)
		done <- i
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, auto.Set())
	assert.Equal(t, 0, <-done)
}

func TestWaitAnyTimeout(t *testing.T) {
	p := gohost.New()
	auto, err := p.NewEvent(false, false)
	require.NoError(t, err)
	manual, err := p.NewEvent(true, false)
	require.NoError(t, err)

	start := time.Now()
	idx, res := p.WaitAny([]host.Event{auto, manual}, 30)
	assert.Equal(t, host.TimedOut, res)
	assert.Equal(t, -1, idx)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestRecursiveLockReentry(t *testing.T) {
	p := gohost.New()
	l, err := p.NewRecursiveLock()
	require.NoError(t, err)

	l.Enter()
	l.Enter()
	assert.True(t, l.TryEnter())

	// Still held until every Enter is balanced.
	assert.Error(t, l.Close())
	l.Leave()
	l.Leave()
	assert.Error(t, l.Close())
	l.Leave()
	require.NoError(t, l.Close())
}

func TestRecursiveLockExcludesOtherGoroutines(t *testing.T) {
	p := gohost.New()
	l, err := p.NewRecursiveLock()
	require.NoError(t, err)

	l.Enter()
	tried := make(chan bool)
	entered := make(chan struct{})
	go func() {
		tried <- l.TryEnter()
		l.Enter()
		close(entered)
		l.Leave()
	}()

	assert.False(t, <-tried)
	select {
	case <-entered:
		t.Fatal("Enter succeeded while another goroutine held the lock")
	case <-time.After(50 * time.Millisecond):
	}
	l.Leave()
	<-entered
	require.NoError(t, l.Close())
}

func TestRecursiveLockLeaveByNonOwnerPanics(t *testing.T) {
	p := gohost.New()
	l, err := p.NewRecursiveLock()
	require.NoError(t, err)

	assert.Panics(t, func() { l.Leave() })

	l.Enter()
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.Panics(t, func() { l.Leave() })
	}()
	<-done
	l.Leave()
}
