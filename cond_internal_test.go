// Copyright 2020 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ksync

import "testing"
import "time"

// These tests reach into the Cond state word to verify that every path
// leaves the condvar idle: zero sleepers, no pending wakeup mode.

// TestCondStateIdleAfterTimeout checks that a lone timed-out wait fully
// unwinds the state word.
func TestCondStateIdleAfterTimeout(t *testing.T) {
	var mu Mutex
	cv := NewCond(nil)
	mu.Lock()
	if cv.WaitTimeout(&mu, 30*time.Millisecond) {
		t.Fatalf("lone WaitTimeout reported a wakeup")
	}
	mu.Unlock()
	if word := cv.state.Load(); word != 0 {
		t.Fatalf("state word %#x after a lone timeout, want 0", word)
	}
	cv.Destroy()
}

// TestCondStateIdleAfterSignalNoSleepers checks that a Signal or Broadcast
// with no waiters leaves no stale wakeup behind.
func TestCondStateIdleAfterSignalNoSleepers(t *testing.T) {
	cv := NewCond(nil)
	cv.Signal()
	if word := cv.state.Load(); word != 0 {
		t.Fatalf("state word %#x after Signal with no sleepers, want 0", word)
	}
	cv.Broadcast()
	if word := cv.state.Load(); word != 0 {
		t.Fatalf("state word %#x after Broadcast with no sleepers, want 0", word)
	}
	// The control token must also have been returned: a timed wait on the
	// token-serialized registration path still completes.
	var mu Mutex
	mu.Lock()
	cv.WaitTimeout(&mu, time.Millisecond)
	mu.Unlock()
	if word := cv.state.Load(); word != 0 {
		t.Fatalf("state word %#x after wait, want 0", word)
	}
	cv.Destroy()
}

// TestCondStateIdleAfterBroadcastDrain checks that the last sleeper out of a
// broadcast clears the state word before any new waiter registers.
func TestCondStateIdleAfterBroadcastDrain(t *testing.T) {
	const nWaiters = 3
	var mu Mutex
	cv := NewCond(nil)
	waiting := 0
	finished := make(chan struct{}, nWaiters)

	for i := 0; i != nWaiters; i++ {
		go func() {
			mu.Lock()
			waiting++
			if !cv.WaitTimeout(&mu, 30*time.Second) {
				panic("broadcast waiter timed out")
			}
			mu.Unlock()
			finished <- struct{}{}
		}()
	}
	for {
		mu.Lock()
		w := waiting
		mu.Unlock()
		if w == nWaiters {
			break
		}
		time.Sleep(time.Millisecond)
	}
	cv.Broadcast()
	for i := 0; i != nWaiters; i++ {
		<-finished
	}

	if word := cv.state.Load(); word != 0 {
		t.Fatalf("state word %#x after broadcast drain, want 0", word)
	}
	cv.Destroy()
}
