// Copyright 2020 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package gohost implements the host capability surface with process-local
// goroutine primitives.  Semaphores and auto-reset events are token channels;
// manual-reset events are gate channels that are closed while the event is
// set; the recursive lock tracks its owning goroutine by id.
package gohost

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/petermattis/goid"

	"v.io/x/ksync/host"
)

type provider struct{}

// New returns the process-local host.Provider.  It is stateless; all state
// lives in the objects it creates.
func New() host.Provider { return provider{} }

// ----------------------------------------------------------------
// Counting semaphore.

// A semaphore holds one token per unit of count.  The channel's capacity is
// the maximum count.  releaseMu serializes Release calls; waits only ever
// remove tokens, so a capacity check made under it stays valid while the
// tokens are sent.
type semaphore struct {
	releaseMu sync.Mutex
	tokens    chan struct{}
}

func (provider) NewSemaphore(initial, max int) (host.Semaphore, error) {
	if max <= 0 || initial < 0 || initial > max {
		return nil, fmt.Errorf("gohost: invalid semaphore counts initial=%d max=%d", initial, max)
	}
	s := &semaphore{tokens: make(chan struct{}, max)}
	for i := 0; i < initial; i++ {
		s.tokens <- struct{}{}
	}
	return s, nil
}

func (s *semaphore) Wait(timeoutMillis uint32) host.WaitResult {
	switch timeoutMillis {
	case host.Infinite:
		<-s.tokens
		return host.Signaled
	case 0:
		select {
		case <-s.tokens:
			return host.Signaled
		default:
			return host.TimedOut
		}
	}
	t := time.NewTimer(time.Duration(timeoutMillis) * time.Millisecond)
	defer t.Stop()
	select {
	case <-s.tokens:
		return host.Signaled
	case <-t.C:
		return host.TimedOut
	}
}

// Release adds n tokens, all or nothing: if the count would exceed the
// maximum no token is added and an error is returned.
func (s *semaphore) Release(n int) error {
	if n < 1 {
		return fmt.Errorf("gohost: invalid semaphore release count %d", n)
	}
	s.releaseMu.Lock()
	defer s.releaseMu.Unlock()
	if len(s.tokens)+n > cap(s.tokens) {
		return errors.New("gohost: semaphore count would exceed maximum")
	}
	for i := 0; i < n; i++ {
		s.tokens <- struct{}{}
	}
	return nil
}

func (s *semaphore) Close() error { return nil }

// ----------------------------------------------------------------
// Events.

// waitable is the provider-private face of an event used by WaitAny.
type waitable interface {
	host.Event
	// waitChan returns a channel that a receive completes on while the
	// event is signaled.  For an auto-reset event the receive consumes
	// the signal.
	waitChan() <-chan struct{}
	// poll consumes the signal without blocking and reports whether the
	// event was signaled.
	poll() bool
	// unconsume undoes a consuming wakeup; a no-op for manual-reset
	// events, whose signals are never consumed by waiting.
	unconsume()
}

func (provider) NewEvent(manualReset, initiallySet bool) (host.Event, error) {
	if manualReset {
		e := &manualEvent{gate: make(chan struct{})}
		if initiallySet {
			e.set = true
			close(e.gate)
		}
		return e, nil
	}
	e := &autoEvent{token: make(chan struct{}, 1)}
	if initiallySet {
		e.token <- struct{}{}
	}
	return e, nil
}

// An autoEvent releases exactly one waiter per Set.  Setting an already-set
// event is a no-op, as with the kernel object.
type autoEvent struct {
	token chan struct{}
}

func (e *autoEvent) Set() error {
	select {
	case e.token <- struct{}{}:
	default:
	}
	return nil
}

func (e *autoEvent) Reset() error {
	select {
	case <-e.token:
	default:
	}
	return nil
}

func (e *autoEvent) Close() error { return nil }

func (e *autoEvent) waitChan() <-chan struct{} { return e.token }

func (e *autoEvent) poll() bool {
	select {
	case <-e.token:
		return true
	default:
		return false
	}
}

func (e *autoEvent) unconsume() {
	select {
	case e.token <- struct{}{}:
	default:
	}
}

// A manualEvent stays signaled until Reset, releasing every waiter.  The gate
// channel is closed while the event is set and replaced on Reset.
type manualEvent struct {
	mu   sync.Mutex
	set  bool
	gate chan struct{}
}

func (e *manualEvent) Set() error {
	e.mu.Lock()
	if !e.set {
		e.set = true
		close(e.gate)
	}
	e.mu.Unlock()
	return nil
}

func (e *manualEvent) Reset() error {
	e.mu.Lock()
	if e.set {
		e.set = false
		e.gate = make(chan struct{})
	}
	e.mu.Unlock()
	return nil
}

func (e *manualEvent) Close() error { return nil }

func (e *manualEvent) waitChan() <-chan struct{} {
	e.mu.Lock()
	g := e.gate
	e.mu.Unlock()
	return g
}

func (e *manualEvent) poll() bool {
	e.mu.Lock()
	s := e.set
	e.mu.Unlock()
	return s
}

func (e *manualEvent) unconsume() {}

// WaitAny implements the multi-object wait.  Satisfaction priority goes to
// the lowest index: the events are polled in order before blocking, and a
// blocking wakeup on a later event re-polls the earlier ones, restoring the
// later event's signal if an earlier one wins.
func (provider) WaitAny(events []host.Event, timeoutMillis uint32) (int, host.WaitResult) {
	ws := make([]waitable, len(events))
	for i, ev := range events {
		w, ok := ev.(waitable)
		if !ok {
			panic(fmt.Sprintf("gohost: WaitAny on foreign event type %T", ev))
		}
		ws[i] = w
	}

	for i, w := range ws {
		if w.poll() {
			return i, host.Signaled
		}
	}
	if timeoutMillis == 0 {
		return -1, host.TimedOut
	}

	cases := make([]reflect.SelectCase, len(ws), len(ws)+1)
	for i, w := range ws {
		cases[i] = reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(w.waitChan())}
	}
	if timeoutMillis != host.Infinite {
		t := time.NewTimer(time.Duration(timeoutMillis) * time.Millisecond)
		defer t.Stop()
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(t.C)})
	}

	chosen, _, _ := reflect.Select(cases)
	if chosen == len(ws) {
		return -1, host.TimedOut
	}
	for i := 0; i < chosen; i++ {
		if ws[i].poll() {
			ws[chosen].unconsume()
			return i, host.Signaled
		}
	}
	return chosen, host.Signaled
}

// ----------------------------------------------------------------
// Recursive lock.

// A recursiveLock is a reentrant critical section owned by a goroutine.  The
// wake channel holds at most one token, so a Leave that races with a blocked
// Enter is never lost.
type recursiveLock struct {
	mu    sync.Mutex
	owner int64
	depth int
	wake  chan struct{}
}

func (provider) NewRecursiveLock() (host.RecursiveLock, error) {
	return &recursiveLock{wake: make(chan struct{}, 1)}, nil
}

func (l *recursiveLock) Enter() {
	me := goid.Get()
	for {
		l.mu.Lock()
		if l.depth == 0 || l.owner == me {
			l.owner = me
			l.depth++
			l.mu.Unlock()
			return
		}
		l.mu.Unlock()
		<-l.wake
	}
}

func (l *recursiveLock) TryEnter() bool {
	me := goid.Get()
	l.mu.Lock()
	ok := l.depth == 0 || l.owner == me
	if ok {
		l.owner = me
		l.depth++
	}
	l.mu.Unlock()
	return ok
}

func (l *recursiveLock) Leave() {
	l.mu.Lock()
	if l.depth == 0 || l.owner != goid.Get() {
		l.mu.Unlock()
		panic("gohost: Leave of a recursive lock not held by the caller")
	}
	l.depth--
	if l.depth == 0 {
		l.owner = 0
	}
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *recursiveLock) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.depth != 0 {
		return errors.New("gohost: recursive lock closed while held")
	}
	return nil
}
