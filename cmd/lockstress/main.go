// Copyright 2020 The Vanadium Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command lockstress hammers the ksync primitives from many goroutines and
// verifies that no update is lost.  It exists to shake out wakeup races on a
// real scheduler, outside the test harness.
package main

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"v.io/x/lib/cmdline"
	"v.io/x/lib/vlog"

	"v.io/x/ksync"
	"v.io/x/ksync/locktrace"
)

func main() {
	cmdline.Main(cmdLockStress)
}

var cmdLockStress = &cmdline.Command{
	Name:  "lockstress",
	Short: "stress tests the ksync locks and condition variables",
	Long: `
Command lockstress runs concurrency workloads against the ksync primitives
and checks their results for lost updates.
`,
	Children: []*cmdline.Command{cmdCount, cmdQueue},
}

var cmdCount = &cmdline.Command{
	Runner: cmdline.RunnerFunc(runCount),
	Name:   "count",
	Short:  "increments a shared counter under a mutex",
	Long: `
Command count starts a set of goroutines that each increment a shared counter
a fixed number of times while holding a single mutex, then checks that the
final value equals goroutines times iterations.
`,
}

var cmdQueue = &cmdline.Command{
	Runner: cmdline.RunnerFunc(runQueue),
	Name:   "queue",
	Short:  "moves items through a bounded queue",
	Long: `
Command queue runs producers and consumers against a bounded in-memory queue
guarded by a mutex and two condition variables, then checks that every item
produced was consumed exactly once.
`,
}

var (
	flagGoroutines int
	flagIterations int
	flagTrace      bool
	flagThreshold  time.Duration

	flagProducers int
	flagConsumers int
	flagItems     int
	flagLimit     int
)

func init() {
	cmdCount.Flags.IntVar(&flagGoroutines, "goroutines", 8, "Number of goroutines contending for the mutex.")
	cmdCount.Flags.IntVar(&flagIterations, "iterations", 100000, "Increments performed by each goroutine.")
	cmdCount.Flags.BoolVar(&flagTrace, "trace", false, "Run under an instrumented mutex and report slow acquisitions.")
	cmdCount.Flags.DurationVar(&flagThreshold, "threshold", locktrace.DefaultThreshold, "Wait or hold duration considered slow when tracing.")

	cmdQueue.Flags.IntVar(&flagProducers, "producers", 4, "Number of producer goroutines.")
	cmdQueue.Flags.IntVar(&flagConsumers, "consumers", 4, "Number of consumer goroutines.")
	cmdQueue.Flags.IntVar(&flagItems, "items", 50000, "Items pushed by each producer.")
	cmdQueue.Flags.IntVar(&flagLimit, "limit", 64, "Queue capacity.")
}

func runCount(env *cmdline.Env, args []string) error {
	var (
		mu     sync.Locker
		traced *locktrace.Mutex
		count  int
	)
	if flagTrace {
		traced = locktrace.NewMutex("lockstress.count", flagThreshold, nil)
		mu = traced
	} else {
		mu = ksync.NewMutex(nil)
	}

	start := time.Now()
	var g errgroup.Group
	for i := 0; i != flagGoroutines; i++ {
		g.Go(func() error {
			for j := 0; j != flagIterations; j++ {
				mu.Lock()
				count++
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	want := flagGoroutines * flagIterations
	if count != want {
		return fmt.Errorf("lost updates: counted %d, want %d", count, want)
	}
	fmt.Fprintf(env.Stdout, "%d increments by %d goroutines in %v\n", count, flagGoroutines, elapsed)
	if traced != nil {
		fmt.Fprintf(env.Stdout, "slow waits: %d, slow holds: %d\n", traced.SlowWaits(), traced.SlowHolds())
	}
	return nil
}

// A stressQueue is a bounded FIFO of ints guarded by a mutex and a pair of
// condition variables.
type stressQueue struct {
	mu       ksync.Mutex
	items    []int
	limit    int
	nonEmpty *ksync.Cond
	nonFull  *ksync.Cond
}

func newStressQueue(limit int) *stressQueue {
	return &stressQueue{
		limit:    limit,
		nonEmpty: ksync.NewCond(nil),
		nonFull:  ksync.NewCond(nil),
	}
}

func (q *stressQueue) put(v int) {
	q.mu.Lock()
	for len(q.items) == q.limit {
		q.nonFull.Wait(&q.mu)
	}
	q.items = append(q.items, v)
	q.nonEmpty.Signal()
	q.mu.Unlock()
}

// get removes and returns the oldest item.  It returns false once total items
// have been consumed overall, using *consumed as the shared tally.
func (q *stressQueue) get(consumed *int, total int) (int, bool) {
	q.mu.Lock()
	for len(q.items) == 0 && *consumed != total {
		q.nonEmpty.Wait(&q.mu)
	}
	if *consumed == total {
		q.mu.Unlock()
		return 0, false
	}
	v := q.items[0]
	q.items = q.items[1:]
	*consumed++
	if *consumed == total {
		// Wake every consumer parked on an empty queue so they can exit.
		q.nonEmpty.Broadcast()
	}
	q.nonFull.Signal()
	q.mu.Unlock()
	return v, true
}

func runQueue(env *cmdline.Env, args []string) error {
	q := newStressQueue(flagLimit)
	total := flagProducers * flagItems
	var consumed int
	sums := make([]int64, flagConsumers)

	start := time.Now()
	var g errgroup.Group
	for i := 0; i != flagProducers; i++ {
		i := i
		g.Go(func() error {
			for j := 0; j != flagItems; j++ {
				q.put(i*flagItems + j)
			}
			vlog.VI(1).Infof("producer %d done", i)
			return nil
		})
	}
	for i := 0; i != flagConsumers; i++ {
		i := i
		g.Go(func() error {
			for {
				v, ok := q.get(&consumed, total)
				if !ok {
					vlog.VI(1).Infof("consumer %d done", i)
					return nil
				}
				sums[i] += int64(v)
			}
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	var sum int64
	for _, s := range sums {
		sum += s
	}
	// Items are 0..total-1, each consumed exactly once.
	want := int64(total) * int64(total-1) / 2
	if sum != want {
		return fmt.Errorf("item checksum mismatch: got %d, want %d", sum, want)
	}
	fmt.Fprintf(env.Stdout, "%d items through a %d-slot queue in %v\n", total, flagLimit, elapsed)
	return nil
}
