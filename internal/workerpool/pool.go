// Package workerpool implements the data-collector pool (§5): bounded
// total concurrency with two submission modes — normal (any worker)
// and serialized-by-key (all tasks sharing a key run in order, one at
// a time), used to keep SNMP requests to the same target from
// overlapping (§4.3).
package workerpool

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Pool bounds total in-flight tasks at the configured maximum and
// exposes a keyed lane abstraction for serialized submission.
type Pool struct {
	sem *semaphore.Weighted
	wg  sync.WaitGroup

	mu    sync.Mutex
	lanes map[string]*lane
}

type lane struct {
	mu    sync.Mutex
	tasks []func()
	busy  bool
}

// New creates a pool bounded at maxConcurrency. minConcurrency is
// accepted for parity with the spec's [min,max] pool-size contract;
// a semaphore-backed pool has no need to pre-warm workers, so it is
// only used for validation.
func New(minConcurrency, maxConcurrency int) *Pool {
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	if minConcurrency > maxConcurrency {
		minConcurrency = maxConcurrency
	}
	return &Pool{
		sem:   semaphore.NewWeighted(int64(maxConcurrency)),
		lanes: make(map[string]*lane),
	}
}

// Submit runs fn on any free worker, subject to the pool's overall
// concurrency bound.
func (p *Pool) Submit(fn func()) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.sem.Acquire(context.Background(), 1); err != nil {
			return
		}
		defer p.sem.Release(1)
		fn()
	}()
}

// SubmitKeyed runs fn after every previously submitted task sharing
// key has completed, preserving per-key order (§4.3 "serialized pool
// keyed by SNMP target GUID"), while still counting against the
// pool's overall concurrency bound.
func (p *Pool) SubmitKeyed(key string, fn func()) {
	p.mu.Lock()
	l, ok := p.lanes[key]
	if !ok {
		l = &lane{}
		p.lanes[key] = l
	}
	l.mu.Lock()
	l.tasks = append(l.tasks, fn)
	shouldStart := !l.busy
	if shouldStart {
		l.busy = true
	}
	l.mu.Unlock()
	p.mu.Unlock()

	if shouldStart {
		p.Submit(func() { p.drainLane(key, l) })
	}
}

func (p *Pool) drainLane(key string, l *lane) {
	for {
		l.mu.Lock()
		if len(l.tasks) == 0 {
			l.busy = false
			l.mu.Unlock()
			return
		}
		task := l.tasks[0]
		l.tasks = l.tasks[1:]
		l.mu.Unlock()

		task()
	}
}

// Wait blocks until every submitted task has returned. Intended for
// tests and for supervisor shutdown after the sentinel has been sent
// to every feeder queue.
func (p *Pool) Wait() {
	p.wg.Wait()
}
