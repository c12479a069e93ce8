// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import "sync"

// callbackQueue runs user callbacks one at a time, in the order they were
// raised, on a goroutine that never holds client locks.
type callbackQueue struct {
	mu      sync.Mutex
	queue   []func()
	signal  chan struct{}
	started bool
	closed  bool
	done    chan struct{}
}

func newCallbackQueue() *callbackQueue {
	return &callbackQueue{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// push schedules fn. Calls after close are dropped.
func (q *callbackQueue) push(fn func()) {
	if fn == nil {
		return
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.queue = append(q.queue, fn)
	if !q.started {
		q.started = true
		go q.run()
	}
	q.mu.Unlock()
	q.wake()
}

// close stops the queue once the callbacks already pushed have run.
func (q *callbackQueue) close() {
	q.mu.Lock()
	q.closed = true
	if !q.started {
		q.started = true
		close(q.done)
	}
	q.mu.Unlock()
	q.wake()
}

func (q *callbackQueue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		if len(q.queue) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			<-q.signal
			continue
		}
		fn := q.queue[0]
		q.queue[0] = nil
		q.queue = q.queue[1:]
		q.mu.Unlock()

		fn()
	}
}

func (q *callbackQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
