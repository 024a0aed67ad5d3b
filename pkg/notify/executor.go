// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package notify

import "sync"

// executor runs tasks one at a time in submission order.
type executor struct {
	mu        sync.Mutex
	queue     []func()
	running   bool
	closed    bool
	abandoned bool
	wake      chan struct{}
	done      chan struct{}
}

func newExecutor() *executor {
	e := &executor{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go e.run()
	return e
}

func (e *executor) submit(task func()) bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	e.queue = append(e.queue, task)
	e.mu.Unlock()
	e.signal()
	return true
}

func (e *executor) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *executor) run() {
	defer close(e.done)
	for {
		e.mu.Lock()
		for len(e.queue) == 0 || e.abandoned {
			if e.closed || e.abandoned {
				e.mu.Unlock()
				return
			}
			e.mu.Unlock()
			<-e.wake
			e.mu.Lock()
		}
		task := e.queue[0]
		e.queue[0] = nil
		e.queue = e.queue[1:]
		e.running = true
		e.mu.Unlock()

		task()

		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}
}

// close stops accepting tasks; queued tasks still run.
func (e *executor) close() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.signal()
}

// abandon drops queued tasks and returns how many were not finished,
// counting one still running.
func (e *executor) abandon() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.queue)
	if e.running {
		n++
	}
	e.abandoned = true
	e.queue = nil
	e.signal()
	return n
}
