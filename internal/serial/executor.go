// Package serial runs submitted functions one at a time per key. Each key owns
// a mailbox drained by a single goroutine, so work for one owner is strictly
// ordered while different owners proceed concurrently.
package serial

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var ErrClosed = errors.New("executor is closed")

const DefaultIdleTimeout = time.Minute

type job struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

type mailbox struct {
	jobs    chan job
	pending int
}

type Executor struct {
	mu          sync.Mutex
	mailboxes   map[string]*mailbox
	closed      bool
	quit        chan struct{}
	wg          sync.WaitGroup
	idleTimeout time.Duration
}

// NewExecutor returns an executor whose idle mailboxes are retired after
// idleTimeout. Zero means DefaultIdleTimeout.
func NewExecutor(idleTimeout time.Duration) *Executor {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &Executor{
		mailboxes:   make(map[string]*mailbox),
		quit:        make(chan struct{}),
		idleTimeout: idleTimeout,
	}
}

// Do runs fn on key's mailbox and waits for its result. If ctx ends before fn
// starts, fn is skipped. Once started, fn runs to completion even when the
// caller stops waiting. fn must not call Do with the same key.
func (x *Executor) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return ErrClosed
	}

	mb, ok := x.mailboxes[key]
	if !ok {
		mb = &mailbox{jobs: make(chan job, 16)}
		x.mailboxes[key] = mb
		x.wg.Add(1)
		go x.loop(key, mb)
	}
	mb.pending++
	x.mu.Unlock()

	j := job{ctx: ctx, fn: fn, done: make(chan error, 1)}
	mb.jobs <- j

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (x *Executor) loop(key string, mb *mailbox) {
	defer x.wg.Done()

	idle := time.NewTimer(x.idleTimeout)
	defer idle.Stop()

	for {
		select {
		case j := <-mb.jobs:
			x.run(mb, j)
			idle.Reset(x.idleTimeout)
		case <-idle.C:
			if x.retire(key, mb) {
				return
			}
			idle.Reset(x.idleTimeout)
		case <-x.quit:
			for !x.retire(key, mb) {
				x.run(mb, <-mb.jobs)
			}
			return
		}
	}
}

func (x *Executor) run(mb *mailbox, j job) {
	defer func() {
		x.mu.Lock()
		mb.pending--
		x.mu.Unlock()
	}()

	if err := j.ctx.Err(); err != nil {
		j.done <- err
		return
	}
	j.done <- call(j.ctx, j.fn)
}

func call(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in serialized function: %v", r)
		}
	}()
	return fn(ctx)
}

// retire removes the mailbox when nothing is queued or about to be queued.
func (x *Executor) retire(key string, mb *mailbox) bool {
	x.mu.Lock()
	defer x.mu.Unlock()

	if mb.pending > 0 {
		return false
	}
	delete(x.mailboxes, key)
	return true
}

// Active returns the number of live mailboxes.
func (x *Executor) Active() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.mailboxes)
}

// Close rejects new work and waits for queued work to finish.
func (x *Executor) Close() {
	x.mu.Lock()
	if x.closed {
		x.mu.Unlock()
		return
	}
	x.closed = true
	close(x.quit)
	x.mu.Unlock()

	x.wg.Wait()
}
