package threads

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
)

var ErrExecutorClosed = errors.New("executor closed")

// Call is one native invocation. r1 and r2 are the two integer return
// registers.
type Call func() (r1, r2 uintptr, err error)

// Result is the outcome of a Call.
type Result struct {
	R1  uintptr
	R2  uintptr
	Err error
}

type req struct {
	fn   Call
	done func(Result)
}

// ThreadExecutor runs all submitted calls on a fixed set of dedicated OS
// threads.
type ThreadExecutor struct {
	ch chan req

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewExecutor(buffer, workers int) *ThreadExecutor {
	if workers < 1 {
		workers = 1
	}
	e := &ThreadExecutor{ch: make(chan req, buffer)}
	e.wg.Add(workers)
	for range workers {
		go e.loop()
	}
	return e
}

func (e *ThreadExecutor) loop() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer e.wg.Done()

	for r := range e.ch {
		r.done(run(r.fn))
	}
}

func run(fn Call) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			res = Result{Err: fmt.Errorf("native call panicked: %v", p)}
		}
	}()
	r1, r2, err := fn()
	return Result{R1: r1, R2: r2, Err: err}
}

// Close stops accepting calls and waits for queued ones to finish.
func (e *ThreadExecutor) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	close(e.ch)
	e.mu.Unlock()
	e.wg.Wait()
}

// Go schedules fn on an executor thread and returns immediately. done is
// called exactly once, on the executor thread, or on the caller's goroutine
// with ErrExecutorClosed if the executor no longer accepts work.
func (e *ThreadExecutor) Go(fn Call, done func(Result)) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		done(Result{Err: ErrExecutorClosed})
		return
	}
	e.ch <- req{fn: fn, done: done}
	e.mu.RUnlock()
}

// Call schedules fn on an executor thread and blocks until it returns.
func (e *ThreadExecutor) Call(fn Call) (uintptr, uintptr, error) {
	done := make(chan Result, 1)
	e.Go(fn, func(r Result) { done <- r })
	r := <-done
	return r.R1, r.R2, r.Err
}
