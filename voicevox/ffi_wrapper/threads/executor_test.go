package threads

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestCallReturnsRegisters(t *testing.T) {
	e := NewExecutor(4, 2)
	defer e.Close()

	r1, r2, err := e.Call(func() (uintptr, uintptr, error) { return 7, 9, nil })
	if err != nil || r1 != 7 || r2 != 9 {
		t.Errorf("Call = (%d, %d, %v)", r1, r2, err)
	}

	boom := errors.New("boom")
	if _, _, err := e.Call(func() (uintptr, uintptr, error) { return 0, 0, boom }); !errors.Is(err, boom) {
		t.Errorf("expected boom, got %v", err)
	}
}

func TestGoCallsDoneOnce(t *testing.T) {
	e := NewExecutor(16, 3)
	defer e.Close()

	const n = 50
	var calls atomic.Int32
	var wg sync.WaitGroup
	wg.Add(n)
	for i := range n {
		e.Go(func() (uintptr, uintptr, error) { return uintptr(i), 0, nil }, func(r Result) {
			calls.Add(1)
			if r.R1 != uintptr(i) {
				t.Errorf("call %d got %d", i, r.R1)
			}
			wg.Done()
		})
	}
	wg.Wait()
	if got := calls.Load(); got != n {
		t.Errorf("done called %d times, want %d", got, n)
	}
}

func TestGoDoesNotBlock(t *testing.T) {
	e := NewExecutor(1, 1)
	defer e.Close()

	release := make(chan struct{})
	finished := make(chan struct{})
	start := time.Now()
	e.Go(func() (uintptr, uintptr, error) {
		<-release
		return 0, 0, nil
	}, func(Result) { close(finished) })
	if time.Since(start) > time.Second {
		t.Fatal("Go blocked on the native call")
	}
	close(release)
	<-finished
}

func TestPanicBecomesError(t *testing.T) {
	e := NewExecutor(1, 1)
	defer e.Close()

	_, _, err := e.Call(func() (uintptr, uintptr, error) { panic("bad pointer") })
	if err == nil {
		t.Fatal("expected an error from a panicking call")
	}

	// The worker survives.
	r1, _, err := e.Call(func() (uintptr, uintptr, error) { return 1, 0, nil })
	if err != nil || r1 != 1 {
		t.Errorf("executor unusable after panic: %d %v", r1, err)
	}
}

func TestClosed(t *testing.T) {
	e := NewExecutor(1, 1)
	e.Close()
	e.Close()

	if _, _, err := e.Call(func() (uintptr, uintptr, error) { return 0, 0, nil }); !errors.Is(err, ErrExecutorClosed) {
		t.Errorf("Call after Close: %v", err)
	}
	var got error
	e.Go(func() (uintptr, uintptr, error) { return 0, 0, nil }, func(r Result) { got = r.Err })
	if !errors.Is(got, ErrExecutorClosed) {
		t.Errorf("Go after Close: %v", got)
	}
}
